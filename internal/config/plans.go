package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	apperrors "auto-trader/internal/errors"
	"auto-trader/internal/models"
)

// PlanFile is the on-disk shape of a plans file.
type PlanFile struct {
	Plans []PlanEntry `mapstructure:"plans" validate:"dive"`
}

// PlanEntry describes one trade plan as written by the user.
type PlanEntry struct {
	ID       string                `mapstructure:"id" validate:"required"`
	Symbol   string                `mapstructure:"symbol" validate:"required"`
	Exchange string                `mapstructure:"exchange" validate:"omitempty,oneof=NSE BSE NFO MCX"`
	Side     string                `mapstructure:"side" validate:"oneof=long short"`
	Quantity int                   `mapstructure:"quantity" validate:"gt=0"`
	Entry    models.FunctionConfig `mapstructure:"entry"`
	Exit     models.FunctionConfig `mapstructure:"exit"`
	Risk     RiskEntry             `mapstructure:"risk"`
}

// RiskEntry holds optional risk limits.
type RiskEntry struct {
	StopLoss        float64 `mapstructure:"stop_loss" validate:"gte=0"`
	TakeProfit      float64 `mapstructure:"take_profit" validate:"gte=0"`
	MaxPositionSize int     `mapstructure:"max_position_size" validate:"gte=0"`
}

// LoadPlans reads a plans file. The format follows the file extension
// (toml, yaml or json). Every invalid entry is reported.
func LoadPlans(path string) ([]models.TradePlan, error) {
	v := viper.New()
	v.SetConfigFile(expandHome(path))
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading plans file: %w", err)
	}

	var file PlanFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("decoding plans file: %w", err)
	}
	if len(file.Plans) == 0 {
		return nil, apperrors.NewConfigurationError("plans", path, "no plans defined")
	}

	var errs error
	if verr := validate.Struct(&file); verr != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(verr, &fieldErrs) {
			for _, fe := range fieldErrs {
				errs = multierr.Append(errs, apperrors.NewConfigurationError(
					strings.ToLower(fieldName(fe.Namespace())), fe.Value(), describeTag(fe)))
			}
		} else {
			errs = multierr.Append(errs, verr)
		}
	}

	plans := make([]models.TradePlan, 0, len(file.Plans))
	seen := make(map[string]bool, len(file.Plans))
	for i, entry := range file.Plans {
		if seen[entry.ID] {
			errs = multierr.Append(errs, apperrors.NewConfigurationError(
				fmt.Sprintf("plans[%d].id", i), entry.ID, "duplicate plan id"))
			continue
		}
		seen[entry.ID] = true

		plan := entry.toPlan()
		if err := plan.Validate(); err != nil {
			errs = multierr.Append(errs, apperrors.NewConfigurationError(
				fmt.Sprintf("plans[%d]", i), entry.ID, err.Error()))
			continue
		}
		plans = append(plans, plan)
	}
	if errs != nil {
		return nil, errs
	}
	return plans, nil
}

func (e PlanEntry) toPlan() models.TradePlan {
	exchange := models.Exchange(strings.ToUpper(e.Exchange))
	if exchange == "" {
		exchange = models.NSE
	}
	return models.TradePlan{
		ID:            e.ID,
		Symbol:        strings.ToUpper(e.Symbol),
		Exchange:      exchange,
		Side:          models.PositionSide(e.Side),
		Quantity:      e.Quantity,
		Status:        models.PlanAwaitingEntry,
		EntryFunction: e.Entry,
		ExitFunction:  e.Exit,
		Risk: models.RiskParams{
			StopLoss:        decimal.NewFromFloat(e.Risk.StopLoss),
			TakeProfit:      decimal.NewFromFloat(e.Risk.TakeProfit),
			MaxPositionSize: e.Risk.MaxPositionSize,
		},
	}
}
