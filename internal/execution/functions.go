package execution

import (
	"fmt"

	"github.com/shopspring/decimal"

	apperrors "auto-trader/internal/errors"
	"auto-trader/internal/models"
)

var hundred = decimal.NewFromInt(100)

// levelSignal maps a level crossing to the signal for the plan's status.
func levelSignal(plan *models.TradePlan) models.Signal {
	switch plan.Status {
	case models.PlanAwaitingEntry:
		return models.SignalEnter
	case models.PlanEntered:
		return models.SignalExit
	}
	return models.SignalNone
}

// CloseAbove fires when a bar closes at or above Threshold.
type CloseAbove struct {
	Threshold decimal.Decimal
	// MinVolume ignores thinner bars, zero disables
	MinVolume int64
}

// NewCloseAbove builds CloseAbove from {threshold, min_volume}.
func NewCloseAbove(params map[string]any) (Function, error) {
	threshold, minVolume, err := levelParams(params)
	if err != nil {
		return nil, err
	}
	return &CloseAbove{Threshold: threshold, MinVolume: minVolume}, nil
}

// Name returns the registry name.
func (f *CloseAbove) Name() string { return TypeCloseAbove }

// Evaluate implements Function.
func (f *CloseAbove) Evaluate(plan *models.TradePlan, bar models.BarData) models.Signal {
	if bar.Volume < f.MinVolume || bar.Close.LessThan(f.Threshold) {
		return models.SignalNone
	}
	return levelSignal(plan)
}

func (f *CloseAbove) String() string {
	return fmt.Sprintf("close >= %s", f.Threshold)
}

// CloseBelow fires when a bar closes at or below Threshold.
type CloseBelow struct {
	Threshold decimal.Decimal
	MinVolume int64
}

// NewCloseBelow builds CloseBelow from {threshold, min_volume}.
func NewCloseBelow(params map[string]any) (Function, error) {
	threshold, minVolume, err := levelParams(params)
	if err != nil {
		return nil, err
	}
	return &CloseBelow{Threshold: threshold, MinVolume: minVolume}, nil
}

// Name returns the registry name.
func (f *CloseBelow) Name() string { return TypeCloseBelow }

// Evaluate implements Function.
func (f *CloseBelow) Evaluate(plan *models.TradePlan, bar models.BarData) models.Signal {
	if bar.Volume < f.MinVolume || bar.Close.GreaterThan(f.Threshold) {
		return models.SignalNone
	}
	return levelSignal(plan)
}

func (f *CloseBelow) String() string {
	return fmt.Sprintf("close <= %s", f.Threshold)
}

func levelParams(params map[string]any) (decimal.Decimal, int64, error) {
	threshold, _, err := positiveDecimalParam(params, "threshold", true)
	if err != nil {
		return threshold, 0, err
	}
	minVolume, err := int64Param(params, "min_volume")
	if err != nil {
		return threshold, 0, err
	}
	return threshold, minVolume, nil
}

// TrailingStop exits an entered plan once price gives back more than the
// trail from the best close seen. The mark is the highest close for long
// plans and the lowest for short ones; it lives on the plan.
type TrailingStop struct {
	// Exactly one of TrailPercent and TrailAmount is set.
	TrailPercent decimal.Decimal
	TrailAmount  decimal.Decimal
	// ActivationPrice delays tracking until price reaches it, zero tracks
	// from entry
	ActivationPrice decimal.Decimal
}

// NewTrailingStop builds TrailingStop from {trail_percent | trail_amount,
// activation_price}.
func NewTrailingStop(params map[string]any) (Function, error) {
	pct, hasPct, err := positiveDecimalParam(params, "trail_percent", false)
	if err != nil {
		return nil, err
	}
	amount, hasAmount, err := positiveDecimalParam(params, "trail_amount", false)
	if err != nil {
		return nil, err
	}
	switch {
	case hasPct && hasAmount:
		return nil, apperrors.NewConfigurationError("trail_percent", pct.String(), "set either trail_percent or trail_amount, not both")
	case !hasPct && !hasAmount:
		return nil, apperrors.NewConfigurationError("trail_percent", nil, "trail_percent or trail_amount is required")
	case hasPct && pct.GreaterThanOrEqual(hundred):
		return nil, apperrors.NewConfigurationError("trail_percent", pct.String(), "must be below 100")
	}

	activation, _, err := positiveDecimalParam(params, "activation_price", false)
	if err != nil {
		return nil, err
	}

	return &TrailingStop{TrailPercent: pct, TrailAmount: amount, ActivationPrice: activation}, nil
}

// Name returns the registry name.
func (f *TrailingStop) Name() string { return TypeTrailingStop }

// Evaluate updates the plan's high-water mark with the bar and reports EXIT
// when the retracement from the mark is strictly greater than the trail.
func (f *TrailingStop) Evaluate(plan *models.TradePlan, bar models.BarData) models.Signal {
	if plan.Status != models.PlanEntered {
		return models.SignalNone
	}

	short := plan.Side == models.SideShort
	price := bar.Close

	if !plan.HighWaterMark.Valid {
		if !f.activated(price, short) {
			return models.SignalNone
		}
		plan.HighWaterMark = decimal.NewNullDecimal(price)
		return models.SignalNone
	}

	mark := plan.HighWaterMark.Decimal
	if (!short && price.GreaterThan(mark)) || (short && price.LessThan(mark)) {
		plan.HighWaterMark = decimal.NewNullDecimal(price)
		return models.SignalNone
	}

	retracement := mark.Sub(price)
	if short {
		retracement = price.Sub(mark)
	}
	if retracement.GreaterThan(f.trail(mark)) {
		return models.SignalExit
	}
	return models.SignalNone
}

func (f *TrailingStop) activated(price decimal.Decimal, short bool) bool {
	if f.ActivationPrice.IsZero() {
		return true
	}
	if short {
		return price.LessThanOrEqual(f.ActivationPrice)
	}
	return price.GreaterThanOrEqual(f.ActivationPrice)
}

// trail returns the allowed giveback from mark.
func (f *TrailingStop) trail(mark decimal.Decimal) decimal.Decimal {
	if f.TrailAmount.IsPositive() {
		return f.TrailAmount
	}
	return mark.Mul(f.TrailPercent).Div(hundred)
}

func (f *TrailingStop) String() string {
	if f.TrailAmount.IsPositive() {
		return fmt.Sprintf("trail %s", f.TrailAmount)
	}
	return fmt.Sprintf("trail %s%%", f.TrailPercent)
}
