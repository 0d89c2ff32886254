// Package marketdata turns broker ticks into bars and gates bars before they
// reach any execution function.
package marketdata

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	apperrors "auto-trader/internal/errors"
	"auto-trader/internal/models"
)

// Defaults applied when a ValidatorConfig field is left zero.
var (
	DefaultMaxReasonablePrice = decimal.NewFromInt(10000)
	DefaultFutureTolerance    = time.Second
)

// ValidatorConfig holds the quality gate thresholds.
type ValidatorConfig struct {
	MaxReasonablePrice decimal.Decimal
	FutureTolerance    time.Duration
	// Now is the clock, time.Now when nil
	Now func() time.Time
}

// Validator rejects corrupted bars. It holds no mutable state and is safe
// for concurrent use.
type Validator struct {
	maxPrice  decimal.Decimal
	tolerance time.Duration
	now       func() time.Time
}

// NewValidator creates a validator. A zero MaxReasonablePrice selects the
// default ceiling; a negative one, or a negative tolerance, is rejected.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if cfg.MaxReasonablePrice.IsZero() {
		cfg.MaxReasonablePrice = DefaultMaxReasonablePrice
	}
	if !cfg.MaxReasonablePrice.IsPositive() {
		return nil, apperrors.NewConfigurationError("max_reasonable_price", cfg.MaxReasonablePrice.String(), "must be positive")
	}
	if cfg.FutureTolerance < 0 {
		return nil, apperrors.NewConfigurationError("future_timestamp_tolerance_seconds", cfg.FutureTolerance, "must not be negative")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Validator{
		maxPrice:  cfg.MaxReasonablePrice,
		tolerance: cfg.FutureTolerance,
		now:       cfg.Now,
	}, nil
}

// Validate checks bar in a fixed order and reports the first violation.
func (v *Validator) Validate(bar models.BarData) models.MarketDataValidationResult {
	if bar.Volume <= 0 {
		return invalid(models.CorruptionZeroVolume, "Invalid market data: zero or negative volume")
	}

	limit := v.now().Add(v.tolerance)
	if bar.Timestamp.After(limit) {
		return invalid(models.CorruptionFutureTimestamp, fmt.Sprintf(
			"Invalid market data: future timestamp %s > %s",
			bar.Timestamp.UTC().Format(time.RFC3339Nano), limit.UTC().Format(time.RFC3339Nano)))
	}

	for _, p := range bar.Prices() {
		if !p.IsPositive() {
			return invalid(models.CorruptionNegativePrice, "Invalid market data: negative or zero price detected")
		}
	}

	if bar.Low.GreaterThan(bar.Open) || bar.Open.GreaterThan(bar.High) ||
		bar.Low.GreaterThan(bar.Close) || bar.Close.GreaterThan(bar.High) {
		return invalid(models.CorruptionInvalidOHLC, "Invalid market data: OHLC relationship violation")
	}

	for _, p := range bar.Prices() {
		if p.GreaterThan(v.maxPrice) {
			return invalid(models.CorruptionExtremePrice, fmt.Sprintf(
				"Invalid market data: extreme price detected (>%s)", v.maxPrice.String()))
		}
	}

	return models.MarketDataValidationResult{IsValid: true, CorruptionType: models.CorruptionNone}
}

// Check validates bar and returns a *DataCorruptionError when it is rejected.
func (v *Validator) Check(bar models.BarData) error {
	res := v.Validate(bar)
	if res.IsValid {
		return nil
	}
	return apperrors.NewDataCorruptionError(bar.Symbol, string(res.CorruptionType), res.ErrorMessage)
}

func invalid(kind models.CorruptionType, msg string) models.MarketDataValidationResult {
	return models.MarketDataValidationResult{
		IsValid:        false,
		ErrorMessage:   msg,
		CorruptionType: kind,
	}
}
