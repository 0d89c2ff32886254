// Package execution turns validated bars into entry and exit signals for
// trade plans and applies those signals through the order router.
package execution

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	apperrors "auto-trader/internal/errors"
	"auto-trader/internal/models"
)

// Function evaluates one bar against a trade plan.
//
// Functions keep no progress of their own. Anything that must survive a
// restart, such as a trailing stop's high-water mark, is stored on the plan.
type Function interface {
	Name() string
	Evaluate(plan *models.TradePlan, bar models.BarData) models.Signal
}

// Constructor builds a Function from plan parameters.
type Constructor func(params map[string]any) (Function, error)

// Built-in function names.
const (
	TypeCloseAbove   = "close_above"
	TypeCloseBelow   = "close_below"
	TypeTrailingStop = "trailing_stop"
)

// Registry maps function names to constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns a registry holding the built-in functions.
func NewRegistry() *Registry {
	r := &Registry{ctors: make(map[string]Constructor)}
	r.ctors[TypeCloseAbove] = NewCloseAbove
	r.ctors[TypeCloseBelow] = NewCloseBelow
	r.ctors[TypeTrailingStop] = NewTrailingStop
	return r
}

// Register adds a constructor. Names are unique.
func (r *Registry) Register(name string, ctor Constructor) error {
	if name == "" || ctor == nil {
		return apperrors.NewConfigurationError("function", name, "name and constructor are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ctors[name]; ok {
		return apperrors.NewConfigurationError("function", name, "already registered")
	}
	r.ctors[name] = ctor
	return nil
}

// Create builds the function a plan configuration selects.
func (r *Registry) Create(cfg models.FunctionConfig) (Function, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownFunction, cfg.Type)
	}
	return ctor(cfg.Params)
}

// Types returns the registered names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decimalParam reads an optional decimal parameter. Plan files decode numbers
// as float64 or int64 and occasionally as strings.
func decimalParam(params map[string]any, key string) (decimal.Decimal, bool, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return decimal.Decimal{}, false, nil
	}

	switch v := raw.(type) {
	case decimal.Decimal:
		return v, true, nil
	case *decimal.Decimal:
		if v == nil {
			return decimal.Decimal{}, false, nil
		}
		return *v, true, nil
	}

	s, err := cast.ToStringE(raw)
	if err != nil {
		return decimal.Decimal{}, false, apperrors.NewConfigurationError(key, raw, "must be a number")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false, apperrors.NewConfigurationError(key, raw, "must be a number")
	}
	return d, true, nil
}

func positiveDecimalParam(params map[string]any, key string, required bool) (decimal.Decimal, bool, error) {
	d, ok, err := decimalParam(params, key)
	if err != nil {
		return d, false, err
	}
	if !ok {
		if required {
			return d, false, apperrors.NewConfigurationError(key, nil, "is required")
		}
		return d, false, nil
	}
	if !d.IsPositive() {
		return d, false, apperrors.NewConfigurationError(key, d.String(), "must be positive")
	}
	return d, true, nil
}

func int64Param(params map[string]any, key string) (int64, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return 0, nil
	}
	n, err := cast.ToInt64E(raw)
	if err != nil {
		return 0, apperrors.NewConfigurationError(key, raw, "must be an integer")
	}
	if n < 0 {
		return 0, apperrors.NewConfigurationError(key, n, "must not be negative")
	}
	return n, nil
}
