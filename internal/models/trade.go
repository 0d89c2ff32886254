package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	apperrors "auto-trader/internal/errors"
)

// PositionSide is the direction a plan trades in.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// EntryOrderSide returns the order side that opens a position in this direction.
func (s PositionSide) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitOrderSide returns the order side that closes a position in this direction.
func (s PositionSide) ExitOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// PlanStatus represents the status of a trade plan.
type PlanStatus string

const (
	PlanAwaitingEntry PlanStatus = "awaiting_entry"
	PlanEntered       PlanStatus = "entered"
	PlanExited        PlanStatus = "exited"
)

// planTransitions is the only graph a plan may move along.
var planTransitions = map[PlanStatus]PlanStatus{
	PlanAwaitingEntry: PlanEntered,
	PlanEntered:       PlanExited,
}

// IsTerminal reports whether no further transition is possible.
func (s PlanStatus) IsTerminal() bool {
	_, ok := planTransitions[s]
	return !ok
}

// Valid reports whether s is a known status.
func (s PlanStatus) Valid() bool {
	return s == PlanAwaitingEntry || s == PlanEntered || s == PlanExited
}

// Signal is the decision an execution function reaches for one bar.
type Signal string

const (
	SignalNone  Signal = "none"
	SignalEnter Signal = "enter"
	SignalExit  Signal = "exit"
)

// FunctionConfig selects an execution function and its parameters.
type FunctionConfig struct {
	Type   string         `json:"type" mapstructure:"type"`
	Params map[string]any `json:"params" mapstructure:"params"`
}

// RiskParams holds the plan's risk limits.
type RiskParams struct {
	StopLoss        decimal.Decimal `json:"stop_loss"`
	TakeProfit      decimal.Decimal `json:"take_profit"`
	MaxPositionSize int             `json:"max_position_size"`
}

// TradePlan represents a planned trade and its execution progress.
type TradePlan struct {
	ID            string
	Symbol        string
	Exchange      Exchange
	Side          PositionSide
	Quantity      int
	Status        PlanStatus
	EntryFunction FunctionConfig
	ExitFunction  FunctionConfig
	Risk          RiskParams

	// Progress, owned by the per-symbol evaluator.
	HighWaterMark decimal.NullDecimal
	LastBarAt     time.Time
	EntryOrderID  string
	ExitOrderID   string
	EntryPrice    decimal.Decimal
	ExitPrice     decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Transition moves the plan to the next status. Skips and reversals are rejected.
func (p *TradePlan) Transition(to PlanStatus, at time.Time) error {
	next, ok := planTransitions[p.Status]
	if !ok || next != to {
		return fmt.Errorf("%w: %s -> %s for %s", apperrors.ErrInvalidTransition, p.Status, to, p.ID)
	}
	p.Status = to
	p.UpdatedAt = at
	return nil
}

// IsActive reports whether the plan still awaits a signal.
func (p *TradePlan) IsActive() bool {
	return !p.Status.IsTerminal()
}

// Validate checks the fields the engine relies on.
func (p *TradePlan) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("plan id is required")
	case p.Symbol == "":
		return fmt.Errorf("plan %s: symbol is required", p.ID)
	case p.Side != SideLong && p.Side != SideShort:
		return fmt.Errorf("plan %s: side must be long or short, got %q", p.ID, p.Side)
	case p.Quantity <= 0:
		return fmt.Errorf("plan %s: quantity must be positive", p.ID)
	case p.Risk.MaxPositionSize > 0 && p.Quantity > p.Risk.MaxPositionSize:
		return fmt.Errorf("plan %s: quantity %d exceeds max position size %d", p.ID, p.Quantity, p.Risk.MaxPositionSize)
	case !p.Status.Valid():
		return fmt.Errorf("plan %s: unknown status %q", p.ID, p.Status)
	case p.EntryFunction.Type == "":
		return fmt.Errorf("plan %s: entry function is required", p.ID)
	case p.ExitFunction.Type == "":
		return fmt.Errorf("plan %s: exit function is required", p.ID)
	}
	return nil
}

// Execution records a signal acted upon for a plan.
type Execution struct {
	ID        string
	PlanID    string
	Symbol    string
	Signal    Signal
	OrderID   string
	Price     decimal.Decimal
	Quantity  int
	Reason    string
	Timestamp time.Time
}
