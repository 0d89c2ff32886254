// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"auto-trader/internal/models"
)

// DataStore defines the interface for data persistence.
type DataStore interface {
	// Trade Plans
	SavePlan(ctx context.Context, plan *models.TradePlan) error
	GetPlan(ctx context.Context, id string) (*models.TradePlan, error)
	GetPlans(ctx context.Context, filter PlanFilter) ([]models.TradePlan, error)
	ImportPlans(ctx context.Context, plans []models.TradePlan, replace bool) (ImportResult, error)
	DeletePlan(ctx context.Context, id string) error

	// Execution history
	RecordExecution(ctx context.Context, exec *models.Execution) error
	GetExecutions(ctx context.Context, filter ExecutionFilter) ([]models.Execution, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// PlanFilter represents filters for querying trade plans.
type PlanFilter struct {
	Symbol     string
	Status     models.PlanStatus
	ActiveOnly bool
	Limit      int
}

// ExecutionFilter represents filters for querying executions.
type ExecutionFilter struct {
	PlanID string
	Symbol string
	Limit  int
}

// ImportResult reports what an import changed.
type ImportResult struct {
	Added    []string
	Replaced []string
	Skipped  []string
}
