// Package store provides data persistence implementations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	apperrors "auto-trader/internal/errors"
	"auto-trader/internal/models"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to initialize schema: %w", err), db.Close())
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Trade plans with their execution progress
	CREATE TABLE IF NOT EXISTS trade_plans (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'awaiting_entry',
		entry_function TEXT NOT NULL,
		exit_function TEXT NOT NULL,
		risk TEXT,
		high_water_mark TEXT,
		last_bar_at DATETIME,
		entry_order_id TEXT,
		exit_order_id TEXT,
		entry_price TEXT,
		exit_price TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Signals that resulted in an order
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		signal TEXT NOT NULL,
		order_id TEXT,
		price TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		reason TEXT,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (plan_id) REFERENCES trade_plans(id)
	);

	CREATE INDEX IF NOT EXISTS idx_trade_plans_symbol ON trade_plans(symbol);
	CREATE INDEX IF NOT EXISTS idx_trade_plans_status ON trade_plans(status);
	CREATE INDEX IF NOT EXISTS idx_executions_plan ON executions(plan_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ============================================================================
// Trade Plan Methods
// ============================================================================

const planColumns = `id, symbol, exchange, side, quantity, status, entry_function, exit_function, risk,
	high_water_mark, last_bar_at, entry_order_id, exit_order_id, entry_price, exit_price, created_at, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SavePlan inserts or replaces a trade plan with its progress.
func (s *SQLiteStore) SavePlan(ctx context.Context, plan *models.TradePlan) error {
	if err := savePlan(ctx, s.db, plan); err != nil {
		return fmt.Errorf("failed to save trade plan %s: %w", plan.ID, err)
	}
	return nil
}

func savePlan(ctx context.Context, db execer, plan *models.TradePlan) error {
	entry, err := json.Marshal(plan.EntryFunction)
	if err != nil {
		return err
	}
	exit, err := json.Marshal(plan.ExitFunction)
	if err != nil {
		return err
	}
	risk, err := json.Marshal(plan.Risk)
	if err != nil {
		return err
	}

	createdAt := plan.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := plan.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err = db.ExecContext(ctx, `
		INSERT OR REPLACE INTO trade_plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, plan.ID, plan.Symbol, string(plan.Exchange), string(plan.Side), plan.Quantity, string(plan.Status),
		string(entry), string(exit), string(risk),
		plan.HighWaterMark, nullTime(plan.LastBarAt), nullString(plan.EntryOrderID), nullString(plan.ExitOrderID),
		plan.EntryPrice, plan.ExitPrice, createdAt, updatedAt)
	return err
}

// GetPlan retrieves one trade plan.
func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*models.TradePlan, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+planColumns+" FROM trade_plans WHERE id = ?", id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrPlanNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade plan: %w", err)
	}
	return p, nil
}

// GetPlans retrieves trade plans from the database.
func (s *SQLiteStore) GetPlans(ctx context.Context, filter PlanFilter) ([]models.TradePlan, error) {
	query := "SELECT " + planColumns + " FROM trade_plans WHERE 1=1"
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.ActiveOnly {
		query += " AND status != ?"
		args = append(args, string(models.PlanExited))
	}

	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade plans: %w", err)
	}
	defer rows.Close()

	var plans []models.TradePlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade plan: %w", err)
		}
		plans = append(plans, *p)
	}

	return plans, rows.Err()
}

// ImportPlans stores new plan definitions in one transaction. Existing ids
// are skipped, or replaced with fresh progress when replace is set.
func (s *SQLiteStore) ImportPlans(ctx context.Context, plans []models.TradePlan, replace bool) (result ImportResult, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin import: %w", err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, tx.Rollback())
		}
	}()

	for i := range plans {
		plan := plans[i]
		var exists int
		err = tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM trade_plans WHERE id = ?", plan.ID).Scan(&exists)
		if err != nil {
			return result, fmt.Errorf("failed to check plan %s: %w", plan.ID, err)
		}

		switch {
		case exists > 0 && !replace:
			result.Skipped = append(result.Skipped, plan.ID)
			continue
		case exists > 0:
			if _, err = tx.ExecContext(ctx, "DELETE FROM executions WHERE plan_id = ?", plan.ID); err != nil {
				return result, fmt.Errorf("failed to clear executions of %s: %w", plan.ID, err)
			}
			result.Replaced = append(result.Replaced, plan.ID)
		default:
			result.Added = append(result.Added, plan.ID)
		}

		if err = savePlan(ctx, tx, &plan); err != nil {
			return result, fmt.Errorf("failed to import plan %s: %w", plan.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit import: %w", err)
	}
	return result, nil
}

// DeletePlan removes a plan and its execution history.
func (s *SQLiteStore) DeletePlan(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM executions WHERE plan_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete executions: %w", err)
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM trade_plans WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete trade plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrPlanNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*models.TradePlan, error) {
	var (
		p                       models.TradePlan
		exchange, side, status  string
		entry, exit             string
		risk                    sql.NullString
		lastBarAt               sql.NullTime
		entryOrderID, exitOrder sql.NullString
		entryPrice, exitPrice   decimal.NullDecimal
		createdAt, updatedAt    sql.NullTime
	)

	err := row.Scan(&p.ID, &p.Symbol, &exchange, &side, &p.Quantity, &status, &entry, &exit, &risk,
		&p.HighWaterMark, &lastBarAt, &entryOrderID, &exitOrder, &entryPrice, &exitPrice, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	p.Exchange = models.Exchange(exchange)
	p.Side = models.PositionSide(side)
	p.Status = models.PlanStatus(status)
	if err := json.Unmarshal([]byte(entry), &p.EntryFunction); err != nil {
		return nil, fmt.Errorf("plan %s entry function: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(exit), &p.ExitFunction); err != nil {
		return nil, fmt.Errorf("plan %s exit function: %w", p.ID, err)
	}
	if risk.Valid && strings.TrimSpace(risk.String) != "" {
		if err := json.Unmarshal([]byte(risk.String), &p.Risk); err != nil {
			return nil, fmt.Errorf("plan %s risk: %w", p.ID, err)
		}
	}
	p.LastBarAt = lastBarAt.Time.UTC()
	if !lastBarAt.Valid {
		p.LastBarAt = time.Time{}
	}
	p.EntryOrderID = entryOrderID.String
	p.ExitOrderID = exitOrder.String
	p.EntryPrice = entryPrice.Decimal
	p.ExitPrice = exitPrice.Decimal
	p.CreatedAt = createdAt.Time.UTC()
	p.UpdatedAt = updatedAt.Time.UTC()
	return &p, nil
}

// ============================================================================
// Execution Methods
// ============================================================================

// RecordExecution appends to the execution history.
func (s *SQLiteStore) RecordExecution(ctx context.Context, exec *models.Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, plan_id, symbol, signal, order_id, price, quantity, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.PlanID, exec.Symbol, string(exec.Signal), nullString(exec.OrderID), exec.Price,
		exec.Quantity, exec.Reason, exec.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// GetExecutions retrieves executions, newest first.
func (s *SQLiteStore) GetExecutions(ctx context.Context, filter ExecutionFilter) ([]models.Execution, error) {
	query := "SELECT id, plan_id, symbol, signal, order_id, price, quantity, reason, timestamp FROM executions WHERE 1=1"
	args := []interface{}{}

	if filter.PlanID != "" {
		query += " AND plan_id = ?"
		args = append(args, filter.PlanID)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}

	query += " ORDER BY timestamp DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var execs []models.Execution
	for rows.Next() {
		var (
			e       models.Execution
			signal  string
			orderID sql.NullString
			reason  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.PlanID, &e.Symbol, &signal, &orderID, &e.Price, &e.Quantity, &reason, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.Signal = models.Signal(signal)
		e.OrderID = orderID.String
		e.Reason = reason.String
		e.Timestamp = e.Timestamp.UTC()
		execs = append(execs, e)
	}

	return execs, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
