package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	apperrors "auto-trader/internal/errors"
	"auto-trader/internal/logging"
	"auto-trader/internal/marketdata"
	"auto-trader/internal/models"
)

// ErrStaleBar is returned for a bar not newer than the last bar applied to
// its symbol.
var ErrStaleBar = errors.New("bar not newer than last applied bar")

// OrderRouter submits orders, normally the connection manager.
type OrderRouter interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error)
}

// PlanStore persists plan progress and executions.
type PlanStore interface {
	SavePlan(ctx context.Context, plan *models.TradePlan) error
	RecordExecution(ctx context.Context, exec *models.Execution) error
}

// Notifier announces acted-upon signals.
type Notifier interface {
	SendExecution(ctx context.Context, plan *models.TradePlan, exec *models.Execution) error
}

// EngineConfig wires the engine's collaborators. Store and Notifier are
// optional.
type EngineConfig struct {
	Validator *marketdata.Validator
	Router    OrderRouter
	Registry  *Registry
	Store     PlanStore
	Notifier  Notifier
	// QueueSize is the per-symbol buffer used by Run
	QueueSize int
	Now       func() time.Time
}

// Engine evaluates trade plans against validated bars. Plans of one symbol
// are evaluated by a single writer in timestamp order.
type Engine struct {
	cfg    EngineConfig
	logger zerolog.Logger

	mu    sync.RWMutex
	books map[string]*symbolBook
	ids   map[string]struct{}
}

// symbolBook holds the plans of one symbol.
type symbolBook struct {
	mu      sync.Mutex
	plans   []*planRuntime
	lastBar time.Time
}

type planRuntime struct {
	plan  *models.TradePlan
	entry Function
	exit  Function
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig, logger zerolog.Logger) (*Engine, error) {
	if cfg.Validator == nil {
		return nil, apperrors.NewConfigurationError("validator", nil, "is required")
	}
	if cfg.Router == nil {
		return nil, apperrors.NewConfigurationError("router", nil, "is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Engine{
		cfg:    cfg,
		logger: logging.WithComponent(logger, "engine"),
		books:  make(map[string]*symbolBook),
		ids:    make(map[string]struct{}),
	}, nil
}

// AddPlan registers a plan. Its functions are built up front so that bad
// parameters fail here and not on the first bar.
func (e *Engine) AddPlan(plan models.TradePlan) error {
	if err := plan.Validate(); err != nil {
		return apperrors.NewConfigurationError("plan", plan.ID, err.Error())
	}
	entry, err := e.cfg.Registry.Create(plan.EntryFunction)
	if err != nil {
		return fmt.Errorf("plan %s entry function: %w", plan.ID, err)
	}
	exit, err := e.cfg.Registry.Create(plan.ExitFunction)
	if err != nil {
		return fmt.Errorf("plan %s exit function: %w", plan.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.ids[plan.ID]; dup {
		return apperrors.NewConfigurationError("plan", plan.ID, "duplicate plan id")
	}
	book, ok := e.books[plan.Symbol]
	if !ok {
		book = &symbolBook{}
		e.books[plan.Symbol] = book
	}

	p := plan
	book.mu.Lock()
	book.plans = append(book.plans, &planRuntime{plan: &p, entry: entry, exit: exit})
	if p.LastBarAt.After(book.lastBar) {
		book.lastBar = p.LastBarAt
	}
	book.mu.Unlock()
	e.ids[plan.ID] = struct{}{}

	e.logger.Info().
		Str("plan", plan.ID).
		Str("symbol", plan.Symbol).
		Str("status", string(plan.Status)).
		Str("entry", entry.Name()).
		Str("exit", exit.Name()).
		Msg("Plan loaded")
	return nil
}

// Symbols returns the symbols with at least one active plan, sorted.
func (e *Engine) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	symbols := make([]string, 0, len(e.books))
	for symbol, book := range e.books {
		book.mu.Lock()
		for _, rt := range book.plans {
			if rt.plan.IsActive() {
				symbols = append(symbols, symbol)
				break
			}
		}
		book.mu.Unlock()
	}
	sort.Strings(symbols)
	return symbols
}

// Plans returns copies of all plans ordered by id.
func (e *Engine) Plans() []models.TradePlan {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var plans []models.TradePlan
	for _, book := range e.books {
		book.mu.Lock()
		for _, rt := range book.plans {
			plans = append(plans, *rt.plan)
		}
		book.mu.Unlock()
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	return plans
}

// Plan returns a copy of one plan.
func (e *Engine) Plan(id string) (models.TradePlan, error) {
	for _, p := range e.Plans() {
		if p.ID == id {
			return p, nil
		}
	}
	return models.TradePlan{}, fmt.Errorf("%w: %s", apperrors.ErrPlanNotFound, id)
}

// HandleBar validates bar and applies it to every active plan of its symbol.
// A corrupted bar is dropped with a *DataCorruptionError; a bar not newer
// than the symbol's last applied bar is dropped with ErrStaleBar. Order
// failures are logged and leave the plan where it was.
func (e *Engine) HandleBar(ctx context.Context, bar models.BarData) error {
	log := logging.WithSymbol(e.logger, bar.Symbol)

	if err := e.cfg.Validator.Check(bar); err != nil {
		log.Warn().Err(err).Time("bar_time", bar.Timestamp).Msg("Dropping corrupted bar")
		return err
	}

	e.mu.RLock()
	book, ok := e.books[bar.Symbol]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	book.mu.Lock()
	defer book.mu.Unlock()

	if !bar.Timestamp.After(book.lastBar) {
		log.Debug().
			Time("bar_time", bar.Timestamp).
			Time("last_bar", book.lastBar).
			Msg("Dropping out-of-order bar")
		return fmt.Errorf("%w: %s at %s", ErrStaleBar, bar.Symbol, bar.Timestamp.Format(time.RFC3339))
	}
	book.lastBar = bar.Timestamp

	for _, rt := range book.plans {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.evaluate(ctx, rt, bar)
	}
	return nil
}

// evaluate runs one plan against bar. Caller holds the book lock.
func (e *Engine) evaluate(ctx context.Context, rt *planRuntime, bar models.BarData) {
	plan := rt.plan
	if !plan.IsActive() {
		return
	}

	fn, want, next := rt.entry, models.SignalEnter, models.PlanEntered
	if plan.Status == models.PlanEntered {
		fn, want, next = rt.exit, models.SignalExit, models.PlanExited
	}

	signal := fn.Evaluate(plan, bar)
	plan.LastBarAt = bar.Timestamp

	if signal != want {
		e.save(ctx, plan)
		return
	}

	log := logging.WithPlan(e.logger, plan.ID)
	logging.LogSignal(e.logger, plan.ID, plan.Symbol, string(signal),
		fmt.Sprintf("%s at close %s", fn.Name(), bar.Close))

	side := plan.Side.EntryOrderSide()
	if signal == models.SignalExit {
		side = plan.Side.ExitOrderSide()
	}
	req := models.OrderRequest{
		Symbol:   plan.Symbol,
		Exchange: plan.Exchange,
		Side:     side,
		Type:     models.OrderTypeMarket,
		Quantity: plan.Quantity,
	}

	res, err := e.cfg.Router.PlaceOrder(ctx, req)
	if err != nil {
		var open *apperrors.CircuitOpenError
		if errors.As(err, &open) {
			log.Warn().Time("retry_at", open.RetryAt).Str("signal", string(signal)).
				Msg("Circuit open, signal deferred to a later bar")
		} else {
			log.Error().Err(err).Str("signal", string(signal)).Msg("Order submission failed")
		}
		e.save(ctx, plan)
		return
	}

	now := e.cfg.Now().UTC()
	if err := plan.Transition(next, now); err != nil {
		// The book lock makes this unreachable short of a bug.
		log.Error().Err(err).Msg("Plan transition failed after order")
		return
	}
	if signal == models.SignalEnter {
		plan.EntryOrderID = res.OrderID
		plan.EntryPrice = bar.Close
	} else {
		plan.ExitOrderID = res.OrderID
		plan.ExitPrice = bar.Close
	}

	exec := &models.Execution{
		ID:        uuid.NewString(),
		PlanID:    plan.ID,
		Symbol:    plan.Symbol,
		Signal:    signal,
		OrderID:   res.OrderID,
		Price:     bar.Close,
		Quantity:  plan.Quantity,
		Reason:    fmt.Sprintf("%s on %s bar at %s", fn.Name(), bar.Timeframe, bar.Timestamp.Format(time.RFC3339)),
		Timestamp: now,
	}

	log.Info().
		Str("status", string(plan.Status)).
		Str("order_id", res.OrderID).
		Str("price", bar.Close.String()).
		Msg("Plan transitioned")

	e.save(ctx, plan)
	if e.cfg.Store != nil {
		if err := e.cfg.Store.RecordExecution(ctx, exec); err != nil {
			log.Error().Err(err).Msg("Failed to record execution")
		}
	}
	if e.cfg.Notifier != nil {
		if err := e.cfg.Notifier.SendExecution(ctx, plan, exec); err != nil {
			log.Warn().Err(err).Msg("Failed to send notification")
		}
	}
}

func (e *Engine) save(ctx context.Context, plan *models.TradePlan) {
	if e.cfg.Store == nil {
		return
	}
	plan.UpdatedAt = e.cfg.Now().UTC()
	if err := e.cfg.Store.SavePlan(ctx, plan); err != nil {
		log := logging.WithPlan(e.logger, plan.ID)
		log.Error().Err(err).Msg("Failed to persist plan progress")
	}
}

// Run consumes bars until the channel closes or ctx is done, fanning them
// out to one worker per symbol. Bars of one symbol keep their channel order.
// A bar for a symbol whose queue is full is dropped so that one slow symbol
// does not hold up the others.
func (e *Engine) Run(ctx context.Context, bars <-chan models.BarData) error {
	g, ctx := errgroup.WithContext(ctx)
	queues := make(map[string]chan models.BarData)
	closeQueues := func() {
		for symbol, q := range queues {
			close(q)
			delete(queues, symbol)
		}
	}

	for {
		select {
		case <-ctx.Done():
			closeQueues()
			if err := g.Wait(); err != nil {
				return err
			}
			return ctx.Err()

		case bar, ok := <-bars:
			if !ok {
				closeQueues()
				return g.Wait()
			}

			q, exists := queues[bar.Symbol]
			if !exists {
				q = make(chan models.BarData, e.cfg.QueueSize)
				queues[bar.Symbol] = q
				g.Go(func() error { return e.worker(ctx, q) })
			}
			select {
			case q <- bar:
			default:
				e.logger.Warn().
					Str("symbol", bar.Symbol).
					Time("bar_time", bar.Timestamp).
					Int("queue_size", e.cfg.QueueSize).
					Msg("Symbol queue full, dropping bar")
			}
		}
	}
}

func (e *Engine) worker(ctx context.Context, q <-chan models.BarData) error {
	for bar := range q {
		if ctx.Err() != nil {
			continue
		}
		err := e.HandleBar(ctx, bar)
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return err
		}
	}
	return nil
}
