package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "auto-trader/internal/errors"
	"auto-trader/internal/marketdata"
	"auto-trader/internal/models"
)

type fakeRouter struct {
	mu     sync.Mutex
	err    error
	orders []models.OrderRequest
}

func (r *fakeRouter) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.orders = append(r.orders, req)
	return &models.OrderResult{OrderID: "ORD" + string(rune('0'+len(r.orders))), Status: "PLACED"}, nil
}

func (r *fakeRouter) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *fakeRouter) placed() []models.OrderRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.OrderRequest(nil), r.orders...)
}

type memStore struct {
	mu         sync.Mutex
	plans      map[string]models.TradePlan
	executions []models.Execution
}

func newMemStore() *memStore {
	return &memStore{plans: make(map[string]models.TradePlan)}
}

func (s *memStore) SavePlan(ctx context.Context, plan *models.TradePlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.ID] = *plan
	return nil
}

func (s *memStore) RecordExecution(ctx context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = append(s.executions, *exec)
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	execs []models.Execution
}

func (n *recordingNotifier) SendExecution(ctx context.Context, plan *models.TradePlan, exec *models.Execution) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.execs = append(n.execs, *exec)
	return errors.New("webhook down") // must not affect the plan
}

func newTestEngine(t *testing.T, router *fakeRouter, store *memStore) *Engine {
	t.Helper()
	v, err := marketdata.NewValidator(marketdata.ValidatorConfig{})
	require.NoError(t, err)

	e, err := NewEngine(EngineConfig{
		Validator: v,
		Router:    router,
		Store:     store,
		Notifier:  &recordingNotifier{},
	}, zerolog.Nop())
	require.NoError(t, err)
	return e
}

func breakoutPlan(id, symbol string) models.TradePlan {
	return models.TradePlan{
		ID:            id,
		Symbol:        symbol,
		Exchange:      models.NSE,
		Side:          models.SideLong,
		Quantity:      10,
		Status:        models.PlanAwaitingEntry,
		EntryFunction: models.FunctionConfig{Type: TypeCloseAbove, Params: map[string]any{"threshold": 100}},
		ExitFunction:  models.FunctionConfig{Type: TypeTrailingStop, Params: map[string]any{"trail_amount": 5}},
	}
}

func bar(symbol string, minute int, closePrice float64) models.BarData {
	return models.NewBar(symbol, models.Timeframe1Min, closePrice, closePrice, closePrice, closePrice, 100,
		barTime.Add(time.Duration(minute)*time.Minute))
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(EngineConfig{Router: &fakeRouter{}}, zerolog.Nop())
	assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)

	v, _ := marketdata.NewValidator(marketdata.ValidatorConfig{})
	_, err = NewEngine(EngineConfig{Validator: v}, zerolog.Nop())
	assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)
}

func TestEngineAddPlanRejectsBadPlans(t *testing.T) {
	e := newTestEngine(t, &fakeRouter{}, newMemStore())

	require.NoError(t, e.AddPlan(breakoutPlan("p1", "INFY")))
	assert.ErrorIs(t, e.AddPlan(breakoutPlan("p1", "TCS")), apperrors.ErrConfigInvalid)

	bad := breakoutPlan("p2", "INFY")
	bad.ExitFunction = models.FunctionConfig{Type: "unknown"}
	assert.ErrorIs(t, e.AddPlan(bad), apperrors.ErrUnknownFunction)

	bad = breakoutPlan("p3", "INFY")
	bad.Quantity = 0
	assert.ErrorIs(t, e.AddPlan(bad), apperrors.ErrConfigInvalid)

	assert.Equal(t, []string{"INFY"}, e.Symbols())
}

func TestEngineFullLifecycle(t *testing.T) {
	router := &fakeRouter{}
	store := newMemStore()
	e := newTestEngine(t, router, store)
	require.NoError(t, e.AddPlan(breakoutPlan("p1", "INFY")))

	ctx := context.Background()
	require.NoError(t, e.HandleBar(ctx, bar("INFY", 0, 99)))
	require.NoError(t, e.HandleBar(ctx, bar("INFY", 1, 100)))

	plan, err := e.Plan("p1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanEntered, plan.Status)
	assert.Equal(t, "ORD1", plan.EntryOrderID)

	require.NoError(t, e.HandleBar(ctx, bar("INFY", 2, 110)))
	require.NoError(t, e.HandleBar(ctx, bar("INFY", 3, 104)))

	plan, _ = e.Plan("p1")
	assert.Equal(t, models.PlanExited, plan.Status)
	assert.Equal(t, "ORD2", plan.ExitOrderID)
	assert.Empty(t, e.Symbols())

	orders := router.placed()
	require.Len(t, orders, 2)
	assert.Equal(t, models.OrderSideBuy, orders[0].Side)
	assert.Equal(t, models.OrderSideSell, orders[1].Side)
	assert.Equal(t, 10, orders[1].Quantity)

	// Terminal plans ignore further bars.
	require.NoError(t, e.HandleBar(ctx, bar("INFY", 4, 200)))
	assert.Len(t, router.placed(), 2)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.executions, 2)
	assert.Equal(t, models.SignalEnter, store.executions[0].Signal)
	assert.Equal(t, models.SignalExit, store.executions[1].Signal)
	assert.Equal(t, models.PlanExited, store.plans["p1"].Status)
}

func TestEngineDropsCorruptedBars(t *testing.T) {
	router := &fakeRouter{}
	e := newTestEngine(t, router, newMemStore())
	require.NoError(t, e.AddPlan(breakoutPlan("p1", "INFY")))

	corrupt := bar("INFY", 0, 150)
	corrupt.Volume = 0

	err := e.HandleBar(context.Background(), corrupt)
	var dce *apperrors.DataCorruptionError
	require.ErrorAs(t, err, &dce)
	assert.Equal(t, string(models.CorruptionZeroVolume), dce.CorruptionType)

	plan, _ := e.Plan("p1")
	assert.Equal(t, models.PlanAwaitingEntry, plan.Status)
	assert.Empty(t, router.placed())

	// The dropped bar does not advance the symbol clock.
	require.NoError(t, e.HandleBar(context.Background(), bar("INFY", 0, 150)))
	plan, _ = e.Plan("p1")
	assert.Equal(t, models.PlanEntered, plan.Status)
}

func TestEngineDropsOutOfOrderBars(t *testing.T) {
	router := &fakeRouter{}
	e := newTestEngine(t, router, newMemStore())
	require.NoError(t, e.AddPlan(breakoutPlan("p1", "INFY")))

	ctx := context.Background()
	require.NoError(t, e.HandleBar(ctx, bar("INFY", 5, 90)))
	assert.ErrorIs(t, e.HandleBar(ctx, bar("INFY", 5, 150)), ErrStaleBar)
	assert.ErrorIs(t, e.HandleBar(ctx, bar("INFY", 4, 150)), ErrStaleBar)

	plan, _ := e.Plan("p1")
	assert.Equal(t, models.PlanAwaitingEntry, plan.Status)
	assert.Equal(t, bar("INFY", 5, 90).Timestamp, plan.LastBarAt)
}

func TestEngineRestoredPlanKeepsBarClock(t *testing.T) {
	e := newTestEngine(t, &fakeRouter{}, newMemStore())

	p := breakoutPlan("p1", "INFY")
	p.LastBarAt = bar("INFY", 10, 0).Timestamp
	require.NoError(t, e.AddPlan(p))

	assert.ErrorIs(t, e.HandleBar(context.Background(), bar("INFY", 9, 150)), ErrStaleBar)
}

func TestEngineCircuitOpenLeavesPlanUntouched(t *testing.T) {
	router := &fakeRouter{}
	e := newTestEngine(t, router, newMemStore())
	require.NoError(t, e.AddPlan(breakoutPlan("p1", "INFY")))

	router.setErr(apperrors.NewCircuitOpenError("broker", barTime.Add(time.Minute)))
	require.NoError(t, e.HandleBar(context.Background(), bar("INFY", 0, 120)))

	plan, _ := e.Plan("p1")
	assert.Equal(t, models.PlanAwaitingEntry, plan.Status)
	assert.Empty(t, plan.EntryOrderID)

	// The signal is re-derived from the next bar once the circuit closes.
	router.setErr(nil)
	require.NoError(t, e.HandleBar(context.Background(), bar("INFY", 1, 121)))
	plan, _ = e.Plan("p1")
	assert.Equal(t, models.PlanEntered, plan.Status)
}

func TestEngineOrderFailureLeavesPlanUntouched(t *testing.T) {
	router := &fakeRouter{}
	e := newTestEngine(t, router, newMemStore())
	require.NoError(t, e.AddPlan(breakoutPlan("p1", "INFY")))

	router.setErr(apperrors.NewOrderError("", "INFY", "BUY", "insufficient margin", apperrors.ErrOrderRejected))
	require.NoError(t, e.HandleBar(context.Background(), bar("INFY", 0, 120)))

	plan, _ := e.Plan("p1")
	assert.Equal(t, models.PlanAwaitingEntry, plan.Status)
}

func TestEngineRun(t *testing.T) {
	router := &fakeRouter{}
	e := newTestEngine(t, router, newMemStore())
	require.NoError(t, e.AddPlan(breakoutPlan("a", "INFY")))
	require.NoError(t, e.AddPlan(breakoutPlan("b", "TCS")))

	bars := make(chan models.BarData)
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), bars) }()

	for i, price := range []float64{95, 101, 110, 104} {
		bars <- bar("INFY", i, price)
		bars <- bar("TCS", i, 95)
	}
	close(bars)
	require.NoError(t, <-done)

	plans := e.Plans()
	require.Len(t, plans, 2)
	assert.Equal(t, models.PlanExited, plans[0].Status)
	assert.Equal(t, models.PlanAwaitingEntry, plans[1].Status)
}

// failingStore rejects every write.
type failingStore struct{ saves int }

func (s *failingStore) SavePlan(ctx context.Context, plan *models.TradePlan) error {
	s.saves++
	return errors.New("disk full")
}

func (s *failingStore) RecordExecution(ctx context.Context, exec *models.Execution) error {
	return errors.New("disk full")
}

func TestEngineStoreFailureKeepsPlanProgress(t *testing.T) {
	router := &fakeRouter{}
	st := &failingStore{}
	v, err := marketdata.NewValidator(marketdata.ValidatorConfig{})
	require.NoError(t, err)
	e, err := NewEngine(EngineConfig{Validator: v, Router: router, Store: st}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, e.AddPlan(breakoutPlan("p1", "INFY")))

	require.NoError(t, e.HandleBar(context.Background(), bar("INFY", 0, 95)))
	require.NoError(t, e.HandleBar(context.Background(), bar("INFY", 1, 101)))

	plan, err := e.Plan("p1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanEntered, plan.Status)
	assert.Len(t, router.placed(), 1)
	assert.Equal(t, 2, st.saves)
}

// gatedRouter holds orders for one symbol until gate is closed.
type gatedRouter struct {
	fakeRouter
	symbol string
	gate   chan struct{}
}

func (r *gatedRouter) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	if req.Symbol == r.symbol {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.fakeRouter.PlaceOrder(ctx, req)
}

func TestEngineRunSlowSymbolDoesNotBlockOthers(t *testing.T) {
	router := &gatedRouter{symbol: "INFY", gate: make(chan struct{})}
	v, err := marketdata.NewValidator(marketdata.ValidatorConfig{})
	require.NoError(t, err)
	e, err := NewEngine(EngineConfig{Validator: v, Router: router, QueueSize: 1}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, e.AddPlan(breakoutPlan("a", "INFY")))
	require.NoError(t, e.AddPlan(breakoutPlan("b", "TCS")))

	bars := make(chan models.BarData, 16)
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), bars) }()

	// The INFY worker is stuck placing its entry order while more INFY bars
	// arrive than its queue holds.
	for i := 0; i < 5; i++ {
		bars <- bar("INFY", i, 101)
	}
	bars <- bar("TCS", 0, 101)

	require.Eventually(t, func() bool {
		return len(router.placed()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "TCS", router.placed()[0].Symbol)

	close(router.gate)
	close(bars)
	require.NoError(t, <-done)

	plans := e.Plans()
	require.Len(t, plans, 2)
	assert.Equal(t, models.PlanEntered, plans[0].Status)
	assert.Equal(t, models.PlanEntered, plans[1].Status)
	assert.Len(t, router.placed(), 2)
}

func TestEngineRunStopsOnCancel(t *testing.T) {
	e := newTestEngine(t, &fakeRouter{}, newMemStore())
	require.NoError(t, e.AddPlan(breakoutPlan("a", "INFY")))

	ctx, cancel := context.WithCancel(context.Background())
	bars := make(chan models.BarData)
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, bars) }()

	bars <- bar("INFY", 0, 95)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// Property: whatever order bars arrive in, a plan's status only moves
// forward and the router sees at most one entry and one exit.
func TestProperty_EnginePlanProgressIsMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	rank := map[models.PlanStatus]int{models.PlanAwaitingEntry: 0, models.PlanEntered: 1, models.PlanExited: 2}

	properties.Property("status never regresses and orders never repeat", prop.ForAll(
		func(minutes []int, closes []float64) bool {
			router := &fakeRouter{}
			v, _ := marketdata.NewValidator(marketdata.ValidatorConfig{})
			e, _ := NewEngine(EngineConfig{Validator: v, Router: router}, zerolog.Nop())
			if err := e.AddPlan(breakoutPlan("p", "INFY")); err != nil {
				return false
			}

			prev := 0
			for i, m := range minutes {
				c := closes[i%len(closes)]
				_ = e.HandleBar(context.Background(), bar("INFY", m, c))
				p, _ := e.Plan("p")
				if rank[p.Status] < prev {
					return false
				}
				prev = rank[p.Status]
			}
			return len(router.placed()) <= 2
		},
		gen.SliceOf(gen.IntRange(0, 30)),
		gen.SliceOfN(5, gen.Float64Range(80, 130)),
	))

	properties.TestingRun(t)
}
