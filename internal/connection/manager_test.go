package connection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "auto-trader/internal/errors"
	"auto-trader/internal/models"
	"auto-trader/internal/resilience"
)

// fakeClient is a scripted broker.Client.
type fakeClient struct {
	mu          sync.Mutex
	connected   bool
	connectErrs []error // consumed one per Connect call
	connects    int
	orderErr    error
	orderDelay  time.Duration
	lost        []func(error)
	onConnect   func() // runs at the start of every Connect
}

func (f *fakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.onConnect != nil {
		f.onConnect()
	}
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	f.connected = true
	return nil
}

func (f *fakeClient) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Status() models.ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := models.ConnectionDisconnected
	if f.connected {
		state = models.ConnectionConnected
	}
	return models.ConnectionStatus{Connected: f.connected, State: state, AccountID: "FAKE"}
}

func (f *fakeClient) AccountSummary(ctx context.Context) (*models.AccountSummary, error) {
	if !f.IsConnected() {
		return nil, apperrors.NewConnectionError("get_margins", apperrors.ErrNotConnected)
	}
	return &models.AccountSummary{AccountID: "FAKE", AvailableCash: decimal.NewFromInt(1000)}, nil
}

func (f *fakeClient) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	f.mu.Lock()
	err, delay := f.orderErr, f.orderDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, apperrors.NewConnectionError("place_order", ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	return &models.OrderResult{OrderID: "1", Status: "PLACED"}, nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (f *fakeClient) Subscribe(ctx context.Context, symbols []string) error { return nil }

func (f *fakeClient) OnBar(func(models.BarData)) {}

func (f *fakeClient) OnConnectionLost(handler func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost = append(f.lost, handler)
}

func (f *fakeClient) OnError(func(error)) {}

// drop simulates the broker closing the session.
func (f *fakeClient) drop() {
	f.mu.Lock()
	f.connected = false
	handlers := f.lost
	f.mu.Unlock()
	for _, h := range handlers {
		h(apperrors.NewConnectionError("stream", errors.New("connection reset")))
	}
}

func (f *fakeClient) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func newTestManager(t *testing.T, client *fakeClient, threshold int) (*Manager, *resilience.CircuitBreaker) {
	t.Helper()
	cb, err := resilience.NewCircuitBreaker("broker", resilience.CircuitBreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     time.Minute,
	}, zerolog.Nop())
	require.NoError(t, err)

	m, err := NewManager(client, cb, Config{
		CallTimeout:       time.Second,
		ReconnectAttempts: 3,
		Backoff:           resilience.Backoff{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2},
	}, zerolog.Nop())
	require.NoError(t, err)
	m.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return m, cb
}

var errNetwork = apperrors.NewConnectionError("connect", errors.New("network unreachable"))

func TestNewManagerValidatesConfig(t *testing.T) {
	cb, err := resilience.NewCircuitBreaker("broker", resilience.DefaultCircuitBreakerConfig(), zerolog.Nop())
	require.NoError(t, err)

	_, err = NewManager(&fakeClient{}, cb, Config{}, zerolog.Nop())
	assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)

	_, err = NewManager(&fakeClient{}, cb, Config{CallTimeout: time.Second, ReconnectAttempts: -1}, zerolog.Nop())
	assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)
}

func TestManagerConnectAndCall(t *testing.T) {
	client := &fakeClient{}
	m, _ := newTestManager(t, client, 3)

	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.IsConnected())

	res, err := m.PlaceOrder(context.Background(), models.OrderRequest{Symbol: "INFY", Side: models.OrderSideBuy, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, "1", res.OrderID)

	acct, err := m.AccountSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "FAKE", acct.AccountID)

	assert.NoError(t, m.Subscribe(context.Background(), []string{"INFY"}))
	assert.NoError(t, m.CancelOrder(context.Background(), "1"))
	assert.Equal(t, resilience.CircuitClosed, m.CircuitState().State)
}

func TestManagerCallTimeoutCountsAsFailure(t *testing.T) {
	client := &fakeClient{orderDelay: time.Second}
	m, _ := newTestManager(t, client, 3)
	m.cfg.CallTimeout = 20 * time.Millisecond
	require.NoError(t, m.Connect(context.Background()))

	_, err := m.PlaceOrder(context.Background(), models.OrderRequest{Symbol: "INFY", Quantity: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, m.CircuitState().FailureCount)
}

func TestManagerOpenCircuitRejectsWithoutCalling(t *testing.T) {
	client := &fakeClient{orderErr: apperrors.NewBrokerError("500", "internal error", nil)}
	m, _ := newTestManager(t, client, 2)
	require.NoError(t, m.Connect(context.Background()))

	for i := 0; i < 2; i++ {
		_, err := m.PlaceOrder(context.Background(), models.OrderRequest{Symbol: "INFY", Quantity: 1})
		require.Error(t, err)
	}
	assert.Equal(t, resilience.CircuitOpen, m.CircuitState().State)

	_, err := m.PlaceOrder(context.Background(), models.OrderRequest{Symbol: "INFY", Quantity: 1})
	var openErr *apperrors.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.False(t, openErr.RetryAt.IsZero())

	health := m.HealthCheck(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, health.Status)
	assert.Contains(t, health.Message, "Circuit open")
}

func TestManagerOrderRejectionDoesNotTrip(t *testing.T) {
	client := &fakeClient{orderErr: apperrors.NewOrderError("", "INFY", "BUY", "margin", apperrors.ErrOrderRejected)}
	m, _ := newTestManager(t, client, 1)
	require.NoError(t, m.Connect(context.Background()))

	_, err := m.PlaceOrder(context.Background(), models.OrderRequest{Symbol: "INFY", Quantity: 1})
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected)
	assert.Equal(t, resilience.CircuitClosed, m.CircuitState().State)
}

func TestManagerReconnectsAfterConnectionLost(t *testing.T) {
	client := &fakeClient{}
	m, _ := newTestManager(t, client, 5)
	require.NoError(t, m.Connect(context.Background()))

	client.mu.Lock()
	client.connectErrs = []error{errNetwork}
	client.mu.Unlock()

	client.drop()

	require.Eventually(t, client.IsConnected, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, client.connectCount()) // initial, one failure, success
	require.Eventually(t, func() bool {
		status := m.GetConnectionStatus()
		return status.State == models.ConnectionConnected && status.ReconnectAttempts == 0
	}, time.Second, 5*time.Millisecond)
}

func TestManagerGivesUpAfterAttempts(t *testing.T) {
	client := &fakeClient{}
	m, _ := newTestManager(t, client, 10)
	require.NoError(t, m.Connect(context.Background()))

	client.mu.Lock()
	client.connectErrs = []error{errNetwork, errNetwork, errNetwork, errNetwork}
	client.mu.Unlock()

	client.drop()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.loopDone == nil && m.attempts == 3
	}, time.Second, 5*time.Millisecond)
	assert.False(t, client.IsConnected())
	assert.Equal(t, 4, client.connectCount())
	assert.Equal(t, models.ConnectionDisconnected, m.GetConnectionStatus().State)
}

func TestManagerSingleReconnectLoop(t *testing.T) {
	client := &fakeClient{}
	m, _ := newTestManager(t, client, 10)

	release := make(chan struct{})
	var sleeps atomic.Int32
	m.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps.Add(1)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	require.NoError(t, m.Connect(context.Background()))

	client.drop()
	client.drop()
	m.handleConnectionLost(errNetwork)

	close(release)
	require.Eventually(t, client.IsConnected, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, client.connectCount())
	assert.GreaterOrEqual(t, sleeps.Load(), int32(1))
}

func TestManagerDisconnectStopsReconnection(t *testing.T) {
	client := &fakeClient{}
	m, _ := newTestManager(t, client, 10)

	entered := make(chan struct{}, 1)
	m.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}
	require.NoError(t, m.Connect(context.Background()))

	client.drop()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Disconnect(ctx))

	assert.False(t, client.IsConnected())
	assert.Equal(t, 1, client.connectCount())
	assert.Equal(t, models.ConnectionShutdown, m.GetConnectionStatus().State)

	// Lost events after shutdown are ignored.
	client.drop()
	m.mu.Lock()
	assert.Nil(t, m.loopDone)
	m.mu.Unlock()
}

func TestManagerHealthCheck(t *testing.T) {
	client := &fakeClient{}
	m, _ := newTestManager(t, client, 3)

	health := m.HealthCheck(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, health.Status)
	assert.False(t, health.Healthy())

	require.NoError(t, m.Connect(context.Background()))
	health = m.HealthCheck(context.Background())
	assert.Equal(t, HealthStatusHealthy, health.Status)
	assert.True(t, health.Healthy())
	assert.Equal(t, "FAKE", health.Connection.AccountID)
}

// manualClock is a clock that only moves when told to.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// sleepRecorder stands in for Manager.sleep: it records each wait and moves
// the clock forward by it instead of blocking.
type sleepRecorder struct {
	mu     sync.Mutex
	clock  *manualClock
	waits  []time.Duration
	before func(n int) // called with the wait's index before it elapses
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	n := len(r.waits)
	r.waits = append(r.waits, d)
	before := r.before
	r.mu.Unlock()

	if before != nil {
		before(n)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.clock.Advance(d)
	return nil
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

func newClockedManager(t *testing.T, client *fakeClient, cb *resilience.CircuitBreaker, clock *manualClock) (*Manager, *sleepRecorder) {
	t.Helper()
	m, err := NewManager(client, cb, Config{
		CallTimeout:       time.Second,
		ReconnectAttempts: 3,
		Backoff:           resilience.Backoff{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2},
		PollInterval:      time.Millisecond,
		Now:               clock.Now,
	}, zerolog.Nop())
	require.NoError(t, err)
	rec := &sleepRecorder{clock: clock}
	m.sleep = rec.sleep
	return m, rec
}

func TestManagerConnectWithRestoredOpenCircuitWaitsAndReconnects(t *testing.T) {
	clock := newManualClock()
	openedAt := clock.Now().Add(-10 * time.Second)
	retryAt := openedAt.Add(time.Minute)

	path := filepath.Join(t.TempDir(), "circuit_breaker_state.json")
	state := fmt.Sprintf(`{"state":"open","failure_count":5,"opened_at":%q}`, openedAt.Format(time.RFC3339Nano))
	require.NoError(t, os.WriteFile(path, []byte(state), 0644))

	cb, err := resilience.NewCircuitBreaker("broker", resilience.CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     time.Minute,
		StatePath:        path,
		Now:              clock.Now,
	}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, resilience.CircuitOpen, cb.State().State)

	var connectedAt []time.Time
	client := &fakeClient{}
	client.onConnect = func() { connectedAt = append(connectedAt, clock.Now()) }
	m, rec := newClockedManager(t, client, cb, clock)

	err = m.Connect(context.Background())
	var openErr *apperrors.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.True(t, retryAt.Equal(openErr.RetryAt), "retry at %s", openErr.RetryAt)
	assert.Equal(t, 0, client.connectCount())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.WaitConnected(ctx))

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, connectedAt, 1)
	assert.False(t, connectedAt[0].Before(retryAt), "connected at %s, circuit retry at %s", connectedAt[0], retryAt)
	assert.Equal(t, 50*time.Second, rec.recorded()[0])
	assert.Equal(t, resilience.CircuitClosed, cb.State().State)
}

func TestManagerOpenCircuitDelaysReconnectUntilResetTimeout(t *testing.T) {
	clock := newManualClock()
	cb, err := resilience.NewCircuitBreaker("broker", resilience.CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		Now:              clock.Now,
	}, zerolog.Nop())
	require.NoError(t, err)

	var connectedAt []time.Time
	client := &fakeClient{}
	client.onConnect = func() { connectedAt = append(connectedAt, clock.Now()) }
	m, rec := newClockedManager(t, client, cb, clock)
	require.NoError(t, m.Connect(context.Background()))

	client.mu.Lock()
	client.orderErr = apperrors.NewBrokerError("500", "internal error", nil)
	client.mu.Unlock()
	_, err = m.PlaceOrder(context.Background(), models.OrderRequest{Symbol: "INFY", Quantity: 1})
	require.Error(t, err)
	require.Equal(t, resilience.CircuitOpen, cb.State().State)
	retryAt := cb.RetryAt()

	// Hold the first wait so the loop can be observed while it backs off.
	holding := make(chan struct{})
	release := make(chan struct{})
	rec.mu.Lock()
	rec.before = func(n int) {
		if n == 0 {
			close(holding)
			<-release
		}
	}
	rec.mu.Unlock()

	client.drop()
	<-holding
	assert.Never(t, func() bool { return client.connectCount() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	close(release)

	require.Eventually(t, client.IsConnected, time.Second, 5*time.Millisecond)

	waits := rec.recorded()
	require.NotEmpty(t, waits)
	// The clock had not moved since the breaker opened.
	assert.Equal(t, time.Minute, waits[0])

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, connectedAt, 2)
	assert.False(t, connectedAt[1].Before(retryAt), "reconnected at %s, circuit retry at %s", connectedAt[1], retryAt)
}

func TestManagerWaitConnectedFailsWhenReconnectionStops(t *testing.T) {
	client := &fakeClient{connectErrs: []error{errNetwork, errNetwork, errNetwork, errNetwork}}
	m, _ := newTestManager(t, client, 10)
	m.cfg.PollInterval = time.Millisecond

	require.Error(t, m.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := m.WaitConnected(ctx)
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)
	assert.ErrorIs(t, err, apperrors.ErrConnectionFailed)
	assert.Equal(t, 4, client.connectCount())
}
