// Package connection keeps the broker session alive: every broker call goes
// through a circuit breaker, and a lost session is re-established by a single
// background reconnection loop.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"auto-trader/internal/broker"
	apperrors "auto-trader/internal/errors"
	"auto-trader/internal/logging"
	"auto-trader/internal/models"
	"auto-trader/internal/resilience"
)

// Config holds connection manager configuration.
type Config struct {
	// CallTimeout bounds every broker call, including Connect
	CallTimeout       time.Duration
	ReconnectAttempts int
	Backoff           resilience.Backoff
	// SlowCall marks the health probe degraded above this latency
	SlowCall time.Duration
	// PollInterval paces WaitConnected
	PollInterval time.Duration
	Now          func() time.Time
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		CallTimeout:       30 * time.Second,
		ReconnectAttempts: 5,
		Backoff:           resilience.DefaultBackoff(),
		SlowCall:          2 * time.Second,
		PollInterval:      250 * time.Millisecond,
		Now:               time.Now,
	}
}

// Manager composes a broker client with a circuit breaker and owns
// reconnection.
type Manager struct {
	client  broker.Client
	breaker *resilience.CircuitBreaker
	cfg     Config
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	// connMu serializes Connect, Disconnect and reconnect attempts.
	connMu sync.Mutex

	mu         sync.Mutex
	wanted     bool // a session was requested and not yet released
	shutdown   bool
	attempts   int
	lastError  string
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewManager creates a connection manager and registers for the client's
// connection-lost events.
func NewManager(client broker.Client, breaker *resilience.CircuitBreaker, cfg Config, logger zerolog.Logger) (*Manager, error) {
	if cfg.CallTimeout <= 0 {
		return nil, apperrors.NewConfigurationError("call_timeout", cfg.CallTimeout, "must be positive")
	}
	if cfg.ReconnectAttempts < 0 {
		return nil, apperrors.NewConfigurationError("reconnect_attempts", cfg.ReconnectAttempts, "must not be negative")
	}
	if cfg.Backoff == (resilience.Backoff{}) {
		cfg.Backoff = resilience.DefaultBackoff()
	}
	if cfg.SlowCall <= 0 {
		cfg.SlowCall = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Manager{
		client:  client,
		breaker: breaker,
		cfg:     cfg,
		logger:  logging.WithComponent(logger, "connection"),
		sleep:   resilience.Sleep,
	}
	client.OnConnectionLost(m.handleConnectionLost)
	return m, nil
}

// Connect establishes the broker session through the circuit breaker.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.wanted = true
	m.shutdown = false
	m.mu.Unlock()

	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.client.IsConnected() {
		return nil
	}
	err := m.breaker.Execute(ctx, m.bounded(m.client.Connect))
	m.noteResult(err)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Connect failed")
		// An open circuit only postpones the session; the loop waits for
		// the breaker's retry time before its first attempt.
		if apperrors.Is(err, apperrors.ErrConnectionFailed) || apperrors.Is(err, apperrors.ErrCircuitOpen) {
			m.scheduleReconnect(err)
		}
		return err
	}
	m.logger.Info().Msg("Broker session established")
	return nil
}

// WaitConnected blocks until the session is up. It fails when no
// reconnection loop is left that could bring it up, or when ctx is done.
func (m *Manager) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if m.client.IsConnected() {
			return nil
		}
		m.mu.Lock()
		pending := m.loopDone != nil
		lastErr := m.lastError
		m.mu.Unlock()
		if !pending {
			return apperrors.NewConnectionError("wait_connected",
				fmt.Errorf("%w: reconnection stopped (last error: %s)", apperrors.ErrNotConnected, lastErr))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Disconnect stops reconnection, waits for the loop to exit and closes the
// client session. Safe to call while calls or reconnection are outstanding.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.wanted = false
	m.shutdown = true
	cancel, done := m.loopCancel, m.loopDone
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return apperrors.NewConnectionError("disconnect", ctx.Err())
		}
	}

	m.connMu.Lock()
	defer m.connMu.Unlock()

	if err := m.client.Disconnect(ctx); err != nil {
		return apperrors.Wrap(err, "disconnect")
	}
	m.logger.Info().Msg("Broker session closed")
	return nil
}

// IsConnected returns whether the broker session is up.
func (m *Manager) IsConnected() bool {
	return m.client.IsConnected()
}

// GetConnectionStatus returns a snapshot of the connection, including
// reconnection progress.
func (m *Manager) GetConnectionStatus() models.ConnectionStatus {
	status := m.client.Status()

	m.mu.Lock()
	defer m.mu.Unlock()

	status.ReconnectAttempts = m.attempts
	if m.lastError != "" && status.LastError == "" {
		status.LastError = m.lastError
	}
	switch {
	case m.shutdown && !status.Connected:
		status.State = models.ConnectionShutdown
	case m.loopDone != nil && !status.Connected:
		status.State = models.ConnectionReconnecting
	}
	return status
}

// CircuitState returns a snapshot of the breaker bookkeeping.
func (m *Manager) CircuitState() resilience.CircuitBreakerState {
	return m.breaker.State()
}

// CircuitStats returns the breaker counters.
func (m *Manager) CircuitStats() resilience.CircuitBreakerStats {
	return m.breaker.Stats()
}

// PlaceOrder submits an order through the breaker.
func (m *Manager) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	return call(m, ctx, func(ctx context.Context) (*models.OrderResult, error) {
		return m.client.PlaceOrder(ctx, req)
	})
}

// CancelOrder cancels an order through the breaker.
func (m *Manager) CancelOrder(ctx context.Context, orderID string) error {
	_, err := call(m, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.client.CancelOrder(ctx, orderID)
	})
	return err
}

// AccountSummary fetches balances through the breaker.
func (m *Manager) AccountSummary(ctx context.Context) (*models.AccountSummary, error) {
	return call(m, ctx, m.client.AccountSummary)
}

// Subscribe subscribes to market data through the breaker.
func (m *Manager) Subscribe(ctx context.Context, symbols []string) error {
	_, err := call(m, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.client.Subscribe(ctx, symbols)
	})
	return err
}

// call runs fn through the breaker with the call timeout. A connection
// failure schedules reconnection.
func call[T any](m *Manager, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := resilience.ExecuteWithResult(m.breaker, ctx, func(ctx context.Context) (T, error) {
		ctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()
		return fn(ctx)
	})
	if err != nil && lostSession(err) {
		m.noteResult(err)
		m.scheduleReconnect(err)
	}
	return v, err
}

func (m *Manager) bounded(fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()
		return fn(ctx)
	}
}

// lostSession reports whether err means the session needs re-establishing.
func lostSession(err error) bool {
	return apperrors.Is(err, apperrors.ErrConnectionFailed) &&
		!apperrors.Is(err, apperrors.ErrShutdown) &&
		!apperrors.Is(err, context.Canceled)
}

func (m *Manager) noteResult(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.lastError = ""
		return
	}
	m.lastError = err.Error()
}

func (m *Manager) handleConnectionLost(err error) {
	m.logger.Warn().Err(err).Msg("Broker connection lost")
	m.noteResult(err)
	m.scheduleReconnect(err)
}

// scheduleReconnect starts the reconnection loop unless one is running or
// the session was released.
func (m *Manager) scheduleReconnect(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.wanted || m.loopDone != nil || m.cfg.ReconnectAttempts == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.loopCancel, m.loopDone = cancel, done
	m.attempts = 0

	go m.reconnectLoop(ctx, done, cause)
}

func (m *Manager) reconnectLoop(ctx context.Context, done chan struct{}, cause error) {
	defer func() {
		m.mu.Lock()
		m.loopCancel()
		m.loopCancel, m.loopDone = nil, nil
		m.mu.Unlock()
		close(done)
	}()

	m.logger.Info().Err(cause).Int("max_attempts", m.cfg.ReconnectAttempts).Msg("Starting reconnection")

	for attempt := 0; attempt < m.cfg.ReconnectAttempts; attempt++ {
		m.mu.Lock()
		m.attempts = attempt + 1
		m.mu.Unlock()

		// An open circuit refuses the attempt anyway; wait it out first.
		if retryAt := m.breaker.RetryAt(); !retryAt.IsZero() {
			if wait := retryAt.Sub(m.cfg.Now()); wait > 0 {
				if err := m.sleep(ctx, wait); err != nil {
					return
				}
			}
		}
		if err := m.sleep(ctx, m.cfg.Backoff.Delay(attempt)); err != nil {
			return
		}

		err := m.reconnect(ctx)
		if err == nil {
			m.mu.Lock()
			m.attempts = 0
			m.lastError = ""
			m.mu.Unlock()
			m.logger.Info().Int("attempt", attempt+1).Msg("Reconnected to broker")
			return
		}
		if ctx.Err() != nil {
			return
		}
		m.noteResult(err)
		m.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Reconnect attempt failed")
	}

	m.logger.Error().Int("attempts", m.cfg.ReconnectAttempts).Msg("Giving up on reconnection")
}

func (m *Manager) reconnect(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.mu.Lock()
	wanted := m.wanted
	m.mu.Unlock()
	if !wanted {
		return apperrors.NewConnectionError("reconnect", apperrors.ErrShutdown)
	}
	if m.client.IsConnected() {
		return nil
	}
	return m.breaker.Execute(ctx, m.bounded(m.client.Connect))
}
