// Package resilience provides the circuit breaker guarding broker calls and
// the backoff policy used when reconnecting.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "auto-trader/internal/errors"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"    // Normal operation
	CircuitOpen     CircuitState = "open"      // Failing, rejecting requests
	CircuitHalfOpen CircuitState = "half_open" // One trial call decides
)

// Valid reports whether s is a known state.
func (s CircuitState) Valid() bool {
	switch s {
	case CircuitClosed, CircuitOpen, CircuitHalfOpen:
		return true
	}
	return false
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a trial call
	ResetTimeout time.Duration
	// StatePath is the state file; empty disables persistence
	StatePath string
	// Now is the clock, time.Now when nil
	Now func() time.Time
	// IsFailure decides which errors count toward FailureThreshold, DefaultIsFailure when nil
	IsFailure func(error) bool
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// DefaultIsFailure counts every error except caller cancellation, broker
// order rejections and invalid input. Deadline expiry counts.
func DefaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, apperrors.ErrOrderRejected) || errors.Is(err, apperrors.ErrConfigInvalid) {
		return false
	}
	return true
}

// CircuitBreakerState is the durable bookkeeping of a breaker.
type CircuitBreakerState struct {
	State                CircuitState
	FailureCount         int
	LastFailureTimestamp time.Time
	OpenedAt             time.Time
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger zerolog.Logger

	mu            sync.Mutex
	state         CircuitState
	failureCount  int
	lastFailure   time.Time
	openedAt      time.Time
	trialInFlight bool

	// Metrics
	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
	totalTimeouts  int64
}

// NewCircuitBreaker creates a circuit breaker, restoring state from
// config.StatePath when the file exists.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger zerolog.Logger) (*CircuitBreaker, error) {
	if config.FailureThreshold <= 0 {
		return nil, apperrors.NewConfigurationError("failure_threshold", config.FailureThreshold, "must be positive")
	}
	if config.ResetTimeout <= 0 {
		return nil, apperrors.NewConfigurationError("reset_timeout", config.ResetTimeout, "must be positive")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.IsFailure == nil {
		config.IsFailure = DefaultIsFailure
	}

	cb := &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger.With().Str("component", "circuit_breaker").Str("breaker", name).Logger(),
		state:  CircuitClosed,
	}

	if config.StatePath != "" {
		cb.restore()
	}
	return cb, nil
}

func (cb *CircuitBreaker) restore() {
	saved, ok, err := loadState(cb.config.StatePath)
	if err != nil {
		cb.logger.Warn().Err(err).Str("path", cb.config.StatePath).Msg("Ignoring unreadable circuit breaker state")
		return
	}
	if !ok {
		return
	}

	cb.state = saved.State
	cb.failureCount = saved.FailureCount
	cb.lastFailure = saved.LastFailureTimestamp
	cb.openedAt = saved.OpenedAt

	// An open record without a timestamp restarts the reset window.
	if cb.state == CircuitOpen && cb.openedAt.IsZero() {
		cb.openedAt = cb.config.Now().UTC()
	}

	cb.logger.Info().
		Str("state", string(cb.state)).
		Int("failure_count", cb.failureCount).
		Msg("Restored circuit breaker state")
}

// Execute runs fn with circuit breaker protection. fn receives ctx and must
// honour it; a call that outlives ctx's deadline counts as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteWithResult(cb, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteWithResult runs a function that returns a result with circuit breaker protection.
func ExecuteWithResult[T any](cb *CircuitBreaker, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	trial, err := cb.allowRequest()
	if err != nil {
		return zero, err
	}

	type result struct {
		value T
		err   error
	}

	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		cb.record(trial, r.err)
		if r.err != nil {
			return zero, r.err
		}
		return r.value, nil
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			cb.mu.Lock()
			cb.totalTimeouts++
			cb.mu.Unlock()
		}
		cb.record(trial, err)
		return zero, err
	}
}

// allowRequest reports whether a call may proceed and whether it is the half-open trial.
func (cb *CircuitBreaker) allowRequest() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		retryAt := cb.openedAt.Add(cb.config.ResetTimeout)
		if cb.config.Now().Before(retryAt) {
			cb.totalRejected++
			return false, apperrors.NewCircuitOpenError(cb.name, retryAt)
		}
		cb.transitionTo(CircuitHalfOpen)
		cb.trialInFlight = true
	case CircuitHalfOpen:
		if cb.trialInFlight {
			cb.totalRejected++
			return false, apperrors.NewCircuitOpenError(cb.name, time.Time{})
		}
		cb.trialInFlight = true
	default:
		cb.totalRequests++
		return false, nil
	}

	cb.totalRequests++
	return true, nil
}

func (cb *CircuitBreaker) record(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trialInFlight = false
	}

	// Only the trial decides a half-open circuit; stragglers admitted
	// before the circuit opened do not count.
	if cb.state == CircuitOpen || (cb.state == CircuitHalfOpen && !trial) {
		return
	}

	switch {
	case err == nil:
		cb.totalSuccesses++
		if cb.state == CircuitHalfOpen || cb.failureCount > 0 {
			cb.transitionTo(CircuitClosed)
		}
	case cb.config.IsFailure(err):
		cb.totalFailures++
		cb.failureCount++
		cb.lastFailure = cb.config.Now().UTC()

		switch {
		case cb.state == CircuitHalfOpen:
			cb.logger.Warn().Err(err).Msg("Trial call failed")
			cb.transitionTo(CircuitOpen)
		case cb.failureCount >= cb.config.FailureThreshold:
			cb.logger.Error().Err(err).Int("failures", cb.failureCount).Msg("Failure threshold reached")
			cb.transitionTo(CircuitOpen)
		default:
			cb.persist()
		}
	default:
		// Neutral outcome, e.g. the caller gave up.
	}
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(state CircuitState) {
	from := cb.state
	cb.state = state

	switch state {
	case CircuitClosed:
		cb.failureCount = 0
		cb.openedAt = time.Time{}
	case CircuitOpen:
		cb.openedAt = cb.config.Now().UTC()
	}

	if from != state {
		cb.logger.Info().
			Str("from", string(from)).
			Str("to", string(state)).
			Int("failure_count", cb.failureCount).
			Msg("Circuit breaker transition")
	}
	cb.persist()
}

// persist must be called with mu held. Failures are logged only: the
// in-memory state stays authoritative.
func (cb *CircuitBreaker) persist() {
	if cb.config.StatePath == "" {
		return
	}
	if err := saveState(cb.config.StatePath, cb.snapshot()); err != nil {
		cb.logger.Error().Err(err).Str("path", cb.config.StatePath).Msg("Failed to persist circuit breaker state")
	}
}

func (cb *CircuitBreaker) snapshot() CircuitBreakerState {
	return CircuitBreakerState{
		State:                cb.state,
		FailureCount:         cb.failureCount,
		LastFailureTimestamp: cb.lastFailure,
		OpenedAt:             cb.openedAt,
	}
}

// State returns a snapshot of the breaker bookkeeping.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.snapshot()
}

// RetryAt returns when an open circuit admits its trial call, or the zero
// time when the circuit is not open.
func (cb *CircuitBreaker) RetryAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return time.Time{}
	}
	return cb.openedAt.Add(cb.config.ResetTimeout)
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:            cb.name,
		State:           cb.state,
		TotalRequests:   cb.totalRequests,
		TotalSuccesses:  cb.totalSuccesses,
		TotalFailures:   cb.totalFailures,
		TotalRejected:   cb.totalRejected,
		TotalTimeouts:   cb.totalTimeouts,
		CurrentFailures: cb.failureCount,
		LastFailureTime: cb.lastFailure,
		OpenedAt:        cb.openedAt,
	}
}

// Reset forces the circuit closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trialInFlight = false
	cb.transitionTo(CircuitClosed)
}

// CircuitBreakerStats holds circuit breaker statistics.
type CircuitBreakerStats struct {
	Name            string
	State           CircuitState
	TotalRequests   int64
	TotalSuccesses  int64
	TotalFailures   int64
	TotalRejected   int64
	TotalTimeouts   int64
	CurrentFailures int
	LastFailureTime time.Time
	OpenedAt        time.Time
}

// FailureRate returns the failure rate as a percentage.
func (s CircuitBreakerStats) FailureRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TotalFailures) / float64(s.TotalRequests) * 100
}
