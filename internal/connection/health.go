package connection

import (
	"context"
	"fmt"
	"time"

	"auto-trader/internal/models"
	"auto-trader/internal/resilience"
)

// HealthStatus represents the health of the broker session.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
)

// Health is the result of a health probe.
type Health struct {
	Status     HealthStatus
	Message    string
	CheckedAt  time.Time
	Latency    time.Duration
	Connection models.ConnectionStatus
	Circuit    resilience.CircuitBreakerState
}

// Healthy reports whether orders can be expected to go through.
func (h Health) Healthy() bool {
	return h.Status == HealthStatusHealthy || h.Status == HealthStatusDegraded
}

// HealthCheck probes the session with an account summary call. An open
// circuit or a dropped session is reported without calling the broker.
func (m *Manager) HealthCheck(ctx context.Context) Health {
	health := Health{
		CheckedAt:  m.cfg.Now().UTC(),
		Connection: m.GetConnectionStatus(),
		Circuit:    m.CircuitState(),
	}

	if retryAt := m.breaker.RetryAt(); !retryAt.IsZero() {
		health.Status = HealthStatusUnhealthy
		health.Message = fmt.Sprintf("Circuit open until %s", retryAt.UTC().Format(time.RFC3339))
		return health
	}
	if !health.Connection.Connected {
		health.Status = HealthStatusUnhealthy
		health.Message = fmt.Sprintf("Broker %s", health.Connection.State)
		return health
	}

	start := time.Now()
	_, err := m.AccountSummary(ctx)
	health.Latency = time.Since(start)
	health.Circuit = m.CircuitState()

	if err != nil {
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("Account probe failed: %v", err)
		return health
	}
	if health.Latency > m.cfg.SlowCall {
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("Broker slow: %v", health.Latency.Round(time.Millisecond))
		return health
	}

	health.Status = HealthStatusHealthy
	health.Message = fmt.Sprintf("Broker healthy: %v", health.Latency.Round(time.Millisecond))
	return health
}
