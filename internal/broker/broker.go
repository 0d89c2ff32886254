// Package broker provides broker integration interfaces and implementations.
package broker

import (
	"context"
	"sync"

	"auto-trader/internal/models"
)

// Client defines the broker operations the trading layer depends on.
type Client interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	Status() models.ConnectionStatus

	// Account
	AccountSummary(ctx context.Context) (*models.AccountSummary, error)

	// Orders
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error

	// Market Data
	Subscribe(ctx context.Context, symbols []string) error

	// Events
	OnBar(handler func(models.BarData))
	OnConnectionLost(handler func(error))
	OnError(handler func(error))
}

// eventHandlers holds registered callbacks. Handlers run on the goroutine
// that raised the event and must not block.
type eventHandlers struct {
	mu   sync.RWMutex
	bar  []func(models.BarData)
	lost []func(error)
	errs []func(error)
}

// OnBar registers a handler for completed bars.
func (h *eventHandlers) OnBar(handler func(models.BarData)) {
	h.mu.Lock()
	h.bar = append(h.bar, handler)
	h.mu.Unlock()
}

// OnConnectionLost registers a handler fired when the session drops without
// a Disconnect call.
func (h *eventHandlers) OnConnectionLost(handler func(error)) {
	h.mu.Lock()
	h.lost = append(h.lost, handler)
	h.mu.Unlock()
}

// OnError registers a handler for asynchronous errors.
func (h *eventHandlers) OnError(handler func(error)) {
	h.mu.Lock()
	h.errs = append(h.errs, handler)
	h.mu.Unlock()
}

func (h *eventHandlers) emitBar(bar models.BarData) {
	h.mu.RLock()
	handlers := h.bar
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(bar)
	}
}

func (h *eventHandlers) emitLost(err error) {
	h.mu.RLock()
	handlers := h.lost
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(err)
	}
}

func (h *eventHandlers) emitError(err error) {
	h.mu.RLock()
	handlers := h.errs
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(err)
	}
}
