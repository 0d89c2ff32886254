package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "auto-trader/internal/errors"
	"auto-trader/internal/logging"
	"auto-trader/internal/models"
)

// PaperClient implements Client for paper trading simulation. Market orders
// fill immediately at the last close seen for the symbol.
type PaperClient struct {
	eventHandlers

	logger zerolog.Logger

	mu         sync.RWMutex
	status     models.ConnectionStatus
	cash       decimal.Decimal
	usedMargin decimal.Decimal
	positions  map[string]int
	orders     map[string]PaperOrder
	lastPrice  map[string]decimal.Decimal
	subscribed map[string]bool

	// Order tracking
	orderCounter int
}

// PaperOrder is a simulated fill.
type PaperOrder struct {
	OrderID   string
	Request   models.OrderRequest
	FillPrice decimal.Decimal
	Status    string
	PlacedAt  time.Time
}

// PaperClientConfig holds configuration for the paper client.
type PaperClientConfig struct {
	InitialBalance decimal.Decimal
}

// NewPaperClient creates a new paper trading client.
func NewPaperClient(cfg PaperClientConfig, logger zerolog.Logger) *PaperClient {
	initialBalance := cfg.InitialBalance
	if initialBalance.IsZero() {
		initialBalance = decimal.NewFromInt(1000000) // 10 lakhs default
	}

	return &PaperClient{
		logger: logging.WithComponent(logger, "paper"),
		status: models.ConnectionStatus{
			State:     models.ConnectionDisconnected,
			AccountID: "PAPER",
			IsPaper:   true,
		},
		cash:       initialBalance,
		positions:  make(map[string]int),
		orders:     make(map[string]PaperOrder),
		lastPrice:  make(map[string]decimal.Decimal),
		subscribed: make(map[string]bool),
	}
}

// Connect marks the simulated session as connected.
func (p *PaperClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewConnectionError("connect", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	p.status.LastConnectAttempt = now
	p.status.LastConnected = now
	p.status.Connected = true
	p.status.State = models.ConnectionConnected
	p.status.LastError = ""
	return nil
}

// Disconnect marks the simulated session as disconnected.
func (p *PaperClient) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status.Connected = false
	p.status.State = models.ConnectionDisconnected
	return nil
}

// DropConnection simulates the broker closing the session.
func (p *PaperClient) DropConnection(cause error) {
	p.mu.Lock()
	was := p.status.Connected
	p.status.Connected = false
	p.status.State = models.ConnectionDisconnected
	p.status.LastError = cause.Error()
	p.mu.Unlock()

	if was {
		p.emitLost(apperrors.NewConnectionError("paper", cause))
	}
}

// IsConnected always reflects the simulated session.
func (p *PaperClient) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status.Connected
}

// Status returns a snapshot of the simulated connection status.
func (p *PaperClient) Status() models.ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// AccountSummary returns simulated balances.
func (p *PaperClient) AccountSummary(ctx context.Context) (*models.AccountSummary, error) {
	if err := p.check(ctx, "get_margins"); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	return &models.AccountSummary{
		AccountID:     p.status.AccountID,
		AvailableCash: p.cash,
		UsedMargin:    p.usedMargin,
		NetEquity:     p.cash.Add(p.usedMargin),
		IsPaper:       true,
	}, nil
}

// PlaceOrder simulates order placement.
func (p *PaperClient) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	if err := p.check(ctx, "place_order"); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 {
		return nil, apperrors.NewConfigurationError("quantity", req.Quantity, "must be positive")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Determine execution price
	price, ok := p.lastPrice[req.Symbol]
	if req.Type == models.OrderTypeLimit && req.Price.IsPositive() {
		price, ok = req.Price, true
	}
	if !ok {
		return nil, apperrors.NewOrderError("", req.Symbol, string(req.Side), "no price available",
			apperrors.ErrOrderRejected)
	}

	value := price.Mul(decimal.NewFromInt(int64(req.Quantity)))
	qty := req.Quantity
	if req.Side == models.OrderSideSell {
		qty = -qty
		value = value.Neg()
	}
	if value.GreaterThan(p.cash) {
		return nil, apperrors.NewOrderError("", req.Symbol, string(req.Side), "insufficient funds",
			apperrors.ErrOrderRejected)
	}

	// Generate order ID
	p.orderCounter++
	orderID := fmt.Sprintf("PAPER_%d_%d", time.Now().Unix(), p.orderCounter)

	p.cash = p.cash.Sub(value)
	p.usedMargin = p.usedMargin.Add(value)
	p.positions[req.Symbol] += qty

	now := time.Now().UTC()
	p.orders[orderID] = PaperOrder{
		OrderID:   orderID,
		Request:   req,
		FillPrice: price,
		Status:    "COMPLETE",
		PlacedAt:  now,
	}

	logging.LogOrder(p.logger, orderID, req.Symbol, string(req.Side), "COMPLETE")
	return &models.OrderResult{
		OrderID:  orderID,
		Status:   "COMPLETE",
		Message:  fmt.Sprintf("Paper fill at %s", price.StringFixed(2)),
		PlacedAt: now,
	}, nil
}

// CancelOrder cancels an order. Paper fills are immediate, so only unknown
// ids are reported.
func (p *PaperClient) CancelOrder(ctx context.Context, orderID string) error {
	if err := p.check(ctx, "cancel_order"); err != nil {
		return err
	}

	p.mu.RLock()
	_, ok := p.orders[orderID]
	p.mu.RUnlock()
	if !ok {
		return apperrors.NewOrderError(orderID, "", "cancel", "order not found", apperrors.ErrOrderRejected)
	}
	return apperrors.NewOrderError(orderID, "", "cancel", "order already complete", apperrors.ErrOrderRejected)
}

// Subscribe records the symbols whose bars are forwarded by Feed.
func (p *PaperClient) Subscribe(ctx context.Context, symbols []string) error {
	if err := p.check(ctx, "subscribe"); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range symbols {
		p.subscribed[s] = true
	}
	return nil
}

// Feed pushes a bar into the simulation, updating fill prices and
// forwarding it to bar handlers when the symbol is subscribed.
func (p *PaperClient) Feed(bar models.BarData) {
	p.mu.Lock()
	p.lastPrice[bar.Symbol] = bar.Close
	forward := p.subscribed[bar.Symbol] && p.status.Connected
	p.mu.Unlock()

	if forward {
		p.emitBar(bar)
	}
}

// Replay feeds bars in order, waiting pace between them.
func (p *PaperClient) Replay(ctx context.Context, bars []models.BarData, pace time.Duration) error {
	for _, bar := range bars {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.Feed(bar)
		if pace > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pace):
			}
		}
	}
	return nil
}

// Position returns the simulated net quantity for symbol.
func (p *PaperClient) Position(symbol string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.positions[symbol]
}

// Orders returns all simulated fills.
func (p *PaperClient) Orders() []PaperOrder {
	p.mu.RLock()
	defer p.mu.RUnlock()

	orders := make([]PaperOrder, 0, len(p.orders))
	for _, o := range p.orders {
		orders = append(orders, o)
	}
	return orders
}

func (p *PaperClient) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewConnectionError(op, err)
	}
	if !p.IsConnected() {
		return apperrors.NewConnectionError(op, apperrors.ErrNotConnected)
	}
	return nil
}

// Ensure implementations satisfy Client
var (
	_ Client = (*PaperClient)(nil)
	_ Client = (*KiteClient)(nil)
)
