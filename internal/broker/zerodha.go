package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	apperrors "auto-trader/internal/errors"
	"auto-trader/internal/logging"
	"auto-trader/internal/marketdata"
	"auto-trader/internal/models"
)

// Kite error types that mean the broker refused the request itself.
const (
	kiteInputException = "InputException"
	kiteOrderException = "OrderException"
)

// KiteConfig holds configuration for the Kite Connect client.
type KiteConfig struct {
	APIKey      string
	AccessToken string
	// BaseURI overrides the REST root, empty for the library default
	BaseURI          string
	ClientID         int
	Exchange         models.Exchange
	Timeout          time.Duration
	GracefulShutdown bool
	BarInterval      time.Duration
}

// KiteClient implements Client on top of Kite Connect: REST for session,
// account and orders, the ticker websocket for market data.
type KiteClient struct {
	eventHandlers

	cfg    KiteConfig
	logger zerolog.Logger
	rest   *kiteconnect.Client
	agg    *marketdata.Aggregator

	mu       sync.RWMutex
	status   models.ConnectionStatus
	closing  bool
	life     context.Context
	stop     context.CancelFunc
	inflight sync.WaitGroup

	// Stream state, see ticker.go
	ticker     *kiteticker.Ticker
	writeMu    sync.Mutex // Protects websocket writes (Subscribe, SetMode)
	subscribed map[uint32]struct{}

	instMu       sync.RWMutex
	symbolTokens map[string]uint32
	tokenSymbols map[uint32]string
}

// NewKiteClient creates a Kite Connect client. It does not connect.
func NewKiteClient(cfg KiteConfig, logger zerolog.Logger) (*KiteClient, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.NewConfigurationError("api_key", "", "is required")
	}
	if cfg.AccessToken == "" {
		return nil, apperrors.NewConfigurationError("access_token", "", "is required")
	}
	if cfg.Timeout <= 0 {
		return nil, apperrors.NewConfigurationError("timeout", cfg.Timeout, "must be positive")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = models.NSE
	}

	rest := kiteconnect.New(cfg.APIKey)
	rest.SetAccessToken(cfg.AccessToken)
	rest.SetHTTPClient(&http.Client{Timeout: cfg.Timeout})
	if cfg.BaseURI != "" {
		rest.SetBaseURI(cfg.BaseURI)
	}

	return &KiteClient{
		cfg:          cfg,
		logger:       logging.WithComponent(logger, "kite"),
		rest:         rest,
		agg:          marketdata.NewAggregator(cfg.BarInterval),
		status:       models.ConnectionStatus{State: models.ConnectionDisconnected},
		subscribed:   make(map[uint32]struct{}),
		symbolTokens: make(map[string]uint32),
		tokenSymbols: make(map[uint32]string),
	}, nil
}

// Connect verifies the session, loads the instrument map and starts the
// market data stream. Previously subscribed symbols are resubscribed.
func (k *KiteClient) Connect(ctx context.Context) error {
	k.mu.Lock()
	if k.status.Connected {
		k.mu.Unlock()
		return nil
	}
	// Release the session a dropped stream left behind.
	if k.stop != nil {
		k.stop()
	}
	k.life, k.stop = context.WithCancel(context.Background())
	k.closing = false
	k.status.State = models.ConnectionConnecting
	k.status.LastConnectAttempt = time.Now().UTC()
	life := k.life
	k.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := context.AfterFunc(life, cancel)
	defer stopWatch()

	accountID, err := k.connect(ctx)

	k.mu.Lock()
	if err == nil && k.closing {
		err = apperrors.NewConnectionError("connect", apperrors.ErrShutdown)
	}
	if err != nil {
		k.status.State = models.ConnectionDisconnected
		k.status.LastError = err.Error()
		t := k.ticker
		k.ticker = nil
		if !k.closing {
			k.stop()
			k.stop = nil
		}
		k.mu.Unlock()
		if t != nil {
			t.Close()
		}
		k.logger.Warn().Err(err).Msg("Connect failed")
		return err
	}
	k.status.Connected = true
	k.status.State = models.ConnectionConnected
	k.status.LastConnected = time.Now().UTC()
	k.status.LastError = ""
	k.status.AccountID = accountID
	k.mu.Unlock()

	k.logger.Info().Str("account", accountID).Msg("Connected to Kite")
	return nil
}

func (k *KiteClient) connect(ctx context.Context) (string, error) {
	profile, err := callKite(ctx, k.cfg.Timeout, "get_profile", k.rest.GetUserProfile)
	if err != nil {
		return "", err
	}
	if err := k.loadInstruments(ctx); err != nil {
		return "", err
	}
	if err := k.startStream(ctx); err != nil {
		return "", err
	}
	if err := k.resubscribe(); err != nil {
		return "", err
	}
	return profile.UserID, nil
}

func (k *KiteClient) loadInstruments(ctx context.Context) error {
	k.instMu.RLock()
	loaded := len(k.symbolTokens) > 0
	k.instMu.RUnlock()
	if loaded {
		return nil
	}

	instruments, err := callKite(ctx, k.cfg.Timeout, "get_instruments", k.rest.GetInstruments)
	if err != nil {
		return err
	}

	k.instMu.Lock()
	defer k.instMu.Unlock()
	for _, inst := range instruments {
		if inst.Exchange != string(k.cfg.Exchange) {
			continue
		}
		token := uint32(inst.InstrumentToken)
		k.symbolTokens[inst.Tradingsymbol] = token
		k.tokenSymbols[token] = inst.Tradingsymbol
	}
	k.logger.Debug().Int("instruments", len(k.symbolTokens)).Msg("Loaded instruments")
	return nil
}

// Disconnect tears the session down. With graceful shutdown it first waits,
// bounded by ctx, for in-flight calls; otherwise in-flight calls fail with
// ErrShutdown.
func (k *KiteClient) Disconnect(ctx context.Context) error {
	k.mu.Lock()
	if k.closing || k.stop == nil {
		k.status.State = models.ConnectionDisconnected
		k.mu.Unlock()
		return nil
	}
	k.closing = true
	graceful := k.cfg.GracefulShutdown
	stop := k.stop
	k.mu.Unlock()

	var err error
	if graceful {
		err = k.waitInflight(ctx)
		if err != nil {
			k.logger.Warn().Err(err).Msg("Graceful shutdown timed out, cancelling in-flight calls")
		}
	}
	stop()
	if !graceful {
		err = k.waitInflight(ctx)
	}

	k.closeStream()
	for _, bar := range k.agg.Flush() {
		k.emitBar(bar)
	}

	k.mu.Lock()
	k.status.Connected = false
	k.status.State = models.ConnectionDisconnected
	k.closing = false
	k.stop = nil
	k.mu.Unlock()

	k.logger.Info().Bool("graceful", graceful).Msg("Disconnected from Kite")
	return err
}

func (k *KiteClient) waitInflight(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		k.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsConnected returns whether the session is up.
func (k *KiteClient) IsConnected() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.status.Connected
}

// Status returns a snapshot of the connection status.
func (k *KiteClient) Status() models.ConnectionStatus {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.status
}

// AccountSummary fetches equity margins.
func (k *KiteClient) AccountSummary(ctx context.Context) (*models.AccountSummary, error) {
	margins, err := guarded(k, ctx, "get_margins", k.rest.GetUserMargins)
	if err != nil {
		return nil, err
	}

	equity := margins.Equity
	return &models.AccountSummary{
		AccountID:     k.Status().AccountID,
		AvailableCash: decimalFromFloat(equity.Available.Cash),
		UsedMargin:    decimalFromFloat(equity.Used.Debits),
		NetEquity:     decimalFromFloat(equity.Net),
	}, nil
}

// PlaceOrder places a regular order.
func (k *KiteClient) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	if req.Quantity <= 0 {
		return nil, apperrors.NewConfigurationError("quantity", req.Quantity, "must be positive")
	}

	params := kiteconnect.OrderParams{
		Exchange:        string(req.Exchange),
		Tradingsymbol:   req.Symbol,
		TransactionType: string(req.Side),
		OrderType:       string(req.Type),
		Product:         string(req.Product),
		Quantity:        req.Quantity,
		Validity:        "DAY",
		Tag:             k.orderTag(req.Tag),
	}
	if params.Exchange == "" {
		params.Exchange = string(k.cfg.Exchange)
	}
	if params.OrderType == "" {
		params.OrderType = string(models.OrderTypeMarket)
	}
	if params.Product == "" {
		params.Product = string(models.ProductMIS)
	}
	if req.Type == models.OrderTypeLimit {
		params.Price = req.Price.InexactFloat64()
	}

	start := time.Now()
	resp, err := guarded(k, ctx, "place_order", func() (kiteconnect.OrderResponse, error) {
		return k.rest.PlaceOrder(kiteconnect.VarietyRegular, params)
	})
	logging.LogAPICall(k.logger, "place_order", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	logging.LogOrder(k.logger, resp.OrderID, req.Symbol, string(req.Side), "PLACED")
	return &models.OrderResult{
		OrderID:  resp.OrderID,
		Status:   "PLACED",
		Message:  "Order placed successfully",
		PlacedAt: time.Now().UTC(),
	}, nil
}

// CancelOrder cancels an existing order.
func (k *KiteClient) CancelOrder(ctx context.Context, orderID string) error {
	_, err := guarded(k, ctx, "cancel_order", func() (kiteconnect.OrderResponse, error) {
		return k.rest.CancelOrder(kiteconnect.VarietyRegular, orderID, nil)
	})
	return err
}

// orderTag returns the tag attached to orders, unique per order and
// prefixed with the client id. Kite limits tags to 20 characters.
func (k *KiteClient) orderTag(tag string) string {
	if tag == "" {
		tag = fmt.Sprintf("at%d-%s", k.cfg.ClientID, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	}
	if len(tag) > 20 {
		tag = tag[:20]
	}
	return tag
}

// begin registers an in-flight call and returns the session lifetime.
func (k *KiteClient) begin(op string) (context.Context, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closing {
		return nil, apperrors.NewConnectionError(op, apperrors.ErrShutdown)
	}
	if !k.status.Connected {
		return nil, apperrors.NewConnectionError(op, apperrors.ErrNotConnected)
	}
	k.inflight.Add(1)
	return k.life, nil
}

// guarded runs a REST call that belongs to the session: it is tracked for
// graceful shutdown and cancelled by an immediate one.
func guarded[T any](k *KiteClient, ctx context.Context, op string, fn func() (T, error)) (T, error) {
	var zero T

	life, err := k.begin(op)
	if err != nil {
		return zero, err
	}
	defer k.inflight.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := context.AfterFunc(life, cancel)
	defer stopWatch()

	v, err := callKite(ctx, k.cfg.Timeout, op, fn)
	if err != nil {
		if life.Err() != nil {
			return zero, apperrors.NewConnectionError(op, fmt.Errorf("%w: %w", apperrors.ErrShutdown, context.Canceled))
		}
		return zero, err
	}
	return v, nil
}

// callKite bounds a blocking library call by ctx and timeout and classifies
// its error.
func callKite[T any](ctx context.Context, timeout time.Duration, op string, fn func() (T, error)) (T, error) {
	var zero T

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return zero, classifyKiteError(op, r.err)
		}
		return r.value, nil
	case <-ctx.Done():
		return zero, apperrors.NewConnectionError(op, ctx.Err())
	}
}

// classifyKiteError separates broker refusals, which say nothing about the
// connection, from transport and session failures.
func classifyKiteError(op string, err error) error {
	var kerr kiteconnect.Error
	if errors.As(err, &kerr) {
		switch kerr.ErrorType {
		case kiteInputException, kiteOrderException:
			return apperrors.NewOrderError("", "", op, kerr.Message,
				fmt.Errorf("%w: %w", apperrors.ErrOrderRejected, err))
		}
	}
	return apperrors.NewConnectionError(op, err)
}
