package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	apperrors "auto-trader/internal/errors"
	"auto-trader/internal/models"
)

// startStream opens the ticker websocket and waits for it to connect.
// Library auto-reconnect stays off: reconnection belongs to the caller.
func (k *KiteClient) startStream(ctx context.Context) error {
	t := kiteticker.New(k.cfg.APIKey, k.cfg.AccessToken)
	t.SetAutoReconnect(false)
	t.SetConnectTimeout(k.cfg.Timeout)

	connectedCh := make(chan struct{}, 1)
	failedCh := make(chan error, 1)

	t.OnConnect(func() {
		select {
		case connectedCh <- struct{}{}:
		default:
		}
	})

	t.OnError(func(err error) {
		select {
		case failedCh <- err:
		default:
		}
		k.emitError(apperrors.NewConnectionError("ticker", err))
	})

	t.OnClose(func(code int, reason string) {
		k.streamClosed(t, fmt.Errorf("ticker closed: %d %s", code, reason))
	})

	t.OnNoReconnect(func(attempt int) {
		k.streamClosed(t, errors.New("ticker stopped"))
	})

	t.OnTick(k.handleTick)

	k.mu.Lock()
	k.ticker = t
	k.mu.Unlock()

	go t.Serve()

	// Wait for connection or failure
	select {
	case <-connectedCh:
		return nil
	case err := <-failedCh:
		return apperrors.NewConnectionError("ticker_connect", err)
	case <-ctx.Done():
		return apperrors.NewConnectionError("ticker_connect", ctx.Err())
	}
}

// closeStream closes the websocket. The ticker is detached first so the
// resulting close event is not reported as a lost connection.
func (k *KiteClient) closeStream() {
	k.mu.Lock()
	t := k.ticker
	k.ticker = nil
	k.mu.Unlock()

	if t != nil {
		t.Close()
	}
}

// streamClosed handles a websocket that went away on its own.
func (k *KiteClient) streamClosed(t *kiteticker.Ticker, cause error) {
	k.mu.Lock()
	if k.ticker != t {
		// Stale ticker or a close we initiated.
		k.mu.Unlock()
		return
	}
	k.ticker = nil
	wasConnected := k.status.Connected
	k.status.Connected = false
	k.status.State = models.ConnectionDisconnected
	k.status.LastError = cause.Error()
	k.mu.Unlock()

	if wasConnected {
		k.logger.Warn().Err(cause).Msg("Market data stream lost")
		k.emitLost(apperrors.NewConnectionError("ticker", cause))
	}
}

func (k *KiteClient) handleTick(tick kitemodels.Tick) {
	k.instMu.RLock()
	symbol, ok := k.tokenSymbols[tick.InstrumentToken]
	k.instMu.RUnlock()
	if !ok {
		return
	}

	ts := tick.Timestamp.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	bar, done := k.agg.Add(models.Tick{
		Symbol:       symbol,
		LTP:          decimalFromFloat(tick.LastPrice),
		Volume:       int64(tick.VolumeTraded),
		LastQuantity: int64(tick.LastTradedQuantity),
		Timestamp:    ts,
	})
	if done {
		k.emitBar(bar)
	}
}

// Subscribe registers symbols for full-mode ticks. Unknown symbols are
// rejected before anything is sent.
func (k *KiteClient) Subscribe(ctx context.Context, symbols []string) error {
	tokens := make([]uint32, 0, len(symbols))
	k.instMu.RLock()
	for _, symbol := range symbols {
		token, ok := k.symbolTokens[symbol]
		if !ok {
			k.instMu.RUnlock()
			return apperrors.NewConfigurationError("symbol", symbol, "unknown instrument on "+string(k.cfg.Exchange))
		}
		tokens = append(tokens, token)
	}
	k.instMu.RUnlock()

	if len(tokens) == 0 {
		return nil
	}

	_, err := guarded(k, ctx, "subscribe", func() (struct{}, error) {
		return struct{}{}, k.writeSubscription(tokens)
	})
	if err != nil {
		return err
	}

	k.mu.Lock()
	for _, token := range tokens {
		k.subscribed[token] = struct{}{}
	}
	k.mu.Unlock()
	return nil
}

// resubscribe restores subscriptions on a fresh stream.
func (k *KiteClient) resubscribe() error {
	k.mu.RLock()
	tokens := make([]uint32, 0, len(k.subscribed))
	for token := range k.subscribed {
		tokens = append(tokens, token)
	}
	k.mu.RUnlock()

	if len(tokens) == 0 {
		return nil
	}
	if err := k.writeSubscription(tokens); err != nil {
		return apperrors.NewConnectionError("resubscribe", err)
	}
	k.logger.Info().Int("tokens", len(tokens)).Msg("Resubscribed market data")
	return nil
}

func (k *KiteClient) writeSubscription(tokens []uint32) error {
	k.mu.RLock()
	t := k.ticker
	k.mu.RUnlock()
	if t == nil {
		return apperrors.ErrNotConnected
	}

	// Lock for websocket writes
	k.writeMu.Lock()
	defer k.writeMu.Unlock()

	if err := t.Subscribe(tokens); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := t.SetMode(kiteticker.ModeFull, tokens); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	return nil
}

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(2)
}
