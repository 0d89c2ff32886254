// Package notify provides notification functionality for the trading application.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"auto-trader/internal/config"
	"auto-trader/internal/models"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
	SendExecution(ctx context.Context, plan *models.TradePlan, exec *models.Execution) error
	SendError(ctx context.Context, err error, context string) error
}

// NotificationChannel defines the interface for a notification channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationTrade NotificationType = "trade"
	NotificationError NotificationType = "error"
	NotificationInfo  NotificationType = "info"
)

// NotificationLevel represents the notification level filter.
type NotificationLevel string

const (
	LevelAll        NotificationLevel = "all"
	LevelTradesOnly NotificationLevel = "trades_only"
	LevelErrorsOnly NotificationLevel = "errors_only"
)

// MultiNotifier sends notifications to multiple channels.
type MultiNotifier struct {
	channels []NotificationChannel
	level    NotificationLevel
	mu       sync.RWMutex
	now      func() time.Time
}

// formatCurrency formats a currency value with Indian numbering.
func formatCurrency(amount decimal.Decimal) string {
	negative := amount.IsNegative()
	if negative {
		amount = amount.Neg()
	}

	// Format with 2 decimal places
	str := amount.StringFixed(2)
	parts := strings.Split(str, ".")
	intPart := parts[0]
	decPart := parts[1]

	// Apply Indian numbering system
	formatted := formatIndianNumber(intPart)

	result := "₹" + formatted + "." + decPart
	if negative {
		result = "-" + result
	}
	return result
}

// formatIndianNumber formats an integer string in Indian numbering system.
func formatIndianNumber(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}

	// First group of 3 from right
	result := s[n-3:]
	s = s[:n-3]

	// Then groups of 2
	for len(s) > 0 {
		if len(s) >= 2 {
			result = s[len(s)-2:] + "," + result
			s = s[:len(s)-2]
		} else {
			result = s + "," + result
			s = ""
		}
	}

	return result
}

// New returns the notifier for cfg: a MultiNotifier with a webhook channel
// when notifications are enabled, otherwise a NoOpNotifier.
func New(cfg config.NotificationConfig) Notifier {
	if !cfg.Enabled {
		return NewNoOpNotifier()
	}
	return NewMultiNotifier(cfg)
}

// NewMultiNotifier creates a new MultiNotifier with the given configuration.
func NewMultiNotifier(cfg config.NotificationConfig) *MultiNotifier {
	mn := &MultiNotifier{
		channels: make([]NotificationChannel, 0),
		level:    NotificationLevel(cfg.Level),
		now:      time.Now,
	}

	if mn.level == "" {
		mn.level = LevelAll
	}

	if cfg.Enabled && cfg.WebhookURL != "" {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.WebhookURL))
	}

	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// shouldSend checks if a notification should be sent based on the level filter.
func (mn *MultiNotifier) shouldSend(notifType NotificationType) bool {
	switch mn.level {
	case LevelTradesOnly:
		return notifType == NotificationTrade
	case LevelErrorsOnly:
		return notifType == NotificationError
	default:
		return true
	}
}

// Send sends a notification to all enabled channels. A failing channel does
// not stop delivery to the others.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return nil
	}

	if n.Timestamp.IsZero() {
		n.Timestamp = mn.now()
	}

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var errs error
	for _, ch := range channels {
		if ch.IsEnabled() {
			if err := ch.Send(ctx, n); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			}
		}
	}

	return errs
}

// SendExecution announces an order placed for a plan.
func (mn *MultiNotifier) SendExecution(ctx context.Context, plan *models.TradePlan, exec *models.Execution) error {
	action := "Entered"
	if exec.Signal == models.SignalExit {
		action = "Exited"
	}

	title := fmt.Sprintf("🔔 %s %s %s", action, plan.Side, plan.Symbol)
	message := fmt.Sprintf(
		"Plan: %s\nSymbol: %s\nSignal: %s\nQuantity: %d\nPrice: %s\nOrder: %s",
		plan.ID,
		exec.Symbol,
		exec.Signal,
		exec.Quantity,
		formatCurrency(exec.Price),
		exec.OrderID,
	)

	data := map[string]interface{}{
		"plan_id":  plan.ID,
		"symbol":   exec.Symbol,
		"side":     plan.Side,
		"signal":   exec.Signal,
		"status":   plan.Status,
		"quantity": exec.Quantity,
		"price":    exec.Price.String(),
		"order_id": exec.OrderID,
	}

	if exec.Signal == models.SignalExit && !plan.EntryPrice.IsZero() {
		pnl := plan.ExitPrice.Sub(plan.EntryPrice).Mul(decimal.NewFromInt(int64(plan.Quantity)))
		if plan.Side == models.SideShort {
			pnl = pnl.Neg()
		}
		pnlSign := "+"
		if pnl.IsNegative() {
			pnlSign = ""
		}
		message += fmt.Sprintf("\nP&L: %s%s", pnlSign, formatCurrency(pnl))
		data["pnl"] = pnl.String()
	}

	if exec.Reason != "" {
		message += fmt.Sprintf("\n\nReason: %s", exec.Reason)
	}

	return mn.Send(ctx, Notification{
		Type:      NotificationTrade,
		Title:     title,
		Message:   message,
		Data:      data,
		Timestamp: exec.Timestamp,
	})
}

// SendError sends an error notification.
func (mn *MultiNotifier) SendError(ctx context.Context, err error, errContext string) error {
	now := mn.now()
	title := "❌ Error Occurred"
	message := fmt.Sprintf("Context: %s\nError: %v\nTime: %s",
		errContext, err, now.Format("15:04:05"))

	return mn.Send(ctx, Notification{
		Type:      NotificationError,
		Title:     title,
		Message:   message,
		Timestamp: now,
		Data: map[string]interface{}{
			"context": errContext,
			"error":   err.Error(),
		},
	})
}

// WebhookNotifier sends notifications via HTTP webhook.
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:     url,
		enabled: url != "",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the name of the notifier.
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// IsEnabled returns whether the notifier is enabled.
func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

// Send sends a notification via webhook.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	if !w.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"type":      n.Type,
		"title":     n.Title,
		"message":   n.Message,
		"data":      n.Data,
		"timestamp": n.Timestamp.Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "AutoTrader/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// NoOpNotifier is a notifier that does nothing (for testing or disabled notifications).
type NoOpNotifier struct{}

// NewNoOpNotifier creates a new NoOpNotifier.
func NewNoOpNotifier() *NoOpNotifier {
	return &NoOpNotifier{}
}

// Send does nothing.
func (n *NoOpNotifier) Send(ctx context.Context, notif Notification) error {
	return nil
}

// SendExecution does nothing.
func (n *NoOpNotifier) SendExecution(ctx context.Context, plan *models.TradePlan, exec *models.Execution) error {
	return nil
}

// SendError does nothing.
func (n *NoOpNotifier) SendError(ctx context.Context, err error, context string) error {
	return nil
}
