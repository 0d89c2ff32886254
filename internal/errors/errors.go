// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Standard sentinel errors
var (
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrNotConnected      = errors.New("not connected")
	ErrShutdown          = errors.New("broker client shut down")
	ErrDataCorrupted     = errors.New("market data corrupted")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrOrderRejected     = errors.New("order rejected")
	ErrInvalidTransition = errors.New("invalid plan transition")
	ErrPlanNotFound      = errors.New("trade plan not found")
	ErrUnknownFunction   = errors.New("unknown execution function")
)

// DataCorruptionError reports a bar rejected by the market data validator.
type DataCorruptionError struct {
	Symbol         string
	CorruptionType string
	Message        string
}

func (e *DataCorruptionError) Error() string {
	return fmt.Sprintf("data corruption [%s] %s: %s", e.CorruptionType, e.Symbol, e.Message)
}

func (e *DataCorruptionError) Unwrap() error {
	return ErrDataCorrupted
}

// NewDataCorruptionError creates a new DataCorruptionError.
func NewDataCorruptionError(symbol, corruptionType, message string) *DataCorruptionError {
	return &DataCorruptionError{
		Symbol:         symbol,
		CorruptionType: corruptionType,
		Message:        message,
	}
}

// CircuitOpenError is returned instead of running an operation while the breaker is open.
// Callers should treat it as backpressure rather than a hard failure.
type CircuitOpenError struct {
	Name    string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("circuit breaker %q is open", e.Name)
	}
	return fmt.Sprintf("circuit breaker %q is open, next attempt at %s", e.Name, e.RetryAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Unwrap() error {
	return ErrCircuitOpen
}

// NewCircuitOpenError creates a new CircuitOpenError.
func NewCircuitOpenError(name string, retryAt time.Time) *CircuitOpenError {
	return &CircuitOpenError{Name: name, RetryAt: retryAt}
}

// ConnectionError reports a broker call that failed on network or session grounds.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection error [%s]: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("connection error [%s]", e.Op)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrConnectionFailed for every ConnectionError.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnectionFailed
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(op string, err error) *ConnectionError {
	return &ConnectionError{Op: op, Err: err}
}

// ConfigurationError represents invalid constructor or configuration parameters.
type ConfigurationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfigInvalid
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(field string, value interface{}, message string) *ConfigurationError {
	return &ConfigurationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// BrokerError represents an error from the broker API.
type BrokerError struct {
	Code    string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s]: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(code, message string, err error) *BrokerError {
	return &BrokerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	OrderID string
	Symbol  string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.OrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.OrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		OrderID: orderID,
		Symbol:  symbol,
		Action:  action,
		Reason:  reason,
		Err:     err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
