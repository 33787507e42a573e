// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Standard sentinel errors
var (
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrMarketClosed      = errors.New("market is closed")
	ErrInsufficientFunds = errors.New("insufficient buying power")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrOrderRejected     = errors.New("order rejected")
	ErrOrderNotFound     = errors.New("order not found")
	ErrRateLimited       = errors.New("rate limited")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrTimeout           = errors.New("operation timed out")
	ErrServerError       = errors.New("broker server error")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrDatabaseError     = errors.New("database error")
	ErrDuplicateOrder    = errors.New("duplicate client order id")
)

// Kind separates retryable broker failures from terminal ones.
type Kind string

const (
	// Transient failures (timeouts, rate limits, 5xx) may be retried.
	Transient Kind = "TRANSIENT"
	// Permanent failures (auth, invalid request, market closed) must not be retried.
	Permanent Kind = "PERMANENT"
)

// BrokerError represents an error from the broker API.
type BrokerError struct {
	Op      string // submit, query, cancel, account
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker %s error [%s/%s]: %s: %v", e.Op, e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker %s error [%s/%s]: %s", e.Op, e.Kind, e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(op string, kind Kind, code, message string, err error) *BrokerError {
	return &BrokerError{
		Op:      op,
		Kind:    kind,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsTransient reports whether err belongs to a retryable failure class.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind == Transient
	}
	if IsTimeout(err) {
		return true
	}
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrServerError)
}

// IsPermanent reports whether err was explicitly classified as one that no
// retry can fix.
func IsPermanent(err error) bool {
	var be *BrokerError
	return errors.As(err, &be) && be.Kind == Permanent
}

// IsTimeout reports whether err means the call's outcome is unknown.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ValidationError represents a signal that failed a structural or business check.
type ValidationError struct {
	Reason  string
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error [%s]: %s (%v): %s", e.Reason, e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("validation error [%s]: %s", e.Reason, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(reason, field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Reason:  reason,
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// RiskError represents a risk management veto.
type RiskError struct {
	Rule    string
	Current float64
	Limit   float64
	Message string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk violation [%s]: %s (current: %.2f, limit: %.2f)", e.Rule, e.Message, e.Current, e.Limit)
}

// NewRiskError creates a new RiskError.
func NewRiskError(rule string, current, limit float64, message string) *RiskError {
	return &RiskError{
		Rule:    rule,
		Current: current,
		Limit:   limit,
		Message: message,
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

// ConflictError is a status report that would break an order's invariants:
// a lower fill quantity or a change after a terminal state. It is never applied.
type ConflictError struct {
	OrderID  string
	Current  string
	Incoming string
	Message  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("reconciliation conflict [%s]: %s (current: %s, incoming: %s)", e.OrderID, e.Message, e.Current, e.Incoming)
}

// NewConflictError creates a new ConflictError.
func NewConflictError(orderID, current, incoming, message string) *ConflictError {
	return &ConflictError{
		OrderID:  orderID,
		Current:  current,
		Incoming: incoming,
		Message:  message,
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

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
