package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of a tracked order.
type OrderStatus string

const (
	StatusPendingSubmit   OrderStatus = "PENDING_SUBMIT"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusExpired         OrderStatus = "EXPIRED"
	// StatusUnknownPending marks an order whose last submit or cancel call
	// timed out. It needs a forced reconciliation query before anything else.
	StatusUnknownPending OrderStatus = "UNKNOWN_PENDING"
)

// IsTerminal reports whether no further transition may leave s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// IsOpen reports whether the order may still trade at the broker.
func (s OrderStatus) IsOpen() bool {
	return !s.IsTerminal()
}

// PendingAction records a broker call whose outcome the order still waits
// on. Submit and cancel go with UNKNOWN_PENDING; an accepted cancel leaves
// the status alone until the broker reports the order closed.
type PendingAction string

const (
	PendingNone           PendingAction = ""
	PendingSubmit         PendingAction = "submit"
	PendingCancel         PendingAction = "cancel"
	PendingCancelAccepted PendingAction = "cancel_accepted"
)

// IsCancel reports whether a cancel was requested, confirmed or not.
func (p PendingAction) IsCancel() bool {
	return p == PendingCancel || p == PendingCancelAccepted
}

// OrderIntent is a fully specified order that has not been submitted yet.
type OrderIntent struct {
	ClientOrderID  string
	SourceID       string
	Symbol         string
	Side           OrderSide
	Quantity       decimal.Decimal
	Type           OrderType
	LimitPrice     decimal.NullDecimal
	StopPrice      decimal.NullDecimal
	TimeInForce    TimeInForce
	EstimatedPrice decimal.Decimal

	// Protective levels taken from the signal. Zero when not applicable.
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal

	// Closing marks intents that reduce an existing position.
	Closing   bool
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Notional returns quantity times the estimated price.
func (i OrderIntent) Notional() decimal.Decimal {
	return i.Quantity.Mul(i.EstimatedPrice)
}

// Order is the monitor's record of a submitted intent.
type Order struct {
	ClientOrderID    string
	BrokerOrderID    string
	Symbol           string
	Side             OrderSide
	Type             OrderType
	Quantity         decimal.Decimal
	Status           OrderStatus
	FilledQuantity   decimal.Decimal
	AverageFillPrice decimal.Decimal
	Reason           string
	SubmittedAt      time.Time
	LastCheckedAt    time.Time
	TerminalAt       time.Time
	ExpiresAt        time.Time
	SubmitAttempts   int
	PendingAction    PendingAction
	LinkedSignal     string
	Intent           OrderIntent
}

// RemainingQuantity returns the unfilled part of the order.
func (o Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// OrderStatusSnapshot is the broker's view of one order at a point in time.
type OrderStatusSnapshot struct {
	BrokerOrderID    string
	ClientOrderID    string
	Symbol           string
	Status           OrderStatus
	FilledQuantity   decimal.Decimal
	AverageFillPrice decimal.Decimal
	Reason           string
	UpdatedAt        time.Time
}
