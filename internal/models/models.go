// Package models provides domain models for the trading agent.
package models

import (
	"github.com/shopspring/decimal"
)

// Direction represents the bias carried by a signal.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionClose Direction = "CLOSE"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case DirectionLong, DirectionShort, DirectionClose:
		return true
	}
	return false
}

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the side that closes a position opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() decimal.Decimal {
	if s == OrderSideBuy {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// TimeInForce represents how long an order stays working.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
)

// ParseTimeInForce maps a config value to a TimeInForce, defaulting to GTC.
func ParseTimeInForce(s string) TimeInForce {
	switch s {
	case "day", "DAY":
		return TimeInForceDay
	default:
		return TimeInForceGTC
	}
}

// RoundPrice rounds a price to cents.
func RoundPrice(p decimal.Decimal) decimal.Decimal {
	return p.Round(2)
}
