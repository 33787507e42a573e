package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Signal is an externally generated trading recommendation. It is passed by
// value and never modified after construction.
type Signal struct {
	SourceID       string
	Symbol         string
	Direction      Direction
	Confidence     float64
	TargetPrice    decimal.Decimal
	StopPrice      decimal.Decimal
	EntryPriceHint decimal.NullDecimal
	GeneratedAt    time.Time

	// Optional fields carried by the upstream signal files.
	CurrentPrice    decimal.NullDecimal
	EntryLimitPrice decimal.NullDecimal
	PositionSizePct float64 // fraction of equity, 0 when absent
	TimeBarrierDays int
	ExpiresAt       time.Time
	WindowWeeks     int
}

// EntryReference returns the price used as the trade's entry: the entry hint
// when present, otherwise the current price.
func (s Signal) EntryReference() (decimal.Decimal, bool) {
	if s.EntryPriceHint.Valid {
		return s.EntryPriceHint.Decimal, true
	}
	if s.CurrentPrice.Valid {
		return s.CurrentPrice.Decimal, true
	}
	return decimal.Zero, false
}

// IsEntry reports whether the signal opens or adds to a position.
func (s Signal) IsEntry() bool {
	return s.Direction == DirectionLong || s.Direction == DirectionShort
}

// EntrySide returns the order side used to act on the signal's direction.
func (s Signal) EntrySide() OrderSide {
	if s.Direction == DirectionShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// NewPrice is a convenience for building optional prices.
func NewPrice(v float64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromFloat(v))
}
