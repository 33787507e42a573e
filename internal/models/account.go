package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Position is a per-symbol projection of filled orders.
type Position struct {
	Symbol            string
	NetQuantity       decimal.Decimal
	AverageEntryPrice decimal.Decimal
	MarketPrice       decimal.Decimal
	UnrealizedPnL     decimal.Decimal
	RealizedPnL       decimal.Decimal
}

// IsFlat reports whether the position holds no quantity.
func (p Position) IsFlat() bool {
	return p.NetQuantity.IsZero()
}

// Notional returns the absolute market value of the position, falling back
// to the entry price when no market price is known.
func (p Position) Notional() decimal.Decimal {
	price := p.MarketPrice
	if price.IsZero() {
		price = p.AverageEntryPrice
	}
	return p.NetQuantity.Abs().Mul(price)
}

// ApplyFill applies an executed quantity to pos using average cost and
// returns the PnL realized by the reducing part of the fill.
func ApplyFill(pos *Position, side OrderSide, qty, price decimal.Decimal) decimal.Decimal {
	signed := qty.Mul(side.Sign())
	prev := pos.NetQuantity
	next := prev.Add(signed)
	realized := decimal.Zero

	switch {
	case prev.IsZero() || prev.Sign() == signed.Sign():
		// Opening or adding: weighted average
		total := pos.AverageEntryPrice.Mul(prev.Abs()).Add(price.Mul(qty))
		pos.AverageEntryPrice = total.Div(next.Abs())
	default:
		closed := decimal.Min(qty, prev.Abs())
		realized = price.Sub(pos.AverageEntryPrice).Mul(closed)
		if prev.IsNegative() {
			realized = realized.Neg()
		}
		switch {
		case next.IsZero():
			pos.AverageEntryPrice = decimal.Zero
		case next.Sign() != prev.Sign():
			// Flipped
			pos.AverageEntryPrice = price
		}
	}

	pos.NetQuantity = next
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	return realized
}

// AccountSnapshot is a consistent view of the account taken before a decision.
type AccountSnapshot struct {
	BuyingPower   decimal.Decimal
	Equity        decimal.Decimal
	Positions     []Position
	PendingOrders []OrderIntent
	TakenAt       time.Time
}

// Position returns the open position for symbol, if any.
func (a AccountSnapshot) Position(symbol string) (Position, bool) {
	for _, p := range a.Positions {
		if p.Symbol == symbol && !p.IsFlat() {
			return p, true
		}
	}
	return Position{}, false
}

// Prices returns the broker's mark for every reported position.
func (a AccountSnapshot) Prices() map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(a.Positions))
	for _, p := range a.Positions {
		if p.MarketPrice.IsPositive() {
			prices[p.Symbol] = p.MarketPrice
		}
	}
	return prices
}

// OpenPositionCount counts non-flat positions plus symbols with pending entries.
func (a AccountSnapshot) OpenPositionCount() int {
	symbols := make(map[string]struct{})
	for _, p := range a.Positions {
		if !p.IsFlat() {
			symbols[p.Symbol] = struct{}{}
		}
	}
	for _, o := range a.PendingOrders {
		if !o.Closing {
			symbols[o.Symbol] = struct{}{}
		}
	}
	return len(symbols)
}

// Exposure returns the notional exposure for symbol, or for all symbols when
// symbol is empty, counting pending entry orders.
func (a AccountSnapshot) Exposure(symbol string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range a.Positions {
		if symbol == "" || p.Symbol == symbol {
			total = total.Add(p.Notional())
		}
	}
	for _, o := range a.PendingOrders {
		if o.Closing {
			continue
		}
		if symbol == "" || o.Symbol == symbol {
			total = total.Add(o.Notional())
		}
	}
	return total
}

// LifecycleEvent is emitted on every order state transition.
type LifecycleEvent struct {
	ID               string
	ClientOrderID    string
	BrokerOrderID    string
	Symbol           string
	Side             OrderSide
	From             OrderStatus
	To               OrderStatus
	Reason           string
	FilledQuantity   decimal.Decimal
	AverageFillPrice decimal.Decimal
	Timestamp        time.Time
}

// NewLifecycleEvent builds an event for the transition of o from the given state.
func NewLifecycleEvent(o Order, from OrderStatus, at time.Time) LifecycleEvent {
	return LifecycleEvent{
		ID:               uuid.NewString(),
		ClientOrderID:    o.ClientOrderID,
		BrokerOrderID:    o.BrokerOrderID,
		Symbol:           o.Symbol,
		Side:             o.Side,
		From:             from,
		To:               o.Status,
		Reason:           o.Reason,
		FilledQuantity:   o.FilledQuantity,
		AverageFillPrice: o.AverageFillPrice,
		Timestamp:        at,
	}
}

// Key identifies an event for idempotent consumption. Repeated partial fills
// of one order differ by filled quantity; a redelivered event has the same key.
func (e LifecycleEvent) Key() string {
	return fmt.Sprintf("%s|%s|%s", e.ClientOrderID, e.To, e.FilledQuantity.String())
}

// IsFill reports whether the event carries new fill quantity.
func (e LifecycleEvent) IsFill() bool {
	return e.To == StatusPartiallyFilled || e.To == StatusFilled
}
