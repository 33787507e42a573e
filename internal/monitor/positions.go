package monitor

import (
	"sort"

	"github.com/shopspring/decimal"

	"signal-trader/internal/models"
)

// Book is a position projection built from fills. It is not safe for
// concurrent use.
type Book struct {
	positions map[string]*models.Position
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{positions: make(map[string]*models.Position)}
}

// Fill applies an executed quantity and returns the PnL it realized.
func (b *Book) Fill(symbol string, side models.OrderSide, qty, price decimal.Decimal) decimal.Decimal {
	if !qty.IsPositive() {
		return decimal.Zero
	}
	pos, ok := b.positions[symbol]
	if !ok {
		pos = &models.Position{Symbol: symbol}
		b.positions[symbol] = pos
	}
	return models.ApplyFill(pos, side, qty, price)
}

// Position returns the position for symbol, flat or not.
func (b *Book) Position(symbol string) (models.Position, bool) {
	pos, ok := b.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return *pos, true
}

// Positions returns every symbol the book has seen, marked to prices where a
// price is known, ordered by symbol.
func (b *Book) Positions(prices map[string]decimal.Decimal) []models.Position {
	out := make([]models.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		p := *pos
		if mark, ok := prices[p.Symbol]; ok && mark.IsPositive() {
			p.MarketPrice = mark
			p.UnrealizedPnL = mark.Sub(p.AverageEntryPrice).Mul(p.NetQuantity)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
