package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"signal-trader/internal/errors"
	"signal-trader/internal/models"
)

// PaperGateway simulates a brokerage in memory. Orders are accepted on submit
// and fill on status queries, FillRatio of the requested quantity per query.
type PaperGateway struct {
	fillRatio decimal.Decimal
	now       func() time.Time

	mu           sync.RWMutex
	cash         decimal.Decimal
	orders       map[string]*paperOrder
	byClientID   map[string]string
	positions    map[string]*models.Position
	priceCache   map[string]decimal.Decimal
	orderCounter int
}

type paperOrder struct {
	intent   models.OrderIntent
	snapshot models.OrderStatusSnapshot
	cost     decimal.Decimal // notional of the filled part
}

// PaperGatewayConfig holds configuration for the paper gateway.
type PaperGatewayConfig struct {
	InitialCash decimal.Decimal
	FillRatio   decimal.Decimal
}

// NewPaperGateway creates a new paper trading gateway.
func NewPaperGateway(cfg PaperGatewayConfig) *PaperGateway {
	cash := cfg.InitialCash
	if !cash.IsPositive() {
		cash = decimal.NewFromInt(100000)
	}
	ratio := cfg.FillRatio
	if !ratio.IsPositive() || ratio.GreaterThan(decimal.NewFromInt(1)) {
		ratio = decimal.NewFromInt(1)
	}
	return &PaperGateway{
		fillRatio:  ratio,
		now:        time.Now,
		cash:       cash,
		orders:     make(map[string]*paperOrder),
		byClientID: make(map[string]string),
		positions:  make(map[string]*models.Position),
		priceCache: make(map[string]decimal.Decimal),
	}
}

// SubmitOrder accepts an order. Resubmitting a known client order id returns
// the existing order.
func (p *PaperGateway) SubmitOrder(ctx context.Context, intent models.OrderIntent) (OrderRef, error) {
	if err := ctx.Err(); err != nil {
		return OrderRef{}, errors.NewBrokerError("submit", errors.Transient, "timeout", "context done", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.byClientID[intent.ClientOrderID]; ok {
		return OrderRef{BrokerOrderID: id, ClientOrderID: intent.ClientOrderID}, nil
	}

	if !intent.Quantity.IsPositive() {
		return OrderRef{}, errors.NewBrokerError("submit", errors.Permanent, "invalid_qty",
			"quantity must be positive", errors.ErrInvalidOrder)
	}
	if intent.Type != models.OrderTypeMarket && !intent.LimitPrice.Valid {
		return OrderRef{}, errors.NewBrokerError("submit", errors.Permanent, "invalid_price",
			"limit price required", errors.ErrInvalidOrder)
	}

	if intent.Side == models.OrderSideBuy && !intent.Closing {
		need := intent.Quantity.Mul(p.referencePrice(intent))
		if need.GreaterThan(p.cash) {
			return OrderRef{}, errors.NewBrokerError("submit", errors.Permanent, "insufficient_buying_power",
				fmt.Sprintf("insufficient buying power: need %s, have %s", need.StringFixed(2), p.cash.StringFixed(2)),
				errors.ErrInsufficientFunds)
		}
	}

	// Generate order ID
	p.orderCounter++
	orderID := fmt.Sprintf("PAPER_%d_%d", p.now().Unix(), p.orderCounter)

	p.orders[orderID] = &paperOrder{
		intent: intent,
		snapshot: models.OrderStatusSnapshot{
			BrokerOrderID:  orderID,
			ClientOrderID:  intent.ClientOrderID,
			Symbol:         intent.Symbol,
			Status:         models.StatusSubmitted,
			FilledQuantity: decimal.Zero,
			UpdatedAt:      p.now(),
		},
	}
	p.byClientID[intent.ClientOrderID] = orderID

	return OrderRef{BrokerOrderID: orderID, ClientOrderID: intent.ClientOrderID}, nil
}

// GetOrderStatus returns the order's state, filling it further when marketable.
func (p *PaperGateway) GetOrderStatus(ctx context.Context, ref OrderRef) (models.OrderStatusSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return models.OrderStatusSnapshot{}, errors.NewBrokerError("query", errors.Transient, "timeout", "context done", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	o, err := p.lookup(ref)
	if err != nil {
		return models.OrderStatusSnapshot{}, err
	}
	if !o.snapshot.Status.IsTerminal() {
		p.tryFill(o)
	}
	return o.snapshot, nil
}

// CancelOrder cancels an open order.
func (p *PaperGateway) CancelOrder(ctx context.Context, ref OrderRef) error {
	if err := ctx.Err(); err != nil {
		return errors.NewBrokerError("cancel", errors.Transient, "timeout", "context done", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	o, err := p.lookup(ref)
	if err != nil {
		return err
	}
	if o.snapshot.Status.IsTerminal() {
		return errors.NewBrokerError("cancel", errors.Permanent, "not_cancelable",
			fmt.Sprintf("order is %s", o.snapshot.Status), errors.ErrInvalidOrder)
	}

	o.snapshot.Status = models.StatusCancelled
	o.snapshot.Reason = "canceled"
	o.snapshot.UpdatedAt = p.now()
	return nil
}

// GetAccountSnapshot returns cash, positions and working orders.
func (p *PaperGateway) GetAccountSnapshot(ctx context.Context) (models.AccountSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return models.AccountSnapshot{}, errors.NewBrokerError("account", errors.Transient, "timeout", "context done", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := models.AccountSnapshot{
		BuyingPower: p.cash,
		Equity:      p.cash,
		TakenAt:     p.now(),
	}

	symbols := make([]string, 0, len(p.positions))
	for sym := range p.positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		pos := *p.positions[sym]
		if price, ok := p.priceCache[sym]; ok {
			pos.MarketPrice = price
		}
		if pos.MarketPrice.IsZero() {
			pos.MarketPrice = pos.AverageEntryPrice
		}
		pos.UnrealizedPnL = pos.MarketPrice.Sub(pos.AverageEntryPrice).Mul(pos.NetQuantity)
		snap.Equity = snap.Equity.Add(pos.NetQuantity.Mul(pos.MarketPrice))
		snap.Positions = append(snap.Positions, pos)
	}

	for _, o := range p.orders {
		if o.snapshot.Status.IsTerminal() {
			continue
		}
		pending := o.intent
		pending.Quantity = pending.Quantity.Sub(o.snapshot.FilledQuantity)
		snap.PendingOrders = append(snap.PendingOrders, pending)
	}
	sort.Slice(snap.PendingOrders, func(i, j int) bool {
		return snap.PendingOrders[i].ClientOrderID < snap.PendingOrders[j].ClientOrderID
	})

	return snap, nil
}

// UpdatePrice updates the cached price for a symbol.
func (p *PaperGateway) UpdatePrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priceCache[symbol] = price
}

// Cash returns the simulated cash balance.
func (p *PaperGateway) Cash() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

func (p *PaperGateway) lookup(ref OrderRef) (*paperOrder, error) {
	id := ref.BrokerOrderID
	if id == "" {
		id = p.byClientID[ref.ClientOrderID]
	}
	o, ok := p.orders[id]
	if !ok {
		return nil, errors.NewBrokerError("query", errors.Permanent, "not_found",
			fmt.Sprintf("order %s/%s not found", ref.BrokerOrderID, ref.ClientOrderID), errors.ErrOrderNotFound)
	}
	return o, nil
}

// referencePrice is the last known price, falling back to the intent's estimate.
func (p *PaperGateway) referencePrice(intent models.OrderIntent) decimal.Decimal {
	if price, ok := p.priceCache[intent.Symbol]; ok && price.IsPositive() {
		return price
	}
	return intent.EstimatedPrice
}

// tryFill fills the next slice of a marketable order. Caller holds mu.
func (p *PaperGateway) tryFill(o *paperOrder) {
	intent := o.intent
	price := p.referencePrice(intent)
	if !price.IsPositive() {
		return
	}

	// Determine execution price
	execPrice := price
	switch intent.Type {
	case models.OrderTypeLimit, models.OrderTypeStopLimit:
		if intent.Type == models.OrderTypeStopLimit && intent.StopPrice.Valid {
			stop := intent.StopPrice.Decimal
			if intent.Side == models.OrderSideBuy && price.LessThan(stop) ||
				intent.Side == models.OrderSideSell && price.GreaterThan(stop) {
				return
			}
		}
		limit := intent.LimitPrice.Decimal
		if intent.Side == models.OrderSideBuy && price.GreaterThan(limit) ||
			intent.Side == models.OrderSideSell && price.LessThan(limit) {
			return
		}
		execPrice = limit
	}

	remaining := intent.Quantity.Sub(o.snapshot.FilledQuantity)
	slice := decimal.Min(remaining, intent.Quantity.Mul(p.fillRatio).Round(8))
	if !slice.IsPositive() {
		slice = remaining
	}

	value := slice.Mul(execPrice)
	if intent.Side == models.OrderSideBuy {
		if value.GreaterThan(p.cash) {
			o.snapshot.Status = models.StatusRejected
			o.snapshot.Reason = "insufficient buying power"
			o.snapshot.UpdatedAt = p.now()
			return
		}
		p.cash = p.cash.Sub(value)
	} else {
		p.cash = p.cash.Add(value)
	}

	o.cost = o.cost.Add(value)
	o.snapshot.FilledQuantity = o.snapshot.FilledQuantity.Add(slice)
	o.snapshot.AverageFillPrice = o.cost.Div(o.snapshot.FilledQuantity).Round(4)
	o.snapshot.UpdatedAt = p.now()
	if o.snapshot.FilledQuantity.Equal(intent.Quantity) {
		o.snapshot.Status = models.StatusFilled
	} else {
		o.snapshot.Status = models.StatusPartiallyFilled
	}

	p.updatePosition(intent.Symbol, intent.Side, slice, execPrice)
}

// updatePosition applies a fill to the symbol's position using average cost.
func (p *PaperGateway) updatePosition(symbol string, side models.OrderSide, qty, price decimal.Decimal) {
	pos, exists := p.positions[symbol]
	if !exists {
		pos = &models.Position{Symbol: symbol}
		p.positions[symbol] = pos
	}

	models.ApplyFill(pos, side, qty, price)
	pos.MarketPrice = price
	if pos.IsFlat() {
		delete(p.positions, symbol)
	}
}

var _ Gateway = (*PaperGateway)(nil)
