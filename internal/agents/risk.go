package agents

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"signal-trader/internal/errors"
	"signal-trader/internal/models"
	"signal-trader/internal/monitor"
	"signal-trader/internal/risk"
	"signal-trader/internal/trading"
)

// Publish consumes an order lifecycle event. New fill quantity is booked and
// the realized P&L it produces is added to the session's risk counters, and
// Run is asked for a protective check. Redelivered events change nothing.
func (o *Orchestrator) Publish(ctx context.Context, ev models.LifecycleEvent) error {
	now := o.now()

	o.mu.Lock()
	if ev.To.IsTerminal() {
		if id, ok := o.exits[ev.Symbol]; ok && id == ev.ClientOrderID {
			delete(o.exits, ev.Symbol)
		}
	}

	prev := o.lastFilled[ev.ClientOrderID]
	delta := ev.FilledQuantity.Sub(prev.qty)
	if !delta.IsPositive() {
		o.mu.Unlock()
		return nil
	}

	price := fillPrice(prev, ev.FilledQuantity, ev.AverageFillPrice, delta)
	realized := o.book.Fill(ev.Symbol, ev.Side, delta, price)
	o.lastFilled[ev.ClientOrderID] = fillMark{qty: ev.FilledQuantity, avg: ev.AverageFillPrice}

	if pos, ok := o.book.Position(ev.Symbol); ok && pos.IsFlat() {
		delete(o.protect, ev.Symbol)
	}
	o.mu.Unlock()

	// Publish runs under the monitor's flush; the check itself happens on Run.
	select {
	case o.filled <- struct{}{}:
	default:
	}

	o.logger.Info().
		Str("order_id", ev.ClientOrderID).
		Str("symbol", ev.Symbol).
		Str("side", string(ev.Side)).
		Str("qty", delta.String()).
		Str("price", price.String()).
		Str("realized_pnl", realized.String()).
		Msg("Fill booked")

	if realized.IsZero() {
		return nil
	}
	if o.state.RecordRealized(ev.Key(), realized, now) {
		o.saveRiskState(ctx, now)
		if c := o.state.Snapshot(now); c.Halted {
			o.logger.Warn().Str("reason", c.HaltReason).Str("realized_pnl", c.RealizedPnL.String()).Msg("New entries halted")
		}
	}
	return nil
}

// Positions returns the open positions built from every booked fill,
// archived orders included, marked to prices where a price is known.
func (o *Orchestrator) Positions(prices map[string]decimal.Decimal) []models.Position {
	o.mu.Lock()
	all := o.book.Positions(prices)
	o.mu.Unlock()

	open := all[:0]
	for _, p := range all {
		if !p.IsFlat() {
			open = append(open, p)
		}
	}
	return open
}

// fillPrice returns the price of the increment between two cumulative fills
// with their average prices.
func fillPrice(prev fillMark, qty, avg, delta decimal.Decimal) decimal.Decimal {
	if prev.qty.IsZero() {
		return avg
	}
	price := avg.Mul(qty).Sub(prev.avg.Mul(prev.qty)).Div(delta)
	if !price.IsPositive() {
		return avg
	}
	return price
}

// EvaluatePositions runs the post-trade check on every open position and
// places the protective exits it asks for.
func (o *Orchestrator) EvaluatePositions(ctx context.Context) error {
	o.decideMu.Lock()
	defer o.decideMu.Unlock()

	snap, err := o.accountSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("account snapshot: %w", err)
	}

	working := make(map[string][]string)
	for _, ord := range o.monitor.OpenOrders() {
		if !ord.Intent.Closing {
			working[ord.Symbol] = append(working[ord.Symbol], ord.ClientOrderID)
		}
	}

	for _, pos := range snap.Positions {
		if pos.IsFlat() || o.exitWorking(pos.Symbol) {
			continue
		}

		ps := o.positionSnapshot(pos, working[pos.Symbol])
		for _, action := range o.risk.PostTradeCheck(ps) {
			if err := o.execute(ctx, action, pos); err != nil {
				o.logger.Error().Err(err).Str("symbol", pos.Symbol).Str("reason", action.Reason).Msg("Protective exit failed")
			}
		}
	}
	return nil
}

// exitWorking reports whether an exit order for symbol is still open.
func (o *Orchestrator) exitWorking(symbol string) bool {
	o.mu.Lock()
	id, ok := o.exits[symbol]
	o.mu.Unlock()
	if !ok {
		return false
	}

	if ord, found := o.monitor.Get(id); found && ord.Status.IsOpen() {
		return true
	}
	o.mu.Lock()
	if o.exits[symbol] == id {
		delete(o.exits, symbol)
	}
	o.mu.Unlock()
	return false
}

func (o *Orchestrator) positionSnapshot(pos models.Position, working []string) risk.PositionSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.protect[pos.Symbol]
	if !ok {
		p = &protection{}
		o.protect[pos.Symbol] = p
	}

	long := pos.NetQuantity.IsPositive()
	price := pos.MarketPrice
	if p.best.IsZero() || (long && price.GreaterThan(p.best)) || (!long && price.LessThan(p.best)) {
		p.best = price
	}

	return risk.PositionSnapshot{
		Position:        pos,
		StopLoss:        p.stopLoss,
		TakeProfit:      p.takeProfit,
		BestPrice:       p.best,
		WorkingOrderIDs: working,
	}
}

func (o *Orchestrator) execute(ctx context.Context, action risk.ProtectiveAction, pos models.Position) error {
	for _, id := range action.CancelOrderIDs {
		if _, err := o.monitor.Cancel(ctx, id, action.Reason); err != nil && !errors.Is(err, monitor.ErrOrderTerminal) {
			o.logger.Warn().Err(err).Str("order_id", id).Msg("Cancel before exit failed")
		}
	}

	now := o.now()
	sourceID := exitSourceID(action.Symbol, action.Reason, now)
	intent := models.OrderIntent{
		ClientOrderID:  trading.ClientOrderID(sourceID),
		SourceID:       sourceID,
		Symbol:         action.Symbol,
		Side:           action.Side,
		Quantity:       action.Quantity,
		Type:           models.OrderTypeMarket,
		TimeInForce:    models.TimeInForceDay,
		EstimatedPrice: pos.MarketPrice,
		Closing:        true,
		ExpiresAt:      o.cfg.Session.NextClose(now),
		CreatedAt:      now,
	}

	order, err := o.monitor.Submit(ctx, intent)
	if err != nil {
		return err
	}
	if order.Status == models.StatusRejected {
		return fmt.Errorf("exit order rejected: %s", order.Reason)
	}

	o.mu.Lock()
	o.exits[action.Symbol] = order.ClientOrderID
	o.mu.Unlock()

	o.logger.Warn().
		Str("symbol", action.Symbol).
		Str("action", string(action.Type)).
		Str("reason", action.Reason).
		Str("order_id", order.ClientOrderID).
		Str("qty", action.Quantity.String()).
		Msg("Protective exit placed")
	return nil
}
