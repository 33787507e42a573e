package risk

import (
	"github.com/shopspring/decimal"

	"signal-trader/internal/models"
)

// ActionType is the kind of protective action.
type ActionType string

const (
	// ActionCancelAndExit cancels working orders for the symbol and exits at market.
	ActionCancelAndExit ActionType = "CANCEL_AND_EXIT"
	// ActionClose closes the position at market.
	ActionClose ActionType = "CLOSE"
)

// Protective action reasons.
const (
	ReasonStopLoss      = "stop_loss_breached"
	ReasonMaxLoss       = "max_loss_per_position"
	ReasonTargetReached = "target_reached"
	ReasonTrailingStop  = "trailing_stop"
)

// PositionSnapshot is a position together with the protective levels of the
// entry that opened it.
type PositionSnapshot struct {
	Position   models.Position
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	// BestPrice is the most favourable market price seen since entry.
	BestPrice decimal.Decimal
	// WorkingOrderIDs are non-terminal orders for the symbol.
	WorkingOrderIDs []string
}

// ProtectiveAction is an order the agent should place to reduce risk.
type ProtectiveAction struct {
	Type           ActionType
	Symbol         string
	Side           models.OrderSide
	Quantity       decimal.Decimal
	Reason         string
	CancelOrderIDs []string
}

// PostTradeCheck evaluates a position after a fill or a price update. At most
// one action is returned, the most severe rule winning.
func (m *Manager) PostTradeCheck(ps PositionSnapshot) []ProtectiveAction {
	pos := ps.Position
	price := pos.MarketPrice
	if pos.IsFlat() || !price.IsPositive() {
		return nil
	}

	long := pos.NetQuantity.IsPositive()
	exit := ProtectiveAction{
		Symbol:   pos.Symbol,
		Side:     models.OrderSideSell,
		Quantity: pos.NetQuantity.Abs(),
	}
	if !long {
		exit.Side = models.OrderSideBuy
	}

	// worse reports whether a is beyond b against the position.
	worse := func(a, b decimal.Decimal) bool {
		if long {
			return a.LessThanOrEqual(b)
		}
		return a.GreaterThanOrEqual(b)
	}
	// reached reports whether a is at or beyond b in the position's favour.
	reached := func(a, b decimal.Decimal) bool {
		if long {
			return a.GreaterThanOrEqual(b)
		}
		return a.LessThanOrEqual(b)
	}

	switch {
	case ps.StopLoss.IsPositive() && worse(price, ps.StopLoss):
		exit.Type = ActionCancelAndExit
		exit.Reason = ReasonStopLoss
	case m.cfg.MaxLossPerPosition.IsPositive() && pos.UnrealizedPnL.LessThanOrEqual(m.cfg.MaxLossPerPosition.Neg()):
		exit.Type = ActionCancelAndExit
		exit.Reason = ReasonMaxLoss
	case ps.TakeProfit.IsPositive() && reached(price, ps.TakeProfit):
		exit.Type = ActionClose
		exit.Reason = ReasonTargetReached
	case m.trailingHit(long, price, ps.BestPrice):
		exit.Type = ActionClose
		exit.Reason = ReasonTrailingStop
	default:
		return nil
	}

	if exit.Type == ActionCancelAndExit {
		exit.CancelOrderIDs = append([]string(nil), ps.WorkingOrderIDs...)
	}

	m.logger.Warn().
		Str("symbol", exit.Symbol).
		Str("action", string(exit.Type)).
		Str("reason", exit.Reason).
		Str("price", price.String()).
		Msg("Protective action triggered")

	return []ProtectiveAction{exit}
}

func (m *Manager) trailingHit(long bool, price, best decimal.Decimal) bool {
	pct := m.cfg.TrailingStopPercent
	if !pct.IsPositive() || !best.IsPositive() {
		return false
	}
	offset := best.Mul(pct).Div(decimal.NewFromInt(100))
	if long {
		return price.LessThanOrEqual(best.Sub(offset))
	}
	return price.GreaterThanOrEqual(best.Add(offset))
}
