package trading

import (
	"fmt"

	"github.com/shopspring/decimal"

	"signal-trader/internal/config"
	"signal-trader/internal/models"
)

// SizingPolicy computes the unrounded quantity for an entry signal.
type SizingPolicy interface {
	Name() string
	Size(sig models.Signal, entry decimal.Decimal, snap models.AccountSnapshot) decimal.Decimal
}

// FixedFractional spends a fraction of buying power per entry. When the signal
// recommends a position size, that fraction of equity is used instead.
type FixedFractional struct {
	Fraction decimal.Decimal
}

func (f FixedFractional) Name() string { return "fixed_fractional" }

func (f FixedFractional) Size(sig models.Signal, entry decimal.Decimal, snap models.AccountSnapshot) decimal.Decimal {
	if !entry.IsPositive() {
		return decimal.Zero
	}
	budget := snap.BuyingPower.Mul(f.Fraction)
	if sig.PositionSizePct > 0 && snap.Equity.IsPositive() {
		budget = snap.Equity.Mul(decimal.NewFromFloat(sig.PositionSizePct))
	}
	return budget.Div(entry)
}

// FixedRisk risks a fixed amount between entry and stop.
type FixedRisk struct {
	RiskAmount decimal.Decimal
}

func (f FixedRisk) Name() string { return "fixed_risk" }

func (f FixedRisk) Size(sig models.Signal, entry decimal.Decimal, _ models.AccountSnapshot) decimal.Decimal {
	distance := entry.Sub(sig.StopPrice).Abs()
	if distance.IsZero() {
		return decimal.Zero
	}
	return f.RiskAmount.Div(distance)
}

// NewSizingPolicy builds the policy named in the sizing config.
func NewSizingPolicy(sc config.SizingConfig) (SizingPolicy, error) {
	switch sc.Policy {
	case "fixed_fractional", "":
		return FixedFractional{Fraction: decimal.NewFromFloat(sc.Fraction)}, nil
	case "fixed_risk":
		return FixedRisk{RiskAmount: decimal.NewFromFloat(sc.RiskAmount)}, nil
	default:
		return nil, fmt.Errorf("unknown sizing policy: %s", sc.Policy)
	}
}

// RoundDown rounds qty down to a multiple of increment.
func RoundDown(qty, increment decimal.Decimal) decimal.Decimal {
	if !qty.IsPositive() {
		return decimal.Zero
	}
	if !increment.IsPositive() {
		return qty
	}
	return qty.Div(increment).Floor().Mul(increment)
}
