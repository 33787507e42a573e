package broker

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"signal-trader/internal/models"
)

// Property: for any order size and fill ratio, the paper gateway reports a
// non-decreasing filled quantity that never exceeds the order and reaches
// FILLED exactly when the whole quantity has executed.
func TestProperty_PaperFillsAreMonotonicAndBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("paper fills are monotonic and bounded", prop.ForAll(
		func(qty int, ratio float64, sell bool) bool {
			gw := NewPaperGateway(PaperGatewayConfig{
				InitialCash: decimal.NewFromInt(10_000_000),
				FillRatio:   decimal.NewFromFloat(ratio),
			})
			gw.UpdatePrice("ABC", decimal.NewFromInt(50))

			side := models.OrderSideBuy
			if sell {
				side = models.OrderSideSell
			}
			intent := models.OrderIntent{
				ClientOrderID:  "c-1",
				Symbol:         "ABC",
				Side:           side,
				Quantity:       decimal.NewFromInt(int64(qty)),
				Type:           models.OrderTypeMarket,
				EstimatedPrice: decimal.NewFromInt(50),
			}

			ctx := context.Background()
			ref, err := gw.SubmitOrder(ctx, intent)
			if err != nil {
				return false
			}

			prev := decimal.Zero
			for i := 0; i < 200; i++ {
				snap, err := gw.GetOrderStatus(ctx, ref)
				if err != nil {
					return false
				}
				if snap.FilledQuantity.LessThan(prev) || snap.FilledQuantity.GreaterThan(intent.Quantity) {
					return false
				}
				full := snap.FilledQuantity.Equal(intent.Quantity)
				if full != (snap.Status == models.StatusFilled) {
					return false
				}
				prev = snap.FilledQuantity
				if full {
					return true
				}
			}
			return false
		},
		gen.IntRange(1, 500),
		gen.Float64Range(0.05, 1),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
