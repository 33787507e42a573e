package broker

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-trader/internal/errors"
	"signal-trader/internal/models"
)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func buyIntent(id string, qty float64) models.OrderIntent {
	return models.OrderIntent{
		ClientOrderID:  id,
		Symbol:         "ABC",
		Side:           models.OrderSideBuy,
		Quantity:       dec(qty),
		Type:           models.OrderTypeMarket,
		EstimatedPrice: dec(100),
	}
}

func TestPaperSubmitIsIdempotentOnClientID(t *testing.T) {
	gw := NewPaperGateway(PaperGatewayConfig{InitialCash: dec(100000)})
	ctx := context.Background()

	first, err := gw.SubmitOrder(ctx, buyIntent("c-1", 10))
	require.NoError(t, err)
	second, err := gw.SubmitOrder(ctx, buyIntent("c-1", 10))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	snap, err := gw.GetAccountSnapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.PendingOrders, 1)
}

func TestPaperPartialFillsThenFilled(t *testing.T) {
	gw := NewPaperGateway(PaperGatewayConfig{InitialCash: dec(100000), FillRatio: dec(0.3)})
	gw.UpdatePrice("ABC", dec(100))
	ctx := context.Background()

	ref, err := gw.SubmitOrder(ctx, buyIntent("c-1", 100))
	require.NoError(t, err)

	var got []string
	for i := 0; i < 4; i++ {
		snap, err := gw.GetOrderStatus(ctx, ref)
		require.NoError(t, err)
		got = append(got, string(snap.Status)+":"+snap.FilledQuantity.String())
	}
	assert.Equal(t, []string{
		"PARTIALLY_FILLED:30",
		"PARTIALLY_FILLED:60",
		"PARTIALLY_FILLED:90",
		"FILLED:100",
	}, got)

	acct, err := gw.GetAccountSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, acct.Positions, 1)
	assert.True(t, acct.Positions[0].NetQuantity.Equal(dec(100)))
	assert.True(t, gw.Cash().Equal(dec(90000)))
	assert.Empty(t, acct.PendingOrders)
}

func TestPaperLimitOrderWaitsForPrice(t *testing.T) {
	gw := NewPaperGateway(PaperGatewayConfig{InitialCash: dec(100000)})
	gw.UpdatePrice("ABC", dec(101))
	ctx := context.Background()

	intent := buyIntent("c-1", 10)
	intent.Type = models.OrderTypeLimit
	intent.LimitPrice = decimal.NewNullDecimal(dec(100))

	ref, err := gw.SubmitOrder(ctx, intent)
	require.NoError(t, err)

	snap, err := gw.GetOrderStatus(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSubmitted, snap.Status)

	gw.UpdatePrice("ABC", dec(99.5))
	snap, err = gw.GetOrderStatus(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, snap.Status)
	assert.True(t, snap.AverageFillPrice.Equal(dec(100)))
}

func TestPaperRejectsAndNotFound(t *testing.T) {
	gw := NewPaperGateway(PaperGatewayConfig{InitialCash: dec(500)})
	ctx := context.Background()

	_, err := gw.SubmitOrder(ctx, buyIntent("c-1", 10))
	require.Error(t, err)
	assert.False(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, errors.ErrInsufficientFunds)

	_, err = gw.GetOrderStatus(ctx, OrderRef{ClientOrderID: "missing"})
	assert.ErrorIs(t, err, errors.ErrOrderNotFound)
}

func TestPaperCancel(t *testing.T) {
	gw := NewPaperGateway(PaperGatewayConfig{InitialCash: dec(100000)})
	ctx := context.Background()

	intent := buyIntent("c-1", 10)
	intent.Type = models.OrderTypeLimit
	intent.LimitPrice = decimal.NewNullDecimal(dec(1))

	ref, err := gw.SubmitOrder(ctx, intent)
	require.NoError(t, err)
	require.NoError(t, gw.CancelOrder(ctx, OrderRef{ClientOrderID: ref.ClientOrderID}))

	snap, err := gw.GetOrderStatus(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, snap.Status)

	assert.Error(t, gw.CancelOrder(ctx, ref), "terminal orders cannot be cancelled")
}

func TestPaperRoundTripRealizesPnL(t *testing.T) {
	gw := NewPaperGateway(PaperGatewayConfig{InitialCash: dec(100000)})
	gw.UpdatePrice("ABC", dec(100))
	ctx := context.Background()

	ref, err := gw.SubmitOrder(ctx, buyIntent("buy", 10))
	require.NoError(t, err)
	_, err = gw.GetOrderStatus(ctx, ref)
	require.NoError(t, err)

	gw.UpdatePrice("ABC", dec(110))
	sell := buyIntent("sell", 10)
	sell.Side = models.OrderSideSell
	sell.Closing = true
	ref, err = gw.SubmitOrder(ctx, sell)
	require.NoError(t, err)
	_, err = gw.GetOrderStatus(ctx, ref)
	require.NoError(t, err)

	acct, err := gw.GetAccountSnapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, acct.Positions)
	assert.True(t, gw.Cash().Equal(dec(100100)), gw.Cash().String())
}
