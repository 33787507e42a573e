package monitor

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-trader/internal/errors"
	"signal-trader/internal/models"
)

var reconcileNow = time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)

func openOrder(status models.OrderStatus, qty, filled int64) models.Order {
	return models.Order{
		ClientOrderID:  "c-1",
		Symbol:         "ABC",
		Side:           models.OrderSideBuy,
		Quantity:       decimal.NewFromInt(qty),
		FilledQuantity: decimal.NewFromInt(filled),
		Status:         status,
	}
}

func report(status models.OrderStatus, filled int64, reason string) models.OrderStatusSnapshot {
	return models.OrderStatusSnapshot{
		BrokerOrderID:    "b-1",
		ClientOrderID:    "c-1",
		Status:           status,
		FilledQuantity:   decimal.NewFromInt(filled),
		AverageFillPrice: decimal.NewFromInt(50),
		Reason:           reason,
	}
}

func TestReconcileTransitions(t *testing.T) {
	tests := []struct {
		name       string
		order      models.Order
		snap       models.OrderStatusSnapshot
		wantStatus models.OrderStatus
		wantFill   int64
		wantReason string
		changed    bool
		conflict   bool
	}{
		{
			name:       "acknowledged",
			order:      openOrder(models.StatusPendingSubmit, 100, 0),
			snap:       report(models.StatusSubmitted, 0, ""),
			wantStatus: models.StatusSubmitted,
			changed:    true,
		},
		{
			name:       "partial fill",
			order:      openOrder(models.StatusSubmitted, 100, 0),
			snap:       report(models.StatusSubmitted, 30, ""),
			wantStatus: models.StatusPartiallyFilled,
			wantFill:   30,
			changed:    true,
		},
		{
			name:       "second partial fill",
			order:      openOrder(models.StatusPartiallyFilled, 100, 30),
			snap:       report(models.StatusPartiallyFilled, 60, ""),
			wantStatus: models.StatusPartiallyFilled,
			wantFill:   60,
			changed:    true,
		},
		{
			name:       "same report is a no-op",
			order:      openOrder(models.StatusPartiallyFilled, 100, 60),
			snap:       report(models.StatusPartiallyFilled, 60, ""),
			wantStatus: models.StatusPartiallyFilled,
			wantFill:   60,
		},
		{
			name:       "full quantity fills",
			order:      openOrder(models.StatusPartiallyFilled, 100, 60),
			snap:       report(models.StatusPartiallyFilled, 100, ""),
			wantStatus: models.StatusFilled,
			wantFill:   100,
			changed:    true,
		},
		{
			name:       "filled without quantity",
			order:      openOrder(models.StatusSubmitted, 100, 0),
			snap:       report(models.StatusFilled, 0, ""),
			wantStatus: models.StatusFilled,
			wantFill:   100,
			changed:    true,
		},
		{
			name:       "short FILLED report is a partial fill",
			order:      openOrder(models.StatusSubmitted, 100, 0),
			snap:       report(models.StatusFilled, 40, ""),
			wantStatus: models.StatusPartiallyFilled,
			wantFill:   40,
			changed:    true,
		},
		{
			name:       "FILLED report with the rest completes the order",
			order:      openOrder(models.StatusPartiallyFilled, 100, 40),
			snap:       report(models.StatusFilled, 100, ""),
			wantStatus: models.StatusFilled,
			wantFill:   100,
			changed:    true,
		},
		{
			name:       "cancel keeps partial fill and broker reason",
			order:      openOrder(models.StatusPartiallyFilled, 100, 40),
			snap:       report(models.StatusCancelled, 40, "canceled"),
			wantStatus: models.StatusCancelled,
			wantFill:   40,
			wantReason: "canceled",
			changed:    true,
		},
		{
			name:       "rejected verbatim",
			order:      openOrder(models.StatusSubmitted, 100, 0),
			snap:       report(models.StatusRejected, 0, "qty exceeds limit"),
			wantStatus: models.StatusRejected,
			wantReason: "qty exceeds limit",
			changed:    true,
		},
		{
			name:       "lower fill conflicts",
			order:      openOrder(models.StatusPartiallyFilled, 100, 60),
			snap:       report(models.StatusPartiallyFilled, 30, ""),
			wantStatus: models.StatusPartiallyFilled,
			wantFill:   60,
			conflict:   true,
		},
		{
			name:       "overfill conflicts",
			order:      openOrder(models.StatusSubmitted, 100, 0),
			snap:       report(models.StatusPartiallyFilled, 120, ""),
			wantStatus: models.StatusSubmitted,
			conflict:   true,
		},
		{
			name:       "change after terminal conflicts",
			order:      openOrder(models.StatusCancelled, 100, 0),
			snap:       report(models.StatusFilled, 100, ""),
			wantStatus: models.StatusCancelled,
			conflict:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed, err := Reconcile(tt.order, tt.snap, reconcileNow)
			if tt.conflict {
				var ce *errors.ConflictError
				require.True(t, errors.As(err, &ce))
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.changed, changed)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.True(t, got.FilledQuantity.Equal(decimal.NewFromInt(tt.wantFill)), got.FilledQuantity.String())
			assert.Equal(t, tt.wantReason, got.Reason)
		})
	}
}

func TestReconcileAcceptedCancelKeepsWorking(t *testing.T) {
	o := openOrder(models.StatusPartiallyFilled, 100, 30)
	o.PendingAction = models.PendingCancelAccepted
	o.Reason = ReasonCancelledByOperator

	got, changed, err := Reconcile(o, report(models.StatusPartiallyFilled, 45, ""), reconcileNow)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StatusPartiallyFilled, got.Status)
	assert.Equal(t, models.PendingCancelAccepted, got.PendingAction)
	assert.True(t, got.TerminalAt.IsZero())

	got, _, err = Reconcile(got, report(models.StatusCancelled, 60, "canceled"), reconcileNow)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, ReasonCancelledByOperator, got.Reason)
	assert.True(t, got.FilledQuantity.Equal(decimal.NewFromInt(60)))
	assert.Equal(t, models.PendingNone, got.PendingAction)
}

func TestReconcileLocalCancelReason(t *testing.T) {
	o := openOrder(models.StatusUnknownPending, 10, 0)
	o.PendingAction = models.PendingCancel
	o.Reason = ReasonTimeInForceElapsed

	got, changed, err := Reconcile(o, report(models.StatusCancelled, 0, "canceled"), reconcileNow)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StatusExpired, got.Status)
	assert.Equal(t, ReasonTimeInForceElapsed, got.Reason)
	assert.Equal(t, models.PendingNone, got.PendingAction)
	assert.Equal(t, reconcileNow, got.TerminalAt)
}

// Property: whatever sequence of reports arrives, the filled quantity never
// decreases or exceeds the order, FILLED always means the whole quantity, and
// a terminal order never changes again.
func TestProperty_ReconcileMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	statuses := []models.OrderStatus{
		models.StatusSubmitted,
		models.StatusPartiallyFilled,
		models.StatusFilled,
		models.StatusCancelled,
		models.StatusRejected,
		models.StatusExpired,
	}

	properties.Property("fills are monotonic and terminal states absorb", prop.ForAll(
		func(statusIdx []int, fills []int) bool {
			o := openOrder(models.StatusSubmitted, 100, 0)
			n := len(statusIdx)
			if len(fills) < n {
				n = len(fills)
			}

			for i := 0; i < n; i++ {
				prev := o
				snap := report(statuses[statusIdx[i]%len(statuses)], int64(fills[i]), "x")
				next, changed, err := Reconcile(o, snap, reconcileNow)

				if err != nil {
					var ce *errors.ConflictError
					if !errors.As(err, &ce) || changed {
						return false
					}
					continue
				}
				if prev.Status.IsTerminal() && changed {
					return false
				}
				if next.FilledQuantity.LessThan(prev.FilledQuantity) || next.FilledQuantity.GreaterThan(o.Quantity) {
					return false
				}
				if next.Status == models.StatusPendingSubmit || next.Status == models.StatusUnknownPending {
					return false
				}
				if next.Status == models.StatusFilled && !next.FilledQuantity.Equal(next.Quantity) {
					return false
				}
				o = next
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 5)),
		gen.SliceOf(gen.IntRange(0, 110)),
	))

	properties.TestingRun(t)
}
