package store

import (
	"context"
	"path/filepath"
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
	"signal-trader/internal/risk"
)

var t0 = time.Date(2026, 10, 19, 14, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "trader.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testOrder(id string, status models.OrderStatus, at time.Time) models.Order {
	return models.Order{
		ClientOrderID:  id,
		Symbol:         "ABC",
		Side:           models.OrderSideBuy,
		Type:           models.OrderTypeLimit,
		Quantity:       decimal.NewFromInt(100),
		Status:         status,
		FilledQuantity: decimal.Zero,
		SubmittedAt:    at,
		LinkedSignal:   "sig-" + id,
		Intent: models.OrderIntent{
			ClientOrderID: id,
			SourceID:      "sig-" + id,
			Symbol:        "ABC",
			Side:          models.OrderSideBuy,
			Quantity:      decimal.NewFromInt(100),
			Type:          models.OrderTypeLimit,
			LimitPrice:    decimal.NewNullDecimal(decimal.RequireFromString("101.25")),
			StopLoss:      decimal.NewFromInt(95),
			TakeProfit:    decimal.NewFromInt(120),
		},
	}
}

func TestSaveOrderUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("c-1", models.StatusPendingSubmit, t0)
	require.NoError(t, s.SaveOrder(ctx, o))

	o.Status = models.StatusPartiallyFilled
	o.BrokerOrderID = "b-1"
	o.FilledQuantity = decimal.NewFromInt(40)
	o.AverageFillPrice = decimal.RequireFromString("100.5")
	o.LastCheckedAt = t0.Add(time.Minute)
	o.SubmitAttempts = 2
	require.NoError(t, s.SaveOrder(ctx, o))

	got, err := s.GetOrder(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartiallyFilled, got.Status)
	assert.Equal(t, "b-1", got.BrokerOrderID)
	assert.True(t, got.FilledQuantity.Equal(decimal.NewFromInt(40)))
	assert.True(t, got.AverageFillPrice.Equal(decimal.RequireFromString("100.5")))
	assert.Equal(t, 2, got.SubmitAttempts)
	assert.True(t, got.TerminalAt.IsZero())
	assert.True(t, got.LastCheckedAt.Equal(t0.Add(time.Minute)))
	assert.True(t, got.Intent.StopLoss.Equal(decimal.NewFromInt(95)))
	assert.True(t, got.Intent.LimitPrice.Valid)
}

func TestGetOrderNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetOrder(context.Background(), "missing")
	assert.True(t, errors.Is(err, errors.ErrOrderNotFound))
}

func TestLoadOpenOrdersSkipsTerminalAndArchived(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveOrder(ctx, testOrder("open-2", models.StatusSubmitted, t0.Add(2*time.Minute))))
	require.NoError(t, s.SaveOrder(ctx, testOrder("open-1", models.StatusUnknownPending, t0)))
	require.NoError(t, s.SaveOrder(ctx, testOrder("done", models.StatusFilled, t0)))
	require.NoError(t, s.SaveOrder(ctx, testOrder("gone", models.StatusSubmitted, t0)))
	require.NoError(t, s.ArchiveOrder(ctx, "gone", t0.Add(time.Hour)))

	open, err := s.LoadOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "open-1", open[0].ClientOrderID)
	assert.Equal(t, "open-2", open[1].ClientOrderID)

	all, err := s.ListOrders(ctx, OrderFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	filled, err := s.ListOrders(ctx, OrderFilter{Status: models.StatusFilled})
	require.NoError(t, err)
	require.Len(t, filled, 1)
	assert.Equal(t, "done", filled[0].ClientOrderID)

	assert.True(t, errors.Is(s.ArchiveOrder(ctx, "missing", t0), errors.ErrOrderNotFound))
}

func TestPublishIgnoresRedelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("c-1", models.StatusPartiallyFilled, t0)
	o.FilledQuantity = decimal.NewFromInt(30)
	ev := models.NewLifecycleEvent(o, models.StatusSubmitted, t0)

	require.NoError(t, s.Publish(ctx, ev))
	redelivered := ev
	redelivered.ID = "another-id"
	require.NoError(t, s.Publish(ctx, redelivered))

	o.Status = models.StatusFilled
	o.FilledQuantity = decimal.NewFromInt(100)
	require.NoError(t, s.Publish(ctx, models.NewLifecycleEvent(o, models.StatusPartiallyFilled, t0.Add(time.Second))))

	events, err := s.ListEvents(ctx, EventFilter{ClientOrderID: "c-1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.StatusPartiallyFilled, events[0].To)
	assert.Equal(t, models.StatusSubmitted, events[0].From)
	assert.Equal(t, models.StatusFilled, events[1].To)
	assert.True(t, events[1].FilledQuantity.Equal(decimal.NewFromInt(100)))
}

func TestRecentSignals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkSignalProcessed(ctx, SignalRecord{SourceID: "old", Symbol: "ABC", Outcome: "rejected", Reason: "low_confidence", ProcessedAt: t0.Add(-48 * time.Hour)}))
	require.NoError(t, s.MarkSignalProcessed(ctx, SignalRecord{SourceID: "new", Symbol: "XYZ", ClientOrderID: "c-9", Outcome: "accepted", ProcessedAt: t0}))

	recs, err := s.RecentSignals(ctx, t0.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "new", recs[0].SourceID)
	assert.Equal(t, "c-9", recs[0].ClientOrderID)
	assert.Equal(t, "accepted", recs[0].Outcome)
}

func TestRiskStatePersistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadRiskState(ctx, "2026-10-19")
	require.NoError(t, err)
	assert.False(t, ok)

	c := risk.Counters{
		SessionDate: "2026-10-19",
		RealizedPnL: decimal.RequireFromString("-250.75"),
		Entries:     3,
		Halted:      true,
		HaltReason:  "daily_loss_limit",
	}
	require.NoError(t, s.SaveRiskState(ctx, c))

	got, ok, err := s.LoadRiskState(ctx, "2026-10-19")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c.SessionDate, got.SessionDate)
	assert.True(t, got.RealizedPnL.Equal(c.RealizedPnL))
	assert.Equal(t, 3, got.Entries)
	assert.True(t, got.Halted)
	assert.Equal(t, "daily_loss_limit", got.HaltReason)
}

// Property: publishing any sequence of events, with arbitrary redeliveries,
// stores exactly one row per distinct event key.
func TestProperty_PublishIdempotent(t *testing.T) {
	s := newTestStore(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	run := 0

	properties.Property("one stored event per key", prop.ForAll(
		func(fills []int) bool {
			ctx := context.Background()
			run++
			id := "prop-" + decimal.NewFromInt(int64(run)).String()

			keys := map[string]bool{}
			for i, f := range fills {
				o := testOrder(id, models.StatusPartiallyFilled, t0)
				o.FilledQuantity = decimal.NewFromInt(int64(f))
				ev := models.NewLifecycleEvent(o, models.StatusSubmitted, t0.Add(time.Duration(i)*time.Second))
				if err := s.Publish(ctx, ev); err != nil {
					return false
				}
				keys[ev.Key()] = true
			}

			events, err := s.ListEvents(ctx, EventFilter{ClientOrderID: id})
			if err != nil {
				return false
			}
			return len(events) == len(keys)
		},
		gen.SliceOf(gen.IntRange(1, 5)),
	))

	properties.TestingRun(t)
}
