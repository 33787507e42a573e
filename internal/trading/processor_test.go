package trading

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-trader/internal/errors"
	"signal-trader/internal/models"
	"signal-trader/internal/risk"
	"signal-trader/pkg/utils"
)

var testNow = time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC) // Monday

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func abcSignal() models.Signal {
	return models.Signal{
		SourceID:       "2026-10-19:ABC_w1",
		Symbol:         "ABC",
		Direction:      models.DirectionLong,
		Confidence:     0.8,
		TargetPrice:    d(110),
		StopPrice:      d(95),
		EntryPriceHint: models.NewPrice(100),
		GeneratedAt:    testNow.Add(-time.Hour),
	}
}

func richAccount() models.AccountSnapshot {
	return models.AccountSnapshot{BuyingPower: d(100000), Equity: d(100000), TakenAt: testNow}
}

type processorOpts struct {
	sizer SizingPolicy
	risk  risk.Config
	dedup DedupIndex
	cfg   ProcessorConfig
}

func newTestProcessor(opts processorOpts) *Processor {
	if opts.sizer == nil {
		opts.sizer = FixedFractional{Fraction: d(0.05)}
	}
	if opts.cfg.QuantityIncrement.IsZero() {
		opts.cfg.QuantityIncrement = decimal.NewFromInt(1)
	}
	opts.cfg.Session = utils.Session{Location: time.UTC, OpenMin: 570, CloseMin: 960}
	p := NewProcessor(
		opts.cfg,
		NewValidator(DefaultValidatorConfig(), opts.dedup),
		opts.sizer,
		risk.NewManager(opts.risk, zerolog.Nop()),
		zerolog.Nop(),
	)
	p.now = func() time.Time { return testNow }
	return p
}

func requireRejection(t *testing.T, err error, stage, reason string) {
	t.Helper()
	require.Error(t, err)
	var r *Rejection
	require.True(t, errors.As(err, &r), "expected *Rejection, got %T", err)
	assert.Equal(t, stage, r.Stage)
	assert.Equal(t, reason, r.Reason)
}

func TestProcessAcceptsABCLong(t *testing.T) {
	p := newTestProcessor(processorOpts{})

	intent, err := p.Process(abcSignal(), richAccount(), risk.Counters{})
	require.NoError(t, err)

	assert.Equal(t, "ABC", intent.Symbol)
	assert.Equal(t, models.OrderSideBuy, intent.Side)
	assert.True(t, intent.Quantity.Equal(d(50)), intent.Quantity.String())
	assert.Equal(t, models.OrderTypeLimit, intent.Type)
	assert.True(t, intent.LimitPrice.Decimal.Equal(d(100)))
	assert.Equal(t, ClientOrderID("2026-10-19:ABC_w1"), intent.ClientOrderID)
	assert.True(t, intent.StopLoss.Equal(d(95)))
	assert.True(t, intent.TakeProfit.Equal(d(110)))
	assert.Equal(t, time.Date(2026, 10, 19, 16, 0, 0, 0, time.UTC), intent.ExpiresAt)
}

func TestProcessRejectsLowConfidence(t *testing.T) {
	p := newTestProcessor(processorOpts{})
	sig := abcSignal()
	sig.Confidence = 0.3

	intent, err := p.Process(sig, richAccount(), risk.Counters{})
	assert.Nil(t, intent)
	requireRejection(t, err, StageValidation, ReasonLowConfidence)
}

func TestProcessMarketOrderWithoutHint(t *testing.T) {
	p := newTestProcessor(processorOpts{})
	sig := abcSignal()
	sig.EntryPriceHint = decimal.NullDecimal{}
	sig.CurrentPrice = models.NewPrice(100)

	intent, err := p.Process(sig, richAccount(), risk.Counters{})
	require.NoError(t, err)
	assert.Equal(t, models.OrderTypeMarket, intent.Type)
	assert.False(t, intent.LimitPrice.Valid)
	assert.True(t, intent.EstimatedPrice.Equal(d(100)))
}

func TestProcessStopLimitEntry(t *testing.T) {
	p := newTestProcessor(processorOpts{cfg: ProcessorConfig{UseStopLimitEntry: true}})
	sig := abcSignal()
	sig.EntryLimitPrice = models.NewPrice(100.5)

	intent, err := p.Process(sig, richAccount(), risk.Counters{})
	require.NoError(t, err)
	assert.Equal(t, models.OrderTypeStopLimit, intent.Type)
	assert.True(t, intent.StopPrice.Decimal.Equal(d(100)))
	assert.True(t, intent.LimitPrice.Decimal.Equal(d(100.5)))
}

func TestProcessFixedRiskSizing(t *testing.T) {
	p := newTestProcessor(processorOpts{sizer: FixedRisk{RiskAmount: d(100)}})

	intent, err := p.Process(abcSignal(), richAccount(), risk.Counters{})
	require.NoError(t, err)
	// 100 / |100 - 95|
	assert.True(t, intent.Quantity.Equal(d(20)), intent.Quantity.String())
}

func TestProcessRecommendedPositionSize(t *testing.T) {
	p := newTestProcessor(processorOpts{})
	sig := abcSignal()
	sig.PositionSizePct = 0.02

	intent, err := p.Process(sig, richAccount(), risk.Counters{})
	require.NoError(t, err)
	assert.True(t, intent.Quantity.Equal(d(20)), intent.Quantity.String())
}

func TestProcessClampsToBuyingPower(t *testing.T) {
	p := newTestProcessor(processorOpts{sizer: FixedFractional{Fraction: d(1)}})
	snap := models.AccountSnapshot{BuyingPower: d(1050), Equity: d(1050)}

	intent, err := p.Process(abcSignal(), snap, risk.Counters{})
	require.NoError(t, err)
	assert.True(t, intent.Quantity.Equal(d(10)), intent.Quantity.String())
	assert.True(t, intent.Notional().LessThanOrEqual(snap.BuyingPower))
}

func TestProcessClampsToExposureHeadroom(t *testing.T) {
	p := newTestProcessor(processorOpts{
		sizer: FixedFractional{Fraction: d(0.5)},
		risk:  risk.Config{MaxExposurePerSymbol: d(2000)},
	})

	intent, err := p.Process(abcSignal(), richAccount(), risk.Counters{})
	require.NoError(t, err)
	assert.True(t, intent.Quantity.Equal(d(20)), intent.Quantity.String())
}

func TestProcessFractionalIncrement(t *testing.T) {
	p := newTestProcessor(processorOpts{
		sizer: FixedFractional{Fraction: d(0.01)},
		cfg:   ProcessorConfig{QuantityIncrement: d(0.001)},
	})
	snap := models.AccountSnapshot{BuyingPower: d(1234), Equity: d(1234)}

	intent, err := p.Process(abcSignal(), snap, risk.Counters{})
	require.NoError(t, err)
	assert.True(t, intent.Quantity.Equal(d(0.123)), intent.Quantity.String())
}

func TestProcessSizingRejections(t *testing.T) {
	p := newTestProcessor(processorOpts{})

	_, err := p.Process(abcSignal(), models.AccountSnapshot{}, risk.Counters{})
	requireRejection(t, err, StageSizing, ReasonInsufficientBuyingPower)

	_, err = p.Process(abcSignal(), models.AccountSnapshot{BuyingPower: d(500), Equity: d(500)}, risk.Counters{})
	requireRejection(t, err, StageSizing, ReasonSizeTooSmall)
}

func TestProcessRiskVeto(t *testing.T) {
	p := newTestProcessor(processorOpts{risk: risk.Config{DailyLossLimit: d(500)}})

	_, err := p.Process(abcSignal(), richAccount(), risk.Counters{RealizedPnL: d(-600)})
	requireRejection(t, err, StageRisk, risk.RuleDailyLossLimit)
}

func TestProcessCloseSignal(t *testing.T) {
	p := newTestProcessor(processorOpts{})
	sig := models.Signal{
		SourceID:    "close-1",
		Symbol:      "ABC",
		Direction:   models.DirectionClose,
		Confidence:  0.9,
		GeneratedAt: testNow,
	}

	_, err := p.Process(sig, richAccount(), risk.Counters{Halted: true})
	requireRejection(t, err, StageSizing, ReasonNoPosition)

	snap := richAccount()
	snap.BuyingPower = decimal.Zero
	snap.Positions = []models.Position{{Symbol: "ABC", NetQuantity: d(15), AverageEntryPrice: d(100), MarketPrice: d(104)}}

	intent, err := p.Process(sig, snap, risk.Counters{Halted: true})
	require.NoError(t, err)
	assert.Equal(t, models.OrderSideSell, intent.Side)
	assert.True(t, intent.Quantity.Equal(d(15)))
	assert.True(t, intent.Closing)
	assert.Equal(t, models.OrderTypeMarket, intent.Type)
}

func TestProcessDuplicateSignal(t *testing.T) {
	dedup := NewMemoryDedup(24 * time.Hour)
	p := newTestProcessor(processorOpts{dedup: dedup})

	_, err := p.Process(abcSignal(), richAccount(), risk.Counters{})
	require.NoError(t, err)

	dedup.Mark(abcSignal().SourceID, testNow)
	_, err = p.Process(abcSignal(), richAccount(), risk.Counters{})
	requireRejection(t, err, StageValidation, ReasonDuplicateSignal)
	assert.Equal(t, ReasonDuplicateSignal, RejectionReason(err))
}

func TestRoundDown(t *testing.T) {
	assert.True(t, RoundDown(d(12.9), d(1)).Equal(d(12)))
	assert.True(t, RoundDown(d(0.129), d(0.01)).Equal(d(0.12)))
	assert.True(t, RoundDown(d(-3), d(1)).IsZero())
}
