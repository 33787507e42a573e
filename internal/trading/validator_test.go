package trading

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-trader/internal/errors"
	"signal-trader/internal/models"
)

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var ve *errors.ValidationError
	require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
	return ve.Reason
}

func TestValidatorReasons(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Signal)
		reason string
	}{
		{"missing symbol", func(s *models.Signal) { s.Symbol = "" }, ReasonMissingField},
		{"missing source", func(s *models.Signal) { s.SourceID = "" }, ReasonMissingField},
		{"bad direction", func(s *models.Signal) { s.Direction = "SIDEWAYS" }, ReasonMissingField},
		{"confidence out of range", func(s *models.Signal) { s.Confidence = 1.2 }, ReasonMissingField},
		{"no entry reference", func(s *models.Signal) { s.EntryPriceHint = decimal.NullDecimal{} }, ReasonMissingField},
		{"negative stop", func(s *models.Signal) { s.StopPrice = d(-1) }, ReasonInvalidPrices},
		{"low confidence", func(s *models.Signal) { s.Confidence = 0.49 }, ReasonLowConfidence},
		{"low risk reward", func(s *models.Signal) { s.TargetPrice = d(105) }, ReasonLowRiskReward},
		{"zero risk distance", func(s *models.Signal) { s.StopPrice = d(100) }, ReasonInvalidPrices},
		{"long with target below entry", func(s *models.Signal) { s.TargetPrice = d(90) }, ReasonPriceOrdering},
		{"short with long prices", func(s *models.Signal) { s.Direction = models.DirectionShort }, ReasonPriceOrdering},
		{"too old", func(s *models.Signal) { s.GeneratedAt = testNow.Add(-100 * time.Hour) }, ReasonStaleSignal},
		{"expired", func(s *models.Signal) { s.ExpiresAt = testNow.Add(-time.Minute) }, ReasonStaleSignal},
	}

	v := NewValidator(DefaultValidatorConfig(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := abcSignal()
			tt.mutate(&sig)
			err := v.Validate(sig, testNow)
			require.Error(t, err)
			assert.Equal(t, tt.reason, reasonOf(t, err))
		})
	}
}

func TestValidatorAcceptsShort(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig(), nil)
	sig := abcSignal()
	sig.Direction = models.DirectionShort
	sig.TargetPrice = d(90)
	sig.StopPrice = d(105)
	assert.NoError(t, v.Validate(sig, testNow))
}

func TestValidatorCloseSkipsPriceChecks(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig(), nil)
	sig := models.Signal{
		SourceID:    "close-1",
		Symbol:      "ABC",
		Direction:   models.DirectionClose,
		Confidence:  0.7,
		GeneratedAt: testNow,
	}
	assert.NoError(t, v.Validate(sig, testNow))
}

func TestValidatorChecksShortCircuitInOrder(t *testing.T) {
	dedup := NewMemoryDedup(time.Hour)
	dedup.Mark("2026-10-19:ABC_w1", testNow)
	v := NewValidator(DefaultValidatorConfig(), dedup)

	sig := abcSignal()
	sig.Confidence = 0.2
	sig.TargetPrice = d(101)
	// Confidence is checked before risk/reward and dedup.
	assert.Equal(t, ReasonLowConfidence, reasonOf(t, v.Validate(sig, testNow)))
}

func TestMemoryDedupWindow(t *testing.T) {
	dedup := NewMemoryDedup(time.Hour)
	dedup.Mark("a", testNow)

	assert.True(t, dedup.Seen("a", testNow.Add(30*time.Minute)))
	assert.False(t, dedup.Seen("a", testNow.Add(2*time.Hour)))
	assert.False(t, dedup.Seen("b", testNow))

	assert.Equal(t, 1, dedup.Prune(testNow.Add(2*time.Hour)))
	assert.False(t, dedup.Seen("a", testNow))
}

func TestRiskRewardScenario(t *testing.T) {
	rr, err := RiskReward(abcSignal())
	require.NoError(t, err)
	assert.True(t, rr.Equal(d(2)), rr.String())
}
