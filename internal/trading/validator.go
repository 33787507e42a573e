package trading

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"signal-trader/internal/config"
	"signal-trader/internal/errors"
	"signal-trader/internal/models"
)

// Rejection reasons.
const (
	ReasonMissingField            = "missing_field"
	ReasonLowConfidence           = "low_confidence"
	ReasonLowRiskReward           = "low_risk_reward"
	ReasonInvalidPrices           = "invalid_prices"
	ReasonPriceOrdering           = "price_ordering"
	ReasonDuplicateSignal         = "duplicate_signal"
	ReasonStaleSignal             = "stale_signal"
	ReasonSizeTooSmall            = "size_too_small"
	ReasonInsufficientBuyingPower = "insufficient_buying_power"
	ReasonNoPosition              = "no_position"
)

// ValidatorConfig holds validation thresholds.
type ValidatorConfig struct {
	MinConfidence float64
	MinRiskReward float64
	DedupWindow   time.Duration
	MaxSignalAge  time.Duration // 0 disables the age check
}

// NewValidatorConfig converts the signals section of the application config.
func NewValidatorConfig(sc config.SignalsConfig) ValidatorConfig {
	return ValidatorConfig{
		MinConfidence: sc.MinConfidence,
		MinRiskReward: sc.MinRiskReward,
		DedupWindow:   sc.DedupWindow,
		MaxSignalAge:  sc.MaxSignalAge,
	}
}

// DefaultValidatorConfig returns the default thresholds.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MinConfidence: 0.5,
		MinRiskReward: 1.5,
		DedupWindow:   24 * time.Hour,
		MaxSignalAge:  72 * time.Hour,
	}
}

// DedupIndex answers whether a source id was processed recently.
type DedupIndex interface {
	Seen(sourceID string, now time.Time) bool
}

// MemoryDedup is an in-memory DedupIndex. It is seeded from the store at
// startup and marked by the caller once a signal has been acted on.
type MemoryDedup struct {
	mu     sync.RWMutex
	window time.Duration
	seen   map[string]time.Time
}

// NewMemoryDedup creates an index that remembers ids for window.
func NewMemoryDedup(window time.Duration) *MemoryDedup {
	return &MemoryDedup{
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// Mark records sourceID as processed at the given time.
func (d *MemoryDedup) Mark(sourceID string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[sourceID] = at
}

// Seen reports whether sourceID was marked within the window before now.
func (d *MemoryDedup) Seen(sourceID string, now time.Time) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	at, ok := d.seen[sourceID]
	if !ok {
		return false
	}
	return d.window <= 0 || now.Sub(at) < d.window
}

// Prune forgets ids older than the window.
func (d *MemoryDedup) Prune(now time.Time) int {
	if d.window <= 0 {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for id, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, id)
			removed++
		}
	}
	return removed
}

// Window returns the dedup window.
func (d *MemoryDedup) Window() time.Duration {
	return d.window
}

// Validator runs the structural and threshold checks on a signal.
// It performs no I/O.
type Validator struct {
	cfg   ValidatorConfig
	dedup DedupIndex
}

// NewValidator creates a validator. dedup may be nil to skip the replay check.
func NewValidator(cfg ValidatorConfig, dedup DedupIndex) *Validator {
	return &Validator{cfg: cfg, dedup: dedup}
}

// Validate returns nil for a valid signal or a *errors.ValidationError
// carrying the first failed check's reason.
func (v *Validator) Validate(sig models.Signal, now time.Time) error {
	checks := []func(models.Signal, time.Time) error{
		v.checkRequired,
		v.checkConfidence,
		v.checkRiskReward,
		v.checkPriceOrdering,
		v.checkDuplicate,
		v.checkStale,
	}
	for _, check := range checks {
		if err := check(sig, now); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkRequired(sig models.Signal, _ time.Time) error {
	switch {
	case sig.SourceID == "":
		return errors.NewValidationError(ReasonMissingField, "source_id", sig.SourceID, "source id is required")
	case sig.Symbol == "":
		return errors.NewValidationError(ReasonMissingField, "symbol", sig.Symbol, "symbol is required")
	case !sig.Direction.Valid():
		return errors.NewValidationError(ReasonMissingField, "direction", sig.Direction, "direction must be LONG, SHORT or CLOSE")
	case math.IsNaN(sig.Confidence) || sig.Confidence < 0 || sig.Confidence > 1:
		return errors.NewValidationError(ReasonMissingField, "confidence", sig.Confidence, "confidence must be in [0, 1]")
	case sig.GeneratedAt.IsZero():
		return errors.NewValidationError(ReasonMissingField, "generated_at", sig.GeneratedAt, "generation time is required")
	}

	if !sig.IsEntry() {
		return nil
	}

	entry, ok := sig.EntryReference()
	if !ok {
		return errors.NewValidationError(ReasonMissingField, "entry_price_hint", nil, "entry price hint or current price is required")
	}

	type priceField struct {
		field string
		value decimal.Decimal
	}
	prices := []priceField{
		{"target_price", sig.TargetPrice},
		{"stop_price", sig.StopPrice},
		{"entry_price", entry},
	}
	for _, p := range prices {
		if p.value.IsZero() {
			return errors.NewValidationError(ReasonMissingField, p.field, p.value, "price is required")
		}
		if p.value.IsNegative() {
			return errors.NewValidationError(ReasonInvalidPrices, p.field, p.value, "price must be positive")
		}
	}
	return nil
}

func (v *Validator) checkConfidence(sig models.Signal, _ time.Time) error {
	if sig.Confidence < v.cfg.MinConfidence {
		return errors.NewValidationError(ReasonLowConfidence, "confidence", sig.Confidence,
			fmt.Sprintf("confidence %.2f below minimum %.2f", sig.Confidence, v.cfg.MinConfidence))
	}
	return nil
}

func (v *Validator) checkRiskReward(sig models.Signal, _ time.Time) error {
	if !sig.IsEntry() {
		return nil
	}
	rr, err := RiskReward(sig)
	if err != nil {
		return err
	}
	if rr.LessThan(decimal.NewFromFloat(v.cfg.MinRiskReward)) {
		return errors.NewValidationError(ReasonLowRiskReward, "risk_reward", rr.StringFixed(2),
			fmt.Sprintf("risk/reward %s below minimum %.2f", rr.StringFixed(2), v.cfg.MinRiskReward))
	}
	return nil
}

func (v *Validator) checkPriceOrdering(sig models.Signal, _ time.Time) error {
	if !sig.IsEntry() {
		return nil
	}
	entry, _ := sig.EntryReference()
	target, stop := sig.TargetPrice, sig.StopPrice

	var ok bool
	if sig.Direction == models.DirectionLong {
		ok = target.GreaterThan(entry) && entry.GreaterThan(stop)
	} else {
		ok = target.LessThan(entry) && entry.LessThan(stop)
	}
	if !ok {
		return errors.NewValidationError(ReasonPriceOrdering, "prices",
			fmt.Sprintf("target=%s entry=%s stop=%s", target, entry, stop),
			fmt.Sprintf("prices out of order for %s", sig.Direction))
	}
	return nil
}

func (v *Validator) checkDuplicate(sig models.Signal, now time.Time) error {
	if v.dedup != nil && v.dedup.Seen(sig.SourceID, now) {
		return errors.NewValidationError(ReasonDuplicateSignal, "source_id", sig.SourceID, "signal already processed")
	}
	return nil
}

func (v *Validator) checkStale(sig models.Signal, now time.Time) error {
	if !sig.ExpiresAt.IsZero() && !now.Before(sig.ExpiresAt) {
		return errors.NewValidationError(ReasonStaleSignal, "expires_at", sig.ExpiresAt, "signal has expired")
	}
	if v.cfg.MaxSignalAge > 0 && now.Sub(sig.GeneratedAt) > v.cfg.MaxSignalAge {
		return errors.NewValidationError(ReasonStaleSignal, "generated_at", sig.GeneratedAt,
			fmt.Sprintf("signal older than %s", v.cfg.MaxSignalAge))
	}
	return nil
}

// RiskReward returns |target - entry| / |entry - stop| for an entry signal.
func RiskReward(sig models.Signal) (decimal.Decimal, error) {
	entry, ok := sig.EntryReference()
	if !ok {
		return decimal.Zero, errors.NewValidationError(ReasonMissingField, "entry_price_hint", nil, "no entry reference")
	}
	risk := entry.Sub(sig.StopPrice).Abs()
	if risk.IsZero() {
		return decimal.Zero, errors.NewValidationError(ReasonInvalidPrices, "stop_price", sig.StopPrice, "entry equals stop")
	}
	return sig.TargetPrice.Sub(entry).Abs().Div(risk), nil
}
