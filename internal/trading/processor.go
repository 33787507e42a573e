// Package trading turns validated signals into order intents.
package trading

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"signal-trader/internal/errors"
	"signal-trader/internal/models"
	"signal-trader/internal/risk"
	"signal-trader/pkg/utils"
)

// Rejection stages.
const (
	StageValidation = "validation"
	StageRisk       = "risk"
	StageSizing     = "sizing"
)

// clientOrderNamespace scopes client order ids derived from source ids.
var clientOrderNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("signal-trader/client-order-id"))

// ClientOrderID derives the idempotency key for a signal's order.
func ClientOrderID(sourceID string) string {
	return uuid.NewSHA1(clientOrderNamespace, []byte(sourceID)).String()
}

// Rejection explains why a signal produced no order.
type Rejection struct {
	Stage  string
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("signal rejected at %s [%s]: %v", r.Stage, r.Reason, r.Err)
	}
	return fmt.Sprintf("signal rejected at %s [%s]", r.Stage, r.Reason)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// RejectionReason returns the reason code of a *Rejection, or "" for other errors.
func RejectionReason(err error) string {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason
	}
	return ""
}

// RiskChecker is the part of the risk manager the processor consults.
type RiskChecker interface {
	PreTradeCheck(sig models.Signal, snap models.AccountSnapshot, c risk.Counters) error
	ExposureHeadroom(symbol string, snap models.AccountSnapshot) (decimal.Decimal, bool)
}

// ProcessorConfig holds order construction settings.
type ProcessorConfig struct {
	QuantityIncrement decimal.Decimal
	TimeInForce       models.TimeInForce
	UseStopLimitEntry bool
	Session           utils.Session
}

// Processor converts a signal and an account snapshot into an OrderIntent.
// It has no side effects: submission belongs to the caller.
type Processor struct {
	cfg       ProcessorConfig
	validator *Validator
	sizer     SizingPolicy
	risk      RiskChecker
	logger    zerolog.Logger
	now       func() time.Time
}

// NewProcessor creates a new signal processor.
func NewProcessor(cfg ProcessorConfig, validator *Validator, sizer SizingPolicy, rc RiskChecker, logger zerolog.Logger) *Processor {
	if cfg.TimeInForce == "" {
		cfg.TimeInForce = models.TimeInForceDay
	}
	return &Processor{
		cfg:       cfg,
		validator: validator,
		sizer:     sizer,
		risk:      rc,
		logger:    logger.With().Str("component", "processor").Logger(),
		now:       time.Now,
	}
}

// Process returns an intent for sig, or a *Rejection.
func (p *Processor) Process(sig models.Signal, snap models.AccountSnapshot, counters risk.Counters) (*models.OrderIntent, error) {
	now := p.now()

	if err := p.validator.Validate(sig, now); err != nil {
		var ve *errors.ValidationError
		reason := ReasonMissingField
		if errors.As(err, &ve) {
			reason = ve.Reason
		}
		return nil, &Rejection{Stage: StageValidation, Reason: reason, Err: err}
	}

	if err := p.risk.PreTradeCheck(sig, snap, counters); err != nil {
		var re *errors.RiskError
		reason := "risk_veto"
		if errors.As(err, &re) {
			reason = re.Rule
		}
		return nil, &Rejection{Stage: StageRisk, Reason: reason, Err: err}
	}

	if sig.Direction == models.DirectionClose {
		return p.closeIntent(sig, snap, now)
	}
	return p.entryIntent(sig, snap, now)
}

func (p *Processor) entryIntent(sig models.Signal, snap models.AccountSnapshot, now time.Time) (*models.OrderIntent, error) {
	entry, _ := sig.EntryReference()

	intent := &models.OrderIntent{
		ClientOrderID: ClientOrderID(sig.SourceID),
		SourceID:      sig.SourceID,
		Symbol:        sig.Symbol,
		Side:          sig.EntrySide(),
		Type:          models.OrderTypeMarket,
		TimeInForce:   p.cfg.TimeInForce,
		StopLoss:      models.RoundPrice(sig.StopPrice),
		TakeProfit:    models.RoundPrice(sig.TargetPrice),
		CreatedAt:     now,
	}

	switch {
	case p.cfg.UseStopLimitEntry && sig.EntryLimitPrice.Valid && sig.EntryPriceHint.Valid:
		intent.Type = models.OrderTypeStopLimit
		intent.StopPrice = decimal.NewNullDecimal(models.RoundPrice(sig.EntryPriceHint.Decimal))
		intent.LimitPrice = decimal.NewNullDecimal(models.RoundPrice(sig.EntryLimitPrice.Decimal))
		intent.EstimatedPrice = intent.LimitPrice.Decimal
	case sig.EntryPriceHint.Valid:
		intent.Type = models.OrderTypeLimit
		intent.LimitPrice = decimal.NewNullDecimal(models.RoundPrice(sig.EntryPriceHint.Decimal))
		intent.EstimatedPrice = intent.LimitPrice.Decimal
	default:
		intent.EstimatedPrice = models.RoundPrice(entry)
	}

	if !snap.BuyingPower.IsPositive() {
		return nil, &Rejection{Stage: StageSizing, Reason: ReasonInsufficientBuyingPower,
			Err: errors.Wrapf(errors.ErrInsufficientFunds, "buying power %s", snap.BuyingPower)}
	}

	qty := p.sizer.Size(sig, entry, snap)

	// Keep the notional within buying power and the exposure limits.
	maxNotional := snap.BuyingPower
	if headroom, ok := p.risk.ExposureHeadroom(sig.Symbol, snap); ok && headroom.LessThan(maxNotional) {
		maxNotional = headroom
	}
	if intent.EstimatedPrice.IsPositive() {
		qty = decimal.Min(qty, maxNotional.Div(intent.EstimatedPrice))
	}

	qty = RoundDown(qty, p.cfg.QuantityIncrement)
	if !qty.IsPositive() {
		return nil, &Rejection{Stage: StageSizing, Reason: ReasonSizeTooSmall,
			Err: fmt.Errorf("%s sizing produced no tradable quantity for %s", p.sizer.Name(), sig.Symbol)}
	}
	intent.Quantity = qty

	// Division rounding must not push the order over buying power.
	for intent.Notional().GreaterThan(snap.BuyingPower) && intent.Quantity.IsPositive() {
		intent.Quantity = RoundDown(intent.Quantity.Sub(p.increment()), p.cfg.QuantityIncrement)
	}
	if !intent.Quantity.IsPositive() {
		return nil, &Rejection{Stage: StageSizing, Reason: ReasonSizeTooSmall,
			Err: fmt.Errorf("no quantity fits buying power %s", snap.BuyingPower)}
	}

	intent.ExpiresAt = p.expiry(sig, now)

	p.logger.Debug().
		Str("source_id", sig.SourceID).
		Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Str("qty", intent.Quantity.String()).
		Str("type", string(intent.Type)).
		Str("policy", p.sizer.Name()).
		Msg("Order intent built")

	return intent, nil
}

func (p *Processor) closeIntent(sig models.Signal, snap models.AccountSnapshot, now time.Time) (*models.OrderIntent, error) {
	pos, ok := snap.Position(sig.Symbol)
	if !ok {
		return nil, &Rejection{Stage: StageSizing, Reason: ReasonNoPosition,
			Err: fmt.Errorf("no open position in %s", sig.Symbol)}
	}

	side := models.OrderSideSell
	if pos.NetQuantity.IsNegative() {
		side = models.OrderSideBuy
	}
	price := pos.MarketPrice
	if ref, ok := sig.EntryReference(); ok {
		price = ref
	}

	return &models.OrderIntent{
		ClientOrderID:  ClientOrderID(sig.SourceID),
		SourceID:       sig.SourceID,
		Symbol:         sig.Symbol,
		Side:           side,
		Quantity:       pos.NetQuantity.Abs(),
		Type:           models.OrderTypeMarket,
		TimeInForce:    models.TimeInForceDay,
		EstimatedPrice: models.RoundPrice(price),
		Closing:        true,
		ExpiresAt:      p.cfg.Session.NextClose(now),
		CreatedAt:      now,
	}, nil
}

func (p *Processor) increment() decimal.Decimal {
	if p.cfg.QuantityIncrement.IsPositive() {
		return p.cfg.QuantityIncrement
	}
	return decimal.NewFromInt(1)
}

// expiry is session close for DAY orders and the signal's expiry for GTC.
func (p *Processor) expiry(sig models.Signal, now time.Time) time.Time {
	if p.cfg.TimeInForce == models.TimeInForceDay {
		return p.cfg.Session.NextClose(now)
	}
	return sig.ExpiresAt
}
