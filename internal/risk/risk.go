// Package risk implements pre-trade vetoes and post-trade protective actions.
package risk

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"signal-trader/internal/config"
	"signal-trader/internal/errors"
	"signal-trader/internal/models"
)

// Rule names reported in vetoes.
const (
	RuleDailyLossLimit       = "daily_loss_limit"
	RuleMaxOpenPositions     = "max_open_positions"
	RuleMaxExposurePerSymbol = "max_exposure_per_symbol"
	RuleMaxTotalExposure     = "max_total_exposure"
)

// Config holds the limits enforced by the Manager. Zero disables a limit.
type Config struct {
	MaxOpenPositions     int
	MaxExposurePerSymbol decimal.Decimal
	MaxTotalExposure     decimal.Decimal
	DailyLossLimit       decimal.Decimal
	MaxLossPerPosition   decimal.Decimal
	TrailingStopPercent  decimal.Decimal
}

// NewConfig converts the risk section of the application config.
func NewConfig(rc config.RiskConfig) Config {
	return Config{
		MaxOpenPositions:     rc.MaxOpenPositions,
		MaxExposurePerSymbol: decimal.NewFromFloat(rc.MaxExposurePerSymbol),
		MaxTotalExposure:     decimal.NewFromFloat(rc.MaxTotalExposure),
		DailyLossLimit:       decimal.NewFromFloat(rc.DailyLossLimit),
		MaxLossPerPosition:   decimal.NewFromFloat(rc.MaxLossPerPosition),
		TrailingStopPercent:  decimal.NewFromFloat(rc.TrailingStopPercent),
	}
}

// Manager evaluates risk rules. It holds no state of its own: counters are
// passed in explicitly and positions come from the account snapshot.
type Manager struct {
	cfg    Config
	logger zerolog.Logger
}

// NewManager creates a new risk manager.
func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.With().Str("component", "risk").Logger(),
	}
}

// Config returns the manager's limits.
func (m *Manager) Config() Config {
	return m.cfg
}

// PreTradeCheck returns a *errors.RiskError when a new entry must not be placed.
// Closing signals are always allowed.
func (m *Manager) PreTradeCheck(sig models.Signal, snap models.AccountSnapshot, c Counters) error {
	if sig.Direction == models.DirectionClose {
		return nil
	}

	checks := []func(models.Signal, models.AccountSnapshot, Counters) error{
		m.checkDailyLoss,
		m.checkOpenPositions,
		m.checkSymbolExposure,
		m.checkTotalExposure,
	}
	for _, check := range checks {
		if err := check(sig, snap, c); err != nil {
			m.logger.Warn().
				Str("symbol", sig.Symbol).
				Str("source_id", sig.SourceID).
				Err(err).
				Msg("Pre-trade veto")
			return err
		}
	}
	return nil
}

func (m *Manager) checkDailyLoss(_ models.Signal, _ models.AccountSnapshot, c Counters) error {
	loss := c.RealizedLoss()
	if c.Halted {
		return errors.NewRiskError(RuleDailyLossLimit, loss.InexactFloat64(), m.cfg.DailyLossLimit.InexactFloat64(),
			fmt.Sprintf("new entries halted for session %s", c.SessionDate))
	}
	if m.cfg.DailyLossLimit.IsPositive() && loss.GreaterThanOrEqual(m.cfg.DailyLossLimit) {
		return errors.NewRiskError(RuleDailyLossLimit, loss.InexactFloat64(), m.cfg.DailyLossLimit.InexactFloat64(),
			"daily realized loss limit reached")
	}
	return nil
}

func (m *Manager) checkOpenPositions(sig models.Signal, snap models.AccountSnapshot, _ Counters) error {
	if m.cfg.MaxOpenPositions <= 0 {
		return nil
	}
	// Adding to an existing position does not open a new one.
	if _, ok := snap.Position(sig.Symbol); ok {
		return nil
	}
	open := snap.OpenPositionCount()
	if open >= m.cfg.MaxOpenPositions {
		return errors.NewRiskError(RuleMaxOpenPositions, float64(open), float64(m.cfg.MaxOpenPositions),
			"maximum open positions reached")
	}
	return nil
}

func (m *Manager) checkSymbolExposure(sig models.Signal, snap models.AccountSnapshot, _ Counters) error {
	if !m.cfg.MaxExposurePerSymbol.IsPositive() {
		return nil
	}
	exposure := snap.Exposure(sig.Symbol)
	if exposure.GreaterThanOrEqual(m.cfg.MaxExposurePerSymbol) {
		return errors.NewRiskError(RuleMaxExposurePerSymbol, exposure.InexactFloat64(), m.cfg.MaxExposurePerSymbol.InexactFloat64(),
			fmt.Sprintf("exposure limit reached for %s", sig.Symbol))
	}
	return nil
}

func (m *Manager) checkTotalExposure(_ models.Signal, snap models.AccountSnapshot, _ Counters) error {
	if !m.cfg.MaxTotalExposure.IsPositive() {
		return nil
	}
	exposure := snap.Exposure("")
	if exposure.GreaterThanOrEqual(m.cfg.MaxTotalExposure) {
		return errors.NewRiskError(RuleMaxTotalExposure, exposure.InexactFloat64(), m.cfg.MaxTotalExposure.InexactFloat64(),
			"aggregate exposure limit reached")
	}
	return nil
}

// ExposureHeadroom returns the notional that may still be added for symbol
// under both exposure limits. ok is false when neither limit is set.
func (m *Manager) ExposureHeadroom(symbol string, snap models.AccountSnapshot) (headroom decimal.Decimal, ok bool) {
	if m.cfg.MaxExposurePerSymbol.IsPositive() {
		headroom = decimal.Max(decimal.Zero, m.cfg.MaxExposurePerSymbol.Sub(snap.Exposure(symbol)))
		ok = true
	}
	if m.cfg.MaxTotalExposure.IsPositive() {
		total := decimal.Max(decimal.Zero, m.cfg.MaxTotalExposure.Sub(snap.Exposure("")))
		if !ok || total.LessThan(headroom) {
			headroom = total
		}
		ok = true
	}
	return headroom, ok
}
