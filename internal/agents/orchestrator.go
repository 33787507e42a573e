// Package agents runs the trading agent: it turns signals into tracked orders
// and keeps the risk state current from order lifecycle events.
package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"signal-trader/internal/broker"
	"signal-trader/internal/logging"
	"signal-trader/internal/metrics"
	"signal-trader/internal/models"
	"signal-trader/internal/monitor"
	"signal-trader/internal/risk"
	"signal-trader/internal/store"
	"signal-trader/internal/trading"
	"signal-trader/pkg/utils"
)

// ReasonOperatorHalt is the halt reason set by Halt.
const ReasonOperatorHalt = "operator_halt"

// Store is the persistence the orchestrator needs. It may be nil.
type Store interface {
	ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error)
	MarkSignalProcessed(ctx context.Context, rec store.SignalRecord) error
	RecentSignals(ctx context.Context, since time.Time) ([]store.SignalRecord, error)
	SaveRiskState(ctx context.Context, c risk.Counters) error
	LoadRiskState(ctx context.Context, sessionDate string) (risk.Counters, bool, error)
}

// Config holds orchestrator settings.
type Config struct {
	// Interval between protective evaluations in Run.
	Interval    time.Duration
	CallTimeout time.Duration
	Session     utils.Session
}

// protection holds the exit levels of an open position.
type protection struct {
	stopLoss   decimal.Decimal
	takeProfit decimal.Decimal
	best       decimal.Decimal
}

type fillMark struct {
	qty decimal.Decimal
	avg decimal.Decimal
}

// Orchestrator coordinates the processor, the order monitor and the risk
// manager.
type Orchestrator struct {
	cfg       Config
	gateway   broker.Gateway
	monitor   *monitor.Monitor
	processor *trading.Processor
	dedup     *trading.MemoryDedup
	risk      *risk.Manager
	state     *risk.State
	store     Store
	logger    zerolog.Logger
	now       func() time.Time

	// decideMu serializes decisions so each one sees a single account snapshot.
	decideMu sync.Mutex

	mu         sync.Mutex
	book       *monitor.Book
	lastFilled map[string]fillMark
	protect    map[string]*protection
	exits      map[string]string // symbol -> client id of the working exit order

	// filled wakes Run when a fill changed a position.
	filled chan struct{}
}

// NewOrchestrator creates a new orchestrator.
func NewOrchestrator(
	cfg Config,
	gateway broker.Gateway,
	mon *monitor.Monitor,
	processor *trading.Processor,
	dedup *trading.MemoryDedup,
	riskManager *risk.Manager,
	state *risk.State,
	dataStore Store,
	logger zerolog.Logger,
) *Orchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	return &Orchestrator{
		cfg:        cfg,
		gateway:    gateway,
		monitor:    mon,
		processor:  processor,
		dedup:      dedup,
		risk:       riskManager,
		state:      state,
		store:      dataStore,
		logger:     logging.WithComponent(logger, "orchestrator"),
		now:        time.Now,
		book:       monitor.NewBook(),
		lastFilled: make(map[string]fillMark),
		protect:    make(map[string]*protection),
		exits:      make(map[string]string),
		filled:     make(chan struct{}, 1),
	}
}

// Restore loads the session's risk counters, the recently accepted signals
// and the fills of stored orders.
func (o *Orchestrator) Restore(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	now := o.now()

	c, ok, err := o.store.LoadRiskState(ctx, o.cfg.Session.Date(now))
	if err != nil {
		return fmt.Errorf("loading risk state: %w", err)
	}
	if ok {
		o.state.Restore(c, now)
	}

	recs, err := o.store.RecentSignals(ctx, now.Add(-o.dedup.Window()))
	if err != nil {
		return fmt.Errorf("loading processed signals: %w", err)
	}
	seeded := 0
	for _, rec := range recs {
		// Only signals that reached the broker have spent their client order id.
		if rec.Outcome == string(OutcomePlaced) || rec.Outcome == string(OutcomeFailed) && rec.ClientOrderID != "" {
			o.dedup.Mark(rec.SourceID, rec.ProcessedAt)
			seeded++
		}
	}

	orders, err := o.store.ListOrders(ctx, store.OrderFilter{IncludeArchived: true})
	if err != nil {
		return fmt.Errorf("loading orders: %w", err)
	}
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].SubmittedAt.Before(orders[j].SubmittedAt) })

	o.mu.Lock()
	for _, ord := range orders {
		if !ord.FilledQuantity.IsPositive() {
			continue
		}
		o.book.Fill(ord.Symbol, ord.Side, ord.FilledQuantity, ord.AverageFillPrice)
		o.lastFilled[ord.ClientOrderID] = fillMark{qty: ord.FilledQuantity, avg: ord.AverageFillPrice}
		o.registerProtection(ord.Intent)
	}
	for symbol := range o.protect {
		if pos, ok := o.book.Position(symbol); !ok || pos.IsFlat() {
			delete(o.protect, symbol)
		}
	}
	o.mu.Unlock()

	counters := o.state.Snapshot(now)
	metrics.SetRiskState(counters.RealizedPnL.InexactFloat64(), counters.Halted)

	o.logger.Info().
		Int("signals", seeded).
		Int("orders", len(orders)).
		Str("realized_pnl", counters.RealizedPnL.String()).
		Bool("halted", counters.Halted).
		Msg("Agent state restored")
	return nil
}

// registerProtection records the exit levels of an entry intent. Caller holds mu.
func (o *Orchestrator) registerProtection(intent models.OrderIntent) {
	if intent.Closing || (!intent.StopLoss.IsPositive() && !intent.TakeProfit.IsPositive()) {
		return
	}
	o.protect[intent.Symbol] = &protection{
		stopLoss:   intent.StopLoss,
		takeProfit: intent.TakeProfit,
	}
}

// Halt stops new entries for the rest of the session.
func (o *Orchestrator) Halt(ctx context.Context, reason string) {
	if reason == "" {
		reason = ReasonOperatorHalt
	}
	now := o.now()
	o.state.Halt(reason, now)
	o.saveRiskState(ctx, now)
	o.logger.Warn().Str("reason", reason).Msg("Trading halted")
}

// Status is a summary of the agent's state.
type Status struct {
	Counters   risk.Counters
	OpenOrders int
	Pending    int
	Exits      map[string]string
}

// Status returns the current state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	exits := make(map[string]string, len(o.exits))
	for k, v := range o.exits {
		exits[k] = v
	}
	o.mu.Unlock()

	return Status{
		Counters:   o.state.Snapshot(o.now()),
		OpenOrders: o.monitor.OpenCount(),
		Pending:    o.monitor.Pending(),
		Exits:      exits,
	}
}

// Run evaluates open positions against their protective levels every
// interval and after each booked fill until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	o.logger.Info().Dur("interval", o.cfg.Interval).Msg("Protective checks started")

	for {
		select {
		case <-ctx.Done():
			o.logger.Info().Msg("Protective checks stopped")
			return ctx.Err()
		case <-ticker.C:
			now := o.now()
			o.state.Roll(now)
			if n := o.dedup.Prune(now); n > 0 {
				o.logger.Debug().Int("count", n).Msg("Pruned processed signals")
			}
		case <-o.filled:
		}
		if err := o.EvaluatePositions(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("Protective check failed")
		}
	}
}

func (o *Orchestrator) saveRiskState(ctx context.Context, now time.Time) {
	counters := o.state.Snapshot(now)
	metrics.SetRiskState(counters.RealizedPnL.InexactFloat64(), counters.Halted)
	if o.store == nil {
		return
	}
	if err := o.store.SaveRiskState(ctx, counters); err != nil {
		o.logger.Error().Err(err).Msg("Failed to persist risk state")
	}
}

func (o *Orchestrator) accountSnapshot(ctx context.Context) (models.AccountSnapshot, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	snap, err := o.gateway.GetAccountSnapshot(callCtx)
	if err != nil {
		return snap, err
	}

	// Orders the monitor tracks but the broker does not list yet still count
	// against exposure.
	listed := make(map[string]bool, len(snap.PendingOrders))
	for _, p := range snap.PendingOrders {
		listed[p.ClientOrderID] = true
	}
	for _, ord := range o.monitor.OpenOrders() {
		if listed[ord.ClientOrderID] {
			continue
		}
		pending := ord.Intent
		pending.Quantity = ord.RemainingQuantity()
		snap.PendingOrders = append(snap.PendingOrders, pending)
	}
	return snap, nil
}
