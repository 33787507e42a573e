package agents

import (
	"context"
	"time"

	"signal-trader/internal/logging"
	"signal-trader/internal/metrics"
	"signal-trader/internal/models"
	"signal-trader/internal/store"
	"signal-trader/internal/trading"
)

// Outcome is what happened to one signal.
type Outcome string

const (
	OutcomePlaced   Outcome = "placed"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeDryRun   Outcome = "dry_run"
)

// Decision reasons produced by the orchestrator itself.
const (
	ReasonAccountUnavailable = "account_unavailable"
	ReasonDeclined           = "declined_by_operator"
)

// Decision is the result of handling one signal.
type Decision struct {
	Signal  models.Signal
	Outcome Outcome
	Reason  string
	Intent  *models.OrderIntent
	Order   *models.Order
	Err     error
}

// Options control how signals are handled.
type Options struct {
	// DryRun builds intents without submitting them.
	DryRun bool
	// Confirm, when set, is asked before each submission.
	Confirm func(models.OrderIntent) bool
}

// Summary counts the outcomes of a batch.
type Summary struct {
	Placed    int
	Rejected  int
	Failed    int
	Skipped   int
	DryRun    int
	Decisions []Decision
}

func (s *Summary) add(d Decision) {
	switch d.Outcome {
	case OutcomePlaced:
		s.Placed++
	case OutcomeRejected:
		s.Rejected++
	case OutcomeFailed:
		s.Failed++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeDryRun:
		s.DryRun++
	}
	s.Decisions = append(s.Decisions, d)
}

// HandleSignal decides on one signal and submits the resulting order.
func (o *Orchestrator) HandleSignal(ctx context.Context, sig models.Signal) Decision {
	return o.handle(ctx, sig, Options{})
}

// ProcessBatch handles signals in order. A failure on one signal does not
// stop the batch.
func (o *Orchestrator) ProcessBatch(ctx context.Context, sigs []models.Signal, opts Options) Summary {
	var summary Summary
	for _, sig := range sigs {
		if ctx.Err() != nil {
			break
		}
		summary.add(o.handle(ctx, sig, opts))
	}

	o.logger.Info().
		Int("placed", summary.Placed).
		Int("rejected", summary.Rejected).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Bool("dry_run", opts.DryRun).
		Msg("Signal batch processed")
	return summary
}

func (o *Orchestrator) handle(ctx context.Context, sig models.Signal, opts Options) Decision {
	o.decideMu.Lock()
	defer o.decideMu.Unlock()

	d := Decision{Signal: sig}
	log := logging.WithSymbol(o.logger, sig.Symbol)

	snap, err := o.accountSnapshot(ctx)
	if err != nil {
		d.Outcome, d.Reason, d.Err = OutcomeFailed, ReasonAccountUnavailable, err
		log.Error().Err(err).Str("source_id", sig.SourceID).Msg("Account snapshot unavailable")
		o.record(ctx, d)
		return d
	}

	now := o.now()
	intent, err := o.processor.Process(sig, snap, o.state.Snapshot(now))
	if err != nil {
		d.Outcome, d.Reason, d.Err = OutcomeRejected, trading.RejectionReason(err), err
		o.record(ctx, d)
		return d
	}
	d.Intent = intent

	if opts.DryRun {
		d.Outcome = OutcomeDryRun
		logging.LogSignal(log, sig, true, "dry_run")
		return d
	}
	if opts.Confirm != nil && !opts.Confirm(*intent) {
		d.Outcome, d.Reason = OutcomeSkipped, ReasonDeclined
		logging.LogSignal(log, sig, false, ReasonDeclined)
		return d
	}

	order, err := o.monitor.Submit(ctx, *intent)
	if err != nil {
		d.Outcome, d.Reason, d.Err = OutcomeFailed, "submit_error", err
		o.record(ctx, d)
		return d
	}
	d.Order = &order

	// The client order id is spent once submitted, whatever the broker said.
	o.dedup.Mark(sig.SourceID, now)

	if order.Status == models.StatusRejected {
		d.Outcome, d.Reason = OutcomeFailed, order.Reason
	} else {
		d.Outcome = OutcomePlaced
		if !intent.Closing {
			o.state.RecordEntry(now)
			o.mu.Lock()
			o.registerProtection(*intent)
			o.mu.Unlock()
			o.saveRiskState(ctx, now)
		}
	}

	o.record(ctx, d)
	return d
}

// record logs, counts and persists a decision.
func (o *Orchestrator) record(ctx context.Context, d Decision) {
	accepted := d.Outcome == OutcomePlaced
	logging.LogSignal(logging.WithSymbol(o.logger, d.Signal.Symbol), d.Signal, accepted, d.Reason)
	metrics.RecordSignal(accepted, d.Reason)

	// A replay keeps the record of the decision that spent the signal.
	if o.store == nil || d.Reason == trading.ReasonDuplicateSignal {
		return
	}
	rec := store.SignalRecord{
		SourceID:    d.Signal.SourceID,
		Symbol:      d.Signal.Symbol,
		Outcome:     string(d.Outcome),
		Reason:      d.Reason,
		ProcessedAt: o.now(),
	}
	if d.Intent != nil {
		rec.ClientOrderID = d.Intent.ClientOrderID
	}
	if err := o.store.MarkSignalProcessed(ctx, rec); err != nil {
		o.logger.Error().Err(err).Str("source_id", rec.SourceID).Msg("Failed to record signal decision")
	}
}

// exitSourceID names a protective exit so its client order id is unique per attempt.
func exitSourceID(symbol, reason string, at time.Time) string {
	return "exit:" + symbol + ":" + reason + ":" + at.UTC().Format(time.RFC3339Nano)
}
