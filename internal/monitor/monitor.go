// Package monitor tracks submitted orders through their lifecycle and
// reconciles them against the broker.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signal-trader/internal/broker"
	"signal-trader/internal/config"
	"signal-trader/internal/errors"
	"signal-trader/internal/logging"
	"signal-trader/internal/metrics"
	"signal-trader/internal/models"
	"signal-trader/pkg/utils"
)

// ErrOrderTerminal is returned when cancelling an order that already finished.
var ErrOrderTerminal = errors.New("order is in a terminal state")

// EventSink receives lifecycle events. Delivery is at-least-once, so
// consumers must be idempotent on LifecycleEvent.Key.
type EventSink interface {
	Publish(ctx context.Context, ev models.LifecycleEvent) error
}

// OrderStore persists tracked orders.
type OrderStore interface {
	SaveOrder(ctx context.Context, o models.Order) error
	LoadOpenOrders(ctx context.Context) ([]models.Order, error)
	ArchiveOrder(ctx context.Context, clientOrderID string, at time.Time) error
}

// Config holds monitor settings.
type Config struct {
	Interval    time.Duration
	CallTimeout time.Duration
	Retention   time.Duration
	Workers     int
	Retry       utils.RetryConfig
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:    60 * time.Second,
		CallTimeout: 5 * time.Second,
		Retention:   24 * time.Hour,
		Workers:     8,
		Retry:       utils.DefaultRetryConfig(),
	}
}

// NewConfig builds a monitor configuration from the monitor config section.
func NewConfig(c config.MonitorConfig) Config {
	cfg := DefaultConfig()
	if c.Interval > 0 {
		cfg.Interval = c.Interval
	}
	if c.CallTimeout > 0 {
		cfg.CallTimeout = c.CallTimeout
	}
	if c.Retention > 0 {
		cfg.Retention = c.Retention
	}
	if c.Workers > 0 {
		cfg.Workers = c.Workers
	}
	if c.RetryMaxAttempts > 0 {
		cfg.Retry.MaxAttempts = c.RetryMaxAttempts
	}
	if c.RetryBackoffBase > 0 {
		cfg.Retry.InitialDelay = c.RetryBackoffBase
	}
	if c.RetryMaxBackoff > 0 {
		cfg.Retry.MaxDelay = c.RetryMaxBackoff
	}
	return cfg
}

// Monitor owns the order registry. Every state change goes through
// Reconcile or the monitor's own submit and cancel paths, and each change is
// persisted and published as a LifecycleEvent.
type Monitor struct {
	cfg      Config
	gateway  broker.Gateway
	store    OrderStore
	sink     EventSink
	registry *registry
	logger   zerolog.Logger

	outboxMu sync.Mutex
	outbox   []models.LifecycleEvent
	flushMu  sync.Mutex

	now func() time.Time
}

// NewMonitor creates a monitor. store and sink may be nil.
func NewMonitor(cfg Config, gateway broker.Gateway, store OrderStore, sink EventSink, logger zerolog.Logger) *Monitor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	return &Monitor{
		cfg:      cfg,
		gateway:  gateway,
		store:    store,
		sink:     sink,
		registry: newRegistry(),
		logger:   logging.WithComponent(logger, "monitor"),
		now:      time.Now,
	}
}

// SetSink replaces the event sink. It must be called before the monitor is used.
func (m *Monitor) SetSink(sink EventSink) {
	m.sink = sink
}

// Submit tracks intent and sends it to the broker. A client order id that is
// already tracked returns the existing order without contacting the broker.
// The returned order is never left in PENDING_SUBMIT.
func (m *Monitor) Submit(ctx context.Context, intent models.OrderIntent) (models.Order, error) {
	now := m.now()
	o := models.Order{
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          intent.Type,
		Quantity:      intent.Quantity,
		Status:        models.StatusPendingSubmit,
		SubmittedAt:   now,
		LastCheckedAt: now,
		ExpiresAt:     intent.ExpiresAt,
		LinkedSignal:  intent.SourceID,
		Intent:        intent,
	}

	e, created := m.registry.add(o)
	if !created {
		existing := e.snapshot()
		m.logger.Debug().Str("order_id", intent.ClientOrderID).Str("status", string(existing.Status)).Msg("Duplicate submit ignored")
		return existing, nil
	}

	m.persist(ctx, o)
	result := m.submitLocked(ctx, e)
	e.mu.Unlock()

	m.flush(ctx)
	return result, nil
}

type submitOutcome struct {
	ref     broker.OrderRef
	snap    *models.OrderStatusSnapshot
	unknown bool
}

func (m *Monitor) submitLocked(ctx context.Context, e *entry) models.Order {
	intent := e.order.Intent
	log := logging.WithOrderID(m.logger, intent.ClientOrderID)

	retry := m.cfg.Retry
	retry.Retryable = errors.IsTransient
	retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("Submit failed, retrying")
	}

	res, err := utils.RetryWithResult(ctx, retry, func(attempt int) (submitOutcome, error) {
		e.order.SubmitAttempts = attempt

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		ref, err := m.gateway.SubmitOrder(callCtx, intent)
		cancel()
		if err == nil {
			return submitOutcome{ref: ref}, nil
		}
		recordBrokerError("submit", err)
		if !errors.IsTimeout(err) {
			return submitOutcome{}, err
		}

		// The broker may or may not have the order.
		snap, lookupErr := m.query(ctx, broker.OrderRef{ClientOrderID: intent.ClientOrderID})
		switch {
		case lookupErr == nil:
			return submitOutcome{snap: &snap}, nil
		case errors.Is(lookupErr, errors.ErrOrderNotFound):
			return submitOutcome{}, err
		default:
			log.Warn().Err(lookupErr).Msg("Lookup after submit timeout failed")
			return submitOutcome{unknown: true}, nil
		}
	})

	now := m.now()
	next := e.order
	next.LastCheckedAt = now

	switch {
	case err == nil && res.unknown:
		next.Status = models.StatusUnknownPending
		next.PendingAction = models.PendingSubmit
		next.Reason = ReasonSubmitTimeout
	case err == nil && res.snap != nil:
		reconciled, _, cerr := Reconcile(next, *res.snap, now)
		if cerr != nil {
			log.Warn().Err(cerr).Msg("Lookup after submit timeout conflicts with order")
			next.Status = models.StatusUnknownPending
			next.PendingAction = models.PendingSubmit
			next.Reason = ReasonSubmitTimeout
			break
		}
		next = reconciled
	case err == nil:
		next.BrokerOrderID = res.ref.BrokerOrderID
		next.Status = models.StatusSubmitted
	case ctx.Err() != nil:
		next.Status = models.StatusUnknownPending
		next.PendingAction = models.PendingSubmit
		next.Reason = ReasonSubmitTimeout
	case errors.IsTransient(err):
		log.Error().Err(err).Int("attempts", next.SubmitAttempts).Msg("Submit attempts exhausted")
		next.Status = models.StatusRejected
		next.Reason = ReasonSubmissionFailed
	default:
		next.Status = models.StatusRejected
		next.Reason = brokerReason(err)
	}
	if next.Status.IsTerminal() && next.TerminalAt.IsZero() {
		next.TerminalAt = now
	}

	if next.Status != models.StatusRejected && next.Status != models.StatusUnknownPending {
		metrics.RecordSubmit(next.Symbol, string(next.Side))
	}
	m.commit(ctx, e, next)
	return next
}

// Cancel requests cancellation of a tracked order.
func (m *Monitor) Cancel(ctx context.Context, clientOrderID, reason string) (models.Order, error) {
	e := m.registry.get(clientOrderID)
	if e == nil {
		return models.Order{}, errors.Wrapf(errors.ErrOrderNotFound, "order %s", clientOrderID)
	}
	if reason == "" {
		reason = ReasonCancelledByOperator
	}

	e.mu.Lock()
	o, err := m.cancelLocked(ctx, e, reason)
	e.mu.Unlock()

	m.flush(ctx)
	return o, err
}

// cancelLocked asks the broker to cancel. An accepted request only marks
// the order; it stays open, and keeps collecting fills, until the broker
// reports it closed. A timeout leaves the order UNKNOWN_PENDING(cancel).
// An order whose cancel was already accepted is returned as is.
func (m *Monitor) cancelLocked(ctx context.Context, e *entry, reason string) (models.Order, error) {
	if e.order.Status.IsTerminal() {
		return e.order, ErrOrderTerminal
	}
	if e.order.PendingAction == models.PendingCancelAccepted {
		return e.order, nil
	}

	ref := broker.OrderRef{BrokerOrderID: e.order.BrokerOrderID, ClientOrderID: e.order.ClientOrderID}
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	err := m.gateway.CancelOrder(callCtx, ref)
	cancel()

	next := e.order
	next.LastCheckedAt = m.now()
	next.Reason = reason

	switch {
	case err == nil:
		next.PendingAction = models.PendingCancelAccepted
		m.commit(ctx, e, next)
		// The broker may have closed it already.
		if snap, qerr := m.query(ctx, ref); qerr == nil {
			_ = m.applyLocked(ctx, e, snap)
		}
		return e.order, nil
	case errors.IsTimeout(err):
		recordBrokerError("cancel", err)
		next.Status = models.StatusUnknownPending
		next.PendingAction = models.PendingCancel
		m.commit(ctx, e, next)
		return next, nil
	default:
		recordBrokerError("cancel", err)
		m.logger.Warn().Err(err).Str("order_id", next.ClientOrderID).Msg("Cancel failed")
		// The order may have filled or closed at the broker in the meantime.
		if snap, qerr := m.query(ctx, ref); qerr == nil {
			_ = m.applyLocked(ctx, e, snap)
		}
		return e.order, err
	}
}

// Apply feeds a pushed broker snapshot through Reconcile.
func (m *Monitor) Apply(ctx context.Context, snap models.OrderStatusSnapshot) error {
	e := m.registry.get(snap.ClientOrderID)
	if e == nil && snap.BrokerOrderID != "" {
		e = m.registry.getByBroker(snap.BrokerOrderID)
	}
	if e == nil {
		return errors.Wrapf(errors.ErrOrderNotFound, "untracked order %s", snap.ClientOrderID)
	}

	e.mu.Lock()
	err := m.applyLocked(ctx, e, snap)
	e.mu.Unlock()

	m.flush(ctx)
	return err
}

// StreamHandler adapts Apply to broker.OrderStream.
func (m *Monitor) StreamHandler(ctx context.Context) func(models.OrderStatusSnapshot) {
	return func(snap models.OrderStatusSnapshot) {
		if err := m.Apply(ctx, snap); err != nil && !errors.Is(err, errors.ErrOrderNotFound) {
			m.logger.Warn().Err(err).Str("order_id", snap.ClientOrderID).Msg("Stream update dropped")
		}
	}
}

func (m *Monitor) applyLocked(ctx context.Context, e *entry, snap models.OrderStatusSnapshot) error {
	next, _, err := Reconcile(e.order, snap, m.now())
	if err != nil {
		metrics.RecordConflict()
		m.logger.Warn().Err(err).Str("order_id", e.order.ClientOrderID).Msg("Reconciliation conflict dropped")
		return err
	}
	m.commit(ctx, e, next)
	return nil
}

// ReconcileOnce queries every non-terminal order once with bounded
// concurrency. Failures and panics affect only the order they occur on.
func (m *Monitor) ReconcileOnce(ctx context.Context) error {
	start := time.Now()
	m.flush(ctx)

	sem := make(chan struct{}, m.cfg.Workers)
	var wg sync.WaitGroup

loop:
	for _, e := range m.registry.entries() {
		select {
		case <-ctx.Done():
			break loop
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			defer func() { <-sem }()
			m.reconcileEntry(ctx, e)
		}(e)
	}
	wg.Wait()

	m.flush(ctx)
	metrics.SetOpenOrders(m.OpenCount())
	metrics.ObserveReconcile(time.Since(start))
	return ctx.Err()
}

func (m *Monitor) reconcileEntry(ctx context.Context, e *entry) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("Order reconciliation panicked")
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	o := e.order
	if o.Status.IsTerminal() || o.Status == models.StatusPendingSubmit {
		return
	}
	log := logging.WithOrderID(m.logger, o.ClientOrderID)

	ref := broker.OrderRef{BrokerOrderID: o.BrokerOrderID, ClientOrderID: o.ClientOrderID}
	snap, err := m.query(ctx, ref)
	if err != nil {
		recordBrokerError("query", err)
		if o.Status == models.StatusUnknownPending && o.PendingAction == models.PendingSubmit &&
			errors.Is(err, errors.ErrOrderNotFound) {
			// The submit never reached the broker.
			next := o
			next.Status = models.StatusRejected
			next.Reason = ReasonSubmissionFailed
			next.PendingAction = models.PendingNone
			next.TerminalAt = m.now()
			m.commit(ctx, e, next)
			return
		}
		log.Warn().Err(err).Msg("Order status query failed")
		return
	}

	if err := m.applyLocked(ctx, e, snap); err != nil {
		return
	}

	o = e.order
	if o.Status.IsTerminal() {
		return
	}
	switch o.PendingAction {
	case models.PendingCancelAccepted:
		// Waiting for the broker to close it.
		return
	case models.PendingCancel:
		if _, err := m.cancelLocked(ctx, e, o.Reason); err != nil {
			log.Warn().Err(err).Msg("Cancel retry failed")
		}
		return
	}
	if !o.ExpiresAt.IsZero() && !m.now().Before(o.ExpiresAt) {
		log.Info().Time("expires_at", o.ExpiresAt).Msg("Order time in force elapsed")
		if _, err := m.cancelLocked(ctx, e, ReasonTimeInForceElapsed); err != nil {
			log.Warn().Err(err).Msg("Expiry cancel failed")
		}
	}
}

// Run reconciles on every tick until ctx is done, archiving terminal orders
// past the retention window after each pass.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.cfg.Interval).Int("workers", m.cfg.Workers).Msg("Order monitor started")
	for {
		if err := m.ReconcileOnce(ctx); err != nil {
			return err
		}
		m.Archive(ctx)

		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Order monitor stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Archive moves terminal orders older than the retention window out of the
// registry. Orders stay in the registry when the store cannot archive them.
func (m *Monitor) Archive(ctx context.Context) int {
	cutoff := m.now().Add(-m.cfg.Retention)
	archived := 0
	for _, e := range m.registry.entries() {
		o := e.snapshot()
		if !o.Status.IsTerminal() || o.TerminalAt.After(cutoff) {
			continue
		}
		if m.store != nil {
			if err := m.store.ArchiveOrder(ctx, o.ClientOrderID, m.now()); err != nil {
				m.logger.Warn().Err(err).Str("order_id", o.ClientOrderID).Msg("Archive failed")
				continue
			}
		}
		m.registry.remove(o)
		archived++
	}
	if archived > 0 {
		m.logger.Debug().Int("count", archived).Msg("Archived terminal orders")
	}
	return archived
}

// Restore reloads non-terminal orders from the store. Orders caught in
// PENDING_SUBMIT by a restart are marked UNKNOWN_PENDING(submit) so the next
// pass looks them up first.
func (m *Monitor) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	orders, err := m.store.LoadOpenOrders(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "loading open orders")
	}

	restored := 0
	for _, o := range orders {
		if o.Status == models.StatusPendingSubmit {
			o.Status = models.StatusUnknownPending
			o.PendingAction = models.PendingSubmit
			o.Reason = ReasonSubmitTimeout
		}
		e, created := m.registry.add(o)
		if !created {
			continue
		}
		e.mu.Unlock()
		restored++
	}
	m.logger.Info().Int("count", restored).Msg("Restored open orders")
	metrics.SetOpenOrders(m.OpenCount())
	return restored, nil
}

// Get returns a tracked order.
func (m *Monitor) Get(clientOrderID string) (models.Order, bool) {
	e := m.registry.get(clientOrderID)
	if e == nil {
		return models.Order{}, false
	}
	return e.snapshot(), true
}

// Orders returns all tracked orders ordered by submission time.
func (m *Monitor) Orders() []models.Order {
	return m.registry.list()
}

// OpenOrders returns tracked orders that may still trade.
func (m *Monitor) OpenOrders() []models.Order {
	var open []models.Order
	for _, o := range m.registry.list() {
		if o.Status.IsOpen() {
			open = append(open, o)
		}
	}
	return open
}

// OpenCount returns the number of non-terminal orders.
func (m *Monitor) OpenCount() int {
	return len(m.OpenOrders())
}

// commit stores next as the order's state. The caller holds e.mu. A change of
// status or fill is logged and queued for publication.
func (m *Monitor) commit(ctx context.Context, e *entry, next models.Order) {
	prev := e.order
	e.order = next
	m.registry.setBroker(next.BrokerOrderID, next.ClientOrderID)
	m.persist(ctx, next)

	if next.Status == prev.Status && next.FilledQuantity.Equal(prev.FilledQuantity) {
		return
	}

	ev := models.NewLifecycleEvent(next, prev.Status, m.now())
	logging.LogTransition(m.logger, ev)
	metrics.RecordTransition(string(prev.Status), string(next.Status))

	m.outboxMu.Lock()
	m.outbox = append(m.outbox, ev)
	m.outboxMu.Unlock()
}

// flush publishes queued events in order. An event a sink rejects
// permanently is dropped; any other failure leaves that event and everything
// after it queued for the next flush. Only one flush runs at a time. A call
// that finds another running returns at once, and the running one checks the
// outbox again after letting go so nothing queued in between is stranded.
func (m *Monitor) flush(ctx context.Context) {
	if m.sink == nil {
		m.outboxMu.Lock()
		m.outbox = nil
		m.outboxMu.Unlock()
		return
	}
	for m.Pending() > 0 {
		if !m.flushMu.TryLock() {
			return
		}
		delivered := m.drain(ctx)
		m.flushMu.Unlock()
		if !delivered {
			return
		}
	}
}

// drain publishes until the outbox is empty. It reports false when an event
// was put back for retry. The caller holds flushMu.
func (m *Monitor) drain(ctx context.Context) bool {
	for {
		m.outboxMu.Lock()
		batch := m.outbox
		m.outbox = nil
		m.outboxMu.Unlock()

		if len(batch) == 0 {
			return true
		}
		for i, ev := range batch {
			err := m.sink.Publish(ctx, ev)
			switch {
			case err == nil:
			case errors.IsPermanent(err):
				metrics.RecordDroppedEvent()
				m.logger.Error().Err(err).Str("event_key", ev.Key()).Msg("Event rejected, dropped")
			default:
				m.logger.Warn().Err(err).Str("event_key", ev.Key()).Msg("Event publish failed, will retry")
				m.requeue(batch[i:])
				return false
			}
		}
	}
}

// Flush delivers whatever is still queued.
func (m *Monitor) Flush(ctx context.Context) {
	m.flush(ctx)
}

func (m *Monitor) requeue(events []models.LifecycleEvent) {
	m.outboxMu.Lock()
	defer m.outboxMu.Unlock()
	pending := make([]models.LifecycleEvent, 0, len(events)+len(m.outbox))
	pending = append(pending, events...)
	m.outbox = append(pending, m.outbox...)
}

// Pending returns the number of events waiting for publication.
func (m *Monitor) Pending() int {
	m.outboxMu.Lock()
	defer m.outboxMu.Unlock()
	return len(m.outbox)
}

func (m *Monitor) query(ctx context.Context, ref broker.OrderRef) (models.OrderStatusSnapshot, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	return m.gateway.GetOrderStatus(callCtx, ref)
}

func (m *Monitor) persist(ctx context.Context, o models.Order) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveOrder(ctx, o); err != nil {
		m.logger.Error().Err(err).Str("order_id", o.ClientOrderID).Msg("Failed to persist order")
	}
}

func brokerReason(err error) string {
	var be *errors.BrokerError
	if errors.As(err, &be) {
		if be.Message != "" {
			return be.Message
		}
		return be.Code
	}
	return err.Error()
}

func recordBrokerError(op string, err error) {
	kind := string(errors.Permanent)
	if errors.IsTransient(err) {
		kind = string(errors.Transient)
	}
	metrics.RecordBrokerError(op, kind)
}
