// Package notify delivers order lifecycle events to notification channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signal-trader/internal/config"
	"signal-trader/internal/errors"
	"signal-trader/internal/logging"
	"signal-trader/internal/models"
	"signal-trader/pkg/utils"
)

// Sink consumes lifecycle events. Delivery is at-least-once, so a sink may
// see the same event key more than once.
type Sink interface {
	Publish(ctx context.Context, ev models.LifecycleEvent) error
}

// Channel is a named notification destination.
type Channel interface {
	Sink
	Name() string
}

// Level filters which events reach the notification channels.
type Level string

const (
	LevelAll        Level = "all"
	LevelTradesOnly Level = "trades_only"
	LevelErrorsOnly Level = "errors_only"
)

// IsError reports whether the event needs operator attention.
func IsError(ev models.LifecycleEvent) bool {
	switch ev.To {
	case models.StatusRejected, models.StatusUnknownPending, models.StatusExpired:
		return true
	}
	return false
}

// Allows reports whether an event passes the level filter.
func (l Level) Allows(ev models.LifecycleEvent) bool {
	switch l {
	case LevelTradesOnly:
		return ev.IsFill()
	case LevelErrorsOnly:
		return IsError(ev)
	default:
		return true
	}
}

// Multi sends events to several sinks.
type Multi struct {
	mu    sync.RWMutex
	sinks []Sink
	names []string
	level Level
}

// NewMulti creates a Multi that forwards events allowed by level.
func NewMulti(level Level, sinks ...Sink) *Multi {
	if level == "" {
		level = LevelAll
	}
	m := &Multi{level: level}
	for _, s := range sinks {
		m.Add(s)
	}
	return m
}

// Add adds a sink.
func (m *Multi) Add(s Sink) {
	name := fmt.Sprintf("sink%d", len(m.sinks))
	if ch, ok := s.(Channel); ok {
		name = ch.Name()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
	m.names = append(m.names, name)
}

// Len returns the number of sinks.
func (m *Multi) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sinks)
}

// Publish sends ev to every sink, in order. All sinks are tried even when one
// fails; the returned error names the failing ones. It is permanent only when
// every failure was.
func (m *Multi) Publish(ctx context.Context, ev models.LifecycleEvent) error {
	if !m.level.Allows(ev) {
		return nil
	}

	m.mu.RLock()
	sinks := m.sinks
	names := m.names
	m.mu.RUnlock()

	var errs []string
	permanent := true
	for i, s := range sinks {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", names[i], err))
			permanent = permanent && errors.IsPermanent(err)
		}
	}

	switch {
	case len(errs) == 0:
		return nil
	case permanent:
		return errors.NewBrokerError("publish", errors.Permanent, "", strings.Join(errs, "; "), nil)
	default:
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
}

// Dedup drops events whose key was already delivered to the wrapped sink.
type Dedup struct {
	next     Sink
	capacity int

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

// NewDedup wraps next, remembering up to capacity recent keys.
func NewDedup(next Sink, capacity int) *Dedup {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Dedup{
		next:     next,
		capacity: capacity,
		seen:     make(map[string]struct{}),
	}
}

// Name returns the wrapped channel's name.
func (d *Dedup) Name() string {
	if ch, ok := d.next.(Channel); ok {
		return ch.Name()
	}
	return "dedup"
}

// Publish forwards ev unless its key was delivered before. A key is only
// remembered once the wrapped sink accepted it.
func (d *Dedup) Publish(ctx context.Context, ev models.LifecycleEvent) error {
	key := ev.Key()

	d.mu.Lock()
	_, dup := d.seen[key]
	d.mu.Unlock()
	if dup {
		return nil
	}

	if err := d.next.Publish(ctx, ev); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return nil
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	for len(d.order) > d.capacity {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
	return nil
}

// New builds the notification fan-out from configuration. It returns nil when
// notifications are disabled or no channel is configured.
func New(cfg config.NotificationConfig, logger zerolog.Logger) *Multi {
	if !cfg.Enabled {
		return nil
	}

	multi := NewMulti(Level(cfg.Level))
	if cfg.Terminal {
		multi.Add(NewDedup(NewTerminalSink(nil), 0))
	}
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		multi.Add(NewDedup(NewWebhookSink(cfg.Webhook, logger), 0))
	}

	if multi.Len() == 0 {
		return nil
	}
	return multi
}

// WebhookSink posts events as JSON to an HTTP endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
	retry  utils.RetryConfig
	logger zerolog.Logger
}

// NewWebhookSink creates a new WebhookSink.
func NewWebhookSink(cfg config.WebhookConfig, logger zerolog.Logger) *WebhookSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	retry := utils.DefaultRetryConfig()
	retry.Retryable = errors.IsTransient

	return &WebhookSink{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
		retry:  retry,
		logger: logging.WithComponent(logger, "webhook"),
	}
}

// Name returns the name of the sink.
func (w *WebhookSink) Name() string {
	return "webhook"
}

type webhookPayload struct {
	ID               string `json:"id"`
	Key              string `json:"key"`
	Title            string `json:"title"`
	ClientOrderID    string `json:"client_order_id"`
	BrokerOrderID    string `json:"broker_order_id,omitempty"`
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	From             string `json:"from,omitempty"`
	To               string `json:"to"`
	Reason           string `json:"reason,omitempty"`
	FilledQuantity   string `json:"filled_quantity"`
	AverageFillPrice string `json:"average_fill_price"`
	Timestamp        string `json:"timestamp"`
}

// Title returns a one-line summary of an event.
func Title(ev models.LifecycleEvent) string {
	switch ev.To {
	case models.StatusFilled:
		return fmt.Sprintf("Filled: %s %s %s @ %s", ev.Side, utils.FormatQuantity(ev.FilledQuantity), ev.Symbol, utils.FormatCurrency(ev.AverageFillPrice))
	case models.StatusPartiallyFilled:
		return fmt.Sprintf("Partial fill: %s %s %s @ %s", ev.Side, utils.FormatQuantity(ev.FilledQuantity), ev.Symbol, utils.FormatCurrency(ev.AverageFillPrice))
	case models.StatusRejected:
		return fmt.Sprintf("Rejected: %s %s (%s)", ev.Side, ev.Symbol, ev.Reason)
	case models.StatusUnknownPending:
		return fmt.Sprintf("Unconfirmed: %s %s, awaiting reconciliation", ev.Side, ev.Symbol)
	default:
		return fmt.Sprintf("%s: %s %s", ev.To, ev.Side, ev.Symbol)
	}
}

// Publish posts the event, retrying transient failures.
func (w *WebhookSink) Publish(ctx context.Context, ev models.LifecycleEvent) error {
	body, err := json.Marshal(webhookPayload{
		ID:               ev.ID,
		Key:              ev.Key(),
		Title:            Title(ev),
		ClientOrderID:    ev.ClientOrderID,
		BrokerOrderID:    ev.BrokerOrderID,
		Symbol:           ev.Symbol,
		Side:             string(ev.Side),
		From:             string(ev.From),
		To:               string(ev.To),
		Reason:           ev.Reason,
		FilledQuantity:   ev.FilledQuantity.String(),
		AverageFillPrice: ev.AverageFillPrice.String(),
		Timestamp:        ev.Timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	return utils.Retry(ctx, w.retry, func(attempt int) error {
		start := time.Now()
		err := w.post(ctx, body)
		logging.LogAPICall(w.logger, http.MethodPost, w.url, time.Since(start), err)
		return err
	})
}

func (w *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "SignalTrader/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.NewBrokerError("webhook", errors.Transient, "", err.Error(), errors.ErrConnectionFailed)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.NewBrokerError("webhook", errors.Transient, fmt.Sprint(resp.StatusCode), resp.Status, errors.ErrServerError)
	default:
		return errors.NewBrokerError("webhook", errors.Permanent, fmt.Sprint(resp.StatusCode), resp.Status, nil)
	}
}
