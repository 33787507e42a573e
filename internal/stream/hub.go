// Package stream fans order lifecycle events out to live subscribers, such as
// the control API's WebSocket clients.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signal-trader/internal/models"
)

// HubConfig holds configuration for the Hub.
type HubConfig struct {
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
	// SlowConsumerDropThreshold is the number of consecutive drops before logging.
	SlowConsumerDropThreshold int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SubscriberBufferSize:      100,
		SlowConsumerDropThreshold: 10,
	}
}

// Subscriber receives the events of one symbol, or of every symbol when
// Symbol is empty.
type Subscriber struct {
	ID        string
	Symbol    string
	CreatedAt time.Time

	events  chan models.LifecycleEvent
	dropped int
}

// Events returns the subscriber's channel. It is closed by Unsubscribe and Stop.
func (s *Subscriber) Events() <-chan models.LifecycleEvent {
	return s.events
}

// HubMetrics counts what the hub delivered.
type HubMetrics struct {
	Published   uint64
	Delivered   uint64
	Dropped     uint64
	Subscribers int
}

// Hub distributes lifecycle events to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type Hub struct {
	config HubConfig
	logger zerolog.Logger

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	stopped     bool

	metricsMu sync.Mutex
	metrics   HubMetrics
}

// NewHub creates a hub.
func NewHub(config HubConfig, logger zerolog.Logger) *Hub {
	if config.SubscriberBufferSize <= 0 {
		config.SubscriberBufferSize = DefaultHubConfig().SubscriberBufferSize
	}
	return &Hub{
		config:      config,
		logger:      logger.With().Str("component", "stream_hub").Logger(),
		subscribers: make(map[string]*Subscriber),
	}
}

// Name identifies the hub as an event sink.
func (h *Hub) Name() string {
	return "stream"
}

// Subscribe registers a subscriber for symbol; an empty symbol receives every event.
func (h *Hub) Subscribe(symbol string) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		CreatedAt: time.Now(),
		events:    make(chan models.LifecycleEvent, h.config.SubscriberBufferSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		close(sub.events)
		return sub
	}
	h.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub.ID]; !ok {
		return
	}
	delete(h.subscribers, sub.ID)
	close(sub.events)
}

// Publish hands ev to every matching subscriber. It always succeeds so a slow
// client can never hold up the other sinks.
func (h *Hub) Publish(_ context.Context, ev models.LifecycleEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var delivered, dropped uint64
	for _, sub := range h.subscribers {
		if sub.Symbol != "" && sub.Symbol != ev.Symbol {
			continue
		}
		select {
		case sub.events <- ev:
			sub.dropped = 0
			delivered++
		default:
			sub.dropped++
			dropped++
			if sub.dropped == h.config.SlowConsumerDropThreshold {
				h.logger.Warn().Str("subscriber", sub.ID).Int("dropped", sub.dropped).Msg("Slow stream subscriber")
			}
		}
	}

	h.metricsMu.Lock()
	h.metrics.Published++
	h.metrics.Delivered += delivered
	h.metrics.Dropped += dropped
	h.metricsMu.Unlock()
	return nil
}

// Stop closes every subscriber. Later subscriptions are closed at once.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	for id, sub := range h.subscribers {
		close(sub.events)
		delete(h.subscribers, id)
	}
}

// Metrics returns the delivery counters.
func (h *Hub) Metrics() HubMetrics {
	h.mu.RLock()
	n := len(h.subscribers)
	h.mu.RUnlock()

	h.metricsMu.Lock()
	defer h.metricsMu.Unlock()
	m := h.metrics
	m.Subscribers = n
	return m
}
