package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"signal-trader/internal/logging"
	"signal-trader/internal/models"
)

const (
	defaultQueueSize      = 256
	defaultDeliverTimeout = 30 * time.Second
)

// Queue hands events to a sink on its own goroutine. Publish never blocks
// and never fails: when the buffer is full or the queue is closed the event
// is dropped and counted.
type Queue struct {
	next    Sink
	name    string
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
	events chan models.LifecycleEvent
	done   chan struct{}

	dropped atomic.Int64
	failed  atomic.Int64
}

// NewQueue starts a queue in front of next holding up to size events.
func NewQueue(next Sink, size int, logger zerolog.Logger) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	name := "notifications"
	if ch, ok := next.(Channel); ok {
		name = ch.Name()
	}
	q := &Queue{
		next:    next,
		name:    name,
		timeout: defaultDeliverTimeout,
		logger:  logging.WithComponent(logger, "notify"),
		events:  make(chan models.LifecycleEvent, size),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Name returns the wrapped channel's name.
func (q *Queue) Name() string {
	return q.name
}

// Publish enqueues ev.
func (q *Queue) Publish(_ context.Context, ev models.LifecycleEvent) error {
	if q.enqueue(ev) {
		return nil
	}
	q.dropped.Add(1)
	q.logger.Warn().Str("channel", q.name).Str("event_key", ev.Key()).Msg("Notification dropped")
	return nil
}

func (q *Queue) enqueue(ev models.LifecycleEvent) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.events <- ev:
		return true
	default:
		return false
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for ev := range q.events {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		err := q.next.Publish(ctx, ev)
		cancel()
		if err != nil {
			q.failed.Add(1)
			q.logger.Warn().Err(err).Str("channel", q.name).Str("event_key", ev.Key()).Msg("Notification not delivered")
		}
	}
}

// Stats returns how many events were dropped for lack of room and how many
// the channel failed to accept.
func (q *Queue) Stats() (dropped, failed int64) {
	return q.dropped.Load(), q.failed.Load()
}

// Close stops accepting events and waits until the queued ones are delivered
// or ctx is done.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
