package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-trader/internal/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.LifecycleEvent
}

func (r *recordingSink) Publish(_ context.Context, ev models.LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestQueueDeliversInOrderAndDrainsOnClose(t *testing.T) {
	rec := &recordingSink{}
	q := NewQueue(rec, 8, zerolog.Nop())

	for _, filled := range []int64{10, 20, 30} {
		require.NoError(t, q.Publish(context.Background(), event(models.StatusPartiallyFilled, filled)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))

	require.Equal(t, 3, rec.len())
	assert.Equal(t, "30", rec.events[2].FilledQuantity.String())

	// Closed queues drop quietly.
	require.NoError(t, q.Publish(context.Background(), event(models.StatusFilled, 40)))
	dropped, failed := q.Stats()
	assert.EqualValues(t, 1, dropped)
	assert.Zero(t, failed)
}

func TestQueueNeverBlocksOnAStuckChannel(t *testing.T) {
	release := make(chan struct{})
	stuck := sinkFunc(func(ctx context.Context, ev models.LifecycleEvent) error {
		<-release
		return errors.New("unreachable")
	})
	q := NewQueue(stuck, 1, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(1); i <= 5; i++ {
			_ = q.Publish(context.Background(), event(models.StatusPartiallyFilled, i))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked behind a stuck channel")
	}

	close(release)
	require.NoError(t, q.Close(context.Background()))
	dropped, failed := q.Stats()
	assert.Equal(t, int64(5), dropped+failed)
	assert.Positive(t, failed)
}

func TestQueueKeepsChannelName(t *testing.T) {
	q := NewQueue(NewTerminalSink(nil), 1, zerolog.Nop())
	defer q.Close(context.Background())
	assert.Equal(t, "terminal", q.Name())
}
