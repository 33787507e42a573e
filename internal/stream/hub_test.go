package stream

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-trader/internal/models"
)

func event(symbol string, filled int64) models.LifecycleEvent {
	return models.LifecycleEvent{
		ID:             "ev",
		ClientOrderID:  "c-" + symbol,
		Symbol:         symbol,
		From:           models.StatusSubmitted,
		To:             models.StatusPartiallyFilled,
		FilledQuantity: decimal.NewFromInt(filled),
		Timestamp:      time.Date(2026, 10, 19, 14, 30, 0, 0, time.UTC),
	}
}

func TestSubscribeFiltersBySymbol(t *testing.T) {
	hub := NewHub(DefaultHubConfig(), zerolog.Nop())
	ctx := context.Background()

	aapl := hub.Subscribe("AAPL")
	all := hub.Subscribe("")

	require.NoError(t, hub.Publish(ctx, event("AAPL", 1)))
	require.NoError(t, hub.Publish(ctx, event("MSFT", 1)))

	assert.Len(t, aapl.Events(), 1)
	assert.Len(t, all.Events(), 2)
	assert.Equal(t, "AAPL", (<-aapl.Events()).Symbol)
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	hub := NewHub(HubConfig{SubscriberBufferSize: 2, SlowConsumerDropThreshold: 1}, zerolog.Nop())
	ctx := context.Background()
	sub := hub.Subscribe("")

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, hub.Publish(ctx, event("AAPL", i)))
	}

	m := hub.Metrics()
	assert.Equal(t, uint64(5), m.Published)
	assert.Equal(t, uint64(2), m.Delivered)
	assert.Equal(t, uint64(3), m.Dropped)
	assert.Equal(t, 1, m.Subscribers)

	// The oldest events are the ones kept.
	assert.True(t, (<-sub.Events()).FilledQuantity.Equal(decimal.NewFromInt(1)))
}

func TestUnsubscribeAndStopCloseChannels(t *testing.T) {
	hub := NewHub(DefaultHubConfig(), zerolog.Nop())

	sub := hub.Subscribe("AAPL")
	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	_, ok := <-sub.Events()
	assert.False(t, ok)

	other := hub.Subscribe("")
	hub.Stop()
	_, ok = <-other.Events()
	assert.False(t, ok)

	late := hub.Subscribe("")
	_, ok = <-late.Events()
	assert.False(t, ok)
	require.NoError(t, hub.Publish(context.Background(), event("AAPL", 1)))
}

func TestProperty_FastSubscribersReceiveEveryEvent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("every subscriber with room receives every event in order", prop.ForAll(
		func(subscribers, events int) bool {
			hub := NewHub(HubConfig{SubscriberBufferSize: events}, zerolog.Nop())
			subs := make([]*Subscriber, subscribers)
			for i := range subs {
				subs[i] = hub.Subscribe("AAPL")
			}
			for i := 1; i <= events; i++ {
				if err := hub.Publish(context.Background(), event("AAPL", int64(i))); err != nil {
					return false
				}
			}
			hub.Stop()

			for _, sub := range subs {
				want := int64(1)
				for ev := range sub.Events() {
					if !ev.FilledQuantity.Equal(decimal.NewFromInt(want)) {
						return false
					}
					want++
				}
				if want != int64(events)+1 {
					return false
				}
			}
			return hub.Metrics().Dropped == 0
		},
		gen.IntRange(1, 5),
		gen.IntRange(1, 30),
	))

	properties.TestingRun(t)
}
