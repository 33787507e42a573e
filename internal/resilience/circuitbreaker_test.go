package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var (
	errTransient = errors.New("503")
	errRejected  = errors.New("422")
)

func newTestBreaker(clock *time.Time, transitions *[]CircuitState) *CircuitBreaker {
	cb := NewCircuitBreaker("broker", CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		IsFailure:        func(err error) bool { return errors.Is(err, errTransient) },
		OnStateChange: func(_ string, _, to CircuitState) {
			*transitions = append(*transitions, to)
		},
	})
	cb.now = func() time.Time { return *clock }
	return cb
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	clock := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	var transitions []CircuitState
	cb := newTestBreaker(&clock, &transitions)

	assert.ErrorIs(t, cb.Execute(func() error { return errTransient }), errTransient)
	assert.ErrorIs(t, cb.Execute(func() error { return errTransient }), errTransient)
	assert.Equal(t, CircuitOpen, cb.State())

	calls := 0
	err := cb.Execute(func() error { calls++; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)

	clock = clock.Add(2 * time.Minute)
	assert.NoError(t, cb.Execute(func() error { calls++; return nil }))
	assert.Equal(t, 1, calls)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}, transitions)

	stats := cb.Stats()
	assert.EqualValues(t, 4, stats.TotalCalls)
	assert.EqualValues(t, 2, stats.TotalFailures)
	assert.EqualValues(t, 1, stats.TotalRejected)
	assert.Equal(t, clock, stats.LastStateChange)
}

func TestCircuitBreakerIgnoresPermanentErrors(t *testing.T) {
	clock := time.Now()
	var transitions []CircuitState
	cb := newTestBreaker(&clock, &transitions)

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errRejected }), errRejected)
	}
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Empty(t, transitions)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	var transitions []CircuitState
	cb := newTestBreaker(&clock, &transitions)

	_ = cb.Execute(func() error { return errTransient })
	_ = cb.Execute(func() error { return errTransient })
	clock = clock.Add(2 * time.Minute)
	_ = cb.Execute(func() error { return errTransient })

	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)
}
