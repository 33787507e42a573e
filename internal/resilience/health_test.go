package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(ctx context.Context) ComponentHealth {
	return ComponentHealth{Status: HealthStatusHealthy}
}

func TestHealthCheckerWorstStatusWins(t *testing.T) {
	checker := NewHealthChecker(time.Second)
	checker.Register("store", healthy)
	checker.Register("outbox", BacklogHealthCheck(func() int { return 5 }, 2))

	system := checker.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, system.Status)
	require.Len(t, system.Components, 2)
	assert.Equal(t, "outbox", system.Components[0].Name)
	assert.Equal(t, 5, system.Components[0].Details["pending"])

	checker.Register("store", DatabaseHealthCheck(func(context.Context) error { return errors.New("disk I/O error") }))
	system = checker.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, system.Status)
	assert.Contains(t, system.Components[1].Message, "disk I/O error")
}

func TestHealthCheckerRecoversPanics(t *testing.T) {
	checker := NewHealthChecker(time.Second)
	checker.Register("broken", func(context.Context) ComponentHealth { panic("boom") })

	system := checker.Check(context.Background())
	require.Len(t, system.Components, 1)
	assert.Equal(t, "broken", system.Components[0].Name)
	assert.Equal(t, HealthStatusUnhealthy, system.Status)
	assert.Contains(t, system.Components[0].Message, "boom")
}

func TestBreakerHealthCheck(t *testing.T) {
	clock := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	var transitions []CircuitState
	cb := newTestBreaker(&clock, &transitions)
	check := BreakerHealthCheck(cb)

	assert.Equal(t, HealthStatusHealthy, check(context.Background()).Status)

	_ = cb.Execute(func() error { return errTransient })
	_ = cb.Execute(func() error { return errTransient })
	health := check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, health.Status)
	assert.Equal(t, string(CircuitOpen), health.Details["circuit"])
}

func TestBacklogWithinLimitIsHealthy(t *testing.T) {
	check := BacklogHealthCheck(func() int { return 3 }, 3)
	assert.Equal(t, HealthStatusHealthy, check(context.Background()).Status)
}
