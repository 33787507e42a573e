package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name    string                 `json:"name"`
	Status  HealthStatus           `json:"status"`
	Message string                 `json:"message,omitempty"`
	Latency time.Duration          `json:"latency_ns"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthCheck checks one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// SystemHealth is the result of one round of checks.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Uptime     time.Duration     `json:"uptime_ns"`
	Components []ComponentHealth `json:"components"`
}

// HealthChecker runs registered checks on demand. The worst component
// status is the overall status.
type HealthChecker struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	timeout   time.Duration
	startTime time.Time
}

// NewHealthChecker creates a checker whose rounds are bounded by timeout.
func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{
		checks:    make(map[string]HealthCheck),
		timeout:   timeout,
		startTime: time.Now(),
	}
}

// Register adds or replaces the check for name.
func (h *HealthChecker) Register(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Check runs every check concurrently. A check that panics reports unhealthy.
func (h *HealthChecker) Check(ctx context.Context) SystemHealth {
	h.mu.RLock()
	checks := make(map[string]HealthCheck, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(checks))
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check HealthCheck) {
			defer wg.Done()
			start := time.Now()
			health := runCheck(ctx, check)
			health.Name = name
			health.Latency = time.Since(start)
			results <- health
		}(name, check)
	}
	wg.Wait()
	close(results)

	system := SystemHealth{Status: HealthStatusHealthy, Uptime: time.Since(h.startTime)}
	for health := range results {
		system.Components = append(system.Components, health)
		system.Status = worse(system.Status, health.Status)
	}
	sort.Slice(system.Components, func(i, j int) bool {
		return system.Components[i].Name < system.Components[j].Name
	})
	return system
}

func runCheck(ctx context.Context, check HealthCheck) (health ComponentHealth) {
	defer func() {
		if r := recover(); r != nil {
			health = ComponentHealth{
				Status:  HealthStatusUnhealthy,
				Message: fmt.Sprintf("Panic recovered: %v", r),
			}
		}
	}()
	return check(ctx)
}

func worse(a, b HealthStatus) HealthStatus {
	rank := func(s HealthStatus) int {
		switch s {
		case HealthStatusHealthy:
			return 0
		case HealthStatusDegraded:
			return 1
		default:
			return 2
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// DatabaseHealthCheck creates a health check for database connections.
func DatabaseHealthCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := ping(ctx)
		latency := time.Since(start)

		if err != nil {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("Database ping failed: %v", err)}
		}
		if latency > 100*time.Millisecond {
			return ComponentHealth{Status: HealthStatusDegraded, Message: fmt.Sprintf("Database slow: %v", latency)}
		}
		return ComponentHealth{Status: HealthStatusHealthy}
	}
}

// BreakerHealthCheck reports an open breaker as unhealthy and a half-open
// one as degraded.
func BreakerHealthCheck(cb *CircuitBreaker) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		stats := cb.Stats()
		health := ComponentHealth{
			Status: HealthStatusHealthy,
			Details: map[string]interface{}{
				"circuit":  string(stats.State),
				"calls":    stats.TotalCalls,
				"failures": stats.TotalFailures,
				"rejected": stats.TotalRejected,
			},
		}
		switch stats.State {
		case CircuitOpen:
			health.Status = HealthStatusUnhealthy
			health.Message = "Broker calls are short-circuited"
		case CircuitHalfOpen:
			health.Status = HealthStatusDegraded
			health.Message = "Broker recovering"
		}
		return health
	}
}

// BacklogHealthCheck degrades once a queue grows past limit.
func BacklogHealthCheck(size func() int, limit int) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		n := size()
		health := ComponentHealth{
			Status:  HealthStatusHealthy,
			Details: map[string]interface{}{"pending": n},
		}
		if limit > 0 && n > limit {
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("%d events waiting for delivery", n)
		}
		return health
	}
}
