package resilience

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
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
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message,omitempty"`
	LastCheck time.Time              `json:"last_check"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthCheck reports the health of one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// SystemHealth is the result of one round of checks.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Uptime     string            `json:"uptime"`
	Goroutines int               `json:"goroutines"`
	Components []ComponentHealth `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// HealthMonitor aggregates component checks. Checks run when Check is called,
// normally from a scheduled job.
type HealthMonitor struct {
	mu         sync.RWMutex
	now        func() time.Time
	started    time.Time
	components map[string]HealthCheck
	last       SystemHealth
	onChange   func(prev, next SystemHealth)
}

// NewHealthMonitor creates a monitor using now as its time source.
func NewHealthMonitor(now func() time.Time) *HealthMonitor {
	return &HealthMonitor{
		now:        now,
		started:    now(),
		components: make(map[string]HealthCheck),
		last:       SystemHealth{Status: HealthStatusUnknown},
	}
}

// RegisterComponent registers a health check for a component.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = check
}

// OnChange sets a callback fired when the overall status changes.
func (m *HealthMonitor) OnChange(fn func(prev, next SystemHealth)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Check runs every registered check and stores the result.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	names := make([]string, 0, len(m.components))
	for name := range m.components {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheck, len(m.components))
	for k, v := range m.components {
		checks[k] = v
	}
	m.mu.RUnlock()
	sort.Strings(names)

	now := m.now()
	out := SystemHealth{
		Status:     HealthStatusHealthy,
		Uptime:     now.Sub(m.started).Truncate(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		CheckedAt:  now,
	}
	for _, name := range names {
		h := runCheck(ctx, checks[name])
		h.Name = name
		h.LastCheck = now
		out.Components = append(out.Components, h)
		switch h.Status {
		case HealthStatusUnhealthy:
			out.Status = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if out.Status == HealthStatusHealthy {
				out.Status = HealthStatusDegraded
			}
		}
	}

	m.mu.Lock()
	prev := m.last
	m.last = out
	cb := m.onChange
	m.mu.Unlock()
	if cb != nil && prev.Status != out.Status {
		cb(prev, out)
	}
	return out
}

func runCheck(ctx context.Context, check HealthCheck) (h ComponentHealth) {
	defer func() {
		if r := recover(); r != nil {
			h = ComponentHealth{Status: HealthStatusUnhealthy, Message: "health check panicked"}
		}
	}()
	return check(ctx)
}

// Last returns the most recent result.
func (m *HealthMonitor) Last() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// HTTPHandler serves the latest health as JSON; unhealthy maps to 503.
func (m *HealthMonitor) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := m.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if h.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	}
}

// BreakerHealthCheck reports a circuit breaker as a component.
func BreakerHealthCheck(b *CircuitBreaker) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		s := b.Stats()
		h := ComponentHealth{
			Status:  HealthStatusHealthy,
			Details: map[string]interface{}{"state": s.State, "consecutive_failures": s.ConsecutiveFailures},
		}
		switch s.State {
		case CircuitOpen:
			h.Status = HealthStatusUnhealthy
			h.Message = "circuit open"
		case CircuitHalfOpen:
			h.Status = HealthStatusDegraded
			h.Message = "circuit probing"
		}
		return h
	}
}

// PingHealthCheck reports a dependency that can be pinged, such as the store.
func PingHealthCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: err.Error()}
		}
		return ComponentHealth{Status: HealthStatusHealthy}
	}
}

// FreshnessHealthCheck degrades when lastEvent is older than maxAge.
func FreshnessHealthCheck(now func() time.Time, lastEvent func() time.Time, maxAge time.Duration) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		last := lastEvent()
		if last.IsZero() {
			return ComponentHealth{Status: HealthStatusUnknown, Message: "no data yet"}
		}
		age := now().Sub(last)
		h := ComponentHealth{Status: HealthStatusHealthy, Details: map[string]interface{}{"age": age.String()}}
		if maxAge > 0 && age > maxAge {
			h.Status = HealthStatusDegraded
			h.Message = "market data stale"
		}
		return h
	}
}
