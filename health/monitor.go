package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Reporter supplies the current health of one component.
type Reporter interface {
	HealthStatus() Status
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func() Status

// HealthStatus implements Reporter.
func (f ReporterFunc) HealthStatus() Status {
	return f()
}

// Monitor aggregates component reporters into a single process status.
type Monitor struct {
	mu        sync.RWMutex
	reporters map[string]Reporter
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{reporters: make(map[string]Reporter)}
}

// Register adds or replaces a component reporter.
func (m *Monitor) Register(name string, r Reporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reporters[name] = r
}

// Unregister removes a component reporter.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reporters, name)
}

// Snapshot reports the aggregate status: unhealthy if any component is
// unhealthy, degraded if any component is degraded, healthy otherwise.
func (m *Monitor) Snapshot() Status {
	m.mu.RLock()
	reporters := make([]Reporter, 0, len(m.reporters))
	for _, r := range m.reporters {
		reporters = append(reporters, r)
	}
	m.mu.RUnlock()

	overall := Status{Component: "system", Status: StateHealthy, Timestamp: time.Now()}
	for _, r := range reporters {
		sub := r.HealthStatus()
		overall = overall.WithSubStatus(sub)
		switch sub.Status {
		case StateUnhealthy:
			overall.Status = StateUnhealthy
		case StateDegraded:
			if overall.Status == StateHealthy {
				overall.Status = StateDegraded
			}
		}
	}
	return overall
}

// Handler serves the aggregate status as JSON. Unhealthy snapshots return
// 503 so load balancers can act on them.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		snapshot := m.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if snapshot.Status == StateUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(snapshot)
	})
}
