// Package health aggregates reachability probes over the server's
// dependencies (ledger database, queue backend) for the readiness endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultProbeTimeout bounds a single probe. Readiness is polled by load
// balancers; a hung dependency must degrade the response, not stall it.
const DefaultProbeTimeout = 2 * time.Second

// Probe reports whether one dependency is reachable. A nil error is healthy.
type Probe func(ctx context.Context) error

// Status is one dependency's result in the readiness response.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Registry holds named probes and runs them on demand. Probes run in
// registration order; registering a name again replaces its probe.
type Registry struct {
	timeout time.Duration

	mu     sync.RWMutex
	names  []string
	probes map[string]Probe
}

// NewRegistry creates a registry whose probes are each bounded by timeout.
// A non-positive timeout uses DefaultProbeTimeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Registry{timeout: timeout, probes: make(map[string]Probe)}
}

// Register adds a named dependency probe.
func (r *Registry) Register(name string, probe Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.probes[name]; !ok {
		r.names = append(r.names, name)
	}
	r.probes[name] = probe
}

// CheckAll probes every dependency and returns the aggregate health plus
// per-dependency results. Each probe gets its own timeout slice of ctx.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	names := make([]string, len(r.names))
	copy(names, r.names)
	probes := make(map[string]Probe, len(r.probes))
	for name, probe := range r.probes {
		probes[name] = probe
	}
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, 0, len(names))
	for _, name := range names {
		probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := probes[name](probeCtx)
		cancel()

		st := Status{Name: name, Healthy: err == nil}
		if err != nil {
			st.Detail = err.Error()
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
