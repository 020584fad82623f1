// Package health runs named subsystem checks (chain RPC, database)
// behind the /healthz endpoint.
package health

import (
	"context"
	"sync"
)

// Status is the outcome of one subsystem check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// OK reports a passing check.
func OK(name string) Status {
	return Status{Name: name, Healthy: true}
}

// Unhealthy reports a failing check with its cause.
func Unhealthy(name string, err error) Status {
	return Status{Name: name, Healthy: false, Detail: err.Error()}
}

// Checker inspects one subsystem. Checkers receive the request context
// and should bound their own timeouts.
type Checker func(ctx context.Context) Status

// Registry holds the registered checks and runs them on demand, in
// registration order.
type Registry struct {
	mu     sync.RWMutex
	checks []namedCheck
}

type namedCheck struct {
	name  string
	check Checker
}

// NewRegistry creates an empty check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named check.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checks = append(r.checks, namedCheck{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every check and returns the aggregate result plus the
// individual statuses. One failing check makes the aggregate unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checks := make([]namedCheck, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checks))

	for i, c := range checks {
		statuses[i] = c.check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}
