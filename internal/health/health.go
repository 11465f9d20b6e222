// Package health aggregates readiness checks for the detection service's
// dependencies (database, reputation upstream) behind a single registry
// the health endpoint queries.
package health

import (
	"context"
	"sync"
)

// Status is one dependency's result. Name is assigned at registration,
// so checkers only report Healthy and an optional Detail.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker reports whether one dependency is usable right now.
type Checker func(ctx context.Context) Status

// Registry collects named checkers. Results come back in registration
// order so the health payload is stable across calls.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	checks map[string]Checker
}

func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Checker)}
}

// Register adds a checker under name. Re-registering a name replaces the
// previous checker without changing its position.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.checks[name]; !exists {
		r.order = append(r.order, name)
	}
	r.checks[name] = check
}

// CheckAll runs every registered checker and reports overall health,
// which is false as soon as any single dependency is down.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	checks := make(map[string]Checker, len(r.checks))
	for name, c := range r.checks {
		checks[name] = c
	}
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		st := checks[name](ctx)
		st.Name = name
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
