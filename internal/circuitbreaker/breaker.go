// Package circuitbreaker shields the detection path from a failing
// upstream. The reputation client wraps its HTTP calls in a breaker so
// that when the reputation service degrades, click evaluations skip the
// lookup instead of stalling on it.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/mbd888/clickshield/internal/metrics"
)

// State of one upstream's circuit.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls rejected until the cooldown elapses
	StateHalfOpen              // a single trial call is in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// circuit is the per-upstream record. openedAt is only meaningful while
// the state is open.
type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks consecutive failures per upstream key and trips after
// limit of them. An open circuit rejects calls for the cooldown period,
// then lets a single trial call through; its outcome decides whether the
// circuit closes again or re-opens.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	limit    int
	cooldown time.Duration
	now      func() time.Time
}

// New creates a breaker tripping after limit consecutive failures and
// rejecting for cooldown before trialing recovery. Non-positive
// arguments fall back to 5 failures and 30 seconds.
func New(limit int, cooldown time.Duration) *Breaker {
	if limit <= 0 {
		limit = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits: make(map[string]*circuit),
		limit:    limit,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Allow reports whether a call to key may proceed. When an open
// circuit's cooldown has elapsed, Allow admits exactly one caller and
// moves the circuit to half-open.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}

	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.moveTo(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		// The trial call is still out; everyone else waits.
		return false
	}
	return true
}

// RecordSuccess clears the failure streak. A successful trial call
// closes the circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	if c.state == StateHalfOpen {
		b.moveTo(key, c, StateClosed)
	}
}

// RecordFailure extends the failure streak, tripping the circuit open
// once it reaches the limit. A failed trial call re-opens immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}

	c.failures++
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.limit) {
		b.moveTo(key, c, StateOpen)
	}
}

// State returns key's current state; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// moveTo transitions the circuit and records the change. Caller holds b.mu.
func (b *Breaker) moveTo(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if to == StateOpen {
		c.openedAt = b.now()
	}
	metrics.BreakerTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
}
