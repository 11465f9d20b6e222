// Package ratelimit provides per-identity click-rate accounting and HTTP
// rate limiting middleware.
package ratelimit

import (
	"sync"
	"time"

	"github.com/mbd888/clickshield/internal/syncutil"
)

// maxWindowSize caps the per-identity timestamp list so an abusive identity
// cannot grow memory without bound.
const maxWindowSize = 1000

// WindowConfig holds the two independent ceilings.
type WindowConfig struct {
	LongWindow   time.Duration // e.g. 24h
	LongCeiling  int           // max clicks inside LongWindow
	ShortWindow  time.Duration // e.g. 60s
	ShortCeiling int           // max clicks inside ShortWindow
}

// Result is the outcome of a read-only rate check.
type Result struct {
	Allowed    bool
	LongCount  int
	ShortCount int
}

// WindowLimiter counts clicks per identity over a long and a short sliding
// window. Check never mutates state; the caller records the click with
// Record only when the event is ultimately accepted, so rejected events of
// the same request never inflate the counts.
type WindowLimiter struct {
	cfg WindowConfig

	locks   syncutil.ShardedMutex
	windows sync.Map // identity -> *window
}

type window struct {
	stamps []time.Time
}

// NewWindowLimiter creates a limiter with the given ceilings.
func NewWindowLimiter(cfg WindowConfig) *WindowLimiter {
	return &WindowLimiter{cfg: cfg}
}

// Check reports whether one more click from identity at now would stay under
// both ceilings, along with the current counts. State is not modified beyond
// pruning timestamps that have left the long window.
func (l *WindowLimiter) Check(identity string, now time.Time) Result {
	unlock := l.locks.Lock(identity)
	defer unlock()

	w := l.getWindow(identity)
	l.prune(w, now)

	long := len(w.stamps)
	short := 0
	shortCutoff := now.Add(-l.cfg.ShortWindow)
	for i := len(w.stamps) - 1; i >= 0; i-- {
		if w.stamps[i].Before(shortCutoff) {
			break
		}
		short++
	}

	return Result{
		Allowed:    long < l.cfg.LongCeiling && short < l.cfg.ShortCeiling,
		LongCount:  long,
		ShortCount: short,
	}
}

// Record registers an accepted click from identity at now.
func (l *WindowLimiter) Record(identity string, now time.Time) {
	unlock := l.locks.Lock(identity)
	defer unlock()

	w := l.getWindow(identity)
	w.stamps = append(w.stamps, now)
	l.prune(w, now)
}

// Sweep drops identities whose windows have emptied out. Returns how many
// were removed.
func (l *WindowLimiter) Sweep(now time.Time) int {
	removed := 0
	l.windows.Range(func(k, v any) bool {
		identity := k.(string)
		unlock := l.locks.Lock(identity)
		w := v.(*window)
		l.prune(w, now)
		if len(w.stamps) == 0 {
			l.windows.Delete(identity)
			removed++
		}
		unlock()
		return true
	})
	return removed
}

func (l *WindowLimiter) getWindow(identity string) *window {
	v, _ := l.windows.LoadOrStore(identity, &window{})
	return v.(*window)
}

// prune removes stamps older than the long window and caps the list size.
// Caller holds the identity lock.
func (l *WindowLimiter) prune(w *window, now time.Time) {
	cutoff := now.Add(-l.cfg.LongWindow)
	start := 0
	for start < len(w.stamps) && w.stamps[start].Before(cutoff) {
		start++
	}
	if start > 0 {
		w.stamps = w.stamps[start:]
	}
	if len(w.stamps) > maxWindowSize {
		w.stamps = w.stamps[len(w.stamps)-maxWindowSize:]
	}
}
