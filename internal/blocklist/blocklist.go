// Package blocklist holds temporarily banned identities.
//
// Entries are created only by the detector when a risk or structural
// threshold is crossed, and disappear only through TTL expiry. There is
// deliberately no manual un-block operation.
package blocklist

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/clickshield/internal/metrics"
	"github.com/mbd888/clickshield/internal/syncutil"
)

// Entry records one temporary ban.
type Entry struct {
	Identity  string    `json:"identity"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blockedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// List is a TTL-bounded set of blocked identities.
type List struct {
	duration time.Duration

	locks   syncutil.ShardedMutex
	entries sync.Map // identity -> *Entry
	live    atomic.Int64
}

// New creates a block list whose entries expire after duration.
func New(duration time.Duration) *List {
	return &List{duration: duration}
}

// Block inserts or overwrites the entry for identity, stamping
// ExpiresAt = now + BLOCK_DURATION.
func (l *List) Block(identity, reason string, now time.Time) Entry {
	unlock := l.locks.Lock(identity)
	defer unlock()

	e := Entry{
		Identity:  identity,
		Reason:    reason,
		BlockedAt: now,
		ExpiresAt: now.Add(l.duration),
	}
	if _, loaded := l.entries.Load(identity); !loaded {
		l.live.Add(1)
	}
	l.entries.Store(identity, &e)

	metrics.ActiveBlocks.Set(float64(l.live.Load()))
	return e
}

// IsBlocked reports whether identity has an unexpired entry.
func (l *List) IsBlocked(identity string, now time.Time) bool {
	_, blocked := l.Get(identity, now)
	return blocked
}

// Get returns the unexpired entry for identity, if any.
func (l *List) Get(identity string, now time.Time) (Entry, bool) {
	unlock := l.locks.RLock(identity)
	defer unlock()

	v, ok := l.entries.Load(identity)
	if !ok {
		return Entry{}, false
	}
	e := v.(*Entry)
	if !now.Before(e.ExpiresAt) {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of entries currently held, expired or not.
func (l *List) Len() int {
	return int(l.live.Load())
}

// Sweep removes expired entries and returns how many were evicted.
func (l *List) Sweep(now time.Time) int {
	evicted := 0
	l.entries.Range(func(k, v any) bool {
		identity := k.(string)
		unlock := l.locks.Lock(identity)
		e := v.(*Entry)
		if !now.Before(e.ExpiresAt) {
			l.entries.Delete(identity)
			l.live.Add(-1)
			evicted++
		}
		unlock()
		return true
	})
	metrics.ActiveBlocks.Set(float64(l.live.Load()))
	return evicted
}
