// Package session tracks per-identity click history with TTL eviction.
//
// An identity is one visitor-campaign pairing (ip + "_" + campaignId).
// Records are created lazily on first click and become functionally absent
// once idle longer than the configured TTL, whether or not the sweeper has
// physically removed them yet.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/clickshield/internal/metrics"
	"github.com/mbd888/clickshield/internal/syncutil"
)

// Record is a snapshot of one identity's click history.
type Record struct {
	Identity   string    `json:"identity"`
	FirstClick time.Time `json:"firstClick"`
	LastClick  time.Time `json:"lastClick"`
	ClickCount int       `json:"clickCount"`
	QuickExits int       `json:"quickExits"`
	Country    string    `json:"country,omitempty"`
	Suspicious bool      `json:"suspicious"`
}

// entry is the live record behind the Record snapshots handed out to callers.
// All field access happens under the store's per-identity lock.
type entry struct {
	rec       Record
	expiresAt time.Time
}

// Store holds session records keyed by identity.
type Store struct {
	ttl               time.Duration
	quickExitInterval time.Duration
	maxClickCount     int

	locks   syncutil.ShardedMutex
	entries sync.Map // identity -> *entry
	live    atomic.Int64
}

// NewStore creates a session store. Records idle longer than ttl are
// treated as absent on next access.
func NewStore(ttl, quickExitInterval time.Duration, maxClickCount int) *Store {
	return &Store{
		ttl:               ttl,
		quickExitInterval: quickExitInterval,
		maxClickCount:     maxClickCount,
	}
}

// GetOrCreate returns the current record for identity, creating a zeroed one
// with FirstClick = now if absent or expired.
func (s *Store) GetOrCreate(identity string, now time.Time) Record {
	unlock := s.locks.Lock(identity)
	defer unlock()

	e := s.getOrCreateLocked(identity, now)
	return e.rec
}

// Peek returns the record for identity without creating or mutating anything.
// An expired record is reported as absent.
func (s *Store) Peek(identity string, now time.Time) (Record, bool) {
	unlock := s.locks.RLock(identity)
	defer unlock()

	v, ok := s.entries.Load(identity)
	if !ok {
		return Record{}, false
	}
	e := v.(*entry)
	if now.After(e.expiresAt) {
		return Record{}, false
	}
	return e.rec, true
}

// RecordClick registers a click for identity at now. It increments the capped
// click counter, detects a quick exit (this click arriving sooner than the
// configured interval after the previous one), updates LastClick, refreshes
// the TTL, and returns the updated snapshot plus whether this click was a
// quick exit. country is stored on first sighting and never overwritten with
// an empty value.
func (s *Store) RecordClick(identity, country string, now time.Time) (Record, bool) {
	unlock := s.locks.Lock(identity)
	defer unlock()

	e := s.getOrCreateLocked(identity, now)

	quickExit := false
	if !e.rec.LastClick.IsZero() && e.rec.ClickCount > 0 {
		if now.Sub(e.rec.LastClick) < s.quickExitInterval {
			e.rec.QuickExits++
			quickExit = true
		}
	}

	if e.rec.ClickCount < s.maxClickCount {
		e.rec.ClickCount++
	}
	e.rec.LastClick = now
	if country != "" && e.rec.Country == "" {
		e.rec.Country = country
	}
	e.expiresAt = now.Add(s.ttl)

	return e.rec, quickExit
}

// MarkSuspicious flags the identity's session. No-op if the session is absent
// or expired.
func (s *Store) MarkSuspicious(identity string, now time.Time) {
	unlock := s.locks.Lock(identity)
	defer unlock()

	v, ok := s.entries.Load(identity)
	if !ok {
		return
	}
	e := v.(*entry)
	if now.After(e.expiresAt) {
		return
	}
	e.rec.Suspicious = true
}

// Len returns the number of records currently held, expired or not.
// The sweeper keeps this close to the live count.
func (s *Store) Len() int {
	return int(s.live.Load())
}

// Snapshot returns copies of all unexpired records. Used by the report layer
// and the hygiene sweep; holds no lock across the whole iteration, only
// per-identity.
func (s *Store) Snapshot(now time.Time) []Record {
	var out []Record
	s.entries.Range(func(k, v any) bool {
		identity := k.(string)
		unlock := s.locks.RLock(identity)
		e := v.(*entry)
		if !now.After(e.expiresAt) {
			out = append(out, e.rec)
		}
		unlock()
		return true
	})
	return out
}

// Sweep physically removes expired records and returns how many were evicted.
// Call periodically; lazy expiry on access keeps correctness either way.
func (s *Store) Sweep(now time.Time) int {
	evicted := 0
	s.entries.Range(func(k, v any) bool {
		identity := k.(string)
		unlock := s.locks.Lock(identity)
		e := v.(*entry)
		if now.After(e.expiresAt) {
			s.entries.Delete(identity)
			s.live.Add(-1)
			evicted++
		}
		unlock()
		return true
	})
	metrics.ActiveSessions.Set(float64(s.live.Load()))
	return evicted
}

// getOrCreateLocked assumes the caller holds the write lock for identity.
func (s *Store) getOrCreateLocked(identity string, now time.Time) *entry {
	if v, ok := s.entries.Load(identity); ok {
		e := v.(*entry)
		if !now.After(e.expiresAt) {
			return e
		}
		// Expired: replace in place so the stale history cannot leak
		// into the new session.
		e.rec = Record{Identity: identity, FirstClick: now}
		e.expiresAt = now.Add(s.ttl)
		return e
	}

	e := &entry{
		rec:       Record{Identity: identity, FirstClick: now},
		expiresAt: now.Add(s.ttl),
	}
	actual, loaded := s.entries.LoadOrStore(identity, e)
	if !loaded {
		s.live.Add(1)
		metrics.ActiveSessions.Set(float64(s.live.Load()))
		return e
	}
	return actual.(*entry)
}
