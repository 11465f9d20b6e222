package activity

import (
	"context"
	"sync"
	"time"
)

// defaultCapacity bounds the in-memory history.
const defaultCapacity = 1000

// MemoryStore is an in-memory implementation of Store. It keeps a bounded
// history, dropping the oldest records first.
type MemoryStore struct {
	mu       sync.RWMutex
	records  []*Record
	capacity int
}

// NewMemoryStore creates an in-memory activity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{capacity: defaultCapacity}
}

func (s *MemoryStore) Record(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *rec
	s.records = append(s.records, &r)
	if len(s.records) > s.capacity {
		s.records = s.records[len(s.records)-s.capacity:]
	}
	return nil
}

func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := len(s.records) - limit
	if start < 0 {
		start = 0
	}

	// Most recent first.
	out := make([]*Record, 0, len(s.records)-start)
	for i := len(s.records) - 1; i >= start; i-- {
		r := *s.records[i]
		out = append(out, &r)
	}
	return out, nil
}

func (s *MemoryStore) ListBefore(_ context.Context, before time.Time, beforeID string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Most recent first, skipping everything at or after the cursor.
	out := make([]*Record, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.records[i]
		if rec.CreatedAt.After(before) {
			continue
		}
		if rec.CreatedAt.Equal(before) && rec.ID >= beforeID {
			continue
		}
		r := *rec
		out = append(out, &r)
	}
	return out, nil
}

func (s *MemoryStore) CountSince(_ context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, r := range s.records {
		if !r.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}
