package session

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func testStore() *Store {
	return NewStore(time.Hour, 2*time.Second, 100)
}

func TestGetOrCreate_NewRecord(t *testing.T) {
	s := testStore()
	now := time.Now()

	rec := s.GetOrCreate("1.2.3.4_c1", now)
	if !rec.FirstClick.Equal(now) {
		t.Errorf("expected FirstClick=%v, got %v", now, rec.FirstClick)
	}
	if rec.ClickCount != 0 || rec.QuickExits != 0 {
		t.Errorf("expected zeroed counters, got count=%d quickExits=%d",
			rec.ClickCount, rec.QuickExits)
	}
}

func TestRecordClick_QuickExitDetection(t *testing.T) {
	s := testStore()
	now := time.Now()

	// First click: never a quick exit.
	rec, qe := s.RecordClick("id", "", now)
	if qe {
		t.Error("first click must not be a quick exit")
	}
	if rec.ClickCount != 1 {
		t.Errorf("expected ClickCount=1, got %d", rec.ClickCount)
	}

	// 1s later: under the 2s interval.
	rec, qe = s.RecordClick("id", "", now.Add(time.Second))
	if !qe {
		t.Error("click 1s after previous should be a quick exit")
	}
	if rec.QuickExits != 1 {
		t.Errorf("expected QuickExits=1, got %d", rec.QuickExits)
	}

	// 5s later: over the interval.
	rec, qe = s.RecordClick("id", "", now.Add(6*time.Second))
	if qe {
		t.Error("click 5s after previous should not be a quick exit")
	}
	if rec.QuickExits != 1 {
		t.Errorf("QuickExits should stay at 1, got %d", rec.QuickExits)
	}
}

func TestRecordClick_EachQualifyingPairCountsOnce(t *testing.T) {
	s := testStore()
	now := time.Now()

	// Five clicks spaced 1 second apart: four qualifying pairs.
	for i := 0; i < 5; i++ {
		s.RecordClick("id", "", now.Add(time.Duration(i)*time.Second))
	}

	rec, ok := s.Peek("id", now.Add(5*time.Second))
	if !ok {
		t.Fatal("expected record to exist")
	}
	if rec.QuickExits != 4 {
		t.Errorf("expected 4 quick exits from 5 clicks 1s apart, got %d", rec.QuickExits)
	}
	if rec.ClickCount != 5 {
		t.Errorf("expected ClickCount=5, got %d", rec.ClickCount)
	}
}

func TestRecordClick_ClickCountCapped(t *testing.T) {
	s := NewStore(time.Hour, 2*time.Second, 10)
	now := time.Now()

	for i := 0; i < 25; i++ {
		s.RecordClick("id", "", now.Add(time.Duration(i)*time.Minute))
	}

	rec, _ := s.Peek("id", now.Add(25*time.Minute))
	if rec.ClickCount != 10 {
		t.Errorf("expected ClickCount capped at 10, got %d", rec.ClickCount)
	}
}

func TestRecordClick_MonotonicUnderConcurrency(t *testing.T) {
	s := testStore()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.RecordClick("hot-identity", "", now.Add(time.Duration(i)*time.Millisecond))
		}(i)
	}
	wg.Wait()

	rec, _ := s.Peek("hot-identity", now.Add(time.Second))
	if rec.ClickCount != 50 {
		t.Errorf("lost increments: expected ClickCount=50, got %d", rec.ClickCount)
	}
}

func TestTTL_ExpiredRecordIsAbsent(t *testing.T) {
	s := NewStore(time.Hour, 2*time.Second, 100)
	now := time.Now()

	s.RecordClick("id", "TR", now)

	if _, ok := s.Peek("id", now.Add(30*time.Minute)); !ok {
		t.Error("record should still be live at 30m")
	}
	if _, ok := s.Peek("id", now.Add(61*time.Minute)); ok {
		t.Error("record should be absent after TTL")
	}

	// Next access after expiry behaves like a fresh record.
	rec := s.GetOrCreate("id", now.Add(2*time.Hour))
	if rec.ClickCount != 0 || rec.Country != "" {
		t.Errorf("expired record should reset, got count=%d country=%q",
			rec.ClickCount, rec.Country)
	}
}

func TestSweep_EvictsOnlyExpired(t *testing.T) {
	s := testStore()
	now := time.Now()

	s.RecordClick("old", "", now)
	s.RecordClick("fresh", "", now.Add(59*time.Minute))

	evicted := s.Sweep(now.Add(61 * time.Minute))
	if evicted != 1 {
		t.Errorf("expected 1 eviction, got %d", evicted)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 live record, got %d", s.Len())
	}
	if _, ok := s.Peek("fresh", now.Add(61*time.Minute)); !ok {
		t.Error("fresh record must survive the sweep")
	}
}

func TestMarkSuspicious(t *testing.T) {
	s := testStore()
	now := time.Now()

	s.MarkSuspicious("ghost", now) // absent: no-op, must not create

	s.RecordClick("id", "", now)
	s.MarkSuspicious("id", now)

	rec, _ := s.Peek("id", now)
	if !rec.Suspicious {
		t.Error("expected record to be marked suspicious")
	}
	if _, ok := s.Peek("ghost", now); ok {
		t.Error("MarkSuspicious must not create records")
	}
}

func TestSnapshot_ManyIdentities(t *testing.T) {
	s := testStore()
	now := time.Now()

	for i := 0; i < 20; i++ {
		s.RecordClick(fmt.Sprintf("10.0.0.%d_c1", i), "", now)
	}

	snap := s.Snapshot(now)
	if len(snap) != 20 {
		t.Errorf("expected 20 records in snapshot, got %d", len(snap))
	}
}

func TestCountryStoredOnFirstSighting(t *testing.T) {
	s := testStore()
	now := time.Now()

	s.RecordClick("id", "TR", now)
	s.RecordClick("id", "", now.Add(10*time.Second))
	s.RecordClick("id", "US", now.Add(20*time.Second))

	rec, _ := s.Peek("id", now.Add(20*time.Second))
	if rec.Country != "TR" {
		t.Errorf("expected first-seen country TR to stick, got %q", rec.Country)
	}
}
