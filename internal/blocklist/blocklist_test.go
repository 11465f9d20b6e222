package blocklist

import (
	"testing"
	"time"
)

func TestBlock_ThenIsBlockedUntilExpiry(t *testing.T) {
	l := New(time.Hour)
	now := time.Now()

	l.Block("1.2.3.4", "risk score 85", now)

	if !l.IsBlocked("1.2.3.4", now) {
		t.Error("expected identity to be blocked immediately")
	}
	if !l.IsBlocked("1.2.3.4", now.Add(time.Hour-time.Second)) {
		t.Error("expected identity to be blocked just before expiry")
	}
	if l.IsBlocked("1.2.3.4", now.Add(time.Hour)) {
		t.Error("expected block to expire exactly at BLOCK_DURATION")
	}
}

func TestBlock_OverwritesExistingEntry(t *testing.T) {
	l := New(time.Hour)
	now := time.Now()

	l.Block("id", "first reason", now)
	l.Block("id", "second reason", now.Add(30*time.Minute))

	e, ok := l.Get("id", now.Add(80*time.Minute))
	if !ok {
		t.Fatal("re-block should extend expiry past the original window")
	}
	if e.Reason != "second reason" {
		t.Errorf("expected overwritten reason, got %q", e.Reason)
	}
	if l.Len() != 1 {
		t.Errorf("overwrite must not duplicate entries, Len=%d", l.Len())
	}
}

func TestIsBlocked_UnknownIdentity(t *testing.T) {
	l := New(time.Hour)
	if l.IsBlocked("nobody", time.Now()) {
		t.Error("unknown identity must not be blocked")
	}
}

func TestSweep(t *testing.T) {
	l := New(time.Hour)
	now := time.Now()

	l.Block("old", "volume", now)
	l.Block("fresh", "volume", now.Add(30*time.Minute))

	evicted := l.Sweep(now.Add(61 * time.Minute))
	if evicted != 1 {
		t.Errorf("expected 1 eviction, got %d", evicted)
	}
	if l.IsBlocked("fresh", now.Add(61*time.Minute)) != true {
		t.Error("fresh entry must survive the sweep")
	}
	if l.Len() != 1 {
		t.Errorf("expected Len=1 after sweep, got %d", l.Len())
	}
}
