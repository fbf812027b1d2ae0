package reconcile

import (
	"testing"
	"time"
)

func TestDedupKey(t *testing.T) {
	base := dedupKey(7, "time_added", []byte(`{"a":1}`))

	if dedupKey(7, "time_added", []byte(`{"a":1}`)) != base {
		t.Error("identical input produced different keys")
	}
	if dedupKey(8, "time_added", []byte(`{"a":1}`)) == base {
		t.Error("session id not part of the key")
	}
	if dedupKey(7, "timer_update", []byte(`{"a":1}`)) == base {
		t.Error("event name not part of the key")
	}
	if dedupKey(7, "time_added", []byte(`{"a":2}`)) == base {
		t.Error("payload not part of the key")
	}
	// The separator keeps field boundaries apart.
	if dedupKey(1, "1x", nil) == dedupKey(11, "x", nil) {
		t.Error("fields run together")
	}
}

func TestDedupWindow(t *testing.T) {
	c, err := newDedupCache(8, 2*time.Second)
	if err != nil {
		t.Fatalf("newDedupCache failed: %v", err)
	}
	key := dedupKey(7, "session_started", []byte(`{}`))

	tests := []struct {
		offset time.Duration
		want   bool
	}{
		{0, false},
		{10 * time.Millisecond, true},
		{1999 * time.Millisecond, true},
		// Duplicates do not extend the window.
		{2 * time.Second, false},
		{2500 * time.Millisecond, true},
		{4100 * time.Millisecond, false},
	}

	for _, tt := range tests {
		if got := c.duplicate(key, t0.Add(tt.offset)); got != tt.want {
			t.Errorf("duplicate at +%v = %v, want %v", tt.offset, got, tt.want)
		}
	}
}

func TestDedupEviction(t *testing.T) {
	c, err := newDedupCache(2, time.Minute)
	if err != nil {
		t.Fatalf("newDedupCache failed: %v", err)
	}

	first := dedupKey(1, "e", nil)
	c.duplicate(first, t0)
	c.duplicate(dedupKey(2, "e", nil), t0)
	c.duplicate(dedupKey(3, "e", nil), t0)

	if c.duplicate(first, t0) {
		t.Error("evicted key still reported as duplicate")
	}
}

func TestNewDedupCacheRejectsBadSize(t *testing.T) {
	if _, err := newDedupCache(0, time.Second); err == nil {
		t.Error("expected error for zero size")
	}
}
