package presence

import (
	"testing"
	"time"
)

func TestSetAndOnline(t *testing.T) {
	tr := NewTracker()
	if tr.Online("u1") {
		t.Error("unknown user reported online")
	}

	tr.Set("u1", true, time.Time{})
	if !tr.Online("u1") {
		t.Error("u1 should be online")
	}

	tr.Set("u1", false, time.Time{})
	if tr.Online("u1") {
		t.Error("u1 should be offline")
	}
	rec, ok := tr.Get("u1")
	if !ok || rec.LastSeen.IsZero() {
		t.Error("offline transition should stamp last seen")
	}
}

func TestSnapshotLastSeenPreserved(t *testing.T) {
	tr := NewTracker()
	seen := time.Unix(1700000000, 0)
	tr.Set("u2", false, seen)
	rec, _ := tr.Get("u2")
	if !rec.LastSeen.Equal(seen) {
		t.Errorf("last seen = %v, want %v", rec.LastSeen, seen)
	}

	// Going online must not wipe the stamp.
	tr.Set("u2", true, time.Time{})
	rec, _ = tr.Get("u2")
	if !rec.LastSeen.Equal(seen) {
		t.Errorf("last seen lost on online transition: %v", rec.LastSeen)
	}
}

func TestReset(t *testing.T) {
	tr := NewTracker()
	tr.Set("u1", true, time.Time{})
	tr.Reset()
	if tr.Online("u1") {
		t.Error("record survived reset")
	}
}
