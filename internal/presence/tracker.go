package presence

import (
	"sync"
	"time"
)

// Record holds the last known presence of a counterpart user.
type Record struct {
	Online   bool
	LastSeen time.Time
}

// Tracker maintains online/offline status per counterpart user id. It is
// fed by realtime presence events and by list/history fetch snapshots;
// nothing is persisted, the map is rebuilt on every run.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{records: make(map[string]Record)}
}

// Set records the presence of a user. A transition to offline stamps the
// last-seen time; a snapshot may supply its own last-seen instead.
func (t *Tracker) Set(userID string, online bool, lastSeen time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[userID]
	if rec.Online && !online && lastSeen.IsZero() {
		lastSeen = time.Now()
	}
	if lastSeen.IsZero() {
		lastSeen = rec.LastSeen
	}
	t.records[userID] = Record{Online: online, LastSeen: lastSeen}
}

// Online reports whether the user is currently known to be online.
func (t *Tracker) Online(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[userID].Online
}

// Get returns the full presence record for a user.
func (t *Tracker) Get(userID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[userID]
	return rec, ok
}

// Reset drops all records. Called on logout.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]Record)
}
