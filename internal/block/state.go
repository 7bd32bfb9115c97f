package block

import "sync"

// State is the effective, compose-disabling projection of the two
// independent block flags. YouBlocked wins: it is the only state that
// disables sending; TheyBlockedYou is display-only.
type State string

const (
	None           State = "none"
	YouBlocked     State = "you_blocked"
	TheyBlockedYou State = "they_blocked_you"
)

type flags struct {
	youBlocked     bool
	theyBlockedYou bool
}

// Machine tracks per-conversation block relationships. The two flags are
// written from different sources and never inferred from each other:
// youBlocked only by block/unblock call results, theyBlockedYou only by
// server-declared relationship events.
type Machine struct {
	mu   sync.RWMutex
	conv map[string]flags
}

// NewMachine creates an empty block machine.
func NewMachine() *Machine {
	return &Machine{conv: make(map[string]flags)}
}

// SetYouBlocked records the result of a successful block/unblock call.
func (m *Machine) SetYouBlocked(convID string, blocked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.conv[convID]
	f.youBlocked = blocked
	m.conv[convID] = f
}

// SetTheyBlockedYou records a server-declared counterpart block.
func (m *Machine) SetTheyBlockedYou(convID string, blocked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.conv[convID]
	f.theyBlockedYou = blocked
	m.conv[convID] = f
}

// Effective returns the compose-disabling projection for a conversation.
func (m *Machine) Effective(convID string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f := m.conv[convID]
	switch {
	case f.youBlocked:
		return YouBlocked
	case f.theyBlockedYou:
		return TheyBlockedYou
	default:
		return None
	}
}

// YouBlocked reports whether the current user has blocked the counterpart.
func (m *Machine) YouBlocked(convID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conv[convID].youBlocked
}

// Forget drops the relationship state for a deleted conversation.
func (m *Machine) Forget(convID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conv, convID)
}

// Reset drops all state. Called on logout.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conv = make(map[string]flags)
}
