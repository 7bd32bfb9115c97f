package block

import "testing"

func TestEffectivePrecedence(t *testing.T) {
	m := NewMachine()

	if got := m.Effective("c1"); got != None {
		t.Errorf("initial = %s, want none", got)
	}

	m.SetTheyBlockedYou("c1", true)
	if got := m.Effective("c1"); got != TheyBlockedYou {
		t.Errorf("got %s, want they_blocked_you", got)
	}

	// Both flags set: youBlocked wins for compose-disabling.
	m.SetYouBlocked("c1", true)
	if got := m.Effective("c1"); got != YouBlocked {
		t.Errorf("got %s, want you_blocked", got)
	}

	// Lifting your block keeps the counterpart's block visible.
	m.SetYouBlocked("c1", false)
	if got := m.Effective("c1"); got != TheyBlockedYou {
		t.Errorf("got %s, want they_blocked_you", got)
	}

	m.SetTheyBlockedYou("c1", false)
	if got := m.Effective("c1"); got != None {
		t.Errorf("got %s, want none", got)
	}
}

func TestFlagsAreIndependent(t *testing.T) {
	m := NewMachine()
	m.SetYouBlocked("c1", true)
	if m.Effective("c2") != None {
		t.Error("state leaked across conversations")
	}
	m.SetTheyBlockedYou("c1", true)
	m.SetTheyBlockedYou("c1", false)
	if !m.YouBlocked("c1") {
		t.Error("theyBlockedYou write clobbered youBlocked")
	}
}

func TestForget(t *testing.T) {
	m := NewMachine()
	m.SetYouBlocked("c1", true)
	m.Forget("c1")
	if m.Effective("c1") != None {
		t.Error("state survived Forget")
	}
}
