package verification_test

import (
	"testing"

	"tapcash/engagement-service/internal/verification"
)

var allStates = []verification.State{
	verification.StateNone,
	verification.StatePending,
	verification.StateVerified,
	verification.StateFailed,
	verification.StateExpired,
}

// ── ParseState ────────────────────────────────────────────────────────────

func TestParseState_RoundTrip(t *testing.T) {
	for _, s := range allStates {
		got, err := verification.ParseState(string(s))
		if err != nil {
			t.Errorf("ParseState(%q) unexpected error: %v", s, err)
		}
		if got != s {
			t.Errorf("ParseState(%q) = %q", s, got)
		}
	}
}

func TestParseState_Invalid(t *testing.T) {
	for _, s := range []string{"", "pending", " PENDING", "DONE"} {
		if _, err := verification.ParseState(s); err == nil {
			t.Errorf("ParseState(%q) expected error, got nil", s)
		}
	}
}

// ── IsTransitionAllowed ───────────────────────────────────────────────────

func TestIsTransitionAllowed_Valid(t *testing.T) {
	cases := []struct{ from, to verification.State }{
		{verification.StateNone, verification.StatePending},
		{verification.StatePending, verification.StatePending}, // restart
		{verification.StatePending, verification.StateVerified},
		{verification.StatePending, verification.StateFailed},
		{verification.StatePending, verification.StateExpired},
		{verification.StateFailed, verification.StateVerified}, // retry verify
		{verification.StateFailed, verification.StateFailed},
		{verification.StateFailed, verification.StatePending},
		{verification.StateFailed, verification.StateExpired},
	}
	for _, c := range cases {
		if !verification.IsTransitionAllowed(c.from, c.to) {
			t.Errorf("IsTransitionAllowed(%s → %s) should be true", c.from, c.to)
		}
	}
}

func TestIsTransitionAllowed_NoneOnlyStarts(t *testing.T) {
	for _, to := range allStates {
		want := to == verification.StatePending
		if got := verification.IsTransitionAllowed(verification.StateNone, to); got != want {
			t.Errorf("IsTransitionAllowed(NONE → %s) = %v, want %v", to, got, want)
		}
	}
}

func TestIsTransitionAllowed_FromTerminal(t *testing.T) {
	for _, from := range []verification.State{verification.StateVerified, verification.StateExpired} {
		if !verification.IsTerminal(from) {
			t.Errorf("IsTerminal(%s) should be true", from)
		}
		for _, to := range allStates {
			if verification.IsTransitionAllowed(from, to) {
				t.Errorf("IsTransitionAllowed(%s → %s) should be false (terminal state)", from, to)
			}
		}
	}
}

func TestIsTerminal_NonTerminal(t *testing.T) {
	for _, s := range []verification.State{verification.StateNone, verification.StatePending, verification.StateFailed} {
		if verification.IsTerminal(s) {
			t.Errorf("IsTerminal(%s) should be false", s)
		}
	}
}
