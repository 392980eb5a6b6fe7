// Package verification runs the two-phase baseline/delta protocol for a
// (user, job) pair.
//
// Session state graph:
//
//	NONE ──► PENDING ──┬──► VERIFIED
//	           ▲   │   ├──► FAILED ──┐
//	           └───┘   └──► EXPIRED  │
//	           ▲                     │
//	           └─────────────────────┘
//
// PENDING → PENDING is a restart that discards the old baseline. FAILED keeps
// the baseline so verify can be retried without a new start. VERIFIED and
// EXPIRED are terminal.
package verification

import "fmt"

// State is the lifecycle position of a session.
type State string

const (
	StateNone     State = "NONE"
	StatePending  State = "PENDING"
	StateVerified State = "VERIFIED"
	StateFailed   State = "FAILED"
	StateExpired  State = "EXPIRED"
)

var validTransitions = map[State][]State{
	StateNone:    {StatePending},
	StatePending: {StatePending, StateVerified, StateFailed, StateExpired},
	StateFailed:  {StatePending, StateVerified, StateFailed, StateExpired},
	// VERIFIED and EXPIRED are terminal
}

// ParseState converts a raw string to a State.
func ParseState(s string) (State, error) {
	st := State(s)
	switch st {
	case StateNone, StatePending, StateVerified, StateFailed, StateExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown session state %q", s)
}

// IsTransitionAllowed returns true when moving from → to is permitted.
func IsTransitionAllowed(from, to State) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s State) bool {
	_, ok := validTransitions[s]
	return !ok
}
