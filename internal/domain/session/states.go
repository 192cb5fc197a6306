package session

import "fmt"

// State is the lifecycle high-water mark of a session. Transitions only
// move forward, so observers never see seal, commit, or install undone.
//
// Destruction is deliberately not a State: a session can be destroyed from
// any non-terminal point (including after commit, when a multi-package
// sibling fails), and folding it into the ordered enum would make the
// monotonic accessors lie. It lives in its own terminal flag instead.
type State int

const (
	StateOpen State = iota
	StatePrepared
	StateSealed
	StateCommitted
	StateInstalling
	StateFinished
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StatePrepared:
		return "prepared"
	case StateSealed:
		return "sealed"
	case StateCommitted:
		return "committed"
	case StateInstalling:
		return "installing"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// legalNext is the explicit transition table. Every advance is checked
// against it; an illegal jump is a programming error, not a client error.
var legalNext = map[State]State{
	StateOpen:       StatePrepared,
	StatePrepared:   StateSealed,
	StateSealed:     StateCommitted,
	StateCommitted:  StateInstalling,
	StateInstalling: StateFinished,
}

// advanceLocked moves the session to next. Caller holds s.mu. Skipping
// states is illegal; re-entering the current state is a no-op.
func (s *Session) advanceLocked(next State) {
	if s.state == next {
		return
	}
	if legalNext[s.state] != next {
		panic(fmt.Sprintf("session %d: illegal transition %s -> %s", s.id, s.state, next))
	}
	s.state = next
}
