package pairing

import "fmt"

// State is a Session lifecycle state.
type State uint8

const (
	StateInit State = iota
	StateAwaitingIdentifier
	StateCodePending
	StateConnected
	StateFailed
	StateClosed
)

var stateNames = [...]string{
	StateInit:               "INIT",
	StateAwaitingIdentifier: "AWAITING_IDENTIFIER",
	StateCodePending:        "CODE_PENDING",
	StateConnected:          "CONNECTED",
	StateFailed:             "FAILED",
	StateClosed:             "CLOSED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Terminal reports whether s is absorbing (FAILED or CLOSED).
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// ParseState is the inverse of String.
func ParseState(v string) (State, error) {
	for i, name := range stateNames {
		if name == v {
			return State(i), nil
		}
	}
	return StateInit, fmt.Errorf("pairing: unknown state %q", v)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
