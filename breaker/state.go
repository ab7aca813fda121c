package breaker

import (
	"fmt"
	"strings"
)

// State is a breaker state. The numeric values are the ones exported on the
// breaker_state gauge.
type State int

const (
	StateClosed   State = 0
	StateHalfOpen State = 1
	StateOpen     State = 2
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState parses a wire name.
func ParseState(s string) (State, error) {
	switch strings.ToUpper(s) {
	case "CLOSED":
		return StateClosed, nil
	case "HALF_OPEN":
		return StateHalfOpen, nil
	case "OPEN":
		return StateOpen, nil
	default:
		return 0, fmt.Errorf("unknown breaker state %q", s)
	}
}

// Update is the broadcast and snapshot form of a transition.
type Update struct {
	Service   string `json:"service"`
	State     string `json:"state"`
	Timestamp int64  `json:"timestamp"` // unix millis of the transition
}
