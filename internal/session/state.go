package session

// State is a session lifecycle state.
type State int32

const (
	// StateCreated is a reserved session whose backend is starting.
	StateCreated State = iota

	// StateActive forwards audio and text in both directions.
	StateActive

	// StateDraining flushes queued input, stops the backend and forwards its
	// remaining output.
	StateDraining

	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// validTransition reports whether the state machine allows from -> to.
// A failing backend skips Draining.
func validTransition(from, to State) bool {
	switch from {
	case StateCreated:
		return to == StateActive || to == StateClosed
	case StateActive:
		return to == StateDraining || to == StateClosed
	case StateDraining:
		return to == StateClosed
	}
	return false
}
