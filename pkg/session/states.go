package session

// State represents a session's position in its lifecycle.
type State string

// Session lifecycle states.
const (
	StateQueued     State = "QUEUED"
	StateStarting   State = "STARTING"
	StateCloning    State = "CLONING"
	StateRunning    State = "RUNNING"
	StatePaused     State = "PAUSED"
	StateCompleting State = "COMPLETING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateAborted    State = "ABORTED"
)

func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether the state has no outgoing transitions.
// A session in a terminal state is immutable and kept only for audit.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

// IsValid reports whether s is a known lifecycle state.
func (s State) IsValid() bool {
	switch s {
	case StateQueued, StateStarting, StateCloning, StateRunning,
		StatePaused, StateCompleting, StateCompleted, StateFailed, StateAborted:
		return true
	}
	return false
}

// TransitionTable maps each state to the states it may transition to.
type TransitionTable map[State][]State

// ValidTransitions defines the allowed state transitions.
// The PAUSED -> FAILED edge exists only for the wall-clock watchdog,
// which must be able to time out a session awaiting human input.
var ValidTransitions = TransitionTable{
	StateQueued:     {StateStarting, StateAborted},
	StateStarting:   {StateCloning, StateFailed, StateAborted},
	StateCloning:    {StateRunning, StateFailed, StateAborted},
	StateRunning:    {StatePaused, StateCompleting, StateFailed, StateAborted},
	StatePaused:     {StateRunning, StateFailed, StateAborted},
	StateCompleting: {StateCompleted, StateFailed},
	StateCompleted:  {},
	StateFailed:     {},
	StateAborted:    {},
}

// CanTransition reports whether a transition from -> to is in the table.
// Unknown states and terminal states always fail closed.
func (t TransitionTable) CanTransition(from, to State) bool {
	allowed, ok := t[from]
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
