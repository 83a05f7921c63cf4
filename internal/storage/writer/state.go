package writer

import "fmt"

// =============================================================================
// State Machine Definition
// =============================================================================

// State is the lifecycle state of a Writer.
type State int32

const (
	// StateIdle: constructed, not started.
	StateIdle State = iota
	// StateRunning: consuming the queue and flushing batches.
	StateRunning
	// StateDraining: stop requested; collecting what is left for the
	// final flush.
	StateDraining
	// StateStopped: terminal.
	StateStopped
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// stateTransition represents a state transition.
type stateTransition struct {
	from State
	to   State
}

// validTransitions defines all allowed state transitions.
var validTransitions = map[stateTransition]bool{
	// From Idle. Stopping a writer that never started still drains.
	{StateIdle, StateRunning}:  true,
	{StateIdle, StateDraining}: true,

	// From Running
	{StateRunning, StateDraining}: true,

	// From Draining
	{StateDraining, StateStopped}: true,
}
