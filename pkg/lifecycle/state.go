// Package lifecycle runs the gateway process through start, drain and stop.
//
// A [Service] owns an ordered list of start hooks (dependency checks, key
// warm-up, listeners) and stop hooks (listener shutdown, audit drain,
// client teardown). Its state drives the readiness probe: only a running
// service reports ready, so load balancers stop routing to a replica as
// soon as it begins draining.
//
//	Unknown → Starting → Running → Draining → Stopped
//
// Any non-terminal state may move to Failed. Stopped and Failed may move
// back to Starting.
package lifecycle

import "slices"

// State is the lifecycle state of a [Service]. The zero value is not a
// valid state; services begin in [StateUnknown].
type State string

const (
	StateUnknown  State = "unknown"
	StateStarting State = "starting"
	StateRunning  State = "running"

	// StateDraining is entered when Stop begins. In-flight checks finish
	// while the readiness probe already fails.
	StateDraining State = "draining"

	StateStopped State = "stopped"

	// StateFailed is entered when a start or stop hook fails.
	StateFailed State = "failed"
)

func (s State) String() string { return string(s) }

// Valid reports whether s is a recognized state.
func (s State) Valid() bool {
	switch s {
	case StateUnknown, StateStarting, StateRunning, StateDraining, StateStopped, StateFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s is Stopped or Failed.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// Transition matrix:
//
//	Unknown  → Starting, Failed
//	Starting → Running, Draining, Failed
//	Running  → Draining, Failed
//	Draining → Stopped, Failed
//	Stopped  → Starting
//	Failed   → Starting
var validTransitions = map[State][]State{
	StateUnknown:  {StateStarting, StateFailed},
	StateStarting: {StateRunning, StateDraining, StateFailed},
	StateRunning:  {StateDraining, StateFailed},
	StateDraining: {StateStopped, StateFailed},
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting},
}

// ValidTransition reports whether a service may move from one state to
// another. Same-state transitions are rejected.
func ValidTransition(from, to State) bool {
	if from == to {
		return false
	}
	return slices.Contains(validTransitions[from], to)
}
