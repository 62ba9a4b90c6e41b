// Package jobstate defines the lifecycle of a supervised job.
package jobstate

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// State is a job lifecycle state.
//
// Values are persisted in job records and event output.
type State string

const (
	Unstarted           State = "unstarted"
	CoordinatorStarting State = "coordinator_starting"
	CoordinatorReady    State = "coordinator_ready"
	Launching           State = "launching"
	AwaitingMembership  State = "awaiting_membership"
	Running             State = "running"
	Checkpointing       State = "checkpointing"
	Completed           State = "completed"
	Failed              State = "failed"
	TimedOut            State = "timed_out"
)

// ErrInvalidTransition is returned when a transition is not in the table.
var ErrInvalidTransition = errors.New("invalid job state transition")

var validTransitions = map[State][]State{
	Unstarted:           {CoordinatorStarting},
	CoordinatorStarting: {CoordinatorReady, Failed},
	CoordinatorReady:    {Launching, Failed},
	Launching:           {AwaitingMembership, Running, Failed, TimedOut},
	AwaitingMembership:  {Running, Failed, TimedOut},
	Running:             {Checkpointing, Completed, Failed, TimedOut},
	Checkpointing:       {Running, Completed, Failed, TimedOut},
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == TimedOut
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case Unstarted, CoordinatorStarting, CoordinatorReady, Launching, AwaitingMembership,
		Running, Checkpointing, Completed, Failed, TimedOut:
		return true
	}
	return false
}

func (s State) String() string {
	return string(s)
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Holder stores the last known state and swaps it atomically.
// The zero value holds Unstarted.
type Holder struct {
	v        atomic.Value
	onChange func(from, to State)
}

// NewHolder returns a holder that reports every successful transition to
// onChange. onChange may be nil.
func NewHolder(onChange func(from, to State)) *Holder {
	return &Holder{onChange: onChange}
}

// Load returns the current state.
func (h *Holder) Load() State {
	if s, ok := h.v.Load().(State); ok {
		return s
	}
	return Unstarted
}

// Transition moves to the given state if the transition table allows it.
func (h *Holder) Transition(to State) error {
	for {
		from := h.Load()
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		if h.swap(from, to) {
			if h.onChange != nil {
				h.onChange(from, to)
			}
			return nil
		}
	}
}

// CompareAndTransition moves from -> to only if the current state is from.
// It returns false without error when the current state differs.
func (h *Holder) CompareAndTransition(from, to State) (bool, error) {
	if !CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if !h.swap(from, to) {
		return false, nil
	}
	if h.onChange != nil {
		h.onChange(from, to)
	}
	return true, nil
}

func (h *Holder) swap(from, to State) bool {
	if from == Unstarted && h.v.Load() == nil {
		if h.v.CompareAndSwap(nil, to) {
			return true
		}
	}
	return h.v.CompareAndSwap(from, to)
}
