package enrichment

import "fmt"

// RunState is the lifecycle state of a batch scheduler run.
type RunState string

const (
	// RunStateIdle is the state before the checkpoint has been loaded.
	RunStateIdle RunState = "IDLE"
	// RunStateRunning means the scheduler is between batches.
	RunStateRunning RunState = "RUNNING"
	// RunStateBatchInFlight means keys of the current batch are being processed.
	RunStateBatchInFlight RunState = "BATCH_IN_FLIGHT"
	// RunStateCheckpointing means the batch output is being flushed and the
	// checkpoint committed.
	RunStateCheckpointing RunState = "CHECKPOINTING"
	// RunStateCompleted is terminal: every key has a terminal outcome.
	RunStateCompleted RunState = "COMPLETED"
	// RunStateAborted is terminal: the run stopped on a fatal error or an
	// interrupt. The last commit stands.
	RunStateAborted RunState = "ABORTED"
)

var validRunTransitions = map[RunState][]RunState{
	RunStateIdle:          {RunStateRunning, RunStateAborted},
	RunStateRunning:       {RunStateBatchInFlight, RunStateCompleted, RunStateAborted},
	RunStateBatchInFlight: {RunStateCheckpointing, RunStateAborted},
	RunStateCheckpointing: {RunStateRunning, RunStateBatchInFlight, RunStateCompleted, RunStateAborted},
}

// IsTerminal reports whether no further transitions are possible.
func (s RunState) IsTerminal() bool { return s == RunStateCompleted || s == RunStateAborted }

// CanTransitionTo reports whether moving from s to next is allowed.
func (s RunState) CanTransitionTo(next RunState) bool {
	for _, allowed := range validRunTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunStateMachine tracks the current state of one run and rejects illegal
// transitions.
type RunStateMachine struct {
	state   RunState
	onEnter func(from, to RunState)
}

// NewRunStateMachine returns a machine in RunStateIdle. onEnter, if non-nil,
// is called after every successful transition.
func NewRunStateMachine(onEnter func(from, to RunState)) *RunStateMachine {
	return &RunStateMachine{state: RunStateIdle, onEnter: onEnter}
}

// State returns the current state.
func (m *RunStateMachine) State() RunState { return m.state }

// Transition moves the machine to next.
func (m *RunStateMachine) Transition(next RunState) error {
	if !m.state.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, m.state, next)
	}
	from := m.state
	m.state = next
	if m.onEnter != nil {
		m.onEnter(from, next)
	}
	return nil
}
