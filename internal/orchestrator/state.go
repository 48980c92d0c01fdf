package orchestrator

import (
	"fmt"
	"time"
)

type State string

const (
	StateIdle         State = "idle"
	StateLayer1       State = "layer1"
	StateLayer2       State = "layer2"
	StateSynthesizing State = "synthesizing"
	StateJudging      State = "judging"
	StateScoring      State = "scoring"
	StateEvaluating   State = "evaluating"
	StateTerminated   State = "terminated"
)

// validTransitions is the complete edge set of the run state machine. The
// single loop-back edge is evaluating -> layer1; every non-terminal state may
// abort to terminated.
var validTransitions = map[State][]State{
	StateIdle:         {StateLayer1},
	StateLayer1:       {StateLayer2, StateTerminated},
	StateLayer2:       {StateSynthesizing, StateTerminated},
	StateSynthesizing: {StateJudging, StateTerminated},
	StateJudging:      {StateScoring, StateTerminated},
	StateScoring:      {StateEvaluating, StateTerminated},
	StateEvaluating:   {StateLayer1, StateTerminated},
	StateTerminated:   {},
}

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Machine tracks the controller's state and its append-only transition
// history. It is not safe for concurrent use; the controller is the sole
// caller.
type Machine struct {
	state   State
	history []Transition
}

func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

func (m *Machine) Current() State { return m.state }

// To advances the machine, rejecting edges outside the transition table.
func (m *Machine) To(next State) error {
	for _, allowed := range validTransitions[m.state] {
		if allowed == next {
			m.history = append(m.history, Transition{From: m.state, To: next, At: time.Now().UTC()})
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid state transition %s -> %s", m.state, next)
}

// History returns a copy of the transitions taken so far.
func (m *Machine) History() []Transition {
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}
