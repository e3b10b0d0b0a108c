package launcher

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a phase change is not allowed
var ErrInvalidTransition = errors.New("invalid phase transition")

// Phase is the lifecycle state of a unit build or run
type Phase string

const (
	PhaseBuilding Phase = "building"
	PhaseBuilt    Phase = "built"
	PhaseFailed   Phase = "failed"
	PhaseRunning  Phase = "running"
	PhaseExited   Phase = "exited"
)

// transitions lists the allowed next phases. Built, failed and exited are
// terminal: a built unit is started by recording runs, not by changing phase.
var transitions = map[Phase][]Phase{
	PhaseBuilding: {PhaseBuilt, PhaseFailed},
	PhaseRunning:  {PhaseExited},
}

// Transition returns nil if moving from p to next is allowed
func (p Phase) Transition(next Phase) error {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return nil
		}
	}
	return fmt.Errorf("%s -> %s: %w", p, next, ErrInvalidTransition)
}

// Terminal reports whether no transition leaves p
func (p Phase) Terminal() bool {
	return len(transitions[p]) == 0
}
