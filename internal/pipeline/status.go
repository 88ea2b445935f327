package pipeline

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

var (
	// ErrTerminalState is returned when a finished run is finalized again.
	ErrTerminalState = errors.New("terminal run state is immutable")

	// ErrInvalidTransition is returned for transitions the run lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid run state transition")
)

// IsTerminal reports whether s is SUCCESS or FAILED.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ValidateTransition checks a run status change.
//
// Valid transitions:
//   - RUNNING → SUCCESS
//   - RUNNING → FAILED
//
// Terminal states never change, not even to themselves, so a run is finalized exactly once.
func ValidateTransition(from, to Status) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s → %s", ErrTerminalState, from, to)
	}

	if from != StatusRunning || !to.IsTerminal() {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}

	return nil
}
