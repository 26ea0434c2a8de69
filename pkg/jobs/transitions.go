package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound       = errors.New("reconstruction job not found")
	ErrJobTerminal       = errors.New("job is in a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnexpectedStatus  = errors.New("job is not in the expected status")
	ErrInvariant         = errors.New("job invariant violated")
)

// pipelineOrder is the only forward path a job may take.
var pipelineOrder = []Status{
	StatusUploaded,
	StatusValidating,
	StatusExtractingFrames,
	StatusTraining,
	StatusExporting,
	StatusCompressing,
	StatusCompleted,
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

func (s Status) Valid() bool {
	if s == StatusError {
		return true
	}
	for _, known := range pipelineOrder {
		if s == known {
			return true
		}
	}
	return false
}

// Next returns the status that follows s on the forward path.
func (s Status) Next() (Status, bool) {
	for i, known := range pipelineOrder {
		if known == s && i+1 < len(pipelineOrder) {
			return pipelineOrder[i+1], true
		}
	}
	return "", false
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusError {
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}

// Transition returns a mutation that moves a job from one status to the next,
// failing with ErrUnexpectedStatus when the job is elsewhere.
func Transition(from, to Status) func(*Job) error {
	return func(j *Job) error {
		if j.Status != from {
			return fmt.Errorf("%w: want %s, have %s", ErrUnexpectedStatus, from, j.Status)
		}
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		j.Status = to
		return nil
	}
}

// CheckMutation validates a candidate record against the record it replaces.
// Every Store runs it before persisting.
func CheckMutation(before, after *Job) error {
	if before.Terminal() {
		return ErrJobTerminal
	}
	if after.ID != before.ID || after.Preset != before.Preset || !after.CreatedAt.Equal(before.CreatedAt) {
		return fmt.Errorf("%w: immutable field changed", ErrInvariant)
	}
	if after.Status != before.Status && !CanTransition(before.Status, after.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before.Status, after.Status)
	}
	if after.Progress < before.Progress {
		return fmt.Errorf("%w: progress regressed from %.4f to %.4f", ErrInvariant, before.Progress, after.Progress)
	}
	if after.Progress > 1 {
		return fmt.Errorf("%w: progress %.4f above 1", ErrInvariant, after.Progress)
	}
	if after.Status == StatusCompleted && after.Progress != 1 {
		return fmt.Errorf("%w: completed job must report full progress", ErrInvariant)
	}
	for key, path := range before.Artifacts {
		if after.Artifacts[key] != path {
			return fmt.Errorf("%w: artifact %q is immutable", ErrInvariant, key)
		}
	}
	if before.Validation != nil && after.Validation == nil {
		return fmt.Errorf("%w: validation info removed", ErrInvariant)
	}
	if after.Status == StatusError {
		if after.ErrorMessage == "" {
			return fmt.Errorf("%w: error status requires a message", ErrInvariant)
		}
	} else if after.ErrorMessage != "" || after.ErrorKind != "" {
		return fmt.Errorf("%w: error message outside error status", ErrInvariant)
	}
	return nil
}
