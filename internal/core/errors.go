package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDefinition rejects a submission outright; it is never
	// retried.
	ErrInvalidDefinition = errors.New("invalid job definition")

	// ErrNoEligibleJob is a transient scheduling condition: nothing in
	// the queue matches the offered capabilities right now. Callers
	// retry on the next pass; submitters never see it.
	ErrNoEligibleJob = errors.New("no eligible job")

	ErrUnknownJob   = errors.New("unknown job")
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrIllegalTransition guards the monotonic state machine.
	ErrIllegalTransition = errors.New("illegal job state transition")

	// ErrAgentSaturated means the agent has no free capacity slot.
	ErrAgentSaturated = errors.New("agent at capacity")

	// ErrAgentOffline excludes reaped agents from reservation.
	ErrAgentOffline = errors.New("agent offline")
)

// StageError carries the failing stage name, a reason classification
// and the captured output reference, so a failed Job always exposes
// where and why it died.
type StageError struct {
	Stage  string
	Reason Reason
	Ref    OutputRef
	Err    error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stage %q: %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("stage %q: %s", e.Stage, e.Reason)
}

func (e *StageError) Unwrap() error { return e.Err }
