package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job ID does not exist.
	ErrJobNotFound = errors.New("engraving job not found")
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the job's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidRequest is returned when an enqueue request is malformed.
	ErrInvalidRequest = errors.New("invalid enqueue request")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	JobID int64
	From  Status
	To    Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %d: cannot move from %s to %s", e.JobID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
