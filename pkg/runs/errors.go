package runs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a run does not exist or has expired.
	ErrNotFound = errors.New("run not found")

	// ErrConflict is returned when a newly generated run id collides with
	// an existing record. Callers retry with a new id.
	ErrConflict = errors.New("run id conflict")

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the run's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidArgument is returned for malformed store inputs.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidCursor is returned when a list cursor cannot be decoded or
	// belongs to a different query.
	ErrInvalidCursor = errors.New("invalid cursor")
)

// TransitionError records a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
