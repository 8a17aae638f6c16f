package scheduler

import "errors"

var (
	// ErrNotFound indicates the job does not exist
	ErrNotFound = errors.New("job not found")

	// ErrValidation indicates an enqueue request failed validation
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition indicates the requested state change is not
	// defined from the job's current state.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrTerminal marks a worker failure that must not be retried even
	// when the retry budget is not exhausted. Workers wrap their error
	// with this sentinel to signal the distinction; the scheduler itself
	// does not inspect failure causes.
	ErrTerminal = errors.New("terminal processing failure")
)
