package model

import (
	"errors"
	"fmt"
)

// Domain errors. Handlers map these to HTTP status codes; the job service
// and workers decide which are terminal for a job.
var (
	// ErrInvalidInput covers bad client input. Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrJobNotFound means the job id is unknown.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotCompleted is the precondition failure for operations that
	// require a completed job (link refresh, chaining).
	ErrJobNotCompleted = errors.New("job not completed")

	// ErrInvalidTransition is returned by the store when a conditional
	// update finds the job in a status outside the expected set.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// UpstreamError wraps a failure from the generation backend or the
// compositor. It always terminates the owning job as failed; retrying
// requires submitting a fresh job.
type UpstreamError struct {
	Stage string // "generation" or "compose"
	Err   error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
