package channel

import "errors"

// The channel's error taxonomy. Every operation that can fail returns an
// error wrapping one of these sentinels, so callers can branch with
// errors.Is instead of string matching.
var (
	// ErrTimeout marks a deadline elapsing while waiting on a worker
	// response (StartStream, WorkerInitResponse, a load or reload
	// response, an invocation result).
	ErrTimeout = errors.New("channel: timeout")

	// ErrProtocolViolation marks a worker message that doesn't conform to
	// the expected shape or sequencing — a malformed payload, or a
	// StartStream announcing the wrong worker ID.
	ErrProtocolViolation = errors.New("channel: protocol violation")

	// ErrWorkerProcessFailure marks the worker process itself failing:
	// exiting unexpectedly, or reporting failure on init.
	ErrWorkerProcessFailure = errors.New("channel: worker process failure")

	// ErrLoadFailure marks a function that failed to load.
	ErrLoadFailure = errors.New("channel: function load failure")

	// ErrInvocationFailure marks an invocation the worker reported as
	// failed.
	ErrInvocationFailure = errors.New("channel: invocation failure")

	// ErrCancelled marks an invocation or operation cancelled before it
	// completed.
	ErrCancelled = errors.New("channel: cancelled")

	// ErrInvalidState marks an operation attempted from a state that
	// doesn't permit it.
	ErrInvalidState = errors.New("channel: invalid state")
)
