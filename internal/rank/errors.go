package rank

import (
	"context"
	"errors"
)

// Sentinel errors describing why a work item did not succeed.
var (
	ErrAcquisitionTimeout    = errors.New("session acquisition timed out")
	ErrExecutionFailure      = errors.New("execution failed")
	ErrExecutionTimeout      = errors.New("execution timed out")
	ErrBatchDeadlineExceeded = errors.New("batch deadline exceeded")
	ErrBatchCancelled        = errors.New("batch cancelled")
	// ErrSessionBroken marks failures after which the session must not be reused.
	ErrSessionBroken = errors.New("session broken")
	// ErrGridOverloaded is returned by session factories when the browser grid is saturated.
	ErrGridOverloaded = errors.New("browser grid overloaded")
)

// Kind is the machine-readable failure category stored on a Result.
type Kind string

// Result kinds.
const (
	KindAcquisitionTimeout    Kind = "acquisition_timeout"
	KindExecutionFailure      Kind = "execution_failure"
	KindExecutionTimeout      Kind = "execution_timeout"
	KindBatchDeadlineExceeded Kind = "batch_deadline_exceeded"
	KindBatchCancelled        Kind = "batch_cancelled"
	KindSessionBroken         Kind = "session_broken"
)

// Outcome maps a kind onto the outcome reported to callers.
func (k Kind) Outcome() Outcome {
	switch k {
	case KindAcquisitionTimeout, KindExecutionTimeout, KindBatchDeadlineExceeded:
		return OutcomeTimedOut
	default:
		return OutcomeFailed
	}
}

// KindOf classifies err. Unknown errors are execution failures.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrAcquisitionTimeout):
		return KindAcquisitionTimeout
	case errors.Is(err, ErrBatchDeadlineExceeded):
		return KindBatchDeadlineExceeded
	case errors.Is(err, ErrBatchCancelled):
		return KindBatchCancelled
	case errors.Is(err, ErrExecutionTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindExecutionTimeout
	case errors.Is(err, ErrSessionBroken):
		return KindSessionBroken
	default:
		return KindExecutionFailure
	}
}
