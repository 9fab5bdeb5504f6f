package committer

import (
	"errors"

	"github.com/hashicorp-forge/hermes-committer/pkg/backend"
	"github.com/hashicorp-forge/hermes-committer/pkg/queue"
)

var (
	// ErrIOFault reports a local storage failure in the queue.
	ErrIOFault = queue.ErrIO

	// ErrBackendUnavailable reports a transient backend failure.
	ErrBackendUnavailable = backend.ErrUnavailable

	// ErrBackendRejected reports a permanent backend failure.
	ErrBackendRejected = backend.ErrRejected

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("committer closed")

	// ErrInvalidOperation is returned for an empty document id.
	ErrInvalidOperation = queue.ErrInvalidOperation

	// ErrAutoFlush is returned by Add and Remove when the operation was
	// queued but the flush it triggered failed.
	ErrAutoFlush = errors.New("operation queued, auto-flush failed")
)

// Error represents a committer error with context.
type Error struct {
	Op  string // Operation that failed (e.g., "add", "flush")
	Err error  // Underlying error
	Msg string // Additional context
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Op + ": " + e.Msg + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classify reports the failure class of err for metrics and logging.
func classify(err error) string {
	switch {
	case errors.Is(err, ErrIOFault):
		return "io"
	case errors.Is(err, ErrBackendRejected):
		return "rejected"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "unavailable"
	}
}
