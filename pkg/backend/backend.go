// Package backend defines the contract between the committer and the index
// it writes to.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp-forge/hermes-committer/pkg/fieldmap"
)

// Backend receives mapped documents. Adds and deletes are buffered by the
// backend until Commit makes them durable on the remote side.
type Backend interface {
	// Name returns the backend identifier.
	Name() string

	// AddDocument stages an add or replace of the document with id.
	AddDocument(ctx context.Context, id string, rec fieldmap.Record) error

	// DeleteDocument stages a delete of the document with id.
	DeleteDocument(ctx context.Context, id string) error

	// Commit sends everything staged since the last Commit. Staged
	// operations are cleared whether or not it succeeds.
	Commit(ctx context.Context) error

	// Rollback discards everything staged since the last Commit.
	Rollback()

	// Close releases backend resources.
	Close() error
}

var (
	// ErrUnavailable marks transient failures: network, timeouts, 5xx.
	ErrUnavailable = errors.New("index backend unavailable")

	// ErrRejected marks failures the backend will keep returning for the
	// same input.
	ErrRejected = errors.New("index backend rejected request")
)

// Error is a failure reported by a specific backend.
type Error struct {
	Backend   string // Backend name (e.g., "solr", "bleve")
	Operation string // Operation that failed (e.g., "add", "commit")
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	retryability := "permanent"
	if e.Retryable {
		retryability = "retryable"
	}
	return fmt.Sprintf("%s backend error (%s, %s): %v", e.Backend, e.Operation, retryability, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches ErrUnavailable for retryable errors and ErrRejected otherwise.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Retryable
	case ErrRejected:
		return !e.Retryable
	}
	return false
}

// Unavailable builds a retryable backend error.
func Unavailable(backend, operation string, err error) *Error {
	return &Error{Backend: backend, Operation: operation, Retryable: true, Err: err}
}

// Rejected builds a permanent backend error.
func Rejected(backend, operation string, err error) *Error {
	return &Error{Backend: backend, Operation: operation, Retryable: false, Err: err}
}

// IsRetryable reports whether err should be retried. Errors that carry no
// classification count as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrRejected)
}
