// Package mock provides an in-memory Backend for tests, with injectable
// failures for exercising retry and batch handling.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp-forge/hermes-committer/pkg/backend"
	"github.com/hashicorp-forge/hermes-committer/pkg/fieldmap"
)

// FailureMode determines how the backend fails.
type FailureMode string

const (
	// FailureModeNone processes every call successfully.
	FailureModeNone FailureMode = "none"

	// FailureModeUnavailable fails every call with a retryable error.
	FailureModeUnavailable FailureMode = "unavailable"

	// FailureModeRejected fails every call with a permanent error.
	FailureModeRejected FailureMode = "rejected"

	// FailureModeOnCall fails only the N-th call (1-based) with a retryable
	// error. Calls are counted across AddDocument, DeleteDocument and Commit.
	FailureModeOnCall FailureMode = "on_call"

	// FailureModeFirstNFail fails the first N calls, then succeeds.
	FailureModeFirstNFail FailureMode = "first_n_fail"
)

// Op names a recorded call.
type Op string

const (
	OpAdd    Op = "add"
	OpDelete Op = "delete"
	OpCommit Op = "commit"
)

// Call records one backend invocation.
type Call struct {
	Op     Op
	ID     string
	Record fieldmap.Record
	Err    error
}

// Config configures the mock.
type Config struct {
	FailureMode FailureMode

	// N is the call number for FailureModeOnCall and the failure count for
	// FailureModeFirstNFail.
	N int

	FailureMessage string
}

type staged struct {
	op  Op
	id  string
	rec fieldmap.Record
}

// Backend is an in-memory backend.Backend. Staged adds and deletes become
// visible in Docs only after a successful Commit. A failed AddDocument or
// DeleteDocument keeps what was staged before it, as the remote backends do;
// only Commit and Rollback clear the staging.
type Backend struct {
	mu        sync.RWMutex
	config    Config
	calls     []Call
	staged    []staged
	docs      map[string]fieldmap.Record
	commits   int
	rollbacks int
	closed    bool
}

var _ backend.Backend = (*Backend)(nil)

// New creates a mock backend.
func New(config Config) *Backend {
	if config.FailureMode == "" {
		config.FailureMode = FailureModeNone
	}
	return &Backend{
		config: config,
		docs:   make(map[string]fieldmap.Record),
	}
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "mock"
}

// AddDocument stages an add.
func (b *Backend) AddDocument(ctx context.Context, id string, rec fieldmap.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.call(ctx, OpAdd)
	b.calls = append(b.calls, Call{Op: OpAdd, ID: id, Record: rec.Clone(), Err: err})
	if err != nil {
		return err
	}
	b.staged = append(b.staged, staged{op: OpAdd, id: id, rec: rec.Clone()})
	return nil
}

// DeleteDocument stages a delete.
func (b *Backend) DeleteDocument(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.call(ctx, OpDelete)
	b.calls = append(b.calls, Call{Op: OpDelete, ID: id, Err: err})
	if err != nil {
		return err
	}
	b.staged = append(b.staged, staged{op: OpDelete, id: id})
	return nil
}

// Commit applies staged operations in order.
func (b *Backend) Commit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.call(ctx, OpCommit)
	b.calls = append(b.calls, Call{Op: OpCommit, Err: err})
	if err != nil {
		b.staged = nil
		return err
	}

	for _, s := range b.staged {
		switch s.op {
		case OpAdd:
			b.docs[s.id] = s.rec
		case OpDelete:
			delete(b.docs, s.id)
		}
	}
	b.staged = nil
	b.commits++
	return nil
}

// Rollback discards staged operations.
func (b *Backend) Rollback() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.staged = nil
	b.rollbacks++
}

// Staged returns the number of operations waiting for Commit.
func (b *Backend) Staged() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.staged)
}

// Rollbacks returns the number of Rollback calls.
func (b *Backend) Rollbacks() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rollbacks
}

// Close marks the backend closed. Later calls fail with a permanent error.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// call decides the outcome of the next invocation. Callers hold b.mu.
func (b *Backend) call(ctx context.Context, op Op) error {
	n := len(b.calls) + 1

	if b.closed {
		return backend.Rejected("mock", string(op), errors.New("backend closed"))
	}
	if err := ctx.Err(); err != nil {
		return backend.Unavailable("mock", string(op), err)
	}

	msg := b.config.FailureMessage
	var err error
	switch b.config.FailureMode {
	case FailureModeNone:
	case FailureModeUnavailable:
		err = backend.Unavailable("mock", string(op), errors.New(orDefault(msg, "simulated outage")))
	case FailureModeRejected:
		err = backend.Rejected("mock", string(op), errors.New(orDefault(msg, "simulated rejection")))
	case FailureModeOnCall:
		if n == b.config.N {
			err = backend.Unavailable("mock", string(op), fmt.Errorf("simulated failure on call %d", n))
		}
	case FailureModeFirstNFail:
		if n <= b.config.N {
			err = backend.Unavailable("mock", string(op), fmt.Errorf("simulated failure %d/%d", n, b.config.N))
		}
	default:
		err = backend.Rejected("mock", string(op), fmt.Errorf("unknown failure mode: %s", b.config.FailureMode))
	}

	return err
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Docs returns a copy of the committed documents.
func (b *Backend) Docs() map[string]fieldmap.Record {
	b.mu.RLock()
	defer b.mu.RUnlock()

	docs := make(map[string]fieldmap.Record, len(b.docs))
	for id, rec := range b.docs {
		docs[id] = rec.Clone()
	}
	return docs
}

// Calls returns every recorded invocation.
func (b *Backend) Calls() []Call {
	b.mu.RLock()
	defer b.mu.RUnlock()

	calls := make([]Call, len(b.calls))
	copy(calls, b.calls)
	return calls
}

// CallCount returns the number of calls of op.
func (b *Backend) CallCount(op Op) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, c := range b.calls {
		if c.Op == op {
			count++
		}
	}
	return count
}

// SuccessfulAdds returns the number of AddDocument calls that succeeded.
func (b *Backend) SuccessfulAdds() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, c := range b.calls {
		if c.Op == OpAdd && c.Err == nil {
			count++
		}
	}
	return count
}

// Commits returns the number of successful commits.
func (b *Backend) Commits() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.commits
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// SetFailureMode changes the failure mode. Call numbering restarts.
func (b *Backend) SetFailureMode(mode FailureMode, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config.FailureMode = mode
	b.config.N = n
	b.calls = nil
}

// Reset clears recorded calls and committed documents.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
	b.staged = nil
	b.docs = make(map[string]fieldmap.Record)
	b.commits = 0
	b.rollbacks = 0
}
