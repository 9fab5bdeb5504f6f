package committer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp-forge/hermes-committer/pkg/backend"
	"github.com/hashicorp-forge/hermes-committer/pkg/fieldmap"
	"github.com/hashicorp-forge/hermes-committer/pkg/queue"
)

// FlushResult counts the operations committed by one batch flush.
type FlushResult struct {
	Adds    int
	Deletes int
}

func (r FlushResult) empty() bool {
	return r.Adds == 0 && r.Deletes == 0
}

// flushOne commits at most one batch from the head of the queue.
func (c *Committer) flushOne(ctx context.Context) (FlushResult, error) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.stateMu.RLock()
	closed := c.state == stateClosed
	c.stateMu.RUnlock()
	if closed {
		return FlushResult{}, &Error{Op: "flush", Err: ErrClosed}
	}

	return c.flushLocked(ctx)
}

// flushLocked sends the oldest CommitBatchSize operations, adds first then
// deletes, followed by one backend commit. The batch is acknowledged only
// after the commit succeeds. Callers hold flushMu.
func (c *Committer) flushLocked(ctx context.Context) (FlushResult, error) {
	batch := c.queue.PeekBatch(c.cfg.CommitBatchSize)
	if len(batch) == 0 {
		return FlushResult{}, nil
	}

	start := time.Now()

	res, err := c.sendBatch(ctx, batch)
	if err != nil {
		// The whole batch is sent again on the next attempt.
		c.backend.Rollback()
		c.metrics.observeFailure(err)
		c.logger.Error("failed to flush batch",
			"batch_size", len(batch),
			"first_seq", batch[0].Seq,
			"class", classify(err),
			"error", err,
		)
		return FlushResult{}, err
	}

	if err := c.queue.Acknowledge(batch); err != nil {
		// The backend already has the batch; whatever was not acknowledged
		// is sent again on the next flush.
		err = &Error{Op: "flush", Err: err, Msg: "failed to acknowledge committed batch"}
		c.metrics.observeFailure(err)
		c.logger.Error("failed to acknowledge batch", "batch_size", len(batch), "error", err)
		return FlushResult{}, err
	}

	elapsed := time.Since(start)
	depth := c.queue.Size()
	c.metrics.observeFlush(res, depth, elapsed.Seconds())

	c.logger.Debug("flushed batch",
		"adds", res.Adds,
		"deletes", res.Deletes,
		"pending", depth,
		"duration", elapsed,
	)

	return res, nil
}

// sendBatch stages the batch and commits it. Every add's content is read
// and mapped before the backend is called, so a local read failure stages
// nothing.
func (c *Committer) sendBatch(ctx context.Context, batch queue.Batch) (FlushResult, error) {
	var (
		adds    []fieldmap.Record
		addIDs  []string
		deletes queue.Batch
	)
	for _, e := range batch {
		switch e.Kind {
		case queue.KindAdd:
			content, err := e.Content()
			if err != nil {
				return FlushResult{}, &Error{Op: "flush", Err: err, Msg: fmt.Sprintf("failed to read content of %q", e.ID)}
			}
			adds = append(adds, c.mapper.Map(e.ID, e.Attributes, content))
			addIDs = append(addIDs, e.ID)
		case queue.KindDelete:
			deletes = append(deletes, e)
		}
	}

	for i, rec := range adds {
		if err := c.backend.AddDocument(ctx, addIDs[i], rec); err != nil {
			return FlushResult{}, c.backendError("add", addIDs[i], err)
		}
	}

	for _, e := range deletes {
		if err := c.backend.DeleteDocument(ctx, e.ID); err != nil {
			return FlushResult{}, c.backendError("delete", e.ID, err)
		}
	}

	if err := c.backend.Commit(ctx); err != nil {
		return FlushResult{}, c.backendError("commit", "", err)
	}

	return FlushResult{Adds: len(adds), Deletes: len(deletes)}, nil
}

// backendError wraps err, classifying untyped errors as transient.
func (c *Committer) backendError(op, id string, err error) error {
	if !errors.Is(err, backend.ErrUnavailable) && !errors.Is(err, backend.ErrRejected) {
		err = backend.Unavailable(c.backend.Name(), op, err)
	}
	msg := "backend " + op + " failed"
	if id != "" {
		msg = fmt.Sprintf("backend %s of %q failed", op, id)
	}
	return &Error{Op: "flush", Err: err, Msg: msg}
}
