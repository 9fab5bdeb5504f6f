package committer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Run flushes the queue every FlushInterval until ctx is canceled or the
// committer is closed. An unavailable backend is retried with exponential
// backoff bounded by RetryMaxElapsed; a rejected batch is logged and tried
// again on the next tick.
func (c *Committer) Run(ctx context.Context) error {
	interval := c.cfg.FlushIntervalDuration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("starting flush loop", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("stopping flush loop")
			return nil
		case <-ticker.C:
			if err := c.flushWithRetry(ctx); errors.Is(err, ErrClosed) {
				c.logger.Info("committer closed, stopping flush loop")
				return err
			}
		}
	}
}

func (c *Committer) flushWithRetry(ctx context.Context) error {
	if err := c.checkOpen("flush"); err != nil {
		return err
	}
	if c.queue.IsEmpty() {
		return nil
	}

	op := func() error {
		err := c.Commit(ctx)
		if err == nil || errors.Is(err, ErrBackendUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, next time.Duration) {
		c.logger.Warn("backend unavailable, retrying flush",
			"pending", c.queue.Size(),
			"next_attempt", next,
			"error", err,
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify)
	if err != nil && !errors.Is(err, ErrClosed) && ctx.Err() == nil {
		c.logger.Error("flush failed, waiting for next interval",
			"pending", c.queue.Size(),
			"class", classify(err),
			"error", err,
		)
	}
	return err
}
