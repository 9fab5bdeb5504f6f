// Package committer accepts document adds and removes, stores them in a
// durable queue, and commits them to an index backend in bounded batches.
package committer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/hashicorp-forge/hermes-committer/pkg/backend"
	"github.com/hashicorp-forge/hermes-committer/pkg/fieldmap"
	"github.com/hashicorp-forge/hermes-committer/pkg/queue"
)

type state int

const (
	stateOpen state = iota
	stateClosing
	stateClosed
)

// Option configures a Committer.
type Option func(*options)

type options struct {
	logger     hclog.Logger
	backend    backend.Backend
	factory    BackendFactory
	registerer prometheus.Registerer
	fs         afero.Fs
}

// WithLogger sets the logger.
func WithLogger(logger hclog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithBackend uses b instead of building one from the configuration.
func WithBackend(b backend.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithBackendFactory replaces DefaultBackendFactory.
func WithBackendFactory(f BackendFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithRegisterer registers the committer metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithFs sets the filesystem backing the queue.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// Committer is safe for concurrent use.
type Committer struct {
	cfg     Config
	queue   *queue.Queue
	backend backend.Backend
	mapper  fieldmap.Mapper
	logger  hclog.Logger
	metrics *Metrics

	// newBackOff builds the retry policy for Run.
	newBackOff func() backoff.BackOff

	// stateMu is held for reading while enqueueing so Close waits for
	// in-flight enqueues.
	stateMu sync.RWMutex
	state   state

	// flushMu serializes batch flushes.
	flushMu sync.Mutex
}

// New opens the queue in cfg.QueueDir, recovering pending operations, and
// creates the backend.
func New(cfg Config, opts ...Option) (*Committer, error) {
	o := options{
		logger:  hclog.NewNullLogger(),
		factory: DefaultBackendFactory,
	}
	for _, opt := range opts {
		opt(&o)
	}

	cfg.SetDefaults()
	validate := cfg.Validate
	if o.backend != nil {
		validate = cfg.validateQueue
	}
	if err := validate(); err != nil {
		return nil, &Error{Op: "new", Err: err, Msg: "invalid configuration"}
	}

	logger := o.logger.Named("committer")

	q, err := queue.Open(queue.Options{
		Dir:    cfg.QueueDir,
		Fs:     o.fs,
		Logger: logger,
	})
	if err != nil {
		return nil, &Error{Op: "new", Err: err, Msg: "failed to open queue"}
	}

	b := o.backend
	if b == nil {
		b, err = o.factory(*cfg.Backend, logger)
		if err != nil {
			q.Close()
			return nil, &Error{Op: "new", Err: err, Msg: "failed to create backend"}
		}
	}

	c := &Committer{
		cfg:     cfg,
		queue:   q,
		backend: b,
		mapper:  fieldmap.New(cfg.Mapping()),
		logger:  logger,
		metrics: NewMetrics(o.registerer),
	}
	c.newBackOff = func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = c.cfg.RetryMaxElapsedDuration()
		return bo
	}
	c.metrics.QueueDepth.Set(float64(q.Size()))

	logger.Info("committer ready",
		"backend", b.Name(),
		"queue_dir", cfg.QueueDir,
		"pending", q.Size(),
		"queue_size", cfg.QueueSize,
		"commit_batch_size", cfg.CommitBatchSize,
	)

	return c, nil
}

// Add queues an add or replace of the document. Content is read fully and
// stored before Add returns. If the queue reaches QueueSize, batches are
// flushed on the calling goroutine and a flush failure is returned; the
// document stays queued either way.
func (c *Committer) Add(ctx context.Context, id string, content io.Reader, attrs fieldmap.Attributes) error {
	return c.enqueue(ctx, "add", queue.Operation{
		Kind:       queue.KindAdd,
		ID:         id,
		Attributes: attrs,
		Content:    content,
	})
}

// Remove queues a delete of the document.
func (c *Committer) Remove(ctx context.Context, id string, attrs fieldmap.Attributes) error {
	return c.enqueue(ctx, "remove", queue.Operation{
		Kind:       queue.KindDelete,
		ID:         id,
		Attributes: attrs,
	})
}

func (c *Committer) enqueue(ctx context.Context, op string, qop queue.Operation) error {
	c.stateMu.RLock()
	if c.state != stateOpen {
		c.stateMu.RUnlock()
		return &Error{Op: op, Err: ErrClosed}
	}
	_, err := c.queue.Enqueue(qop)
	c.stateMu.RUnlock()

	if err != nil {
		return &Error{Op: op, Err: err, Msg: fmt.Sprintf("failed to enqueue document %q", qop.ID)}
	}

	size := c.queue.Size()
	c.metrics.observeEnqueue(qop.Kind, size)

	if size >= c.cfg.QueueSize {
		if err := c.autoFlush(ctx); err != nil {
			return &Error{Op: op, Err: fmt.Errorf("%w: %w", ErrAutoFlush, err)}
		}
	}
	return nil
}

// autoFlush flushes until the queue is below QueueSize.
func (c *Committer) autoFlush(ctx context.Context) error {
	for c.queue.Size() >= c.cfg.QueueSize {
		res, err := c.flushOne(ctx)
		if errors.Is(err, ErrClosed) {
			// Close drains the queue.
			return nil
		}
		if err != nil {
			return err
		}
		if res.empty() {
			return nil
		}
	}
	return nil
}

// Commit flushes batches until the queue is empty. On failure the failed
// batch and everything after it stay queued.
func (c *Committer) Commit(ctx context.Context) error {
	if err := c.checkOpen("commit"); err != nil {
		return err
	}

	for {
		res, err := c.flushOne(ctx)
		if err != nil {
			return err
		}
		if res.empty() {
			return nil
		}
	}
}

// Size returns the number of queued operations.
func (c *Committer) Size() int {
	return c.queue.Size()
}

// Metrics returns the committer's collectors.
func (c *Committer) Metrics() *Metrics {
	return c.metrics
}

// Close waits for any in-flight flush, makes a best-effort final commit and
// releases the backend and the queue. Operations that could not be
// committed stay on disk for the next start.
func (c *Committer) Close() error {
	c.stateMu.Lock()
	if c.state != stateOpen {
		c.stateMu.Unlock()
		return &Error{Op: "close", Err: ErrClosed}
	}
	c.state = stateClosing
	c.stateMu.Unlock()

	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	start := time.Now()
	var result *multierror.Error

	ctx := context.Background()
	for {
		res, err := c.flushLocked(ctx)
		if err != nil {
			result = multierror.Append(result, err)
			break
		}
		if res.empty() {
			break
		}
	}

	if err := c.backend.Close(); err != nil {
		result = multierror.Append(result, &Error{Op: "close", Err: err, Msg: "failed to close backend"})
	}
	if err := c.queue.Close(); err != nil {
		result = multierror.Append(result, &Error{Op: "close", Err: err, Msg: "failed to close queue"})
	}

	c.stateMu.Lock()
	c.state = stateClosed
	c.stateMu.Unlock()

	c.logger.Info("committer closed",
		"pending", c.queue.Size(),
		"duration", time.Since(start),
	)

	return result.ErrorOrNil()
}

func (c *Committer) checkOpen(op string) error {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.state != stateOpen {
		return &Error{Op: op, Err: ErrClosed}
	}
	return nil
}
