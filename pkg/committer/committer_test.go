package committer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/hermes-committer/pkg/backend"
	"github.com/hashicorp-forge/hermes-committer/pkg/backend/bleve"
	"github.com/hashicorp-forge/hermes-committer/pkg/backend/mock"
	"github.com/hashicorp-forge/hermes-committer/pkg/fieldmap"
)

const testQueueDir = "/var/lib/committer/queue"

func testConfig() Config {
	return Config{
		QueueDir:        testQueueDir,
		QueueSize:       1000,
		CommitBatchSize: 100,
	}
}

func newTestCommitter(t *testing.T, cfg Config, b backend.Backend, fs afero.Fs, opts ...Option) *Committer {
	t.Helper()
	if fs == nil {
		fs = afero.NewMemMapFs()
	}
	opts = append([]Option{
		WithBackend(b),
		WithFs(fs),
		WithLogger(hclog.NewNullLogger()),
	}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	return c
}

func addDocs(t *testing.T, c *Committer, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, c.Add(context.Background(), id, strings.NewReader("body of "+id), fieldmap.Attributes{"title": {id}}))
	}
}

func TestCommitter_AddThenCommit(t *testing.T) {
	ctx := context.Background()
	b, err := bleve.New(bleve.Config{})
	require.NoError(t, err)

	c := newTestCommitter(t, testConfig(), b, nil)
	defer c.Close()

	require.NoError(t, c.Add(ctx, "1", strings.NewReader("hello world!"), fieldmap.Attributes{}))
	assert.Equal(t, 1, c.Size())

	require.NoError(t, c.Commit(ctx))
	assert.Equal(t, 0, c.Size())

	rec, err := b.Lookup(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "hello world!", rec.Get("content"))
	assert.Equal(t, "1", rec.Get("id"))
}

func TestCommitter_Remove(t *testing.T) {
	ctx := context.Background()
	b, err := bleve.New(bleve.Config{})
	require.NoError(t, err)

	c := newTestCommitter(t, testConfig(), b, nil)
	defer c.Close()

	require.NoError(t, c.Add(ctx, "1", strings.NewReader("hello world!"), nil))
	require.NoError(t, c.Commit(ctx))

	require.NoError(t, c.Remove(ctx, "1", nil))
	require.NoError(t, c.Commit(ctx))

	rec, err := b.Lookup(ctx, "1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCommitter_FieldMapping(t *testing.T) {
	ctx := context.Background()
	m := mock.New(mock.Config{})

	cfg := testConfig()
	cfg.SourceReferenceField = "url"
	cfg.TargetReferenceField = "reference"
	cfg.TargetContentField = "text"

	c := newTestCommitter(t, cfg, m, nil)
	defer c.Close()

	require.NoError(t, c.Add(ctx, "doc", strings.NewReader("body"), fieldmap.Attributes{"url": {"http://example.com"}}))
	require.NoError(t, c.Commit(ctx))

	assert.Equal(t, fieldmap.Record{
		"id":        {"doc"},
		"reference": {"http://example.com"},
		"text":      {"body"},
	}, m.Docs()["doc"])
}

func TestCommitter_SurvivesCrash(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	first := newTestCommitter(t, testConfig(), mock.New(mock.Config{}), fs)
	ids := make([]string, 5)
	for i := range ids {
		ids[i] = uuid.NewString()
	}
	addDocs(t, first, ids...)
	require.NoError(t, first.Remove(ctx, "gone", nil))
	// No Close: the process dies with operations pending.

	m := mock.New(mock.Config{})
	second := newTestCommitter(t, testConfig(), m, fs)
	defer second.Close()

	assert.Equal(t, 6, second.Size())
	require.NoError(t, second.Commit(ctx))

	docs := m.Docs()
	require.Len(t, docs, 5)
	for _, id := range ids {
		assert.Equal(t, "body of "+id, docs[id].Get("content"))
	}
	assert.Equal(t, 1, m.CallCount(mock.OpDelete))
}

func TestCommitter_BatchIsAtomic(t *testing.T) {
	// 3 adds, 2 deletes and a commit: six backend calls per batch.
	for k := 1; k <= 6; k++ {
		t.Run(fmt.Sprintf("failure on call %d", k), func(t *testing.T) {
			ctx := context.Background()
			m := mock.New(mock.Config{FailureMode: mock.FailureModeOnCall, N: k})
			c := newTestCommitter(t, testConfig(), m, nil)
			defer c.Close()

			addDocs(t, c, "a", "b", "c")
			require.NoError(t, c.Remove(ctx, "d", nil))
			require.NoError(t, c.Remove(ctx, "e", nil))

			err := c.Commit(ctx)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrBackendUnavailable)
			assert.Equal(t, 5, c.Size(), "no operation of a failed batch is acknowledged")
			assert.Empty(t, m.Docs())

			require.NoError(t, c.Commit(ctx))
			assert.Equal(t, 0, c.Size())
			assert.Len(t, m.Docs(), 3)
		})
	}
}

func TestCommitter_AtLeastOnce(t *testing.T) {
	ctx := context.Background()
	m := mock.New(mock.Config{FailureMode: mock.FailureModeFirstNFail, N: 4})

	cfg := testConfig()
	cfg.CommitBatchSize = 3
	c := newTestCommitter(t, cfg, m, nil)
	defer c.Close()

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, c.Add(ctx, fmt.Sprintf("doc-%d", i), strings.NewReader("x"), nil))
	}

	for attempt := 0; c.Size() > 0 && attempt < 10; attempt++ {
		_ = c.Commit(ctx)
	}

	assert.Equal(t, 0, c.Size())
	assert.Len(t, m.Docs(), n)
	assert.GreaterOrEqual(t, m.SuccessfulAdds(), n)
}

func TestCommitter_AddsBeforeDeletes(t *testing.T) {
	ctx := context.Background()
	m := mock.New(mock.Config{})
	c := newTestCommitter(t, testConfig(), m, nil)
	defer c.Close()

	require.NoError(t, c.Remove(ctx, "old", nil))
	addDocs(t, c, "x")
	require.NoError(t, c.Remove(ctx, "older", nil))
	addDocs(t, c, "y")
	require.NoError(t, c.Commit(ctx))

	var got []string
	for _, call := range m.Calls() {
		got = append(got, string(call.Op)+":"+call.ID)
	}
	assert.Equal(t, []string{"add:x", "add:y", "delete:old", "delete:older", "commit:"}, got)
}

func TestCommitter_CommitBatchSize(t *testing.T) {
	ctx := context.Background()
	m := mock.New(mock.Config{})

	cfg := testConfig()
	cfg.CommitBatchSize = 4
	c := newTestCommitter(t, cfg, m, nil)
	defer c.Close()

	for i := 0; i < 10; i++ {
		addDocs(t, c, fmt.Sprintf("doc-%d", i))
	}
	require.NoError(t, c.Commit(ctx))

	assert.Equal(t, 3, m.Commits())
	assert.Len(t, m.Docs(), 10)
}

func TestCommitter_AutoFlush(t *testing.T) {
	tests := []struct {
		name            string
		queueSize       int
		commitBatchSize int
		adds            int
		wantCommitted   int
		wantPending     int
	}{
		{name: "threshold reached", queueSize: 3, commitBatchSize: 100, adds: 3, wantCommitted: 3},
		{name: "below threshold", queueSize: 100, commitBatchSize: 100, adds: 99, wantPending: 99},
		{name: "at threshold", queueSize: 100, commitBatchSize: 100, adds: 100, wantCommitted: 100},
		{name: "queue smaller than batch", queueSize: 2, commitBatchSize: 5, adds: 5, wantCommitted: 4, wantPending: 1},
		{name: "batch smaller than queue", queueSize: 5, commitBatchSize: 2, adds: 5, wantCommitted: 2, wantPending: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mock.New(mock.Config{})
			cfg := testConfig()
			cfg.QueueSize = tt.queueSize
			cfg.CommitBatchSize = tt.commitBatchSize
			c := newTestCommitter(t, cfg, m, nil)
			defer c.Close()

			for i := 0; i < tt.adds; i++ {
				addDocs(t, c, fmt.Sprintf("doc-%d", i))
			}

			assert.Len(t, m.Docs(), tt.wantCommitted)
			assert.Equal(t, tt.wantPending, c.Size())
		})
	}
}

func TestCommitter_AutoFlushFailureIsReturned(t *testing.T) {
	ctx := context.Background()
	m := mock.New(mock.Config{FailureMode: mock.FailureModeUnavailable})

	cfg := testConfig()
	cfg.QueueSize = 1
	c := newTestCommitter(t, cfg, m, nil)

	err := c.Add(ctx, "doc", strings.NewReader("x"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAutoFlush)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, 1, c.Size(), "the document stays queued")

	m.SetFailureMode(mock.FailureModeNone, 0)
	require.NoError(t, c.Close())
	assert.Len(t, m.Docs(), 1)
}

func TestCommitter_ErrorClasses(t *testing.T) {
	tests := []struct {
		name    string
		backend backend.Backend
		want    error
	}{
		{
			name:    "rejected",
			backend: mock.New(mock.Config{FailureMode: mock.FailureModeRejected}),
			want:    ErrBackendRejected,
		},
		{
			name:    "unavailable",
			backend: mock.New(mock.Config{FailureMode: mock.FailureModeUnavailable}),
			want:    ErrBackendUnavailable,
		},
		{
			name:    "untyped error counts as unavailable",
			backend: &plainErrorBackend{Backend: mock.New(mock.Config{})},
			want:    ErrBackendUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCommitter(t, testConfig(), tt.backend, nil)
			addDocs(t, c, "doc")

			err := c.Commit(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var cerr *Error
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, "flush", cerr.Op)
			assert.Equal(t, 1, c.Size())
		})
	}
}

// plainErrorBackend fails Commit with an unclassified error.
type plainErrorBackend struct {
	*mock.Backend
}

func (b *plainErrorBackend) Commit(ctx context.Context) error {
	return errors.New("connection reset by peer")
}

func TestCommitter_InvalidOperation(t *testing.T) {
	c := newTestCommitter(t, testConfig(), mock.New(mock.Config{}), nil)
	defer c.Close()

	err := c.Add(context.Background(), "", strings.NewReader("x"), nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	err = c.Remove(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	assert.Equal(t, 0, c.Size())
}

// failingFs fails every file creation while armed.
type failingFs struct {
	afero.Fs
	armed atomic.Bool
}

func (f *failingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if f.armed.Load() && flag&os.O_CREATE != 0 {
		return nil, &os.PathError{Op: "open", Path: name, Err: errors.New("disk full")}
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func TestCommitter_EnqueueIOFault(t *testing.T) {
	fs := &failingFs{Fs: afero.NewMemMapFs()}
	c := newTestCommitter(t, testConfig(), mock.New(mock.Config{}), fs)
	defer c.Close()

	fs.armed.Store(true)
	err := c.Add(context.Background(), "doc", strings.NewReader("x"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIOFault)
	assert.NotErrorIs(t, err, ErrAutoFlush)
	assert.Equal(t, 0, c.Size())
}

func TestCommitter_Close(t *testing.T) {
	ctx := context.Background()
	m := mock.New(mock.Config{})
	c := newTestCommitter(t, testConfig(), m, nil)

	addDocs(t, c, "a", "b")
	require.NoError(t, c.Close())

	assert.Len(t, m.Docs(), 2, "close commits pending operations")
	assert.True(t, m.Closed())

	assert.ErrorIs(t, c.Close(), ErrClosed)
	assert.ErrorIs(t, c.Add(ctx, "c", strings.NewReader("x"), nil), ErrClosed)
	assert.ErrorIs(t, c.Remove(ctx, "c", nil), ErrClosed)
	assert.ErrorIs(t, c.Commit(ctx), ErrClosed)
}

func TestCommitter_CloseKeepsUncommitted(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := mock.New(mock.Config{FailureMode: mock.FailureModeUnavailable})
	c := newTestCommitter(t, testConfig(), m, fs)

	addDocs(t, c, "a", "b")
	err := c.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.True(t, m.Closed(), "backend is closed even when the final commit fails")

	reopened := newTestCommitter(t, testConfig(), mock.New(mock.Config{}), fs)
	defer reopened.Close()
	assert.Equal(t, 2, reopened.Size())
}

func TestCommitter_ConcurrentAdds(t *testing.T) {
	m := mock.New(mock.Config{})
	cfg := testConfig()
	cfg.QueueSize = 7
	cfg.CommitBatchSize = 5
	c := newTestCommitter(t, cfg, m, nil)

	const writers, perWriter = 4, 20

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				err := c.Add(context.Background(), fmt.Sprintf("w%d-%d", w, i), strings.NewReader("x"), nil)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, c.Close())
	assert.Len(t, m.Docs(), writers*perWriter)
}

func TestCommitter_Metrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := mock.New(mock.Config{})
	c := newTestCommitter(t, testConfig(), m, nil, WithRegisterer(reg))
	defer c.Close()

	addDocs(t, c, "a", "b", "c")
	require.NoError(t, c.Remove(ctx, "d", nil))

	metrics := c.Metrics()
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.QueueDepth))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.Enqueued.WithLabelValues("add")))

	m.SetFailureMode(mock.FailureModeRejected, 0)
	require.Error(t, c.Commit(ctx))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.FlushFailures.WithLabelValues("rejected")))

	m.SetFailureMode(mock.FailureModeNone, 0)
	require.NoError(t, c.Commit(ctx))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.Flushed.WithLabelValues("add")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Flushed.WithLabelValues("delete")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.QueueDepth))

	count, err := testutil.GatherAndCount(reg, "hermes_committer_flush_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCommitter_RunRetriesUnavailable(t *testing.T) {
	m := mock.New(mock.Config{FailureMode: mock.FailureModeFirstNFail, N: 3})

	cfg := testConfig()
	cfg.FlushInterval = "10ms"
	c := newTestCommitter(t, cfg, m, nil)
	defer c.Close()
	c.newBackOff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}

	addDocs(t, c, "a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(m.Docs()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, c.Size())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestCommitter_RunWaitsOutRejection(t *testing.T) {
	m := mock.New(mock.Config{FailureMode: mock.FailureModeRejected})

	cfg := testConfig()
	cfg.FlushInterval = "10ms"
	c := newTestCommitter(t, cfg, m, nil)
	c.newBackOff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}

	addDocs(t, c, "a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return m.CallCount(mock.OpAdd) >= 2 }, 5*time.Second, 5*time.Millisecond,
		"a rejected batch is retried on later ticks")
	assert.Equal(t, 1, c.Size())

	m.SetFailureMode(mock.FailureModeNone, 0)
	require.Eventually(t, func() bool { return c.Size() == 0 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after Close")
	}
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		opts []Option
	}{
		{
			name: "missing queue dir",
			cfg:  Config{},
			opts: []Option{WithBackend(mock.New(mock.Config{}))},
		},
		{
			name: "factory failure",
			cfg:  Config{QueueDir: testQueueDir, Backend: &BackendConfig{Type: "bleve"}},
			opts: []Option{WithBackendFactory(func(BackendConfig, hclog.Logger) (backend.Backend, error) {
				return nil, errors.New("boom")
			})},
		},
		{
			name: "solr without endpoint",
			cfg:  testConfig(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]Option{WithFs(afero.NewMemMapFs())}, tt.opts...)
			_, err := New(tt.cfg, opts...)
			assert.Error(t, err)
		})
	}
}

func TestNew_BackendFactory(t *testing.T) {
	var got BackendConfig
	m := mock.New(mock.Config{})

	cfg := testConfig()
	cfg.Backend = &BackendConfig{Type: "bleve", Endpoint: ""}
	c, err := New(cfg,
		WithFs(afero.NewMemMapFs()),
		WithBackendFactory(func(bc BackendConfig, _ hclog.Logger) (backend.Backend, error) {
			got = bc
			return m, nil
		}),
	)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "bleve", got.Type)
}

func TestDefaultBackendFactory(t *testing.T) {
	logger := hclog.NewNullLogger()

	b, err := DefaultBackendFactory(BackendConfig{Type: "bleve"}, logger)
	require.NoError(t, err)
	assert.Equal(t, "bleve", b.Name())
	require.NoError(t, b.Close())

	b, err = DefaultBackendFactory(BackendConfig{Endpoint: "http://localhost:8983/solr/core1"}, logger)
	require.NoError(t, err)
	assert.Equal(t, "solr", b.Name(), "solr is the default backend")

	_, err = DefaultBackendFactory(BackendConfig{Type: "elasticsearch"}, logger)
	assert.Error(t, err)
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "with message",
			err:      &Error{Op: "flush", Err: errors.New("timeout"), Msg: "backend commit failed"},
			expected: "flush: backend commit failed: timeout",
		},
		{
			name:     "without message",
			err:      &Error{Op: "close", Err: ErrClosed},
			expected: "close: committer closed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}
