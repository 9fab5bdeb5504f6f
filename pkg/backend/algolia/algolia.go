// Package algolia implements a hosted index backend on Algolia.
package algolia

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/algolia/algoliasearch-client-go/v3/algolia/errs"
	"github.com/algolia/algoliasearch-client-go/v3/algolia/search"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/hermes-committer/pkg/backend"
	"github.com/hashicorp-forge/hermes-committer/pkg/fieldmap"
)

const name = "algolia"

// Config contains Algolia configuration.
type Config struct {
	AppID     string
	APIKey    string // Write API key
	IndexName string

	// Timeout bounds each write request (default: 30s).
	Timeout time.Duration

	// WaitForTasks blocks Commit until Algolia reports the writes indexed.
	WaitForTasks bool

	Logger hclog.Logger
}

// Validate checks that required fields are set.
func (c Config) Validate() error {
	if c.AppID == "" {
		return fmt.Errorf("algolia app id required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("algolia api key required")
	}
	if c.IndexName == "" {
		return fmt.Errorf("algolia index name required")
	}
	return nil
}

// index is the subset of *search.Index used by the backend.
type index interface {
	SaveObjects(objects interface{}, opts ...interface{}) (search.GroupBatchRes, error)
	DeleteObjects(objectIDs []string, opts ...interface{}) (search.BatchRes, error)
}

// Backend writes documents to an Algolia index. Records are stored with
// their document id as objectID.
type Backend struct {
	index   index
	cfg     Config
	logger  hclog.Logger
	timeout time.Duration

	mu      sync.Mutex
	adds    []map[string]any
	deletes []string
}

var _ backend.Backend = (*Backend)(nil)

// New creates an Algolia backend.
func New(cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := search.NewClient(cfg.AppID, cfg.APIKey)
	return newBackend(cfg, client.InitIndex(cfg.IndexName)), nil
}

func newBackend(cfg Config, idx index) *Backend {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Backend{
		index:   idx,
		cfg:     cfg,
		logger:  cfg.Logger.Named(name),
		timeout: cfg.Timeout,
	}
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return name
}

// AddDocument stages the record as an Algolia object.
func (b *Backend) AddDocument(ctx context.Context, id string, rec fieldmap.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adds = append(b.adds, toObject(id, rec))
	return nil
}

// DeleteDocument stages a delete of id.
func (b *Backend) DeleteDocument(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes = append(b.deletes, id)
	return nil
}

// Commit saves staged objects, then deletes staged ids.
func (b *Backend) Commit(ctx context.Context) error {
	b.mu.Lock()
	adds, deletes := b.adds, b.deletes
	b.adds, b.deletes = nil, nil
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if len(adds) > 0 {
		res, err := b.index.SaveObjects(adds, ctx)
		if err != nil {
			return classify("add", err)
		}
		if b.cfg.WaitForTasks {
			if err := res.Wait(ctx); err != nil {
				return classify("add", err)
			}
		}
	}

	if len(deletes) > 0 {
		res, err := b.index.DeleteObjects(deletes, ctx)
		if err != nil {
			return classify("delete", err)
		}
		if b.cfg.WaitForTasks {
			if err := res.Wait(ctx); err != nil {
				return classify("delete", err)
			}
		}
	}

	b.logger.Trace("committed batch",
		"index", b.cfg.IndexName,
		"adds", len(adds),
		"deletes", len(deletes),
	)
	return nil
}

// Rollback drops staged objects and ids.
func (b *Backend) Rollback() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adds, b.deletes = nil, nil
}

// Close is a no-op; the Algolia client holds no resources.
func (b *Backend) Close() error {
	return nil
}

func toObject(id string, rec fieldmap.Record) map[string]any {
	obj := make(map[string]any, len(rec)+1)
	for k, vals := range rec {
		if len(vals) == 1 {
			obj[k] = vals[0]
			continue
		}
		obj[k] = append([]string(nil), vals...)
	}
	obj["objectID"] = id
	return obj
}

// classify maps API status codes onto backend error classes. Anything that
// is not a definite client error is treated as transient.
func classify(op string, err error) error {
	if algoliaErr, ok := errs.IsAlgoliaErr(err); ok {
		status := algoliaErr.Status
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout {
			return backend.Rejected(name, op, err)
		}
	}
	return backend.Unavailable(name, op, err)
}
