// Package solr implements an index backend that posts JSON updates to a
// Solr core.
package solr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/hermes-committer/pkg/backend"
	"github.com/hashicorp-forge/hermes-committer/pkg/fieldmap"
)

const name = "solr"

// maxErrorBody caps how much of an error response is kept in the error.
const maxErrorBody = 4 << 10

// Config holds configuration for the Solr backend.
type Config struct {
	// Endpoint is the core URL (e.g., "http://localhost:8983/solr/core1").
	Endpoint string

	// Timeout for HTTP requests (optional, defaults to 30s).
	Timeout time.Duration

	// Params are added to add and commit requests (e.g., commitWithin).
	Params map[string]string

	// DeleteParams are added to delete requests. Params are not.
	DeleteParams map[string]string

	// Client overrides the HTTP client. Timeout is ignored when set.
	Client *http.Client

	Logger hclog.Logger
}

// Backend stages documents and sends them to Solr's /update handler on
// Commit.
type Backend struct {
	updateURL    string
	params       url.Values
	deleteParams url.Values
	client       *http.Client
	logger    hclog.Logger

	mu      sync.Mutex
	adds    []map[string]any
	deletes []string
}

var _ backend.Backend = (*Backend)(nil)

// New creates a Solr backend.
func New(cfg Config) (*Backend, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("solr endpoint required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid solr endpoint %q: %w", cfg.Endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid solr endpoint %q: scheme must be http or https", cfg.Endpoint)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	return &Backend{
		updateURL:    strings.TrimSuffix(cfg.Endpoint, "/") + "/update",
		params:       requestParams(cfg.Params),
		deleteParams: requestParams(cfg.DeleteParams),
		client:       cfg.Client,
		logger:       cfg.Logger.Named(name),
	}, nil
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return name
}

// AddDocument stages the record.
func (b *Backend) AddDocument(ctx context.Context, id string, rec fieldmap.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adds = append(b.adds, toDocument(id, rec))
	return nil
}

// DeleteDocument stages a delete by id.
func (b *Backend) DeleteDocument(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes = append(b.deletes, id)
	return nil
}

// Commit posts staged adds, then staged deletes, then a hard commit. The
// staged operations are cleared whether or not the requests succeed.
func (b *Backend) Commit(ctx context.Context) error {
	b.mu.Lock()
	adds, deletes := b.adds, b.deletes
	b.adds, b.deletes = nil, nil
	b.mu.Unlock()

	if len(adds) > 0 {
		if err := b.post(ctx, "add", b.params, adds); err != nil {
			return err
		}
	}
	if len(deletes) > 0 {
		if err := b.post(ctx, "delete", b.deleteParams, map[string]any{"delete": deletes}); err != nil {
			return err
		}
	}

	commitParams := cloneValues(b.params)
	commitParams.Set("commit", "true")
	if err := b.post(ctx, "commit", commitParams, map[string]any{}); err != nil {
		return err
	}

	b.logger.Trace("committed batch", "adds", len(adds), "deletes", len(deletes))
	return nil
}

// Rollback drops staged adds and deletes.
func (b *Backend) Rollback() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adds, b.deletes = nil, nil
}

// Close releases idle connections.
func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

func (b *Backend) post(ctx context.Context, op string, params url.Values, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return backend.Rejected(name, op, fmt.Errorf("failed to encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.updateURL+"?"+params.Encode(), bytes.NewReader(body))
	if err != nil {
		return backend.Rejected(name, op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return backend.Unavailable(name, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := fmt.Errorf("solr request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))

	b.logger.Debug("update request failed", "op", op, "status", resp.StatusCode)

	if isRetryableHTTPStatus(resp.StatusCode) {
		return backend.Unavailable(name, op, statusErr)
	}
	return backend.Rejected(name, op, statusErr)
}

// isRetryableHTTPStatus reports whether status is worth retrying: 5xx, 429
// and 408.
func isRetryableHTTPStatus(status int) bool {
	switch {
	case status >= 500:
		return true
	case status == http.StatusTooManyRequests:
		return true
	case status == http.StatusRequestTimeout:
		return true
	default:
		return false
	}
}

// toDocument builds a Solr JSON document. Multi-valued attributes become
// arrays.
func toDocument(id string, rec fieldmap.Record) map[string]any {
	doc := make(map[string]any, len(rec)+1)
	for k, vals := range rec {
		if len(vals) == 1 {
			doc[k] = vals[0]
			continue
		}
		doc[k] = append([]string(nil), vals...)
	}
	doc[fieldmap.DefaultIDField] = id
	return doc
}

func requestParams(m map[string]string) url.Values {
	params := url.Values{}
	for k, v := range m {
		params.Set(k, v)
	}
	params.Set("wt", "json")
	return params
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
