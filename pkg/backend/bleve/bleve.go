// Package bleve implements an embedded index backend on Bleve.
package bleve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/hermes-committer/pkg/backend"
	"github.com/hashicorp-forge/hermes-committer/pkg/fieldmap"
)

const name = "bleve"

// Config contains Bleve configuration.
type Config struct {
	// Path is the index directory. An empty path keeps the index in memory.
	Path string

	// ContentField is indexed as English text (default: "content").
	ContentField string

	Logger hclog.Logger
}

// Backend writes documents to a Bleve index. Adds and deletes accumulate in
// a bleve.Batch that is applied on Commit.
type Backend struct {
	index  bleve.Index
	path   string
	logger hclog.Logger

	mu    sync.Mutex
	batch *bleve.Batch
}

var _ backend.Backend = (*Backend)(nil)

// New opens or creates the index.
func New(cfg Config) (*Backend, error) {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.ContentField == "" {
		cfg.ContentField = fieldmap.DefaultContentField
	}

	m := documentMapping(cfg.ContentField)

	var (
		idx bleve.Index
		err error
	)
	if cfg.Path == "" {
		idx, err = bleve.NewMemOnly(m)
	} else {
		idx, err = openOrCreateIndex(cfg.Path, m)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bleve index: %w", err)
	}

	b := &Backend{
		index:  idx,
		path:   cfg.Path,
		logger: cfg.Logger.Named(name),
		batch:  idx.NewBatch(),
	}
	b.logger.Debug("opened index", "path", cfg.Path)
	return b, nil
}

func openOrCreateIndex(path string, indexMapping mapping.IndexMapping) (bleve.Index, error) {
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		return bleve.New(path, indexMapping)
	}
	return idx, err
}

func documentMapping(contentField string) mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()

	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = "en"

	keywordFieldMapping := bleve.NewKeywordFieldMapping()

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt(fieldmap.DefaultIDField, keywordFieldMapping)
	docMapping.AddFieldMappingsAt(contentField, textFieldMapping)

	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return name
}

// AddDocument stages the record under id.
func (b *Backend) AddDocument(ctx context.Context, id string, rec fieldmap.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.batch.Index(id, toDocument(rec)); err != nil {
		return backend.Rejected(name, "add", fmt.Errorf("document %s: %w", id, err))
	}
	return nil
}

// DeleteDocument stages a delete of id.
func (b *Backend) DeleteDocument(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.batch.Delete(id)
	return nil
}

// Commit applies the staged batch. The batch is dropped either way; the
// committer resends the whole queue batch after a failure.
func (b *Backend) Commit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		b.batch.Reset()
		return backend.Unavailable(name, "commit", err)
	}

	size := b.batch.Size()
	err := b.index.Batch(b.batch)
	b.batch.Reset()
	if err != nil {
		if errors.Is(err, bleve.ErrorIndexClosed) {
			return backend.Rejected(name, "commit", err)
		}
		return backend.Unavailable(name, "commit", err)
	}

	b.logger.Trace("committed batch", "operations", size)
	return nil
}

// Rollback resets the staged batch.
func (b *Backend) Rollback() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batch.Reset()
}

// Lookup returns the stored fields of id, or nil when the document does not
// exist.
func (b *Backend) Lookup(ctx context.Context, id string) (fieldmap.Record, error) {
	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{id}))
	req.Fields = []string{"*"}

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to look up document %s: %w", id, err)
	}
	if len(res.Hits) == 0 {
		return nil, nil
	}
	return fromFields(res.Hits[0].Fields), nil
}

// DocCount returns the number of indexed documents.
func (b *Backend) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the index.
func (b *Backend) Close() error {
	if err := b.index.Close(); err != nil {
		return fmt.Errorf("failed to close bleve index: %w", err)
	}
	return nil
}

// Destroy closes the index and removes it from disk.
func (b *Backend) Destroy() error {
	if err := b.Close(); err != nil {
		return err
	}
	if b.path == "" {
		return nil
	}
	return os.RemoveAll(b.path)
}

// toDocument flattens single-valued attributes so they index as plain
// strings.
func toDocument(rec fieldmap.Record) map[string]any {
	doc := make(map[string]any, len(rec))
	for k, vals := range rec {
		if len(vals) == 1 {
			doc[k] = vals[0]
			continue
		}
		doc[k] = append([]string(nil), vals...)
	}
	return doc
}

func fromFields(fields map[string]any) fieldmap.Record {
	rec := make(fieldmap.Record, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			rec.Add(k, val)
		case []any:
			for _, item := range val {
				rec.Add(k, fmt.Sprint(item))
			}
		default:
			rec.Add(k, fmt.Sprint(val))
		}
	}
	return rec
}
