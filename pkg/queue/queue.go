// Package queue implements the durable operation queue that sits between
// document producers and the index committer.
//
// Every pending operation is a record file named after its sequence number,
// plus a content blob for adds. The directory is the only source of truth:
// on Open it is scanned, partially written files are discarded, and the
// remaining entries are replayed in sequence order.
package queue

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"

	"github.com/hashicorp-forge/hermes-committer/pkg/fieldmap"
)

var (
	// ErrIO is wrapped by every local storage failure.
	ErrIO = errors.New("queue storage failure")

	// ErrInvalidOperation is returned for operations without an id or kind.
	ErrInvalidOperation = errors.New("invalid queue operation")

	// ErrNotHead is returned when acknowledging entries that are not the
	// oldest in the queue.
	ErrNotHead = errors.New("batch is not the head of the queue")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue closed")

	// ErrLocked is returned when another process owns the queue directory.
	ErrLocked = errors.New("queue directory locked by another process")
)

// Kind is the operation type.
type Kind string

const (
	KindAdd    Kind = "add"
	KindDelete Kind = "delete"
)

// Operation is an add or delete request to enqueue. Content is read fully
// into the queue during Enqueue and is ignored for deletes.
type Operation struct {
	Kind       Kind
	ID         string
	Attributes fieldmap.Attributes
	Content    io.Reader
}

// Entry is a durably queued operation.
type Entry struct {
	Seq        uint64
	Kind       Kind
	ID         string
	Attributes fieldmap.Attributes

	fs         afero.Fs
	recordPath string
	blobPath   string
}

// Content reads the stored body of an add. Deletes have no content.
func (e *Entry) Content() ([]byte, error) {
	if e.Kind != KindAdd {
		return nil, nil
	}
	data, err := afero.ReadFile(e.fs, e.blobPath)
	if err != nil {
		return nil, ioFault("read content", e.blobPath, err)
	}
	return data, nil
}

// Batch is an ordered run of entries taken from the head of the queue.
type Batch []*Entry

// Options configure a Queue.
type Options struct {
	// Dir is the queue directory. It is created when missing.
	Dir string

	// Fs is the filesystem backing the queue (default: the OS filesystem).
	Fs afero.Fs

	Logger hclog.Logger
}

// Queue is a durable FIFO of operations.
type Queue struct {
	fs     afero.Fs
	dir    string
	lock   *flock.Flock
	logger hclog.Logger

	// enqMu serializes writers so entries become visible in sequence order.
	enqMu sync.Mutex
	// ackMu serializes acknowledgments.
	ackMu sync.Mutex

	mu      sync.Mutex
	entries []*Entry
	nextSeq uint64
	closed  bool
}

// Open opens or creates the queue in opts.Dir and recovers pending entries.
func Open(opts Options) (*Queue, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("queue directory is required")
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}

	if err := opts.Fs.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, ioFault("create directory", opts.Dir, err)
	}

	q := &Queue{
		fs:      opts.Fs,
		dir:     opts.Dir,
		logger:  opts.Logger.Named("queue"),
		nextSeq: 1,
	}

	// Cross-process locking needs a real file descriptor.
	if _, ok := opts.Fs.(*afero.OsFs); ok {
		q.lock = flock.New(filepath.Join(opts.Dir, lockName))
		locked, err := q.lock.TryLock()
		if err != nil {
			return nil, ioFault("lock", opts.Dir, err)
		}
		if !locked {
			return nil, fmt.Errorf("%w: %s", ErrLocked, opts.Dir)
		}
	}

	if err := q.recover(); err != nil {
		q.unlock()
		return nil, err
	}

	q.logger.Info("opened queue",
		"dir", q.dir,
		"pending", len(q.entries),
		"next_seq", q.nextSeq,
	)

	return q, nil
}

// Dir returns the queue directory.
func (q *Queue) Dir() string {
	return q.dir
}

// Enqueue durably stores op and returns its entry. The entry is visible to
// PeekBatch only once record, content and directory are synced.
func (q *Queue) Enqueue(op Operation) (*Entry, error) {
	if op.ID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidOperation)
	}
	if op.Kind != KindAdd && op.Kind != KindDelete {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}

	q.enqMu.Lock()
	defer q.enqMu.Unlock()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	seq := q.nextSeq
	q.nextSeq++
	q.mu.Unlock()

	e := &Entry{
		Seq:        seq,
		Kind:       op.Kind,
		ID:         op.ID,
		Attributes: op.Attributes.Clone(),
		fs:         q.fs,
		recordPath: filepath.Join(q.dir, recordName(seq)),
		blobPath:   filepath.Join(q.dir, blobName(seq)),
	}

	if e.Kind == KindAdd {
		content := op.Content
		if content == nil {
			content = bytes.NewReader(nil)
		}
		if err := q.writeFileSync(e.blobPath, content); err != nil {
			return nil, err
		}
	}

	data, err := encodeRecord(recordBody{
		Seq:        e.Seq,
		Kind:       e.Kind,
		ID:         e.ID,
		Attributes: e.Attributes,
		HasContent: e.Kind == KindAdd,
	})
	if err != nil {
		q.discard(e)
		return nil, err
	}
	if err := q.writeFileSync(e.recordPath, bytes.NewReader(data)); err != nil {
		q.discard(e)
		return nil, err
	}
	if err := q.syncDir(); err != nil {
		q.discard(e)
		return nil, err
	}

	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.mu.Unlock()

	q.logger.Trace("enqueued operation", "seq", e.Seq, "kind", e.Kind, "id", e.ID)

	return e, nil
}

// PeekBatch returns up to limit of the oldest entries without removing them.
// A negative limit returns every pending entry.
func (q *Queue) PeekBatch(limit int) Batch {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.entries)
	if limit >= 0 && limit < n {
		n = limit
	}
	batch := make(Batch, n)
	copy(batch, q.entries[:n])
	return batch
}

// Acknowledge removes a batch previously returned by PeekBatch. The batch
// must still be the head of the queue.
//
// If storage fails part way, the entries already deleted are dropped from
// the queue and the rest remain for the next attempt.
func (q *Queue) Acknowledge(batch Batch) error {
	if len(batch) == 0 {
		return nil
	}

	q.ackMu.Lock()
	defer q.ackMu.Unlock()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if len(batch) > len(q.entries) {
		q.mu.Unlock()
		return ErrNotHead
	}
	for i, e := range batch {
		if q.entries[i] != e {
			q.mu.Unlock()
			return fmt.Errorf("%w: expected seq %d, got %d", ErrNotHead, q.entries[i].Seq, e.Seq)
		}
	}
	q.mu.Unlock()

	removed := 0
	var ackErr error
	for _, e := range batch {
		if err := q.fs.Remove(e.recordPath); err != nil && !errors.Is(err, iofs.ErrNotExist) {
			ackErr = ioFault("remove record", e.recordPath, err)
			break
		}
		if e.Kind == KindAdd {
			// An orphaned blob is harmless; recovery removes it.
			if err := q.fs.Remove(e.blobPath); err != nil && !errors.Is(err, iofs.ErrNotExist) {
				q.logger.Warn("failed to remove content blob", "seq", e.Seq, "error", err)
			}
		}
		removed++
	}

	if removed > 0 {
		if err := q.syncDir(); err != nil && ackErr == nil {
			ackErr = err
		}

		q.mu.Lock()
		for i := 0; i < removed; i++ {
			q.entries[i] = nil
		}
		q.entries = q.entries[removed:]
		q.mu.Unlock()
	}

	if ackErr != nil {
		q.logger.Error("partial acknowledgment",
			"acknowledged", removed,
			"batch_size", len(batch),
			"error", ackErr,
		)
		return ackErr
	}

	q.logger.Trace("acknowledged batch",
		"first_seq", batch[0].Seq,
		"last_seq", batch[len(batch)-1].Seq,
	)
	return nil
}

// Size returns the number of pending entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// IsEmpty reports whether no entries are pending.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// Close releases the directory lock. Pending entries stay on disk.
func (q *Queue) Close() error {
	q.enqMu.Lock()
	defer q.enqMu.Unlock()
	q.ackMu.Lock()
	defer q.ackMu.Unlock()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	return q.unlock()
}

func (q *Queue) unlock() error {
	if q.lock == nil {
		return nil
	}
	if err := q.lock.Unlock(); err != nil {
		return ioFault("unlock", q.dir, err)
	}
	return nil
}

// recover rebuilds the entry list from the directory.
func (q *Queue) recover() error {
	infos, err := afero.ReadDir(q.fs, q.dir)
	if err != nil {
		return ioFault("scan", q.dir, err)
	}

	var (
		recordSeqs []uint64
		blobs      = make(map[uint64]bool)
		maxSeq     uint64
		changed    bool
	)

	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || name == lockName {
			continue
		}
		path := filepath.Join(q.dir, name)

		if filepath.Ext(name) == tmpExt {
			q.logger.Warn("discarding unfinished queue file", "file", name)
			if err := q.fs.Remove(path); err != nil {
				return ioFault("remove", path, err)
			}
			changed = true
			continue
		}
		if seq, ok := parseSeq(name, recordExt); ok {
			recordSeqs = append(recordSeqs, seq)
			maxSeq = max(maxSeq, seq)
			continue
		}
		if seq, ok := parseSeq(name, blobExt); ok {
			blobs[seq] = true
			maxSeq = max(maxSeq, seq)
			continue
		}
		q.logger.Debug("ignoring unknown file in queue directory", "file", name)
	}

	sort.Slice(recordSeqs, func(i, j int) bool { return recordSeqs[i] < recordSeqs[j] })

	for _, seq := range recordSeqs {
		e, err := q.loadEntry(seq, blobs[seq])
		if err != nil {
			q.logger.Warn("discarding corrupt queue entry", "seq", seq, "error", err)
			if err := q.removeQuiet(filepath.Join(q.dir, recordName(seq))); err != nil {
				return err
			}
			if blobs[seq] {
				if err := q.removeQuiet(filepath.Join(q.dir, blobName(seq))); err != nil {
					return err
				}
			}
			delete(blobs, seq)
			changed = true
			continue
		}
		if e.Kind == KindAdd {
			delete(blobs, seq)
		}
		q.entries = append(q.entries, e)
	}

	for seq := range blobs {
		q.logger.Warn("discarding orphaned content blob", "seq", seq)
		if err := q.removeQuiet(filepath.Join(q.dir, blobName(seq))); err != nil {
			return err
		}
		changed = true
	}

	if changed {
		if err := q.syncDir(); err != nil {
			return err
		}
	}

	q.nextSeq = maxSeq + 1
	return nil
}

func (q *Queue) loadEntry(seq uint64, hasBlob bool) (*Entry, error) {
	path := filepath.Join(q.dir, recordName(seq))
	data, err := afero.ReadFile(q.fs, path)
	if err != nil {
		return nil, err
	}
	body, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}
	if body.Seq != seq {
		return nil, fmt.Errorf("%w: record seq %d stored as %d", errCorruptRecord, body.Seq, seq)
	}
	if body.ID == "" {
		return nil, fmt.Errorf("%w: empty id", errCorruptRecord)
	}
	switch body.Kind {
	case KindAdd:
		if !hasBlob {
			return nil, fmt.Errorf("%w: content blob missing", errCorruptRecord)
		}
	case KindDelete:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", errCorruptRecord, body.Kind)
	}

	return &Entry{
		Seq:        body.Seq,
		Kind:       body.Kind,
		ID:         body.ID,
		Attributes: body.Attributes,
		fs:         q.fs,
		recordPath: path,
		blobPath:   filepath.Join(q.dir, blobName(seq)),
	}, nil
}

// writeFileSync writes r to path through a temporary file that is synced
// and renamed into place.
func (q *Queue) writeFileSync(path string, r io.Reader) error {
	tmp := path + tmpExt

	f, err := q.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return ioFault("create", tmp, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		q.fs.Remove(tmp)
		return ioFault("write", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		q.fs.Remove(tmp)
		return ioFault("sync", tmp, err)
	}
	if err := f.Close(); err != nil {
		q.fs.Remove(tmp)
		return ioFault("close", tmp, err)
	}
	if err := q.fs.Rename(tmp, path); err != nil {
		q.fs.Remove(tmp)
		return ioFault("rename", tmp, err)
	}
	return nil
}

// discard removes the files of an entry whose enqueue failed.
func (q *Queue) discard(e *Entry) {
	for _, path := range []string{e.recordPath, e.blobPath} {
		if err := q.fs.Remove(path); err != nil && !errors.Is(err, iofs.ErrNotExist) {
			q.logger.Warn("failed to clean up after failed enqueue", "file", path, "error", err)
		}
	}
}

func (q *Queue) removeQuiet(path string) error {
	if err := q.fs.Remove(path); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return ioFault("remove", path, err)
	}
	return nil
}

func (q *Queue) syncDir() error {
	d, err := q.fs.Open(q.dir)
	if err != nil {
		return ioFault("open directory", q.dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return ioFault("sync directory", q.dir, err)
	}
	return nil
}

func ioFault(op, path string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, path, ErrIO, err)
}
