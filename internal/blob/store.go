// Package blob implements the named-blob storage backend the indexing
// engine persists its internal files through. Each blob is one row in the
// container's blob table: name, payload, and a running xxhash checksum.
//
// Mutations run inside whatever ambient transaction is open on the
// container; the store itself never begins or commits one.
package blob

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/lodestone-search/lodestone/internal/container"
	lserrors "github.com/lodestone-search/lodestone/internal/errors"
)

// cacheSize bounds how many materialized blobs one handle keeps in memory.
const cacheSize = 128

// Store is a named-blob persistence layer over one container handle.
type Store struct {
	c     *container.Container
	cache *lru.Cache[string, []byte]
	group singleflight.Group
}

// New creates a blob store over an open container.
func New(c *container.Container) (*Store, error) {
	if c == nil {
		return nil, lserrors.Validation("container is nil")
	}
	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
	}
	return &Store{c: c, cache: cache}, nil
}

// ReadOnly reports whether the underlying container handle is read-only.
func (s *Store) ReadOnly() bool { return s.c.ReadOnly() }

// ListNames enumerates all stored blob names.
func (s *Store) ListNames(ctx context.Context) ([]string, error) {
	rows, err := s.c.Query(ctx, `SELECT name FROM blobs ORDER BY name`)
	if err != nil {
		return nil, lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CreateOutput deletes any existing blob with that name and returns a
// buffered sink. Nothing is visible to readers until the sink is closed;
// Close persists the full buffered payload and its checksum as one write.
func (s *Store) CreateOutput(ctx context.Context, name string) (*Writer, error) {
	if name == "" {
		return nil, lserrors.Validation("blob name is empty")
	}
	if err := s.DeleteFile(ctx, name); err != nil {
		return nil, err
	}
	return &Writer{store: s, ctx: ctx, name: name, sum: xxhash.New()}, nil
}

// OpenInput returns a readable, seekable view of the named blob. The
// payload is materialized into memory on first access and cached per
// handle; concurrent readers materializing the same name share one fetch.
func (s *Store) OpenInput(ctx context.Context, name string) (*Reader, error) {
	if name == "" {
		return nil, lserrors.Validation("blob name is empty")
	}
	if payload, ok := s.cache.Get(name); ok {
		return newReader(name, payload), nil
	}

	v, err, _ := s.group.Do(name, func() (any, error) {
		payload, err := s.fetch(ctx, name)
		if err != nil {
			return nil, err
		}
		s.cache.Add(name, payload)
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return newReader(name, v.([]byte)), nil
}

func (s *Store) fetch(ctx context.Context, name string) ([]byte, error) {
	var payload []byte
	var checksum int64
	err := s.c.QueryRow(ctx,
		`SELECT payload, checksum FROM blobs WHERE name = ?`, name).
		Scan(&payload, &checksum)
	if err == sql.ErrNoRows {
		return nil, lserrors.NotFound(name)
	}
	if err != nil {
		return nil, lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
	}
	if got := int64(xxhash.Sum64(payload)); got != checksum {
		return nil, lserrors.Integrity(lserrors.ErrCodeChecksumMismatch,
			fmt.Sprintf("blob %q checksum mismatch: stored %d, computed %d",
				name, checksum, got)).WithDetail("name", name)
	}
	return payload, nil
}

// Purge drops every cached payload. Needed after a transaction rollback:
// payloads materialized inside the transaction no longer match the
// stored rows.
func (s *Store) Purge() {
	s.cache.Purge()
}

// DeleteFile removes the named blob. Deleting a missing name is not an
// error.
func (s *Store) DeleteFile(ctx context.Context, name string) error {
	s.cache.Remove(name)
	if _, err := s.c.Exec(ctx, `DELETE FROM blobs WHERE name = ?`, name); err != nil {
		return lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
	}
	return nil
}

// FileLength returns the payload length in bytes.
func (s *Store) FileLength(ctx context.Context, name string) (int64, error) {
	var n int64
	err := s.c.QueryRow(ctx,
		`SELECT LENGTH(payload) FROM blobs WHERE name = ?`, name).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, lserrors.NotFound(name)
	}
	if err != nil {
		return 0, lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
	}
	return n, nil
}

// Sync is a durability hint. Blob writes are durable once the ambient
// container transaction commits, so this only verifies the names exist.
func (s *Store) Sync(ctx context.Context, names []string) error {
	for _, name := range names {
		if _, err := s.FileLength(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Lock obtains the advisory, process-local lock for name. Obtaining
// always succeeds; the store assumes one exclusive writer per container
// and guarantees no cross-process mutual exclusion.
func (s *Store) Lock(name string) *Lock {
	return &Lock{name: name}
}

// Lock is an advisory lock token.
type Lock struct {
	name     string
	released sync.Once
}

// Release releases the lock. Idempotent.
func (l *Lock) Release() {
	l.released.Do(func() {})
}

// Writer is the buffered sink returned by CreateOutput.
type Writer struct {
	store  *Store
	ctx    context.Context
	name   string
	buf    bytes.Buffer
	sum    *xxhash.Digest
	closed bool
}

// Write buffers p. Buffered content is not visible to readers.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, lserrors.State(lserrors.ErrCodeClosed,
			fmt.Sprintf("blob sink %q is closed", w.name))
	}
	_, _ = w.sum.Write(p)
	return w.buf.Write(p)
}

// Close persists the buffered payload and checksum as one blob write.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	payload := w.buf.Bytes()
	if payload == nil {
		payload = []byte{}
	}
	_, err := w.store.c.Exec(w.ctx,
		`INSERT INTO blobs (name, payload, checksum) VALUES (?, ?, ?)`,
		w.name, payload, int64(w.sum.Sum64()))
	if err != nil {
		return lserrors.Transaction(fmt.Sprintf("persist blob %q", w.name), err)
	}
	w.store.cache.Remove(w.name)
	return nil
}

// Name returns the blob name this sink writes to.
func (w *Writer) Name() string { return w.name }

// Reader is an in-memory seekable view of one blob.
type Reader struct {
	*bytes.Reader
	name string
	size int64
}

func newReader(name string, payload []byte) *Reader {
	return &Reader{Reader: bytes.NewReader(payload), name: name, size: int64(len(payload))}
}

// Name returns the blob name.
func (r *Reader) Name() string { return r.name }

// Size returns the blob length in bytes.
func (r *Reader) Size() int64 { return r.size }

// Close releases the reader. The cached payload stays with the store.
func (r *Reader) Close() error { return nil }
