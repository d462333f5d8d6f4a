// Package container manages the single SQLite file that holds one search
// index: the directory and batch metadata tables plus the named-blob table
// backing the indexing engine's storage.
//
// A container is opened either read-write (one writer, flock-guarded) or
// read-only (any number of independent handles). All writer mutations run
// inside one ambient transaction managed here; the blob store and metadata
// operations route their statements through it.
package container

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	lserrors "github.com/lodestone-search/lodestone/internal/errors"
)

// ReservedExt is the container's file extension (without dot). Files with
// this extension are never indexed: never index the index.
const ReservedExt = "ldx"

// Mode selects how a container is opened.
type Mode int

const (
	// ReadWrite opens the container for indexing. One writer at a time.
	ReadWrite Mode = iota
	// ReadOnly opens a point-in-time querying handle.
	ReadOnly
)

// Container is one open handle on the container file.
type Container struct {
	db   *sql.DB
	path string
	mode Mode
	lock *flock.Flock

	mu     sync.Mutex
	tx     *sql.Tx
	closed bool
}

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS directories (
	id         INTEGER PRIMARY KEY,
	path       TEXT NOT NULL UNIQUE COLLATE NOCASE,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
	id               TEXT PRIMARY KEY,
	directory_id     INTEGER NOT NULL REFERENCES directories(id),
	started_at       INTEGER NOT NULL,
	finished_at      INTEGER,
	options          INTEGER NOT NULL DEFAULT 0,
	documents        INTEGER NOT NULL DEFAULT 0,
	skipped_files    INTEGER NOT NULL DEFAULT 0,
	skipped_dirs     INTEGER NOT NULL DEFAULT 0,
	rules_snapshot   TEXT NOT NULL DEFAULT '',
	excluded_dirs    TEXT NOT NULL DEFAULT '',
	non_indexed_exts TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS blobs (
	name     TEXT PRIMARY KEY,
	payload  BLOB NOT NULL,
	checksum INTEGER NOT NULL
);

INSERT OR IGNORE INTO meta (key, value) VALUES ('schema_version', '1');
`

// OpenWriter opens the container at path for indexing, creating it if
// missing. The writer holds an advisory flock for its lifetime; a second
// concurrent writer is rejected with a state error.
func OpenWriter(path string) (*Container, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
	}
	if !locked {
		return nil, lserrors.State(lserrors.ErrCodeClosed,
			fmt.Sprintf("container %s is already open for writing", path))
	}

	db, err := open(path, ReadWrite)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	c := &Container{db: db, path: path, mode: ReadWrite, lock: lock}
	if _, err := db.Exec(schema); err != nil {
		_ = c.Close()
		return nil, lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
	}
	return c, nil
}

// OpenReader opens a read-only handle on an existing container.
func OpenReader(path string) (*Container, error) {
	db, err := open(path+"?mode=ro", ReadOnly)
	if err != nil {
		return nil, err
	}

	c := &Container{db: db, path: path, mode: ReadOnly}
	// A readable file without our tables is not a container.
	var n int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name IN ('directories','batches','blobs')`).Scan(&n)
	if err != nil || n != 3 {
		_ = c.Close()
		return nil, lserrors.Integrity(lserrors.ErrCodeCorruptContainer,
			fmt.Sprintf("%s is not a lodestone container", path))
	}
	return c, nil
}

func open(dsn string, mode Mode) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
	}

	// Single connection keeps the ambient transaction and every other
	// statement on the same SQLite handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}
	if mode == ReadWrite {
		pragmas = append(pragmas,
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA foreign_keys = ON",
		)
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
		}
	}
	return db, nil
}

// Path returns the container file path.
func (c *Container) Path() string { return c.path }

// ReadOnly reports whether this handle was opened read-only.
func (c *Container) ReadOnly() bool { return c.mode == ReadOnly }

// Begin opens the ambient transaction. Exactly one may be open per handle.
func (c *Container) Begin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ReadOnly {
		return lserrors.State(lserrors.ErrCodeSessionReadOnly,
			"cannot begin a transaction on a read-only container")
	}
	if c.tx != nil {
		return lserrors.State(lserrors.ErrCodeClosed, "a transaction is already open")
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return lserrors.Transaction("begin transaction", err)
	}
	c.tx = tx
	return nil
}

// Commit commits the ambient transaction.
func (c *Container) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return lserrors.State(lserrors.ErrCodeClosed, "no open transaction")
	}
	err := c.tx.Commit()
	c.tx = nil
	if err != nil {
		return lserrors.Transaction("commit failed", err)
	}
	return nil
}

// Rollback aborts the ambient transaction. Safe to call when none is open.
func (c *Container) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback()
	c.tx = nil
	if err != nil && err != sql.ErrTxDone {
		return lserrors.New(lserrors.ErrCodeRollbackFailed, "rollback failed", err)
	}
	return nil
}

// InTransaction reports whether the ambient transaction is open.
func (c *Container) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx != nil
}

// handle returns the statement target: the ambient transaction when open,
// otherwise the connection itself (autocommit).
func (c *Container) handle() dbtx {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

// Exec runs a mutating statement inside the ambient transaction if one is
// open. Write statements on a read-only handle fail at the SQLite level.
func (c *Container) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.handle().ExecContext(ctx, query, args...)
}

// Query runs a query through the ambient transaction if one is open.
func (c *Container) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.handle().QueryContext(ctx, query, args...)
}

// QueryRow runs a single-row query through the ambient transaction if one
// is open.
func (c *Container) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.handle().QueryRowContext(ctx, query, args...)
}

// Compact reclaims free space in the container file. It must be called
// outside the ambient transaction; failures are the caller's to swallow.
func (c *Container) Compact(ctx context.Context) error {
	if c.InTransaction() {
		return lserrors.State(lserrors.ErrCodeClosed, "cannot compact inside a transaction")
	}
	if _, err := c.db.ExecContext(ctx, "VACUUM"); err != nil {
		return lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
	}
	return nil
}

// Close rolls back any open transaction, releases the writer lock, and
// closes the database. Idempotent.
func (c *Container) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tx := c.tx
	c.tx = nil
	c.mu.Unlock()

	if tx != nil {
		_ = tx.Rollback()
	}
	if c.mode == ReadWrite {
		_, _ = c.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	err := c.db.Close()
	if c.lock != nil {
		_ = c.lock.Unlock()
	}
	return err
}

// IsContainerFile reports whether name carries the reserved extension.
func IsContainerFile(name string) bool {
	return strings.EqualFold(extOf(name), ReservedExt)
}

func extOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 && i < len(name)-1 {
		return name[i+1:]
	}
	return ""
}
