package container

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	lserrors "github.com/lodestone-search/lodestone/internal/errors"
)

// BatchOptions is the batch option bitset.
type BatchOptions uint8

const (
	// BatchCancelled marks a scan stopped by its caller. The documents
	// added before the cancellation point were still committed.
	BatchCancelled BatchOptions = 1 << iota
	// BatchDataDeleted marks a batch whose documents were superseded and
	// deleted by a later scan of the same directory.
	BatchDataDeleted
)

// Directory is one indexed root path.
type Directory struct {
	ID        int64
	Path      string
	CreatedAt time.Time
}

// Batch is one versioned scan attempt over one directory.
type Batch struct {
	ID             string
	DirectoryID    int64
	StartedAt      time.Time
	FinishedAt     time.Time
	Options        BatchOptions
	Documents      int
	SkippedFiles   int
	SkippedDirs    int
	RulesSnapshot  string
	ExcludedDirs   []string
	NonIndexedExts []string
}

// Cancelled reports whether the scan producing this batch was cancelled.
func (b *Batch) Cancelled() bool { return b.Options&BatchCancelled != 0 }

// DataDeleted reports whether a later batch superseded this one.
func (b *Batch) DataDeleted() bool { return b.Options&BatchDataDeleted != 0 }

// EnsureDirectory returns the directory record for path, creating it on
// first scan. Path comparison is case-insensitive; ids are max+1 monotonic.
func (c *Container) EnsureDirectory(ctx context.Context, path string) (*Directory, error) {
	if path == "" {
		return nil, lserrors.Validation("directory path is empty")
	}
	if d, err := c.DirectoryByPath(ctx, path); err == nil {
		return d, nil
	} else if !lserrors.IsNotFound(err) {
		return nil, err
	}

	d := &Directory{Path: path, CreatedAt: time.Now()}
	err := c.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) + 1 FROM directories`).Scan(&d.ID)
	if err != nil {
		return nil, lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
	}
	_, err = c.Exec(ctx,
		`INSERT INTO directories (id, path, created_at) VALUES (?, ?, ?)`,
		d.ID, d.Path, d.CreatedAt.UnixMilli())
	if err != nil {
		return nil, lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
	}
	return d, nil
}

// DirectoryByPath looks a directory up by its path, case-insensitively.
func (c *Container) DirectoryByPath(ctx context.Context, path string) (*Directory, error) {
	d := &Directory{}
	var created int64
	err := c.QueryRow(ctx,
		`SELECT id, path, created_at FROM directories WHERE path = ? COLLATE NOCASE`,
		path).Scan(&d.ID, &d.Path, &created)
	if err == sql.ErrNoRows {
		return nil, lserrors.New(lserrors.ErrCodeDirectoryNotFound,
			fmt.Sprintf("directory %q is not indexed", path), nil)
	}
	if err != nil {
		return nil, lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
	}
	d.CreatedAt = time.UnixMilli(created)
	return d, nil
}

// Directories lists all indexed roots ordered by id.
func (c *Container) Directories(ctx context.Context) ([]*Directory, error) {
	rows, err := c.Query(ctx,
		`SELECT id, path, created_at FROM directories ORDER BY id`)
	if err != nil {
		return nil, lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
	}
	defer rows.Close()

	var out []*Directory
	for rows.Next() {
		d := &Directory{}
		var created int64
		if err := rows.Scan(&d.ID, &d.Path, &created); err != nil {
			return nil, lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
		}
		d.CreatedAt = time.UnixMilli(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

// RemoveDirectory deletes a directory record and all its batches. Deleting
// the directory's documents from the index is the caller's job, in the
// same ambient transaction.
func (c *Container) RemoveDirectory(ctx context.Context, id int64) error {
	if _, err := c.Exec(ctx, `DELETE FROM batches WHERE directory_id = ?`, id); err != nil {
		return lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
	}
	res, err := c.Exec(ctx, `DELETE FROM directories WHERE id = ?`, id)
	if err != nil {
		return lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return lserrors.New(lserrors.ErrCodeDirectoryNotFound,
			fmt.Sprintf("directory id %d does not exist", id), nil)
	}
	return nil
}

// InsertBatch persists a freshly started batch.
func (c *Container) InsertBatch(ctx context.Context, b *Batch) error {
	if b.ID == "" {
		return lserrors.Validation("batch id is empty")
	}
	_, err := c.Exec(ctx, `INSERT INTO batches
		(id, directory_id, started_at, options, rules_snapshot, excluded_dirs)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.DirectoryID, b.StartedAt.UnixMilli(), int(b.Options),
		b.RulesSnapshot, marshalList(b.ExcludedDirs))
	if err != nil {
		return lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
	}
	return nil
}

// FinishBatch persists the final counters, flags, and snapshot aggregates.
func (c *Container) FinishBatch(ctx context.Context, b *Batch) error {
	res, err := c.Exec(ctx, `UPDATE batches SET
		finished_at = ?, options = ?, documents = ?, skipped_files = ?,
		skipped_dirs = ?, non_indexed_exts = ?
		WHERE id = ?`,
		b.FinishedAt.UnixMilli(), int(b.Options), b.Documents, b.SkippedFiles,
		b.SkippedDirs, marshalList(b.NonIndexedExts), b.ID)
	if err != nil {
		return lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return lserrors.New(lserrors.ErrCodeBatchNotFound,
			fmt.Sprintf("batch %s does not exist", b.ID), nil)
	}
	return nil
}

// DeleteBatch removes a batch record, used to discard the pre-committed
// row of a scan whose transaction rolled back.
func (c *Container) DeleteBatch(ctx context.Context, id string) error {
	_, err := c.Exec(ctx, `DELETE FROM batches WHERE id = ?`, id)
	if err != nil {
		return lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
	}
	return nil
}

// MarkBatchesDataDeleted sets the data-deleted flag on every batch of the
// directory except the given one, returning how many were marked.
func (c *Container) MarkBatchesDataDeleted(ctx context.Context, dirID int64, exceptBatchID string) (int64, error) {
	res, err := c.Exec(ctx, `UPDATE batches SET options = options | ?
		WHERE directory_id = ? AND id <> ? AND options & ? = 0`,
		int(BatchDataDeleted), dirID, exceptBatchID, int(BatchDataDeleted))
	if err != nil {
		return 0, lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
	}
	return res.RowsAffected()
}

// BatchByID loads one batch.
func (c *Container) BatchByID(ctx context.Context, id string) (*Batch, error) {
	row := c.QueryRow(ctx, `SELECT id, directory_id, started_at, finished_at,
		options, documents, skipped_files, skipped_dirs, rules_snapshot,
		excluded_dirs, non_indexed_exts
		FROM batches WHERE id = ?`, id)
	b, err := scanBatch(row.Scan)
	if err == sql.ErrNoRows {
		return nil, lserrors.New(lserrors.ErrCodeBatchNotFound,
			fmt.Sprintf("batch %s does not exist", id), nil)
	}
	if err != nil {
		return nil, lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
	}
	return b, nil
}

// Batches lists a directory's batches, newest first.
func (c *Container) Batches(ctx context.Context, dirID int64) ([]*Batch, error) {
	rows, err := c.Query(ctx, `SELECT id, directory_id, started_at, finished_at,
		options, documents, skipped_files, skipped_dirs, rules_snapshot,
		excluded_dirs, non_indexed_exts
		FROM batches WHERE directory_id = ? ORDER BY started_at DESC`, dirID)
	if err != nil {
		return nil, lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
	}
	defer rows.Close()

	var out []*Batch
	for rows.Next() {
		b, err := scanBatch(rows.Scan)
		if err != nil {
			return nil, lserrors.Wrap(lserrors.ErrCodeContainerOpen, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBatch(scan func(dest ...any) error) (*Batch, error) {
	b := &Batch{}
	var started int64
	var finished sql.NullInt64
	var options int
	var excluded, nonIndexed string
	err := scan(&b.ID, &b.DirectoryID, &started, &finished, &options,
		&b.Documents, &b.SkippedFiles, &b.SkippedDirs, &b.RulesSnapshot,
		&excluded, &nonIndexed)
	if err != nil {
		return nil, err
	}
	b.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		b.FinishedAt = time.UnixMilli(finished.Int64)
	}
	b.Options = BatchOptions(options)
	b.ExcludedDirs = unmarshalList(excluded)
	b.NonIndexedExts = unmarshalList(nonIndexed)
	return b, nil
}

func marshalList(list []string) string {
	if len(list) == 0 {
		return ""
	}
	data, err := yaml.Marshal(list)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalList(s string) []string {
	if s == "" {
		return nil
	}
	var list []string
	if err := yaml.Unmarshal([]byte(s), &list); err != nil {
		return nil
	}
	return list
}
