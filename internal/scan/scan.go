// Package scan walks directory trees and feeds eligible files to the
// index. One scan produces one batch: documents added under a fresh
// batch id, stale documents from earlier batches deleted, and metadata
// plus index mutations committed in a single container transaction.
package scan

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lodestone-search/lodestone/internal/config"
	"github.com/lodestone-search/lodestone/internal/container"
	"github.com/lodestone-search/lodestone/internal/engine"
	apperrors "github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/linemap"
)

// DefaultMaxFileSize bounds how large a file a scan will read.
const DefaultMaxFileSize = 10 * 1024 * 1024

// Progress reports scan state to the caller before each file and each
// subdirectory descent.
type Progress struct {
	Path         string
	Documents    int
	SkippedFiles int
	SkippedDirs  int
}

// ProgressFunc receives progress updates. Returning false cancels the
// scan; cancellation is not an error and the batch commits what was
// produced so far.
type ProgressFunc func(Progress) bool

// IndexSink receives the documents a scan produces. engine write
// sessions satisfy it directly.
type IndexSink interface {
	Add(doc engine.Document) error
	DeleteMatching(match engine.Equality, except *engine.Equality) (int, error)
	Commit() error
}

// Options configure a Scanner.
type Options struct {
	Rules       []config.Rule
	ExcludeDirs []string
	// MaxFileSize in bytes; 0 means DefaultMaxFileSize.
	MaxFileSize int64
	// LineThreshold is passed through to the line mapper.
	LineThreshold int
	Progress      ProgressFunc
	Logger        *slog.Logger
}

// Scanner runs incremental scans against one container.
type Scanner struct {
	c         *container.Container
	sink      IndexSink
	rules     *Ruleset
	maxSize   int64
	threshold int
	progress  ProgressFunc
	log       *slog.Logger
}

// New builds a Scanner. The rules compile once here.
func New(c *container.Container, sink IndexSink, opts Options) (*Scanner, error) {
	if c == nil {
		return nil, apperrors.Validation("container is nil")
	}
	if sink == nil {
		return nil, apperrors.Validation("index sink is nil")
	}
	rules, err := CompileRules(opts.Rules, opts.ExcludeDirs)
	if err != nil {
		return nil, err
	}
	maxSize := opts.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		c:         c,
		sink:      sink,
		rules:     rules,
		maxSize:   maxSize,
		threshold: opts.LineThreshold,
		progress:  opts.Progress,
		log:       logger,
	}, nil
}

// Scan walks root and indexes it as one new batch. On success or
// cancellation the finished batch is returned with its counters; on a
// transaction-level failure everything rolls back, the batch record is
// removed, and the error propagates.
func (s *Scanner) Scan(ctx context.Context, root string) (*container.Batch, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, apperrors.Validation("resolving root path: " + err.Error())
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidPath,
			"cannot stat "+absRoot+": "+err.Error(), err)
	}
	if !info.IsDir() {
		return nil, apperrors.New(apperrors.ErrCodeInvalidPath,
			absRoot+" is not a directory", nil)
	}

	// Cancellation is cooperative: a cancelled scan still commits what it
	// produced, so container work runs detached from the caller's ctx,
	// which only gates the walk.
	dbCtx := context.WithoutCancel(ctx)

	// The directory record and the batch row commit in a short
	// transaction of their own, so partial progress stays visible if the
	// process dies mid-scan.
	dir, batch, err := s.openBatch(dbCtx, absRoot)
	if err != nil {
		return nil, err
	}

	if err := s.c.Begin(dbCtx); err != nil {
		s.dropBatch(dbCtx, batch.ID)
		return nil, apperrors.Transaction("beginning scan transaction", err)
	}

	if err := s.run(ctx, dbCtx, absRoot, dir, batch); err != nil {
		if rbErr := s.c.Rollback(); rbErr != nil {
			s.log.Warn("rollback failed", slog.String("error", rbErr.Error()))
		}
		s.dropBatch(dbCtx, batch.ID)
		s.resetSink()
		return nil, err
	}

	if err := s.c.Commit(); err != nil {
		s.dropBatch(dbCtx, batch.ID)
		s.resetSink()
		return nil, apperrors.Transaction("committing scan", err)
	}

	s.compact(dbCtx)

	s.log.Info("scan finished",
		slog.String("root", absRoot),
		slog.String("batch", batch.ID),
		slog.Int("documents", batch.Documents),
		slog.Int("skipped_files", batch.SkippedFiles),
		slog.Int("skipped_dirs", batch.SkippedDirs),
		slog.Bool("cancelled", batch.Cancelled()))
	return batch, nil
}

func (s *Scanner) openBatch(ctx context.Context, absRoot string) (*container.Directory, *container.Batch, error) {
	if err := s.c.Begin(ctx); err != nil {
		return nil, nil, apperrors.Transaction("beginning batch transaction", err)
	}
	dir, err := s.c.EnsureDirectory(ctx, absRoot)
	if err != nil {
		_ = s.c.Rollback()
		return nil, nil, err
	}
	batch := &container.Batch{
		ID:            uuid.NewString(),
		DirectoryID:   dir.ID,
		StartedAt:     time.Now().UTC(),
		RulesSnapshot: s.rules.Snapshot(),
		ExcludedDirs:  s.rules.ExcludedDirs(),
	}
	if err := s.c.InsertBatch(ctx, batch); err != nil {
		_ = s.c.Rollback()
		return nil, nil, err
	}
	if err := s.c.Commit(); err != nil {
		return nil, nil, apperrors.Transaction("committing batch record", err)
	}
	return dir, batch, nil
}

// run is the scan body, executed inside the ambient transaction.
func (s *Scanner) run(ctx, dbCtx context.Context, absRoot string, dir *container.Directory, batch *container.Batch) error {
	nonIndexed := make(map[string]struct{})

	cancelled, err := s.walk(ctx, dbCtx, absRoot, "", dir, batch, nonIndexed)
	if err != nil {
		return err
	}
	if cancelled {
		batch.Options |= container.BatchCancelled
	}

	// Stale deletion runs even after cancellation: the live document set
	// must always belong to exactly one batch per directory.
	deleted, err := s.sink.DeleteMatching(
		engine.Equality{Field: engine.FieldDirID, Value: strconv.FormatInt(dir.ID, 10)},
		&engine.Equality{Field: engine.FieldBatchID, Value: batch.ID},
	)
	if err != nil {
		return err
	}
	if deleted > 0 {
		s.log.Debug("stale documents deleted",
			slog.Int("count", deleted), slog.Int64("dir", dir.ID))
	}
	if _, err := s.c.MarkBatchesDataDeleted(dbCtx, dir.ID, batch.ID); err != nil {
		return err
	}

	if err := s.sink.Commit(); err != nil {
		return err
	}

	batch.FinishedAt = time.Now().UTC()
	batch.NonIndexedExts = sortedKeys(nonIndexed)
	return s.c.FinishBatch(dbCtx, batch)
}

// walk visits files before subdirectories at each level so cancellation
// and exclusion short-circuit per entry.
func (s *Scanner) walk(ctx, dbCtx context.Context, dirPath, rel string, dir *container.Directory, batch *container.Batch, nonIndexed map[string]struct{}) (bool, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		// An unreadable subtree is skipped wholesale: counted as one
		// skipped directory, logged, never fatal.
		s.log.Warn("cannot read directory",
			slog.String("path", dirPath), slog.String("error", err.Error()))
		batch.SkippedDirs++
		return false, nil
	}

	var subdirs []os.DirEntry
	for _, e := range entries {
		if e.IsDir() {
			subdirs = append(subdirs, e)
			continue
		}
		relPath := joinRel(rel, e.Name())
		if !s.keepGoing(ctx, relPath, batch) {
			return true, nil
		}
		if err := s.visitFile(dbCtx, dirPath, relPath, e, dir, batch, nonIndexed); err != nil {
			return false, err
		}
	}

	for _, e := range subdirs {
		relPath := joinRel(rel, e.Name())
		if !s.keepGoing(ctx, relPath, batch) {
			return true, nil
		}
		if s.rules.ExcludesDir(e.Name()) {
			batch.SkippedDirs++
			continue
		}
		cancelled, err := s.walk(ctx, dbCtx, filepath.Join(dirPath, e.Name()), relPath, dir, batch, nonIndexed)
		if err != nil || cancelled {
			return cancelled, err
		}
	}
	return false, nil
}

func (s *Scanner) visitFile(ctx context.Context, dirPath, relPath string, e os.DirEntry, dir *container.Directory, batch *container.Batch, nonIndexed map[string]struct{}) error {
	// Never index the index.
	if container.IsContainerFile(e.Name()) {
		batch.SkippedFiles++
		return nil
	}
	if s.rules.Excluded(relPath) {
		batch.SkippedFiles++
		return nil
	}
	if !s.rules.Includes(relPath) {
		batch.SkippedFiles++
		// Only inclusion misses feed the non-indexed set; a rule-excluded
		// file's extension may be indexable everywhere else.
		if ext := Ext(relPath); ext != "" {
			nonIndexed[ext] = struct{}{}
		}
		return nil
	}

	fullPath := filepath.Join(dirPath, e.Name())
	info, err := e.Info()
	if err != nil {
		s.skipIO(batch, relPath, err)
		return nil
	}
	if info.Size() > s.maxSize {
		s.log.Warn("file exceeds size limit",
			slog.String("path", relPath), slog.Int64("size", info.Size()))
		batch.SkippedFiles++
		return nil
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		s.skipIO(batch, relPath, err)
		return nil
	}

	body, lineCount, err := buildBody(ctx, relPath, data, s.threshold)
	if err != nil {
		s.skipIO(batch, relPath, err)
		return nil
	}

	doc := engine.Document{
		Path:      relPath,
		Ext:       Ext(relPath),
		LineCount: lineCount,
		BatchID:   batch.ID,
		DirID:     dir.ID,
		Body:      body,
	}
	if err := s.sink.Add(doc); err != nil {
		// A sink failure is a transaction failure, not a per-file one.
		return err
	}
	batch.Documents++
	return nil
}

// buildBody decodes the file into the indexable body: the relative path
// followed by every line, joined with \n.
func buildBody(ctx context.Context, relPath string, data []byte, threshold int) (string, int, error) {
	m, err := linemap.New(ctx, bytes.NewReader(data), linemap.Options{Threshold: threshold})
	if err != nil {
		return "", 0, err
	}
	m.Wait()

	var b strings.Builder
	b.WriteString(relPath)
	for _, line := range m.Lines() {
		start := line.Start
		if line.Index == 0 {
			start += int64(m.BOMLen())
		}
		content := data[start : line.Start+line.ContentLen()]
		text, err := linemap.Decode(content, m.Encoding())
		if err != nil {
			return "", 0, err
		}
		b.WriteByte('\n')
		b.WriteString(text)
	}
	return b.String(), m.LineCount(), nil
}

func (s *Scanner) keepGoing(ctx context.Context, path string, batch *container.Batch) bool {
	if ctx.Err() != nil {
		return false
	}
	if s.progress == nil {
		return true
	}
	return s.progress(Progress{
		Path:         path,
		Documents:    batch.Documents,
		SkippedFiles: batch.SkippedFiles,
		SkippedDirs:  batch.SkippedDirs,
	})
}

func (s *Scanner) skipIO(batch *container.Batch, relPath string, err error) {
	ioErr := apperrors.IO("reading "+relPath, err)
	s.log.Warn("file skipped", slog.String("path", relPath),
		slog.String("error", ioErr.Error()))
	batch.SkippedFiles++
}

// resetSink unwinds the sink's in-memory index state after a rolled-back
// transaction. Without it the next scan would write records resolved
// against state the container no longer holds, and replay on reopen
// would diverge from what this session sees.
func (s *Scanner) resetSink() {
	r, ok := s.sink.(interface{ Reset() error })
	if !ok {
		return
	}
	if err := r.Reset(); err != nil {
		s.log.Warn("index session reset failed", slog.String("error", err.Error()))
	}
}

// dropBatch removes the pre-committed batch record after a failed scan,
// so callers never observe a partial batch. Best effort.
func (s *Scanner) dropBatch(ctx context.Context, id string) {
	if err := s.c.DeleteBatch(ctx, id); err != nil {
		s.log.Warn("could not remove failed batch",
			slog.String("batch", id), slog.String("error", err.Error()))
	}
}

// compact reclaims container space after a committed scan. Failures are
// swallowed: compaction is an optimization, never a correctness step.
func (s *Scanner) compact(ctx context.Context) {
	if comp, ok := s.sink.(interface{ Compact() error }); ok {
		if err := comp.Compact(); err != nil {
			s.log.Warn("index compaction failed", slog.String("error", err.Error()))
		}
	}
	if err := s.c.Compact(ctx); err != nil {
		s.log.Warn("container compaction failed", slog.String("error", err.Error()))
	}
}

func joinRel(rel, name string) string {
	if rel == "" {
		return name
	}
	return rel + "/" + name
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
