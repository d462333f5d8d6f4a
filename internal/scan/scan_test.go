package scan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-search/lodestone/internal/blob"
	"github.com/lodestone-search/lodestone/internal/config"
	"github.com/lodestone-search/lodestone/internal/container"
	"github.com/lodestone-search/lodestone/internal/engine"
	apperrors "github.com/lodestone-search/lodestone/internal/errors"
)

var txtRules = []config.Rule{{Pattern: "txt", Match: config.MatchExtension}}

type fixture struct {
	c     *container.Container
	blobs *blob.Store
	sink  *engine.Session
	root  string
}

func newFixture(t *testing.T, opts Options) (*fixture, *Scanner) {
	t.Helper()
	dir := t.TempDir()

	c, err := container.OpenWriter(filepath.Join(dir, "index.ldx"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	blobs, err := blob.New(c)
	require.NoError(t, err)
	sink, err := engine.OpenWriter(blobs)
	require.NoError(t, err)

	f := &fixture{c: c, blobs: blobs, sink: sink, root: filepath.Join(dir, "tree")}
	require.NoError(t, os.MkdirAll(f.root, 0o755))

	s, err := New(c, sink, opts)
	require.NoError(t, err)
	return f, s
}

// reader closes the write session and opens a read session in its place.
func (f *fixture) reader(t *testing.T) *engine.Session {
	t.Helper()
	require.NoError(t, f.sink.Close())
	r, err := engine.OpenReader(f.blobs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func writeFile(t *testing.T, root string, rel string, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func searchTotal(t *testing.T, r *engine.Session, text string) uint64 {
	t.Helper()
	q, err := engine.ParseQuery(text)
	require.NoError(t, err)
	res, err := r.Search(q, 100)
	require.NoError(t, err)
	return res.Total
}

func TestScanExclusionsAndCounters(t *testing.T) {
	f, s := newFixture(t, Options{Rules: txtRules, ExcludeDirs: []string{"bin"}})

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		writeFile(t, f.root, name, "included words here")
	}
	writeFile(t, f.root, "x.dat", "unmatched")
	writeFile(t, f.root, "y.dat", "unmatched")
	for _, name := range []string{"one.txt", "two.txt", "three.txt", "four.txt"} {
		writeFile(t, f.root, "bin/"+name, "binword content")
	}

	batch, err := s.Scan(context.Background(), f.root)
	require.NoError(t, err)

	assert.Equal(t, 3, batch.Documents)
	assert.Equal(t, 2, batch.SkippedFiles)
	assert.Equal(t, 1, batch.SkippedDirs, "excluded dir counts once, contents never visited")
	assert.Contains(t, batch.NonIndexedExts, "dat")
	assert.False(t, batch.Cancelled())
	assert.False(t, batch.FinishedAt.IsZero())

	// Counters persisted on the batch row, not just the returned value.
	stored, err := f.c.BatchByID(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Documents)
	assert.Equal(t, 2, stored.SkippedFiles)
	assert.Contains(t, stored.NonIndexedExts, "dat")

	r := f.reader(t)
	count, err := r.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)
	assert.Zero(t, searchTotal(t, r, "binword"), "nothing inside bin was indexed")
	assert.Equal(t, uint64(3), searchTotal(t, r, "included"))
}

func TestScanSkipsReservedExtension(t *testing.T) {
	f, s := newFixture(t, Options{Rules: []config.Rule{
		{Pattern: "txt", Match: config.MatchExtension},
		{Pattern: "ldx", Match: config.MatchExtension},
	}})
	writeFile(t, f.root, "real.txt", "content")
	writeFile(t, f.root, "stray.ldx", "never index the index")

	batch, err := s.Scan(context.Background(), f.root)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Documents)
	assert.Equal(t, 1, batch.SkippedFiles,
		"the reserved extension is skipped even when a rule matches it")
}

func TestScanCancellation(t *testing.T) {
	progress := func(p Progress) bool { return p.Documents < 2 }
	f, s := newFixture(t, Options{Rules: txtRules, Progress: progress})

	for _, name := range []string{"e1.txt", "e2.txt", "e3.txt", "e4.txt", "e5.txt"} {
		writeFile(t, f.root, name, "eligible body")
	}

	batch, err := s.Scan(context.Background(), f.root)
	require.NoError(t, err, "cancellation is not a failure")

	assert.Equal(t, 2, batch.Documents)
	assert.True(t, batch.Cancelled())

	r := f.reader(t)
	count, err := r.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count, "documents produced before cancellation stay queryable")
}

func TestScanContextCancellation(t *testing.T) {
	f, s := newFixture(t, Options{Rules: txtRules})
	writeFile(t, f.root, "a.txt", "body")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch, err := s.Scan(ctx, f.root)
	require.NoError(t, err)
	assert.True(t, batch.Cancelled())
	assert.Zero(t, batch.Documents)
}

func TestRescanDoesNotDuplicate(t *testing.T) {
	f, s := newFixture(t, Options{Rules: txtRules})
	ctx := context.Background()

	writeFile(t, f.root, "a.txt", "stable alpha")
	writeFile(t, f.root, "b.txt", "stable beta")

	var last *container.Batch
	for i := 0; i < 3; i++ {
		b, err := s.Scan(ctx, f.root)
		require.NoError(t, err)
		last = b
	}

	batches, err := f.c.Batches(ctx, last.DirectoryID)
	require.NoError(t, err)
	require.Len(t, batches, 3, "every scan leaves its batch record")
	for _, b := range batches {
		if b.ID == last.ID {
			assert.False(t, b.DataDeleted())
		} else {
			assert.True(t, b.DataDeleted(), "superseded batch %s is flagged", b.ID)
		}
	}

	r := f.reader(t)
	count, err := r.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count, "live documents stay at |F| across rescans")
	for _, h := range mustHits(t, r, "stable") {
		assert.Equal(t, last.ID, h.BatchID, "all live documents belong to the latest batch")
	}
}

func TestRescanDropsRemovedFiles(t *testing.T) {
	f, s := newFixture(t, Options{Rules: txtRules})
	ctx := context.Background()

	writeFile(t, f.root, "keep.txt", "keepword")
	writeFile(t, f.root, "gone.txt", "goneword")

	_, err := s.Scan(ctx, f.root)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(f.root, "gone.txt")))
	_, err = s.Scan(ctx, f.root)
	require.NoError(t, err)

	r := f.reader(t)
	assert.Equal(t, uint64(1), searchTotal(t, r, "keepword"))
	assert.Zero(t, searchTotal(t, r, "goneword"))
}

func TestScanLineCountAndBody(t *testing.T) {
	f, s := newFixture(t, Options{Rules: txtRules})
	writeFile(t, f.root, "sub/multi.txt", "first line\r\nsecond line\r\nthird needle\r\n")

	_, err := s.Scan(context.Background(), f.root)
	require.NoError(t, err)

	r := f.reader(t)
	q, err := engine.ParseQuery("needle")
	require.NoError(t, err)
	res, err := r.Search(q, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Total)
	assert.Equal(t, "sub/multi.txt", res.Hits[0].Path)
	assert.Equal(t, 3, res.Hits[0].LineCount)

	// The relative path is part of the body, so path tokens match too.
	assert.Equal(t, uint64(1), searchTotal(t, r, "multi"))
}

func TestScanValidatesRoot(t *testing.T) {
	f, s := newFixture(t, Options{Rules: txtRules})

	_, err := s.Scan(context.Background(), filepath.Join(f.root, "missing"))
	require.Error(t, err)

	file := filepath.Join(f.root, "plain.txt")
	writeFile(t, f.root, "plain.txt", "x")
	_, err = s.Scan(context.Background(), file)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err) ||
		apperrors.GetCode(err) == apperrors.ErrCodeInvalidPath)
}

// failingSink reports a transaction-level failure on the first add.
type failingSink struct{}

func (failingSink) Add(engine.Document) error { return errors.New("sink exploded") }

func (failingSink) DeleteMatching(engine.Equality, *engine.Equality) (int, error) {
	return 0, nil
}

func (failingSink) Commit() error { return nil }

func TestScanFailureLeavesNoBatch(t *testing.T) {
	dir := t.TempDir()
	c, err := container.OpenWriter(filepath.Join(dir, "index.ldx"))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	root := filepath.Join(dir, "tree")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))

	s, err := New(c, failingSink{}, Options{Rules: txtRules})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.Scan(ctx, root)
	require.Error(t, err)

	d, err := c.DirectoryByPath(ctx, root)
	require.NoError(t, err)
	batches, err := c.Batches(ctx, d.ID)
	require.NoError(t, err)
	assert.Empty(t, batches, "the pre-committed batch record is removed on failure")
}

func TestExcludedFileExtensionStaysIndexable(t *testing.T) {
	f, s := newFixture(t, Options{Rules: []config.Rule{
		{Pattern: "js", Match: config.MatchExtension},
		{Pattern: ".min.js", Match: config.MatchSuffix, Exclude: true},
	}})
	writeFile(t, f.root, "app.js", "bundle source")
	writeFile(t, f.root, "app.min.js", "minified noise")

	batch, err := s.Scan(context.Background(), f.root)
	require.NoError(t, err)

	assert.Equal(t, 1, batch.Documents)
	assert.Equal(t, 1, batch.SkippedFiles)
	assert.NotContains(t, batch.NonIndexedExts, "js",
		"a rule-excluded file must not mark its extension non-indexed")
}

func TestUnreadableDirectoryCountsAsSkippedDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are ignored when running as root")
	}
	f, s := newFixture(t, Options{Rules: txtRules})
	writeFile(t, f.root, "ok.txt", "readable body")
	writeFile(t, f.root, "locked/hidden.txt", "unreachable body")
	locked := filepath.Join(f.root, "locked")
	require.NoError(t, os.Chmod(locked, 0))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	batch, err := s.Scan(context.Background(), f.root)
	require.NoError(t, err, "an unreadable subtree is never fatal")

	assert.Equal(t, 1, batch.Documents)
	assert.Equal(t, 1, batch.SkippedDirs, "the unreadable subtree counts as one skipped directory")
	assert.Zero(t, batch.SkippedFiles, "nothing inside it counts as a skipped file")
}

// commitFailSink delegates to a real write session but refuses the first
// Commit, after the session has already folded the scan's mutations into
// its in-memory index inside the doomed transaction.
type commitFailSink struct {
	*engine.Session
	failed bool
}

func (s *commitFailSink) Commit() error {
	if !s.failed {
		s.failed = true
		return errors.New("commit refused")
	}
	return s.Session.Commit()
}

func TestScanFailureUnwindsIndexState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.ldx")
	c, err := container.OpenWriter(path)
	require.NoError(t, err)

	blobs, err := blob.New(c)
	require.NoError(t, err)
	session, err := engine.OpenWriter(blobs)
	require.NoError(t, err)

	root := filepath.Join(dir, "tree")
	require.NoError(t, os.MkdirAll(root, 0o755))
	writeFile(t, root, "a.txt", "survivor words")
	writeFile(t, root, "b.txt", "survivor words")

	s, err := New(c, &commitFailSink{Session: session}, Options{Rules: txtRules})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.Scan(ctx, root)
	require.Error(t, err, "the first scan dies at commit")

	batch, err := s.Scan(ctx, root)
	require.NoError(t, err, "a rescan on the same session succeeds after the rollback")
	assert.Equal(t, 2, batch.Documents)

	require.NoError(t, session.Close())
	require.NoError(t, c.Close())

	// Replay from the container must agree with what the live session saw:
	// nothing from the rolled-back scan, everything from the committed one.
	reopened, err := container.OpenReader(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	rblobs, err := blob.New(reopened)
	require.NoError(t, err)
	r, err := engine.OpenReader(rblobs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	count, err := r.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
	for _, h := range mustHits(t, r, "survivor") {
		assert.Equal(t, batch.ID, h.BatchID, "live documents belong to the committed batch")
	}

	d, err := reopened.DirectoryByPath(ctx, root)
	require.NoError(t, err)
	batches, err := reopened.Batches(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, batches, 1, "the failed batch record was removed")
	assert.Equal(t, batch.ID, batches[0].ID)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, failingSink{}, Options{})
	assert.True(t, apperrors.IsValidation(err))

	c, err := container.OpenWriter(filepath.Join(t.TempDir(), "x.ldx"))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, err = New(c, nil, Options{})
	assert.True(t, apperrors.IsValidation(err))
}

func mustHits(t *testing.T, r *engine.Session, text string) []engine.Hit {
	t.Helper()
	q, err := engine.ParseQuery(text)
	require.NoError(t, err)
	res, err := r.Search(q, 100)
	require.NoError(t, err)
	return res.Hits
}
