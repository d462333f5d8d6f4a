package container

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lserrors "github.com/lodestone-search/lodestone/internal/errors"
)

func tempContainer(t *testing.T) *Container {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corpus."+ReservedExt)
	c, err := OpenWriter(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOpenWriterRejectsSecondWriter(t *testing.T) {
	c := tempContainer(t)

	_, err := OpenWriter(c.Path())
	require.Error(t, err)
	assert.True(t, lserrors.IsState(err))
}

func TestOpenReaderRejectsNonContainer(t *testing.T) {
	_, err := OpenReader(filepath.Join(t.TempDir(), "missing.ldx"))
	assert.Error(t, err)
}

func TestEnsureDirectoryMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	c := tempContainer(t)

	d1, err := c.EnsureDirectory(ctx, "/src/projects/alpha")
	require.NoError(t, err)
	d2, err := c.EnsureDirectory(ctx, "/src/projects/beta")
	require.NoError(t, err)

	assert.Equal(t, int64(1), d1.ID)
	assert.Equal(t, int64(2), d2.ID)

	// Same path, case-folded, resolves to the existing record.
	again, err := c.EnsureDirectory(ctx, "/SRC/Projects/Alpha")
	require.NoError(t, err)
	assert.Equal(t, d1.ID, again.ID)
}

func TestBatchLifecycle(t *testing.T) {
	ctx := context.Background()
	c := tempContainer(t)

	dir, err := c.EnsureDirectory(ctx, "/src/alpha")
	require.NoError(t, err)

	b := &Batch{
		ID:            uuid.NewString(),
		DirectoryID:   dir.ID,
		StartedAt:     time.Now(),
		RulesSnapshot: "- pattern: txt\n  match: extension\n",
		ExcludedDirs:  []string{"bin", ".git"},
	}
	require.NoError(t, c.InsertBatch(ctx, b))

	b.FinishedAt = time.Now()
	b.Documents = 3
	b.SkippedFiles = 2
	b.SkippedDirs = 1
	b.NonIndexedExts = []string{"dat"}
	b.Options |= BatchCancelled
	require.NoError(t, c.FinishBatch(ctx, b))

	got, err := c.BatchByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Documents)
	assert.Equal(t, 2, got.SkippedFiles)
	assert.Equal(t, 1, got.SkippedDirs)
	assert.True(t, got.Cancelled())
	assert.False(t, got.DataDeleted())
	assert.Equal(t, []string{"bin", ".git"}, got.ExcludedDirs)
	assert.Equal(t, []string{"dat"}, got.NonIndexedExts)
}

func TestMarkBatchesDataDeleted(t *testing.T) {
	ctx := context.Background()
	c := tempContainer(t)

	dir, err := c.EnsureDirectory(ctx, "/src/alpha")
	require.NoError(t, err)

	old := &Batch{ID: uuid.NewString(), DirectoryID: dir.ID, StartedAt: time.Now()}
	cur := &Batch{ID: uuid.NewString(), DirectoryID: dir.ID, StartedAt: time.Now()}
	require.NoError(t, c.InsertBatch(ctx, old))
	require.NoError(t, c.InsertBatch(ctx, cur))

	n, err := c.MarkBatchesDataDeleted(ctx, dir.ID, cur.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gotOld, err := c.BatchByID(ctx, old.ID)
	require.NoError(t, err)
	assert.True(t, gotOld.DataDeleted())

	gotCur, err := c.BatchByID(ctx, cur.ID)
	require.NoError(t, err)
	assert.False(t, gotCur.DataDeleted())

	// Marking again is a no-op.
	n, err = c.MarkBatchesDataDeleted(ctx, dir.ID, cur.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTransactionRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	c := tempContainer(t)

	require.NoError(t, c.Begin(ctx))
	_, err := c.EnsureDirectory(ctx, "/src/rolled-back")
	require.NoError(t, err)
	require.NoError(t, c.Rollback())

	_, err = c.DirectoryByPath(ctx, "/src/rolled-back")
	assert.True(t, lserrors.IsNotFound(err))
}

func TestTransactionCommitKeepsWrites(t *testing.T) {
	ctx := context.Background()
	c := tempContainer(t)

	require.NoError(t, c.Begin(ctx))
	_, err := c.EnsureDirectory(ctx, "/src/kept")
	require.NoError(t, err)
	require.NoError(t, c.Commit())

	_, err = c.DirectoryByPath(ctx, "/src/kept")
	assert.NoError(t, err)
}

func TestCompactRefusesOpenTransaction(t *testing.T) {
	ctx := context.Background()
	c := tempContainer(t)

	require.NoError(t, c.Begin(ctx))
	err := c.Compact(ctx)
	assert.True(t, lserrors.IsState(err))
	require.NoError(t, c.Rollback())

	assert.NoError(t, c.Compact(ctx))
}

func TestRemoveDirectory(t *testing.T) {
	ctx := context.Background()
	c := tempContainer(t)

	dir, err := c.EnsureDirectory(ctx, "/src/alpha")
	require.NoError(t, err)
	b := &Batch{ID: uuid.NewString(), DirectoryID: dir.ID, StartedAt: time.Now()}
	require.NoError(t, c.InsertBatch(ctx, b))

	require.NoError(t, c.RemoveDirectory(ctx, dir.ID))

	_, err = c.DirectoryByPath(ctx, "/src/alpha")
	assert.True(t, lserrors.IsNotFound(err))
	_, err = c.BatchByID(ctx, b.ID)
	assert.True(t, lserrors.IsNotFound(err))

	err = c.RemoveDirectory(ctx, dir.ID)
	assert.True(t, lserrors.IsNotFound(err))
}

func TestIsContainerFile(t *testing.T) {
	assert.True(t, IsContainerFile("corpus.ldx"))
	assert.True(t, IsContainerFile("corpus.LDX"))
	assert.False(t, IsContainerFile("corpus.txt"))
	assert.False(t, IsContainerFile("ldx"))
	assert.False(t, IsContainerFile("corpus."))
}
