package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lodestone-search/lodestone/internal/blob"
	"github.com/lodestone-search/lodestone/internal/container"
	"github.com/lodestone-search/lodestone/internal/engine"
)

func newRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <path>",
		Short: "Remove an indexed directory tree",
		Long: `Remove a directory tree from the index: its documents leave search,
and its scan history is deleted. The files on disk are untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd.Context(), cmd, args[0])
		},
	}
	return cmd
}

func runRemove(ctx context.Context, cmd *cobra.Command, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	c, err := container.OpenWriter(indexPath)
	if err != nil {
		return err
	}
	defer c.Close()

	dir, err := c.DirectoryByPath(ctx, abs)
	if err != nil {
		return err
	}

	blobs, err := blob.New(c)
	if err != nil {
		return err
	}
	session, err := engine.OpenWriter(blobs)
	if err != nil {
		return err
	}
	defer session.Close()

	// Documents, batches, and the directory row go in one transaction.
	if err := c.Begin(ctx); err != nil {
		return err
	}
	n, err := session.DeleteMatching(engine.Equality{
		Field: engine.FieldDirID,
		Value: fmt.Sprintf("%d", dir.ID),
	}, nil)
	if err != nil {
		_ = c.Rollback()
		return err
	}
	if err := c.RemoveDirectory(ctx, dir.ID); err != nil {
		_ = c.Rollback()
		return err
	}
	if err := c.Commit(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: removed (%d documents dropped)\n", abs, n)
	return nil
}
