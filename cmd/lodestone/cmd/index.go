package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/lodestone-search/lodestone/internal/blob"
	"github.com/lodestone-search/lodestone/internal/container"
	"github.com/lodestone-search/lodestone/internal/engine"
	"github.com/lodestone-search/lodestone/internal/scan"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index [path...]",
		Short: "Index one or more directory trees",
		Long: `Index directory trees into the container. Each tree becomes a new
batch; files already indexed are replaced in place and files that have
disappeared are dropped from search.

Examples:
  lodestone index .
  lodestone index ./docs ./src -i project.ldx`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"."}
			}
			return runIndex(cmd.Context(), cmd, args)
		},
	}
	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, roots []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	c, err := container.OpenWriter(indexPath)
	if err != nil {
		return err
	}
	defer c.Close()

	blobs, err := blob.New(c)
	if err != nil {
		return err
	}

	session, err := engine.OpenWriter(blobs)
	if err != nil {
		return err
	}
	defer session.Close()

	scanner, err := scan.New(c, session, scan.Options{
		Rules:         cfg.Index.Rules,
		ExcludeDirs:   cfg.Index.ExcludeDirs,
		MaxFileSize:   cfg.Index.MaxFileSize,
		LineThreshold: cfg.Lines.BackgroundThreshold,
		Progress:      progressPrinter(),
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, root := range roots {
		batch, err := scanner.Scan(ctx, root)
		if err != nil {
			return err
		}
		clearProgress()
		status := "done"
		if batch.Cancelled() {
			status = "cancelled"
		}
		fmt.Fprintf(out, "%s: %s (%d documents, %d files skipped, %d dirs skipped)\n",
			root, status, batch.Documents, batch.SkippedFiles, batch.SkippedDirs)
	}
	return nil
}

// progressPrinter reports scan progress on stderr when it is a
// terminal. The returned callback keeps the scan going until the
// command context is cancelled; Scan itself checks the context too, so
// this only controls the display.
func progressPrinter() scan.ProgressFunc {
	if !stderrIsTerminal() {
		return nil
	}
	return func(p scan.Progress) bool {
		fmt.Fprintf(os.Stderr, "\r\033[Kindexing: %d documents, %d skipped  %s",
			p.Documents, p.SkippedFiles+p.SkippedDirs, truncatePath(p.Path, 48))
		return true
	}
}

func clearProgress() {
	if stderrIsTerminal() {
		fmt.Fprint(os.Stderr, "\r\033[K")
	}
}

func stderrIsTerminal() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func truncatePath(p string, max int) string {
	if len(p) <= max {
		return p
	}
	return "..." + p[len(p)-max+3:]
}
