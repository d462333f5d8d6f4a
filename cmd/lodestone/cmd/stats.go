package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lodestone-search/lodestone/internal/blob"
	"github.com/lodestone-search/lodestone/internal/container"
	"github.com/lodestone-search/lodestone/internal/engine"
)

// containerStats is the stats command's output shape.
type containerStats struct {
	Container   string     `json:"container"`
	Documents   uint64     `json:"documents"`
	Blobs       int        `json:"blobs"`
	BlobBytes   int64      `json:"blob_bytes"`
	Directories []dirStats `json:"directories"`
}

type dirStats struct {
	ID      int64        `json:"id"`
	Path    string       `json:"path"`
	Batches []batchStats `json:"batches"`
}

type batchStats struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Documents    int       `json:"documents"`
	SkippedFiles int       `json:"skipped_files"`
	SkippedDirs  int       `json:"skipped_dirs"`
	Cancelled    bool      `json:"cancelled"`
	DataDeleted  bool      `json:"data_deleted"`
}

func newStatsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show index contents and history",
		Long:  `Show the indexed directories, their scan batches, and storage usage.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStats(cmd.Context(), cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output stats as JSON")

	return cmd
}

func runStats(ctx context.Context, cmd *cobra.Command, jsonOutput bool) error {
	c, err := container.OpenReader(indexPath)
	if err != nil {
		return err
	}
	defer c.Close()

	stats, err := collectStats(ctx, c)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	printStats(out, stats)
	return nil
}

func collectStats(ctx context.Context, c *container.Container) (*containerStats, error) {
	blobs, err := blob.New(c)
	if err != nil {
		return nil, err
	}

	stats := &containerStats{Container: c.Path()}

	session, err := engine.OpenReader(blobs)
	if err != nil {
		return nil, err
	}
	defer session.Close()
	stats.Documents, err = session.DocCount()
	if err != nil {
		return nil, err
	}

	names, err := blobs.ListNames(ctx)
	if err != nil {
		return nil, err
	}
	stats.Blobs = len(names)
	for _, name := range names {
		n, err := blobs.FileLength(ctx, name)
		if err != nil {
			return nil, err
		}
		stats.BlobBytes += n
	}

	dirs, err := c.Directories(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range dirs {
		ds := dirStats{ID: d.ID, Path: d.Path}
		batches, err := c.Batches(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		for _, b := range batches {
			ds.Batches = append(ds.Batches, batchStats{
				ID:           b.ID,
				StartedAt:    b.StartedAt,
				FinishedAt:   b.FinishedAt,
				Documents:    b.Documents,
				SkippedFiles: b.SkippedFiles,
				SkippedDirs:  b.SkippedDirs,
				Cancelled:    b.Cancelled(),
				DataDeleted:  b.DataDeleted(),
			})
		}
		stats.Directories = append(stats.Directories, ds)
	}
	return stats, nil
}

func printStats(out io.Writer, stats *containerStats) {
	fmt.Fprintf(out, "Container: %s\n", stats.Container)
	fmt.Fprintf(out, "Documents: %d\n", stats.Documents)
	fmt.Fprintf(out, "Blobs:     %d (%d bytes)\n", stats.Blobs, stats.BlobBytes)
	for _, d := range stats.Directories {
		fmt.Fprintf(out, "\nDirectory %d: %s\n", d.ID, d.Path)
		for _, b := range d.Batches {
			var flags []string
			if b.Cancelled {
				flags = append(flags, "cancelled")
			}
			if b.DataDeleted {
				flags = append(flags, "superseded")
			}
			suffix := ""
			if len(flags) > 0 {
				suffix = " [" + strings.Join(flags, ", ") + "]"
			}
			fmt.Fprintf(out, "  batch %s: %d docs, %d files skipped, %d dirs skipped%s\n",
				b.ID, b.Documents, b.SkippedFiles, b.SkippedDirs, suffix)
		}
	}
}
