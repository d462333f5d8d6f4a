package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lodestone-search/lodestone/internal/blob"
	"github.com/lodestone-search/lodestone/internal/container"
	"github.com/lodestone-search/lodestone/internal/engine"
	"github.com/lodestone-search/lodestone/internal/scan"
	"github.com/lodestone-search/lodestone/internal/watch"
)

func newWatchCmd() *cobra.Command {
	var initial bool

	cmd := &cobra.Command{
		Use:   "watch <path>...",
		Short: "Keep the index in sync with directory trees",
		Long: `Watch directory trees and rescan each one after changes settle.
The quiet period comes from watch.debounce in the config.

Press Ctrl-C to stop; a rescan in flight commits what it produced.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), cmd, args, initial)
		},
	}

	cmd.Flags().BoolVar(&initial, "initial-scan", true, "Scan each tree once before watching")

	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, roots []string, initial bool) error {
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
	})
	if err != nil {
		return err
	}

	rescan := func(ctx context.Context, root string) error {
		batch, err := scanner.Scan(ctx, root)
		if err != nil {
			return err
		}
		slog.Info("rescan committed", slog.String("root", root),
			slog.String("batch", batch.ID), slog.Int("documents", batch.Documents))
		return nil
	}

	w, err := watch.New(rescan, watch.Options{Debounce: cfg.Watch.Debounce})
	if err != nil {
		return err
	}
	defer w.Close()

	out := cmd.OutOrStdout()
	for _, root := range roots {
		if initial {
			batch, err := scanner.Scan(ctx, root)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: indexed %d documents\n", root, batch.Documents)
		}
		if err := w.AddRoot(root); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: watching\n", root)
	}

	return w.Run(ctx)
}
