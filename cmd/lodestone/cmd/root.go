// Package cmd provides the CLI commands for Lodestone.
package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lodestone-search/lodestone/internal/config"
	"github.com/lodestone-search/lodestone/internal/logging"
	"github.com/lodestone-search/lodestone/pkg/version"
)

// DefaultIndexName is the container file created next to where the CLI
// runs when --index is not given.
const DefaultIndexName = "lodestone.ldx"

// Persistent flags shared by every subcommand.
var (
	configPath string
	indexPath  string
	debugMode  bool

	loggingCleanup func()
)

// NewRootCmd creates the root command for the lodestone CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lodestone",
		Short: "Full-text search over local directory trees",
		Long: `Lodestone indexes directory trees into a single portable container
file and answers full-text queries over them.

Typical flow:

  lodestone index ./docs
  lodestone search "error handling"
  lodestone watch ./docs`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("lodestone version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: .lodestone.yaml if present)")
	cmd.PersistentFlags().StringVarP(&indexPath, "index", "i", DefaultIndexName, "Index container file")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.PersistentPreRunE = setupLogging
	cmd.PersistentPostRun = func(_ *cobra.Command, _ []string) {
		if loggingCleanup != nil {
			loggingCleanup()
			loggingCleanup = nil
		}
	}

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newRemoveCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// setupLogging wires the log file and level before any command runs.
func setupLogging(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.WriteToStderr = false
	if cfg.Logging.File != "" {
		logCfg.FilePath = cfg.Logging.File
	}
	if debugMode {
		logCfg.Level = "debug"
		logCfg.WriteToStderr = true
	}

	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return err
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	return nil
}

// loadConfig resolves the effective configuration for this invocation.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}
