// Package cmd provides the CLI commands for fathom.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/calliope-ai/fathom/internal/config"
	"github.com/calliope-ai/fathom/internal/logging"
)

var (
	configPath     string
	logLevel       string
	loggingCleanup func()
)

// NewRootCmd creates the root command for the fathom CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fathom",
		Short: "Hybrid retrieval over a contextualized document corpus",
		Long: `Fathom indexes a corpus of documents into dual BM25 and dense vector
indices, enriching every snippet with a generated context paragraph, and
answers queries with fused, cross-encoder reranked results.

Index a directory once, then search it:

  fathom index ./docs --archive fathom.db
  fathom search --archive fathom.db "how do solar panels work"`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.PersistentPreRunE = setupLogging
	cmd.PersistentPostRun = func(*cobra.Command, []string) {
		if loggingCleanup != nil {
			loggingCleanup()
		}
	}

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// loadConfig loads configuration honoring the persistent flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// setupLogging initializes slog from the loaded configuration.
func setupLogging(*cobra.Command, []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, cleanup, err := logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.FilePath,
		WriteToStderr: true,
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	loggingCleanup = cleanup
	return nil
}
