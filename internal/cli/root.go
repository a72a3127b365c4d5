// Package cli provides the command-line interface for docprep.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/docprep/internal/backend"
	"github.com/raphaelgruber/docprep/internal/config"
	"github.com/raphaelgruber/docprep/internal/history"
	"github.com/raphaelgruber/docprep/internal/transport"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose    bool
	configPath string

	// Global config and logger, initialized before every command
	cfg        config.Config
	logger     *slog.Logger
	logCleanup func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "docprep",
	Short: "Convert PDF documents to markdown",
	Long: `Docprep converts PDF documents to markdown using a marker conversion
backend: either a local marker server or the hosted Datalab API.

Conversions are submitted, polled until done, and written next to your
other output. Batches run concurrently with live progress.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		// .env is optional; real environment variables win
		_ = godotenv.Load()

		var err error
		cfg, err = config.LoadWithFile(configPath)
		if err != nil {
			return err
		}

		level := cfg.LogLevel
		if verbose {
			level = slog.LevelDebug
		}

		// Conversion progress owns the terminal, so logs go to file only.
		logger, logCleanup = config.SetupFileLogger(cfg.LogFile, level)
		slog.SetDefault(logger)

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCleanup != nil {
			if err := logCleanup(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// buildBackend resolves the backend variant for a command. An empty kind
// falls back to the configured default.
func buildBackend(kind string) (backend.Backend, error) {
	if kind == "" {
		kind = cfg.Backend
	}
	k, err := backend.ParseKind(kind)
	if err != nil {
		return nil, err
	}

	url := cfg.MarkerURL
	if k == backend.KindDatalab {
		url = cfg.DatalabURL
	}

	return backend.New(backend.Config{
		Kind:   k,
		URL:    url,
		APIKey: cfg.APIKey,
		Timing: backend.Timing{
			InitialDelay: cfg.InitialDelay,
			PollInterval: cfg.PollInterval,
			MaxAttempts:  cfg.MaxAttempts,
		},
	}, transport.New())
}

// openHistory opens the conversion history store, or returns nil when
// history is disabled. Failures only log; history is never load-bearing.
func openHistory() *history.Store {
	if !cfg.HistoryEnabled {
		return nil
	}
	store, err := history.Open(cfg.HistoryFile)
	if err != nil {
		logger.Warn("history unavailable", "file", cfg.HistoryFile, "error", err)
		return nil
	}
	return store
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/docprep/config.yaml)")

	// Add subcommands
	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(backendsCmd)
}

