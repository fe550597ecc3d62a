// Command stagechain runs, validates and resumes stage chains defined in YAML.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dcshock/stagechain/config"
	"github.com/dcshock/stagechain/logging"
	"github.com/dcshock/stagechain/observer"
)

var (
	// Global flags
	logLevel  string
	logFormat string
	dbDSN     string
	dbDriver  string

	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "stagechain",
	Short: "Run stage chains defined in YAML",
	Long: `stagechain executes chains of stages. Each stage ends in success or
failure and a transition table picks the next stage, until the chain
reaches _done or _abort.

Runs can be recorded in a SQLite or Postgres run store (--db); interrupted
runs keep their last checkpoint and can be continued with "resume".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(logLevel, logFormat)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", config.Env(config.EnvLogLevel, "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", logging.FormatConsole, "Log format (console or json)")
	rootCmd.PersistentFlags().StringVar(&dbDSN, "db", config.Env(config.EnvDB, ""), "Run store DSN: a SQLite file or a Postgres URL (empty disables the store)")
	rootCmd.PersistentFlags().StringVar(&dbDriver, "driver", config.Env(config.EnvDriver, observer.DriverSQLite), "Run store driver (sqlite or pgx)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(runsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// openStore opens the run store named by --db, or returns nil when it is unset.
func openStore(ctx context.Context) (*observer.SQLStore, error) {
	if dbDSN == "" {
		return nil, nil
	}
	s, err := observer.Open(ctx, dbDriver, dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	return s, nil
}

// requireStore is openStore for commands that cannot work without one.
func requireStore(ctx context.Context) (*observer.SQLStore, error) {
	if dbDSN == "" {
		return nil, fmt.Errorf("no run store: pass --db or set %s", config.EnvDB)
	}
	return openStore(ctx)
}
