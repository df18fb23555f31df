package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thalesfsp/ho"
)

// Version is the current version.
const Version = "0.2.0"

var (
	// Global flags.
	cfgFile string
	debug   bool
	dbPath  string
)

// rootCmd is the root command.
var rootCmd = &cobra.Command{
	Use:   "ho",
	Short: "Hyperparameter optimization launcher",
	Long: `ho drives hyperparameter-optimization campaigns over an experiment
tracker: it clones a base task once per trial, samples the search space,
stops weak trials early and reports the best ones.

Campaigns run in this process (local mode) or are handed to an agent polling
the controller queue (remote mode).`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logs")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "tracking database path (overrides tracking.db)")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// Execute runs the root command and returns the process exit code: 0 on
// success, dispatch or interrupt, 1 on error.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ho.ErrInterrupted):
		logError().Info("interrupted", zap.Error(err))
		return 0
	default:
		logError().Error("command failed", zap.Error(err))
		return 1
	}
}

// logError returns the command logger, or a stderr logger when the failure
// happened before it was built.
func logError() *zap.Logger {
	if appLog != nil {
		return appLog
	}
	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ho: cannot build logger:", err)
		return zap.NewNop()
	}
	return log
}
