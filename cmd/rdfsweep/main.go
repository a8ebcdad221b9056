package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags.
var (
	version = "0.1.0-dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rdfsweep",
		Short: "Replica-distribution parameter sweeps for blob store placement",
		Long: `rdfsweep drives the external mapping generator and evaluator across a grid
of replica distribution factor, rack diversity and target balance values.

For every scenario it generates a chain of mappings over a time-ordered
topology series, evaluates balance and movement per snapshot, and folds the
per-scenario reports into one comparison table.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ./rdfsweep.yaml if present)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: info, debug, trace, warn, error")

	rootCmd.AddCommand(
		newVersionCmd(),
		newGenerateCmd(),
		newEvaluateCmd(),
		newSweepCmd(),
		newGridCmd(),
		newAggregateCmd(),
		newStatusCmd(),
		newPruneCmd(),
		newConfigCmd(),
	)

	return rootCmd
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	notifySignals(ch)
	go func() {
		defer signal.Stop(ch)
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
