// Command sipwatch runs the node-local observability collector: it
// ingests container logs and sniffed SIP/RTP traffic, correlates them
// into call sessions, and forwards records upstream.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to every component via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own "component" attribute
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sipwatch/internal/assembly"
	"sipwatch/internal/config"
	"sipwatch/internal/logging"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // allow all levels; filtering done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "sipwatch",
		Short: "Node-local SIP/RTP observability collector",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, logger)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg := config.Load(logger)

	logger.Info("starting sipwatch",
		"node", cfg.NodeName,
		"sniffer_enabled", cfg.SnifferEnabled,
		"upstream_observer", cfg.UpstreamObserverURL != "")

	pipeline, err := assembly.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("assemble pipeline: %w", err)
	}

	if err := pipeline.Run(ctx); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}
