// Package main is the entry point for the Nautilus job worker.
// The worker promotes staged files to storage, deletes stored objects and
// runs the retention sweep.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/prn-tf/nautilus/internal/app"
	"github.com/prn-tf/nautilus/internal/config"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "nautilus-worker",
		Short:        "Nautilus background job worker",
		Version:      fmt.Sprintf("%s (built %s, commit %s)", Version, BuildTime, GitCommit),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Queue.Driver == "memory" {
		return fmt.Errorf("a standalone worker needs a shared queue; set queue.driver to redis or run the server with server.run_worker")
	}

	logger, logCloser, err := app.SetupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	logger.Info().
		Str("version", Version).
		Str("git_commit", GitCommit).
		Int("concurrency", cfg.Queue.Concurrency).
		Msg("Starting Nautilus worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize")
		return err
	}
	defer a.Close()

	a.StartBackground(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.ServeMetrics(gctx, cfg.Metrics, a.Metrics, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down worker...")
		a.StopBackground()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("worker stopped with error")
		return err
	}
	logger.Info().Msg("Worker stopped")
	return nil
}
