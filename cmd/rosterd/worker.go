package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rosterd/rosterd/internal/config"
	"github.com/rosterd/rosterd/internal/metrics"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the scheduler and the sync and delete consumers.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func runWorker() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	_, metricsErr := metrics.StartServer(ctx, cfg.MetricsAddr)

	if err := eng.scheduler.Start(ctx); err != nil {
		return err
	}
	slog.Info("worker started", "cron", cfg.SyncCron, "sync_workers", cfg.SyncWorkers, "delete_workers", cfg.DeleteWorkers)

	select {
	case <-ctx.Done():
	case err := <-metricsErr:
		if err != nil {
			return err
		}
	}

	slog.Info("worker shutting down", "grace", cfg.DrainGrace)
	graceCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainGrace)
	defer cancel()
	eng.drain(graceCtx)
	return nil
}
