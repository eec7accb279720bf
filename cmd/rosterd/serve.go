package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rosterd/rosterd/internal/config"
	"github.com/rosterd/rosterd/internal/httpapp"
	"github.com/rosterd/rosterd/internal/metrics"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP control plane together with the scheduler and consumers.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
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

	srv, err := httpapp.NewEchoServer(&httpapp.Handlers{
		Bus:     eng.bus,
		Trigger: eng.scheduler,
		Tenants: eng.tenants,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.HTTPAddr)
		errCh <- srv.StartServer(httpServer)
	}()

	select {
	case <-ctx.Done():
	case err := <-metricsErr:
		if err != nil {
			return err
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	slog.Info("draining in-flight work", "grace", cfg.DrainGrace)
	graceCtx, cancelGrace := context.WithTimeout(context.Background(), cfg.DrainGrace)
	defer cancelGrace()
	eng.drain(graceCtx)
	return nil
}
