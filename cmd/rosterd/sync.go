package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rosterd/rosterd/internal/bus"
	"github.com/rosterd/rosterd/internal/config"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a one-off sync for every organisation and wait for it to finish.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync()
	},
}

func runSync() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// One-off runs use the in-process bus so completion is observable.
	cfg.AMQPURL = ""

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	syncErr := eng.scheduler.RunNow(ctx)
	if mem, ok := eng.bus.(*bus.MemoryBus); ok {
		mem.Drain()
	}

	if syncErr == nil {
		if err := ctx.Err(); err != nil {
			return silentExit(130, err)
		}
		return nil
	}
	if errors.Is(syncErr, context.Canceled) {
		return silentExit(130, syncErr)
	}
	return exitWith(1, syncErr)
}
