package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rosterd/rosterd/internal/bus"
	"github.com/rosterd/rosterd/internal/config"
	"github.com/rosterd/rosterd/internal/crypto"
	"github.com/rosterd/rosterd/internal/deletes"
	"github.com/rosterd/rosterd/internal/executor"
	"github.com/rosterd/rosterd/internal/fetcher"
	"github.com/rosterd/rosterd/internal/platform"
	"github.com/rosterd/rosterd/internal/roster"
	"github.com/rosterd/rosterd/internal/runner"
	"github.com/rosterd/rosterd/internal/scheduler"
	"github.com/rosterd/rosterd/internal/store"
	"github.com/rosterd/rosterd/internal/tenant"
)

// engine is the assembled sync machinery shared by the serve, worker, and
// sync commands.
type engine struct {
	cfg       config.Config
	pool      *pgxpool.Pool
	bus       bus.Bus
	executors *executor.Registry
	scheduler *scheduler.Scheduler
	tenants   *tenant.Service
}

// buildEngine wires stores, crypto, bus, executors, and the bus consumers.
// The caller owns the pool and the bus and must close both.
func buildEngine(ctx context.Context, cfg config.Config) (*engine, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	eng, err := buildEngineWithPool(ctx, cfg, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return eng, nil
}

func buildEngineWithPool(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (*engine, error) {
	pg, err := store.NewPostgres(pool)
	if err != nil {
		return nil, err
	}
	creds := pg.Credentials()
	cursors := pg.Cursors()
	locks := pg.Locks(store.LockConfig{})

	encryptor, err := buildEncryptor(ctx, cfg)
	if err != nil {
		return nil, err
	}

	policy := bus.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Base:        cfg.BackoffBase,
		Max:         cfg.BackoffMax,
	}
	var eventBus bus.Bus
	if cfg.AMQPURL != "" {
		eventBus, err = bus.NewAMQPBus(cfg.AMQPURL, policy, pg.DeadLetters())
		if err != nil {
			return nil, fmt.Errorf("connect amqp: %w", err)
		}
	} else {
		slog.Info("AMQP_URL not set, using in-process bus")
		eventBus = bus.NewMemoryBus(policy, pg.DeadLetters())
	}

	executors := executor.NewRegistry(
		executor.ClassConfig{
			Limit: cfg.SyncWorkers,
			Retry: executor.RetryConfig{MaxAttempts: cfg.MaxAttempts, Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		},
		executor.ClassConfig{
			Limit: cfg.DeleteWorkers,
			Retry: executor.RetryConfig{MaxAttempts: cfg.MaxAttempts, Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		},
	)

	connector, err := fetcher.New(cfg.ConnectorAPIURL, cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("configure connector api: %w", err)
	}

	var sink roster.PlatformSink
	if cfg.PlatformAPIURL != "" {
		sink, err = platform.NewHTTPSink(cfg.PlatformAPIURL, cfg.PlatformAPIToken)
		if err != nil {
			return nil, fmt.Errorf("configure platform sink: %w", err)
		}
	} else {
		slog.Info("PLATFORM_API_URL not set, reporting to log")
		sink = &platform.LogSink{}
	}

	syncRunner := &runner.Runner{
		Creds:       creds,
		Cursors:     cursors,
		Encryptor:   encryptor,
		Fetcher:     connector,
		Sink:        sink,
		Bus:         eventBus,
		Executors:   executors,
		Locks:       locks,
		MaxAttempts: cfg.MaxAttempts,
	}
	if err := syncRunner.Register(eventBus); err != nil {
		return nil, err
	}

	dispatcher := deletes.NewDispatcher(cfg.DedupWindow)
	dispatcher.Creds = creds
	dispatcher.Encryptor = encryptor
	dispatcher.Deleter = connector
	dispatcher.Sink = sink
	dispatcher.Bus = eventBus
	dispatcher.Executors = executors
	if err := dispatcher.Register(eventBus); err != nil {
		return nil, err
	}

	sched := &scheduler.Scheduler{Creds: creds, Bus: eventBus, Spec: cfg.SyncCron}

	tenants := &tenant.Service{
		Creds:     creds,
		Cursors:   cursors,
		Encryptor: encryptor,
		Executors: executors,
		Trigger:   sched,
	}

	return &engine{
		cfg:       cfg,
		pool:      pool,
		bus:       eventBus,
		executors: executors,
		scheduler: sched,
		tenants:   tenants,
	}, nil
}

func buildEncryptor(ctx context.Context, cfg config.Config) (*crypto.Encryptor, error) {
	if cfg.UsesVaultKey() {
		return crypto.NewEncryptorFromSource(ctx, crypto.VaultKeySource{
			Address: cfg.VaultAddr,
			Token:   cfg.VaultToken,
			Mount:   cfg.VaultKeyMount,
			Path:    cfg.VaultKeyPath,
			Field:   cfg.VaultKeyField,
		})
	}
	return crypto.NewEncryptorFromSource(ctx, crypto.EnvKeySource{HexKey: cfg.EncryptionKey})
}

// drain waits for in-flight executor tasks up to the configured grace period.
func (e *engine) drain(grace context.Context) {
	if err := e.executors.Drain(grace); err != nil {
		slog.Warn("shutdown grace expired with tasks still running", "err", err)
	}
}

func (e *engine) close() {
	if err := e.bus.Close(); err != nil {
		slog.Warn("failed to close bus", "err", err)
	}
	e.pool.Close()
}
