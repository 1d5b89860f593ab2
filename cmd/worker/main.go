package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/fleetgate/fleetgate/internal/app"
	"github.com/fleetgate/fleetgate/internal/audit"
	"github.com/fleetgate/fleetgate/internal/breakglass"
	"github.com/fleetgate/fleetgate/internal/observability"
	"github.com/fleetgate/fleetgate/internal/platform/cache"
	"github.com/fleetgate/fleetgate/internal/platform/db"
	"github.com/fleetgate/fleetgate/internal/policy"
	"github.com/fleetgate/fleetgate/internal/resolver"
	"github.com/fleetgate/fleetgate/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg, "worker")

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.StoreTimeout)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	store := policy.NewStore(pool, cfg.StoreTimeout)
	auditRepo := audit.NewRepository(pool, cfg.StoreTimeout)

	// The sweep must invalidate the same cache the servers read, so the
	// worker always uses the shared Redis backend.
	resolverCache := resolver.NewRedisCache(redisClient, cfg.ResolverCacheTTL)
	permResolver := resolver.New(store, resolverCache, logger, metrics)

	breakglassRepo := breakglass.NewRepository(pool, auditRepo, cfg.StoreTimeout)
	breakglassService := breakglass.NewService(breakglassRepo, permResolver, permResolver, metrics, logger)

	sweepSpec := "@every " + cfg.BreakglassSweepInterval.String()
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBreakglassSweep, Handler: jobs.NewBreakglassSweepHandler(breakglassService, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: sweepSpec, Task: jobs.NewBreakglassSweepTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("build worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.String("sweep_interval", cfg.BreakglassSweepInterval.String()))
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
