package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/fleetgate/fleetgate/internal/app"
	"github.com/fleetgate/fleetgate/internal/audit"
	audithttp "github.com/fleetgate/fleetgate/internal/audit/http"
	"github.com/fleetgate/fleetgate/internal/breakglass"
	"github.com/fleetgate/fleetgate/internal/engine"
	"github.com/fleetgate/fleetgate/internal/masking"
	"github.com/fleetgate/fleetgate/internal/observability"
	"github.com/fleetgate/fleetgate/internal/platform/cache"
	"github.com/fleetgate/fleetgate/internal/platform/db"
	"github.com/fleetgate/fleetgate/internal/policy"
	"github.com/fleetgate/fleetgate/internal/resolver"
	"github.com/fleetgate/fleetgate/internal/roles"
	"github.com/fleetgate/fleetgate/internal/scope"
	"github.com/fleetgate/fleetgate/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg, "api")

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.StoreTimeout)
	if err != nil {
		logger.Warn("redis unavailable, resolver falls back to its store", slog.Any("error", err))
	}
	defer func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}
	}()

	metrics := observability.NewMetrics()

	store := policy.NewStore(pool, cfg.StoreTimeout)
	auditRepo := audit.NewRepository(pool, cfg.StoreTimeout)
	auditService := audit.NewService(auditRepo, logger)

	var resolverCache resolver.Cache
	if cfg.ResolverCacheBackend == "redis" && redisClient != nil {
		resolverCache = resolver.NewRedisCache(redisClient, cfg.ResolverCacheTTL)
	} else {
		resolverCache = resolver.NewMemoryCache(cfg.ResolverCacheTTL)
	}
	permResolver := resolver.New(store, resolverCache, logger, metrics)

	masker := masking.New(store)
	authEngine := engine.New(permResolver, store, scope.NewFilter(), masker, auditService, metrics, logger)

	breakglassRepo := breakglass.NewRepository(pool, auditRepo, cfg.StoreTimeout)
	breakglassService := breakglass.NewService(breakglassRepo, permResolver, permResolver, metrics, logger)
	breakglassHandler := breakglass.NewHandler(logger, breakglassService)

	rolesRepo := roles.NewRepository(pool, auditRepo, cfg.StoreTimeout)
	rolesService := roles.NewService(store, rolesRepo, permResolver, masker, logger)
	rolesHandler := roles.NewHandler(logger, rolesService)

	auditHandler := audithttp.NewHandler(logger, auditService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		Engine:            authEngine,
		AuditHandler:      auditHandler,
		BreakglassHandler: breakglassHandler,
		RolesHandler:      rolesHandler,
		JobsHandler:       jobsHandler,
		Pool:              pool,
		Redis:             redisClient,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
