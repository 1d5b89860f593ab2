package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	audithttp "github.com/fleetgate/fleetgate/internal/audit/http"
	"github.com/fleetgate/fleetgate/internal/breakglass"
	"github.com/fleetgate/fleetgate/internal/engine"
	"github.com/fleetgate/fleetgate/internal/observability"
	"github.com/fleetgate/fleetgate/internal/roles"
	"github.com/fleetgate/fleetgate/internal/shared"
	"github.com/fleetgate/fleetgate/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	Engine            *engine.Engine
	AuditHandler      *audithttp.Handler
	BreakglassHandler *breakglass.Handler
	RolesHandler      *roles.Handler
	JobsHandler       *jobs.Handler
	Pool              *pgxpool.Pool
	Redis             *redis.Client
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router for the admin and compliance API.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", healthHandler(params.Pool, params.Redis))

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Group(func(api chi.Router) {
		api.Use(shared.ActorMiddleware(params.Logger))
		if params.AuditHandler != nil {
			params.AuditHandler.MountRoutes(api, params.Engine)
		}
		if params.BreakglassHandler != nil {
			params.BreakglassHandler.MountRoutes(api, params.Engine)
		}
		if params.RolesHandler != nil {
			params.RolesHandler.MountRoutes(api, params.Engine)
		}
		if params.JobsHandler != nil {
			api.Route("/jobs", params.JobsHandler.MountRoutes)
		}
	})

	return r
}

// healthHandler reports readiness. A backend failure turns the probe
// red because the engine fails closed without its store.
func healthHandler(pool *pgxpool.Pool, rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		w.Header().Set("Content-Type", "application/json")
		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded","postgres":"unreachable"}`))
				return
			}
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded","redis":"unreachable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
