package audithttp

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/fleetgate/fleetgate/internal/policy"
	"github.com/fleetgate/fleetgate/internal/shared"
)

const exportRateLimit = 10
const exportRateWindow = time.Minute

// Gate authorizes requests against the policy engine before a handler
// runs.
type Gate interface {
	Require(resource, verb string) func(http.Handler) http.Handler
}

// MountRoutes registers the audit timeline and export endpoints behind
// the engine's own permission checks.
func (h *Handler) MountRoutes(r chi.Router, gate Gate) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(exportRateLimit, exportRateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.Group(func(gr chi.Router) {
		gr.Use(gate.Require(policy.ResourceAudit, policy.VerbView))
		gr.Get("/audit", h.handleTimeline)
	})
	r.Group(func(gr chi.Router) {
		gr.Use(gate.Require(policy.ResourceAudit, policy.VerbExport))
		gr.Use(limiter)
		gr.Get("/audit/export.csv", h.handleExport)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if actorID, ok := shared.ActorFromContext(r.Context()); ok {
		return "actor:" + strconv.FormatInt(actorID, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
