package engine

import (
	"net/http"

	"log/slog"

	"github.com/fleetgate/fleetgate/internal/platform/httpx"
	"github.com/fleetgate/fleetgate/internal/shared"
)

// Require guards an HTTP route with a permission check. The actor comes
// from the request context; a missing actor is unauthorized, a denied
// decision is forbidden, and an engine fault is a 503 with no backend
// detail.
func (e *Engine) Require(resource, verb string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actorID, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor identity is required")
				return
			}
			decision, err := e.Authorize(r.Context(), actorID, resource, verb)
			if err != nil {
				e.logger.Error("authorization check",
					slog.Int64("actor_id", actorID),
					slog.String("resource", resource),
					slog.String("verb", verb),
					slog.Any("error", err))
				httpx.RespondError(w, err)
				return
			}
			if !decision.Granted {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", decision.Reason)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
