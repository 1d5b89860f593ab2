package shared

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"log/slog"
)

// ActorIDHeader carries the authenticated principal id, set by the
// identity layer in front of the engine. The engine trusts it; it never
// validates credentials itself.
const ActorIDHeader = "X-Actor-ID"

type actorKey struct{}

// ContextWithActor stores the authenticated actor id on the context.
func ContextWithActor(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFromContext returns the authenticated actor id, if present.
func ActorFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(actorKey{}).(int64)
	return id, ok
}

// ActorMiddleware extracts the actor id from the identity header and
// rejects requests without one. Everything behind it can assume a
// principal is present.
func ActorMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(ActorIDHeader))
			if raw == "" {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			actorID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || actorID <= 0 {
				if logger != nil {
					logger.Warn("invalid actor header", slog.String("value", raw))
				}
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), actorID)))
		})
	}
}
