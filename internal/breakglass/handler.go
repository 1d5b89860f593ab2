package breakglass

import (
	"errors"
	"net/http"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fleetgate/fleetgate/internal/platform/httpx"
	"github.com/fleetgate/fleetgate/internal/policy"
	"github.com/fleetgate/fleetgate/internal/shared"
)

// Gate authorizes requests against the policy engine before a handler
// runs.
type Gate interface {
	Require(resource, verb string) func(http.Handler) http.Handler
}

// Handler exposes the emergency elevation lifecycle over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers the session endpoints. Requesting and revoking
// only need an authenticated actor because the service enforces
// ownership and the revoke permission itself. Review actions sit
// behind explicit permission checks.
func (h *Handler) MountRoutes(r chi.Router, gate Gate) {
	if h == nil {
		return
	}
	r.Post("/breakglass", h.handleRequest)
	r.Post("/breakglass/{id}/revoke", h.handleRevoke)
	r.Group(func(gr chi.Router) {
		gr.Use(gate.Require(policy.ResourceBreakglass, policy.VerbApprove))
		gr.Post("/breakglass/{id}/approve", h.handleApprove)
		gr.Post("/breakglass/{id}/deny", h.handleDeny)
	})
	r.Group(func(gr chi.Router) {
		gr.Use(gate.Require(policy.ResourceBreakglass, policy.VerbView))
		gr.Get("/breakglass", h.handleList)
	})
}

type requestPayload struct {
	RoleID          int64  `json:"role_id" validate:"required,gt=0"`
	Reason          string `json:"reason" validate:"required,max=500"`
	TicketRef       string `json:"ticket_ref" validate:"required,max=64"`
	DurationMinutes int    `json:"duration_minutes" validate:"required,gt=0"`
}

func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request) {
	actorID, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor identity is required")
		return
	}
	var payload requestPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	duration := time.Duration(payload.DurationMinutes) * time.Minute
	sess, err := h.service.Request(r.Context(), actorID, payload.RoleID, payload.Reason, payload.TicketRef, duration)
	if err != nil {
		h.logger.Error("breakglass request", slog.Int64("actor_id", actorID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx *http.Request, id uuid.UUID, actorID int64) (Session, error) {
		return h.service.Approve(ctx.Context(), id, actorID)
	})
}

type denyPayload struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) handleDeny(w http.ResponseWriter, r *http.Request) {
	var payload denyPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	h.transition(w, r, func(ctx *http.Request, id uuid.UUID, actorID int64) (Session, error) {
		return h.service.Deny(ctx.Context(), id, actorID, payload.Reason)
	})
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx *http.Request, id uuid.UUID, actorID int64) (Session, error) {
		return h.service.Revoke(ctx.Context(), id, actorID)
	})
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(*http.Request, uuid.UUID, int64) (Session, error)) {
	actorID, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor identity is required")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Session ID", "session id must be a UUID")
		return
	}
	sess, err := fn(r, id, actorID)
	if err != nil {
		h.logger.Error("breakglass transition",
			slog.String("session_id", id.String()),
			slog.Int64("actor_id", actorID),
			slog.Any("error", err))
		if errors.Is(err, ErrInvalidTransition) {
			httpx.Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sess)
}

const defaultListLimit = 50

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	status := Status(r.URL.Query().Get("status"))
	if status == "" {
		status = StatusPending
	}
	if !status.IsValid() {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Status", "unknown session status")
		return
	}
	sessions, err := h.service.List(r.Context(), status, defaultListLimit)
	if err != nil {
		h.logger.Error("breakglass list", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if sessions == nil {
		sessions = []Session{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rows": sessions})
}
