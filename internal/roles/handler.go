package roles

import (
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fleetgate/fleetgate/internal/platform/httpx"
	"github.com/fleetgate/fleetgate/internal/policy"
	"github.com/fleetgate/fleetgate/internal/shared"
)

// Gate authorizes requests against the policy engine before a handler
// runs.
type Gate interface {
	Require(resource, verb string) func(http.Handler) http.Handler
}

// Handler exposes role administration over HTTP.
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

// MountRoutes registers role, SoD rule, and masking policy endpoints.
func (h *Handler) MountRoutes(r chi.Router, gate Gate) {
	if h == nil {
		return
	}
	r.Group(func(gr chi.Router) {
		gr.Use(gate.Require(policy.ResourceRole, policy.VerbView))
		gr.Get("/roles", h.handleList)
		gr.Get("/roles/{id}", h.handleGet)
		gr.Get("/sod-rules", h.handleListSoDRules)
		gr.Get("/masking-policies", h.handleListMaskingPolicies)
	})
	r.Group(func(gr chi.Router) {
		gr.Use(gate.Require(policy.ResourceRole, policy.VerbEdit))
		gr.Post("/roles", h.handleCreate)
		gr.Put("/roles/{id}", h.handleUpdate)
		gr.Delete("/roles/{id}", h.handleDelete)
		gr.Put("/roles/{id}/permissions", h.handleSetPermissions)
		gr.Post("/sod-rules", h.handleCreateSoDRule)
		gr.Put("/masking-policies", h.handleUpsertMaskingPolicy)
	})
	r.Group(func(gr chi.Router) {
		gr.Use(gate.Require(policy.ResourceRole, policy.VerbAssign))
		gr.Post("/roles/{id}/assign", h.handleAssign)
		gr.Post("/roles/{id}/revoke", h.handleRevoke)
	})
}

type rolePayload struct {
	Name                string `json:"name" validate:"required,max=100"`
	Description         string `json:"description" validate:"max=500"`
	MFARequired         bool   `json:"mfa_required"`
	JITElevationAllowed bool   `json:"jit_elevation_allowed"`
}

type permissionPayload struct {
	Resource string `json:"resource" validate:"required"`
	Verb     string `json:"verb" validate:"required"`
	Scope    string `json:"scope" validate:"required"`
}

type assignmentPayload struct {
	UserID    int64      `json:"user_id" validate:"required,gt=0"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type sodRulePayload struct {
	RoleA  int64  `json:"role_a" validate:"required,gt=0"`
	RoleB  int64  `json:"role_b" validate:"required,gt=0"`
	Reason string `json:"reason" validate:"required,max=500"`
}

type maskingPolicyPayload struct {
	Resource       string  `json:"resource" validate:"required"`
	Field          string  `json:"field" validate:"required"`
	Classification string  `json:"classification"`
	AllowedRoles   []int64 `json:"allowed_roles"`
	Strategy       string  `json:"strategy" validate:"required"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.respondErr(w, "list roles", err)
		return
	}
	if roles == nil {
		roles = []policy.Role{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rows": roles})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.respondErr(w, "get role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload rolePayload
	if !h.decode(w, r, &payload) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), policy.Role{
		Name:                payload.Name,
		Description:         payload.Description,
		MFARequired:         payload.MFARequired,
		JITElevationAllowed: payload.JITElevationAllowed,
	})
	if err != nil {
		h.respondErr(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var payload rolePayload
	if !h.decode(w, r, &payload) {
		return
	}
	role, err := h.service.UpdateRole(r.Context(), policy.Role{
		ID:                  id,
		Name:                payload.Name,
		Description:         payload.Description,
		MFARequired:         payload.MFARequired,
		JITElevationAllowed: payload.JITElevationAllowed,
	})
	if err != nil {
		h.respondErr(w, "update role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), id); err != nil {
		h.respondErr(w, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetPermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var payload struct {
		Permissions []permissionPayload `json:"permissions" validate:"required,dive"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	perms := make([]policy.Permission, 0, len(payload.Permissions))
	for _, p := range payload.Permissions {
		perms = append(perms, policy.Permission{
			Resource: p.Resource,
			Verb:     p.Verb,
			Scope:    policy.Scope(p.Scope),
		})
	}
	if err := h.service.SetRolePermissions(r.Context(), id, perms); err != nil {
		h.respondErr(w, "set role permissions", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	actorID, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor identity is required")
		return
	}
	roleID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var payload assignmentPayload
	if !h.decode(w, r, &payload) {
		return
	}
	assignment, err := h.service.Assign(r.Context(), payload.UserID, roleID, actorID, payload.ExpiresAt)
	if err != nil {
		h.respondErr(w, "assign role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, assignment)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	actorID, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor identity is required")
		return
	}
	roleID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var payload struct {
		UserID int64 `json:"user_id" validate:"required,gt=0"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	if err := h.service.Revoke(r.Context(), payload.UserID, roleID, actorID); err != nil {
		h.respondErr(w, "revoke role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListSoDRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.service.ListSoDRules(r.Context())
	if err != nil {
		h.respondErr(w, "list sod rules", err)
		return
	}
	if rules == nil {
		rules = []policy.SoDRule{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rows": rules})
}

func (h *Handler) handleCreateSoDRule(w http.ResponseWriter, r *http.Request) {
	var payload sodRulePayload
	if !h.decode(w, r, &payload) {
		return
	}
	rule, err := h.service.CreateSoDRule(r.Context(), policy.SoDRule{
		RoleA:  payload.RoleA,
		RoleB:  payload.RoleB,
		Reason: payload.Reason,
	})
	if err != nil {
		h.respondErr(w, "create sod rule", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rule)
}

func (h *Handler) handleListMaskingPolicies(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "resource query parameter is required")
		return
	}
	policies, err := h.service.ListMaskingPolicies(r.Context(), resource)
	if err != nil {
		h.respondErr(w, "list masking policies", err)
		return
	}
	if policies == nil {
		policies = []policy.FieldMaskingPolicy{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rows": policies})
}

func (h *Handler) handleUpsertMaskingPolicy(w http.ResponseWriter, r *http.Request) {
	var payload maskingPolicyPayload
	if !h.decode(w, r, &payload) {
		return
	}
	err := h.service.UpsertMaskingPolicy(r.Context(), policy.FieldMaskingPolicy{
		Resource:       payload.Resource,
		Field:          payload.Field,
		Classification: policy.Classification(payload.Classification),
		AllowedRoles:   payload.AllowedRoles,
		Strategy:       policy.MaskStrategy(payload.Strategy),
	})
	if err != nil {
		h.respondErr(w, "upsert masking policy", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Role ID", "role id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondErr(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
