package users

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/moss-itam/moss/internal/platform/httpx"
	"github.com/moss-itam/moss/internal/rbac"
	"github.com/moss-itam/moss/internal/shared"
)

// Service is the slice of rbac.Service the user endpoints need.
type Service interface {
	AssignUserRole(ctx context.Context, userID, roleID uuid.UUID) error
	SetUserActive(ctx context.Context, userID uuid.UUID, active bool) error
}

// Handler manages user role assignment and activation.
type Handler struct {
	logger    *slog.Logger
	service   Service
	audit     shared.AuditSink
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service Service, audit shared.AuditSink, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, audit: audit, rbac: rbac, validator: httpx.NewValidator()}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(rbac.ActionManagePermissions, rbac.ObjectPerson))
		r.Put("/{id}/role", h.assignRole)
		r.Put("/{id}/active", h.setActive)
	})
}

type assignRoleRequest struct {
	RoleID string `json:"role_id" validate:"required,uuid"`
}

type setActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := rbac.ParseURLID(w, r, "id")
	if !ok {
		return
	}
	var req assignRoleRequest
	if !httpx.DecodeAndValidate(w, r, h.validator, &req) {
		return
	}
	roleID := uuid.MustParse(req.RoleID)
	if err := h.service.AssignUserRole(r.Context(), userID, roleID); err != nil {
		rbac.RespondError(w, err)
		return
	}
	h.recordAudit(r, "user.role.assign", userID, map[string]any{"role_id": roleID})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request) {
	userID, ok := rbac.ParseURLID(w, r, "id")
	if !ok {
		return
	}
	var req setActiveRequest
	if !httpx.DecodeAndValidate(w, r, h.validator, &req) {
		return
	}
	if err := h.service.SetUserActive(r.Context(), userID, *req.Active); err != nil {
		rbac.RespondError(w, err)
		return
	}
	h.recordAudit(r, "user.active.set", userID, map[string]any{"active": *req.Active})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) recordAudit(r *http.Request, action string, userID uuid.UUID, meta map[string]any) {
	actor, _ := shared.UserIDFromContext(r.Context())
	shared.RecordAudit(r.Context(), h.audit, h.logger, shared.AuditLog{
		ActorID:  actor,
		Action:   action,
		Entity:   "user",
		EntityID: userID.String(),
		Meta:     meta,
	})
}
