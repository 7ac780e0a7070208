package roles

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

// Service is the slice of rbac.Service the role endpoints need.
type Service interface {
	ListRoles(ctx context.Context) ([]rbac.Role, error)
	GetRole(ctx context.Context, id uuid.UUID) (rbac.Role, error)
	CreateRole(ctx context.Context, in rbac.RoleInput) (rbac.Role, error)
	UpdateRole(ctx context.Context, id uuid.UUID, upd rbac.RoleUpdate) (rbac.Role, error)
	DeleteRole(ctx context.Context, id uuid.UUID) error
	ListRolePermissions(ctx context.Context, roleID uuid.UUID) ([]rbac.Permission, error)
	SetRolePermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) error
	AddRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) error
	RemoveRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) error
}

// HierarchyResolver resolves ancestor chains.
type HierarchyResolver interface {
	GetRoleHierarchy(ctx context.Context, roleID uuid.UUID) ([]rbac.Role, error)
}

// Handler manages role management endpoints.
type Handler struct {
	logger    *slog.Logger
	service   Service
	hierarchy HierarchyResolver
	audit     shared.AuditSink
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service Service, hierarchy HierarchyResolver, audit shared.AuditSink, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		hierarchy: hierarchy,
		audit:     audit,
		rbac:      rbac,
		validator: httpx.NewValidator(),
	}
}

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(rbac.ActionView, rbac.ObjectPerson))
		r.Get("/", h.listRoles)
		r.Get("/tree", h.roleTree)
		r.Get("/{id}", h.getRole)
		r.Get("/{id}/hierarchy", h.roleHierarchy)
		r.Get("/{id}/permissions", h.listRolePermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(rbac.ActionManagePermissions, rbac.ObjectPerson))
		r.Post("/", h.createRole)
		r.Patch("/{id}", h.updateRole)
		r.Delete("/{id}", h.deleteRole)
		r.Put("/{id}/permissions", h.setRolePermissions)
		r.Post("/{id}/permissions/{permissionID}", h.addRolePermission)
		r.Delete("/{id}/permissions/{permissionID}", h.removeRolePermission)
	})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.logger.Error("list roles", slog.Any("error", err))
		rbac.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleViews(roles))
}

func (h *Handler) roleTree(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.logger.Error("list roles", slog.Any("error", err))
		rbac.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toNodeViews(rbac.BuildForest(roles)))
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := rbac.ParseURLID(w, r, "id")
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		rbac.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleView(role))
}

func (h *Handler) roleHierarchy(w http.ResponseWriter, r *http.Request) {
	id, ok := rbac.ParseURLID(w, r, "id")
	if !ok {
		return
	}
	chain, err := h.hierarchy.GetRoleHierarchy(r.Context(), id)
	if err != nil {
		rbac.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, hierarchyView{RoleID: id, Depth: len(chain) - 1, Chain: toRoleViews(chain)})
}

func (h *Handler) listRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := rbac.ParseURLID(w, r, "id")
	if !ok {
		return
	}
	perms, err := h.service.ListRolePermissions(r.Context(), id)
	if err != nil {
		rbac.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rbac.PermissionViews(perms))
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !httpx.DecodeAndValidate(w, r, h.validator, &req) {
		return
	}
	in := rbac.RoleInput{Name: req.Name, Description: req.Description}
	if req.ParentID != nil {
		parent := uuid.MustParse(*req.ParentID)
		in.ParentID = &parent
	}
	role, err := h.service.CreateRole(r.Context(), in)
	if err != nil {
		rbac.RespondError(w, err)
		return
	}
	h.recordAudit(r, "role.create", role.ID, map[string]any{"name": role.Name, "parent_id": role.ParentID})
	httpx.JSON(w, http.StatusCreated, toRoleView(role))
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := rbac.ParseURLID(w, r, "id")
	if !ok {
		return
	}
	var req updateRoleRequest
	if !httpx.DecodeAndValidate(w, r, h.validator, &req) {
		return
	}
	role, err := h.service.UpdateRole(r.Context(), id, req.toUpdate())
	if err != nil {
		rbac.RespondError(w, err)
		return
	}
	meta := map[string]any{"name": role.Name}
	if req.ParentID.Set {
		meta["parent_id"] = role.ParentID
	}
	h.recordAudit(r, "role.update", role.ID, meta)
	httpx.JSON(w, http.StatusOK, toRoleView(role))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := rbac.ParseURLID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), id); err != nil {
		rbac.RespondError(w, err)
		return
	}
	h.recordAudit(r, "role.delete", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := rbac.ParseURLID(w, r, "id")
	if !ok {
		return
	}
	var req setPermissionsRequest
	if !httpx.DecodeAndValidate(w, r, h.validator, &req) {
		return
	}
	ids := make([]uuid.UUID, 0, len(req.PermissionIDs))
	for _, raw := range req.PermissionIDs {
		ids = append(ids, uuid.MustParse(raw))
	}
	if err := h.service.SetRolePermissions(r.Context(), id, ids); err != nil {
		rbac.RespondError(w, err)
		return
	}
	h.recordAudit(r, "role.permissions.set", id, map[string]any{"permission_ids": ids})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addRolePermission(w http.ResponseWriter, r *http.Request) {
	roleID, permissionID, ok := rolePermissionIDs(w, r)
	if !ok {
		return
	}
	if err := h.service.AddRolePermission(r.Context(), roleID, permissionID); err != nil {
		rbac.RespondError(w, err)
		return
	}
	h.recordAudit(r, "role.permission.add", roleID, map[string]any{"permission_id": permissionID})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeRolePermission(w http.ResponseWriter, r *http.Request) {
	roleID, permissionID, ok := rolePermissionIDs(w, r)
	if !ok {
		return
	}
	if err := h.service.RemoveRolePermission(r.Context(), roleID, permissionID); err != nil {
		rbac.RespondError(w, err)
		return
	}
	h.recordAudit(r, "role.permission.remove", roleID, map[string]any{"permission_id": permissionID})
	w.WriteHeader(http.StatusNoContent)
}

func rolePermissionIDs(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	roleID, ok := rbac.ParseURLID(w, r, "id")
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	permissionID, ok := rbac.ParseURLID(w, r, "permissionID")
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	return roleID, permissionID, true
}

func (h *Handler) recordAudit(r *http.Request, action string, roleID uuid.UUID, meta map[string]any) {
	actor, _ := shared.UserIDFromContext(r.Context())
	shared.RecordAudit(r.Context(), h.audit, h.logger, shared.AuditLog{
		ActorID:  actor,
		Action:   action,
		Entity:   "role",
		EntityID: roleID.String(),
		Meta:     meta,
	})
}
