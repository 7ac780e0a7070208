package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/moss-itam/moss/internal/platform/httpx"
	"github.com/moss-itam/moss/internal/shared"
)

// Handler exposes permission administration and diagnostics over JSON.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	engine    *Engine
	audit     shared.AuditSink
	rbac      Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance. audit may be nil.
func NewHandler(logger *slog.Logger, service *Service, audit shared.AuditSink, rbac Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		engine:    service.Engine(),
		audit:     audit,
		rbac:      rbac,
		validator: httpx.NewValidator(),
	}
}

// MountRoutes registers the RBAC administration routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/rbac", func(r chi.Router) {
		r.Get("/users/{id}/permissions", h.userPermissions)
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.Require(ActionManagePermissions, ObjectPerson))
			r.With(httprate.LimitByIP(60, time.Minute)).Post("/test-permission", h.testPermission)
			r.Get("/cache", h.cacheStats)
			r.Delete("/cache", h.purgeCache)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(ActionManagePermissions, ObjectPerson))
		r.Get("/permissions", h.listPermissions)
		r.Get("/object-permissions", h.listObjectPermissions)
	})
	// Object grants are authorised against the object they name.
	r.Post("/object-permissions", h.grantObjectPermission)
	r.Delete("/object-permissions/{id}", h.revokeObjectPermission)

	r.Route("/groups/{id}/members", func(r chi.Router) {
		r.Use(h.rbac.RequireObject(ActionManagePermissions, ObjectGroup, "id"))
		r.Post("/", h.addGroupMember)
		r.Delete("/{personID}", h.removeGroupMember)
	})
}

type testPermissionRequest struct {
	UserID     string  `json:"user_id" validate:"required,uuid"`
	Action     string  `json:"action" validate:"required"`
	ObjectType string  `json:"object_type" validate:"required"`
	ObjectID   *string `json:"object_id" validate:"omitempty,uuid"`
}

type testPermissionResponse struct {
	Decision
	UserID     uuid.UUID  `json:"user_id"`
	Action     Action     `json:"action"`
	ObjectType ObjectType `json:"object_type"`
	ObjectID   *uuid.UUID `json:"object_id,omitempty"`
}

func (h *Handler) testPermission(w http.ResponseWriter, r *http.Request) {
	var req testPermissionRequest
	if !httpx.DecodeAndValidate(w, r, h.validator, &req) {
		return
	}
	action, err := ParseAction(req.Action)
	if err != nil {
		RespondError(w, err)
		return
	}
	objectType, err := ParseObjectType(req.ObjectType)
	if err != nil {
		RespondError(w, err)
		return
	}
	userID := uuid.MustParse(req.UserID)
	var objectID *uuid.UUID
	if req.ObjectID != nil {
		id := uuid.MustParse(*req.ObjectID)
		objectID = &id
	}

	decision, err := h.engine.CheckPermission(r.Context(), userID, action, objectType, objectID)
	if err != nil {
		h.respondResolveError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, testPermissionResponse{
		Decision:   decision,
		UserID:     userID,
		Action:     action,
		ObjectType: objectType,
		ObjectID:   objectID,
	})
}

func (h *Handler) userPermissions(w http.ResponseWriter, r *http.Request) {
	target, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	caller, signedIn := shared.UserIDFromContext(r.Context())
	if !signedIn {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
		return
	}
	if caller != target {
		decision, err := h.engine.CheckPermission(r.Context(), caller, ActionManagePermissions, ObjectPerson, nil)
		if err != nil && !errors.Is(err, ErrUserNotFound) {
			h.respondResolveError(w, err)
			return
		}
		if err != nil || !decision.Granted {
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
			return
		}
	}

	perms, err := h.engine.EffectivePermissions(r.Context(), target)
	if err != nil {
		h.respondResolveError(w, err)
		return
	}
	if perms == nil {
		perms = []EffectivePermission{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": target, "permissions": perms})
}

func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.engine.CacheStats())
}

func (h *Handler) purgeCache(w http.ResponseWriter, r *http.Request) {
	h.engine.PurgeCache(r.Context())
	h.recordAudit(r, "rbac.cache.purge", "rbac_cache", "all", nil)
	w.WriteHeader(http.StatusNoContent)
}

// PermissionView is the JSON shape of a permission.
type PermissionView struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	Action      Action     `json:"action"`
	ObjectType  ObjectType `json:"object_type"`
	Description string     `json:"description"`
}

// PermissionViews renders permissions for JSON output.
func PermissionViews(perms []Permission) []PermissionView {
	out := make([]PermissionView, 0, len(perms))
	for _, p := range perms {
		out = append(out, PermissionView{ID: p.ID, Name: p.Name, Action: p.Action, ObjectType: p.ObjectType, Description: p.Description})
	}
	return out
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.logger.Error("list permissions", slog.Any("error", err))
		RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, PermissionViews(perms))
}

type objectPermissionResponse struct {
	ID         uuid.UUID  `json:"id"`
	PersonID   *uuid.UUID `json:"person_id,omitempty"`
	GroupID    *uuid.UUID `json:"group_id,omitempty"`
	GroupName  string     `json:"group_name,omitempty"`
	ObjectType ObjectType `json:"object_type"`
	ObjectID   uuid.UUID  `json:"object_id"`
	Action     Action     `json:"action"`
	GrantedBy  *uuid.UUID `json:"granted_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func toObjectPermissionResponse(g ObjectPermission) objectPermissionResponse {
	return objectPermissionResponse{
		ID:         g.ID,
		PersonID:   g.PersonID,
		GroupID:    g.GroupID,
		GroupName:  g.GroupName,
		ObjectType: g.ObjectType,
		ObjectID:   g.ObjectID,
		Action:     g.Action,
		GrantedBy:  g.GrantedBy,
		CreatedAt:  g.CreatedAt,
	}
}

func (h *Handler) listObjectPermissions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page := shared.PaginationFromRequest(r)
	filter := ObjectPermissionFilter{Limit: page.PerPage, Offset: page.Offset()}

	if raw := query.Get("object_type"); raw != "" {
		objectType, err := ParseObjectType(raw)
		if err != nil {
			RespondError(w, err)
			return
		}
		filter.ObjectType = &objectType
	}
	if raw := query.Get("action"); raw != "" {
		action, err := ParseAction(raw)
		if err != nil {
			RespondError(w, err)
			return
		}
		filter.Action = &action
	}
	for name, dst := range map[string]**uuid.UUID{
		"object_id": &filter.ObjectID,
		"person_id": &filter.PersonID,
		"group_id":  &filter.GroupID,
	} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.RespondValidation(w, httpx.FieldErrors{name: "uuid"})
			return
		}
		*dst = &id
	}

	grants, err := h.service.ListObjectPermissions(r.Context(), filter)
	if err != nil {
		h.logger.Error("list object permissions", slog.Any("error", err))
		RespondError(w, err)
		return
	}
	out := make([]objectPermissionResponse, 0, len(grants))
	for _, g := range grants {
		out = append(out, toObjectPermissionResponse(g))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": out, "page": page})
}

type grantRequest struct {
	PersonID   *string `json:"person_id" validate:"omitempty,uuid"`
	GroupID    *string `json:"group_id" validate:"omitempty,uuid"`
	ObjectType string  `json:"object_type" validate:"required"`
	ObjectID   string  `json:"object_id" validate:"required,uuid"`
	Action     string  `json:"action" validate:"required"`
}

func (h *Handler) grantObjectPermission(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !httpx.DecodeAndValidate(w, r, h.validator, &req) {
		return
	}
	action, err := ParseAction(req.Action)
	if err != nil {
		RespondError(w, err)
		return
	}
	objectType, err := ParseObjectType(req.ObjectType)
	if err != nil {
		RespondError(w, err)
		return
	}
	in := ObjectGrantInput{ObjectType: objectType, ObjectID: uuid.MustParse(req.ObjectID), Action: action}
	if req.PersonID != nil {
		id := uuid.MustParse(*req.PersonID)
		in.PersonID = &id
	}
	if req.GroupID != nil {
		id := uuid.MustParse(*req.GroupID)
		in.GroupID = &id
	}
	if !h.authorizeObject(w, r, objectType, in.ObjectID) {
		return
	}
	if caller, ok := shared.UserIDFromContext(r.Context()); ok {
		in.GrantedBy = &caller
	}

	grant, err := h.service.GrantObjectPermission(r.Context(), in)
	if err != nil {
		RespondError(w, err)
		return
	}
	h.recordAudit(r, "rbac.object_permission.grant", "object_permission", grant.ID.String(), map[string]any{
		"object_type": grant.ObjectType,
		"object_id":   grant.ObjectID,
		"action":      grant.Action,
	})
	httpx.JSON(w, http.StatusCreated, toObjectPermissionResponse(grant))
}

func (h *Handler) revokeObjectPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	existing, err := h.service.GetObjectPermission(r.Context(), id)
	if err != nil {
		RespondError(w, err)
		return
	}
	if !h.authorizeObject(w, r, existing.ObjectType, existing.ObjectID) {
		return
	}
	grant, err := h.service.RevokeObjectPermission(r.Context(), id)
	if err != nil {
		RespondError(w, err)
		return
	}
	h.recordAudit(r, "rbac.object_permission.revoke", "object_permission", grant.ID.String(), map[string]any{
		"object_type": grant.ObjectType,
		"object_id":   grant.ObjectID,
		"action":      grant.Action,
	})
	w.WriteHeader(http.StatusNoContent)
}

type memberRequest struct {
	PersonID string `json:"person_id" validate:"required,uuid"`
}

func (h *Handler) addGroupMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req memberRequest
	if !httpx.DecodeAndValidate(w, r, h.validator, &req) {
		return
	}
	personID := uuid.MustParse(req.PersonID)
	if err := h.service.AddGroupMember(r.Context(), groupID, personID); err != nil {
		RespondError(w, err)
		return
	}
	h.recordAudit(r, "rbac.group_member.add", "group", groupID.String(), map[string]any{"person_id": personID})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeGroupMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	personID, ok := parseID(w, r, "personID")
	if !ok {
		return
	}
	if err := h.service.RemoveGroupMember(r.Context(), groupID, personID); err != nil {
		RespondError(w, err)
		return
	}
	h.recordAudit(r, "rbac.group_member.remove", "group", groupID.String(), map[string]any{"person_id": personID})
	w.WriteHeader(http.StatusNoContent)
}

// authorizeObject requires manage_permissions on the object itself.
func (h *Handler) authorizeObject(w http.ResponseWriter, r *http.Request, objectType ObjectType, objectID uuid.UUID) bool {
	caller, ok := shared.UserIDFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
		return false
	}
	decision, err := h.engine.CheckPermission(r.Context(), caller, ActionManagePermissions, objectType, &objectID)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		h.respondResolveError(w, err)
		return false
	}
	if err != nil || !decision.Granted {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing "+PermissionName(ActionManagePermissions, objectType))
		return false
	}
	return true
}

// A cycle found while resolving is corrupt data, not a bad request.
func (h *Handler) respondResolveError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrCyclicHierarchy) {
		h.logger.Error("rbac: resolve on corrupt hierarchy", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	RespondError(w, err)
}

func (h *Handler) recordAudit(r *http.Request, action, entity, entityID string, meta map[string]any) {
	actor, _ := shared.UserIDFromContext(r.Context())
	shared.RecordAudit(r.Context(), h.audit, h.logger, shared.AuditLog{
		ActorID:  actor,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
	})
}

// ParseURLID reads a UUID URL parameter, writing a 422 when it is malformed.
func ParseURLID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	return parseID(w, r, name)
}

func parseID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		httpx.RespondValidation(w, httpx.FieldErrors{name: "uuid"})
		return uuid.Nil, false
	}
	return id, true
}
