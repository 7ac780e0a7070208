package roles

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/moss-itam/moss/internal/rbac"
	"github.com/moss-itam/moss/internal/shared"
)

type env struct {
	store  *rbac.MemoryStore
	router http.Handler
	admin  rbac.User
	reader rbac.User
	viewer rbac.Role
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := rbac.NewMemoryStore()
	engine := rbac.NewEngine(store, nil, nil, logger)
	service := rbac.NewService(store, engine, logger)

	viewer := store.PutRole(rbac.Role{Name: "Viewer", IsSystem: true})
	store.Grant(viewer.ID, store.PutPermission(rbac.ActionView, rbac.ObjectPerson).ID)
	admin := store.PutRole(rbac.Role{Name: "Admin", IsSystem: true, ParentID: &viewer.ID})
	store.Grant(admin.ID, store.PutPermission(rbac.ActionManagePermissions, rbac.ObjectPerson).ID)

	h := NewHandler(logger, service, engine, nil, rbac.Middleware{Engine: engine, Logger: logger})
	r := chi.NewRouter()
	r.Route("/roles", h.MountRoutes)
	return &env{
		store:  store,
		router: r,
		admin:  store.PutUser(rbac.User{RoleID: admin.ID, IsActive: true}),
		reader: store.PutUser(rbac.User{RoleID: viewer.ID, IsActive: true}),
		viewer: viewer,
	}
}

func (e *env) do(t *testing.T, as rbac.User, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req = req.WithContext(shared.ContextWithSession(req.Context(), &shared.Session{ID: "s", UserID: as.ID}))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndReadRoles(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, e.admin, http.MethodPost, "/roles", map[string]any{"name": "Regional", "parent_id": e.viewer.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created roleView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "Regional", created.Name)
	require.False(t, created.IsSystem)

	rec = e.do(t, e.reader, http.MethodGet, "/roles/"+created.ID.String()+"/hierarchy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hierarchy hierarchyView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hierarchy))
	require.Equal(t, 1, hierarchy.Depth)
	require.Equal(t, "Viewer", hierarchy.Chain[1].Name)

	rec = e.do(t, e.reader, http.MethodGet, "/roles/tree", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tree []roleNodeView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tree))
	require.Len(t, tree, 1)
	require.Equal(t, "Viewer", tree[0].Name)
	require.Len(t, tree[0].Children, 2)

	require.Equal(t, http.StatusConflict, e.do(t, e.admin, http.MethodPost, "/roles", map[string]any{"name": "Regional"}).Code)
	require.Equal(t, http.StatusUnprocessableEntity, e.do(t, e.admin, http.MethodPost, "/roles", map[string]any{"name": ""}).Code)
	require.Equal(t, http.StatusForbidden, e.do(t, e.reader, http.MethodPost, "/roles", map[string]any{"name": "Nope"}).Code)
	require.Equal(t, http.StatusNotFound, e.do(t, e.reader, http.MethodGet, "/roles/"+uuid.NewString(), nil).Code)
}

func TestUpdateRoleParent(t *testing.T) {
	e := newEnv(t)
	parent := e.store.PutRole(rbac.Role{Name: "Parent"})
	child := e.store.PutRole(rbac.Role{Name: "Child", ParentID: &parent.ID})

	rec := e.do(t, e.admin, http.MethodPatch, "/roles/"+parent.ID.String(), map[string]any{"parent_id": child.ID})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, e.admin, http.MethodPatch, "/roles/"+child.ID.String(), map[string]any{"parent_id": nil, "name": "Orphan"})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated roleView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	require.Nil(t, updated.ParentID)
	require.Equal(t, "Orphan", updated.Name)

	// Omitting parent_id leaves the parent alone.
	rec = e.do(t, e.admin, http.MethodPatch, "/roles/"+child.ID.String(), map[string]any{"parent_id": parent.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, e.admin, http.MethodPatch, "/roles/"+child.ID.String(), map[string]any{"description": "kept"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	require.Equal(t, parent.ID, *updated.ParentID)

	rec = e.do(t, e.admin, http.MethodPatch, "/roles/"+e.viewer.ID.String(), map[string]any{"name": "Reader"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRolePermissionEndpoints(t *testing.T) {
	e := newEnv(t)
	role := e.store.PutRole(rbac.Role{Name: "Custom"})
	perm := e.store.PutPermission(rbac.ActionEdit, rbac.ObjectDevice)
	base := "/roles/" + role.ID.String() + "/permissions"

	require.Equal(t, http.StatusNoContent, e.do(t, e.admin, http.MethodPost, base+"/"+perm.ID.String(), nil).Code)
	require.Equal(t, http.StatusConflict, e.do(t, e.admin, http.MethodPost, base+"/"+perm.ID.String(), nil).Code)

	rec := e.do(t, e.reader, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var perms []rbac.PermissionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &perms))
	require.Len(t, perms, 1)
	require.Equal(t, "device.edit", perms[0].Name)

	require.Equal(t, http.StatusNoContent, e.do(t, e.admin, http.MethodPut, base, map[string]any{"permission_ids": []string{}}).Code)
	require.Equal(t, http.StatusNotFound, e.do(t, e.admin, http.MethodDelete, base+"/"+perm.ID.String(), nil).Code)
	require.Equal(t, http.StatusUnprocessableEntity, e.do(t, e.admin, http.MethodPut, base, map[string]any{"permission_ids": []string{"x"}}).Code)

	system := "/roles/" + e.viewer.ID.String() + "/permissions/" + perm.ID.String()
	require.Equal(t, http.StatusForbidden, e.do(t, e.admin, http.MethodPost, system, nil).Code)
}

func TestDeleteRoleEndpoint(t *testing.T) {
	e := newEnv(t)
	role := e.store.PutRole(rbac.Role{Name: "Temp"})
	inUse := e.store.PutRole(rbac.Role{Name: "Busy"})
	e.store.PutUser(rbac.User{RoleID: inUse.ID, IsActive: true})

	require.Equal(t, http.StatusNoContent, e.do(t, e.admin, http.MethodDelete, "/roles/"+role.ID.String(), nil).Code)
	require.Equal(t, http.StatusNotFound, e.do(t, e.admin, http.MethodDelete, "/roles/"+role.ID.String(), nil).Code)
	require.Equal(t, http.StatusConflict, e.do(t, e.admin, http.MethodDelete, "/roles/"+inUse.ID.String(), nil).Code)
	require.Equal(t, http.StatusUnprocessableEntity, e.do(t, e.admin, http.MethodDelete, "/roles/bad", nil).Code)
}

func TestOptionalIDDistinguishesNull(t *testing.T) {
	var req updateRoleRequest
	require.NoError(t, json.Unmarshal([]byte(`{"name":"x"}`), &req))
	require.False(t, req.ParentID.Set)

	require.NoError(t, json.Unmarshal([]byte(`{"parent_id":null}`), &req))
	require.True(t, req.ParentID.Set)
	require.Nil(t, req.ParentID.Value)

	require.Error(t, json.Unmarshal([]byte(`{"parent_id":"nope"}`), &updateRoleRequest{}))
}
