package rbac

import (
	"errors"
	"net/http"

	"github.com/moss-itam/moss/internal/platform/httpx"
)

type errorStatus struct {
	err    error
	status int
	title  string
}

var errorStatuses = []errorStatus{
	{ErrUserNotFound, http.StatusNotFound, "Not Found"},
	{ErrRoleNotFound, http.StatusNotFound, "Not Found"},
	{ErrPermissionNotFound, http.StatusNotFound, "Not Found"},
	{ErrGroupNotFound, http.StatusNotFound, "Not Found"},
	{ErrObjectGrantNotFound, http.StatusNotFound, "Not Found"},
	{ErrAssociationNotFound, http.StatusNotFound, "Not Found"},
	{ErrAssociationExists, http.StatusConflict, "Conflict"},
	{ErrRoleNameTaken, http.StatusConflict, "Conflict"},
	{ErrRoleInUse, http.StatusConflict, "Conflict"},
	{ErrSystemRoleImmutable, http.StatusForbidden, "Forbidden"},
	{ErrCyclicHierarchy, http.StatusBadRequest, "Cyclic Hierarchy"},
	{ErrInvalidAction, http.StatusUnprocessableEntity, "Validation Failed"},
	{ErrInvalidObjectType, http.StatusUnprocessableEntity, "Validation Failed"},
	{ErrInvalidPrincipal, http.StatusUnprocessableEntity, "Validation Failed"},
	{ErrRoleNameRequired, http.StatusUnprocessableEntity, "Validation Failed"},
}

// RespondError maps engine and service errors onto problem responses.
// Unknown errors become an opaque 500.
func RespondError(w http.ResponseWriter, err error) {
	for _, m := range errorStatuses {
		if errors.Is(err, m.err) {
			err = httpx.WithStatus(m.status, m.title, err)
			break
		}
	}
	httpx.RespondError(w, err)
}
