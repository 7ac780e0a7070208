package rbac

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/moss-itam/moss/internal/platform/httpx"
	"github.com/moss-itam/moss/internal/shared"
)

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Engine *Engine
	Logger *slog.Logger
}

// Require ensures the current user holds action on objectType through
// their role chain.
func (m Middleware) Require(action Action, objectType ObjectType) func(http.Handler) http.Handler {
	return m.require(action, objectType, "")
}

// RequireObject is Require scoped to the object whose ID is in the named
// URL parameter, so object grants are honoured as well.
func (m Middleware) RequireObject(action Action, objectType ObjectType, param string) func(http.Handler) http.Handler {
	return m.require(action, objectType, param)
}

func (m Middleware) require(action Action, objectType ObjectType, param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := shared.UserIDFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
				return
			}

			var objectID *uuid.UUID
			if param != "" {
				id, err := uuid.Parse(chi.URLParam(r, param))
				if err != nil {
					httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+param)
					return
				}
				objectID = &id
			}

			decision, err := m.Engine.CheckPermission(r.Context(), userID, action, objectType, objectID)
			switch {
			case errors.Is(err, ErrUserNotFound):
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
				return
			case err != nil:
				m.logger().Error("rbac require", slog.String("user_id", userID.String()),
					slog.String("permission", PermissionName(action, objectType)), slog.Any("error", err))
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}
			if !decision.Granted {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing "+PermissionName(action, objectType))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
