package roles

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/moss-itam/moss/internal/rbac"
)

// roleView is the JSON shape of a role.
type roleView struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	ParentID    *uuid.UUID `json:"parent_id"`
	IsSystem    bool       `json:"is_system"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func toRoleView(r rbac.Role) roleView {
	return roleView{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		ParentID:    r.ParentID,
		IsSystem:    r.IsSystem,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func toRoleViews(roles []rbac.Role) []roleView {
	out := make([]roleView, 0, len(roles))
	for _, r := range roles {
		out = append(out, toRoleView(r))
	}
	return out
}

type roleNodeView struct {
	roleView
	Children []roleNodeView `json:"children"`
}

func toNodeViews(nodes []*rbac.RoleNode) []roleNodeView {
	out := make([]roleNodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, roleNodeView{roleView: toRoleView(n.Role), Children: toNodeViews(n.Children)})
	}
	return out
}

type hierarchyView struct {
	RoleID uuid.UUID  `json:"role_id"`
	Depth  int        `json:"depth"`
	Chain  []roleView `json:"chain"`
}

type createRoleRequest struct {
	Name        string  `json:"name" validate:"required,max=100"`
	Description string  `json:"description" validate:"max=500"`
	ParentID    *string `json:"parent_id" validate:"omitempty,uuid"`
}

// optionalID tells an absent field apart from an explicit null.
type optionalID struct {
	Set   bool
	Value *uuid.UUID
}

func (o *optionalID) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return err
	}
	o.Value = &id
	return nil
}

type updateRoleRequest struct {
	Name        *string    `json:"name" validate:"omitempty,min=1,max=100"`
	Description *string    `json:"description" validate:"omitempty,max=500"`
	ParentID    optionalID `json:"parent_id"`
}

func (req updateRoleRequest) toUpdate() rbac.RoleUpdate {
	return rbac.RoleUpdate{
		Name:        req.Name,
		Description: req.Description,
		ParentSet:   req.ParentID.Set,
		ParentID:    req.ParentID.Value,
	}
}

type setPermissionsRequest struct {
	PermissionIDs []string `json:"permission_ids" validate:"dive,uuid"`
}
