package rbac

import (
	"time"

	"github.com/google/uuid"
)

// Role represents a named bundle of permissions. Roles form a forest through
// ParentID; a role inherits every permission granted to its ancestors.
type Role struct {
	ID          uuid.UUID
	Name        string
	Description string
	ParentID    *uuid.UUID
	IsSystem    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsRoot reports whether the role has no parent.
func (r Role) IsRoot() bool {
	return r.ParentID == nil
}

// Permission represents an atomic (action, object type) capability.
type Permission struct {
	ID          uuid.UUID
	Name        string
	Action      Action
	ObjectType  ObjectType
	Description string
}

// RolePermission is a direct grant of one permission to one role. Inherited
// grants are never stored.
type RolePermission struct {
	RoleID       uuid.UUID
	PermissionID uuid.UUID
	CreatedAt    time.Time
}

// User links an account to a person and exactly one role.
type User struct {
	ID       uuid.UUID
	PersonID uuid.UUID
	RoleID   uuid.UUID
	IsActive bool
}

// Group is a named set of people.
type Group struct {
	ID   uuid.UUID
	Name string
}

// ObjectPermission grants one action on one object instance to either a
// person or a group. Exactly one of PersonID and GroupID is set.
type ObjectPermission struct {
	ID         uuid.UUID
	PersonID   *uuid.UUID
	GroupID    *uuid.UUID
	GroupName  string
	ObjectType ObjectType
	ObjectID   uuid.UUID
	Action     Action
	GrantedBy  *uuid.UUID
	CreatedAt  time.Time
}

// Reason explains how a decision was reached.
type Reason string

const (
	// ReasonRoleInherited marks a grant found on the user's role chain.
	ReasonRoleInherited Reason = "role_inherited"
	// ReasonObjectPerson marks a grant made to the user's person on the object.
	ReasonObjectPerson Reason = "object_person"
	// ReasonObjectGroup marks a grant made to one of the person's groups.
	ReasonObjectGroup Reason = "object_group"
	// ReasonNoMatchingGrant marks a denial.
	ReasonNoMatchingGrant Reason = "no_matching_grant"
)

// Decision is the outcome of a permission check. Path lists role names from
// the user's role up to the granting role for role grants, or the granting
// group's name for group grants. It is diagnostic only.
type Decision struct {
	Granted bool     `json:"granted"`
	Reason  Reason   `json:"reason"`
	Path    []string `json:"path"`
}

func (d Decision) clone() Decision {
	out := d
	out.Path = append(make([]string, 0, len(d.Path)), d.Path...)
	return out
}

func denied() Decision {
	return Decision{Granted: false, Reason: ReasonNoMatchingGrant, Path: []string{}}
}

// EffectivePermission is a permission a user holds through their role chain.
type EffectivePermission struct {
	Action     Action     `json:"action"`
	ObjectType ObjectType `json:"object_type"`
	RoleID     uuid.UUID  `json:"role_id"`
	RoleName   string     `json:"role_name"`
	Inherited  bool       `json:"inherited"`
}

// RoleInput describes a role to create.
type RoleInput struct {
	Name        string
	Description string
	ParentID    *uuid.UUID
	IsSystem    bool
}

// RoleUpdate describes a partial role update. ParentSet distinguishes "leave
// the parent alone" from "clear the parent" when ParentID is nil.
type RoleUpdate struct {
	Name        *string
	Description *string
	ParentSet   bool
	ParentID    *uuid.UUID
}

// ObjectGrantInput describes an object permission to create.
type ObjectGrantInput struct {
	PersonID   *uuid.UUID
	GroupID    *uuid.UUID
	ObjectType ObjectType
	ObjectID   uuid.UUID
	Action     Action
	GrantedBy  *uuid.UUID
}

// ObjectGrantQuery selects object permissions matching one object and action
// for a person or any of the given groups.
type ObjectGrantQuery struct {
	PersonID   uuid.UUID
	GroupIDs   []uuid.UUID
	ObjectType ObjectType
	ObjectID   uuid.UUID
	Action     Action
}

// ObjectPermissionFilter narrows object permission listings.
type ObjectPermissionFilter struct {
	ObjectType *ObjectType
	ObjectID   *uuid.UUID
	PersonID   *uuid.UUID
	GroupID    *uuid.UUID
	Action     *Action
	Limit      int
	Offset     int
}
