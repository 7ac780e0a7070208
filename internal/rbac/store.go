package rbac

import (
	"context"

	"github.com/google/uuid"
)

// Reader exposes single-entity lookups usable both inside and outside a
// transaction. Missing rows are reported with the matching not-found error.
type Reader interface {
	GetRole(ctx context.Context, id uuid.UUID) (Role, error)
	ListChildRoleIDs(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
	GetUser(ctx context.Context, id uuid.UUID) (User, error)
	GetPermission(ctx context.Context, id uuid.UUID) (Permission, error)
	GetGroup(ctx context.Context, id uuid.UUID) (Group, error)
	GetObjectPermission(ctx context.Context, id uuid.UUID) (ObjectPermission, error)
}

// Store is the relational store the engine resolves against. The engine
// holds no authoritative copy of any of this data.
type Store interface {
	Reader

	// RolesGranting returns the subset of roleIDs holding a direct grant for
	// (action, objectType).
	RolesGranting(ctx context.Context, roleIDs []uuid.UUID, action Action, objectType ObjectType) ([]uuid.UUID, error)
	ListRolePermissions(ctx context.Context, roleID uuid.UUID) ([]Permission, error)
	ListGroupIDsForPerson(ctx context.Context, personID uuid.UUID) ([]uuid.UUID, error)
	FindObjectGrants(ctx context.Context, q ObjectGrantQuery) ([]ObjectPermission, error)
	ListGroupMemberUserIDs(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error)
	UserIDsForPerson(ctx context.Context, personID uuid.UUID) ([]uuid.UUID, error)

	ListRoles(ctx context.Context) ([]Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	ListObjectPermissions(ctx context.Context, filter ObjectPermissionFilter) ([]ObjectPermission, error)

	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
}

// TxStore carries the write side, only reachable inside Store.WithTx.
type TxStore interface {
	Reader

	// LockHierarchy serialises parent edits for the rest of the transaction
	// so that two concurrent re-parentings cannot close a cycle together.
	LockHierarchy(ctx context.Context) error
	CreateRole(ctx context.Context, in RoleInput) (Role, error)
	UpdateRole(ctx context.Context, id uuid.UUID, name, description string) (Role, error)
	SetRoleParent(ctx context.Context, id uuid.UUID, parentID *uuid.UUID) error
	DeleteRole(ctx context.Context, id uuid.UUID) error
	CountUsersWithRole(ctx context.Context, roleID uuid.UUID) (int, error)

	AddRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) error
	RemoveRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) error
	ReplaceRolePermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) error
	EnsurePermission(ctx context.Context, entry CatalogEntry, description string) (Permission, error)

	CreateObjectPermission(ctx context.Context, in ObjectGrantInput) (ObjectPermission, error)
	DeleteObjectPermission(ctx context.Context, id uuid.UUID) error

	AddGroupMember(ctx context.Context, groupID, personID uuid.UUID) error
	RemoveGroupMember(ctx context.Context, groupID, personID uuid.UUID) error

	SetUserRole(ctx context.Context, userID, roleID uuid.UUID) error
	SetUserActive(ctx context.Context, userID uuid.UUID, active bool) error
}
