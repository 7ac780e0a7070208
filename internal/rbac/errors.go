package rbac

import "errors"

// Domain errors reported by the engine and the mutation service.
var (
	ErrUserNotFound        = errors.New("rbac: user not found")
	ErrRoleNotFound        = errors.New("rbac: role not found")
	ErrPermissionNotFound  = errors.New("rbac: permission not found")
	ErrGroupNotFound       = errors.New("rbac: group not found")
	ErrObjectGrantNotFound = errors.New("rbac: object permission not found")

	// ErrSystemRoleImmutable rejects edits to built-in roles.
	ErrSystemRoleImmutable = errors.New("rbac: system role is immutable")
	// ErrCyclicHierarchy reports a parent chain that revisits a role, either
	// proposed by an edit or already present in the store.
	ErrCyclicHierarchy = errors.New("rbac: cyclic role hierarchy")
	// ErrAssociationNotFound rejects removal of a link that does not exist.
	ErrAssociationNotFound = errors.New("rbac: association not found")
	// ErrAssociationExists rejects a duplicate grant or membership.
	ErrAssociationExists = errors.New("rbac: association already exists")
	// ErrRoleInUse rejects deletion of a role still assigned to users.
	ErrRoleInUse = errors.New("rbac: role still assigned to users")

	ErrInvalidAction     = errors.New("rbac: invalid action")
	ErrInvalidObjectType = errors.New("rbac: invalid object type")
	ErrInvalidPrincipal  = errors.New("rbac: exactly one of person or group is required")
	ErrRoleNameRequired  = errors.New("rbac: role name required")
	ErrRoleNameTaken     = errors.New("rbac: role name already in use")
)
