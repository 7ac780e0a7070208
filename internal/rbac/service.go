package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Service applies guarded mutations to the RBAC tables. Every mutation
// commits first and then invalidates the decision cache before returning.
type Service struct {
	store  Store
	engine *Engine
	logger *slog.Logger
}

// NewService constructs a Service.
func NewService(store Store, engine *Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, engine: engine, logger: logger}
}

// Engine returns the resolver the service keeps coherent.
func (s *Service) Engine() *Engine {
	return s.engine
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id uuid.UUID) (Role, error) {
	return s.store.GetRole(ctx, id)
}

// ListPermissions returns the stored permission catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// ListRolePermissions returns the direct grants of a role.
func (s *Service) ListRolePermissions(ctx context.Context, roleID uuid.UUID) ([]Permission, error) {
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	return s.store.ListRolePermissions(ctx, roleID)
}

// GetObjectPermission fetches one object grant.
func (s *Service) GetObjectPermission(ctx context.Context, id uuid.UUID) (ObjectPermission, error) {
	return s.store.GetObjectPermission(ctx, id)
}

// ListObjectPermissions lists object grants matching filter.
func (s *Service) ListObjectPermissions(ctx context.Context, filter ObjectPermissionFilter) ([]ObjectPermission, error) {
	return s.store.ListObjectPermissions(ctx, filter)
}

// CreateRole inserts a role, optionally below an existing parent.
func (s *Service) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	if in.Name == "" {
		return Role{}, ErrRoleNameRequired
	}
	var created Role
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if in.ParentID != nil {
			if err := tx.LockHierarchy(ctx); err != nil {
				return err
			}
			if _, err := resolveHierarchy(ctx, tx, *in.ParentID); err != nil {
				return err
			}
		}
		role, err := tx.CreateRole(ctx, in)
		if err != nil {
			return err
		}
		created = role
		return nil
	})
	return created, err
}

// UpdateRole changes a role's name, description or parent. A new parent is
// rejected when the role already appears on the parent's chain.
func (s *Service) UpdateRole(ctx context.Context, id uuid.UUID, upd RoleUpdate) (Role, error) {
	var updated Role
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if upd.ParentSet {
			if err := tx.LockHierarchy(ctx); err != nil {
				return err
			}
		}
		role, err := tx.GetRole(ctx, id)
		if err != nil {
			return err
		}
		if role.IsSystem {
			return ErrSystemRoleImmutable
		}

		name, description := role.Name, role.Description
		if upd.Name != nil {
			name = strings.TrimSpace(*upd.Name)
			if name == "" {
				return ErrRoleNameRequired
			}
		}
		if upd.Description != nil {
			description = strings.TrimSpace(*upd.Description)
		}

		if upd.ParentSet {
			if upd.ParentID != nil {
				if err := checkProposedParent(ctx, tx, id, *upd.ParentID); err != nil {
					return err
				}
			}
			if err := tx.SetRoleParent(ctx, id, upd.ParentID); err != nil {
				return err
			}
		}
		updated, err = tx.UpdateRole(ctx, id, name, description)
		return err
	})
	if err != nil {
		return Role{}, err
	}
	s.invalidateRole(ctx, id)
	return updated, nil
}

// DeleteRole removes a custom role no user holds. Children are detached
// and become roots.
func (s *Service) DeleteRole(ctx context.Context, id uuid.UUID) error {
	var affected []uuid.UUID
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if err := tx.LockHierarchy(ctx); err != nil {
			return err
		}
		role, err := tx.GetRole(ctx, id)
		if err != nil {
			return err
		}
		if role.IsSystem {
			return ErrSystemRoleImmutable
		}
		users, err := tx.CountUsersWithRole(ctx, id)
		if err != nil {
			return err
		}
		if users > 0 {
			return fmt.Errorf("%w: %d users", ErrRoleInUse, users)
		}
		// Collected before the delete detaches the children.
		affected, err = collectDescendants(ctx, tx, id)
		if err != nil {
			return err
		}
		return tx.DeleteRole(ctx, id)
	})
	if err != nil {
		return err
	}
	s.engine.evictRoles(ctx, affected)
	return nil
}

// AddRolePermission grants a permission directly to a custom role.
func (s *Service) AddRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if err := s.mutableRole(ctx, tx, roleID); err != nil {
			return err
		}
		if _, err := tx.GetPermission(ctx, permissionID); err != nil {
			return err
		}
		return tx.AddRolePermission(ctx, roleID, permissionID)
	})
	if err != nil {
		return err
	}
	s.invalidateRole(ctx, roleID)
	return nil
}

// RemoveRolePermission revokes a direct grant from a custom role.
func (s *Service) RemoveRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if err := s.mutableRole(ctx, tx, roleID); err != nil {
			return err
		}
		if _, err := tx.GetPermission(ctx, permissionID); err != nil {
			return err
		}
		return tx.RemoveRolePermission(ctx, roleID, permissionID)
	})
	if err != nil {
		return err
	}
	s.invalidateRole(ctx, roleID)
	return nil
}

// SetRolePermissions replaces the direct grants of a custom role.
func (s *Service) SetRolePermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) error {
	unique := make([]uuid.UUID, 0, len(permissionIDs))
	seen := make(map[uuid.UUID]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if err := s.mutableRole(ctx, tx, roleID); err != nil {
			return err
		}
		for _, id := range unique {
			if _, err := tx.GetPermission(ctx, id); err != nil {
				return err
			}
		}
		return tx.ReplaceRolePermissions(ctx, roleID, unique)
	})
	if err != nil {
		return err
	}
	s.invalidateRole(ctx, roleID)
	return nil
}

// EnsurePermission upserts one catalog permission.
func (s *Service) EnsurePermission(ctx context.Context, action Action, objectType ObjectType, description string) (Permission, error) {
	if !action.Valid() {
		return Permission{}, ErrInvalidAction
	}
	if !objectType.Valid() {
		return Permission{}, ErrInvalidObjectType
	}
	entry := CatalogEntry{Name: PermissionName(action, objectType), Action: action, ObjectType: objectType}
	var perm Permission
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		var err error
		perm, err = tx.EnsurePermission(ctx, entry, strings.TrimSpace(description))
		return err
	})
	return perm, err
}

// SyncCatalog upserts every catalog permission in one transaction.
func (s *Service) SyncCatalog(ctx context.Context) (int, error) {
	entries := Catalog()
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		for _, entry := range entries {
			description := fmt.Sprintf("Can %s %s", strings.ReplaceAll(string(entry.Action), "_", " "), strings.ReplaceAll(string(entry.ObjectType), "_", " "))
			if _, err := tx.EnsurePermission(ctx, entry, description); err != nil {
				return fmt.Errorf("ensure %s: %w", entry.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// GrantObjectPermission grants one action on one object to a person or a
// group.
func (s *Service) GrantObjectPermission(ctx context.Context, in ObjectGrantInput) (ObjectPermission, error) {
	if (in.PersonID == nil) == (in.GroupID == nil) {
		return ObjectPermission{}, ErrInvalidPrincipal
	}
	if !in.Action.Valid() {
		return ObjectPermission{}, ErrInvalidAction
	}
	if !in.ObjectType.Valid() {
		return ObjectPermission{}, ErrInvalidObjectType
	}
	var grant ObjectPermission
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if in.GroupID != nil {
			if _, err := tx.GetGroup(ctx, *in.GroupID); err != nil {
				return err
			}
		}
		var err error
		grant, err = tx.CreateObjectPermission(ctx, in)
		return err
	})
	if err != nil {
		return ObjectPermission{}, err
	}
	s.invalidateGrantee(ctx, grant)
	return grant, nil
}

// RevokeObjectPermission deletes an object grant.
func (s *Service) RevokeObjectPermission(ctx context.Context, id uuid.UUID) (ObjectPermission, error) {
	var grant ObjectPermission
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		var err error
		grant, err = tx.GetObjectPermission(ctx, id)
		if err != nil {
			return err
		}
		return tx.DeleteObjectPermission(ctx, id)
	})
	if err != nil {
		return ObjectPermission{}, err
	}
	s.invalidateGrantee(ctx, grant)
	return grant, nil
}

// AddGroupMember adds a person to a group.
func (s *Service) AddGroupMember(ctx context.Context, groupID, personID uuid.UUID) error {
	return s.changeMembership(ctx, groupID, personID, TxStore.AddGroupMember)
}

// RemoveGroupMember removes a person from a group.
func (s *Service) RemoveGroupMember(ctx context.Context, groupID, personID uuid.UUID) error {
	return s.changeMembership(ctx, groupID, personID, TxStore.RemoveGroupMember)
}

func (s *Service) changeMembership(ctx context.Context, groupID, personID uuid.UUID, apply func(TxStore, context.Context, uuid.UUID, uuid.UUID) error) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if _, err := tx.GetGroup(ctx, groupID); err != nil {
			return err
		}
		return apply(tx, ctx, groupID, personID)
	})
	if err != nil {
		return err
	}
	if err := s.engine.InvalidateGroupMembers(ctx, groupID); err != nil {
		s.logger.Error("rbac: group fan-out failed", slog.String("group_id", groupID.String()), slog.Any("error", err))
	}
	s.invalidatePerson(ctx, personID)
	return nil
}

// AssignUserRole moves a user to another role.
func (s *Service) AssignUserRole(ctx context.Context, userID, roleID uuid.UUID) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		if _, err := tx.GetRole(ctx, roleID); err != nil {
			return err
		}
		return tx.SetUserRole(ctx, userID, roleID)
	})
	if err != nil {
		return err
	}
	s.engine.InvalidateUserCache(ctx, userID)
	return nil
}

// SetUserActive enables or disables a user. Inactive users fail every check.
func (s *Service) SetUserActive(ctx context.Context, userID uuid.UUID, active bool) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		return tx.SetUserActive(ctx, userID, active)
	})
	if err != nil {
		return err
	}
	s.engine.InvalidateUserCache(ctx, userID)
	return nil
}

func (s *Service) mutableRole(ctx context.Context, tx TxStore, roleID uuid.UUID) error {
	role, err := tx.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrSystemRoleImmutable
	}
	return nil
}

// The mutation is already committed here; a failed invalidation has purged
// the cache, so it is logged rather than returned.
func (s *Service) invalidateRole(ctx context.Context, roleID uuid.UUID) {
	if err := s.engine.InvalidateRoleCache(ctx, roleID); err != nil {
		s.logger.Error("rbac: role cascade failed", slog.String("role_id", roleID.String()), slog.Any("error", err))
	}
}

func (s *Service) invalidateGrantee(ctx context.Context, grant ObjectPermission) {
	switch {
	case grant.PersonID != nil:
		s.invalidatePerson(ctx, *grant.PersonID)
	case grant.GroupID != nil:
		if err := s.engine.InvalidateGroupMembers(ctx, *grant.GroupID); err != nil {
			s.logger.Error("rbac: group fan-out failed", slog.String("group_id", grant.GroupID.String()), slog.Any("error", err))
		}
	}
}

func (s *Service) invalidatePerson(ctx context.Context, personID uuid.UUID) {
	userIDs, err := s.store.UserIDsForPerson(ctx, personID)
	if err != nil {
		s.logger.Error("rbac: person lookup failed, purging cache", slog.String("person_id", personID.String()), slog.Any("error", err))
		s.engine.PurgeCache(ctx)
		return
	}
	s.engine.evictUsers(ctx, userIDs)
}
