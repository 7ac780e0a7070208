package rbac

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. The rbac, roles and users tests run
// against it; production code uses PGStore.
// Transactions hold the write lock and roll back by restoring a snapshot.
type MemoryStore struct {
	mu          sync.RWMutex
	roles       map[uuid.UUID]Role
	permissions map[uuid.UUID]Permission
	rolePerms   map[uuid.UUID]map[uuid.UUID]time.Time
	users       map[uuid.UUID]User
	groups      map[uuid.UUID]Group
	members     map[uuid.UUID]map[uuid.UUID]struct{}
	objectPerms map[uuid.UUID]ObjectPermission
	now         func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:       make(map[uuid.UUID]Role),
		permissions: make(map[uuid.UUID]Permission),
		rolePerms:   make(map[uuid.UUID]map[uuid.UUID]time.Time),
		users:       make(map[uuid.UUID]User),
		groups:      make(map[uuid.UUID]Group),
		members:     make(map[uuid.UUID]map[uuid.UUID]struct{}),
		objectPerms: make(map[uuid.UUID]ObjectPermission),
		now:         time.Now,
	}
}

// PutRole inserts or replaces a role without any guard. A nil ID is assigned.
func (s *MemoryStore) PutRole(role Role) Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role.ID == uuid.Nil {
		role.ID = uuid.New()
	}
	if role.CreatedAt.IsZero() {
		role.CreatedAt = s.now()
		role.UpdatedAt = role.CreatedAt
	}
	s.roles[role.ID] = role
	return role
}

// PutPermission inserts the catalog permission for (action, objectType).
func (s *MemoryStore) PutPermission(action Action, objectType ObjectType) Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	perm, _ := s.ensurePermission(CatalogEntry{Name: PermissionName(action, objectType), Action: action, ObjectType: objectType}, "")
	return perm
}

// Grant links a permission to a role without any guard.
func (s *MemoryStore) Grant(roleID, permissionID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rolePerms[roleID] == nil {
		s.rolePerms[roleID] = make(map[uuid.UUID]time.Time)
	}
	s.rolePerms[roleID][permissionID] = s.now()
}

// PutUser inserts or replaces a user. Nil IDs are assigned.
func (s *MemoryStore) PutUser(user User) User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.PersonID == uuid.Nil {
		user.PersonID = uuid.New()
	}
	s.users[user.ID] = user
	return user
}

// PutGroup inserts a group.
func (s *MemoryStore) PutGroup(name string) Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	group := Group{ID: uuid.New(), Name: name}
	s.groups[group.ID] = group
	return group
}

// WithTx runs fn under the write lock and restores the prior state if fn
// fails.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	if err := fn(ctx, memoryTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *MemoryStore) GetRole(_ context.Context, id uuid.UUID) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRole(id)
}

func (s *MemoryStore) ListChildRoleIDs(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.childRoleIDs(id), nil
}

func (s *MemoryStore) GetUser(_ context.Context, id uuid.UUID) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getUser(id)
}

func (s *MemoryStore) GetPermission(_ context.Context, id uuid.UUID) (Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPermission(id)
}

func (s *MemoryStore) GetGroup(_ context.Context, id uuid.UUID) (Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getGroup(id)
}

func (s *MemoryStore) GetObjectPermission(_ context.Context, id uuid.UUID) (ObjectPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getObjectPermission(id)
}

func (s *MemoryStore) RolesGranting(_ context.Context, roleIDs []uuid.UUID, action Action, objectType ObjectType) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []uuid.UUID
	for _, roleID := range roleIDs {
		for permID := range s.rolePerms[roleID] {
			perm := s.permissions[permID]
			if perm.Action == action && perm.ObjectType == objectType {
				out = append(out, roleID)
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRolePermissions(_ context.Context, roleID uuid.UUID) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Permission, 0, len(s.rolePerms[roleID]))
	for permID := range s.rolePerms[roleID] {
		out = append(out, s.permissions[permID])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) ListGroupIDsForPerson(_ context.Context, personID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []uuid.UUID
	for groupID, people := range s.members {
		if _, ok := people[personID]; ok {
			out = append(out, groupID)
		}
	}
	return out, nil
}

func (s *MemoryStore) FindObjectGrants(_ context.Context, q ObjectGrantQuery) ([]ObjectPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := make(map[uuid.UUID]struct{}, len(q.GroupIDs))
	for _, id := range q.GroupIDs {
		groups[id] = struct{}{}
	}
	var out []ObjectPermission
	for _, grant := range s.objectPerms {
		if grant.ObjectType != q.ObjectType || grant.ObjectID != q.ObjectID || grant.Action != q.Action {
			continue
		}
		switch {
		case grant.PersonID != nil && *grant.PersonID == q.PersonID:
			out = append(out, grant)
		case grant.GroupID != nil:
			if _, ok := groups[*grant.GroupID]; ok {
				out = append(out, s.withGroupName(grant))
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ListGroupMemberUserIDs(_ context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	people := s.members[groupID]
	var out []uuid.UUID
	for _, user := range s.users {
		if _, ok := people[user.PersonID]; ok {
			out = append(out, user.ID)
		}
	}
	return out, nil
}

func (s *MemoryStore) UserIDsForPerson(_ context.Context, personID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []uuid.UUID
	for _, user := range s.users {
		if user.PersonID == personID {
			out = append(out, user.ID)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRoles(_ context.Context) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Role, 0, len(s.roles))
	for _, role := range s.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) ListPermissions(_ context.Context) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Permission, 0, len(s.permissions))
	for _, perm := range s.permissions {
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) ListObjectPermissions(_ context.Context, filter ObjectPermissionFilter) ([]ObjectPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ObjectPermission
	for _, grant := range s.objectPerms {
		if filter.ObjectType != nil && grant.ObjectType != *filter.ObjectType {
			continue
		}
		if filter.ObjectID != nil && grant.ObjectID != *filter.ObjectID {
			continue
		}
		if filter.Action != nil && grant.Action != *filter.Action {
			continue
		}
		if filter.PersonID != nil && (grant.PersonID == nil || *grant.PersonID != *filter.PersonID) {
			continue
		}
		if filter.GroupID != nil && (grant.GroupID == nil || *grant.GroupID != *filter.GroupID) {
			continue
		}
		out = append(out, s.withGroupName(grant))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) getRole(id uuid.UUID) (Role, error) {
	role, ok := s.roles[id]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	return role, nil
}

func (s *MemoryStore) childRoleIDs(id uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	for _, role := range s.roles {
		if role.ParentID != nil && *role.ParentID == id {
			out = append(out, role.ID)
		}
	}
	return out
}

func (s *MemoryStore) getUser(id uuid.UUID) (User, error) {
	user, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (s *MemoryStore) getPermission(id uuid.UUID) (Permission, error) {
	perm, ok := s.permissions[id]
	if !ok {
		return Permission{}, ErrPermissionNotFound
	}
	return perm, nil
}

func (s *MemoryStore) getGroup(id uuid.UUID) (Group, error) {
	group, ok := s.groups[id]
	if !ok {
		return Group{}, ErrGroupNotFound
	}
	return group, nil
}

func (s *MemoryStore) getObjectPermission(id uuid.UUID) (ObjectPermission, error) {
	grant, ok := s.objectPerms[id]
	if !ok {
		return ObjectPermission{}, ErrObjectGrantNotFound
	}
	return s.withGroupName(grant), nil
}

func (s *MemoryStore) withGroupName(grant ObjectPermission) ObjectPermission {
	if grant.GroupID != nil {
		grant.GroupName = s.groups[*grant.GroupID].Name
	}
	return grant
}

func (s *MemoryStore) ensurePermission(entry CatalogEntry, description string) (Permission, error) {
	for id, perm := range s.permissions {
		if perm.Action == entry.Action && perm.ObjectType == entry.ObjectType {
			if description != "" {
				perm.Description = description
				s.permissions[id] = perm
			}
			return perm, nil
		}
	}
	perm := Permission{ID: uuid.New(), Name: entry.Name, Action: entry.Action, ObjectType: entry.ObjectType, Description: description}
	s.permissions[perm.ID] = perm
	return perm, nil
}

type memorySnapshot struct {
	roles       map[uuid.UUID]Role
	permissions map[uuid.UUID]Permission
	rolePerms   map[uuid.UUID]map[uuid.UUID]time.Time
	users       map[uuid.UUID]User
	groups      map[uuid.UUID]Group
	members     map[uuid.UUID]map[uuid.UUID]struct{}
	objectPerms map[uuid.UUID]ObjectPermission
}

func (s *MemoryStore) snapshot() memorySnapshot {
	snap := memorySnapshot{
		roles:       copyMap(s.roles),
		permissions: copyMap(s.permissions),
		rolePerms:   make(map[uuid.UUID]map[uuid.UUID]time.Time, len(s.rolePerms)),
		users:       copyMap(s.users),
		groups:      copyMap(s.groups),
		members:     make(map[uuid.UUID]map[uuid.UUID]struct{}, len(s.members)),
		objectPerms: copyMap(s.objectPerms),
	}
	for k, v := range s.rolePerms {
		snap.rolePerms[k] = copyMap(v)
	}
	for k, v := range s.members {
		snap.members[k] = copyMap(v)
	}
	return snap
}

func (s *MemoryStore) restore(snap memorySnapshot) {
	s.roles = snap.roles
	s.permissions = snap.permissions
	s.rolePerms = snap.rolePerms
	s.users = snap.users
	s.groups = snap.groups
	s.members = snap.members
	s.objectPerms = snap.objectPerms
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// memoryTx runs with the store's write lock already held.
type memoryTx struct {
	s *MemoryStore
}

func (t memoryTx) GetRole(_ context.Context, id uuid.UUID) (Role, error) {
	return t.s.getRole(id)
}

func (t memoryTx) ListChildRoleIDs(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	return t.s.childRoleIDs(id), nil
}

func (t memoryTx) GetUser(_ context.Context, id uuid.UUID) (User, error) {
	return t.s.getUser(id)
}

func (t memoryTx) GetPermission(_ context.Context, id uuid.UUID) (Permission, error) {
	return t.s.getPermission(id)
}

func (t memoryTx) GetGroup(_ context.Context, id uuid.UUID) (Group, error) {
	return t.s.getGroup(id)
}

func (t memoryTx) GetObjectPermission(_ context.Context, id uuid.UUID) (ObjectPermission, error) {
	return t.s.getObjectPermission(id)
}

// LockHierarchy is a no-op: the transaction already holds the write lock.
func (t memoryTx) LockHierarchy(context.Context) error {
	return nil
}

func (t memoryTx) CreateRole(_ context.Context, in RoleInput) (Role, error) {
	for _, existing := range t.s.roles {
		if existing.Name == in.Name {
			return Role{}, ErrRoleNameTaken
		}
	}
	now := t.s.now()
	role := Role{
		ID:          uuid.New(),
		Name:        in.Name,
		Description: in.Description,
		ParentID:    in.ParentID,
		IsSystem:    in.IsSystem,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	t.s.roles[role.ID] = role
	return role, nil
}

func (t memoryTx) UpdateRole(_ context.Context, id uuid.UUID, name, description string) (Role, error) {
	role, err := t.s.getRole(id)
	if err != nil {
		return Role{}, err
	}
	for _, existing := range t.s.roles {
		if existing.ID != id && existing.Name == name {
			return Role{}, ErrRoleNameTaken
		}
	}
	role.Name = name
	role.Description = description
	role.UpdatedAt = t.s.now()
	t.s.roles[id] = role
	return role, nil
}

func (t memoryTx) SetRoleParent(_ context.Context, id uuid.UUID, parentID *uuid.UUID) error {
	role, err := t.s.getRole(id)
	if err != nil {
		return err
	}
	if parentID != nil {
		if _, err := t.s.getRole(*parentID); err != nil {
			return err
		}
		p := *parentID
		parentID = &p
	}
	role.ParentID = parentID
	role.UpdatedAt = t.s.now()
	t.s.roles[id] = role
	return nil
}

func (t memoryTx) DeleteRole(_ context.Context, id uuid.UUID) error {
	if _, err := t.s.getRole(id); err != nil {
		return err
	}
	for _, user := range t.s.users {
		if user.RoleID == id {
			return ErrRoleInUse
		}
	}
	for childID, child := range t.s.roles {
		if child.ParentID != nil && *child.ParentID == id {
			child.ParentID = nil
			t.s.roles[childID] = child
		}
	}
	delete(t.s.roles, id)
	delete(t.s.rolePerms, id)
	return nil
}

func (t memoryTx) CountUsersWithRole(_ context.Context, roleID uuid.UUID) (int, error) {
	n := 0
	for _, user := range t.s.users {
		if user.RoleID == roleID {
			n++
		}
	}
	return n, nil
}

func (t memoryTx) AddRolePermission(_ context.Context, roleID, permissionID uuid.UUID) error {
	if _, ok := t.s.rolePerms[roleID][permissionID]; ok {
		return ErrAssociationExists
	}
	if t.s.rolePerms[roleID] == nil {
		t.s.rolePerms[roleID] = make(map[uuid.UUID]time.Time)
	}
	t.s.rolePerms[roleID][permissionID] = t.s.now()
	return nil
}

func (t memoryTx) RemoveRolePermission(_ context.Context, roleID, permissionID uuid.UUID) error {
	if _, ok := t.s.rolePerms[roleID][permissionID]; !ok {
		return ErrAssociationNotFound
	}
	delete(t.s.rolePerms[roleID], permissionID)
	return nil
}

func (t memoryTx) ReplaceRolePermissions(_ context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) error {
	now := t.s.now()
	next := make(map[uuid.UUID]time.Time, len(permissionIDs))
	for _, id := range permissionIDs {
		if at, ok := t.s.rolePerms[roleID][id]; ok {
			next[id] = at
			continue
		}
		next[id] = now
	}
	t.s.rolePerms[roleID] = next
	return nil
}

func (t memoryTx) EnsurePermission(_ context.Context, entry CatalogEntry, description string) (Permission, error) {
	return t.s.ensurePermission(entry, description)
}

func (t memoryTx) CreateObjectPermission(_ context.Context, in ObjectGrantInput) (ObjectPermission, error) {
	for _, existing := range t.s.objectPerms {
		if existing.ObjectType != in.ObjectType || existing.ObjectID != in.ObjectID || existing.Action != in.Action {
			continue
		}
		if samePrincipal(existing.PersonID, in.PersonID) && samePrincipal(existing.GroupID, in.GroupID) {
			return ObjectPermission{}, ErrAssociationExists
		}
	}
	grant := ObjectPermission{
		ID:         uuid.New(),
		PersonID:   in.PersonID,
		GroupID:    in.GroupID,
		ObjectType: in.ObjectType,
		ObjectID:   in.ObjectID,
		Action:     in.Action,
		GrantedBy:  in.GrantedBy,
		CreatedAt:  t.s.now(),
	}
	t.s.objectPerms[grant.ID] = grant
	return t.s.withGroupName(grant), nil
}

func (t memoryTx) DeleteObjectPermission(_ context.Context, id uuid.UUID) error {
	if _, ok := t.s.objectPerms[id]; !ok {
		return ErrObjectGrantNotFound
	}
	delete(t.s.objectPerms, id)
	return nil
}

func (t memoryTx) AddGroupMember(_ context.Context, groupID, personID uuid.UUID) error {
	if _, ok := t.s.members[groupID][personID]; ok {
		return ErrAssociationExists
	}
	if t.s.members[groupID] == nil {
		t.s.members[groupID] = make(map[uuid.UUID]struct{})
	}
	t.s.members[groupID][personID] = struct{}{}
	return nil
}

func (t memoryTx) RemoveGroupMember(_ context.Context, groupID, personID uuid.UUID) error {
	if _, ok := t.s.members[groupID][personID]; !ok {
		return ErrAssociationNotFound
	}
	delete(t.s.members[groupID], personID)
	return nil
}

func (t memoryTx) SetUserRole(_ context.Context, userID, roleID uuid.UUID) error {
	user, err := t.s.getUser(userID)
	if err != nil {
		return err
	}
	user.RoleID = roleID
	t.s.users[userID] = user
	return nil
}

func (t memoryTx) SetUserActive(_ context.Context, userID uuid.UUID, active bool) error {
	user, err := t.s.getUser(userID)
	if err != nil {
		return err
	}
	user.IsActive = active
	t.s.users[userID] = user
	return nil
}

func samePrincipal(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// PutMember adds a person to a group without any guard.
func (s *MemoryStore) PutMember(groupID, personID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[groupID] == nil {
		s.members[groupID] = make(map[uuid.UUID]struct{})
	}
	s.members[groupID][personID] = struct{}{}
}
