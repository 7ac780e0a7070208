package rbac

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCreateRole(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	parent := f.role("Editor", nil, true)

	role, err := f.service.CreateRole(ctx, RoleInput{Name: "  Regional  ", Description: " east ", ParentID: ptr(parent.ID)})
	require.NoError(t, err)
	require.Equal(t, "Regional", role.Name)
	require.Equal(t, "east", role.Description)
	require.Equal(t, parent.ID, *role.ParentID)

	_, err = f.service.CreateRole(ctx, RoleInput{Name: "Regional"})
	require.ErrorIs(t, err, ErrRoleNameTaken)
	_, err = f.service.CreateRole(ctx, RoleInput{Name: "   "})
	require.ErrorIs(t, err, ErrRoleNameRequired)
	_, err = f.service.CreateRole(ctx, RoleInput{Name: "Dangling", ParentID: ptr(uuid.New())})
	require.ErrorIs(t, err, ErrRoleNotFound)
}

func TestUpdateRoleRejectsCycles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	root := f.role("Root", nil, false)
	mid := f.role("Mid", &root, false)
	leaf := f.role("Leaf", &mid, false)

	_, err := f.service.UpdateRole(ctx, root.ID, RoleUpdate{ParentSet: true, ParentID: ptr(leaf.ID)})
	require.ErrorIs(t, err, ErrCyclicHierarchy)
	_, err = f.service.UpdateRole(ctx, mid.ID, RoleUpdate{ParentSet: true, ParentID: ptr(mid.ID)})
	require.ErrorIs(t, err, ErrCyclicHierarchy)

	stored, err := f.service.GetRole(ctx, root.ID)
	require.NoError(t, err)
	require.Nil(t, stored.ParentID)
	stored, err = f.service.GetRole(ctx, mid.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ParentID)
	require.Equal(t, root.ID, *stored.ParentID)
	stored, err = f.service.GetRole(ctx, leaf.ID)
	require.NoError(t, err)
	require.Equal(t, mid.ID, *stored.ParentID)
}

func TestUpdateRoleReparentCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	granting := f.role("Granting", nil, false)
	f.grant(granting, ActionEdit, ObjectContract)
	plain := f.role("Plain", nil, false)
	child := f.role("Child", &plain, false)
	u := f.user(child)
	require.False(t, f.check(t, u, ActionEdit, ObjectContract, nil).Granted)

	updated, err := f.service.UpdateRole(ctx, plain.ID, RoleUpdate{ParentSet: true, ParentID: ptr(granting.ID)})
	require.NoError(t, err)
	require.Equal(t, granting.ID, *updated.ParentID)

	got := f.check(t, u, ActionEdit, ObjectContract, nil)
	require.Equal(t, []string{"Child", "Plain", "Granting"}, got.Path)

	_, err = f.service.UpdateRole(ctx, plain.ID, RoleUpdate{ParentSet: true})
	require.NoError(t, err)
	require.False(t, f.check(t, u, ActionEdit, ObjectContract, nil).Granted)
}

func TestUpdateRoleRenameRefreshesPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	role := f.role("Editor", nil, false)
	f.grant(role, ActionView, ObjectRoom)
	u := f.user(role)
	require.Equal(t, []string{"Editor"}, f.check(t, u, ActionView, ObjectRoom, nil).Path)

	_, err := f.service.UpdateRole(ctx, role.ID, RoleUpdate{Name: ptr("Room Editor")})
	require.NoError(t, err)

	require.Equal(t, []string{"Room Editor"}, f.check(t, u, ActionView, ObjectRoom, nil).Path)
}

func TestSystemRolesAreImmutable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	admin := f.role("Admin", nil, true)
	perm := f.store.PutPermission(ActionView, ObjectDevice)

	_, err := f.service.UpdateRole(ctx, admin.ID, RoleUpdate{Name: ptr("Root")})
	require.ErrorIs(t, err, ErrSystemRoleImmutable)
	require.ErrorIs(t, f.service.DeleteRole(ctx, admin.ID), ErrSystemRoleImmutable)
	require.ErrorIs(t, f.service.AddRolePermission(ctx, admin.ID, perm.ID), ErrSystemRoleImmutable)
	require.ErrorIs(t, f.service.SetRolePermissions(ctx, admin.ID, nil), ErrSystemRoleImmutable)
}

func TestDeleteRole(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	root := f.role("Root", nil, false)
	f.grant(root, ActionView, ObjectSoftware)
	mid := f.role("Mid", &root, false)
	leaf := f.role("Leaf", &mid, false)
	u := f.user(leaf)
	require.True(t, f.check(t, u, ActionView, ObjectSoftware, nil).Granted)

	err := f.service.DeleteRole(ctx, leaf.ID)
	require.ErrorIs(t, err, ErrRoleInUse)

	require.NoError(t, f.service.DeleteRole(ctx, root.ID))

	stored, err := f.service.GetRole(ctx, mid.ID)
	require.NoError(t, err)
	require.Nil(t, stored.ParentID)
	require.False(t, f.cached(u, ActionView, ObjectSoftware, nil))
	require.False(t, f.check(t, u, ActionView, ObjectSoftware, nil).Granted)

	require.ErrorIs(t, f.service.DeleteRole(ctx, root.ID), ErrRoleNotFound)
}

func TestRolePermissionLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	role := f.role("Custom", nil, false)
	view := f.store.PutPermission(ActionView, ObjectNetwork)
	edit := f.store.PutPermission(ActionEdit, ObjectNetwork)
	u := f.user(role)
	require.False(t, f.check(t, u, ActionView, ObjectNetwork, nil).Granted)

	require.NoError(t, f.service.AddRolePermission(ctx, role.ID, view.ID))
	require.True(t, f.check(t, u, ActionView, ObjectNetwork, nil).Granted)
	require.ErrorIs(t, f.service.AddRolePermission(ctx, role.ID, view.ID), ErrAssociationExists)
	require.ErrorIs(t, f.service.AddRolePermission(ctx, role.ID, uuid.New()), ErrPermissionNotFound)

	require.NoError(t, f.service.SetRolePermissions(ctx, role.ID, []uuid.UUID{edit.ID, edit.ID}))
	perms, err := f.service.ListRolePermissions(ctx, role.ID)
	require.NoError(t, err)
	require.Equal(t, []Permission{edit}, perms)
	require.False(t, f.check(t, u, ActionView, ObjectNetwork, nil).Granted)
	require.True(t, f.check(t, u, ActionEdit, ObjectNetwork, nil).Granted)

	require.ErrorIs(t, f.service.RemoveRolePermission(ctx, role.ID, view.ID), ErrAssociationNotFound)
	require.ErrorIs(t, f.service.SetRolePermissions(ctx, role.ID, []uuid.UUID{uuid.New()}), ErrPermissionNotFound)

	perms, err = f.service.ListRolePermissions(ctx, role.ID)
	require.NoError(t, err)
	require.Equal(t, []Permission{edit}, perms, "failed replace must roll back")
}

func TestSyncCatalogIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	n, err := f.service.SyncCatalog(ctx)
	require.NoError(t, err)
	require.Equal(t, len(Actions())*len(ObjectTypes()), n)

	first, err := f.service.ListPermissions(ctx)
	require.NoError(t, err)
	require.Len(t, first, n)

	_, err = f.service.SyncCatalog(ctx)
	require.NoError(t, err)
	second, err := f.service.ListPermissions(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)

	perm, err := f.service.EnsurePermission(ctx, ActionView, ObjectDevice, "")
	require.NoError(t, err)
	require.Equal(t, "device.view", perm.Name)

	_, err = f.service.EnsurePermission(ctx, Action("fly"), ObjectDevice, "")
	require.ErrorIs(t, err, ErrInvalidAction)
}

func TestGrantObjectPermissionValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	person := uuid.New()
	g := f.store.PutGroup("Ops")

	cases := []struct {
		name string
		in   ObjectGrantInput
		want error
	}{
		{"no principal", ObjectGrantInput{ObjectType: ObjectDevice, ObjectID: uuid.New(), Action: ActionView}, ErrInvalidPrincipal},
		{"both principals", ObjectGrantInput{PersonID: &person, GroupID: ptr(g.ID), ObjectType: ObjectDevice, ObjectID: uuid.New(), Action: ActionView}, ErrInvalidPrincipal},
		{"bad action", ObjectGrantInput{PersonID: &person, ObjectType: ObjectDevice, ObjectID: uuid.New(), Action: "fly"}, ErrInvalidAction},
		{"bad type", ObjectGrantInput{PersonID: &person, ObjectType: "boat", ObjectID: uuid.New(), Action: ActionView}, ErrInvalidObjectType},
		{"unknown group", ObjectGrantInput{GroupID: ptr(uuid.New()), ObjectType: ObjectDevice, ObjectID: uuid.New(), Action: ActionView}, ErrGroupNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.GrantObjectPermission(ctx, tc.in)
			require.ErrorIs(t, err, tc.want)
		})
	}

	in := ObjectGrantInput{GroupID: ptr(g.ID), ObjectType: ObjectDevice, ObjectID: uuid.New(), Action: ActionView}
	grant, err := f.service.GrantObjectPermission(ctx, in)
	require.NoError(t, err)
	require.Equal(t, "Ops", grant.GroupName)
	_, err = f.service.GrantObjectPermission(ctx, in)
	require.ErrorIs(t, err, ErrAssociationExists)

	_, err = f.service.RevokeObjectPermission(ctx, uuid.New())
	require.ErrorIs(t, err, ErrObjectGrantNotFound)
}

func TestRemoveGroupMemberRevokesAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	role := f.role("Nobody", nil, false)
	u := f.user(role)
	g := f.store.PutGroup("Net")
	obj := uuid.New()
	require.NoError(t, f.service.AddGroupMember(ctx, g.ID, u.PersonID))
	_, err := f.service.GrantObjectPermission(ctx, ObjectGrantInput{GroupID: ptr(g.ID), ObjectType: ObjectNetwork, ObjectID: obj, Action: ActionView})
	require.NoError(t, err)
	require.True(t, f.check(t, u, ActionView, ObjectNetwork, &obj).Granted)

	require.NoError(t, f.service.RemoveGroupMember(ctx, g.ID, u.PersonID))

	require.False(t, f.check(t, u, ActionView, ObjectNetwork, &obj).Granted)
	require.ErrorIs(t, f.service.RemoveGroupMember(ctx, g.ID, u.PersonID), ErrAssociationNotFound)
	require.ErrorIs(t, f.service.AddGroupMember(ctx, uuid.New(), u.PersonID), ErrGroupNotFound)
}

func TestGroupFanOutFailureDoesNotFailMutation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	role := f.role("R", nil, false)
	f.grant(role, ActionView, ObjectDevice)
	u := f.user(role)
	g := f.store.PutGroup("G")
	require.True(t, f.check(t, u, ActionView, ObjectDevice, nil).Granted)

	f.store.failMembers.Store(true)
	require.NoError(t, f.service.AddGroupMember(ctx, g.ID, uuid.New()))

	require.Zero(t, f.cache.Stats().Users)
	require.Equal(t, 1, f.pub.purges)
}

func TestAssignUserRoleValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.user(f.role("R", nil, false))

	require.ErrorIs(t, f.service.AssignUserRole(ctx, u.ID, uuid.New()), ErrRoleNotFound)
	require.ErrorIs(t, f.service.AssignUserRole(ctx, uuid.New(), u.RoleID), ErrUserNotFound)
	require.ErrorIs(t, f.service.SetUserActive(ctx, uuid.New(), true), ErrUserNotFound)
}
