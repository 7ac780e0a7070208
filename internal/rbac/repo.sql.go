package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/moss-itam/moss/internal/platform/db"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	// Key for pg_advisory_xact_lock serialising parent edits.
	hierarchyLockKey int64 = 0x6d6f737372626163
)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	pgQueries
	pool *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

// NewPGStore constructs a store backed by pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pgQueries: pgQueries{db: pool}, pool: pool}
}

// WithTx runs fn in a read-committed transaction. LockHierarchy inside it
// makes later reads observe every committed parent edit.
func (s *PGStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return db.WithTxLevel(ctx, s.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, pgQueries{db: tx})
	})
}

// pgQueries carries every statement; it runs against the pool or a tx.
type pgQueries struct {
	db dbtx
}

const roleColumns = `id, role_name, description, parent_role_id, is_system_role, created_at, updated_at`

func scanRole(row pgx.Row) (Role, error) {
	var (
		role   Role
		parent uuid.NullUUID
	)
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &parent, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return Role{}, err
	}
	if parent.Valid {
		id := parent.UUID
		role.ParentID = &id
	}
	return role, nil
}

func (q pgQueries) GetRole(ctx context.Context, id uuid.UUID) (Role, error) {
	role, err := scanRole(q.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrRoleNotFound
	}
	return role, err
}

func (q pgQueries) ListChildRoleIDs(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	return q.collectIDs(ctx, `SELECT id FROM roles WHERE parent_role_id = $1 ORDER BY role_name`, id)
}

func (q pgQueries) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	var user User
	err := q.db.QueryRow(ctx, `SELECT id, person_id, role_id, is_active FROM users WHERE id = $1`, id).
		Scan(&user.ID, &user.PersonID, &user.RoleID, &user.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	return user, err
}

const permissionColumns = `id, permission_name, action, object_type, description`

func scanPermission(row pgx.Row) (Permission, error) {
	var perm Permission
	err := row.Scan(&perm.ID, &perm.Name, &perm.Action, &perm.ObjectType, &perm.Description)
	return perm, err
}

func (q pgQueries) GetPermission(ctx context.Context, id uuid.UUID) (Permission, error) {
	perm, err := scanPermission(q.db.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, ErrPermissionNotFound
	}
	return perm, err
}

func (q pgQueries) GetGroup(ctx context.Context, id uuid.UUID) (Group, error) {
	var group Group
	err := q.db.QueryRow(ctx, `SELECT id, group_name FROM groups WHERE id = $1`, id).Scan(&group.ID, &group.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return Group{}, ErrGroupNotFound
	}
	return group, err
}

const objectPermissionSelect = `SELECT op.id, op.person_id, op.group_id, COALESCE(g.group_name, ''), op.object_type,
	op.object_id, op.action, op.granted_by, op.created_at
FROM object_permissions op
LEFT JOIN groups g ON g.id = op.group_id`

func scanObjectPermission(row pgx.Row) (ObjectPermission, error) {
	var (
		grant                    ObjectPermission
		person, group, grantedBy uuid.NullUUID
	)
	if err := row.Scan(&grant.ID, &person, &group, &grant.GroupName, &grant.ObjectType,
		&grant.ObjectID, &grant.Action, &grantedBy, &grant.CreatedAt); err != nil {
		return ObjectPermission{}, err
	}
	grant.PersonID = nullableID(person)
	grant.GroupID = nullableID(group)
	grant.GrantedBy = nullableID(grantedBy)
	return grant, nil
}

func (q pgQueries) GetObjectPermission(ctx context.Context, id uuid.UUID) (ObjectPermission, error) {
	grant, err := scanObjectPermission(q.db.QueryRow(ctx, objectPermissionSelect+` WHERE op.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ObjectPermission{}, ErrObjectGrantNotFound
	}
	return grant, err
}

func (q pgQueries) RolesGranting(ctx context.Context, roleIDs []uuid.UUID, action Action, objectType ObjectType) ([]uuid.UUID, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	return q.collectIDs(ctx, `SELECT DISTINCT rp.role_id
FROM role_permissions rp
JOIN permissions p ON p.id = rp.permission_id
WHERE rp.role_id = ANY($1::uuid[]) AND p.action = $2 AND p.object_type = $3`,
		idStrings(roleIDs), string(action), string(objectType))
}

func (q pgQueries) ListRolePermissions(ctx context.Context, roleID uuid.UUID) ([]Permission, error) {
	rows, err := q.db.Query(ctx, `SELECT p.id, p.permission_name, p.action, p.object_type, p.description
FROM role_permissions rp
JOIN permissions p ON p.id = rp.permission_id
WHERE rp.role_id = $1
ORDER BY p.permission_name`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

func (q pgQueries) ListGroupIDsForPerson(ctx context.Context, personID uuid.UUID) ([]uuid.UUID, error) {
	return q.collectIDs(ctx, `SELECT group_id FROM group_members WHERE person_id = $1`, personID)
}

func (q pgQueries) FindObjectGrants(ctx context.Context, query ObjectGrantQuery) ([]ObjectPermission, error) {
	rows, err := q.db.Query(ctx, objectPermissionSelect+`
WHERE op.object_type = $1 AND op.object_id = $2 AND op.action = $3
  AND (op.person_id = $4 OR op.group_id = ANY($5::uuid[]))
ORDER BY op.person_id NULLS LAST, g.group_name`,
		string(query.ObjectType), query.ObjectID, string(query.Action), query.PersonID, idStrings(query.GroupIDs))
	if err != nil {
		return nil, err
	}
	return collectObjectPermissions(rows)
}

func (q pgQueries) ListGroupMemberUserIDs(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	return q.collectIDs(ctx, `SELECT u.id FROM users u JOIN group_members gm ON gm.person_id = u.person_id WHERE gm.group_id = $1`, groupID)
}

func (q pgQueries) UserIDsForPerson(ctx context.Context, personID uuid.UUID) ([]uuid.UUID, error) {
	return q.collectIDs(ctx, `SELECT id FROM users WHERE person_id = $1`, personID)
}

func (q pgQueries) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := q.db.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY role_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (q pgQueries) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := q.db.Query(ctx, `SELECT `+permissionColumns+` FROM permissions ORDER BY permission_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

func (q pgQueries) ListObjectPermissions(ctx context.Context, filter ObjectPermissionFilter) ([]ObjectPermission, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.ObjectType != nil {
		add("op.object_type = $%d", string(*filter.ObjectType))
	}
	if filter.ObjectID != nil {
		add("op.object_id = $%d", *filter.ObjectID)
	}
	if filter.Action != nil {
		add("op.action = $%d", string(*filter.Action))
	}
	if filter.PersonID != nil {
		add("op.person_id = $%d", *filter.PersonID)
	}
	if filter.GroupID != nil {
		add("op.group_id = $%d", *filter.GroupID)
	}

	sql := objectPermissionSelect
	if len(conds) > 0 {
		sql += "\nWHERE " + strings.Join(conds, " AND ")
	}
	sql += "\nORDER BY op.created_at, op.id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectObjectPermissions(rows)
}

func (q pgQueries) LockHierarchy(ctx context.Context) error {
	_, err := q.db.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, hierarchyLockKey)
	return err
}

func (q pgQueries) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	role, err := scanRole(q.db.QueryRow(ctx, `INSERT INTO roles (role_name, description, parent_role_id, is_system_role)
VALUES ($1, $2, $3, $4)
RETURNING `+roleColumns, in.Name, in.Description, in.ParentID, in.IsSystem))
	if isPgCode(err, pgUniqueViolation) {
		return Role{}, ErrRoleNameTaken
	}
	if isPgCode(err, pgForeignKeyViolation) {
		return Role{}, ErrRoleNotFound
	}
	return role, err
}

func (q pgQueries) UpdateRole(ctx context.Context, id uuid.UUID, name, description string) (Role, error) {
	role, err := scanRole(q.db.QueryRow(ctx, `UPDATE roles SET role_name = $2, description = $3, updated_at = NOW()
WHERE id = $1
RETURNING `+roleColumns, id, name, description))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return Role{}, ErrRoleNotFound
	case isPgCode(err, pgUniqueViolation):
		return Role{}, ErrRoleNameTaken
	}
	return role, err
}

func (q pgQueries) SetRoleParent(ctx context.Context, id uuid.UUID, parentID *uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `UPDATE roles SET parent_role_id = $2, updated_at = NOW() WHERE id = $1`, id, parentID)
	if isPgCode(err, pgForeignKeyViolation) {
		return ErrRoleNotFound
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRoleNotFound
	}
	return nil
}

func (q pgQueries) DeleteRole(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if isPgCode(err, pgForeignKeyViolation) {
		return ErrRoleInUse
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRoleNotFound
	}
	return nil
}

func (q pgQueries) CountUsersWithRole(ctx context.Context, roleID uuid.UUID) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE role_id = $1`, roleID).Scan(&n)
	return n, err
}

func (q pgQueries) AddRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) error {
	_, err := q.db.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)`, roleID, permissionID)
	if isPgCode(err, pgUniqueViolation) {
		return ErrAssociationExists
	}
	return err
}

func (q pgQueries) RemoveRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAssociationNotFound
	}
	return nil
}

func (q pgQueries) ReplaceRolePermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) error {
	ids := idStrings(permissionIDs)
	if _, err := q.db.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND NOT (permission_id = ANY($2::uuid[]))`, roleID, ids); err != nil {
		return err
	}
	_, err := q.db.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id)
SELECT $1, unnest($2::uuid[])
ON CONFLICT (role_id, permission_id) DO NOTHING`, roleID, ids)
	return err
}

func (q pgQueries) EnsurePermission(ctx context.Context, entry CatalogEntry, description string) (Permission, error) {
	return scanPermission(q.db.QueryRow(ctx, `INSERT INTO permissions (permission_name, action, object_type, description)
VALUES ($1, $2, $3, $4)
ON CONFLICT (action, object_type) DO UPDATE
SET description = CASE WHEN EXCLUDED.description = '' THEN permissions.description ELSE EXCLUDED.description END
RETURNING `+permissionColumns, entry.Name, string(entry.Action), string(entry.ObjectType), description))
}

func (q pgQueries) CreateObjectPermission(ctx context.Context, in ObjectGrantInput) (ObjectPermission, error) {
	var id uuid.UUID
	err := q.db.QueryRow(ctx, `INSERT INTO object_permissions (person_id, group_id, object_type, object_id, action, granted_by)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`, in.PersonID, in.GroupID, string(in.ObjectType), in.ObjectID, string(in.Action), in.GrantedBy).Scan(&id)
	switch {
	case isPgCode(err, pgUniqueViolation):
		return ObjectPermission{}, ErrAssociationExists
	case isPgCode(err, pgForeignKeyViolation):
		return ObjectPermission{}, fmt.Errorf("%w: unknown person, group or grantor", ErrInvalidPrincipal)
	case err != nil:
		return ObjectPermission{}, err
	}
	return q.GetObjectPermission(ctx, id)
}

func (q pgQueries) DeleteObjectPermission(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM object_permissions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrObjectGrantNotFound
	}
	return nil
}

func (q pgQueries) AddGroupMember(ctx context.Context, groupID, personID uuid.UUID) error {
	_, err := q.db.Exec(ctx, `INSERT INTO group_members (group_id, person_id) VALUES ($1, $2)`, groupID, personID)
	switch {
	case isPgCode(err, pgUniqueViolation):
		return ErrAssociationExists
	case isPgCode(err, pgForeignKeyViolation):
		return fmt.Errorf("%w: unknown person", ErrInvalidPrincipal)
	}
	return err
}

func (q pgQueries) RemoveGroupMember(ctx context.Context, groupID, personID uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM group_members WHERE group_id = $1 AND person_id = $2`, groupID, personID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAssociationNotFound
	}
	return nil
}

func (q pgQueries) SetUserRole(ctx context.Context, userID, roleID uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `UPDATE users SET role_id = $2 WHERE id = $1`, userID, roleID)
	if isPgCode(err, pgForeignKeyViolation) {
		return ErrRoleNotFound
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (q pgQueries) SetUserActive(ctx context.Context, userID uuid.UUID, active bool) error {
	tag, err := q.db.Exec(ctx, `UPDATE users SET is_active = $2 WHERE id = $1`, userID, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (q pgQueries) collectIDs(ctx context.Context, sql string, args ...any) ([]uuid.UUID, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func collectObjectPermissions(rows pgx.Rows) ([]ObjectPermission, error) {
	defer rows.Close()
	var grants []ObjectPermission
	for rows.Next() {
		grant, err := scanObjectPermission(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func nullableID(v uuid.NullUUID) *uuid.UUID {
	if !v.Valid {
		return nil
	}
	id := v.UUID
	return &id
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
