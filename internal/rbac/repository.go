package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildingops/buildingops/internal/platform/db"
	"github.com/buildingops/buildingops/internal/shared"
)

// Repository provides PostgreSQL backed persistence for roles, permissions and their links.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListRoles returns all roles ordered by name.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	return queryRoles(ctx, r.pool, `SELECT id, name, description, created_at, updated_at FROM roles ORDER BY name`)
}

// GetRole returns the role or nil when absent.
func (r *Repository) GetRole(ctx context.Context, id int64) (*Role, error) {
	return findRole(ctx, r.pool, `SELECT id, name, description, created_at, updated_at FROM roles WHERE id = $1`, id)
}

// ListPermissions returns all permissions ordered by name.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	return queryPermissions(ctx, r.pool, `SELECT id, name, description FROM permissions ORDER BY name`)
}

// ListRolePermissions returns the permissions linked to a role.
func (r *Repository) ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	return queryPermissions(ctx, r.pool, `SELECT p.id, p.name, p.description
FROM permissions p
JOIN role_permissions rp ON rp.permission_id = p.id
WHERE rp.role_id = $1
ORDER BY p.name`, roleID)
}

// UserRoles returns the roles assigned to a user.
func (r *Repository) UserRoles(ctx context.Context, userID int64) ([]Role, error) {
	return queryRoles(ctx, r.pool, `SELECT r.id, r.name, r.description, r.created_at, r.updated_at
FROM roles r
JOIN user_roles ur ON ur.role_id = r.id
WHERE ur.user_id = $1
ORDER BY r.name`, userID)
}

// UserPermissions returns the distinct permissions reachable through a user's roles.
func (r *Repository) UserPermissions(ctx context.Context, userID int64) ([]Permission, error) {
	return queryPermissions(ctx, r.pool, `SELECT DISTINCT p.id, p.name, p.description
FROM permissions p
JOIN role_permissions rp ON rp.permission_id = p.id
JOIN user_roles ur ON ur.role_id = rp.role_id
WHERE ur.user_id = $1
ORDER BY p.name`, userID)
}

// UsersWithRole returns the ids of users holding a role.
func (r *Repository) UsersWithRole(ctx context.Context, roleID int64) ([]int64, error) {
	return queryIDs(ctx, r.pool, `SELECT user_id FROM user_roles WHERE role_id = $1 ORDER BY user_id`, roleID)
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

type txRepo struct {
	tx    pgx.Tx
	audit *shared.AuditLogger
}

// NewTxRepository binds the transactional graph operations to tx.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{tx: tx, audit: shared.NewAuditLogger(tx)}
}

func (t *txRepo) LockRole(ctx context.Context, id int64) (*Role, error) {
	return findRole(ctx, t.tx, `SELECT id, name, description, created_at, updated_at FROM roles WHERE id = $1 FOR UPDATE`, id)
}

func (t *txRepo) RoleByName(ctx context.Context, name string) (*Role, error) {
	return findRole(ctx, t.tx, `SELECT id, name, description, created_at, updated_at FROM roles WHERE name = $1`, name)
}

func (t *txRepo) CreateRole(ctx context.Context, name, description string) (Role, error) {
	role, err := scanRole(t.tx.QueryRow(ctx, `INSERT INTO roles (name, description) VALUES ($1, $2)
RETURNING id, name, description, created_at, updated_at`, name, description))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Role{}, fmt.Errorf("rbac: role %q exists: %w", name, shared.ErrConflict)
		}
		return Role{}, err
	}
	return role, nil
}

func (t *txRepo) UpdateRole(ctx context.Context, id int64, name, description string) (Role, error) {
	role, err := scanRole(t.tx.QueryRow(ctx, `UPDATE roles SET name = $2, description = $3, updated_at = NOW()
WHERE id = $1
RETURNING id, name, description, created_at, updated_at`, id, name, description))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, shared.ErrNotFound
		}
		if db.IsUniqueViolation(err) {
			return Role{}, fmt.Errorf("rbac: role %q exists: %w", name, shared.ErrConflict)
		}
		return Role{}, err
	}
	return role, nil
}

func (t *txRepo) DeleteRole(ctx context.Context, id int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, id); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return fmt.Errorf("rbac: role %d still assigned: %w", id, shared.ErrConflict)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *txRepo) UsersWithRole(ctx context.Context, roleID int64) ([]int64, error) {
	return queryIDs(ctx, t.tx, `SELECT user_id FROM user_roles WHERE role_id = $1 ORDER BY user_id`, roleID)
}

func (t *txRepo) GetPermission(ctx context.Context, id int64) (*Permission, error) {
	perms, err := queryPermissions(ctx, t.tx, `SELECT id, name, description FROM permissions WHERE id = $1`, id)
	if err != nil || len(perms) == 0 {
		return nil, err
	}
	return &perms[0], nil
}

func (t *txRepo) CreatePermission(ctx context.Context, name, description string) (Permission, error) {
	var p Permission
	err := t.tx.QueryRow(ctx, `INSERT INTO permissions (name, description) VALUES ($1, $2)
RETURNING id, name, description`, name, description).Scan(&p.ID, &p.Name, &p.Description)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Permission{}, fmt.Errorf("rbac: permission %q exists: %w", name, shared.ErrConflict)
		}
		return Permission{}, err
	}
	return p, nil
}

func (t *txRepo) DeletePermission(ctx context.Context, id int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM role_permissions WHERE permission_id = $1`, id); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *txRepo) RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	return queryIDs(ctx, t.tx, `SELECT permission_id FROM role_permissions WHERE role_id = $1`, roleID)
}

func (t *txRepo) AttachPermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	return t.affected(ctx, `INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, roleID, permissionID)
}

func (t *txRepo) DetachPermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	return t.affected(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
}

func (t *txRepo) UserRoleIDs(ctx context.Context, userID int64) ([]int64, error) {
	return queryIDs(ctx, t.tx, `SELECT role_id FROM user_roles WHERE user_id = $1`, userID)
}

func (t *txRepo) AttachRole(ctx context.Context, userID, roleID int64) (bool, error) {
	return t.affected(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, userID, roleID)
}

func (t *txRepo) DetachRole(ctx context.Context, userID, roleID int64) (bool, error) {
	return t.affected(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
}

func (t *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return t.audit.Record(ctx, log)
}

func (t *txRepo) affected(ctx context.Context, sql string, args ...any) (bool, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return false, fmt.Errorf("rbac: link target missing: %w", shared.ErrNotFound)
		}
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func findRole(ctx context.Context, q db.Querier, sql string, args ...any) (*Role, error) {
	role, err := scanRole(q.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &role, nil
}

func scanRole(row pgx.Row) (Role, error) {
	var r Role
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func queryRoles(ctx context.Context, q db.Querier, sql string, args ...any) ([]Role, error) {
	rows, err := q.Query(ctx, sql, args...)
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

func queryPermissions(ctx context.Context, q db.Querier, sql string, args ...any) ([]Permission, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func queryIDs(ctx context.Context, q db.Querier, sql string, args ...any) ([]int64, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var (
	_ RepositoryPort = (*Repository)(nil)
	_ TxRepository   = (*txRepo)(nil)
)
