package rbac

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/buildingops/buildingops/internal/shared"
)

// RepositoryPort defines read access to the role-permission graph.
type RepositoryPort interface {
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (*Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error)
	UserRoles(ctx context.Context, userID int64) ([]Role, error)
	UserPermissions(ctx context.Context, userID int64) ([]Permission, error)
	UsersWithRole(ctx context.Context, roleID int64) ([]int64, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes transactional graph mutations. Attach/Detach report whether
// a row actually changed so callers can observe idempotent no-ops.
type TxRepository interface {
	LockRole(ctx context.Context, id int64) (*Role, error)
	RoleByName(ctx context.Context, name string) (*Role, error)
	CreateRole(ctx context.Context, name, description string) (Role, error)
	UpdateRole(ctx context.Context, id int64, name, description string) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
	UsersWithRole(ctx context.Context, roleID int64) ([]int64, error)
	GetPermission(ctx context.Context, id int64) (*Permission, error)
	CreatePermission(ctx context.Context, name, description string) (Permission, error)
	DeletePermission(ctx context.Context, id int64) error
	RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error)
	AttachPermission(ctx context.Context, roleID, permissionID int64) (bool, error)
	DetachPermission(ctx context.Context, roleID, permissionID int64) (bool, error)
	UserRoleIDs(ctx context.Context, userID int64) ([]int64, error)
	AttachRole(ctx context.Context, userID, roleID int64) (bool, error)
	DetachRole(ctx context.Context, userID, roleID int64) (bool, error)
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates RBAC operations.
type Service struct {
	repo RepositoryPort
}

// NewService constructs a Service backed by the provided repository.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// GetRole fetches a role with its permissions.
func (s *Service) GetRole(ctx context.Context, id int64) (RoleWithPermissions, error) {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return RoleWithPermissions{}, err
	}
	if role == nil {
		return RoleWithPermissions{}, shared.ErrNotFound
	}
	perms, err := s.repo.ListRolePermissions(ctx, id)
	if err != nil {
		return RoleWithPermissions{}, err
	}
	return RoleWithPermissions{Role: *role, Permissions: nonNilPermissions(perms)}, nil
}

// CreateRole inserts a new role. Duplicate names fail with shared.ErrConflict.
func (s *Service) CreateRole(ctx context.Context, actorID int64, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("rbac: role name required: %w", shared.ErrValidation)
	}
	var role Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.RoleByName(ctx, name)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("rbac: role %q exists: %w", name, shared.ErrConflict)
		}
		role, err = tx.CreateRole(ctx, name, strings.TrimSpace(description))
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, roleAudit(actorID, shared.AuditRoleCreated, role.ID, map[string]any{"name": role.Name}))
	})
	return role, err
}

// UpdateRole renames or re-describes a role.
func (s *Service) UpdateRole(ctx context.Context, actorID, id int64, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("rbac: role name required: %w", shared.ErrValidation)
	}
	var role Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.RoleByName(ctx, name)
		if err != nil {
			return err
		}
		if existing != nil && existing.ID != id {
			return fmt.Errorf("rbac: role %q exists: %w", name, shared.ErrConflict)
		}
		role, err = tx.UpdateRole(ctx, id, name, strings.TrimSpace(description))
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, roleAudit(actorID, shared.AuditRoleUpdated, role.ID, map[string]any{"name": role.Name}))
	})
	return role, err
}

// DeleteRole removes a role and its permission links. It fails with shared.ErrConflict
// while any user still holds the role.
func (s *Service) DeleteRole(ctx context.Context, actorID, id int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.LockRole(ctx, id)
		if err != nil {
			return err
		}
		if role == nil {
			return shared.ErrNotFound
		}
		holders, err := tx.UsersWithRole(ctx, id)
		if err != nil {
			return err
		}
		if len(holders) > 0 {
			return fmt.Errorf("rbac: role %q assigned to %d user(s): %w", role.Name, len(holders), shared.ErrConflict)
		}
		if err := tx.DeleteRole(ctx, id); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, roleAudit(actorID, shared.AuditRoleDeleted, id, map[string]any{"name": role.Name}))
	})
}

// GetUsersWithRole returns the ids of users holding a role.
func (s *Service) GetUsersWithRole(ctx context.Context, roleID int64) ([]int64, error) {
	return s.repo.UsersWithRole(ctx, roleID)
}

// ListPermissions returns all permissions ordered by name.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// CreatePermission inserts a permission. Duplicate names fail with shared.ErrConflict.
func (s *Service) CreatePermission(ctx context.Context, actorID int64, name, description string) (Permission, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Permission{}, fmt.Errorf("rbac: permission name required: %w", shared.ErrValidation)
	}
	var perm Permission
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		perm, err = tx.CreatePermission(ctx, name, strings.TrimSpace(description))
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   shared.AuditPermissionCreated,
			Entity:   "permission",
			EntityID: strconv.FormatInt(perm.ID, 10),
			Meta:     map[string]any{"name": perm.Name},
		})
	})
	return perm, err
}

// DeletePermission removes a permission and every role link to it.
func (s *Service) DeletePermission(ctx context.Context, actorID, id int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.DeletePermission(ctx, id); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   shared.AuditPermissionDeleted,
			Entity:   "permission",
			EntityID: strconv.FormatInt(id, 10),
		})
	})
}

// AssignPermission links a permission to a role. An existing link is a no-op.
func (s *Service) AssignPermission(ctx context.Context, roleID, permissionID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := ensureRoleAndPermission(ctx, tx, roleID, permissionID); err != nil {
			return err
		}
		_, err := tx.AttachPermission(ctx, roleID, permissionID)
		return err
	})
}

// RemovePermission unlinks a permission from a role. An absent link is a no-op.
func (s *Service) RemovePermission(ctx context.Context, roleID, permissionID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := tx.DetachPermission(ctx, roleID, permissionID)
		return err
	})
}

// SetRolePermissions reconciles a role's permission links with the desired set:
// missing links are added, extra links removed, all in one transaction.
func (s *Service) SetRolePermissions(ctx context.Context, actorID, roleID int64, desired []int64) (Reconciliation, error) {
	var result Reconciliation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.LockRole(ctx, roleID)
		if err != nil {
			return err
		}
		if role == nil {
			return shared.ErrNotFound
		}
		for _, id := range uniqueIDs(desired) {
			perm, err := tx.GetPermission(ctx, id)
			if err != nil {
				return err
			}
			if perm == nil {
				return fmt.Errorf("rbac: permission %d: %w", id, shared.ErrNotFound)
			}
		}
		existing, err := tx.RolePermissionIDs(ctx, roleID)
		if err != nil {
			return err
		}
		result, err = reconcile(existing, desired,
			func(id int64) error { _, err := tx.AttachPermission(ctx, roleID, id); return err },
			func(id int64) error { _, err := tx.DetachPermission(ctx, roleID, id); return err },
		)
		if err != nil {
			return err
		}
		if !result.Changed() {
			return nil
		}
		return tx.RecordAudit(ctx, roleAudit(actorID, shared.AuditRolePermsChanged, roleID, map[string]any{
			"added":   result.Added,
			"removed": result.Removed,
		}))
	})
	return result, err
}

// AssignRole assigns a role to the given user. Existing assignments are kept.
func (s *Service) AssignRole(ctx context.Context, userID, roleID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.LockRole(ctx, roleID)
		if err != nil {
			return err
		}
		if role == nil {
			return shared.ErrNotFound
		}
		_, err = tx.AttachRole(ctx, userID, roleID)
		return err
	})
}

// RemoveRole removes a role from a user. An absent assignment is a no-op.
func (s *Service) RemoveRole(ctx context.Context, userID, roleID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := tx.DetachRole(ctx, userID, roleID)
		return err
	})
}

// SetUserRoles reconciles a user's role assignments with the desired set.
func (s *Service) SetUserRoles(ctx context.Context, actorID, userID int64, desired []int64) (Reconciliation, error) {
	var result Reconciliation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, id := range uniqueIDs(desired) {
			role, err := tx.LockRole(ctx, id)
			if err != nil {
				return err
			}
			if role == nil {
				return fmt.Errorf("rbac: role %d: %w", id, shared.ErrNotFound)
			}
		}
		existing, err := tx.UserRoleIDs(ctx, userID)
		if err != nil {
			return err
		}
		result, err = reconcile(existing, desired,
			func(id int64) error { _, err := tx.AttachRole(ctx, userID, id); return err },
			func(id int64) error { _, err := tx.DetachRole(ctx, userID, id); return err },
		)
		if err != nil {
			return err
		}
		if !result.Changed() {
			return nil
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   shared.AuditUserRolesChanged,
			Entity:   "user",
			EntityID: strconv.FormatInt(userID, 10),
			Meta:     map[string]any{"added": result.Added, "removed": result.Removed},
		})
	})
	return result, err
}

// GetUserRoles returns the roles assigned to a user.
func (s *Service) GetUserRoles(ctx context.Context, userID int64) ([]Role, error) {
	return s.repo.UserRoles(ctx, userID)
}

// GetUserPermissions returns the deduplicated union of permissions across the user's roles.
func (s *Service) GetUserPermissions(ctx context.Context, userID int64) ([]Permission, error) {
	perms, err := s.repo.UserPermissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]struct{}, len(perms))
	unique := make([]Permission, 0, len(perms))
	for _, p := range perms {
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		unique = append(unique, p)
	}
	return unique, nil
}

// EffectivePermissions returns deduplicated permission names for a user.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	perms, err := s.GetUserPermissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(perms))
	for i, p := range perms {
		names[i] = p.Name
	}
	return names, nil
}

// Snapshot resolves the user's current role and permission names.
func (s *Service) Snapshot(ctx context.Context, userID int64) (Snapshot, error) {
	var snap Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		roles, err := s.repo.UserRoles(gctx, userID)
		if err != nil {
			return err
		}
		snap.Roles = make([]string, len(roles))
		for i, r := range roles {
			snap.Roles[i] = r.Name
		}
		return nil
	})
	g.Go(func() error {
		perms, err := s.EffectivePermissions(gctx, userID)
		if err != nil {
			return err
		}
		snap.Permissions = perms
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// reconcile diffs current against desired as sets and applies the difference.
// Current in the result is the authoritative set after the change, sorted.
func reconcile(current, desired []int64, add, remove func(int64) error) (Reconciliation, error) {
	have := make(map[int64]struct{}, len(current))
	for _, id := range current {
		have[id] = struct{}{}
	}
	want := make(map[int64]struct{}, len(desired))
	for _, id := range desired {
		want[id] = struct{}{}
	}
	result := Reconciliation{Added: []int64{}, Removed: []int64{}}
	for _, id := range uniqueIDs(desired) {
		if _, ok := have[id]; ok {
			continue
		}
		if err := add(id); err != nil {
			return Reconciliation{}, err
		}
		result.Added = append(result.Added, id)
	}
	for _, id := range uniqueIDs(current) {
		if _, ok := want[id]; ok {
			continue
		}
		if err := remove(id); err != nil {
			return Reconciliation{}, err
		}
		result.Removed = append(result.Removed, id)
	}
	result.Current = uniqueIDs(desired)
	return result, nil
}

// uniqueIDs returns a sorted, deduplicated copy.
func uniqueIDs(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	out = slices.Compact(out)
	if out == nil {
		out = []int64{}
	}
	return out
}

func ensureRoleAndPermission(ctx context.Context, tx TxRepository, roleID, permissionID int64) error {
	role, err := tx.LockRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role == nil {
		return fmt.Errorf("rbac: role %d: %w", roleID, shared.ErrNotFound)
	}
	perm, err := tx.GetPermission(ctx, permissionID)
	if err != nil {
		return err
	}
	if perm == nil {
		return fmt.Errorf("rbac: permission %d: %w", permissionID, shared.ErrNotFound)
	}
	return nil
}

func roleAudit(actorID int64, action string, roleID int64, meta map[string]any) shared.AuditLog {
	return shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "role",
		EntityID: strconv.FormatInt(roleID, 10),
		Meta:     meta,
	}
}

func nonNilPermissions(perms []Permission) []Permission {
	if perms == nil {
		return []Permission{}
	}
	return perms
}
