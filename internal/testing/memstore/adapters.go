package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/buildingops/buildingops/internal/rbac"
	"github.com/buildingops/buildingops/internal/shared"
	"github.com/buildingops/buildingops/internal/users"
)

type userRepo struct{ s *Store }

func (r userRepo) FindByID(_ context.Context, id int64) (*users.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.st.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (r userRepo) FindByUsername(_ context.Context, username string) (*users.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.st.findUser(func(u users.User) bool { return strings.EqualFold(u.Username, username) }), nil
}

func (r userRepo) FindByEmail(_ context.Context, email string) (*users.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.st.findUser(func(u users.User) bool { return strings.EqualFold(u.Email, email) }), nil
}

func (r userRepo) ListUsers(_ context.Context, filters users.ListFilters) ([]users.User, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var matched []users.User
	search := strings.ToLower(strings.TrimSpace(filters.Search))
	for _, u := range r.s.st.users {
		if search != "" && !strings.Contains(strings.ToLower(u.Username+" "+u.Email+" "+u.Name), search) {
			continue
		}
		if filters.Approved != nil && u.IsApproved != *filters.Approved {
			continue
		}
		if filters.Active != nil && u.IsActive != *filters.Active {
			continue
		}
		matched = append(matched, u)
	}
	slices.SortFunc(matched, func(a, b users.User) int { return int(a.ID - b.ID) })
	perPage := filters.PerPage
	if perPage <= 0 || perPage > 200 {
		perPage = 20
	}
	page := max(filters.Page, 1)
	start := min((page-1)*perPage, len(matched))
	end := min(start+perPage, len(matched))
	return matched[start:end], len(matched), nil
}

func (r userRepo) ListApprovals(_ context.Context, userID int64) ([]shared.ApprovalLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var logs []shared.ApprovalLog
	for _, l := range r.s.st.approvals {
		if l.Module == shared.ApprovalModuleUsers && l.RefID == userID {
			logs = append(logs, l)
		}
	}
	return logs, nil
}

func (r userRepo) WithTx(ctx context.Context, fn func(context.Context, users.TxRepository) error) error {
	return r.s.withTx(func(t *tx) error { return fn(ctx, t) })
}

type rbacRepo struct{ s *Store }

func (r rbacRepo) ListRoles(context.Context) ([]rbac.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	roles := make([]rbac.Role, 0, len(r.s.st.roles))
	for _, role := range r.s.st.roles {
		roles = append(roles, role)
	}
	slices.SortFunc(roles, func(a, b rbac.Role) int { return strings.Compare(a.Name, b.Name) })
	return roles, nil
}

func (r rbacRepo) GetRole(_ context.Context, id int64) (*rbac.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	role, ok := r.s.st.roles[id]
	if !ok {
		return nil, nil
	}
	return &role, nil
}

func (r rbacRepo) ListPermissions(context.Context) ([]rbac.Permission, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	perms := make([]rbac.Permission, 0, len(r.s.st.perms))
	for _, p := range r.s.st.perms {
		perms = append(perms, p)
	}
	sortPermissions(perms)
	return perms, nil
}

func (r rbacRepo) ListRolePermissions(_ context.Context, roleID int64) ([]rbac.Permission, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.st.permissionsFor(roleID), nil
}

func (r rbacRepo) UserRoles(_ context.Context, userID int64) ([]rbac.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.st.rolesFor(userID), nil
}

// UserPermissions returns one entry per role grant, duplicates included, like a plain join.
func (r rbacRepo) UserPermissions(_ context.Context, userID int64) ([]rbac.Permission, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var perms []rbac.Permission
	for _, role := range r.s.st.rolesFor(userID) {
		perms = append(perms, r.s.st.permissionsFor(role.ID)...)
	}
	return perms, nil
}

func (r rbacRepo) UsersWithRole(_ context.Context, roleID int64) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.st.holders(roleID), nil
}

func (r rbacRepo) WithTx(ctx context.Context, fn func(context.Context, rbac.TxRepository) error) error {
	return r.s.withTx(func(t *tx) error { return fn(ctx, t) })
}

type authStore struct{ s *Store }

func (a authStore) WithTx(ctx context.Context, fn func(context.Context, users.TxRepository, rbac.TxRepository) error) error {
	return a.s.withTx(func(t *tx) error { return fn(ctx, t, t) })
}

// tx implements both users.TxRepository and rbac.TxRepository over the locked state.
type tx struct{ s *Store }

func (t *tx) st() *state { return t.s.st }

func (t *tx) LockUser(_ context.Context, id int64) (*users.User, error) {
	u, ok := t.st().users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (t *tx) CreateUser(_ context.Context, in users.NewUser) (users.User, error) {
	st := t.st()
	if st.userTaken(0, in.Username, in.Email) {
		return users.User{}, fmt.Errorf("memstore: username or email taken: %w", shared.ErrConflict)
	}
	st.nextUser++
	now := time.Now()
	u := users.User{
		ID:           st.nextUser,
		Username:     in.Username,
		Email:        in.Email,
		Name:         in.Name,
		PasswordHash: in.PasswordHash,
		IsActive:     in.IsActive,
		IsApproved:   in.IsApproved,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	st.users[u.ID] = u
	return u, nil
}

func (t *tx) UpdateProfile(_ context.Context, id int64, update users.ProfileUpdate) (users.User, error) {
	st := t.st()
	u, ok := st.users[id]
	if !ok {
		return users.User{}, shared.ErrNotFound
	}
	var username, email string
	if update.Username != nil {
		username = *update.Username
	}
	if update.Email != nil {
		email = *update.Email
	}
	if st.userTaken(id, username, email) {
		return users.User{}, fmt.Errorf("memstore: username or email taken: %w", shared.ErrConflict)
	}
	if update.Username != nil {
		u.Username = *update.Username
	}
	if update.Email != nil {
		u.Email = *update.Email
	}
	if update.Name != nil {
		u.Name = *update.Name
	}
	u.UpdatedAt = time.Now()
	st.users[id] = u
	return u, nil
}

func (t *tx) updateUser(id int64, mutate func(*users.User)) error {
	u, ok := t.st().users[id]
	if !ok {
		return shared.ErrNotFound
	}
	mutate(&u)
	u.UpdatedAt = time.Now()
	t.st().users[id] = u
	return nil
}

func (t *tx) UpdatePasswordHash(_ context.Context, id int64, hash string) error {
	return t.updateUser(id, func(u *users.User) { u.PasswordHash = hash })
}

func (t *tx) SetApproved(_ context.Context, id int64, approved bool) error {
	return t.updateUser(id, func(u *users.User) { u.IsApproved = approved })
}

func (t *tx) SetActive(_ context.Context, id int64, active bool) error {
	return t.updateUser(id, func(u *users.User) { u.IsActive = active })
}

func (t *tx) DeleteUser(_ context.Context, id int64) error {
	if !t.st().deleteUser(id) {
		return shared.ErrNotFound
	}
	return nil
}

func (t *tx) RecordAudit(_ context.Context, log shared.AuditLog) error {
	if t.s.FailAudit != nil {
		return t.s.FailAudit
	}
	if err := log.Validate(); err != nil {
		return err
	}
	if log.At.IsZero() {
		log.At = time.Now()
	}
	t.st().audits = append(t.st().audits, log)
	return nil
}

func (t *tx) RecordApproval(_ context.Context, log shared.ApprovalLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	if log.At.IsZero() {
		log.At = time.Now()
	}
	log.ID = int64(len(t.st().approvals) + 1)
	t.st().approvals = append(t.st().approvals, log)
	return nil
}

func (t *tx) LockRole(_ context.Context, id int64) (*rbac.Role, error) {
	role, ok := t.st().roles[id]
	if !ok {
		return nil, nil
	}
	return &role, nil
}

func (t *tx) RoleByName(_ context.Context, name string) (*rbac.Role, error) {
	return t.st().roleByName(name), nil
}

func (t *tx) CreateRole(_ context.Context, name, description string) (rbac.Role, error) {
	return t.st().createRole(name, description)
}

func (t *tx) UpdateRole(_ context.Context, id int64, name, description string) (rbac.Role, error) {
	st := t.st()
	role, ok := st.roles[id]
	if !ok {
		return rbac.Role{}, shared.ErrNotFound
	}
	if other := st.roleByName(name); other != nil && other.ID != id {
		return rbac.Role{}, fmt.Errorf("memstore: role %q exists: %w", name, shared.ErrConflict)
	}
	role.Name, role.Description, role.UpdatedAt = name, description, time.Now()
	st.roles[id] = role
	return role, nil
}

func (t *tx) DeleteRole(_ context.Context, id int64) error {
	st := t.st()
	if _, ok := st.roles[id]; !ok {
		return shared.ErrNotFound
	}
	if len(st.holders(id)) > 0 {
		return fmt.Errorf("memstore: role %d still assigned: %w", id, shared.ErrConflict)
	}
	for l := range st.rolePerms {
		if l[0] == id {
			delete(st.rolePerms, l)
		}
	}
	delete(st.roles, id)
	return nil
}

func (t *tx) UsersWithRole(_ context.Context, roleID int64) ([]int64, error) {
	return t.st().holders(roleID), nil
}

func (t *tx) GetPermission(_ context.Context, id int64) (*rbac.Permission, error) {
	p, ok := t.st().perms[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *tx) CreatePermission(_ context.Context, name, description string) (rbac.Permission, error) {
	return t.st().createPermission(name, description)
}

func (t *tx) DeletePermission(_ context.Context, id int64) error {
	st := t.st()
	if _, ok := st.perms[id]; !ok {
		return shared.ErrNotFound
	}
	for l := range st.rolePerms {
		if l[1] == id {
			delete(st.rolePerms, l)
		}
	}
	delete(st.perms, id)
	return nil
}

func (t *tx) RolePermissionIDs(_ context.Context, roleID int64) ([]int64, error) {
	return t.st().rolePermIDs(roleID), nil
}

func (t *tx) AttachPermission(_ context.Context, roleID, permissionID int64) (bool, error) {
	st := t.st()
	if _, ok := st.roles[roleID]; !ok {
		return false, shared.ErrNotFound
	}
	if _, ok := st.perms[permissionID]; !ok {
		return false, shared.ErrNotFound
	}
	return attach(st.rolePerms, link{roleID, permissionID}), nil
}

func (t *tx) DetachPermission(_ context.Context, roleID, permissionID int64) (bool, error) {
	return detach(t.st().rolePerms, link{roleID, permissionID}), nil
}

func (t *tx) UserRoleIDs(_ context.Context, userID int64) ([]int64, error) {
	return t.st().userRoleIDs(userID), nil
}

func (t *tx) AttachRole(_ context.Context, userID, roleID int64) (bool, error) {
	st := t.st()
	if _, ok := st.users[userID]; !ok {
		return false, shared.ErrNotFound
	}
	if _, ok := st.roles[roleID]; !ok {
		return false, shared.ErrNotFound
	}
	return attach(st.userRoles, link{userID, roleID}), nil
}

func (t *tx) DetachRole(_ context.Context, userID, roleID int64) (bool, error) {
	return detach(t.st().userRoles, link{userID, roleID}), nil
}

func attach(set map[link]struct{}, l link) bool {
	if _, ok := set[l]; ok {
		return false
	}
	set[l] = struct{}{}
	return true
}

func detach(set map[link]struct{}, l link) bool {
	if _, ok := set[l]; !ok {
		return false
	}
	delete(set, l)
	return true
}

var (
	_ users.RepositoryPort = userRepo{}
	_ rbac.RepositoryPort  = rbacRepo{}
	_ users.TxRepository   = (*tx)(nil)
	_ rbac.TxRepository    = (*tx)(nil)
)
