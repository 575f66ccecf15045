// Package memstore is an in-memory stand-in for the PostgreSQL repositories used in tests.
// Transactions hold the store lock and roll back to a snapshot when the callback fails.
package memstore

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/buildingops/buildingops/internal/auth"
	"github.com/buildingops/buildingops/internal/rbac"
	"github.com/buildingops/buildingops/internal/shared"
	"github.com/buildingops/buildingops/internal/users"
)

type link [2]int64

type state struct {
	users     map[int64]users.User
	roles     map[int64]rbac.Role
	perms     map[int64]rbac.Permission
	rolePerms map[link]struct{}
	userRoles map[link]struct{}
	audits    []shared.AuditLog
	approvals []shared.ApprovalLog
	nextUser  int64
	nextRole  int64
	nextPerm  int64
}

func (s *state) clone() *state {
	return &state{
		users:     maps.Clone(s.users),
		roles:     maps.Clone(s.roles),
		perms:     maps.Clone(s.perms),
		rolePerms: maps.Clone(s.rolePerms),
		userRoles: maps.Clone(s.userRoles),
		audits:    slices.Clone(s.audits),
		approvals: slices.Clone(s.approvals),
		nextUser:  s.nextUser,
		nextRole:  s.nextRole,
		nextPerm:  s.nextPerm,
	}
}

// Store holds users, roles, permissions and their links.
type Store struct {
	mu sync.Mutex
	st *state

	// BeforeTx runs ahead of every transaction, outside the lock.
	BeforeTx func()
	// FailAudit, when set, is returned by every audit write.
	FailAudit error
}

// New returns an empty store.
func New() *Store {
	return &Store{st: &state{
		users:     map[int64]users.User{},
		roles:     map[int64]rbac.Role{},
		perms:     map[int64]rbac.Permission{},
		rolePerms: map[link]struct{}{},
		userRoles: map[link]struct{}{},
	}}
}

// Users adapts the store to users.RepositoryPort.
func (s *Store) Users() users.RepositoryPort { return userRepo{s} }

// RBAC adapts the store to rbac.RepositoryPort.
func (s *Store) RBAC() rbac.RepositoryPort { return rbacRepo{s} }

// Auth adapts the store to auth.Store.
func (s *Store) Auth() auth.Store { return authStore{s} }

func (s *Store) withTx(fn func(*tx) error) error {
	if s.BeforeTx != nil {
		s.BeforeTx()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := s.st.clone()
	if err := fn(&tx{s: s}); err != nil {
		s.st = saved
		return err
	}
	return nil
}

// AddUser inserts a user directly. Zero timestamps are filled in.
func (s *Store) AddUser(u users.User) users.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.nextUser++
	u.ID = s.st.nextUser
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
		u.UpdatedAt = u.CreatedAt
	}
	s.st.users[u.ID] = u
	return u
}

// User returns a copy of the stored user.
func (s *Store) User(id int64) (users.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.st.users[id]
	return u, ok
}

// UserCount returns the number of stored users.
func (s *Store) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.users)
}

// RemoveUser deletes a user and its role links outside of any transaction.
func (s *Store) RemoveUser(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.deleteUser(id)
}

// AddRole inserts a role directly.
func (s *Store) AddRole(name string) rbac.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, _ := s.st.createRole(name, "")
	return role
}

// AddPermission inserts a permission directly.
func (s *Store) AddPermission(name string) rbac.Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	perm, _ := s.st.createPermission(name, "")
	return perm
}

// Grant links a permission to a role.
func (s *Store) Grant(roleID, permID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.rolePerms[link{roleID, permID}] = struct{}{}
}

// AssignRole links a role to a user.
func (s *Store) AssignRole(userID, roleID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.userRoles[link{userID, roleID}] = struct{}{}
}

// RolePermissionIDs returns the sorted permission ids linked to a role.
func (s *Store) RolePermissionIDs(roleID int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.rolePermIDs(roleID)
}

// UserRoleIDs returns the sorted role ids assigned to a user.
func (s *Store) UserRoleIDs(userID int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.userRoleIDs(userID)
}

// HasRole reports whether a role with the id exists.
func (s *Store) HasRole(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.st.roles[id]
	return ok
}

// Audits returns the recorded audit entries.
func (s *Store) Audits() []shared.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.audits)
}

// Approvals returns the recorded approval entries.
func (s *Store) Approvals() []shared.ApprovalLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.approvals)
}

func (st *state) findUser(match func(users.User) bool) *users.User {
	for _, u := range st.users {
		if match(u) {
			return &u
		}
	}
	return nil
}

func (st *state) userTaken(selfID int64, username, email string) bool {
	return st.findUser(func(u users.User) bool {
		if u.ID == selfID {
			return false
		}
		return (username != "" && strings.EqualFold(u.Username, username)) ||
			(email != "" && strings.EqualFold(u.Email, email))
	}) != nil
}

func (st *state) deleteUser(id int64) bool {
	if _, ok := st.users[id]; !ok {
		return false
	}
	delete(st.users, id)
	for l := range st.userRoles {
		if l[0] == id {
			delete(st.userRoles, l)
		}
	}
	return true
}

func (st *state) roleByName(name string) *rbac.Role {
	for _, r := range st.roles {
		if strings.EqualFold(r.Name, name) {
			return &r
		}
	}
	return nil
}

func (st *state) createRole(name, description string) (rbac.Role, error) {
	if st.roleByName(name) != nil {
		return rbac.Role{}, fmt.Errorf("memstore: role %q exists: %w", name, shared.ErrConflict)
	}
	st.nextRole++
	now := time.Now()
	role := rbac.Role{ID: st.nextRole, Name: name, Description: description, CreatedAt: now, UpdatedAt: now}
	st.roles[role.ID] = role
	return role, nil
}

func (st *state) createPermission(name, description string) (rbac.Permission, error) {
	for _, p := range st.perms {
		if strings.EqualFold(p.Name, name) {
			return rbac.Permission{}, fmt.Errorf("memstore: permission %q exists: %w", name, shared.ErrConflict)
		}
	}
	st.nextPerm++
	perm := rbac.Permission{ID: st.nextPerm, Name: name, Description: description}
	st.perms[perm.ID] = perm
	return perm, nil
}

func (st *state) rolePermIDs(roleID int64) []int64 {
	var ids []int64
	for l := range st.rolePerms {
		if l[0] == roleID {
			ids = append(ids, l[1])
		}
	}
	slices.Sort(ids)
	return ids
}

func (st *state) userRoleIDs(userID int64) []int64 {
	var ids []int64
	for l := range st.userRoles {
		if l[0] == userID {
			ids = append(ids, l[1])
		}
	}
	slices.Sort(ids)
	return ids
}

func (st *state) holders(roleID int64) []int64 {
	var ids []int64
	for l := range st.userRoles {
		if l[1] == roleID {
			ids = append(ids, l[0])
		}
	}
	slices.Sort(ids)
	return ids
}

func (st *state) rolesFor(userID int64) []rbac.Role {
	var roles []rbac.Role
	for _, id := range st.userRoleIDs(userID) {
		if r, ok := st.roles[id]; ok {
			roles = append(roles, r)
		}
	}
	slices.SortFunc(roles, func(a, b rbac.Role) int { return strings.Compare(a.Name, b.Name) })
	return roles
}

func (st *state) permissionsFor(roleID int64) []rbac.Permission {
	var perms []rbac.Permission
	for _, id := range st.rolePermIDs(roleID) {
		if p, ok := st.perms[id]; ok {
			perms = append(perms, p)
		}
	}
	sortPermissions(perms)
	return perms
}

func sortPermissions(perms []rbac.Permission) {
	slices.SortFunc(perms, func(a, b rbac.Permission) int { return strings.Compare(a.Name, b.Name) })
}
