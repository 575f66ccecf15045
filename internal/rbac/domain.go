package rbac

import "time"

// Role represents a high-level permission grouping.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission represents an atomic capability.
type Permission struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// RoleWithPermissions is a role together with its current grants.
type RoleWithPermissions struct {
	Role
	Permissions []Permission `json:"permissions"`
}

// Snapshot is a point-in-time view of a user's role and permission names.
type Snapshot struct {
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// Reconciliation reports the outcome of a set reconciliation.
type Reconciliation struct {
	Current []int64 `json:"current"`
	Added   []int64 `json:"added"`
	Removed []int64 `json:"removed"`
}

// Changed reports whether anything was added or removed.
func (r Reconciliation) Changed() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0
}
