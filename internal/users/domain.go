package users

import "time"

// User represents a user account together with its credential and lifecycle flags.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	IsApproved   bool      `json:"is_approved"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewUser carries the fields needed to insert a user row.
type NewUser struct {
	Username     string
	Email        string
	Name         string
	PasswordHash string
	IsActive     bool
	IsApproved   bool
}

// ProfileUpdate holds optional profile changes. Nil fields are left untouched.
type ProfileUpdate struct {
	Username *string
	Email    *string
	Name     *string
}

// Empty reports whether the update changes nothing.
func (p ProfileUpdate) Empty() bool {
	return p.Username == nil && p.Email == nil && p.Name == nil
}

// ListFilters narrows user listings.
type ListFilters struct {
	Page     int
	PerPage  int
	Search   string
	Approved *bool
	Active   *bool
}

func (f ListFilters) limitOffset() (int, int) {
	perPage := f.PerPage
	if perPage <= 0 || perPage > 200 {
		perPage = 20
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return perPage, (page - 1) * perPage
}
