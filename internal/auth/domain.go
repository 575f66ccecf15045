package auth

import (
	"time"

	"github.com/buildingops/buildingops/internal/token"
	"github.com/buildingops/buildingops/internal/users"
)

// Account notification events handed to the Notifier.
const (
	EventPendingApproval = "account.pending_approval"
	EventApproved        = "account.approved"
)

// Session is the result of a successful login or refresh.
type Session struct {
	Token       string     `json:"token"`
	TokenType   string     `json:"token_type"`
	ExpiresAt   time.Time  `json:"expires_at"`
	User        users.User `json:"user"`
	Roles       []string   `json:"roles"`
	Permissions []string   `json:"permissions"`
}

// RegisterInput carries a self-registration request.
type RegisterInput struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Name     string `json:"name" validate:"max=128"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// Profile is the authenticated user's account with live grants.
type Profile struct {
	User        users.User `json:"user"`
	Roles       []string   `json:"roles"`
	Permissions []string   `json:"permissions"`
}

// Subject is the outcome of an allowed access check: the live user and the verified token.
type Subject struct {
	User   users.User
	Claims *token.Claims
}
