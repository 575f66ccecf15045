package shared

import (
	"context"
	"time"
)

// Principal is the authenticated actor attached to a request by the access gate.
// Roles and Permissions are the token snapshot, not live grants.
type Principal struct {
	UserID      int64
	Username    string
	Email       string
	Roles       []string
	Permissions []string
	TokenID     string
	ExpiresAt   time.Time
}

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}

// ActorID returns the principal's user id, or zero when the request is anonymous.
func ActorID(ctx context.Context) int64 {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.UserID
	}
	return 0
}
