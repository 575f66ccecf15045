package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/buildingops/buildingops/internal/shared"
)

// Denylist records revoked token ids in Redis until the token would have
// expired anyway. It shortens the staleness window for logout and forced revocation.
type Denylist struct {
	client *redis.Client
	now    func() time.Time
}

// NewDenylist constructs a Denylist backed by client.
func NewDenylist(client *redis.Client) *Denylist {
	return &Denylist{client: client, now: time.Now}
}

// Revoke marks jti as revoked until the given instant. Already-expired tokens are ignored.
func (d *Denylist) Revoke(ctx context.Context, jti string, until time.Time) error {
	if d == nil || d.client == nil {
		return nil
	}
	if jti == "" {
		return errors.New("token: jti required")
	}
	ttl := until.Sub(d.now())
	if ttl <= 0 {
		return nil
	}
	if err := d.client.Set(ctx, shared.RevokedTokenKey(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("token: revoke: %w", err)
	}
	return nil
}

// Claim revokes jti until the given instant only if it is not revoked yet, and
// reports whether this call did it. Concurrent callers for one jti get exactly one true.
// A nil Denylist always grants the claim.
func (d *Denylist) Claim(ctx context.Context, jti string, until time.Time) (bool, error) {
	if d == nil || d.client == nil {
		return true, nil
	}
	if jti == "" {
		return false, errors.New("token: jti required")
	}
	ttl := until.Sub(d.now())
	if ttl <= 0 {
		return false, nil
	}
	ok, err := d.client.SetNX(ctx, shared.RevokedTokenKey(jti), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("token: claim: %w", err)
	}
	return ok, nil
}

// IsRevoked reports whether jti has been revoked. A nil Denylist never reports revocation.
func (d *Denylist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if d == nil || d.client == nil || jti == "" {
		return false, nil
	}
	n, err := d.client.Exists(ctx, shared.RevokedTokenKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("token: revocation lookup: %w", err)
	}
	return n > 0, nil
}
