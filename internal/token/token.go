// Package token issues and verifies signed, expiring bearer tokens that carry a
// snapshot of the subject's identity, roles and permissions.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for every verification failure. Callers cannot tell
// a bad signature from an expired or foreign token.
var ErrInvalidToken = errors.New("invalid token")

// Config is the signing configuration. It is built once at startup and injected.
type Config struct {
	Secret   []byte
	Issuer   string
	Audience string
	TTL      time.Duration
}

// Validate checks that every field required for signing is present.
func (c Config) Validate() error {
	switch {
	case len(c.Secret) == 0:
		return errors.New("token: secret required")
	case c.Issuer == "":
		return errors.New("token: issuer required")
	case c.Audience == "":
		return errors.New("token: audience required")
	case c.TTL <= 0:
		return errors.New("token: ttl must be positive")
	}
	return nil
}

// Payload is the identity snapshot embedded in a token.
type Payload struct {
	UserID      int64
	Username    string
	Email       string
	Roles       []string
	Permissions []string
}

// Claims is the JWT claim set.
type Claims struct {
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// UserID parses the subject claim.
func (c *Claims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}

// Payload converts the claims back into the embedded snapshot.
func (c *Claims) Payload() Payload {
	id, _ := c.UserID()
	return Payload{
		UserID:      id,
		Username:    c.Username,
		Email:       c.Email,
		Roles:       append([]string(nil), c.Roles...),
		Permissions: append([]string(nil), c.Permissions...),
	}
}

// ExpiresAtTime returns the expiry instant, or the zero time when absent.
func (c *Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

type verifyOptions struct {
	ignoreExpiration bool
}

// VerifyOption customises Verify.
type VerifyOption func(*verifyOptions)

// IgnoreExpiration accepts tokens whose exp claim lies in the past. Signature,
// issuer and audience are still enforced.
func IgnoreExpiration() VerifyOption {
	return func(o *verifyOptions) { o.ignoreExpiration = true }
}

// Manager signs and verifies tokens with HMAC-SHA256.
type Manager struct {
	cfg Config
	now func() time.Time
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces the time source used for issuing and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager constructs a Manager from an explicit configuration.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.now()
}

// TTL returns the default lifetime for issued tokens.
func (m *Manager) TTL() time.Duration {
	return m.cfg.TTL
}

// Issue signs a token for payload that expires after ttl. A non-positive ttl uses the configured default.
func (m *Manager) Issue(payload Payload, ttl time.Duration) (string, *Claims, error) {
	if payload.UserID <= 0 {
		return "", nil, errors.New("token: subject required")
	}
	if ttl <= 0 {
		ttl = m.cfg.TTL
	}
	now := m.now()
	claims := &Claims{
		Username:    payload.Username,
		Email:       payload.Email,
		Roles:       nonNil(payload.Roles),
		Permissions: nonNil(payload.Permissions),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(payload.UserID, 10),
			Issuer:    m.cfg.Issuer,
			Audience:  jwt.ClaimStrings{m.cfg.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.Secret)
	if err != nil {
		return "", nil, fmt.Errorf("token: sign: %w", err)
	}
	return signed, claims, nil
}

// Verify checks signature, issuer, audience and (unless IgnoreExpiration) expiry.
// Verification does no I/O.
func (m *Manager) Verify(raw string, opts ...VerifyOption) (*Claims, error) {
	var o verifyOptions
	for _, opt := range opts {
		opt(&o)
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithAudience(m.cfg.Audience),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	}
	if o.ignoreExpiration {
		parserOpts = append(parserOpts, jwt.WithoutClaimsValidation())
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return m.cfg.Secret, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if o.ignoreExpiration && !m.registeredClaimsMatch(claims) {
		return nil, ErrInvalidToken
	}
	if _, err := claims.UserID(); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// registeredClaimsMatch re-applies the issuer and audience checks that
// WithoutClaimsValidation turns off.
func (m *Manager) registeredClaimsMatch(claims *Claims) bool {
	if claims.Issuer != m.cfg.Issuer {
		return false
	}
	for _, aud := range claims.Audience {
		if aud == m.cfg.Audience {
			return claims.ExpiresAt != nil
		}
	}
	return false
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return append([]string(nil), in...)
}
