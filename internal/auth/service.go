package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/buildingops/buildingops/internal/rbac"
	"github.com/buildingops/buildingops/internal/shared"
	"github.com/buildingops/buildingops/internal/token"
	"github.com/buildingops/buildingops/internal/users"
)

// DefaultRefreshGrace bounds how long after expiry a token may still be refreshed.
const DefaultRefreshGrace = 7 * 24 * time.Hour

// Notifier receives account lifecycle events once they are committed.
type Notifier interface {
	NotifyAccount(ctx context.Context, userID int64, event string) error
}

// Revoker records and checks revoked token ids. *token.Denylist satisfies it.
type Revoker interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
	// Claim revokes jti unless it already is, reporting whether this caller won.
	Claim(ctx context.Context, jti string, until time.Time) (bool, error)
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Options holds the tunables of Service.
type Options struct {
	DefaultRole  string
	RefreshGrace time.Duration
}

// Service wraps authentication business rules: login, registration, approval and token refresh.
type Service struct {
	users    *users.Service
	graph    *rbac.Service
	store    Store
	tokens   *token.Manager
	revoker  Revoker
	notifier Notifier
	logger   *slog.Logger
	opts     Options
}

// NewService constructs a new Service. revoker and notifier may be nil.
func NewService(userSvc *users.Service, graph *rbac.Service, store Store, tokens *token.Manager, revoker Revoker, notifier Notifier, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultRole == "" {
		opts.DefaultRole = shared.RoleUser
	}
	if opts.RefreshGrace <= 0 {
		opts.RefreshGrace = DefaultRefreshGrace
	}
	return &Service{
		users:    userSvc,
		graph:    graph,
		store:    store,
		tokens:   tokens,
		revoker:  revoker,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
	}
}

// Login validates username/password credentials and issues a token carrying the
// user's current roles and permissions.
func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.users.Authenticate(ctx, username, password)
	if err != nil {
		return Session{}, err
	}
	return s.issue(ctx, *user)
}

// Register creates an active, unapproved account holding the default role. The
// user row and role link commit together or not at all.
func (s *Service) Register(ctx context.Context, in RegisterInput) (users.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if in.Username == "" || in.Email == "" || in.Password == "" {
		return users.User{}, fmt.Errorf("auth: username, email and password required: %w", shared.ErrValidation)
	}
	hash, err := s.users.HashPassword(in.Password)
	if err != nil {
		return users.User{}, err
	}
	var created users.User
	err = s.store.WithTx(ctx, func(ctx context.Context, ut users.TxRepository, rt rbac.TxRepository) error {
		role, err := rt.RoleByName(ctx, s.opts.DefaultRole)
		if err != nil {
			return err
		}
		if role == nil {
			return fmt.Errorf("auth: default role %q missing", s.opts.DefaultRole)
		}
		created, err = ut.CreateUser(ctx, users.NewUser{
			Username:     in.Username,
			Email:        in.Email,
			Name:         strings.TrimSpace(in.Name),
			PasswordHash: hash,
			IsActive:     true,
			IsApproved:   false,
		})
		if err != nil {
			return err
		}
		_, err = rt.AttachRole(ctx, created.ID, role.ID)
		return err
	})
	if err != nil {
		return users.User{}, err
	}
	s.notify(ctx, created.ID, EventPendingApproval)
	return created, nil
}

// Approve marks a user approved. Authorization is enforced by the route guard.
func (s *Service) Approve(ctx context.Context, actorID, userID int64, note string) (users.User, error) {
	user, err := s.users.SetApproval(ctx, actorID, userID, true, note)
	if err != nil {
		return users.User{}, err
	}
	s.notify(ctx, user.ID, EventApproved)
	return user, nil
}

// RefreshToken exchanges a token, expired or not, for a fresh one. Expired tokens
// are accepted only within the refresh grace window. Account state and grants are
// re-read from the store, so the new token reflects current roles and permissions.
// The old token id is claimed before the new token is minted, so one token yields
// at most one successor even under concurrent calls.
func (s *Service) RefreshToken(ctx context.Context, raw string) (Session, error) {
	claims, err := s.tokens.Verify(raw, token.IgnoreExpiration())
	if err != nil {
		return Session{}, shared.ErrUnauthorized
	}
	if s.tokens.Now().After(s.refreshDeadline(claims)) {
		return Session{}, shared.ErrUnauthorized
	}
	if err := s.ensureNotRevoked(ctx, claims); err != nil {
		return Session{}, err
	}
	userID, _ := claims.UserID()
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	if user == nil {
		return Session{}, shared.ErrNotFound
	}
	if err := checkLiveness(*user); err != nil {
		return Session{}, err
	}
	if err := s.claim(ctx, claims); err != nil {
		return Session{}, err
	}
	return s.issue(ctx, *user)
}

// ChangePassword is the self-service change; a wrong current password yields
// shared.ErrInvalidCredentials.
func (s *Service) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	ok, err := s.users.ChangePassword(ctx, userID, current, next)
	if err != nil {
		return err
	}
	if !ok {
		return shared.ErrInvalidCredentials
	}
	return nil
}

// ResetPassword is the administrator override; no current password is needed.
func (s *Service) ResetPassword(ctx context.Context, actorID, userID int64, next string) error {
	return s.users.ResetPassword(ctx, actorID, userID, next)
}

// Profile returns the user with live role and permission names.
func (s *Service) Profile(ctx context.Context, userID int64) (Profile, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	snap, err := s.graph.Snapshot(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	return Profile{User: user, Roles: snap.Roles, Permissions: snap.Permissions}, nil
}

// Logout revokes the presented token for the rest of its lifetime, refresh grace included.
func (s *Service) Logout(ctx context.Context, claims *token.Claims) error {
	if claims == nil {
		return shared.ErrUnauthorized
	}
	if s.revoker == nil {
		return nil
	}
	return s.revoker.Revoke(ctx, claims.ID, s.refreshDeadline(claims))
}

func (s *Service) issue(ctx context.Context, user users.User) (Session, error) {
	snap, err := s.graph.Snapshot(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	raw, claims, err := s.tokens.Issue(token.Payload{
		UserID:      user.ID,
		Username:    user.Username,
		Email:       user.Email,
		Roles:       snap.Roles,
		Permissions: snap.Permissions,
	}, 0)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:       raw,
		TokenType:   "Bearer",
		ExpiresAt:   claims.ExpiresAtTime(),
		User:        user,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	}, nil
}

func (s *Service) ensureNotRevoked(ctx context.Context, claims *token.Claims) error {
	if s.revoker == nil {
		return nil
	}
	revoked, err := s.revoker.IsRevoked(ctx, claims.ID)
	if err != nil {
		return err
	}
	if revoked {
		return shared.ErrUnauthorized
	}
	return nil
}

// refreshDeadline is the last instant a token can still be exchanged.
func (s *Service) refreshDeadline(claims *token.Claims) time.Time {
	return claims.ExpiresAtTime().Add(s.opts.RefreshGrace)
}

// claim retires the token being refreshed. Losing the race is ErrUnauthorized.
func (s *Service) claim(ctx context.Context, claims *token.Claims) error {
	if s.revoker == nil {
		return nil
	}
	won, err := s.revoker.Claim(ctx, claims.ID, s.refreshDeadline(claims))
	if err != nil {
		return err
	}
	if !won {
		s.logger.Warn("refresh token reused", slog.String("jti", claims.ID))
		return shared.ErrUnauthorized
	}
	return nil
}

func (s *Service) notify(ctx context.Context, userID int64, event string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyAccount(ctx, userID, event); err != nil {
		s.logger.Warn("enqueue account notification", slog.Int64("user_id", userID), slog.String("event", event), slog.Any("error", err))
	}
}

// checkLiveness applies the account gates in order: inactive first, then pending approval.
func checkLiveness(user users.User) error {
	switch {
	case !user.IsActive:
		return shared.ErrAccountInactive
	case !user.IsApproved:
		return shared.ErrPendingApproval
	}
	return nil
}
