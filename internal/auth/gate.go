package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/buildingops/buildingops/internal/platform/httpx"
	"github.com/buildingops/buildingops/internal/rbac"
	"github.com/buildingops/buildingops/internal/shared"
	"github.com/buildingops/buildingops/internal/token"
	"github.com/buildingops/buildingops/internal/users"
)

// Decision outcomes reported to the DecisionRecorder.
const (
	OutcomeAllowed         = "allowed"
	OutcomeUnauthorized    = "unauthorized"
	OutcomeNotFound        = "not_found"
	OutcomeInactive        = "inactive"
	OutcomePendingApproval = "pending_approval"
	OutcomeForbidden       = "forbidden"
	OutcomeError           = "error"
)

// UserLoader loads the live account behind a token subject.
type UserLoader interface {
	FindByID(ctx context.Context, id int64) (*users.User, error)
}

// RevocationChecker reports revoked token ids.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// DecisionRecorder counts gate decisions. *observability.Metrics satisfies it.
type DecisionRecorder interface {
	ObserveAuthDecision(outcome string)
}

// Gate is the per-request access check guarding protected routes.
type Gate struct {
	tokens  *token.Manager
	users   UserLoader
	revoked RevocationChecker
	metrics DecisionRecorder
	logger  *slog.Logger
}

// NewGate constructs a Gate. revoked and metrics may be nil.
func NewGate(tokens *token.Manager, loader UserLoader, revoked RevocationChecker, metrics DecisionRecorder, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{tokens: tokens, users: loader, revoked: revoked, metrics: metrics, logger: logger}
}

// Check runs the access decision for an Authorization header value. Steps run in a
// fixed order and the first failure wins: bearer extraction, token verification and
// revocation, user lookup, liveness (inactive before pending approval), then the
// requirements evaluated against the token's role and permission snapshot.
func (g *Gate) Check(ctx context.Context, header string, reqs ...rbac.Requirement) (*Subject, error) {
	subject, err := g.check(ctx, header, reqs)
	g.observe(err)
	return subject, err
}

func (g *Gate) check(ctx context.Context, header string, reqs []rbac.Requirement) (*Subject, error) {
	raw, ok := bearerToken(header)
	if !ok {
		return nil, shared.ErrUnauthorized
	}
	claims, err := g.tokens.Verify(raw)
	if err != nil {
		return nil, shared.ErrUnauthorized
	}
	if g.revoked != nil {
		revoked, err := g.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, err
		}
		if revoked {
			return nil, shared.ErrUnauthorized
		}
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, shared.ErrUnauthorized
	}
	user, err := g.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, shared.ErrNotFound
	}
	if err := checkLiveness(*user); err != nil {
		return nil, err
	}
	grants := rbac.Snapshot{Roles: claims.Roles, Permissions: claims.Permissions}
	if !rbac.AuthorizeAll(reqs, grants) {
		return nil, shared.ErrForbidden
	}
	return &Subject{User: *user, Claims: claims}, nil
}

// Require returns middleware admitting only requests that pass Check for every requirement.
func (g *Gate) Require(reqs ...rbac.Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := g.Check(r.Context(), r.Header.Get("Authorization"), reqs...)
			if err != nil {
				if shared.ErrorCode(err) == shared.CodeInternal {
					g.logger.Error("access check", slog.String("path", r.URL.Path), slog.Any("error", err))
				}
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithSubject(r.Context(), subject)))
		})
	}
}

// Authenticate admits any live, authenticated user.
func (g *Gate) Authenticate() func(http.Handler) http.Handler {
	return g.Require()
}

func (g *Gate) observe(err error) {
	if g.metrics == nil {
		return
	}
	g.metrics.ObserveAuthDecision(outcomeOf(err))
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeAllowed
	case errors.Is(err, shared.ErrUnauthorized):
		return OutcomeUnauthorized
	case errors.Is(err, shared.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, shared.ErrAccountInactive):
		return OutcomeInactive
	case errors.Is(err, shared.ErrPendingApproval):
		return OutcomePendingApproval
	case errors.Is(err, shared.ErrForbidden):
		return OutcomeForbidden
	default:
		return OutcomeError
	}
}

// bearerToken extracts the credential of an "Authorization: Bearer <token>" header.
func bearerToken(header string) (string, bool) {
	scheme, raw, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.ContainsAny(raw, " \t") {
		return "", false
	}
	return raw, true
}

type subjectContextKey struct{}

// ContextWithSubject attaches the subject and its principal view to ctx.
func ContextWithSubject(ctx context.Context, s *Subject) context.Context {
	ctx = context.WithValue(ctx, subjectContextKey{}, s)
	if s == nil {
		return ctx
	}
	return shared.ContextWithPrincipal(ctx, &shared.Principal{
		UserID:      s.User.ID,
		Username:    s.User.Username,
		Email:       s.User.Email,
		Roles:       s.Claims.Roles,
		Permissions: s.Claims.Permissions,
		TokenID:     s.Claims.ID,
		ExpiresAt:   s.Claims.ExpiresAtTime(),
	})
}

// SubjectFromContext returns the subject attached by the gate.
func SubjectFromContext(ctx context.Context) *Subject {
	s, _ := ctx.Value(subjectContextKey{}).(*Subject)
	return s
}

var _ rbac.Guard = (*Gate)(nil)
