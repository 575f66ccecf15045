package e2e

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/buildingops/buildingops/internal/app"
	"github.com/buildingops/buildingops/internal/auth"
	"github.com/buildingops/buildingops/internal/observability"
	"github.com/buildingops/buildingops/internal/rbac"
	"github.com/buildingops/buildingops/internal/shared"
	"github.com/buildingops/buildingops/internal/testing/memstore"
	"github.com/buildingops/buildingops/internal/token"
	"github.com/buildingops/buildingops/internal/users"
)

type stack struct {
	handler http.Handler
	store   *memstore.Store
	manager rbac.Role
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()

	tokens, err := token.NewManager(token.Config{
		Secret:   []byte("e2e-secret-e2e-secret-e2e-secret"),
		Issuer:   "buildingops",
		Audience: "buildingops-api",
		TTL:      time.Hour,
	})
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	denylist := token.NewDenylist(client)

	userSvc := users.NewService(store.Users(), bcrypt.MinCost)
	graph := rbac.NewService(store.RBAC())
	metrics := observability.NewMetrics()
	gate := auth.NewGate(tokens, userSvc, denylist, metrics, logger)
	authSvc := auth.NewService(userSvc, graph, store.Auth(), tokens, denylist, nil, logger, auth.Options{})

	adminRole := store.AddRole(shared.RoleAdmin)
	store.AddRole(shared.RoleUser)
	manager := store.AddRole("manager")
	for _, name := range shared.CoreScopes() {
		perm := store.AddPermission(name)
		store.Grant(adminRole.ID, perm.ID)
		if name == shared.PermRolesView {
			store.Grant(manager.ID, perm.ID)
		}
	}

	hash, err := users.HashPassword("admin-password", bcrypt.MinCost)
	require.NoError(t, err)
	admin := store.AddUser(users.User{Username: "admin", Email: "admin@example.com", PasswordHash: hash, IsActive: true, IsApproved: true})
	store.AssignRole(admin.ID, adminRole.ID)

	cfg := &app.Config{AppEnv: "test", RateLimitPerMinute: 1000, AppRequestTimeout: 5 * time.Second}
	handler := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		Gate:         gate,
		AuthHandler:  auth.NewHandler(logger, authSvc, gate, 0),
		UsersHandler: users.NewHandler(logger, userSvc, graph, gate),
		RBACHandler:  rbac.NewHandler(logger, graph, gate),
		Metrics:      metrics,
	})
	return &stack{handler: handler, store: store, manager: manager}
}

func (s *stack) call(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func (s *stack) login(t *testing.T, username, password string) auth.Session {
	t.Helper()
	rr := s.call(t, http.MethodPost, "/auth/login", "", fmt.Sprintf(`{"username":%q,"password":%q}`, username, password))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var session auth.Session
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &session))
	return session
}

func problemCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Code
}

func TestRegistrationApprovalAndRoleChange(t *testing.T) {
	s := newStack(t)

	rr := s.call(t, http.MethodPost, "/auth/register", "", `{"username":"bob","email":"bob@example.com","password":"bob-password"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var registered struct {
		User users.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &registered))
	bobID := registered.User.ID
	assert.False(t, registered.User.IsApproved)

	bob := s.login(t, "bob", "bob-password")
	assert.Equal(t, []string{shared.RoleUser}, bob.Roles)

	rr = s.call(t, http.MethodGet, "/auth/profile", bob.Token, "")
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, shared.CodePendingApproval, problemCode(t, rr))

	admin := s.login(t, "admin", "admin-password")
	rr = s.call(t, http.MethodPatch, fmt.Sprintf("/auth/approve/%d", bobID), admin.Token, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = s.call(t, http.MethodGet, "/auth/profile", bob.Token, "")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = s.call(t, http.MethodGet, "/roles/", bob.Token, "")
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, shared.CodeForbidden, problemCode(t, rr))

	rr = s.call(t, http.MethodPut, fmt.Sprintf("/users/%d/roles", bobID), admin.Token, fmt.Sprintf(`{"role_ids":[%d]}`, s.manager.ID))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	// The old token still carries the snapshot taken at login.
	rr = s.call(t, http.MethodGet, "/roles/", bob.Token, "")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = s.call(t, http.MethodPost, "/auth/refresh-token", bob.Token, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var refreshed auth.Session
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &refreshed))
	assert.Equal(t, []string{"manager"}, refreshed.Roles)
	assert.Contains(t, refreshed.Permissions, shared.PermRolesView)

	rr = s.call(t, http.MethodGet, "/roles/", refreshed.Token, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = s.call(t, http.MethodGet, "/roles/", bob.Token, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.call(t, http.MethodPost, "/auth/logout", refreshed.Token, "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = s.call(t, http.MethodGet, "/auth/profile", refreshed.Token, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
}

func TestDeactivatedUserIsLockedOut(t *testing.T) {
	s := newStack(t)
	hash, err := users.HashPassword("carol-password", bcrypt.MinCost)
	require.NoError(t, err)
	carol := s.store.AddUser(users.User{Username: "carol", Email: "carol@example.com", PasswordHash: hash, IsActive: true, IsApproved: true})

	session := s.login(t, "carol", "carol-password")
	admin := s.login(t, "admin", "admin-password")

	rr := s.call(t, http.MethodPatch, fmt.Sprintf("/users/%d/active", carol.ID), admin.Token, `{"active":false}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = s.call(t, http.MethodGet, "/auth/profile", session.Token, "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, shared.CodeAccountInactive, problemCode(t, rr))

	rr = s.call(t, http.MethodPost, "/auth/refresh-token", session.Token, "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, shared.CodeAccountInactive, problemCode(t, rr))
}
