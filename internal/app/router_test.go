package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildingops/buildingops/internal/audit"
	audithttp "github.com/buildingops/buildingops/internal/audit/http"
	"github.com/buildingops/buildingops/internal/auth"
	"github.com/buildingops/buildingops/internal/observability"
	"github.com/buildingops/buildingops/internal/rbac"
	"github.com/buildingops/buildingops/internal/token"
	"github.com/buildingops/buildingops/internal/users"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type noUsers struct{}

func (noUsers) FindByID(context.Context, int64) (*users.User, error) { return nil, nil }

func testRouter(t *testing.T, readiness map[string]Pinger) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &Config{AppEnv: "test", RateLimitPerMinute: 1000, AppRequestTimeout: time.Second}
	tokens, err := token.NewManager(token.Config{Secret: []byte("secret"), Issuer: "buildingops", Audience: "buildingops-api", TTL: time.Hour})
	require.NoError(t, err)
	metrics := observability.NewMetrics()
	gate := auth.NewGate(tokens, noUsers{}, nil, metrics, logger)
	authSvc := auth.NewService(nil, nil, nil, tokens, nil, nil, logger, auth.Options{})
	return NewRouter(RouterParams{
		Logger:       logger,
		Config:       cfg,
		Gate:         gate,
		AuthHandler:  auth.NewHandler(logger, authSvc, gate, 0),
		RBACHandler:  rbac.NewHandler(logger, rbac.NewService(nil), gate),
		AuditHandler: audithttp.NewHandler(logger, audit.NewService(nil), gate),
		Metrics:      metrics,
		Readiness:    readiness,
	})
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestHealthz(t *testing.T) {
	h := testRouter(t, nil)
	rr := serve(h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func TestReadyz(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("dial tcp: refused") })

	h := testRouter(t, map[string]Pinger{"postgres": ok, "redis": ok})
	rr := serve(h, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rr.Code)

	h = testRouter(t, map[string]Pinger{"postgres": ok, "redis": down})
	rr = serve(h, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body["redis"])
	assert.NotContains(t, rr.Body.String(), "refused")
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h := testRouter(t, nil)

	for _, path := range []string{"/roles/", "/permissions/", "/audit/", "/auth/profile"} {
		rr := serve(h, http.MethodGet, path)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, path)
	}

	rr := serve(h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `buildingops_auth_decisions_total{outcome="unauthorized"} 4`)
}

func TestNotFoundIsJSON(t *testing.T) {
	h := testRouter(t, nil)
	rr := serve(h, http.MethodGet, "/buildings")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.True(t, strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json"))
	assert.Contains(t, rr.Body.String(), `"code":"NOT_FOUND"`)
}
