package users_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/buildingops/buildingops/internal/platform/httpx"
	"github.com/buildingops/buildingops/internal/rbac"
	"github.com/buildingops/buildingops/internal/shared"
	"github.com/buildingops/buildingops/internal/testing/memstore"
	"github.com/buildingops/buildingops/internal/users"
)

type allowGuard struct {
	permissions []string
}

func (g allowGuard) Require(reqs ...rbac.Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rbac.AuthorizeAll(reqs, rbac.Snapshot{Permissions: g.permissions}) {
				httpx.RespondError(w, shared.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), &shared.Principal{UserID: admin})))
		})
	}
}

func newRouter(t *testing.T, permissions ...string) (http.Handler, *memstore.Store) {
	t.Helper()
	svc, store := newService(t)
	h := users.NewHandler(nil, svc, rbac.NewService(store.RBAC()), allowGuard{permissions: permissions})
	r := chi.NewRouter()
	r.Route("/users", h.MountRoutes)
	return r, store
}

func send(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandlerListUsers(t *testing.T) {
	h, store := newRouter(t, shared.PermUsersView)
	addUser(t, store, "rita", "password1", true, false)
	addUser(t, store, "sam", "password1", true, true)

	rr := send(h, http.MethodGet, "/users/?approved=false", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Users      []users.User      `json:"users"`
		Pagination shared.Pagination `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Users, 1)
	assert.Equal(t, "rita", body.Users[0].Username)
	assert.Equal(t, 1, body.Pagination.Total)
	assert.NotContains(t, rr.Body.String(), "password")
}

func TestHandlerGetUser(t *testing.T) {
	h, store := newRouter(t, shared.PermUsersView)
	user := addUser(t, store, "tom", "password1", true, true)

	rr := send(h, http.MethodGet, "/users/1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var got users.User
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, user.ID, got.ID)

	assert.Equal(t, http.StatusNotFound, send(h, http.MethodGet, "/users/9", "").Code)
	assert.Equal(t, http.StatusForbidden, send(h, http.MethodDelete, "/users/1", "").Code)
}

func TestHandlerSetRoles(t *testing.T) {
	h, store := newRouter(t, shared.PermUsersEdit, shared.PermUsersView)
	user := addUser(t, store, "uma", "password1", true, true)
	role := store.AddRole("staff")

	rr := send(h, http.MethodPut, "/users/1/roles", `{"role_ids":[1]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []int64{role.ID}, store.UserRoleIDs(user.ID))

	rr = send(h, http.MethodGet, "/users/1/roles", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"staff"`)

	assert.Equal(t, http.StatusNotFound, send(h, http.MethodPut, "/users/7/roles", `{"role_ids":[1]}`).Code)
	assert.Equal(t, http.StatusNotFound, send(h, http.MethodPut, "/users/1/roles", `{"role_ids":[5]}`).Code)
}

func TestHandlerApprovalHistory(t *testing.T) {
	h, store := newRouter(t, shared.PermUsersView)
	user := addUser(t, store, "vic", "password1", true, false)

	rr := send(h, http.MethodGet, "/users/1/approvals", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"approvals":[]}`, rr.Body.String())

	_, err := users.NewService(store.Users(), bcrypt.MinCost).SetApproval(context.Background(), admin, user.ID, true, "ok")
	require.NoError(t, err)
	rr = send(h, http.MethodGet, "/users/1/approvals", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Approvals []shared.ApprovalLog `json:"approvals"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Approvals, 1)
	assert.Equal(t, shared.ApprovalApprove, body.Approvals[0].Action)
	assert.Equal(t, "ok", body.Approvals[0].Note)

	assert.Equal(t, http.StatusNotFound, send(h, http.MethodGet, "/users/8/approvals", "").Code)
}

func TestHandlerSetActiveRequiresFlag(t *testing.T) {
	h, store := newRouter(t, shared.PermUsersEdit)
	user := addUser(t, store, "vic", "password1", true, true)

	assert.Equal(t, http.StatusBadRequest, send(h, http.MethodPatch, "/users/1/active", `{}`).Code)

	rr := send(h, http.MethodPatch, "/users/1/active", `{"active":false}`)
	require.Equal(t, http.StatusOK, rr.Code)
	stored, _ := store.User(user.ID)
	assert.False(t, stored.IsActive)
}

func TestHandlerResetPassword(t *testing.T) {
	h, store := newRouter(t, shared.PermUsersEdit)
	user := addUser(t, store, "wes", "password1", true, true)

	assert.Equal(t, http.StatusBadRequest, send(h, http.MethodPut, "/users/1/password", `{"password":"short"}`).Code)
	assert.Equal(t, http.StatusNoContent, send(h, http.MethodPut, "/users/1/password", `{"password":"long-enough-pass"}`).Code)
	stored, _ := store.User(user.ID)
	assert.True(t, users.VerifyPassword("long-enough-pass", stored.PasswordHash))

	rr := send(h, http.MethodPut, "/users/1/password", `{"password":"`+strings.Repeat("é", 40)+`"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), shared.CodeValidation)
	stored, _ = store.User(user.ID)
	assert.True(t, users.VerifyPassword("long-enough-pass", stored.PasswordHash))
}

func TestHandlerUpdateUserConflict(t *testing.T) {
	h, store := newRouter(t, shared.PermUsersEdit)
	addUser(t, store, "xena", "password1", true, true)
	addUser(t, store, "yuri", "password1", true, true)

	rr := send(h, http.MethodPatch, "/users/2", `{"email":"xena@example.com"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = send(h, http.MethodPatch, "/users/2", `{"email":"not-an-email"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerDeleteUser(t *testing.T) {
	h, store := newRouter(t, shared.PermUsersDelete)
	addUser(t, store, "zed", "password1", true, true)
	other := addUser(t, store, "zoe", "password1", true, true)

	assert.Equal(t, http.StatusBadRequest, send(h, http.MethodDelete, "/users/1", "").Code, "cannot delete own account")
	assert.Equal(t, http.StatusNoContent, send(h, http.MethodDelete, "/users/2", "").Code)
	_, ok := store.User(other.ID)
	assert.False(t, ok)
}
