package users

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/buildingops/buildingops/internal/platform/httpx"
	"github.com/buildingops/buildingops/internal/rbac"
	"github.com/buildingops/buildingops/internal/shared"
)

// RoleAssigner is the slice of the role graph the user endpoints need.
type RoleAssigner interface {
	GetUserRoles(ctx context.Context, userID int64) ([]rbac.Role, error)
	SetUserRoles(ctx context.Context, actorID, userID int64, roleIDs []int64) (rbac.Reconciliation, error)
}

// Handler manages user administration endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	roles     RoleAssigner
	guard     rbac.Guard
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, roles RoleAssigner, guard rbac.Guard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, roles: roles, guard: guard, validator: validator.New()}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(rbac.RequirePermission(shared.PermUsersView)))
		r.Get("/", h.listUsers)
		r.Get("/{id}", h.getUser)
		r.Get("/{id}/roles", h.userRoles)
		r.Get("/{id}/approvals", h.approvals)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(rbac.RequirePermission(shared.PermUsersEdit)))
		r.Patch("/{id}", h.updateUser)
		r.Patch("/{id}/active", h.setActive)
		r.Put("/{id}/roles", h.setRoles)
		r.Put("/{id}/password", h.resetPassword)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(rbac.RequirePermission(shared.PermUsersDelete)))
		r.Delete("/{id}", h.deleteUser)
	})
}

type updateRequest struct {
	Username *string `json:"username" validate:"omitempty,min=3,max=64"`
	Email    *string `json:"email" validate:"omitempty,email,max=255"`
	Name     *string `json:"name" validate:"omitempty,max=128"`
}

type activeRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type rolesRequest struct {
	RoleIDs []int64 `json:"role_ids" validate:"dive,gt=0"`
}

type passwordRequest struct {
	Password string `json:"password" validate:"required,min=8,max=72"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := ListFilters{Search: q.Get("q")}
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	filters.Approved = parseBool(q.Get("approved"))
	filters.Active = parseBool(q.Get("active"))

	users, page, err := h.service.ListUsers(r.Context(), filters)
	if err != nil {
		h.fail(w, r, "list users", err)
		return
	}
	if users == nil {
		users = []User{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": users, "pagination": page})
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, "get user", err)
		return
	}
	user, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get user", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) userRoles(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, "user roles", err)
		return
	}
	roles, err := h.roles.GetUserRoles(r.Context(), id)
	if err != nil {
		h.fail(w, r, "user roles", err)
		return
	}
	if roles == nil {
		roles = []rbac.Role{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) approvals(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, "approval history", err)
		return
	}
	logs, err := h.service.ApprovalHistory(r.Context(), id)
	if err != nil {
		h.fail(w, r, "approval history", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"approvals": logs})
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, "update user", err)
		return
	}
	var req updateRequest
	if !h.decode(w, r, &req) {
		return
	}
	user, err := h.service.UpdateProfile(r.Context(), id, ProfileUpdate{Username: req.Username, Email: req.Email, Name: req.Name})
	if err != nil {
		h.fail(w, r, "update user", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, "set active", err)
		return
	}
	var req activeRequest
	if !h.decode(w, r, &req) {
		return
	}
	user, err := h.service.SetActive(r.Context(), shared.ActorID(r.Context()), id, *req.Active)
	if err != nil {
		h.fail(w, r, "set active", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) setRoles(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, "set user roles", err)
		return
	}
	var req rolesRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := h.service.Get(r.Context(), id); err != nil {
		h.fail(w, r, "set user roles", err)
		return
	}
	result, err := h.roles.SetUserRoles(r.Context(), shared.ActorID(r.Context()), id, req.RoleIDs)
	if err != nil {
		h.fail(w, r, "set user roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, "reset password", err)
		return
	}
	var req passwordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.ResetPassword(r.Context(), shared.ActorID(r.Context()), id, req.Password); err != nil {
		h.fail(w, r, "reset password", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, "delete user", err)
		return
	}
	if err := h.service.Delete(r.Context(), shared.ActorID(r.Context()), id); err != nil {
		h.fail(w, r, "delete user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(w, r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.ValidationProblem(w, httpx.ValidationFields(err))
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Warn(op, slog.Int64("actor_id", shared.ActorID(r.Context())), slog.Any("error", err))
	httpx.RespondError(w, err)
}

func parseBool(raw string) *bool {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &v
}
