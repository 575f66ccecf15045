package rbac

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/buildingops/buildingops/internal/platform/httpx"
	"github.com/buildingops/buildingops/internal/shared"
)

// Handler exposes role and permission management endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	guard     Guard
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, guard Guard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, guard: guard, validator: validator.New()}
}

// MountRoleRoutes registers /roles routes.
func (h *Handler) MountRoleRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(RequirePermission(shared.PermRolesView)))
		r.Get("/", h.listRoles)
		r.Get("/{id}", h.getRole)
		r.Get("/{id}/users", h.usersWithRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(RequirePermission(shared.PermRolesEdit)))
		r.Post("/", h.createRole)
		r.Put("/{id}", h.updateRole)
		r.Delete("/{id}", h.deleteRole)
		r.Put("/{id}/permissions", h.setRolePermissions)
		r.Post("/{id}/permissions/{permissionID}", h.assignPermission)
		r.Delete("/{id}/permissions/{permissionID}", h.removePermission)
	})
}

// MountPermissionRoutes registers /permissions routes.
func (h *Handler) MountPermissionRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(RequirePermission(shared.PermPermissionsView)))
		r.Get("/", h.listPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(RequirePermission(shared.PermPermissionsEdit)))
		r.Post("/", h.createPermission)
		r.Delete("/{id}", h.deletePermission)
	})
}

type roleRequest struct {
	Name        string `json:"name" validate:"required,max=64"`
	Description string `json:"description" validate:"max=255"`
}

type permissionRequest struct {
	Name        string `json:"name" validate:"required,max=128"`
	Description string `json:"description" validate:"max=255"`
}

type idsRequest struct {
	IDs []int64 `json:"ids" validate:"dive,gt=0"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, r, "list roles", err)
		return
	}
	if roles == nil {
		roles = []Role{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, "get role", err)
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) usersWithRole(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, "users with role", err)
		return
	}
	ids, err := h.service.GetUsersWithRole(r.Context(), id)
	if err != nil {
		h.fail(w, r, "users with role", err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_ids": ids})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), shared.ActorID(r.Context()), req.Name, req.Description)
	if err != nil {
		h.fail(w, r, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, "update role", err)
		return
	}
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.UpdateRole(r.Context(), shared.ActorID(r.Context()), id, req.Name, req.Description)
	if err != nil {
		h.fail(w, r, "update role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, "delete role", err)
		return
	}
	if err := h.service.DeleteRole(r.Context(), shared.ActorID(r.Context()), id); err != nil {
		h.fail(w, r, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, "set role permissions", err)
		return
	}
	var req idsRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.SetRolePermissions(r.Context(), shared.ActorID(r.Context()), id, req.IDs)
	if err != nil {
		h.fail(w, r, "set role permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) assignPermission(w http.ResponseWriter, r *http.Request) {
	roleID, permID, ok := h.linkParams(w, r, "assign permission")
	if !ok {
		return
	}
	if err := h.service.AssignPermission(r.Context(), roleID, permID); err != nil {
		h.fail(w, r, "assign permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removePermission(w http.ResponseWriter, r *http.Request) {
	roleID, permID, ok := h.linkParams(w, r, "remove permission")
	if !ok {
		return
	}
	if err := h.service.RemovePermission(r.Context(), roleID, permID); err != nil {
		h.fail(w, r, "remove permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.fail(w, r, "list permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": nonNilPermissions(perms)})
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	perm, err := h.service.CreatePermission(r.Context(), shared.ActorID(r.Context()), req.Name, req.Description)
	if err != nil {
		h.fail(w, r, "create permission", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, perm)
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, "delete permission", err)
		return
	}
	if err := h.service.DeletePermission(r.Context(), shared.ActorID(r.Context()), id); err != nil {
		h.fail(w, r, "delete permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) linkParams(w http.ResponseWriter, r *http.Request, op string) (int64, int64, bool) {
	roleID, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, op, err)
		return 0, 0, false
	}
	permID, err := httpx.IDParam(r, "permissionID")
	if err != nil {
		h.fail(w, r, op, err)
		return 0, 0, false
	}
	return roleID, permID, true
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
