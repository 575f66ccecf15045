package auth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/buildingops/buildingops/internal/platform/httpx"
	"github.com/buildingops/buildingops/internal/rbac"
	"github.com/buildingops/buildingops/internal/shared"
	"github.com/buildingops/buildingops/internal/token"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger     *slog.Logger
	service    *Service
	gate       *Gate
	validator  *validator.Validate
	loginLimit int
}

// NewHandler constructs a Handler instance. loginLimit caps login and registration
// attempts per client IP per minute; zero disables the extra limit.
func NewHandler(logger *slog.Logger, service *Service, gate *Gate, loginLimit int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:     logger,
		service:    service,
		gate:       gate,
		validator:  validator.New(),
		loginLimit: loginLimit,
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.loginLimit > 0 {
			r.Use(httprate.LimitByIP(h.loginLimit, time.Minute))
		}
		r.Post("/login", h.handleLogin)
		r.Post("/register", h.handleRegister)
		r.Post("/refresh-token", h.handleRefresh)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.Authenticate())
		r.Get("/profile", h.handleProfile)
		r.Post("/logout", h.handleLogout)
		r.Post("/change-password", h.handleChangePassword)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.Require(rbac.RequirePermission(shared.PermUsersApprove)))
		r.Patch("/approve/{userID}", h.handleApprove)
	})
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	Token string `json:"token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=72,nefield=CurrentPassword"`
}

type approveRequest struct {
	Note string `json:"note" validate:"max=500"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.logger.Info("login rejected", slog.String("username", req.Username), slog.String("code", shared.ErrorCode(err)))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, session)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterInput
	if !h.decode(w, r, &req) {
		return
	}
	user, err := h.service.Register(r.Context(), req)
	if err != nil {
		h.fail(w, r, "register", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"user":    user,
		"message": "Registration received; an administrator must approve the account before it can be used",
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		var req refreshRequest
		if err := httpx.DecodeJSON(w, r, &req); err != nil || req.Token == "" {
			httpx.RespondError(w, shared.ErrUnauthorized)
			return
		}
		raw = req.Token
	}
	session, err := h.service.RefreshToken(r.Context(), raw)
	if err != nil {
		h.fail(w, r, "refresh token", err)
		return
	}
	httpx.JSON(w, http.StatusOK, session)
}

func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.service.Profile(r.Context(), shared.ActorID(r.Context()))
	if err != nil {
		h.fail(w, r, "profile", err)
		return
	}
	httpx.JSON(w, http.StatusOK, profile)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var claims *token.Claims
	if subject := SubjectFromContext(r.Context()); subject != nil {
		claims = subject.Claims
	}
	if err := h.service.Logout(r.Context(), claims); err != nil {
		h.fail(w, r, "logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.ChangePassword(r.Context(), shared.ActorID(r.Context()), req.CurrentPassword, req.NewPassword); err != nil {
		h.fail(w, r, "change password", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	userID, err := httpx.IDParam(r, "userID")
	if err != nil {
		h.fail(w, r, "approve", err)
		return
	}
	var req approveRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	user, err := h.service.Approve(r.Context(), shared.ActorID(r.Context()), userID, req.Note)
	if err != nil {
		h.fail(w, r, "approve", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
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
