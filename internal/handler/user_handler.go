package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/prn-tf/nautilus/internal/auth"
	"github.com/prn-tf/nautilus/internal/service"
)

// UserHandler handles user creation.
type UserHandler struct {
	users  *service.UserService
	issuer *auth.Issuer
	cookie auth.CookieConfig
	logger zerolog.Logger
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(users *service.UserService, issuer *auth.Issuer, cookie auth.CookieConfig, logger zerolog.Logger) *UserHandler {
	return &UserHandler{
		users:  users,
		issuer: issuer,
		cookie: cookie,
		logger: logger.With().Str("handler", "user").Logger(),
	}
}

// RegisterRoutes registers user routes.
func (h *UserHandler) RegisterRoutes(r chi.Router) {
	r.Post("/users", h.Create)
}

// Create creates a user and sets its cookie.
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.Create(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := auth.SetCookie(w, h.issuer, h.cookie, user.ID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}
