package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/prn-tf/nautilus/internal/domain"
)

// UserStore looks up users by ID.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

// CookieConfig describes the user cookie.
type CookieConfig struct {
	Name   string
	Domain string
	Secure bool
}

// userIDKey is the context key for the authenticated user ID.
type userIDKey struct{}

// WithUserID returns a context carrying the authenticated user ID.
func WithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey{}, id)
}

// UserIDFromContext returns the authenticated user ID, if any.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// SetCookie writes the user cookie for userID.
func SetCookie(w http.ResponseWriter, issuer *Issuer, cfg CookieConfig, userID uuid.UUID) error {
	token, err := issuer.Issue(userID)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name,
		Value:    token,
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   int(issuer.MaxAge().Seconds()),
		Secure:   cfg.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// ClearCookie expires the user cookie.
func ClearCookie(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name,
		Value:    "",
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   -1,
		Secure:   cfg.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Middleware authenticates requests by their user cookie and stores the
// user ID in the request context.
func Middleware(users UserStore, issuer *Issuer, cfg CookieConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(cfg.Name)
			if err != nil || cookie.Value == "" {
				writeAuthError(w, ErrMissingUserID)
				return
			}

			userID, err := issuer.Parse(cookie.Value)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected user cookie")
				ClearCookie(w, cfg)
				writeAuthError(w, ErrInvalidToken)
				return
			}

			if _, err := users.GetByID(r.Context(), userID); err != nil {
				if !errors.Is(err, domain.ErrUserNotFound) {
					log.Error().Err(err).Str("user_id", userID.String()).Msg("failed to look up user")
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{"detail": "internal error"})
					return
				}
				ClearCookie(w, cfg)
				writeAuthError(w, ErrUnknownUser)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// writeAuthError writes a 401 JSON error response.
func writeAuthError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": err.Error()})
}
