// Package handler provides the HTTP API of Nautilus.
package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/prn-tf/nautilus/internal/auth"
	"github.com/prn-tf/nautilus/internal/metrics"
	"github.com/prn-tf/nautilus/internal/service"
)

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// DefaultAPIPrefix mounts the API when no prefix is configured.
const DefaultAPIPrefix = "/v1"

// Router builds the HTTP handler of the API.
type Router struct {
	config RouterConfig
	logger zerolog.Logger
}

// RouterConfig contains the services and settings of the router.
type RouterConfig struct {
	Users    *service.UserService
	Projects *service.ProjectService
	Files    *service.FileService
	Archives *service.ArchiveService
	Webhooks *service.WebhookService

	// Issuer signs and verifies user cookies.
	Issuer *auth.Issuer
	Cookie auth.CookieConfig

	// Health is checked by /health. Optional.
	Health HealthChecker

	Metrics *metrics.Metrics
	Logger  zerolog.Logger

	// APIPrefix mounts the versioned API. Defaults to DefaultAPIPrefix.
	APIPrefix string

	// AllowedOrigins are the CORS origins allowed to call the API.
	AllowedOrigins []string

	// StorageURL is the public base URL of stored files.
	StorageURL string

	// MaxUploadSize bounds the body of a file upload.
	MaxUploadSize int64
}

// NewRouter creates a new Router.
func NewRouter(config RouterConfig) *Router {
	config.APIPrefix = "/" + strings.Trim(config.APIPrefix, "/")
	if config.APIPrefix == "/" {
		config.APIPrefix = DefaultAPIPrefix
	}
	return &Router{
		config: config,
		logger: config.Logger.With().Str("component", "router").Logger(),
	}
}

// Handler returns the main HTTP handler.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(rt.requestLogger)
	r.Use(middleware.Recoverer)

	// Health check (no auth)
	r.Get("/health", rt.handleHealth)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, rt.config.APIPrefix, http.StatusPermanentRedirect)
	})

	users := NewUserHandler(rt.config.Users, rt.config.Issuer, rt.config.Cookie, rt.config.Logger)
	projects := NewProjectHandler(rt.config.Projects, rt.config.Logger)
	files := NewFileHandler(rt.config.Files, rt.config.MaxUploadSize, rt.config.Logger)
	archives := NewArchiveHandler(rt.config.Archives, rt.config.Webhooks, rt.config.Logger)

	api := chi.NewRouter()
	api.Use(cors.Handler(cors.Options{
		AllowedOrigins:   rt.config.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	api.Get("/ping", rt.handlePing)
	api.Get("/config", rt.handleConfig)

	users.RegisterRoutes(api)
	archives.RegisterHookRoutes(api)

	api.Group(func(r chi.Router) {
		r.Use(auth.Middleware(rt.config.Users, rt.config.Issuer, rt.config.Cookie))
		projects.RegisterRoutes(r)
		files.RegisterRoutes(r)
		archives.RegisterRoutes(r)
	})
	r.Mount(rt.config.APIPrefix, api)

	return r
}

// handleHealth handles health check requests.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if rt.config.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := rt.config.Health.Health(ctx); err != nil {
			rt.logger.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (rt *Router) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

func (rt *Router) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"NAUTILUS_STORAGE_URL": rt.config.StorageURL})
}

// requestLogger logs every request and records its metrics.
func (rt *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		rt.config.Metrics.RecordRequest(r.Method, route, status, duration)

		event := rt.logger.Debug()
		if status >= http.StatusInternalServerError {
			event = rt.logger.Warn()
		}
		event.
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", duration).
			Msg("request")
	})
}
