package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/nautilus/internal/domain"
	"github.com/prn-tf/nautilus/internal/service"
	"github.com/prn-tf/nautilus/internal/zimfarm"
)

// ArchiveHandler handles archive routes and build callbacks.
type ArchiveHandler struct {
	archives *service.ArchiveService
	webhooks *service.WebhookService
	logger   zerolog.Logger
}

// NewArchiveHandler creates a new ArchiveHandler.
func NewArchiveHandler(archives *service.ArchiveService, webhooks *service.WebhookService, logger zerolog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		archives: archives,
		webhooks: webhooks,
		logger:   logger.With().Str("handler", "archive").Logger(),
	}
}

// RegisterRoutes registers the authenticated archive routes.
func (h *ArchiveHandler) RegisterRoutes(r chi.Router) {
	r.Get("/projects/{project_id}/archives", h.List)
	r.Post("/projects/{project_id}/archives", h.Create)
	r.Get("/projects/{project_id}/archives/{archive_id}", h.Get)
	r.Patch("/projects/{project_id}/archives/{archive_id}", h.Update)
	r.Post("/projects/{project_id}/archives/{archive_id}/request", h.Request)
}

// RegisterHookRoutes registers the build callback, which authenticates
// with a token rather than a user cookie.
func (h *ArchiveHandler) RegisterHookRoutes(r chi.Router) {
	r.Post("/projects/{project_id}/archives/{archive_id}/hook", h.Hook)
}

type updateArchiveRequest struct {
	Email  *string               `json:"email"`
	Config *domain.ArchiveConfig `json:"config"`
}

func archiveScope(r *http.Request) (userID, projectID, archiveID uuid.UUID, err error) {
	userID, projectID, err = projectScope(r)
	if err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, err
	}
	archiveID, err = uuidParam(r, "archive_id", domain.ErrArchiveNotFound)
	return userID, projectID, archiveID, err
}

// Create adds a PENDING archive to a project.
func (h *ArchiveHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, projectID, err := projectScope(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	archive, err := h.archives.Create(r.Context(), userID, projectID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, archive)
}

// List lists the archives of a project.
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, projectID, err := projectScope(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	archives, err := h.archives.List(r.Context(), userID, projectID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if archives == nil {
		archives = []*domain.Archive{}
	}
	writeJSON(w, http.StatusOK, archives)
}

// Get returns an archive.
func (h *ArchiveHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, projectID, archiveID, err := archiveScope(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	archive, err := h.archives.Get(r.Context(), userID, projectID, archiveID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, archive)
}

// Update edits the email and config of a PENDING archive.
func (h *ArchiveHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, projectID, archiveID, err := archiveScope(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req updateArchiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	_, err = h.archives.Update(r.Context(), service.UpdateArchiveInput{
		ProjectID: projectID,
		UserID:    userID,
		ArchiveID: archiveID,
		Email:     req.Email,
		Config:    req.Config,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Request submits an archive for building.
func (h *ArchiveHandler) Request(w http.ResponseWriter, r *http.Request) {
	userID, projectID, archiveID, err := archiveScope(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	archive, err := h.archives.Request(r.Context(), userID, projectID, archiveID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, archive)
}

// Hook records the outcome of a build reported by the build service.
func (h *ArchiveHandler) Hook(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuidParam(r, "project_id", domain.ErrProjectNotFound)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	archiveID, err := uuidParam(r, "archive_id", domain.ErrArchiveNotFound)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var payload zimfarm.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, h.logger, fmt.Errorf("%w: invalid callback payload: %v", service.ErrBadRequest, err))
		return
	}

	query := r.URL.Query()
	err = h.webhooks.HandleBuildCallback(r.Context(), projectID, archiveID, query.Get("token"), query.Get("target"), payload)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
