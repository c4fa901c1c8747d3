package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/nautilus/internal/auth"
	"github.com/prn-tf/nautilus/internal/domain"
	"github.com/prn-tf/nautilus/internal/service"
)

// ProjectHandler handles project routes.
type ProjectHandler struct {
	projects *service.ProjectService
	logger   zerolog.Logger
}

// NewProjectHandler creates a new ProjectHandler.
func NewProjectHandler(projects *service.ProjectService, logger zerolog.Logger) *ProjectHandler {
	return &ProjectHandler{
		projects: projects,
		logger:   logger.With().Str("handler", "project").Logger(),
	}
}

// RegisterRoutes registers project routes.
func (h *ProjectHandler) RegisterRoutes(r chi.Router) {
	r.Get("/projects", h.List)
	r.Post("/projects", h.Create)
	r.Get("/projects/{project_id}", h.Get)
	r.Patch("/projects/{project_id}", h.Update)
	r.Delete("/projects/{project_id}", h.Delete)
}

type createProjectRequest struct {
	Name string `json:"name"`
}

type updateProjectRequest struct {
	Name       *string `json:"name"`
	WebDAVPath *string `json:"webdav_path"`
}

// projectScope returns the authenticated user and the project of the path.
func projectScope(r *http.Request) (userID, projectID uuid.UUID, err error) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		return uuid.Nil, uuid.Nil, auth.ErrMissingUserID
	}
	projectID, err = uuidParam(r, "project_id", domain.ErrProjectNotFound)
	return userID, projectID, err
}

// Create creates a project.
func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	project, err := h.projects.Create(r.Context(), userID, req.Name)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

// List lists the caller's projects.
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	projects, err := h.projects.List(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if projects == nil {
		projects = []*domain.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

// Get returns a project.
func (h *ProjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, projectID, err := projectScope(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	project, err := h.projects.Get(r.Context(), userID, projectID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// Update renames a project or sets its WebDAV path.
func (h *ProjectHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, projectID, err := projectScope(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req updateProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	_, err = h.projects.Update(r.Context(), service.UpdateProjectInput{
		ProjectID:  projectID,
		UserID:     userID,
		Name:       req.Name,
		WebDAVPath: req.WebDAVPath,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete deletes a project with its files and archives.
func (h *ProjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, projectID, err := projectScope(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if err := h.projects.Delete(r.Context(), userID, projectID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
