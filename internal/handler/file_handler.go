package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/nautilus/internal/domain"
	"github.com/prn-tf/nautilus/internal/service"
)

// uploadField is the multipart field carrying the uploaded file.
const uploadField = "uploaded_file"

// multipartMemory is the part of an upload kept in memory before
// spilling to a temporary file.
const multipartMemory = 8 << 20

// FileHandler handles file routes of a project.
type FileHandler struct {
	files         *service.FileService
	maxUploadSize int64
	logger        zerolog.Logger
}

// NewFileHandler creates a new FileHandler. maxUploadSize bounds the
// request body; zero means unbounded.
func NewFileHandler(files *service.FileService, maxUploadSize int64, logger zerolog.Logger) *FileHandler {
	return &FileHandler{
		files:         files,
		maxUploadSize: maxUploadSize,
		logger:        logger.With().Str("handler", "file").Logger(),
	}
}

// RegisterRoutes registers file routes.
func (h *FileHandler) RegisterRoutes(r chi.Router) {
	r.Get("/projects/{project_id}/files", h.List)
	r.Post("/projects/{project_id}/files", h.Upload)
	r.Get("/projects/{project_id}/files/{file_id}", h.Get)
	r.Patch("/projects/{project_id}/files/{file_id}", h.Update)
	r.Delete("/projects/{project_id}/files/{file_id}", h.Delete)
}

type updateFileRequest struct {
	Filename    *string   `json:"filename"`
	Title       *string   `json:"title"`
	Authors     *[]string `json:"authors"`
	Description *string   `json:"description"`
}

func fileScope(r *http.Request) (userID, projectID, fileID uuid.UUID, err error) {
	userID, projectID, err = projectScope(r)
	if err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, err
	}
	fileID, err = uuidParam(r, "file_id", domain.ErrFileNotFound)
	return userID, projectID, fileID, err
}

// Upload stages a multipart upload and schedules its promotion.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID, projectID, err := projectScope(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if h.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, h.logger, service.ErrFileTooLarge)
			return
		}
		writeError(w, h.logger, fmt.Errorf("%w: invalid multipart body: %v", service.ErrBadRequest, err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	body, header, err := r.FormFile(uploadField)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			writeError(w, h.logger, fmt.Errorf("%w: missing %s field", service.ErrBadRequest, uploadField))
			return
		}
		writeError(w, h.logger, fmt.Errorf("%w: %v", service.ErrBadRequest, err))
		return
	}
	defer body.Close()

	file, err := h.files.Upload(r.Context(), service.UploadFileInput{
		ProjectID: projectID,
		UserID:    userID,
		Filename:  header.Filename,
		Body:      body,
		Size:      header.Size,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, file)
}

// List lists the files of a project.
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, projectID, err := projectScope(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	files, err := h.files.List(r.Context(), userID, projectID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if files == nil {
		files = []*domain.File{}
	}
	writeJSON(w, http.StatusOK, files)
}

// Get returns a file.
func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, projectID, fileID, err := fileScope(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	file, err := h.files.Get(r.Context(), userID, projectID, fileID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// Update edits the metadata of a file.
func (h *FileHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, projectID, fileID, err := fileScope(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req updateFileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	_, err = h.files.Update(r.Context(), service.UpdateFileInput{
		ProjectID:   projectID,
		UserID:      userID,
		FileID:      fileID,
		Filename:    req.Filename,
		Title:       req.Title,
		Authors:     req.Authors,
		Description: req.Description,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete deletes a file.
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, projectID, fileID, err := fileScope(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if err := h.files.Delete(r.Context(), userID, projectID, fileID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
