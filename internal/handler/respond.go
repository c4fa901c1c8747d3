package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/nautilus/internal/auth"
	"github.com/prn-tf/nautilus/internal/domain"
	"github.com/prn-tf/nautilus/internal/service"
)

// errorResponse is the body of every error answer.
type errorResponse struct {
	Detail string `json:"detail"`
}

// statusByError maps client errors to HTTP status codes.
var statusByError = []struct {
	err    error
	status int
}{
	{service.ErrMissingFilename, http.StatusBadRequest},
	{service.ErrEmptyFile, http.StatusBadRequest},
	{service.ErrBadRequest, http.StatusBadRequest},
	{service.ErrInvalidIllustration, http.StatusBadRequest},
	{service.ErrBuildRequestRejected, http.StatusBadRequest},
	{domain.ErrProjectNameEmpty, http.StatusBadRequest},
	{domain.ErrProjectNameTooLong, http.StatusBadRequest},
	{domain.ErrArchiveConfigInvalid, http.StatusBadRequest},

	{service.ErrInvalidCallbackToken, http.StatusUnauthorized},
	{auth.ErrMissingUserID, http.StatusUnauthorized},

	{domain.ErrUserNotFound, http.StatusNotFound},
	{domain.ErrProjectNotFound, http.StatusNotFound},
	{domain.ErrFileNotFound, http.StatusNotFound},
	{domain.ErrArchiveNotFound, http.StatusNotFound},

	{domain.ErrArchiveNotPending, http.StatusConflict},
	{domain.ErrArchiveConfigIncomplete, http.StatusConflict},
	{domain.ErrProjectNotReady, http.StatusConflict},

	{service.ErrFileTooLarge, http.StatusRequestEntityTooLarge},
	{service.ErrQuotaExceeded, http.StatusRequestEntityTooLarge},

	{service.ErrBuildServiceUnavailable, http.StatusBadGateway},
}

// errorStatus returns the HTTP status of err.
func errorStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	for _, m := range statusByError {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// writeError writes err as a {"detail": ...} answer. Server errors are
// logged and answered with their sentinel message only.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status := errorStatus(err)
	detail := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		logger.Error().Err(err).Msg("request failed")
		detail = service.ErrInternalError.Error()
		if errors.Is(err, service.ErrStagingFailed) {
			detail = service.ErrStagingFailed.Error()
		}
	}
	writeJSON(w, status, errorResponse{Detail: detail})
}

// writeJSON writes v as a JSON answer.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", service.ErrBadRequest, err)
	}
	return nil
}

// uuidParam parses a UUID path parameter. A malformed value is reported
// as notFound, since no such resource can exist.
func uuidParam(r *http.Request, name string, notFound error) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, notFound
	}
	return id, nil
}
