package domain

import (
	"errors"
	"fmt"
)

// Domain errors - these represent business rule violations.
// They are distinct from infrastructure errors (database, network, etc.).

var (
	// ===========================================
	// User Errors
	// ===========================================

	// ErrUserNotFound indicates the requested user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserAlreadyExists indicates a user with the same ID exists.
	ErrUserAlreadyExists = errors.New("user already exists")

	// ===========================================
	// Project Errors
	// ===========================================

	// ErrProjectNotFound indicates the requested project does not exist
	// or is not owned by the caller.
	ErrProjectNotFound = errors.New("project not found")

	// ErrProjectNameEmpty indicates the project name is blank.
	ErrProjectNameEmpty = errors.New("project name cannot be empty")

	// ErrProjectNameTooLong indicates the project name exceeds 255 characters.
	ErrProjectNameTooLong = errors.New("project name must be at most 255 characters")

	// ErrProjectNotReady indicates the project has no committed file yet.
	ErrProjectNotReady = errors.New("project is not ready (no archive or no files)")

	// ===========================================
	// File Errors
	// ===========================================

	// ErrFileNotFound indicates the requested file does not exist.
	ErrFileNotFound = errors.New("file not found")

	// ErrInvalidFileStatus indicates an unknown lifecycle status.
	ErrInvalidFileStatus = errors.New("invalid file status")

	// ===========================================
	// Archive Errors
	// ===========================================

	// ErrArchiveNotFound indicates the requested archive does not exist.
	ErrArchiveNotFound = errors.New("archive not found")

	// ErrArchiveNotPending indicates the archive was already requested.
	ErrArchiveNotPending = errors.New("non-pending archive cannot be modified or requested")

	// ErrArchiveConfigIncomplete indicates a required config value is missing.
	ErrArchiveConfigIncomplete = errors.New("archive config missing required properties")

	// ErrArchiveConfigInvalid indicates a config value fails format validation.
	ErrArchiveConfigInvalid = errors.New("archive config is invalid")
)

// DomainError wraps a domain error with additional context.
type DomainError struct {
	// Err is the underlying domain error.
	Err error

	// Message provides additional context.
	Message string

	// Resource identifies the affected resource (e.g., project id, config field).
	Resource string
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Err.Error(), e.Message, e.Resource)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError with context.
func NewDomainError(err error, message, resource string) *DomainError {
	return &DomainError{
		Err:      err,
		Message:  message,
		Resource: resource,
	}
}
