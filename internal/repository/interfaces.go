// Package repository defines data access interfaces for Nautilus.
// These interfaces abstract database operations, allowing for different implementations
// (PostgreSQL, SQLite, in-memory for testing) while keeping the service layer clean.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/prn-tf/nautilus/internal/domain"
)

// =============================================================================
// User Repository
// =============================================================================

// UserRepository defines the interface for user data access.
type UserRepository interface {
	// Create creates a new user.
	// Returns domain.ErrUserAlreadyExists if the ID is taken.
	Create(ctx context.Context, user *domain.User) error

	// GetByID retrieves a user by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)

	// Delete deletes a user and, by cascade, all of its projects.
	Delete(ctx context.Context, id uuid.UUID) error
}

// =============================================================================
// Project Repository
// =============================================================================

// ProjectRepository defines the interface for project data access.
// Read methods fill Project.UsedSpace from the project's files.
type ProjectRepository interface {
	// Create creates a project together with its initial archive,
	// in a single transaction.
	Create(ctx context.Context, project *domain.Project, archive *domain.Archive) error

	// GetByID retrieves a project by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Project, error)

	// ListByUser returns a user's projects, oldest first.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Project, error)

	// Update updates the name and WebDAV path of a project.
	Update(ctx context.Context, project *domain.Project) error

	// Delete deletes a project with its files and archives.
	Delete(ctx context.Context, id uuid.UUID) error

	// ExtendExpiry sets expire_on to the given time unless it is already later.
	// Returns true if the row changed.
	ExtendExpiry(ctx context.Context, id uuid.UUID, expireOn time.Time) (bool, error)

	// ListExpired returns projects whose expire_on is before the given time.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*domain.Project, error)
}

// =============================================================================
// File Repository
// =============================================================================

// FileRepository defines the interface for file data access.
type FileRepository interface {
	// Create creates a new file.
	Create(ctx context.Context, file *domain.File) error

	// GetByID retrieves a file by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.File, error)

	// ListByProject returns the files of a project, oldest first.
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*domain.File, error)

	// UpdateMetadata updates the user-editable fields
	// (filename, title, authors, description).
	UpdateMetadata(ctx context.Context, file *domain.File) error

	// Delete deletes a file by ID.
	Delete(ctx context.Context, id uuid.UUID) error

	// CountByProject returns the number of files in a project.
	CountByProject(ctx context.Context, projectID uuid.UUID) (int64, error)

	// UsedSpace returns the sum of file sizes in a project.
	UsedSpace(ctx context.Context, projectID uuid.UUID) (int64, error)

	// CountByHash returns the number of files in a project with the given hash.
	CountByHash(ctx context.Context, projectID uuid.UUID, hash string) (int64, error)

	// CountLocalByPath returns the number of files other than excludeID that
	// still have a local copy (LOCAL, PROCESSING, FAILURE) at path.
	CountLocalByPath(ctx context.Context, projectID uuid.UUID, path string, excludeID uuid.UUID) (int64, error)

	// ClaimForPromotion atomically moves a LOCAL file to PROCESSING.
	// Returns false if the file was in any other state.
	ClaimForPromotion(ctx context.Context, id uuid.UUID) (bool, error)

	// ReleaseStaleClaim moves a file back from PROCESSING to LOCAL, but only
	// if it has been PROCESSING since before the given time.
	ReleaseStaleClaim(ctx context.Context, id uuid.UUID, before time.Time) (bool, error)

	// SetStatus sets the status of a file. A non-empty path replaces the stored path.
	SetStatus(ctx context.Context, id uuid.UUID, status domain.FileStatus, path string) error

	// ListStale returns files in the given status not updated since before.
	ListStale(ctx context.Context, status domain.FileStatus, before time.Time, limit int) ([]*domain.File, error)
}

// =============================================================================
// Archive Repository
// =============================================================================

// ArchiveRepository defines the interface for archive data access.
type ArchiveRepository interface {
	// Create creates a new archive.
	Create(ctx context.Context, archive *domain.Archive) error

	// GetByID retrieves an archive by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Archive, error)

	// ListByProject returns the archives of a project, oldest first.
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*domain.Archive, error)

	// Update persists every mutable field of an archive.
	Update(ctx context.Context, archive *domain.Archive) error
}
