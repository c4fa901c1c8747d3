// Package storage defines the interface for durable storage backends.
// Files are staged locally on upload and later promoted to a backend,
// which becomes their permanent home until the project expires.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/prn-tf/nautilus/internal/domain"
)

// ObjectInfo describes an object stored in a backend.
type ObjectInfo struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mimetype"`
	ModifiedOn time.Time `json:"modified_on"`
	ETag       string    `json:"etag,omitempty"`
}

// Backend defines the interface for durable storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Name returns the backend identifier ("s3", "webdav", "memory").
	Name() string

	// Check verifies credentials and connectivity.
	// A failing check is fatal at startup.
	Check(ctx context.Context) error

	// FileKey returns the storage key for a project file.
	FileKey(project *domain.Project, file *domain.File) (string, error)

	// CompanionKey returns the storage key for an object attached to a
	// project but not tracked as a file (collection manifest, illustration).
	CompanionKey(project *domain.Project, fileHash, suffix string) (string, error)

	// Has reports whether an object exists at key.
	Has(ctx context.Context, key string) (bool, error)

	// Upload stores body at key, overwriting any existing object.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - key: Destination key
	//   - body: Content to store
	//   - size: Content length in bytes, -1 if unknown
	//   - contentType: MIME type recorded with the object
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// Delete removes the object at key.
	// Deleting an absent object is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every object under prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// SetAutoDelete asks the backend to expire the object at the given time.
	// A nil time is a no-op. Backends without expiry support log and return nil.
	SetAutoDelete(ctx context.Context, key string, on *time.Time) error

	// PublicURL returns the base retrieval URL, without credentials.
	PublicURL() string

	// URLFor returns the public download URL of the object at key.
	URLFor(key string) string
}

// DirectoryMaker is implemented by backends with a real directory hierarchy.
type DirectoryMaker interface {
	// Mkdir creates path. With parents, missing ancestors are created too.
	// An existing directory is an error only when existsOK is false.
	Mkdir(ctx context.Context, path string, parents, existsOK bool) error
}
