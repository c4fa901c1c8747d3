package domain

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// FileStatus represents the lifecycle state of an uploaded file.
type FileStatus string

const (
	// FileStatusLocal means the bytes are on the staging disk only.
	FileStatusLocal FileStatus = "LOCAL"

	// FileStatusProcessing means a promotion job is uploading the file.
	FileStatusProcessing FileStatus = "PROCESSING"

	// FileStatusStorage means the file is durably stored and the local copy is gone.
	FileStatusStorage FileStatus = "STORAGE"

	// FileStatusFailure means promotion exhausted its attempts.
	// Re-uploading is the recovery path.
	FileStatusFailure FileStatus = "FAILURE"
)

// IsValid checks if the status is a known value.
func (s FileStatus) IsValid() bool {
	switch s {
	case FileStatusLocal, FileStatusProcessing, FileStatusStorage, FileStatusFailure:
		return true
	}
	return false
}

// FilenameMaxBytes is the maximum size of a normalized filename.
const FilenameMaxBytes = 255

// File is one uploaded binary object.
type File struct {
	// ID is the unique identifier for the file.
	ID uuid.UUID `json:"id"`

	// ProjectID is the owning project.
	ProjectID uuid.UUID `json:"project_id"`

	// Filename is the normalized original filename.
	Filename string `json:"filename"`

	// Filesize is the size in bytes.
	Filesize int64 `json:"filesize"`

	// Title, Authors and Description are user-editable metadata.
	Title       string   `json:"title"`
	Authors     []string `json:"authors"`
	Description string   `json:"description"`

	// UploadedOn is the upload timestamp.
	UploadedOn time.Time `json:"uploaded_on"`

	// UpdatedOn is the last status transition timestamp.
	// The retention sweep uses it to spot stuck promotions.
	UpdatedOn time.Time `json:"-"`

	// Hash is the SHA-256 hex digest of the content.
	Hash string `json:"hash"`

	// Type is the detected MIME type.
	Type string `json:"type"`

	// Path is the staging path while LOCAL/PROCESSING/FAILURE
	// and the storage key once STORAGE.
	Path string `json:"-"`

	// Status is the lifecycle state.
	Status FileStatus `json:"status"`
}

// NewFile creates a new File in LOCAL state.
func NewFile(projectID uuid.UUID, filename string, size int64, hash, mimeType, localPath string) *File {
	now := time.Now().UTC()
	return &File{
		ID:         uuid.New(),
		ProjectID:  projectID,
		Filename:   filename,
		Filesize:   size,
		Title:      filename,
		Authors:    []string{},
		UploadedOn: now,
		UpdatedOn:  now,
		Hash:       hash,
		Type:       mimeType,
		Path:       localPath,
		Status:     FileStatusLocal,
	}
}

// IsStored returns true once the file is in durable storage.
func (f *File) IsStored() bool {
	return f.Status == FileStatusStorage
}

// HasLocalCopy returns true while the path points to the staging disk.
func (f *File) HasLocalCopy() bool {
	return f.Status == FileStatusLocal || f.Status == FileStatusProcessing || f.Status == FileStatusFailure
}

// NormalizeFilename makes a client-supplied filename safe to store.
// Slashes become "__", characters forbidden on common filesystems and
// control characters are dropped, and the result is cut to 255 bytes.
func NormalizeFilename(name string) string {
	name = strings.ReplaceAll(name, "/", "__")

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if r == utf8.RuneError || unicode.IsControl(r) {
			continue
		}
		if strings.ContainsRune(`\:*?"<>|`, r) {
			continue
		}
		b.WriteRune(r)
	}
	name = b.String()

	if len(name) <= FilenameMaxBytes {
		return name
	}
	cut := FilenameMaxBytes
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}
