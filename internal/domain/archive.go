package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ArchiveStatus represents the build state of an archive.
type ArchiveStatus string

const (
	// ArchiveStatusPending is the default; the archive is editable.
	ArchiveStatusPending ArchiveStatus = "PENDING"

	// ArchiveStatusRequested means a build was submitted and the archive
	// awaits a callback. It can no longer be edited.
	ArchiveStatusRequested ArchiveStatus = "REQUESTED"

	// ArchiveStatusReady means the build succeeded and the download URL is set.
	ArchiveStatusReady ArchiveStatus = "READY"

	// ArchiveStatusFailed means the build failed or was canceled.
	ArchiveStatusFailed ArchiveStatus = "FAILED"
)

// Metadata limits enforced before an archive can be requested.
const (
	ArchiveTitleMaxLength       = 30
	ArchiveDescriptionMaxLength = 80
)

// ArchiveConfig is the user-supplied metadata of an archive.
type ArchiveConfig struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Name        string   `json:"name"`
	Publisher   string   `json:"publisher"`
	Creator     string   `json:"creator"`
	Languages   []string `json:"languages"`
	Tags        []string `json:"tags"`

	// Illustration is a base64-encoded image. Required.
	Illustration string `json:"illustration"`

	// Filename is the requested name of the built file.
	Filename string `json:"filename"`

	// MainLogo is a base64-encoded image. Optional.
	MainLogo *string `json:"main_logo,omitempty"`
}

// Validate returns the first reason the config cannot be submitted.
func (c ArchiveConfig) Validate() error {
	required := []struct{ field, value string }{
		{"title", c.Title},
		{"description", c.Description},
		{"name", c.Name},
		{"publisher", c.Publisher},
		{"creator", c.Creator},
		{"illustration", c.Illustration},
		{"filename", c.Filename},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return NewDomainError(ErrArchiveConfigIncomplete, "missing required value", r.field)
		}
	}
	if len(c.Languages) == 0 {
		return NewDomainError(ErrArchiveConfigIncomplete, "missing required value", "languages")
	}
	if len(c.Tags) == 0 {
		return NewDomainError(ErrArchiveConfigIncomplete, "missing required value", "tags")
	}

	if utf8.RuneCountInString(c.Title) > ArchiveTitleMaxLength {
		return NewDomainError(ErrArchiveConfigInvalid, "title is too long", "title")
	}
	if utf8.RuneCountInString(c.Description) > ArchiveDescriptionMaxLength {
		return NewDomainError(ErrArchiveConfigInvalid, "description is too long", "description")
	}
	for _, lang := range c.Languages {
		if !isISO6393(lang) {
			return NewDomainError(ErrArchiveConfigInvalid, "language must be an ISO-639-3 code", lang)
		}
	}
	for _, tag := range c.Tags {
		if strings.TrimSpace(tag) == "" || strings.Contains(tag, ";") {
			return NewDomainError(ErrArchiveConfigInvalid, "tags must be non-empty and cannot contain ';'", tag)
		}
	}
	return nil
}

// IsReady returns true if the config can be submitted for a build.
func (c ArchiveConfig) IsReady() bool {
	return c.Validate() == nil
}

func isISO6393(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// Archive is a requested or completed build output for a project.
type Archive struct {
	// ID is the unique identifier for the archive.
	ID uuid.UUID `json:"id"`

	// ProjectID is the owning project.
	ProjectID uuid.UUID `json:"project_id"`

	// Filesize is provisional (sum of files) once requested,
	// and the real size once ready.
	Filesize *int64 `json:"filesize"`

	CreatedOn   time.Time  `json:"created_on"`
	RequestedOn *time.Time `json:"requested_on"`
	CompletedOn *time.Time `json:"completed_on"`

	// DownloadURL is set once the build succeeded.
	DownloadURL *string `json:"download_url"`

	// CollectionJSONPath is the storage key of the uploaded manifest.
	CollectionJSONPath *string `json:"collection_json_path"`

	Status ArchiveStatus `json:"status"`

	// ZimfarmTaskID is the build system task identifier.
	ZimfarmTaskID *uuid.UUID `json:"zimfarm_task_id"`

	// Email receives the completion notification. Optional.
	Email *string `json:"email"`

	Config ArchiveConfig `json:"config"`
}

// NewArchive creates a PENDING archive with an empty config.
func NewArchive(projectID uuid.UUID) *Archive {
	return &Archive{
		ID:        uuid.New(),
		ProjectID: projectID,
		CreatedOn: time.Now().UTC(),
		Status:    ArchiveStatusPending,
		Config: ArchiveConfig{
			Languages: []string{},
			Tags:      []string{},
		},
	}
}

// IsEditable returns true while the archive has not been requested.
func (a *Archive) IsEditable() bool {
	return a.Status == ArchiveStatusPending
}
