package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProjectNameMaxLength is the maximum length of a project name.
const ProjectNameMaxLength = 255

// Project is a named container for files and archives, owned by one user.
type Project struct {
	// ID is the unique identifier for the project.
	ID uuid.UUID `json:"id"`

	// UserID is the owner of the project.
	UserID uuid.UUID `json:"-"`

	// Name is the display name of the project.
	Name string `json:"name"`

	// CreatedOn is the timestamp when the project was created.
	CreatedOn time.Time `json:"created_on"`

	// ExpireOn is unset while the project has no file and is set
	// once the first file is added. It never moves backward.
	ExpireOn *time.Time `json:"expire_on"`

	// WebDAVPath is the directory of the project in WebDAV mode.
	WebDAVPath *string `json:"webdav_path"`

	// UsedSpace is the sum of the sizes of the project's files.
	// It is derived on read and never persisted.
	UsedSpace int64 `json:"used_space"`
}

// NewProject creates a new Project for the given owner.
func NewProject(userID uuid.UUID, name string) *Project {
	return &Project{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		CreatedOn: time.Now().UTC(),
	}
}

// ValidateProjectName checks a project name.
func ValidateProjectName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrProjectNameEmpty
	}
	if len(name) > ProjectNameMaxLength {
		return ErrProjectNameTooLong
	}
	return nil
}

// IsExpired returns true if the project has an expiry in the past.
func (p *Project) IsExpired(now time.Time) bool {
	return p.ExpireOn != nil && !p.ExpireOn.After(now)
}

// IsReady returns true if at least one file has been committed
// and an expiry is therefore set.
func (p *Project) IsReady() bool {
	return p.ExpireOn != nil
}

// IsOwnedBy returns true if the project belongs to the given user.
func (p *Project) IsOwnedBy(userID uuid.UUID) bool {
	return p.UserID == userID
}
