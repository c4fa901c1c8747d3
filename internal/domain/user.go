// Package domain contains the core business entities for Nautilus.
// These are pure Go structs with no external dependencies, representing
// users, their projects, uploaded files and requested archives.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// User represents an account that owns projects.
// Users carry no credentials; they are identified by the signed cookie
// issued when the user is created.
type User struct {
	// ID is the unique identifier for the user.
	ID uuid.UUID `json:"id"`

	// CreatedOn is the timestamp when the user was created.
	CreatedOn time.Time `json:"created_on"`
}

// NewUser creates a new User with a random ID.
func NewUser() *User {
	return &User{
		ID:        uuid.New(),
		CreatedOn: time.Now().UTC(),
	}
}

// NewUserWithID creates a User bound to a fixed identifier.
// Used by single-user deployments.
func NewUserWithID(id uuid.UUID) *User {
	return &User{
		ID:        id,
		CreatedOn: time.Now().UTC(),
	}
}
