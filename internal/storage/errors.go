package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAlreadyExists indicates the directory already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrNoWebDAVPath indicates the project has no WebDAV path configured.
	ErrNoWebDAVPath = errors.New("project unconfigured: no webdav_path")
)

// StatusError is returned when a backend answers with an unexpected status.
type StatusError struct {
	Backend    string
	Op         string
	Key        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s %q: unexpected status %d", e.Backend, e.Op, e.Key, e.StatusCode)
}

// IsNotFound reports whether err indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
