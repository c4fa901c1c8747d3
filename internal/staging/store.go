// Package staging keeps uploaded files on local disk until they are
// promoted to durable storage.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/nautilus/internal/pkg/crypto"
)

var (
	// ErrStageFailed wraps every I/O failure while staging a file.
	ErrStageFailed = errors.New("failed to stage file")

	// ErrOutsideRoot indicates a path that does not belong to the store.
	ErrOutsideRoot = errors.New("path is outside the staging directory")
)

// Store writes files under {root}/{project_id}/{hash[0:2]}/{hash}.
type Store struct {
	root   string
	logger zerolog.Logger
}

// NewStore creates the root directory if needed.
func NewStore(root string, logger zerolog.Logger) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve staging dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Store{
		root:   abs,
		logger: logger.With().Str("component", "staging").Logger(),
	}, nil
}

// Root returns the staging directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns the staging path of a file. It is a pure function of its inputs.
func (s *Store) Path(projectID uuid.UUID, hash string) string {
	return ComputePath(DefaultPathConfig(s.projectDir(projectID)), hash)
}

func (s *Store) projectDir(projectID uuid.UUID) string {
	return filepath.Join(s.root, projectID.String())
}

// Stage writes r to the staging path of (projectID, hash) and returns it.
// If a regular file already exists there, r is not read.
func (s *Store) Stage(ctx context.Context, r io.Reader, hash string, projectID uuid.UUID) (string, error) {
	if !crypto.ValidateSHA256(hash) {
		return "", fmt.Errorf("%w: invalid hash %q", ErrStageFailed, hash)
	}

	path := s.Path(projectID, hash)
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		return path, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("%w: %w", ErrStageFailed, err)
	}

	tmp, err := os.CreateTemp(dir, ".stage-*")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStageFailed, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	hr := crypto.NewHashReader(r)
	if _, err := io.Copy(tmp, hr); err != nil {
		cleanup()
		return "", fmt.Errorf("%w: %w", ErrStageFailed, err)
	}
	if err := ctx.Err(); err != nil {
		cleanup()
		return "", fmt.Errorf("%w: %w", ErrStageFailed, err)
	}
	if got := hr.SHA256(); got != hash {
		cleanup()
		return "", fmt.Errorf("%w: content hash %s does not match %s", ErrStageFailed, got, hash)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("%w: %w", ErrStageFailed, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("%w: %w", ErrStageFailed, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("%w: %w", ErrStageFailed, err)
	}

	s.logger.Debug().
		Str("project_id", projectID.String()).
		Str("path", path).
		Msg("file staged")

	return path, nil
}

// Open opens a staged file for reading.
func (s *Store) Open(path string) (*os.File, error) {
	if err := s.contains(path); err != nil {
		return nil, err
	}
	return os.Open(path)
}

// Exists reports whether a staged file is present.
func (s *Store) Exists(path string) bool {
	if s.contains(path) != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes a staged file. A missing file is not an error.
func (s *Store) Remove(path string) error {
	if err := s.contains(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove staged file: %w", err)
	}
	// drop the shard directory once empty
	_ = os.Remove(filepath.Dir(path))
	return nil
}

// RemoveProject deletes every staged file of a project.
func (s *Store) RemoveProject(projectID uuid.UUID) error {
	if err := os.RemoveAll(s.projectDir(projectID)); err != nil {
		return fmt.Errorf("remove project staging dir: %w", err)
	}
	return nil
}

func (s *Store) contains(path string) error {
	rel, err := filepath.Rel(s.root, filepath.Clean(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return nil
}
