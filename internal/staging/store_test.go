package staging

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/nautilus/internal/pkg/crypto"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

// trackingReader records whether it was read.
type trackingReader struct {
	r    io.Reader
	read bool
}

func (t *trackingReader) Read(p []byte) (int, error) {
	t.read = true
	return t.r.Read(p)
}

func TestStore_StageWritesShardedPath(t *testing.T) {
	s := newTestStore(t)
	projectID := uuid.New()
	hash := crypto.ComputeSHA256([]byte("hello"))

	path, err := s.Stage(context.Background(), strings.NewReader("hello"), hash, projectID)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(s.Root(), projectID.String(), hash[:2], hash), path)
	assert.Equal(t, path, s.Path(projectID, hash))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.True(t, s.Exists(path))
}

func TestStore_StageExistingIsNoop(t *testing.T) {
	s := newTestStore(t)
	projectID := uuid.New()
	hash := crypto.ComputeSHA256([]byte("hello"))

	first, err := s.Stage(context.Background(), strings.NewReader("hello"), hash, projectID)
	require.NoError(t, err)

	r := &trackingReader{r: strings.NewReader("other")}
	second, err := s.Stage(context.Background(), r, hash, projectID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.False(t, r.read)
}

func TestStore_StageFailureLeavesNoFile(t *testing.T) {
	s := newTestStore(t)
	projectID := uuid.New()
	hash := crypto.ComputeSHA256([]byte("x"))

	_, err := s.Stage(context.Background(), errReader{}, hash, projectID)
	require.ErrorIs(t, err, ErrStageFailed)

	assert.False(t, s.Exists(s.Path(projectID, hash)))
	entries, err := os.ReadDir(filepath.Dir(s.Path(projectID, hash)))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_StageRejectsInvalidHash(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Stage(context.Background(), strings.NewReader("x"), "../../etc/passwd", uuid.New())
	require.ErrorIs(t, err, ErrStageFailed)
}

func TestStore_StageRejectsMismatchedContent(t *testing.T) {
	s := newTestStore(t)
	projectID := uuid.New()
	hash := crypto.ComputeSHA256([]byte("expected"))

	_, err := s.Stage(context.Background(), strings.NewReader("something else"), hash, projectID)
	require.ErrorIs(t, err, ErrStageFailed)
	assert.False(t, s.Exists(s.Path(projectID, hash)))
}

func TestStore_StageCanceled(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	hash := crypto.ComputeSHA256([]byte("x"))
	_, err := s.Stage(ctx, strings.NewReader("x"), hash, uuid.New())
	require.ErrorIs(t, err, ErrStageFailed)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStore_Remove(t *testing.T) {
	s := newTestStore(t)
	projectID := uuid.New()
	hash := crypto.ComputeSHA256([]byte("x"))

	path, err := s.Stage(context.Background(), strings.NewReader("x"), hash, projectID)
	require.NoError(t, err)

	require.NoError(t, s.Remove(path))
	assert.False(t, s.Exists(path))
	require.NoError(t, s.Remove(path))

	require.ErrorIs(t, s.Remove("/etc/hosts"), ErrOutsideRoot)
}

func TestStore_OpenAndRemoveProject(t *testing.T) {
	s := newTestStore(t)
	projectID := uuid.New()
	hash := crypto.ComputeSHA256([]byte("x"))

	path, err := s.Stage(context.Background(), strings.NewReader("x"), hash, projectID)
	require.NoError(t, err)

	f, err := s.Open(path)
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, "x", string(data))

	require.NoError(t, s.RemoveProject(projectID))
	assert.False(t, s.Exists(path))
}

func TestComputePath(t *testing.T) {
	hash := "abcdef0123456789"
	assert.Equal(t, filepath.Join("/data", "ab", hash), ComputePath(DefaultPathConfig("/data"), hash))
	assert.Equal(t, filepath.Join("/data", "ab", "cd", hash), ComputePath(PathConfig{BasePath: "/data", ShardLevels: 2, ShardWidth: 2}, hash))
	assert.Equal(t, filepath.Join("/data", "a"), ComputePath(DefaultPathConfig("/data"), "a"))
}
