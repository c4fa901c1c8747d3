package service

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/nautilus/internal/domain"
	"github.com/prn-tf/nautilus/internal/lock"
	"github.com/prn-tf/nautilus/internal/notify"
	"github.com/prn-tf/nautilus/internal/queue"
	"github.com/prn-tf/nautilus/internal/staging"
	"github.com/prn-tf/nautilus/internal/storage/memory"
	"github.com/prn-tf/nautilus/internal/zimfarm"
)

// =============================================================================
// Map-backed repositories
// =============================================================================

// MockStore is a map-backed implementation of every repository.
// Rows are copied in and out so services cannot mutate stored state
// without going through the repository.
type MockStore struct {
	users    map[uuid.UUID]*domain.User
	projects map[uuid.UUID]*domain.Project
	files    map[uuid.UUID]*domain.File
	archives map[uuid.UUID]*domain.Archive

	createFileErr    error
	updateArchiveErr error
	setStatusErr     error
	extendExpiryErr  error

	// afterListStale runs once ListStale has collected its rows.
	afterListStale func()
}

func NewMockStore() *MockStore {
	return &MockStore{
		users:    make(map[uuid.UUID]*domain.User),
		projects: make(map[uuid.UUID]*domain.Project),
		files:    make(map[uuid.UUID]*domain.File),
		archives: make(map[uuid.UUID]*domain.Archive),
	}
}

func (m *MockStore) Users() *mockUserRepository       { return &mockUserRepository{m} }
func (m *MockStore) Projects() *mockProjectRepository { return &mockProjectRepository{m} }
func (m *MockStore) Files() *mockFileRepository       { return &mockFileRepository{m} }
func (m *MockStore) Archives() *mockArchiveRepository { return &mockArchiveRepository{m} }

func (m *MockStore) file(id uuid.UUID) *domain.File {
	f, ok := m.files[id]
	if !ok {
		return nil
	}
	c := *f
	return &c
}

func (m *MockStore) project(id uuid.UUID) *domain.Project {
	p, ok := m.projects[id]
	if !ok {
		return nil
	}
	c := *p
	return &c
}

func (m *MockStore) archive(id uuid.UUID) *domain.Archive {
	a, ok := m.archives[id]
	if !ok {
		return nil
	}
	c := *a
	return &c
}

type mockUserRepository struct{ *MockStore }

func (r *mockUserRepository) Create(ctx context.Context, user *domain.User) error {
	if _, exists := r.users[user.ID]; exists {
		return domain.ErrUserAlreadyExists
	}
	c := *user
	r.users[user.ID] = &c
	return nil
}

func (r *mockUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	c := *u
	return &c, nil
}

func (r *mockUserRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, ok := r.users[id]; !ok {
		return domain.ErrUserNotFound
	}
	delete(r.users, id)
	return nil
}

type mockProjectRepository struct{ *MockStore }

func (r *mockProjectRepository) withUsage(p *domain.Project) *domain.Project {
	c := *p
	c.UsedSpace = 0
	for _, f := range r.files {
		if f.ProjectID == p.ID {
			c.UsedSpace += f.Filesize
		}
	}
	return &c
}

func (r *mockProjectRepository) Create(ctx context.Context, project *domain.Project, archive *domain.Archive) error {
	if _, ok := r.users[project.UserID]; !ok {
		return domain.ErrUserNotFound
	}
	c := *project
	r.projects[project.ID] = &c
	if archive != nil {
		a := *archive
		r.archives[archive.ID] = &a
	}
	return nil
}

func (r *mockProjectRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	p, ok := r.projects[id]
	if !ok {
		return nil, domain.ErrProjectNotFound
	}
	return r.withUsage(p), nil
}

func (r *mockProjectRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Project, error) {
	var result []*domain.Project
	for _, p := range r.projects {
		if p.UserID == userID {
			result = append(result, r.withUsage(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedOn.Before(result[j].CreatedOn) })
	return result, nil
}

func (r *mockProjectRepository) Update(ctx context.Context, project *domain.Project) error {
	p, ok := r.projects[project.ID]
	if !ok {
		return domain.ErrProjectNotFound
	}
	p.Name = project.Name
	p.WebDAVPath = project.WebDAVPath
	return nil
}

func (r *mockProjectRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, ok := r.projects[id]; !ok {
		return domain.ErrProjectNotFound
	}
	delete(r.projects, id)
	for fid, f := range r.files {
		if f.ProjectID == id {
			delete(r.files, fid)
		}
	}
	for aid, a := range r.archives {
		if a.ProjectID == id {
			delete(r.archives, aid)
		}
	}
	return nil
}

func (r *mockProjectRepository) ExtendExpiry(ctx context.Context, id uuid.UUID, expireOn time.Time) (bool, error) {
	if r.extendExpiryErr != nil {
		return false, r.extendExpiryErr
	}
	p, ok := r.projects[id]
	if !ok {
		return false, nil
	}
	if p.ExpireOn != nil && !p.ExpireOn.Before(expireOn) {
		return false, nil
	}
	t := expireOn
	p.ExpireOn = &t
	return true, nil
}

func (r *mockProjectRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]*domain.Project, error) {
	var result []*domain.Project
	for _, p := range r.projects {
		if p.ExpireOn != nil && p.ExpireOn.Before(before) && len(result) < limit {
			result = append(result, r.withUsage(p))
		}
	}
	return result, nil
}

type mockFileRepository struct{ *MockStore }

func (r *mockFileRepository) Create(ctx context.Context, file *domain.File) error {
	if r.createFileErr != nil {
		return r.createFileErr
	}
	if _, ok := r.projects[file.ProjectID]; !ok {
		return domain.ErrProjectNotFound
	}
	c := *file
	r.files[file.ID] = &c
	return nil
}

func (r *mockFileRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.File, error) {
	if f := r.file(id); f != nil {
		return f, nil
	}
	return nil, domain.ErrFileNotFound
}

func (r *mockFileRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*domain.File, error) {
	var result []*domain.File
	for _, f := range r.files {
		if f.ProjectID == projectID {
			result = append(result, r.file(f.ID))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UploadedOn.Before(result[j].UploadedOn) })
	return result, nil
}

func (r *mockFileRepository) UpdateMetadata(ctx context.Context, file *domain.File) error {
	f, ok := r.files[file.ID]
	if !ok {
		return domain.ErrFileNotFound
	}
	f.Filename = file.Filename
	f.Title = file.Title
	f.Authors = file.Authors
	f.Description = file.Description
	return nil
}

func (r *mockFileRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, ok := r.files[id]; !ok {
		return domain.ErrFileNotFound
	}
	delete(r.files, id)
	return nil
}

func (r *mockFileRepository) countWhere(pred func(f *domain.File) bool) int64 {
	var n int64
	for _, f := range r.files {
		if pred(f) {
			n++
		}
	}
	return n
}

func (r *mockFileRepository) CountByProject(ctx context.Context, projectID uuid.UUID) (int64, error) {
	return r.countWhere(func(f *domain.File) bool { return f.ProjectID == projectID }), nil
}

func (r *mockFileRepository) UsedSpace(ctx context.Context, projectID uuid.UUID) (int64, error) {
	var total int64
	for _, f := range r.files {
		if f.ProjectID == projectID {
			total += f.Filesize
		}
	}
	return total, nil
}

func (r *mockFileRepository) CountByHash(ctx context.Context, projectID uuid.UUID, hash string) (int64, error) {
	return r.countWhere(func(f *domain.File) bool { return f.ProjectID == projectID && f.Hash == hash }), nil
}

func (r *mockFileRepository) CountLocalByPath(ctx context.Context, projectID uuid.UUID, path string, excludeID uuid.UUID) (int64, error) {
	return r.countWhere(func(f *domain.File) bool {
		return f.ProjectID == projectID && f.Path == path && f.ID != excludeID && f.HasLocalCopy()
	}), nil
}

func (r *mockFileRepository) ClaimForPromotion(ctx context.Context, id uuid.UUID) (bool, error) {
	f, ok := r.files[id]
	if !ok || f.Status != domain.FileStatusLocal {
		return false, nil
	}
	f.Status = domain.FileStatusProcessing
	f.UpdatedOn = time.Now().UTC()
	return true, nil
}

func (r *mockFileRepository) ReleaseStaleClaim(ctx context.Context, id uuid.UUID, before time.Time) (bool, error) {
	f, ok := r.files[id]
	if !ok || f.Status != domain.FileStatusProcessing || !f.UpdatedOn.Before(before) {
		return false, nil
	}
	f.Status = domain.FileStatusLocal
	f.UpdatedOn = time.Now().UTC()
	return true, nil
}

func (r *mockFileRepository) SetStatus(ctx context.Context, id uuid.UUID, status domain.FileStatus, path string) error {
	if r.setStatusErr != nil && status == domain.FileStatusStorage {
		return r.setStatusErr
	}
	f, ok := r.files[id]
	if !ok {
		return domain.ErrFileNotFound
	}
	f.Status = status
	if path != "" {
		f.Path = path
	}
	f.UpdatedOn = time.Now().UTC()
	return nil
}

func (r *mockFileRepository) ListStale(ctx context.Context, status domain.FileStatus, before time.Time, limit int) ([]*domain.File, error) {
	var result []*domain.File
	for _, f := range r.files {
		if f.Status == status && f.UpdatedOn.Before(before) && len(result) < limit {
			result = append(result, r.file(f.ID))
		}
	}
	if r.afterListStale != nil {
		r.afterListStale()
	}
	return result, nil
}

type mockArchiveRepository struct{ *MockStore }

func (r *mockArchiveRepository) Create(ctx context.Context, archive *domain.Archive) error {
	if _, ok := r.projects[archive.ProjectID]; !ok {
		return domain.ErrProjectNotFound
	}
	c := *archive
	r.archives[archive.ID] = &c
	return nil
}

func (r *mockArchiveRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Archive, error) {
	if a := r.archive(id); a != nil {
		return a, nil
	}
	return nil, domain.ErrArchiveNotFound
}

func (r *mockArchiveRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*domain.Archive, error) {
	var result []*domain.Archive
	for _, a := range r.archives {
		if a.ProjectID == projectID {
			result = append(result, r.archive(a.ID))
		}
	}
	return result, nil
}

func (r *mockArchiveRepository) Update(ctx context.Context, archive *domain.Archive) error {
	if r.updateArchiveErr != nil {
		return r.updateArchiveErr
	}
	if _, ok := r.archives[archive.ID]; !ok {
		return domain.ErrArchiveNotFound
	}
	c := *archive
	r.archives[archive.ID] = &c
	return nil
}

// =============================================================================
// Mock collaborators
// =============================================================================

type mockBuilder struct {
	mock.Mock
}

func (m *mockBuilder) RequestTask(ctx context.Context, req zimfarm.TaskRequest) (uuid.UUID, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifyBuild(ctx context.Context, n notify.BuildNotification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

// =============================================================================
// Fixture
// =============================================================================

const testQuota = 1024 * 1024

// fixture wires services over the map store, a memory backend, a memory
// queue and a temporary staging directory.
type fixture struct {
	store     *MockStore
	backend   *memory.Backend
	queue     *queue.MemoryQueue
	locker    *lock.MemoryLocker
	staging   *staging.Store
	jobs      *JobScheduler
	users     *UserService
	projects  *ProjectService
	files     *FileService
	lifecycle *LifecycleService
	user      *domain.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()

	stagingStore, err := staging.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	f := &fixture{
		store:   NewMockStore(),
		backend: memory.New("salt", "https://storage.example.org"),
		queue:   queue.NewMemoryQueue(time.Minute),
		locker:  lock.NewMemoryLocker(),
		staging: stagingStore,
	}
	t.Cleanup(f.locker.Stop)

	f.jobs = NewJobScheduler(f.queue,
		queue.RetryPolicy{MaxAttempts: 3, Interval: time.Second},
		queue.RetryPolicy{MaxAttempts: 3, Interval: time.Second},
		12*time.Hour,
	)
	f.users = NewUserService(f.store.Users(), uuid.Nil, logger)
	f.projects = NewProjectService(f.store.Projects(), f.store.Files(), f.store.Archives(), f.staging, f.backend, f.jobs, logger)
	f.files = NewFileService(f.store.Files(), f.store.Projects(), f.staging, f.backend, f.jobs, nil, logger, FileConfig{
		Quota:     testQuota,
		Retention: 7 * 24 * time.Hour,
		ChunkSize: 16,
	})
	f.lifecycle = NewLifecycleService(f.store.Files(), f.store.Projects(), f.staging, f.backend, f.locker, nil, logger)

	f.user, err = f.users.Create(context.Background())
	require.NoError(t, err)
	return f
}

func (f *fixture) newProject(t *testing.T) *domain.Project {
	t.Helper()
	project, err := f.projects.Create(context.Background(), f.user.ID, "Test project")
	require.NoError(t, err)
	return project
}

func (f *fixture) upload(t *testing.T, projectID uuid.UUID, name, content string) *domain.File {
	t.Helper()
	file, err := f.files.Upload(context.Background(), UploadFileInput{
		ProjectID: projectID,
		UserID:    f.user.ID,
		Filename:  name,
		Body:      strings.NewReader(content),
		Size:      int64(len(content)),
	})
	require.NoError(t, err)
	return file
}

func (f *fixture) scheduled(name string) []*queue.Job {
	var jobs []*queue.Job
	for _, job := range f.queue.Scheduled() {
		if job.Name == name {
			jobs = append(jobs, job)
		}
	}
	return jobs
}
