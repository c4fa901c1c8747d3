package sqlite

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/nautilus/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	db, err := NewDB(ctx, DefaultConfig(":memory:"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate(ctx))
	return db
}

func seedProject(t *testing.T, db *DB) (*domain.User, *domain.Project, *domain.Archive) {
	t.Helper()
	ctx := context.Background()

	user := domain.NewUser()
	require.NoError(t, NewUserRepository(db).Create(ctx, user))

	project := domain.NewProject(user.ID, "Test project")
	archive := domain.NewArchive(project.ID)
	require.NoError(t, NewProjectRepository(db).Create(ctx, project, archive))
	return user, project, archive
}

func hashOf(s string) string {
	return strings.Repeat(s, 64)[:64]
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Migrate(ctx))
	version, err := db.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestUserRepository(t *testing.T) {
	db := newTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	user := domain.NewUser()
	require.NoError(t, repo.Create(ctx, user))
	require.ErrorIs(t, repo.Create(ctx, user), domain.ErrUserAlreadyExists)

	got, err := repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.WithinDuration(t, user.CreatedOn, got.CreatedOn, time.Millisecond)

	_, err = repo.GetByID(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrUserNotFound)

	require.NoError(t, repo.Delete(ctx, user.ID))
	require.ErrorIs(t, repo.Delete(ctx, user.ID), domain.ErrUserNotFound)
}

func TestProjectRepository_CreateWithArchive(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user, project, archive := seedProject(t, db)

	projects, err := NewProjectRepository(db).ListByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, project.ID, projects[0].ID)
	assert.Nil(t, projects[0].ExpireOn)
	assert.Zero(t, projects[0].UsedSpace)

	archives, err := NewArchiveRepository(db).ListByProject(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.Equal(t, archive.ID, archives[0].ID)
	assert.Equal(t, domain.ArchiveStatusPending, archives[0].Status)
	assert.Equal(t, []string{}, archives[0].Config.Languages)
}

func TestProjectRepository_CreateUnknownUser(t *testing.T) {
	db := newTestDB(t)
	project := domain.NewProject(uuid.New(), "orphan")

	err := NewProjectRepository(db).Create(context.Background(), project, domain.NewArchive(project.ID))
	require.ErrorIs(t, err, domain.ErrUserNotFound)

	_, err = NewArchiveRepository(db).ListByProject(context.Background(), project.ID)
	require.NoError(t, err)
}

func TestProjectRepository_ExtendExpiryNeverMovesBackward(t *testing.T) {
	db := newTestDB(t)
	repo := NewProjectRepository(db)
	ctx := context.Background()
	_, project, _ := seedProject(t, db)

	later := time.Now().Add(48 * time.Hour).UTC()
	earlier := later.Add(-24 * time.Hour)

	changed, err := repo.ExtendExpiry(ctx, project.ID, later)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.ExtendExpiry(ctx, project.ID, earlier)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := repo.GetByID(ctx, project.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExpireOn)
	assert.WithinDuration(t, later, *got.ExpireOn, time.Millisecond)
}

func TestProjectRepository_UpdateDeleteExpired(t *testing.T) {
	db := newTestDB(t)
	repo := NewProjectRepository(db)
	ctx := context.Background()
	_, project, _ := seedProject(t, db)

	dir := "/webdav/proj"
	project.Name = "Renamed"
	project.WebDAVPath = &dir
	require.NoError(t, repo.Update(ctx, project))

	got, err := repo.GetByID(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	require.NotNil(t, got.WebDAVPath)
	assert.Equal(t, dir, *got.WebDAVPath)

	_, err = repo.ExtendExpiry(ctx, project.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	expired, err := repo.ListExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	require.NoError(t, repo.Delete(ctx, project.ID))
	_, err = repo.GetByID(ctx, project.ID)
	require.ErrorIs(t, err, domain.ErrProjectNotFound)

	archives, err := NewArchiveRepository(db).ListByProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Empty(t, archives)
}

func TestFileRepository_Lifecycle(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepository(db)
	ctx := context.Background()
	_, project, _ := seedProject(t, db)

	file := domain.NewFile(project.ID, "a.txt", 10, hashOf("a"), "text/plain", "/staging/a")
	require.NoError(t, repo.Create(ctx, file))

	twin := domain.NewFile(project.ID, "b.txt", 10, hashOf("a"), "text/plain", "/staging/a")
	require.NoError(t, repo.Create(ctx, twin))

	n, err := repo.CountByHash(ctx, project.ID, hashOf("a"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = repo.CountLocalByPath(ctx, project.ID, "/staging/a", file.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	used, err := repo.UsedSpace(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), used)

	p, err := NewProjectRepository(db).GetByID(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), p.UsedSpace)

	claimed, err := repo.ClaimForPromotion(ctx, file.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = repo.ClaimForPromotion(ctx, file.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "a PROCESSING file cannot be claimed twice")

	require.NoError(t, repo.SetStatus(ctx, file.ID, domain.FileStatusStorage, "proj/key"))
	got, err := repo.GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FileStatusStorage, got.Status)
	assert.Equal(t, "proj/key", got.Path)

	claimed, err = repo.ClaimForPromotion(ctx, file.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, repo.SetStatus(ctx, twin.ID, domain.FileStatusFailure, ""))
	got, err = repo.GetByID(ctx, twin.ID)
	require.NoError(t, err)
	assert.Equal(t, "/staging/a", got.Path)

	claimed, err = repo.ClaimForPromotion(ctx, twin.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "FAILURE is terminal")

	require.Error(t, repo.SetStatus(ctx, twin.ID, domain.FileStatus("BOGUS"), ""))
}

func TestFileRepository_UpdateMetadataAndDelete(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepository(db)
	ctx := context.Background()
	_, project, _ := seedProject(t, db)

	file := domain.NewFile(project.ID, "a.txt", 10, hashOf("b"), "text/plain", "/staging/b")
	require.NoError(t, repo.Create(ctx, file))

	file.Title = "A title"
	file.Authors = []string{"Ada", "Grace"}
	file.Description = "desc"
	require.NoError(t, repo.UpdateMetadata(ctx, file))

	files, err := repo.ListByProject(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, []string{"Ada", "Grace"}, files[0].Authors)
	assert.Equal(t, "A title", files[0].Title)

	require.NoError(t, repo.Delete(ctx, file.ID))
	require.ErrorIs(t, repo.Delete(ctx, file.ID), domain.ErrFileNotFound)

	n, err := repo.CountByProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFileRepository_ListStale(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepository(db)
	ctx := context.Background()
	_, project, _ := seedProject(t, db)

	old := domain.NewFile(project.ID, "old", 1, hashOf("c"), "text/plain", "/s/c")
	old.UpdatedOn = time.Now().Add(-3 * time.Hour)
	require.NoError(t, repo.Create(ctx, old))

	fresh := domain.NewFile(project.ID, "fresh", 1, hashOf("d"), "text/plain", "/s/d")
	require.NoError(t, repo.Create(ctx, fresh))

	stale, err := repo.ListStale(ctx, domain.FileStatusLocal, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}

func TestFileRepository_ReleaseStaleClaim(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepository(db)
	ctx := context.Background()
	_, project, _ := seedProject(t, db)

	file := domain.NewFile(project.ID, "claimed", 1, hashOf("e"), "text/plain", "/s/e")
	require.NoError(t, repo.Create(ctx, file))

	claimed, err := repo.ClaimForPromotion(ctx, file.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	released, err := repo.ReleaseStaleClaim(ctx, file.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, released, "a recent claim is not stale")

	released, err = repo.ReleaseStaleClaim(ctx, file.ID, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, released)

	got, err := repo.GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FileStatusLocal, got.Status)

	claimed, err = repo.ClaimForPromotion(ctx, file.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, repo.SetStatus(ctx, file.ID, domain.FileStatusStorage, "proj/e"))

	released, err = repo.ReleaseStaleClaim(ctx, file.ID, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, released, "a finished promotion is never reset")

	got, err = repo.GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FileStatusStorage, got.Status)
}

func TestArchiveRepository_Update(t *testing.T) {
	db := newTestDB(t)
	repo := NewArchiveRepository(db)
	ctx := context.Background()
	_, _, archive := seedProject(t, db)

	now := time.Now().UTC()
	size := int64(1234)
	taskID := uuid.New()
	path := "p/h_collection.json"
	email := "me@example.org"
	archive.Status = domain.ArchiveStatusRequested
	archive.RequestedOn = &now
	archive.Filesize = &size
	archive.ZimfarmTaskID = &taskID
	archive.CollectionJSONPath = &path
	archive.Email = &email
	archive.Config.Title = "Title"
	archive.Config.Languages = []string{"eng"}
	require.NoError(t, repo.Update(ctx, archive))

	got, err := repo.GetByID(ctx, archive.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ArchiveStatusRequested, got.Status)
	require.NotNil(t, got.ZimfarmTaskID)
	assert.Equal(t, taskID, *got.ZimfarmTaskID)
	assert.Equal(t, size, *got.Filesize)
	assert.Equal(t, path, *got.CollectionJSONPath)
	assert.Equal(t, email, *got.Email)
	assert.Equal(t, "Title", got.Config.Title)
	assert.Nil(t, got.CompletedOn)
	assert.Nil(t, got.DownloadURL)

	_, err = repo.GetByID(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrArchiveNotFound)
}
