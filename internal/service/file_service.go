package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/nautilus/internal/domain"
	"github.com/prn-tf/nautilus/internal/metrics"
	"github.com/prn-tf/nautilus/internal/pkg/crypto"
	"github.com/prn-tf/nautilus/internal/repository"
	"github.com/prn-tf/nautilus/internal/staging"
	"github.com/prn-tf/nautilus/internal/storage"
)

// mimeSniffLength is how much of an upload is inspected for its type.
const mimeSniffLength = 2048

// FileConfig contains upload limits.
type FileConfig struct {
	// Quota is the maximum total size of a project's files.
	Quota int64

	// Retention is how long a project lives after its first file.
	Retention time.Duration

	// ChunkSize is the read size used when hashing uploads.
	ChunkSize int
}

// FileService handles uploads and file metadata.
type FileService struct {
	fileRepo    repository.FileRepository
	projectRepo repository.ProjectRepository
	staging     *staging.Store
	backend     storage.Backend
	jobs        *JobScheduler
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	config      FileConfig
	now         func() time.Time
}

// NewFileService creates a new FileService.
func NewFileService(
	fileRepo repository.FileRepository,
	projectRepo repository.ProjectRepository,
	stagingStore *staging.Store,
	backend storage.Backend,
	jobs *JobScheduler,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config FileConfig,
) *FileService {
	return &FileService{
		fileRepo:    fileRepo,
		projectRepo: projectRepo,
		staging:     stagingStore,
		backend:     backend,
		jobs:        jobs,
		metrics:     m,
		logger:      logger.With().Str("service", "file").Logger(),
		config:      config,
		now:         time.Now,
	}
}

// =============================================================================
// Input Structs
// =============================================================================

// UploadFileInput contains the data needed to upload a file.
type UploadFileInput struct {
	ProjectID uuid.UUID
	UserID    uuid.UUID
	Filename  string
	Body      io.ReadSeeker
	Size      int64
}

// UpdateFileInput contains the fields of a metadata update.
// Nil fields are left unchanged.
type UpdateFileInput struct {
	ProjectID   uuid.UUID
	UserID      uuid.UUID
	FileID      uuid.UUID
	Filename    *string
	Title       *string
	Authors     *[]string
	Description *string
}

// =============================================================================
// Service Methods
// =============================================================================

// Upload stages a file, records it as LOCAL and schedules its promotion.
func (s *FileService) Upload(ctx context.Context, input UploadFileInput) (*domain.File, error) {
	filename := domain.NormalizeFilename(strings.TrimSpace(input.Filename))
	if filename == "" {
		s.metrics.RecordUpload(metrics.OutcomeFailure, 0)
		return nil, ErrMissingFilename
	}

	project, err := ownedProject(ctx, s.projectRepo, input.UserID, input.ProjectID)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With().Str("project_id", project.ID.String()).Logger()

	if err := s.checkQuota(project, input.Size); err != nil {
		s.metrics.RecordUpload(metrics.OutcomeFailure, 0)
		return nil, err
	}

	mimeType, err := detectMimeType(input.Body)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read upload")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	hash, size, err := crypto.HashStream(input.Body, s.config.ChunkSize)
	if err != nil {
		logger.Error().Err(err).Msg("failed to hash upload")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	if size != input.Size {
		// the declared size is only a hint; the stream is authoritative
		if err := s.checkQuota(project, size); err != nil {
			s.metrics.RecordUpload(metrics.OutcomeFailure, 0)
			return nil, err
		}
	}

	count, err := s.fileRepo.CountByProject(ctx, project.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to count project files")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	localPath, err := s.staging.Stage(ctx, input.Body, hash, project.ID)
	if err != nil {
		logger.Error().Err(err).Str("hash", hash).Msg("failed to stage upload")
		s.metrics.RecordUpload(metrics.OutcomeFailure, 0)
		return nil, fmt.Errorf("%w: %v", ErrStagingFailed, err)
	}

	file := domain.NewFile(project.ID, filename, size, hash, mimeType, localPath)
	if err := s.fileRepo.Create(ctx, file); err != nil {
		s.discardStaged(ctx, project.ID, localPath, file.ID)
		if errors.Is(err, domain.ErrProjectNotFound) {
			return nil, err
		}
		logger.Error().Err(err).Msg("failed to create file")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	// the first file starts the retention clock
	if count == 0 {
		if _, err := s.projectRepo.ExtendExpiry(ctx, project.ID, s.now().Add(s.config.Retention).UTC()); err != nil {
			logger.Error().Err(err).Msg("failed to set project expiry")
			if err := s.fileRepo.Delete(context.WithoutCancel(ctx), file.ID); err != nil {
				logger.Error().Err(err).Str("file_id", file.ID.String()).Msg("failed to roll back file")
			}
			s.discardStaged(ctx, project.ID, localPath, file.ID)
			return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
		}
	}

	s.metrics.RecordUpload(metrics.OutcomeSuccess, size)
	logger.Info().
		Str("file_id", file.ID.String()).
		Str("filename", file.Filename).
		Int64("size", size).
		Str("type", mimeType).
		Msg("file uploaded")

	if err := s.jobs.SchedulePromotion(ctx, file.ID); err != nil {
		// the retention sweep picks up LOCAL files that were never scheduled
		logger.Error().Err(err).Str("file_id", file.ID.String()).Msg("failed to schedule promotion")
	}

	return file, nil
}

func (s *FileService) checkQuota(project *domain.Project, size int64) error {
	if size <= 0 {
		return ErrEmptyFile
	}
	if size > s.config.Quota {
		return ErrFileTooLarge
	}
	if project.UsedSpace+size > s.config.Quota {
		return ErrQuotaExceeded
	}
	return nil
}

// discardStaged removes a staged file unless another row still uses it.
func (s *FileService) discardStaged(ctx context.Context, projectID uuid.UUID, path string, excludeID uuid.UUID) {
	others, err := s.fileRepo.CountLocalByPath(ctx, projectID, path, excludeID)
	if err != nil || others > 0 {
		return
	}
	if err := s.staging.Remove(path); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("failed to remove staged file")
	}
}

func detectMimeType(r io.ReadSeeker) (string, error) {
	buf := make([]byte, mimeSniffLength)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return mimetype.Detect(buf[:n]).String(), nil
}

// List returns the files of a project.
func (s *FileService) List(ctx context.Context, userID, projectID uuid.UUID) ([]*domain.File, error) {
	if _, err := ownedProject(ctx, s.projectRepo, userID, projectID); err != nil {
		return nil, err
	}

	files, err := s.fileRepo.ListByProject(ctx, projectID)
	if err != nil {
		s.logger.Error().Err(err).Str("project_id", projectID.String()).Msg("failed to list files")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	if files == nil {
		files = []*domain.File{}
	}
	return files, nil
}

// Get returns one file of a project.
func (s *FileService) Get(ctx context.Context, userID, projectID, fileID uuid.UUID) (*domain.File, error) {
	_, file, err := s.load(ctx, userID, projectID, fileID)
	return file, err
}

func (s *FileService) load(ctx context.Context, userID, projectID, fileID uuid.UUID) (*domain.Project, *domain.File, error) {
	project, err := ownedProject(ctx, s.projectRepo, userID, projectID)
	if err != nil {
		return nil, nil, err
	}

	file, err := s.fileRepo.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			return nil, nil, domain.ErrFileNotFound
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	if file.ProjectID != project.ID {
		return nil, nil, domain.ErrFileNotFound
	}
	return project, file, nil
}

// Update edits the user metadata of a file.
func (s *FileService) Update(ctx context.Context, input UpdateFileInput) (*domain.File, error) {
	_, file, err := s.load(ctx, input.UserID, input.ProjectID, input.FileID)
	if err != nil {
		return nil, err
	}

	if input.Filename != nil {
		name := domain.NormalizeFilename(strings.TrimSpace(*input.Filename))
		if name == "" {
			return nil, ErrMissingFilename
		}
		file.Filename = name
	}
	if input.Title != nil {
		file.Title = *input.Title
	}
	if input.Authors != nil {
		file.Authors = append([]string{}, (*input.Authors)...)
	}
	if input.Description != nil {
		file.Description = *input.Description
	}

	if err := s.fileRepo.UpdateMetadata(ctx, file); err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			return nil, err
		}
		s.logger.Error().Err(err).Str("file_id", file.ID.String()).Msg("failed to update file")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	return file, nil
}

// Delete deletes a file. The stored bytes go only with the last row
// sharing the file's content.
func (s *FileService) Delete(ctx context.Context, userID, projectID, fileID uuid.UUID) error {
	project, file, err := s.load(ctx, userID, projectID, fileID)
	if err != nil {
		return err
	}
	logger := s.logger.With().
		Str("project_id", project.ID.String()).
		Str("file_id", file.ID.String()).
		Logger()

	count, err := s.fileRepo.CountByHash(ctx, project.ID, file.Hash)
	if err != nil {
		logger.Error().Err(err).Msg("failed to count file copies")
		return fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	if err := s.fileRepo.Delete(ctx, file.ID); err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			return err
		}
		logger.Error().Err(err).Msg("failed to delete file")
		return fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	if count > 1 {
		logger.Info().Int64("copies", count-1).Msg("file deleted, content still referenced")
		return nil
	}

	switch file.Status {
	case domain.FileStatusLocal, domain.FileStatusFailure:
		if err := s.staging.Remove(file.Path); err != nil {
			logger.Warn().Err(err).Msg("failed to remove staged file")
		}

	case domain.FileStatusStorage:
		if err := s.jobs.ScheduleDeletion(ctx, DeleteObjectPayload{Key: file.Path}, false); err != nil {
			logger.Error().Err(err).Str("storage_key", file.Path).Msg("failed to schedule object deletion")
		}

	case domain.FileStatusProcessing:
		key, err := s.backend.FileKey(project, file)
		if err != nil {
			logger.Warn().Err(err).Msg("no storage key for in-flight file")
			break
		}
		payload := DeleteObjectPayload{Key: key, LocalPath: file.Path}
		if err := s.jobs.ScheduleDeletion(ctx, payload, true); err != nil {
			logger.Error().Err(err).Str("storage_key", key).Msg("failed to schedule deferred deletion")
		}
	}

	logger.Info().Str("status", string(file.Status)).Msg("file deleted")
	return nil
}
