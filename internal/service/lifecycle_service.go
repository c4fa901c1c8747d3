package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/nautilus/internal/domain"
	"github.com/prn-tf/nautilus/internal/lock"
	"github.com/prn-tf/nautilus/internal/metrics"
	"github.com/prn-tf/nautilus/internal/repository"
	"github.com/prn-tf/nautilus/internal/staging"
	"github.com/prn-tf/nautilus/internal/storage"
)

// DefaultPromotionLockTTL bounds how long one promotion may hold its
// storage key lock.
const DefaultPromotionLockTTL = 30 * time.Minute

// LifecycleService moves files from the staging disk to durable storage
// and deletes stored objects. Its operations run as queue jobs.
type LifecycleService struct {
	fileRepo    repository.FileRepository
	projectRepo repository.ProjectRepository
	staging     *staging.Store
	backend     storage.Backend
	locker      lock.Locker
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	lockTTL     time.Duration
}

// NewLifecycleService creates a new lifecycle service.
func NewLifecycleService(
	fileRepo repository.FileRepository,
	projectRepo repository.ProjectRepository,
	stagingStore *staging.Store,
	backend storage.Backend,
	locker lock.Locker,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *LifecycleService {
	return &LifecycleService{
		fileRepo:    fileRepo,
		projectRepo: projectRepo,
		staging:     stagingStore,
		backend:     backend,
		locker:      locker,
		metrics:     m,
		logger:      logger.With().Str("service", "lifecycle").Logger(),
		lockTTL:     DefaultPromotionLockTTL,
	}
}

// PromoteFile uploads a staged file to the backend and marks it STORAGE.
//
// A file that is not LOCAL is left alone, so duplicate deliveries of the
// same job are harmless and FAILURE stays terminal. On failure the file goes back
// to LOCAL, or to FAILURE when finalAttempt is set, and the local copy is
// kept.
func (s *LifecycleService) PromoteFile(ctx context.Context, fileID uuid.UUID, finalAttempt bool) error {
	start := time.Now()
	logger := s.logger.With().Str("file_id", fileID.String()).Logger()

	file, err := s.fileRepo.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			logger.Info().Msg("file deleted before promotion")
			s.metrics.RecordPromotion(metrics.OutcomeSkipped, time.Since(start))
			return nil
		}
		return fmt.Errorf("load file: %w", err)
	}

	project, err := s.projectRepo.GetByID(ctx, file.ProjectID)
	if err != nil {
		if errors.Is(err, domain.ErrProjectNotFound) {
			logger.Info().Msg("project deleted before promotion")
			s.metrics.RecordPromotion(metrics.OutcomeSkipped, time.Since(start))
			return nil
		}
		return fmt.Errorf("load project: %w", err)
	}
	if project.ExpireOn == nil {
		return fmt.Errorf("%w: project %s has no expiry", domain.ErrProjectNotReady, project.ID)
	}
	logger = logger.With().Str("project_id", project.ID.String()).Logger()

	claimed, err := s.fileRepo.ClaimForPromotion(ctx, file.ID)
	if err != nil {
		return fmt.Errorf("claim file: %w", err)
	}
	if !claimed {
		logger.Debug().Msg("file already promoted or in flight, skipping")
		s.metrics.RecordPromotion(metrics.OutcomeSkipped, time.Since(start))
		return nil
	}

	key, err := s.backend.FileKey(project, file)
	if err != nil {
		return s.abandon(ctx, logger, file, finalAttempt, start, fmt.Errorf("storage key: %w", err))
	}
	logger = logger.With().Str("storage_key", key).Logger()

	objectLock := lock.NewLock(s.locker, lock.Keys.PromoteObject(key), s.lockTTL)
	acquired, err := objectLock.TryAcquire(ctx)
	if err != nil {
		return s.abandon(ctx, logger, file, finalAttempt, start, fmt.Errorf("acquire promotion lock: %w", err))
	}
	if !acquired {
		if finalAttempt {
			return s.abandon(ctx, logger, file, true, start, ErrPromotionBusy)
		}
		if err := s.fileRepo.SetStatus(ctx, file.ID, domain.FileStatusLocal, ""); err != nil {
			logger.Error().Err(err).Msg("failed to release file claim")
		}
		s.metrics.RecordPromotion(metrics.OutcomeBusy, time.Since(start))
		return ErrPromotionBusy
	}
	defer func() {
		if err := objectLock.Release(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to release promotion lock")
		}
	}()

	if err := s.store(ctx, logger, project, file, key); err != nil {
		return s.abandon(ctx, logger, file, finalAttempt, start, err)
	}
	if held, err := objectLock.Refresh(ctx); err != nil || !held {
		logger.Warn().Err(err).Msg("promotion lock expired during upload")
	}

	if err := s.fileRepo.SetStatus(ctx, file.ID, domain.FileStatusStorage, key); err != nil {
		return s.abandon(ctx, logger, file, finalAttempt, start, fmt.Errorf("mark stored: %w", err))
	}

	s.metrics.RecordPromotion(metrics.OutcomeSuccess, time.Since(start))
	logger.Info().Dur("duration", time.Since(start)).Msg("file promoted")
	return nil
}

// store uploads the staged copy unless the key already exists, then drops
// the local copy and tags the object for expiry.
func (s *LifecycleService) store(ctx context.Context, logger zerolog.Logger, project *domain.Project, file *domain.File, key string) error {
	exists, err := s.backend.Has(ctx, key)
	s.metrics.RecordStorageOp(s.backend.Name(), "has", err)
	if err != nil {
		return fmt.Errorf("check object: %w", err)
	}

	if exists {
		logger.Debug().Msg("object already stored, skipping upload")
	} else {
		f, err := s.staging.Open(file.Path)
		if err != nil {
			return fmt.Errorf("open staged file: %w", err)
		}
		err = s.backend.Upload(ctx, key, f, file.Filesize, file.Type)
		_ = f.Close()
		s.metrics.RecordStorageOp(s.backend.Name(), "upload", err)
		if err != nil {
			return fmt.Errorf("upload object: %w", err)
		}

		if err := s.backend.SetAutoDelete(ctx, key, project.ExpireOn); err != nil {
			logger.Warn().Err(err).Msg("failed to set object expiry")
		}
	}

	others, err := s.fileRepo.CountLocalByPath(ctx, project.ID, file.Path, file.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to count local copies, keeping staged file")
		return nil
	}
	if others == 0 {
		if err := s.staging.Remove(file.Path); err != nil {
			logger.Warn().Err(err).Msg("failed to remove staged file")
		}
	}
	return nil
}

// abandon writes LOCAL, or FAILURE on the final attempt, and returns cause.
func (s *LifecycleService) abandon(ctx context.Context, logger zerolog.Logger, file *domain.File, finalAttempt bool, start time.Time, cause error) error {
	status := domain.FileStatusLocal
	outcome := metrics.OutcomeRetry
	if finalAttempt {
		status = domain.FileStatusFailure
		outcome = metrics.OutcomeFailure
	}

	if err := s.fileRepo.SetStatus(context.WithoutCancel(ctx), file.ID, status, ""); err != nil {
		logger.Error().Err(err).Str("status", string(status)).Msg("failed to record promotion failure")
	}

	s.metrics.RecordPromotion(outcome, time.Since(start))
	logger.Warn().Err(cause).Str("status", string(status)).Msg("promotion failed")
	return cause
}

// DeleteStoredObject removes an object from the backend along with an
// optional staged copy. An absent object is a no-op.
func (s *LifecycleService) DeleteStoredObject(ctx context.Context, payload DeleteObjectPayload) error {
	logger := s.logger.With().Str("storage_key", payload.Key).Logger()

	if payload.LocalPath != "" {
		if err := s.staging.Remove(payload.LocalPath); err != nil {
			logger.Warn().Err(err).Msg("failed to remove staged file")
		}
	}

	exists, err := s.backend.Has(ctx, payload.Key)
	s.metrics.RecordStorageOp(s.backend.Name(), "has", err)
	if err != nil {
		return fmt.Errorf("check object: %w", err)
	}
	if !exists {
		logger.Debug().Msg("object already absent")
		return nil
	}

	err = s.backend.Delete(ctx, payload.Key)
	s.metrics.RecordStorageOp(s.backend.Name(), "delete", err)
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}

	logger.Info().Msg("object deleted")
	return nil
}
