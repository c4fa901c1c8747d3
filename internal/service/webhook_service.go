package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/nautilus/internal/domain"
	"github.com/prn-tf/nautilus/internal/metrics"
	"github.com/prn-tf/nautilus/internal/notify"
	"github.com/prn-tf/nautilus/internal/repository"
	"github.com/prn-tf/nautilus/internal/zimfarm"
)

// WebhookConfig contains build callback settings.
type WebhookConfig struct {
	// CallbackToken is the secret every callback must carry.
	CallbackToken string

	// DownloadURL is the base of built archive download URLs.
	DownloadURL string

	// WarehousePath is used when a callback does not name one.
	WarehousePath string
}

// WebhookService applies build callbacks to archives.
type WebhookService struct {
	archiveRepo repository.ArchiveRepository
	projectRepo repository.ProjectRepository
	notifier    notify.Notifier
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	config      WebhookConfig
}

// NewWebhookService creates a new WebhookService.
func NewWebhookService(
	archiveRepo repository.ArchiveRepository,
	projectRepo repository.ProjectRepository,
	notifier notify.Notifier,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config WebhookConfig,
) *WebhookService {
	return &WebhookService{
		archiveRepo: archiveRepo,
		projectRepo: projectRepo,
		notifier:    notifier,
		metrics:     m,
		logger:      logger.With().Str("service", "webhook").Logger(),
		config:      config,
	}
}

// HandleBuildCallback records the outcome of a build. Only a bad token or
// an unknown project or archive is reported back; storage and notification
// failures are logged so the build system does not keep retrying.
func (s *WebhookService) HandleBuildCallback(
	ctx context.Context,
	projectID, archiveID uuid.UUID,
	token, target string,
	payload zimfarm.WebhookPayload,
) error {
	if s.config.CallbackToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(s.config.CallbackToken)) != 1 {
		s.metrics.RecordWebhook("unauthorized")
		return ErrInvalidCallbackToken
	}

	project, err := s.projectRepo.GetByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, domain.ErrProjectNotFound) {
			return domain.ErrProjectNotFound
		}
		return fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	archive, err := s.archiveRepo.GetByID(ctx, archiveID)
	if err != nil {
		if errors.Is(err, domain.ErrArchiveNotFound) {
			return domain.ErrArchiveNotFound
		}
		return fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	if archive.ProjectID != project.ID {
		return domain.ErrArchiveNotFound
	}

	logger := s.logger.With().
		Str("project_id", project.ID.String()).
		Str("archive_id", archive.ID.String()).
		Str("task_status", payload.Status).
		Logger()

	status := payload.Status
	switch status {
	case zimfarm.TaskStatusRequested:
	case zimfarm.TaskStatusSucceeded:
		if err := s.markReady(archive, payload); err != nil {
			logger.Warn().Err(err).Msg("unusable success callback, marking archive failed")
			status = zimfarm.TaskStatusFailed
			archive.Status = domain.ArchiveStatusFailed
		}
		s.save(ctx, logger, archive)
	case zimfarm.TaskStatusFailed, zimfarm.TaskStatusCanceled:
		archive.Status = domain.ArchiveStatusFailed
		s.save(ctx, logger, archive)
	default:
		logger.Debug().Msg("ignoring callback status")
		s.metrics.RecordWebhook("ignored")
		return nil
	}
	s.metrics.RecordWebhook(status)

	if target != "" {
		download := ""
		if archive.DownloadURL != nil {
			download = *archive.DownloadURL
		}
		err := s.notifier.NotifyBuild(ctx, notify.BuildNotification{
			To:          target,
			Archive:     archive,
			ProjectName: project.Name,
			TaskStatus:  status,
			DownloadURL: download,
		})
		if err != nil {
			logger.Error().Err(err).Msg("failed to send build notification")
		}
	}

	logger.Info().Str("archive_status", string(archive.Status)).Msg("build callback handled")
	return nil
}

// markReady fills the archive from a success payload.
func (s *WebhookService) markReady(archive *domain.Archive, payload zimfarm.WebhookPayload) error {
	name, file, ok := payload.FirstFile()
	if !ok {
		return errors.New("callback lists no file")
	}
	if file.Size == nil {
		return fmt.Errorf("file %q has no size", name)
	}
	completedOn, err := file.UploadedAt()
	if err != nil {
		return err
	}

	warehouse := payload.Config.WarehousePath
	if warehouse == "" {
		warehouse = s.config.WarehousePath
	}
	parts := []string{strings.TrimRight(s.config.DownloadURL, "/")}
	if w := strings.Trim(warehouse, "/"); w != "" {
		parts = append(parts, w)
	}
	download := strings.Join(append(parts, file.Name), "/")

	size := *file.Size
	archive.Filesize = &size
	archive.CompletedOn = &completedOn
	archive.DownloadURL = &download
	archive.Status = domain.ArchiveStatusReady
	return nil
}

func (s *WebhookService) save(ctx context.Context, logger zerolog.Logger, archive *domain.Archive) {
	if err := s.archiveRepo.Update(ctx, archive); err != nil {
		logger.Error().Err(err).Msg("failed to record build outcome")
	}
}
