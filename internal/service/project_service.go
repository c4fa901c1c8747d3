package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/nautilus/internal/domain"
	"github.com/prn-tf/nautilus/internal/repository"
	"github.com/prn-tf/nautilus/internal/staging"
	"github.com/prn-tf/nautilus/internal/storage"
)

// ProjectService handles project operations.
type ProjectService struct {
	projectRepo repository.ProjectRepository
	fileRepo    repository.FileRepository
	archiveRepo repository.ArchiveRepository
	staging     *staging.Store
	backend     storage.Backend
	jobs        *JobScheduler
	logger      zerolog.Logger
}

// NewProjectService creates a new ProjectService.
func NewProjectService(
	projectRepo repository.ProjectRepository,
	fileRepo repository.FileRepository,
	archiveRepo repository.ArchiveRepository,
	stagingStore *staging.Store,
	backend storage.Backend,
	jobs *JobScheduler,
	logger zerolog.Logger,
) *ProjectService {
	return &ProjectService{
		projectRepo: projectRepo,
		fileRepo:    fileRepo,
		archiveRepo: archiveRepo,
		staging:     stagingStore,
		backend:     backend,
		jobs:        jobs,
		logger:      logger.With().Str("service", "project").Logger(),
	}
}

// UpdateProjectInput contains the fields of a project update.
// Nil fields are left unchanged.
type UpdateProjectInput struct {
	ProjectID  uuid.UUID
	UserID     uuid.UUID
	Name       *string
	WebDAVPath *string
}

// ownedProject loads a project and hides it from anyone but its owner.
func ownedProject(ctx context.Context, repo repository.ProjectRepository, userID, projectID uuid.UUID) (*domain.Project, error) {
	project, err := repo.GetByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, domain.ErrProjectNotFound) {
			return nil, domain.ErrProjectNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	if !project.IsOwnedBy(userID) {
		return nil, domain.ErrProjectNotFound
	}
	return project, nil
}

// Create creates a project with its initial PENDING archive.
func (s *ProjectService) Create(ctx context.Context, userID uuid.UUID, name string) (*domain.Project, error) {
	if err := domain.ValidateProjectName(name); err != nil {
		return nil, err
	}

	project := domain.NewProject(userID, name)
	archive := domain.NewArchive(project.ID)
	if err := s.projectRepo.Create(ctx, project, archive); err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.ErrUserNotFound
		}
		s.logger.Error().Err(err).Str("user_id", userID.String()).Msg("failed to create project")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	s.logger.Info().
		Str("project_id", project.ID.String()).
		Str("archive_id", archive.ID.String()).
		Msg("project created")

	return project, nil
}

// List returns a user's projects.
func (s *ProjectService) List(ctx context.Context, userID uuid.UUID) ([]*domain.Project, error) {
	projects, err := s.projectRepo.ListByUser(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID.String()).Msg("failed to list projects")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	if projects == nil {
		projects = []*domain.Project{}
	}
	return projects, nil
}

// Get returns a project owned by userID.
func (s *ProjectService) Get(ctx context.Context, userID, projectID uuid.UUID) (*domain.Project, error) {
	return ownedProject(ctx, s.projectRepo, userID, projectID)
}

// Update renames a project or changes its WebDAV path.
func (s *ProjectService) Update(ctx context.Context, input UpdateProjectInput) (*domain.Project, error) {
	project, err := ownedProject(ctx, s.projectRepo, input.UserID, input.ProjectID)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		if err := domain.ValidateProjectName(*input.Name); err != nil {
			return nil, err
		}
		project.Name = strings.TrimSpace(*input.Name)
	}
	if input.WebDAVPath != nil {
		path := strings.TrimRight(strings.TrimSpace(*input.WebDAVPath), "/")
		if path == "" {
			project.WebDAVPath = nil
		} else {
			project.WebDAVPath = &path
		}
	}

	if err := s.projectRepo.Update(ctx, project); err != nil {
		if errors.Is(err, domain.ErrProjectNotFound) {
			return nil, err
		}
		s.logger.Error().Err(err).Str("project_id", project.ID.String()).Msg("failed to update project")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	return project, nil
}

// Delete deletes a project owned by userID with everything it holds.
func (s *ProjectService) Delete(ctx context.Context, userID, projectID uuid.UUID) error {
	project, err := ownedProject(ctx, s.projectRepo, userID, projectID)
	if err != nil {
		return err
	}
	return s.Purge(ctx, project)
}

// Purge schedules the deletion of a project's stored objects, removes its
// staged files and deletes its rows.
func (s *ProjectService) Purge(ctx context.Context, project *domain.Project) error {
	logger := s.logger.With().Str("project_id", project.ID.String()).Logger()

	files, err := s.fileRepo.ListByProject(ctx, project.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list project files")
		return fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	scheduled := make(map[string]struct{})
	schedule := func(payload DeleteObjectPayload) {
		if _, ok := scheduled[payload.Key]; ok {
			return
		}
		scheduled[payload.Key] = struct{}{}

		if err := s.jobs.ScheduleDeletion(ctx, payload, payload.LocalPath != ""); err != nil {
			logger.Error().Err(err).Str("storage_key", payload.Key).Msg("failed to schedule object deletion")
		}
	}

	for _, file := range files {
		switch file.Status {
		case domain.FileStatusStorage:
			schedule(DeleteObjectPayload{Key: file.Path})
		case domain.FileStatusProcessing:
			key, err := s.backend.FileKey(project, file)
			if err != nil {
				logger.Warn().Err(err).Str("file_id", file.ID.String()).Msg("no storage key for in-flight file")
				continue
			}
			schedule(DeleteObjectPayload{Key: key, LocalPath: file.Path})
		}
	}

	archives, err := s.archiveRepo.ListByProject(ctx, project.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list project archives")
		return fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	for _, archive := range archives {
		// only requested archives have stored companions
		if archive.CollectionJSONPath == nil {
			continue
		}
		schedule(DeleteObjectPayload{Key: *archive.CollectionJSONPath})
		for _, key := range imageKeys(s.backend, project, archive.Config) {
			schedule(DeleteObjectPayload{Key: key})
		}
	}

	if err := s.projectRepo.Delete(ctx, project.ID); err != nil {
		if errors.Is(err, domain.ErrProjectNotFound) {
			return err
		}
		logger.Error().Err(err).Msg("failed to delete project")
		return fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	if err := s.staging.RemoveProject(project.ID); err != nil {
		logger.Warn().Err(err).Msg("failed to remove staged files")
	}

	logger.Info().Int("files", len(files)).Int("objects", len(scheduled)).Msg("project deleted")
	return nil
}
