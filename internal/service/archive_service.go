package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/nautilus/internal/domain"
	"github.com/prn-tf/nautilus/internal/pkg/crypto"
	"github.com/prn-tf/nautilus/internal/repository"
	"github.com/prn-tf/nautilus/internal/storage"
	"github.com/prn-tf/nautilus/internal/zimfarm"
)

// Companion object suffixes.
const (
	companionCollection   = "collection.json"
	companionIllustration = "illustration"
	companionMainLogo     = "main_logo"
)

// BuildRequester submits archive builds.
type BuildRequester interface {
	RequestTask(ctx context.Context, req zimfarm.TaskRequest) (uuid.UUID, error)
}

// ArchiveService handles archive editing and build requests.
type ArchiveService struct {
	archiveRepo repository.ArchiveRepository
	projectRepo repository.ProjectRepository
	fileRepo    repository.FileRepository
	backend     storage.Backend
	builder     BuildRequester
	logger      zerolog.Logger
	now         func() time.Time
}

// NewArchiveService creates a new ArchiveService.
func NewArchiveService(
	archiveRepo repository.ArchiveRepository,
	projectRepo repository.ProjectRepository,
	fileRepo repository.FileRepository,
	backend storage.Backend,
	builder BuildRequester,
	logger zerolog.Logger,
) *ArchiveService {
	return &ArchiveService{
		archiveRepo: archiveRepo,
		projectRepo: projectRepo,
		fileRepo:    fileRepo,
		backend:     backend,
		builder:     builder,
		logger:      logger.With().Str("service", "archive").Logger(),
		now:         time.Now,
	}
}

// UpdateArchiveInput contains the editable fields of an archive.
// Nil fields are left unchanged.
type UpdateArchiveInput struct {
	ProjectID uuid.UUID
	UserID    uuid.UUID
	ArchiveID uuid.UUID
	Email     *string
	Config    *domain.ArchiveConfig
}

// collectionEntry is one item of the collection manifest.
type collectionEntry struct {
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Authors     string           `json:"authors,omitempty"`
	Files       []collectionFile `json:"files"`
}

type collectionFile struct {
	URI      string `json:"uri"`
	Filename string `json:"filename"`
}

func (s *ArchiveService) load(ctx context.Context, userID, projectID, archiveID uuid.UUID) (*domain.Project, *domain.Archive, error) {
	project, err := ownedProject(ctx, s.projectRepo, userID, projectID)
	if err != nil {
		return nil, nil, err
	}

	archive, err := s.archiveRepo.GetByID(ctx, archiveID)
	if err != nil {
		if errors.Is(err, domain.ErrArchiveNotFound) {
			return nil, nil, domain.ErrArchiveNotFound
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	if archive.ProjectID != project.ID {
		return nil, nil, domain.ErrArchiveNotFound
	}
	return project, archive, nil
}

// Create adds a new PENDING archive to a project.
func (s *ArchiveService) Create(ctx context.Context, userID, projectID uuid.UUID) (*domain.Archive, error) {
	project, err := ownedProject(ctx, s.projectRepo, userID, projectID)
	if err != nil {
		return nil, err
	}

	archive := domain.NewArchive(project.ID)
	if err := s.archiveRepo.Create(ctx, archive); err != nil {
		s.logger.Error().Err(err).Str("project_id", project.ID.String()).Msg("failed to create archive")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	return archive, nil
}

// List returns the archives of a project.
func (s *ArchiveService) List(ctx context.Context, userID, projectID uuid.UUID) ([]*domain.Archive, error) {
	if _, err := ownedProject(ctx, s.projectRepo, userID, projectID); err != nil {
		return nil, err
	}

	archives, err := s.archiveRepo.ListByProject(ctx, projectID)
	if err != nil {
		s.logger.Error().Err(err).Str("project_id", projectID.String()).Msg("failed to list archives")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	if archives == nil {
		archives = []*domain.Archive{}
	}
	return archives, nil
}

// Get returns one archive of a project.
func (s *ArchiveService) Get(ctx context.Context, userID, projectID, archiveID uuid.UUID) (*domain.Archive, error) {
	_, archive, err := s.load(ctx, userID, projectID, archiveID)
	return archive, err
}

// Update edits the email and config of a PENDING archive.
func (s *ArchiveService) Update(ctx context.Context, input UpdateArchiveInput) (*domain.Archive, error) {
	_, archive, err := s.load(ctx, input.UserID, input.ProjectID, input.ArchiveID)
	if err != nil {
		return nil, err
	}
	if !archive.IsEditable() {
		return nil, domain.ErrArchiveNotPending
	}

	if input.Email != nil {
		email := strings.TrimSpace(*input.Email)
		if email == "" {
			archive.Email = nil
		} else {
			addr, err := mail.ParseAddress(email)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid email %q", ErrBadRequest, email)
			}
			archive.Email = &addr.Address
		}
	}
	if input.Config != nil {
		config := *input.Config
		if config.Languages == nil {
			config.Languages = []string{}
		}
		if config.Tags == nil {
			config.Tags = []string{}
		}
		archive.Config = config
	}

	if err := s.archiveRepo.Update(ctx, archive); err != nil {
		s.logger.Error().Err(err).Str("archive_id", archive.ID.String()).Msg("failed to update archive")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	return archive, nil
}

// Request uploads the archive assets and manifest, then submits the build.
// The archive only moves to REQUESTED once the build was accepted.
func (s *ArchiveService) Request(ctx context.Context, userID, projectID, archiveID uuid.UUID) (*domain.Archive, error) {
	project, archive, err := s.load(ctx, userID, projectID, archiveID)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With().
		Str("project_id", project.ID.String()).
		Str("archive_id", archive.ID.String()).
		Logger()

	if !archive.IsEditable() {
		return nil, domain.ErrArchiveNotPending
	}
	if err := archive.Config.Validate(); err != nil {
		return nil, err
	}
	if !project.IsReady() {
		return nil, domain.ErrProjectNotReady
	}

	illustrationURL, err := s.uploadImage(ctx, project, archive.Config.Illustration, companionIllustration)
	if err != nil {
		return nil, err
	}
	var mainLogoURL string
	if archive.Config.MainLogo != nil && *archive.Config.MainLogo != "" {
		if mainLogoURL, err = s.uploadImage(ctx, project, *archive.Config.MainLogo, companionMainLogo); err != nil {
			return nil, err
		}
	}

	files, err := s.fileRepo.ListByProject(ctx, project.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list project files")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	manifest, filesize, err := s.buildCollection(files)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	collectionKey, err := s.uploadCompanion(ctx, project, manifest, crypto.ComputeSHA256(manifest), companionCollection, "application/json")
	if err != nil {
		logger.Error().Err(err).Msg("failed to upload collection")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	email := ""
	if archive.Email != nil {
		email = *archive.Email
	}
	cfg := archive.Config
	taskID, err := s.builder.RequestTask(ctx, zimfarm.TaskRequest{
		ProjectID:       project.ID,
		ArchiveID:       archive.ID,
		CollectionURL:   s.backend.URLFor(collectionKey),
		Name:            cfg.Name,
		Filename:        cfg.Filename,
		Title:           cfg.Title,
		Description:     cfg.Description,
		Language:        strings.Join(cfg.Languages, ","),
		Creator:         cfg.Creator,
		Publisher:       cfg.Publisher,
		Tags:            cfg.Tags,
		IllustrationURL: illustrationURL,
		MainLogoURL:     mainLogoURL,
		Email:           email,
	})
	if err != nil {
		if zimfarm.IsBadRequest(err) {
			logger.Warn().Err(err).Msg("build request rejected")
			return nil, fmt.Errorf("%w: %v", ErrBuildRequestRejected, err)
		}
		logger.Error().Err(err).Msg("build request failed")
		return nil, fmt.Errorf("%w: %v", ErrBuildServiceUnavailable, err)
	}

	now := s.now().UTC()
	archive.Status = domain.ArchiveStatusRequested
	archive.RequestedOn = &now
	archive.CollectionJSONPath = &collectionKey
	archive.ZimfarmTaskID = &taskID
	archive.Filesize = &filesize

	if err := s.archiveRepo.Update(ctx, archive); err != nil {
		logger.Error().Err(err).Str("task_id", taskID.String()).Msg("failed to record requested archive")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	logger.Info().Str("task_id", taskID.String()).Int64("filesize", filesize).Msg("archive requested")
	return archive, nil
}

// buildCollection returns the manifest of every stored file and the total
// size of the project's files.
func (s *ArchiveService) buildCollection(files []*domain.File) ([]byte, int64, error) {
	entries := []collectionEntry{}
	var total int64
	for _, file := range files {
		total += file.Filesize
		if !file.IsStored() {
			continue
		}
		entries = append(entries, collectionEntry{
			Title:       file.Title,
			Description: file.Description,
			Authors:     strings.Join(file.Authors, ", "),
			Files: []collectionFile{{
				URI:      s.backend.URLFor(file.Path),
				Filename: file.Filename,
			}},
		})
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return nil, 0, fmt.Errorf("encode collection: %w", err)
	}
	return data, total, nil
}

// uploadImage decodes a base64 image and stores it as a companion object.
func (s *ArchiveService) uploadImage(ctx context.Context, project *domain.Project, encoded, suffix string) (string, error) {
	data, ok := decodeImage(encoded)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidIllustration, suffix)
	}

	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return "", fmt.Errorf("%w: %s is %s", ErrInvalidIllustration, suffix, mtype.String())
	}

	key, err := s.uploadCompanion(ctx, project, data, crypto.ComputeSHA256(data), suffix, mtype.String())
	if err != nil {
		s.logger.Error().Err(err).Str("project_id", project.ID.String()).Str("companion", suffix).Msg("failed to upload image")
		return "", fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	return s.backend.URLFor(key), nil
}

// decodeImage decodes a base64 image, with or without a data URL prefix.
func decodeImage(encoded string) ([]byte, bool) {
	if i := strings.Index(encoded, ";base64,"); i >= 0 {
		encoded = encoded[i+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	return data, true
}

// imageKeys returns the storage keys a request stored the archive's
// images under.
func imageKeys(backend storage.Backend, project *domain.Project, config domain.ArchiveConfig) []string {
	images := map[string]string{companionIllustration: config.Illustration}
	if config.MainLogo != nil {
		images[companionMainLogo] = *config.MainLogo
	}

	var keys []string
	for suffix, encoded := range images {
		data, ok := decodeImage(encoded)
		if !ok {
			continue
		}
		key, err := backend.CompanionKey(project, crypto.ComputeSHA256(data), suffix)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

func (s *ArchiveService) uploadCompanion(ctx context.Context, project *domain.Project, data []byte, hash, suffix, contentType string) (string, error) {
	key, err := s.backend.CompanionKey(project, hash, suffix)
	if err != nil {
		return "", err
	}
	if err := s.backend.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return "", err
	}
	if err := s.backend.SetAutoDelete(ctx, key, project.ExpireOn); err != nil {
		s.logger.Warn().Err(err).Str("storage_key", key).Msg("failed to set companion expiry")
	}
	return key, nil
}
