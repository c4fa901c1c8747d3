package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/nautilus/internal/domain"
	"github.com/prn-tf/nautilus/internal/repository"
)

// UserService handles user management operations.
type UserService struct {
	userRepo     repository.UserRepository
	singleUserID uuid.UUID
	logger       zerolog.Logger
}

// NewUserService creates a new UserService.
// A non-nil singleUserID binds every Create call to that user.
func NewUserService(userRepo repository.UserRepository, singleUserID uuid.UUID, logger zerolog.Logger) *UserService {
	return &UserService{
		userRepo:     userRepo,
		singleUserID: singleUserID,
		logger:       logger.With().Str("service", "user").Logger(),
	}
}

// SingleUser reports whether the deployment is bound to one fixed user.
func (s *UserService) SingleUser() bool {
	return s.singleUserID != uuid.Nil
}

// Create creates a new user account. In single-user mode it returns the
// fixed user instead.
func (s *UserService) Create(ctx context.Context) (*domain.User, error) {
	if s.SingleUser() {
		return s.EnsureSingleUser(ctx)
	}

	user := domain.NewUser()
	if err := s.userRepo.Create(ctx, user); err != nil {
		s.logger.Error().Err(err).Msg("failed to create user")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	s.logger.Info().Str("user_id", user.ID.String()).Msg("user created")
	return user, nil
}

// EnsureSingleUser creates the fixed user if it does not exist yet.
// It is a no-op returning nil in multi-user mode.
func (s *UserService) EnsureSingleUser(ctx context.Context) (*domain.User, error) {
	if !s.SingleUser() {
		return nil, nil
	}

	user, err := s.userRepo.GetByID(ctx, s.singleUserID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, domain.ErrUserNotFound) {
		s.logger.Error().Err(err).Msg("failed to get single user")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	user = domain.NewUserWithID(s.singleUserID)
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, domain.ErrUserAlreadyExists) {
			return s.userRepo.GetByID(ctx, s.singleUserID)
		}
		s.logger.Error().Err(err).Msg("failed to create single user")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	s.logger.Info().Str("user_id", user.ID.String()).Msg("single user created")
	return user, nil
}

// GetByID retrieves a user by ID.
func (s *UserService) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	user, err := s.userRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	return user, nil
}
