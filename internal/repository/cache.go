package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/prn-tf/nautilus/internal/domain"
)

// =============================================================================
// Cache Interface
// =============================================================================

// ErrCacheMiss is returned by Cache.Get for absent or expired keys.
var ErrCacheMiss = errors.New("cache miss")

// Cache defines the interface for caching operations.
type Cache interface {
	// Get retrieves a value by key.
	// Returns ErrCacheMiss if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with an optional TTL.
	// If ttl is 0, the value doesn't expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value by key.
	Delete(ctx context.Context, key string) error
}

// =============================================================================
// Common Cache Keys
// =============================================================================

// CacheKey generates cache keys for common scenarios.
type CacheKey struct{}

// UserByID returns a cache key for a user.
func (CacheKey) UserByID(id uuid.UUID) string {
	return "cache:user:id:" + id.String()
}

// =============================================================================
// Cached User Repository
// =============================================================================

// CachedUserRepository caches user lookups. Every authenticated request
// resolves its user, and users never change once created.
type CachedUserRepository struct {
	UserRepository
	cache Cache
	ttl   time.Duration
}

// NewCachedUserRepository wraps repo with a read-through cache.
func NewCachedUserRepository(repo UserRepository, cache Cache, ttl time.Duration) *CachedUserRepository {
	return &CachedUserRepository{
		UserRepository: repo,
		cache:          cache,
		ttl:            ttl,
	}
}

// GetByID returns the cached user or loads it from the repository.
func (r *CachedUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	key := CacheKey{}.UserByID(id)
	if data, err := r.cache.Get(ctx, key); err == nil {
		var user domain.User
		if json.Unmarshal(data, &user) == nil {
			return &user, nil
		}
	}

	user, err := r.UserRepository.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(user); err == nil {
		_ = r.cache.Set(ctx, key, data, r.ttl)
	}
	return user, nil
}

// Delete removes the user and its cache entry.
func (r *CachedUserRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.UserRepository.Delete(ctx, id); err != nil {
		return err
	}
	return r.cache.Delete(ctx, CacheKey{}.UserByID(id))
}
