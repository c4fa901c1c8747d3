package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// RedisLocker implements Locker with redsync mutexes on a single Redis.
// A process remembers the mutexes it acquired so it can release or extend
// them; a lock held by another process cannot be released here.
type RedisLocker struct {
	client *redis.Client
	rs     *redsync.Redsync

	mu      sync.Mutex
	mutexes map[string]*redsync.Mutex
}

// NewRedisLocker creates a new RedisLocker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client:  client,
		rs:      redsync.New(goredis.NewPool(client)),
		mutexes: make(map[string]*redsync.Mutex),
	}
}

// Acquire attempts to acquire a lock without retrying.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	mutex := l.rs.NewMutex(key, redsync.WithExpiry(ttl), redsync.WithTries(1))

	if err := mutex.TryLockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// redsync reports contention and transport failures alike;
		// an existing key means the lock is simply taken.
		exists, existsErr := l.client.Exists(ctx, key).Result()
		if existsErr != nil {
			return false, fmt.Errorf("failed to acquire lock %s: %w", key, errors.Join(err, existsErr))
		}
		if exists > 0 {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	l.mu.Lock()
	l.mutexes[key] = mutex
	l.mu.Unlock()
	return true, nil
}

// Release releases a lock acquired by this locker.
func (l *RedisLocker) Release(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	mutex, ok := l.mutexes[key]
	delete(l.mutexes, key)
	l.mu.Unlock()

	if !ok {
		return false, nil
	}

	released, err := mutex.UnlockContext(ctx)
	if err != nil && !errors.Is(err, redsync.ErrLockAlreadyExpired) {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return released, nil
}

// Extend resets the TTL of a lock acquired by this locker.
func (l *RedisLocker) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.mutexes[key]
	if !ok {
		return false, nil
	}

	mutex := l.rs.NewMutex(key, redsync.WithExpiry(ttl), redsync.WithTries(1), redsync.WithValue(held.Value()))
	extended, err := mutex.ExtendContext(ctx)
	if err != nil {
		delete(l.mutexes, key)
		if errors.Is(err, redsync.ErrExtendFailed) {
			return false, nil
		}
		return false, fmt.Errorf("failed to extend lock %s: %w", key, err)
	}
	l.mutexes[key] = mutex
	return extended, nil
}

// Ensure RedisLocker implements Locker.
var _ Locker = (*RedisLocker)(nil)
