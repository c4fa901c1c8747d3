// Package lock provides distributed and local locking abstractions.
// A single process uses memory locks; API and worker processes sharing
// a queue use Redis locks.
package lock

import (
	"context"
	"time"
)

// Locker hands out expiring, non-reentrant locks by key.
type Locker interface {
	// Acquire takes the lock for ttl. It reports false without error when
	// someone else holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release drops the lock. It reports false if the lock was not held.
	Release(ctx context.Context, key string) (bool, error)

	// Extend pushes back the expiry of a held lock.
	Extend(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Lock is one key of a Locker, held for a fixed ttl.
type Lock struct {
	locker Locker
	key    string
	ttl    time.Duration
	held   bool
}

// NewLock returns the lock guarding key.
func NewLock(locker Locker, key string, ttl time.Duration) *Lock {
	return &Lock{
		locker: locker,
		key:    key,
		ttl:    ttl,
	}
}

// Key returns the locked key.
func (l *Lock) Key() string {
	return l.key
}

// TryAcquire takes the lock without waiting.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	acquired, err := l.locker.Acquire(ctx, l.key, l.ttl)
	if err != nil {
		return false, err
	}
	l.held = acquired
	return acquired, nil
}

// Release drops the lock. It ignores ctx cancellation so that deferred
// releases still run after a request is aborted, and is a no-op when the
// lock is not held.
func (l *Lock) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	l.held = false
	_, err := l.locker.Release(context.WithoutCancel(ctx), l.key)
	return err
}

// Refresh restarts the ttl of a held lock. It reports false once the lock
// has been lost.
func (l *Lock) Refresh(ctx context.Context) (bool, error) {
	if !l.held {
		return false, nil
	}
	extended, err := l.locker.Extend(ctx, l.key, l.ttl)
	if err != nil {
		return false, err
	}
	l.held = extended
	return extended, nil
}

// Held reports whether this Lock currently owns its key.
func (l *Lock) Held() bool {
	return l.held
}

// Keys builds the lock keys used across processes.
var Keys = lockKeys{}

type lockKeys struct{}

// PromoteObject returns the lock key guarding uploads to one storage key.
func (lockKeys) PromoteObject(storageKey string) string {
	return "lock:promote:" + storageKey
}

// RetentionSweep returns the lock key for the retention sweep.
func (lockKeys) RetentionSweep() string {
	return "lock:sweep:retention"
}
