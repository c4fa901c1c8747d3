package lock

import (
	"context"
	"time"
)

// NoOpLocker is a locker that always succeeds. Use it in single-threaded tests.
type NoOpLocker struct{}

// NewNoOpLocker creates a new no-op locker.
func NewNoOpLocker() *NoOpLocker {
	return &NoOpLocker{}
}

// Acquire always returns true.
func (n *NoOpLocker) Acquire(ctx context.Context, _ string, _ time.Duration) (bool, error) {
	return true, ctx.Err()
}

// Release always returns true.
func (n *NoOpLocker) Release(ctx context.Context, _ string) (bool, error) {
	return true, ctx.Err()
}

// Extend always returns true.
func (n *NoOpLocker) Extend(ctx context.Context, _ string, _ time.Duration) (bool, error) {
	return true, ctx.Err()
}

// Ensure NoOpLocker implements Locker.
var _ Locker = (*NoOpLocker)(nil)
