package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_AcquireRelease(t *testing.T) {
	locker := NewMemoryLocker()
	defer locker.Stop()
	ctx := context.Background()
	key := Keys.PromoteObject(uuid.NewString())

	acquired, err := locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired, "second acquire must fail while held")

	released, err := locker.Release(ctx, key)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = locker.Release(ctx, key)
	require.NoError(t, err)
	assert.False(t, released)

	acquired, err = locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestMemoryLocker_Expiry(t *testing.T) {
	locker := NewMemoryLocker()
	defer locker.Stop()
	ctx := context.Background()

	now := time.Now()
	locker.now = func() time.Time { return now }

	acquired, err := locker.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	extended, err := locker.Extend(ctx, "k", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, extended)

	now = now.Add(5 * time.Second)
	acquired, err = locker.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.False(t, acquired, "extended lock is still held")

	now = now.Add(10 * time.Second)
	extended, err = locker.Extend(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.False(t, extended, "expired lock cannot be extended")

	acquired, err = locker.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	now = now.Add(time.Hour)
	locker.cleanup()
	assert.Empty(t, locker.locks)
}

func TestMemoryLocker_CanceledContext(t *testing.T) {
	locker := NewMemoryLocker()
	defer locker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := locker.Acquire(ctx, "k", time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLock_Wrapper(t *testing.T) {
	locker := NewMemoryLocker()
	defer locker.Stop()
	ctx := context.Background()

	l := NewLock(locker, Keys.RetentionSweep(), time.Minute)
	assert.Equal(t, "lock:sweep:retention", l.Key())
	require.NoError(t, l.Release(ctx), "releasing an unheld lock is a no-op")

	refreshed, err := l.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, refreshed)

	acquired, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)
	assert.True(t, l.Held())

	other := NewLock(locker, Keys.RetentionSweep(), time.Minute)
	acquired, err = other.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.False(t, other.Held())

	refreshed, err = l.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, refreshed)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, l.Release(cancelled), "release ignores cancellation")
	assert.False(t, l.Held())

	acquired, err = other.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestNoOpLocker(t *testing.T) {
	locker := NewNoOpLocker()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		acquired, err := locker.Acquire(ctx, "k", time.Second)
		require.NoError(t, err)
		assert.True(t, acquired)
	}
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("NAUTILUS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NAUTILUS_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	key := Keys.PromoteObject(uuid.NewString())

	a := NewRedisLocker(client)
	b := NewRedisLocker(client)

	acquired, err := a.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = b.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired)

	released, err := b.Release(ctx, key)
	require.NoError(t, err)
	assert.False(t, released, "only the owner can release")

	extended, err := a.Extend(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, extended)

	ttl, err := client.PTTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 5*time.Second)

	released, err = a.Release(ctx, key)
	require.NoError(t, err)
	assert.True(t, released)

	acquired, err = b.Acquire(ctx, key, time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
	_, _ = b.Release(ctx, key)
}
