package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/nautilus/internal/repository"
)

func newTestCache(t *testing.T, opts ...Option) (*Cache, *time.Time) {
	t.Helper()
	c := NewCache(opts...)
	t.Cleanup(c.Stop)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCache_GetSetDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	require.ErrorIs(t, err, repository.ErrCacheMiss)

	value := []byte("alice")
	require.NoError(t, c.Set(ctx, "user", value, 0))
	value[0] = 'X'

	got, err := c.Get(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, "alice", string(got), "stored value must not alias the caller's slice")

	got[0] = 'Y'
	again, err := c.Get(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, "alice", string(again))

	require.NoError(t, c.Delete(ctx, "user"))
	_, err = c.Get(ctx, "user")
	require.ErrorIs(t, err, repository.ErrCacheMiss)
}

func TestCache_Expiry(t *testing.T) {
	c, now := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", []byte("a"), time.Second))
	require.NoError(t, c.Set(ctx, "forever", []byte("b"), 0))
	assert.Equal(t, 2, c.Len())

	*now = now.Add(time.Second)
	_, err := c.Get(ctx, "short")
	require.ErrorIs(t, err, repository.ErrCacheMiss)
	assert.Equal(t, 1, c.Len())

	c.sweep()
	_, err = c.Get(ctx, "forever")
	require.NoError(t, err)
}

func TestCache_EvictsSoonestExpiry(t *testing.T) {
	c, _ := newTestCache(t, WithMaxEntries(2))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "keep", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "soon", []byte("2"), time.Minute))
	require.NoError(t, c.Set(ctx, "new", []byte("3"), time.Hour))

	assert.Equal(t, 2, c.Len())
	_, err := c.Get(ctx, "soon")
	require.ErrorIs(t, err, repository.ErrCacheMiss)
	_, err = c.Get(ctx, "keep")
	require.NoError(t, err)

	// overwriting an existing key never evicts
	require.NoError(t, c.Set(ctx, "new", []byte("4"), time.Hour))
	assert.Equal(t, 2, c.Len())
}

func TestCache_CancelledContext(t *testing.T) {
	c, _ := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, c.Set(ctx, "k", []byte("v"), 0), context.Canceled)
	_, err := c.Get(ctx, "k")
	require.ErrorIs(t, err, context.Canceled)
}
