package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(q Queue) *Worker {
	return NewWorker(q, nil, zerolog.Nop(), WorkerConfig{Concurrency: 1, PollInterval: 10 * time.Millisecond})
}

func TestWorker_ProcessNextSuccess(t *testing.T) {
	q, _ := newTestMemoryQueue(t)
	ctx := context.Background()
	w := newTestWorker(q)

	var seen AttemptInfo
	w.Register("promote_file", func(ctx context.Context, job *Job) error {
		seen = AttemptFromContext(ctx)
		return nil
	})

	_, err := q.Enqueue(ctx, "promote_file", filePayload{FileID: "f1"})
	require.NoError(t, err)

	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, AttemptInfo{Attempt: 1, MaxAttempts: 3}, seen)
	assert.False(t, seen.Final())

	processed, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestWorker_RetriesThenFails(t *testing.T) {
	q, now := newTestMemoryQueue(t)
	ctx := context.Background()
	w := newTestWorker(q)
	w.now = func() time.Time { return *now }

	var finals []bool
	w.Register("promote_file", func(ctx context.Context, job *Job) error {
		finals = append(finals, AttemptFromContext(ctx).Final())
		return errors.New("backend unavailable")
	})

	_, err := q.Enqueue(ctx, "promote_file", filePayload{FileID: "f1"},
		WithRetry(RetryPolicy{MaxAttempts: 2, Interval: time.Minute}))
	require.NoError(t, err)

	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	processed, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "retry waits for the interval")

	*now = now.Add(time.Minute)
	processed, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	assert.Equal(t, []bool{false, true}, finals)
	require.Len(t, q.Failed(), 1)
	assert.Equal(t, "backend unavailable", q.Failed()[0].LastError)
}

func TestWorker_PanicIsAnError(t *testing.T) {
	q, _ := newTestMemoryQueue(t)
	ctx := context.Background()
	w := newTestWorker(q)

	w.Register("boom", func(ctx context.Context, job *Job) error {
		panic("kaboom")
	})

	_, err := q.Enqueue(ctx, "boom", nil, WithRetry(RetryPolicy{MaxAttempts: 1}))
	require.NoError(t, err)

	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	failed := q.Failed()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastError, "kaboom")
}

func TestWorker_UnknownJobFails(t *testing.T) {
	q, _ := newTestMemoryQueue(t)
	ctx := context.Background()
	w := newTestWorker(q)

	_, err := q.Enqueue(ctx, "mystery", nil)
	require.NoError(t, err)

	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Len(t, q.Failed(), 1)
}

func TestWorker_StartStop(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	w := NewWorker(q, nil, zerolog.Nop(), WorkerConfig{Concurrency: 2, PollInterval: 5 * time.Millisecond})

	var count atomic.Int32
	done := make(chan struct{}, 3)
	w.Register("tick", func(ctx context.Context, job *Job) error {
		count.Add(1)
		done <- struct{}{}
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, "tick", i)
		require.NoError(t, err)
	}

	w.Start(ctx)
	defer w.Stop()

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}

	w.Stop()
	assert.Equal(t, int32(3), count.Load())

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestAttemptFromContext_Default(t *testing.T) {
	info := AttemptFromContext(context.Background())
	assert.True(t, info.Final())
}
