package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue. Jobs do not survive a restart.
type MemoryQueue struct {
	mu         sync.Mutex
	now        func() time.Time
	visibility time.Duration
	closed     bool

	jobs       map[string]*Job
	scheduled  map[string]time.Time
	processing map[string]time.Time
	failed     []*Job
}

// NewMemoryQueue creates an in-process queue.
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = 30 * time.Minute
	}
	return &MemoryQueue{
		now:        time.Now,
		visibility: visibility,
		jobs:       make(map[string]*Job),
		scheduled:  make(map[string]time.Time),
		processing: make(map[string]time.Time),
	}
}

// Enqueue schedules a job to run now.
func (q *MemoryQueue) Enqueue(ctx context.Context, name string, payload any, opts ...EnqueueOption) (*Job, error) {
	return q.EnqueueAt(ctx, q.now(), name, payload, opts...)
}

// EnqueueAt schedules a job to run at runAt.
func (q *MemoryQueue) EnqueueAt(ctx context.Context, runAt time.Time, name string, payload any, opts ...EnqueueOption) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	job, err := newJob(name, payload, runAt, q.now(), opts)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	if existing, ok := q.jobs[job.ID]; ok {
		return existing.clone(), nil
	}

	q.jobs[job.ID] = job
	q.scheduled[job.ID] = job.RunAt
	return job.clone(), nil
}

// Dequeue claims the earliest due job.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	now := q.now()
	for id, deadline := range q.processing {
		if !deadline.After(now) {
			delete(q.processing, id)
			q.scheduled[id] = now
		}
	}

	var (
		nextID string
		nextAt time.Time
	)
	for id, runAt := range q.scheduled {
		if runAt.After(now) {
			continue
		}
		if nextID == "" || runAt.Before(nextAt) ||
			(runAt.Equal(nextAt) && q.jobs[id].EnqueuedAt.Before(q.jobs[nextID].EnqueuedAt)) {
			nextID, nextAt = id, runAt
		}
	}
	if nextID == "" {
		return nil, ErrNoJob
	}

	delete(q.scheduled, nextID)
	q.processing[nextID] = now.Add(q.visibility)

	job := q.jobs[nextID]
	job.Attempt++
	return job.clone(), nil
}

// Ack removes a completed job.
func (q *MemoryQueue) Ack(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.processing[job.ID]; !ok {
		return ErrUnknownJob
	}
	delete(q.processing, job.ID)
	delete(q.jobs, job.ID)
	return nil
}

// Retry reschedules a claimed job.
func (q *MemoryQueue) Retry(_ context.Context, job *Job, runAt time.Time, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.jobs[job.ID]
	if !ok {
		return ErrUnknownJob
	}
	stored.LastError = causeString(cause)
	stored.RunAt = runAt.UTC()

	delete(q.processing, job.ID)
	q.scheduled[job.ID] = stored.RunAt
	return nil
}

// Fail moves a claimed job to the failed list.
func (q *MemoryQueue) Fail(_ context.Context, job *Job, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.jobs[job.ID]
	if !ok {
		return ErrUnknownJob
	}
	stored.LastError = causeString(cause)

	delete(q.processing, job.ID)
	delete(q.scheduled, job.ID)
	delete(q.jobs, job.ID)

	q.failed = append([]*Job{stored}, q.failed...)
	if len(q.failed) > maxFailed {
		q.failed = q.failed[:maxFailed]
	}
	return nil
}

// Failed returns the failed jobs, most recent first.
func (q *MemoryQueue) Failed() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Job, len(q.failed))
	for i, j := range q.failed {
		out[i] = j.clone()
	}
	return out
}

// Scheduled returns the jobs waiting to run, earliest first.
func (q *MemoryQueue) Scheduled() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Job, 0, len(q.scheduled))
	for id := range q.scheduled {
		out = append(out, q.jobs[id].clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out
}

// Stats returns the current queue sizes.
func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Scheduled:  int64(len(q.scheduled)),
		Processing: int64(len(q.processing)),
		Failed:     int64(len(q.failed)),
	}, nil
}

// Close marks the queue closed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Ensure MemoryQueue implements Queue.
var _ Queue = (*MemoryQueue)(nil)

// Ping reports whether the queue is open.
func (q *MemoryQueue) Ping(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}
