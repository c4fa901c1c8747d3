// Package queue provides a durable background job queue with per-job retry
// policies and a worker pool that executes registered handlers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoJob is returned by Dequeue when no job is due.
	ErrNoJob = errors.New("queue: no job available")

	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue: closed")

	// ErrUnknownJob is returned when acknowledging a job the queue does not hold.
	ErrUnknownJob = errors.New("queue: unknown job")
)

// maxFailed bounds the failed job list.
const maxFailed = 1000

// RetryPolicy controls how often and how far apart a job is attempted.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Interval is the delay before each retry.
	Interval time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 30 seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Interval: 30 * time.Second}
}

func (p RetryPolicy) normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Interval < 0 {
		p.Interval = 0
	}
	return p
}

// Job is a unit of background work.
type Job struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`

	// Attempt is the 1-based number of the current attempt once dequeued.
	Attempt       int           `json:"attempt"`
	MaxAttempts   int           `json:"max_attempts"`
	RetryInterval time.Duration `json:"retry_interval"`

	RunAt      time.Time `json:"run_at"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("invalid payload for job %s: %w", j.Name, err)
	}
	return nil
}

// FinalAttempt reports whether a failure of the current attempt is terminal.
func (j *Job) FinalAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

func (j *Job) clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	return &c
}

// Stats is a snapshot of queue sizes.
type Stats struct {
	Scheduled  int64 `json:"scheduled"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
}

// Queue is a job queue with at-least-once delivery.
type Queue interface {
	// Enqueue schedules a job to run now. When a job with the same ID is
	// already queued, it is left untouched.
	Enqueue(ctx context.Context, name string, payload any, opts ...EnqueueOption) (*Job, error)

	// EnqueueAt schedules a job to run at runAt.
	EnqueueAt(ctx context.Context, runAt time.Time, name string, payload any, opts ...EnqueueOption) (*Job, error)

	// Dequeue claims the earliest due job, or returns ErrNoJob.
	// A claimed job that is not acknowledged within the visibility
	// timeout is delivered again.
	Dequeue(ctx context.Context) (*Job, error)

	// Ack removes a completed job.
	Ack(ctx context.Context, job *Job) error

	// Retry reschedules a claimed job at runAt, recording cause.
	Retry(ctx context.Context, job *Job, runAt time.Time, cause error) error

	// Fail moves a claimed job to the failed list.
	Fail(ctx context.Context, job *Job, cause error) error

	// Stats returns the current queue sizes.
	Stats(ctx context.Context) (Stats, error)

	// Ping checks that the queue is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the queue.
	Close() error
}

// EnqueueOption customizes an enqueued job.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	retry RetryPolicy
	id    string
}

// WithRetry sets the retry policy of the job.
func WithRetry(policy RetryPolicy) EnqueueOption {
	return func(o *enqueueOptions) {
		o.retry = policy
	}
}

// WithJobID sets a deterministic job ID, making the enqueue idempotent
// while the job is queued or running.
func WithJobID(id string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.id = id
	}
}

func newJob(name string, payload any, runAt, now time.Time, opts []EnqueueOption) (*Job, error) {
	if name == "" {
		return nil, errors.New("queue: job name is required")
	}

	o := enqueueOptions{retry: DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(&o)
	}
	o.retry = o.retry.normalize()
	if o.id == "" {
		o.id = uuid.NewString()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload for job %s: %w", name, err)
	}

	return &Job{
		ID:            o.id,
		Name:          name,
		Payload:       data,
		MaxAttempts:   o.retry.MaxAttempts,
		RetryInterval: o.retry.Interval,
		RunAt:         runAt.UTC(),
		EnqueuedAt:    now.UTC(),
	}, nil
}

func causeString(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}
