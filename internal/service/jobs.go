package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/nautilus/internal/queue"
)

// Background job names.
const (
	JobPromoteFile  = "promote_file"
	JobDeleteObject = "delete_object"
)

// PromoteFilePayload is the payload of a promote_file job.
type PromoteFilePayload struct {
	FileID uuid.UUID `json:"file_id"`
}

// DeleteObjectPayload is the payload of a delete_object job.
type DeleteObjectPayload struct {
	// Key is the storage key to delete.
	Key string `json:"key"`

	// LocalPath is a staged copy to remove as well, if any.
	LocalPath string `json:"local_path,omitempty"`
}

// JobScheduler enqueues lifecycle jobs with their retry policies.
type JobScheduler struct {
	queue          queue.Queue
	promotionRetry queue.RetryPolicy
	deletionRetry  queue.RetryPolicy
	deletionDelay  time.Duration
	now            func() time.Time
}

// NewJobScheduler creates a new JobScheduler. Deferred deletions run
// deletionDelay after they are scheduled.
func NewJobScheduler(q queue.Queue, promotionRetry, deletionRetry queue.RetryPolicy, deletionDelay time.Duration) *JobScheduler {
	return &JobScheduler{
		queue:          q,
		promotionRetry: promotionRetry,
		deletionRetry:  deletionRetry,
		deletionDelay:  deletionDelay,
		now:            time.Now,
	}
}

// PromotionJobID is the deterministic job ID of a file's promotion.
func PromotionJobID(fileID uuid.UUID) string {
	return "promote:" + fileID.String()
}

// DeletionJobID is the deterministic job ID of an object's deletion. Deferred
// deletions use their own ID so a pending one never hides an immediate one.
func DeletionJobID(key string, deferred bool) string {
	if deferred {
		return "delete-deferred:" + key
	}
	return "delete:" + key
}

// SchedulePromotion enqueues the promotion of a file. Scheduling a file
// whose promotion is already queued or running is a no-op.
func (s *JobScheduler) SchedulePromotion(ctx context.Context, fileID uuid.UUID) error {
	_, err := s.queue.Enqueue(ctx, JobPromoteFile, PromoteFilePayload{FileID: fileID},
		queue.WithRetry(s.promotionRetry),
		queue.WithJobID(PromotionJobID(fileID)),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", JobPromoteFile, err)
	}
	return nil
}

// ScheduleDeletion enqueues the deletion of a stored object. A deferred
// deletion waits for the deletion delay, leaving an in-flight promotion
// time to finish first.
func (s *JobScheduler) ScheduleDeletion(ctx context.Context, payload DeleteObjectPayload, deferred bool) error {
	deferred = deferred && s.deletionDelay > 0
	opts := []queue.EnqueueOption{
		queue.WithRetry(s.deletionRetry),
		queue.WithJobID(DeletionJobID(payload.Key, deferred)),
	}

	var err error
	if deferred {
		_, err = s.queue.EnqueueAt(ctx, s.now().Add(s.deletionDelay), JobDeleteObject, payload, opts...)
	} else {
		_, err = s.queue.Enqueue(ctx, JobDeleteObject, payload, opts...)
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", JobDeleteObject, err)
	}
	return nil
}

// RegisterJobs binds the lifecycle job handlers to a worker.
func RegisterJobs(w *queue.Worker, lifecycle *LifecycleService, logger zerolog.Logger) {
	logger = logger.With().Str("component", "jobs").Logger()

	w.Register(JobPromoteFile, func(ctx context.Context, job *queue.Job) error {
		var payload PromoteFilePayload
		if err := job.Decode(&payload); err != nil {
			return err
		}
		attempt := queue.AttemptFromContext(ctx)
		logger.Debug().
			Str("job_id", job.ID).
			Str("file_id", payload.FileID.String()).
			Int("attempt", attempt.Attempt).
			Msg("promoting file")
		return lifecycle.PromoteFile(ctx, payload.FileID, attempt.Final())
	})

	w.Register(JobDeleteObject, func(ctx context.Context, job *queue.Job) error {
		var payload DeleteObjectPayload
		if err := job.Decode(&payload); err != nil {
			return err
		}
		logger.Debug().
			Str("job_id", job.ID).
			Str("storage_key", payload.Key).
			Msg("deleting object")
		return lifecycle.DeleteStoredObject(ctx, payload)
	})
}
