package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/nautilus/internal/domain"
	"github.com/prn-tf/nautilus/internal/lock"
	"github.com/prn-tf/nautilus/internal/metrics"
	"github.com/prn-tf/nautilus/internal/repository"
)

// RetentionService deletes expired projects and recovers stuck promotions.
type RetentionService struct {
	projectRepo repository.ProjectRepository
	fileRepo    repository.FileRepository
	projects    *ProjectService
	jobs        *JobScheduler
	locker      lock.Locker
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	config      RetentionConfig
	now         func() time.Time

	// Control
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// RetentionConfig contains retention sweep configuration.
type RetentionConfig struct {
	// Enabled determines if the sweep runs automatically.
	Enabled bool

	// Interval is how often to run the sweep.
	Interval time.Duration

	// StalePromotionAfter is how long a file may sit in LOCAL or
	// PROCESSING before it is scheduled again.
	StalePromotionAfter time.Duration

	// BatchSize is the maximum number of rows handled per step and run.
	BatchSize int

	// DryRun logs what would be done without changing anything.
	DryRun bool
}

// DefaultRetentionConfig returns sensible defaults.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Enabled:             true,
		Interval:            15 * time.Minute,
		StalePromotionAfter: 2 * time.Hour,
		BatchSize:           500,
		DryRun:              false,
	}
}

// NewRetentionService creates a new retention sweep.
func NewRetentionService(
	projectRepo repository.ProjectRepository,
	fileRepo repository.FileRepository,
	projects *ProjectService,
	jobs *JobScheduler,
	locker lock.Locker,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config RetentionConfig,
) *RetentionService {
	return &RetentionService{
		projectRepo: projectRepo,
		fileRepo:    fileRepo,
		projects:    projects,
		jobs:        jobs,
		locker:      locker,
		metrics:     m,
		logger:      logger.With().Str("service", "retention").Logger(),
		config:      config,
		now:         time.Now,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
}

// Start begins the sweep scheduler.
func (r *RetentionService) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	r.logger.Info().
		Dur("interval", r.config.Interval).
		Dur("stale_promotion_after", r.config.StalePromotionAfter).
		Int("batch_size", r.config.BatchSize).
		Bool("dry_run", r.config.DryRun).
		Msg("Starting retention sweep")

	go r.runLoop()
}

// Stop stops the sweep scheduler and waits for a running sweep to finish.
func (r *RetentionService) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	<-r.doneChan

	r.logger.Info().Msg("Retention sweep stopped")
}

func (r *RetentionService) runLoop() {
	defer close(r.doneChan)

	r.RunOnce(context.Background())

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.RunOnce(context.Background())
		case <-r.stopChan:
			return
		}
	}
}

// RetentionResult contains the result of a sweep run.
type RetentionResult struct {
	// Skipped is set when another process holds the sweep lock.
	Skipped bool

	// ProjectsDeleted is the number of expired projects deleted.
	ProjectsDeleted int

	// FilesReset is the number of stuck PROCESSING files sent back to LOCAL.
	FilesReset int

	// FilesRescheduled is the number of promotions enqueued again.
	FilesRescheduled int

	// Errors is the number of errors encountered.
	Errors int

	// Duration is how long the run took.
	Duration time.Duration
}

// RunOnce executes a single sweep. It can be called manually or by the
// scheduler.
func (r *RetentionService) RunOnce(ctx context.Context) RetentionResult {
	start := time.Now()
	result := RetentionResult{}

	lockTTL := r.config.Interval / 2
	if lockTTL < 5*time.Minute {
		lockTTL = 5 * time.Minute
	}

	sweepLock := lock.NewLock(r.locker, lock.Keys.RetentionSweep(), lockTTL)
	acquired, err := sweepLock.TryAcquire(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to acquire sweep lock")
		result.Errors++
		result.Duration = time.Since(start)
		r.metrics.RecordSweep(err, nil)
		return result
	}
	if !acquired {
		r.logger.Debug().Msg("Sweep lock held by another process, skipping run")
		result.Skipped = true
		result.Duration = time.Since(start)
		return result
	}
	defer func() {
		if err := sweepLock.Release(ctx); err != nil {
			r.logger.Error().Err(err).Msg("Failed to release sweep lock")
		}
	}()

	now := r.now()
	r.deleteExpired(ctx, now, &result)
	r.resetStuck(ctx, now, &result)
	r.reschedule(ctx, now, &result)

	result.Duration = time.Since(start)

	var runErr error
	if result.Errors > 0 {
		runErr = errors.New("sweep finished with errors")
	}
	r.metrics.RecordSweep(runErr, map[string]int{
		"projects_deleted":  result.ProjectsDeleted,
		"files_reset":       result.FilesReset,
		"files_rescheduled": result.FilesRescheduled,
	})

	r.logger.Info().
		Int("projects_deleted", result.ProjectsDeleted).
		Int("files_reset", result.FilesReset).
		Int("files_rescheduled", result.FilesRescheduled).
		Int("errors", result.Errors).
		Dur("duration", result.Duration).
		Bool("dry_run", r.config.DryRun).
		Msg("Retention sweep completed")

	return result
}

// deleteExpired removes projects past their expiry.
func (r *RetentionService) deleteExpired(ctx context.Context, now time.Time, result *RetentionResult) {
	expired, err := r.projectRepo.ListExpired(ctx, now, r.config.BatchSize)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list expired projects")
		result.Errors++
		return
	}

	for _, project := range expired {
		if r.config.DryRun {
			r.logger.Info().
				Str("project_id", project.ID.String()).
				Time("expire_on", *project.ExpireOn).
				Msg("[DRY RUN] Would delete expired project")
			result.ProjectsDeleted++
			continue
		}

		if err := r.projects.Purge(ctx, project); err != nil {
			if errors.Is(err, domain.ErrProjectNotFound) {
				continue
			}
			r.logger.Error().Err(err).Str("project_id", project.ID.String()).Msg("Failed to delete expired project")
			result.Errors++
			continue
		}
		result.ProjectsDeleted++
	}
}

// resetStuck sends files stuck in PROCESSING back to LOCAL and schedules
// them again.
func (r *RetentionService) resetStuck(ctx context.Context, now time.Time, result *RetentionResult) {
	cutoff := now.Add(-r.config.StalePromotionAfter)
	stuck, err := r.fileRepo.ListStale(ctx, domain.FileStatusProcessing, cutoff, r.config.BatchSize)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list stuck promotions")
		result.Errors++
		return
	}

	for _, file := range stuck {
		logger := r.logger.With().Str("file_id", file.ID.String()).Logger()
		if r.config.DryRun {
			logger.Info().Time("updated_on", file.UpdatedOn).Msg("[DRY RUN] Would reset stuck promotion")
			result.FilesReset++
			continue
		}

		released, err := r.fileRepo.ReleaseStaleClaim(ctx, file.ID, cutoff)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to reset stuck promotion")
			result.Errors++
			continue
		}
		if !released {
			logger.Debug().Msg("Promotion finished meanwhile, leaving file alone")
			continue
		}
		result.FilesReset++

		if err := r.jobs.SchedulePromotion(ctx, file.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to reschedule promotion")
			result.Errors++
			continue
		}
		result.FilesRescheduled++
	}
}

// reschedule enqueues promotions of LOCAL files that made no progress.
// Files whose promotion is still queued are left alone by the queue.
func (r *RetentionService) reschedule(ctx context.Context, now time.Time, result *RetentionResult) {
	stale, err := r.fileRepo.ListStale(ctx, domain.FileStatusLocal, now.Add(-r.config.StalePromotionAfter), r.config.BatchSize)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list stale local files")
		result.Errors++
		return
	}

	for _, file := range stale {
		if r.config.DryRun {
			r.logger.Info().Str("file_id", file.ID.String()).Msg("[DRY RUN] Would reschedule promotion")
			result.FilesRescheduled++
			continue
		}

		if err := r.jobs.SchedulePromotion(ctx, file.ID); err != nil {
			r.logger.Error().Err(err).Str("file_id", file.ID.String()).Msg("Failed to reschedule promotion")
			result.Errors++
			continue
		}
		result.FilesRescheduled++
	}
}
