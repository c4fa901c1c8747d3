package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/nautilus/internal/metrics"
)

// HandlerFunc processes one job. A returned error triggers a retry while
// attempts remain.
type HandlerFunc func(ctx context.Context, job *Job) error

// AttemptInfo describes the attempt a handler is running.
type AttemptInfo struct {
	Attempt     int
	MaxAttempts int
}

// Final reports whether a failure of this attempt is terminal.
func (a AttemptInfo) Final() bool {
	return a.Attempt >= a.MaxAttempts
}

type attemptKey struct{}

// AttemptFromContext returns the attempt of the running job. Outside a
// worker it reports a single final attempt.
func AttemptFromContext(ctx context.Context) AttemptInfo {
	if info, ok := ctx.Value(attemptKey{}).(AttemptInfo); ok {
		return info
	}
	return AttemptInfo{Attempt: 1, MaxAttempts: 1}
}

// WithAttempt returns a context carrying the attempt info.
func WithAttempt(ctx context.Context, info AttemptInfo) context.Context {
	return context.WithValue(ctx, attemptKey{}, info)
}

// WorkerConfig contains worker pool configuration.
type WorkerConfig struct {
	// Concurrency is the number of jobs processed at once.
	Concurrency int

	// PollInterval is how long an idle goroutine waits before polling again.
	PollInterval time.Duration

	// JobTimeout bounds a single handler run. Zero means no limit.
	JobTimeout time.Duration
}

// DefaultWorkerConfig returns sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:  4,
		PollInterval: time.Second,
	}
}

// Worker runs registered handlers for dequeued jobs.
type Worker struct {
	queue    Queue
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	config   WorkerConfig
	handlers map[string]HandlerFunc
	now      func() time.Time

	// Control
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker creates a new worker pool.
func NewWorker(q Queue, m *metrics.Metrics, logger zerolog.Logger, config WorkerConfig) *Worker {
	def := DefaultWorkerConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}

	return &Worker{
		queue:    q,
		metrics:  m,
		logger:   logger.With().Str("component", "worker").Logger(),
		config:   config,
		handlers: make(map[string]HandlerFunc),
		now:      time.Now,
	}
}

// Register binds a handler to a job name. It must be called before Start.
func (w *Worker) Register(name string, handler HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = handler
}

// Start launches the worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.logger.Info().
		Int("concurrency", w.config.Concurrency).
		Dur("poll_interval", w.config.PollInterval).
		Msg("Starting worker")

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx)
	}
}

// Stop stops polling and waits for running jobs to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()

	w.logger.Info().Msg("Worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := w.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("Failed to process job")
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.config.PollInterval):
		}
	}
}

// ProcessNext dequeues and runs one job. It reports whether a job was found.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.queue.Dequeue(ctx)
	if err != nil {
		if errors.Is(err, ErrNoJob) {
			return false, nil
		}
		return false, err
	}

	// Jobs are finished even when the worker is stopping, so a claimed job
	// is either acknowledged or rescheduled.
	runCtx := context.WithoutCancel(ctx)
	logger := w.logger.With().
		Str("job_id", job.ID).
		Str("job", job.Name).
		Int("attempt", job.Attempt).
		Int("max_attempts", job.MaxAttempts).
		Logger()

	w.mu.Lock()
	handler, ok := w.handlers[job.Name]
	w.mu.Unlock()

	if !ok {
		logger.Error().Msg("No handler registered for job")
		w.metrics.RecordJob(job.Name, metrics.OutcomeFailure)
		return true, w.queue.Fail(runCtx, job, fmt.Errorf("no handler registered for %q", job.Name))
	}

	start := time.Now()
	runErr := w.run(runCtx, handler, job)
	if runErr == nil {
		logger.Debug().Dur("duration", time.Since(start)).Msg("Job completed")
		w.metrics.RecordJob(job.Name, metrics.OutcomeSuccess)
		return true, w.queue.Ack(runCtx, job)
	}

	if !job.FinalAttempt() {
		runAt := w.now().Add(job.RetryInterval)
		logger.Warn().Err(runErr).Time("retry_at", runAt).Msg("Job failed, retrying")
		w.metrics.RecordJob(job.Name, metrics.OutcomeRetry)
		return true, w.queue.Retry(runCtx, job, runAt, runErr)
	}

	logger.Error().Err(runErr).Msg("Job failed permanently")
	w.metrics.RecordJob(job.Name, metrics.OutcomeFailure)
	return true, w.queue.Fail(runCtx, job, runErr)
}

// run executes a handler, converting a panic into an error.
func (w *Worker) run(ctx context.Context, handler HandlerFunc, job *Job) (err error) {
	ctx = WithAttempt(ctx, AttemptInfo{Attempt: job.Attempt, MaxAttempts: job.MaxAttempts})
	if w.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.JobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Str("job_id", job.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Job handler panicked")
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()

	return handler(ctx, job)
}
