// Package app assembles the Nautilus services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prn-tf/nautilus/internal/auth"
	"github.com/prn-tf/nautilus/internal/cache/memory"
	"github.com/prn-tf/nautilus/internal/config"
	"github.com/prn-tf/nautilus/internal/handler"
	"github.com/prn-tf/nautilus/internal/lock"
	"github.com/prn-tf/nautilus/internal/metrics"
	"github.com/prn-tf/nautilus/internal/notify"
	"github.com/prn-tf/nautilus/internal/queue"
	"github.com/prn-tf/nautilus/internal/repository"
	"github.com/prn-tf/nautilus/internal/repository/postgres"
	"github.com/prn-tf/nautilus/internal/repository/sqlite"
	"github.com/prn-tf/nautilus/internal/service"
	"github.com/prn-tf/nautilus/internal/staging"
	"github.com/prn-tf/nautilus/internal/storage"
	memstorage "github.com/prn-tf/nautilus/internal/storage/memory"
	"github.com/prn-tf/nautilus/internal/storage/s3"
	"github.com/prn-tf/nautilus/internal/storage/webdav"
	"github.com/prn-tf/nautilus/internal/zimfarm"
)

// userCacheTTL bounds how long a resolved user stays cached.
const userCacheTTL = 10 * time.Minute

// App holds every long-lived component of a Nautilus process.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	DB      *repository.Database
	Redis   *redis.Client
	Backend storage.Backend
	Staging *staging.Store
	Queue   queue.Queue
	Locker  lock.Locker

	Users     *service.UserService
	Projects  *service.ProjectService
	Files     *service.FileService
	Archives  *service.ArchiveService
	Webhooks  *service.WebhookService
	Lifecycle *service.LifecycleService
	Retention *service.RetentionService
	Jobs      *service.JobScheduler

	Worker *queue.Worker
	Issuer *auth.Issuer

	userCache *memory.Cache
	closers   []func() error
}

// New connects to every dependency and builds the services. The schema is
// migrated and the storage backend checked before New returns.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
	}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) (err error) {
	cfg, logger := a.Config, a.Logger

	if cfg.Redis.Enabled {
		a.Redis, err = NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, a.Redis.Close)
	}

	a.DB, err = OpenDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.DB.Health.Close)
	if err := a.DB.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	a.Backend, err = NewBackend(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	if err := a.Backend.Check(ctx); err != nil {
		return fmt.Errorf("storage backend %s is unusable: %w", a.Backend.Name(), err)
	}

	a.Staging, err = staging.NewStore(cfg.Staging.Dir, logger)
	if err != nil {
		return err
	}

	a.Queue, err = newQueue(cfg.Queue, a.Redis)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.Queue.Close)
	a.Locker = newLocker(a.Redis)

	a.Issuer, err = auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.CookieMaxAge())
	if err != nil {
		return err
	}

	builder, err := zimfarm.New(cfg.Zimfarm, logger)
	if err != nil {
		return fmt.Errorf("failed to create zimfarm client: %w", err)
	}

	a.buildServices(builder, notify.New(cfg.Mailgun, cfg.Server.PublicURL, logger))

	if a.Users.SingleUser() {
		if _, err := a.Users.EnsureSingleUser(ctx); err != nil {
			return fmt.Errorf("failed to ensure single user: %w", err)
		}
	}

	return nil
}

func (a *App) buildServices(builder service.BuildRequester, notifier notify.Notifier) {
	cfg := a.Config
	repos := a.DB.Repos

	a.userCache = memory.NewCache()
	users := repository.NewCachedUserRepository(repos.User, a.userCache, userCacheTTL)

	a.Jobs = service.NewJobScheduler(a.Queue,
		queue.RetryPolicy{MaxAttempts: cfg.Queue.PromotionRetry.MaxAttempts, Interval: cfg.Queue.PromotionRetry.Interval},
		queue.RetryPolicy{MaxAttempts: cfg.Queue.DeletionRetry.MaxAttempts, Interval: cfg.Queue.DeletionRetry.Interval},
		cfg.Lifecycle.DeletionDelay,
	)

	a.Users = service.NewUserService(users, cfg.Auth.SingleUser(), a.Logger)
	a.Projects = service.NewProjectService(repos.Project, repos.File, repos.Archive, a.Staging, a.Backend, a.Jobs, a.Logger)
	a.Files = service.NewFileService(repos.File, repos.Project, a.Staging, a.Backend, a.Jobs, a.Metrics, a.Logger, service.FileConfig{
		Quota:     cfg.Project.Quota.Int64(),
		Retention: cfg.Project.Retention,
		ChunkSize: int(cfg.Staging.ChunkSize.Int64()),
	})
	a.Archives = service.NewArchiveService(repos.Archive, repos.Project, repos.File, a.Backend, builder, a.Logger)
	a.Webhooks = service.NewWebhookService(repos.Archive, repos.Project, notifier, a.Metrics, a.Logger, service.WebhookConfig{
		CallbackToken: cfg.Zimfarm.CallbackToken,
		DownloadURL:   cfg.Zimfarm.DownloadURL,
		WarehousePath: cfg.Zimfarm.WarehousePath,
	})
	a.Lifecycle = service.NewLifecycleService(repos.File, repos.Project, a.Staging, a.Backend, a.Locker, a.Metrics, a.Logger)
	a.Retention = service.NewRetentionService(repos.Project, repos.File, a.Projects, a.Jobs, a.Locker, a.Metrics, a.Logger, service.RetentionConfig{
		Enabled:             cfg.Lifecycle.SweepEnabled,
		Interval:            cfg.Lifecycle.SweepInterval,
		StalePromotionAfter: cfg.Lifecycle.StalePromotionAfter,
		BatchSize:           cfg.Lifecycle.SweepBatchSize,
	})

	a.Worker = queue.NewWorker(a.Queue, a.Metrics, a.Logger, queue.WorkerConfig{
		Concurrency:  cfg.Queue.Concurrency,
		PollInterval: cfg.Queue.PollInterval,
	})
	service.RegisterJobs(a.Worker, a.Lifecycle, a.Logger)
}

// Router returns the HTTP handler of the API.
func (a *App) Router() http.Handler {
	cfg := a.Config
	return handler.NewRouter(handler.RouterConfig{
		Users:    a.Users,
		Projects: a.Projects,
		Files:    a.Files,
		Archives: a.Archives,
		Webhooks: a.Webhooks,
		Issuer:   a.Issuer,
		Cookie: auth.CookieConfig{
			Name:   cfg.Auth.CookieName,
			Domain: cfg.Auth.CookieDomain,
			Secure: cfg.Auth.CookieSecure,
		},
		Health:         a,
		Metrics:        a.Metrics,
		Logger:         a.Logger,
		APIPrefix:      cfg.Server.APIPrefix,
		AllowedOrigins: cfg.Server.Origins(),
		StorageURL:     a.Backend.PublicURL(),
		MaxUploadSize:  cfg.Server.MaxBodySize.Int64(),
	}).Handler()
}

// Health checks the database and the job queue.
func (a *App) Health(ctx context.Context) error {
	if err := a.DB.Health.Health(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := a.Queue.Ping(ctx); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	return nil
}

// StartBackground starts the job worker and the retention sweep.
func (a *App) StartBackground(ctx context.Context) {
	a.Worker.Start(ctx)
	a.Retention.Start()
}

// StopBackground stops the worker and the sweep, waiting for running jobs.
func (a *App) StopBackground() {
	a.Retention.Stop()
	a.Worker.Stop()
}

// Close releases every connection held by the app.
func (a *App) Close() {
	if a.userCache != nil {
		a.userCache.Stop()
	}
	if l, ok := a.Locker.(*lock.MemoryLocker); ok {
		l.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close resource")
		}
	}
	a.closers = nil
}

// NewRedisClient connects to Redis and checks the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr(), err)
	}
	return client, nil
}

// OpenDatabase opens the configured database without migrating it.
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*repository.Database, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(ctx, cfg, logger)
	case "sqlite":
		sc := sqlite.DefaultConfig(cfg.Path)
		if cfg.JournalMode != "" {
			sc.JournalMode = cfg.JournalMode
		}
		if cfg.BusyTimeout > 0 {
			sc.BusyTimeout = cfg.BusyTimeout
		}
		if cfg.CacheSize != 0 {
			sc.CacheSize = cfg.CacheSize
		}
		if cfg.SynchronousMode != "" {
			sc.SynchronousMode = cfg.SynchronousMode
		}
		return sqlite.Open(ctx, sc, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// NewBackend creates the configured storage backend.
func NewBackend(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (storage.Backend, error) {
	switch cfg.Backend {
	case "s3":
		return s3.New(ctx, s3.Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			PublicURL:       cfg.S3.PublicURL,
			Salt:            cfg.Salt,
			RequestTimeout:  cfg.RequestTimeout,
		}, logger)
	case "webdav":
		return webdav.New(cfg.WebDAV.URL, cfg.RequestTimeout, logger)
	case "memory":
		return memstorage.New(cfg.Salt, ""), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

func newQueue(cfg config.QueueConfig, client *redis.Client) (queue.Queue, error) {
	switch cfg.Driver {
	case "redis":
		if client == nil {
			return nil, errors.New("redis queue requires redis to be enabled")
		}
		return queue.NewRedisQueue(client, cfg.Channel, cfg.VisibilityTimeout), nil
	case "memory":
		return queue.NewMemoryQueue(cfg.VisibilityTimeout), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

func newLocker(client *redis.Client) lock.Locker {
	if client == nil {
		return lock.NewMemoryLocker()
	}
	return lock.NewRedisLocker(client)
}
