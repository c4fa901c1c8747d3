package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/nautilus/internal/config"
	"github.com/prn-tf/nautilus/internal/lock"
	"github.com/prn-tf/nautilus/internal/queue"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	return &config.Config{
		Server: config.ServerConfig{
			APIPrefix:      "/v1",
			AllowedOrigins: "http://localhost",
			PublicURL:      "http://localhost:8080",
			MaxBodySize:    1 << 20,
		},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(dir, "nautilus.db"),
		},
		Queue: config.QueueConfig{
			Driver:            "memory",
			Concurrency:       1,
			PollInterval:      10 * time.Millisecond,
			VisibilityTimeout: time.Minute,
			PromotionRetry:    config.RetryConfig{MaxAttempts: 3, Interval: time.Second},
			DeletionRetry:     config.RetryConfig{MaxAttempts: 3, Interval: time.Second},
		},
		Staging: config.StagingConfig{Dir: filepath.Join(dir, "staging"), ChunkSize: 1024},
		Storage: config.StorageConfig{Backend: "memory", Salt: "salt"},
		Project: config.ProjectConfig{Quota: 1 << 20, Retention: time.Hour},
		Lifecycle: config.LifecycleConfig{
			DeletionDelay:       time.Hour,
			StalePromotionAfter: time.Hour,
			SweepInterval:       time.Hour,
			SweepBatchSize:      10,
		},
		Auth: config.AuthConfig{
			CookieName:       "user_id",
			CookieExpiryDays: 1,
			Secret:           "0123456789abcdef0123",
			SingleUserID:     uuid.NewString(),
		},
		Zimfarm: config.ZimfarmConfig{
			APIURL:     "http://zimfarm.invalid",
			Image:      "ghcr.io/openzim/nautilus:latest",
			TaskMemory: "1GiB",
			TaskDisk:   "1GiB",
		},
	}
}

func TestNew_Embedded(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &queue.MemoryQueue{}, a.Queue)
	assert.IsType(t, &lock.MemoryLocker{}, a.Locker)
	assert.Equal(t, "memory", a.Backend.Name())

	user, err := a.Users.GetByID(ctx, cfg.Auth.SingleUser())
	require.NoError(t, err)
	assert.Equal(t, cfg.Auth.SingleUser(), user.ID)

	version, err := a.DB.Version(ctx)
	require.NoError(t, err)
	assert.Positive(t, version)

	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, a.Health(ctx))

	a.StartBackground(ctx)
	a.StopBackground()

	require.NoError(t, a.Queue.Close())
	assert.ErrorIs(t, a.Health(ctx), queue.ErrClosed)
}

func TestNew_InvalidDependencies(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"database driver", func(c *config.Config) { c.Database.Driver = "mysql" }},
		{"storage backend", func(c *config.Config) { c.Storage.Backend = "ftp" }},
		{"queue driver", func(c *config.Config) { c.Queue.Driver = "kafka" }},
		{"redis queue without redis", func(c *config.Config) { c.Queue.Driver = "redis" }},
		{"auth secret", func(c *config.Config) { c.Auth.Secret = "" }},
		{"zimfarm image", func(c *config.Config) { c.Zimfarm.Image = "untagged" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)

			_, err := New(context.Background(), cfg, zerolog.Nop())
			assert.Error(t, err)
		})
	}
}

func TestSetupLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nautilus.log")

	logger, closer, err := SetupLogger(config.LoggingConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)
	logger.Info().Str("component", "test").Msg("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
	assert.Contains(t, string(data), `"message":"hello"`)
}

func TestSetupLogger_UnknownLevelDefaultsToInfo(t *testing.T) {
	_, closer, err := SetupLogger(config.LoggingConfig{Level: "loud", Output: "stderr"})
	require.NoError(t, err)
	require.NoError(t, closer.Close())
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
