package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/durable-flows/pkg/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, config.BackendMemory, cfg.QueueBackend)
	assert.Equal(t, config.BackendMemory, cfg.LockBackend)
	assert.Equal(t, config.ModeIsolated, cfg.SandboxMode)
	assert.Equal(t, config.DefaultOneTimeWidth, cfg.OneTimeWidth)
	assert.Equal(t, config.DefaultEngineTimeout, cfg.EngineTimeout)
	assert.Equal(t, 0, cfg.MonthlyRunQuota)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		configMod func(*config.Config)
		want      error
	}{
		{"unknown_queue_backend", func(c *config.Config) { c.QueueBackend = "mysql" }, config.ErrInvalidQueueBackend},
		{"postgres_without_dsn", func(c *config.Config) { c.QueueBackend = config.BackendPostgres }, config.ErrMissingDatabaseDSN},
		{"unknown_lock_backend", func(c *config.Config) { c.LockBackend = "etcd" }, config.ErrInvalidLockBackend},
		{"redis_without_addr", func(c *config.Config) {
			c.LockBackend = config.BackendRedis
			c.RedisAddr = ""
		}, config.ErrMissingRedisAddr},
		{"zero_lock_timeout", func(c *config.Config) { c.LockTimeout = 0 }, config.ErrInvalidLockTimeout},
		{"zero_scheduled_width", func(c *config.Config) { c.ScheduledWidth = 0 }, config.ErrInvalidWidth},
		{"zero_poll_interval", func(c *config.Config) { c.PollInterval = 0 }, config.ErrInvalidPollInterval},
		{"unknown_sandbox_mode", func(c *config.Config) { c.SandboxMode = "docker" }, config.ErrInvalidSandboxMode},
		{"empty_cache_root", func(c *config.Config) { c.CacheRoot = "" }, config.ErrMissingCacheRoot},
		{"no_engine", func(c *config.Config) { c.EngineCommand = nil }, config.ErrMissingEngine},
		{"zero_trigger_timeout", func(c *config.Config) { c.TriggerTimeout = 0 }, config.ErrInvalidTimeout},
		{"negative_quota", func(c *config.Config) { c.MonthlyRunQuota = -1 }, config.ErrInvalidQuota},
		{"bad_log_level", func(c *config.Config) { c.LogLevel = "verbose" }, config.ErrInvalidLogLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewDefaultConfig()
			tt.configMod(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}

	t.Run("postgres_with_dsn", func(t *testing.T) {
		cfg := config.NewDefaultConfig()
		cfg.QueueBackend = config.BackendPostgres
		cfg.DatabaseDSN = "postgres://localhost/flows"
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FLOWS_QUEUE_BACKEND", "postgres")
	t.Setenv("FLOWS_DATABASE_DSN", "postgres://db/flows")
	t.Setenv("FLOWS_LOCK_BACKEND", "redis")
	t.Setenv("FLOWS_REDIS_ADDR", "redis:6379")
	t.Setenv("FLOWS_REDIS_DB", "2")
	t.Setenv("FLOWS_ONE_TIME_WIDTH", "4")
	t.Setenv("FLOWS_LOCK_TIMEOUT", "5s")
	t.Setenv("FLOWS_ENGINE_COMMAND", "node  /opt/engine/main.js")
	t.Setenv("FLOWS_MONTHLY_RUN_QUOTA", "1000")
	t.Setenv("FLOWS_SANDBOX_MODE", "unsandboxed")

	cfg := config.NewDefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())
	require.NoError(t, cfg.Validate())

	assert.Equal(t, config.BackendPostgres, cfg.QueueBackend)
	assert.Equal(t, "postgres://db/flows", cfg.DatabaseDSN)
	assert.Equal(t, config.BackendRedis, cfg.LockBackend)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, 4, cfg.OneTimeWidth)
	assert.Equal(t, config.DefaultScheduledWidth, cfg.ScheduledWidth)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout)
	assert.Equal(t, []string{"node", "/opt/engine/main.js"}, cfg.EngineCommand)
	assert.Equal(t, 1000, cfg.MonthlyRunQuota)
	assert.Equal(t, config.ModeUnsandboxed, cfg.SandboxMode)
}

func TestLoadFromEnvRejectsBadValues(t *testing.T) {
	tests := []struct {
		key, value, errorContains string
	}{
		{"FLOWS_ONE_TIME_WIDTH", "many", "invalid FLOWS_ONE_TIME_WIDTH"},
		{"FLOWS_ONE_TIME_WIDTH", "0", "out of range"},
		{"FLOWS_SCHEDULED_WIDTH", "5000", "out of range"},
		{"FLOWS_ENGINE_TIMEOUT", "soon", "invalid FLOWS_ENGINE_TIMEOUT"},
		{"FLOWS_POLL_INTERVAL", "-1s", "must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			err := config.NewDefaultConfig().LoadFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorContains)
		})
	}
}
