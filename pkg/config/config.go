// Package config holds the settings a flows process is built from.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type (
	// Config holds configuration settings for a flows process
	Config struct {
		// Job store
		QueueBackend    string
		DatabaseDSN     string
		MaxOpenConns    int
		MaxIdleConns    int
		ConnMaxLifetime time.Duration

		// Locks
		LockBackend   string
		RedisAddr     string
		RedisPassword string
		RedisDB       int
		LockTimeout   time.Duration
		LockLeaseTTL  time.Duration

		// Workers
		OneTimeWidth   int
		ScheduledWidth int
		PollInterval   time.Duration

		// Sandbox & engine
		SandboxMode    string
		CacheRoot      string
		IsolateBinary  string
		InstallCommand []string
		EngineCommand  []string
		EngineTimeout  time.Duration
		TriggerTimeout time.Duration
		APIURL         string
		WebhookBaseURL string

		// Blobs
		BlobURL    string
		BlobPrefix string

		LogLevel        string
		MonthlyRunQuota int
		NotifyTimeout   time.Duration
	}
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"

	ModeIsolated    = "isolated"
	ModeUnsandboxed = "unsandboxed"

	DefaultQueueBackend    = BackendMemory
	DefaultLockBackend     = BackendMemory
	DefaultRedisAddr       = "localhost:6379"
	DefaultRedisDB         = 0
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 10
	DefaultConnMaxLifetime = 5 * time.Minute
	DefaultLockTimeout     = 30 * time.Second
	DefaultLockLeaseTTL    = 30 * time.Second
	DefaultOneTimeWidth    = 10
	DefaultScheduledWidth  = 10
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultSandboxMode     = ModeIsolated
	DefaultCacheRoot       = "/var/lib/flows/cache"
	DefaultIsolateBinary   = "isolate"
	DefaultEngineTimeout   = 10 * time.Minute
	DefaultTriggerTimeout  = time.Minute
	DefaultAPIURL          = "http://localhost:3000/api"
	DefaultBlobURL         = "mem://"
	DefaultBlobPrefix      = "flows/"
	DefaultLogLevel        = "info"
	DefaultNotifyTimeout   = 30 * time.Second

	MaxWidth   = 1000
	MaxConns   = 10_000
	MaxRedisDB = 15

	envPrefix = "FLOWS_"
)

var (
	ErrInvalidQueueBackend = errors.New("invalid queue backend")
	ErrMissingDatabaseDSN  = errors.New("postgres queue backend requires a database DSN")
	ErrInvalidLockBackend  = errors.New("invalid lock backend")
	ErrMissingRedisAddr    = errors.New("redis lock backend requires an address")
	ErrInvalidLockTimeout  = errors.New("lock timeout must be positive")
	ErrInvalidWidth        = errors.New("worker width must be positive")
	ErrInvalidPollInterval = errors.New("poll interval must be positive")
	ErrInvalidSandboxMode  = errors.New("invalid sandbox mode")
	ErrMissingCacheRoot    = errors.New("sandbox cache root must be set")
	ErrMissingEngine       = errors.New("engine command must be set")
	ErrInvalidTimeout      = errors.New("engine and trigger timeouts must be positive")
	ErrInvalidQuota        = errors.New("monthly run quota cannot be negative")
	ErrInvalidLogLevel     = errors.New("invalid log level")
)

// NewDefaultConfig creates a configuration that runs everything in process:
// SQLite job store, in-memory locks and blobs
func NewDefaultConfig() *Config {
	return &Config{
		QueueBackend:    DefaultQueueBackend,
		MaxOpenConns:    DefaultMaxOpenConns,
		MaxIdleConns:    DefaultMaxIdleConns,
		ConnMaxLifetime: DefaultConnMaxLifetime,
		LockBackend:     DefaultLockBackend,
		RedisAddr:       DefaultRedisAddr,
		RedisDB:         DefaultRedisDB,
		LockTimeout:     DefaultLockTimeout,
		LockLeaseTTL:    DefaultLockLeaseTTL,
		OneTimeWidth:    DefaultOneTimeWidth,
		ScheduledWidth:  DefaultScheduledWidth,
		PollInterval:    DefaultPollInterval,
		SandboxMode:     DefaultSandboxMode,
		CacheRoot:       DefaultCacheRoot,
		IsolateBinary:   DefaultIsolateBinary,
		EngineCommand:   []string{"node", "engine/main.js"},
		EngineTimeout:   DefaultEngineTimeout,
		TriggerTimeout:  DefaultTriggerTimeout,
		APIURL:          DefaultAPIURL,
		BlobURL:         DefaultBlobURL,
		BlobPrefix:      DefaultBlobPrefix,
		LogLevel:        DefaultLogLevel,
		NotifyTimeout:   DefaultNotifyTimeout,
	}
}

// LoadFromEnv populates configuration values from FLOWS_* environment
// variables. Returns an error if any env var cannot be parsed.
func (c *Config) LoadFromEnv() error {
	loadEnvString("QUEUE_BACKEND", &c.QueueBackend)
	loadEnvString("DATABASE_DSN", &c.DatabaseDSN)
	loadEnvString("LOCK_BACKEND", &c.LockBackend)
	loadEnvString("REDIS_ADDR", &c.RedisAddr)
	loadEnvString("REDIS_PASSWORD", &c.RedisPassword)
	loadEnvString("SANDBOX_MODE", &c.SandboxMode)
	loadEnvString("CACHE_ROOT", &c.CacheRoot)
	loadEnvString("ISOLATE_BINARY", &c.IsolateBinary)
	loadEnvString("API_URL", &c.APIURL)
	loadEnvString("WEBHOOK_BASE_URL", &c.WebhookBaseURL)
	loadEnvString("BLOB_URL", &c.BlobURL)
	loadEnvString("BLOB_PREFIX", &c.BlobPrefix)
	loadEnvString("LOG_LEVEL", &c.LogLevel)
	loadEnvFields("ENGINE_COMMAND", &c.EngineCommand)
	loadEnvFields("INSTALL_COMMAND", &c.InstallCommand)

	ints := []struct {
		key      string
		dst      *int
		min, max int
	}{
		{"MAX_OPEN_CONNS", &c.MaxOpenConns, 0, MaxConns},
		{"MAX_IDLE_CONNS", &c.MaxIdleConns, -1, MaxConns},
		{"REDIS_DB", &c.RedisDB, -1, MaxRedisDB},
		{"ONE_TIME_WIDTH", &c.OneTimeWidth, 0, MaxWidth},
		{"SCHEDULED_WIDTH", &c.ScheduledWidth, 0, MaxWidth},
		{"MONTHLY_RUN_QUOTA", &c.MonthlyRunQuota, -1, 1<<31 - 1},
	}
	for _, i := range ints {
		if err := loadEnvInt(i.key, i.dst, i.min, i.max); err != nil {
			return err
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CONN_MAX_LIFETIME", &c.ConnMaxLifetime},
		{"LOCK_TIMEOUT", &c.LockTimeout},
		{"LOCK_LEASE_TTL", &c.LockLeaseTTL},
		{"POLL_INTERVAL", &c.PollInterval},
		{"ENGINE_TIMEOUT", &c.EngineTimeout},
		{"TRIGGER_TIMEOUT", &c.TriggerTimeout},
		{"NOTIFY_TIMEOUT", &c.NotifyTimeout},
	}
	for _, d := range durations {
		if err := loadEnvDuration(d.key, d.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	switch c.QueueBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseDSN == "" {
			return ErrMissingDatabaseDSN
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidQueueBackend, c.QueueBackend)
	}

	switch c.LockBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return ErrMissingRedisAddr
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLockBackend, c.LockBackend)
	}

	if c.LockTimeout <= 0 {
		return ErrInvalidLockTimeout
	}
	if c.OneTimeWidth <= 0 || c.ScheduledWidth <= 0 {
		return fmt.Errorf("%w: one-time %d, scheduled %d",
			ErrInvalidWidth, c.OneTimeWidth, c.ScheduledWidth)
	}
	if c.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}

	if c.SandboxMode != ModeIsolated && c.SandboxMode != ModeUnsandboxed {
		return fmt.Errorf("%w: %q", ErrInvalidSandboxMode, c.SandboxMode)
	}
	if c.CacheRoot == "" {
		return ErrMissingCacheRoot
	}
	if len(c.EngineCommand) == 0 {
		return ErrMissingEngine
	}
	if c.EngineTimeout <= 0 || c.TriggerTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.MonthlyRunQuota < 0 {
		return ErrInvalidQuota
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}
	return nil
}

func loadEnvString(key string, dst *string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

// loadEnvFields splits a command line on whitespace. Arguments containing
// spaces need a wrapper script.
func loadEnvFields(key string, dst *[]string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = strings.Fields(v)
	}
}

// loadEnvInt reads key from the environment, parses it as an integer, and
// sets *dst if the value is in the range (min, max].
func loadEnvInt(key string, dst *int, min, max int) error {
	s := os.Getenv(envPrefix + key)
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %q", envPrefix, key, s)
	}
	if v <= min || v > max {
		return fmt.Errorf("invalid %s%s: %d out of range [%d, %d]",
			envPrefix, key, v, min+1, max)
	}
	*dst = v
	return nil
}

func loadEnvDuration(key string, dst *time.Duration) error {
	s := os.Getenv(envPrefix + key)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %q", envPrefix, key, s)
	}
	if d <= 0 {
		return fmt.Errorf("invalid %s%s: must be positive", envPrefix, key)
	}
	*dst = d
	return nil
}
