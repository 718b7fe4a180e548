package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jdziat/durable-flows/pkg/core"
)

// Locker acquires named locks.
type Locker interface {
	// Acquire blocks until the lock for key is held, timeout elapses, or ctx
	// is done. A timeout is reported as ErrLockTimeout.
	Acquire(ctx context.Context, key string, timeout time.Duration) (Handle, error)
}

// Handle is a held lock.
type Handle interface {
	Key() string
	// Release gives the lock up. Releasing a lock that is no longer held
	// (lease expired, or released twice) returns an AUTHORIZATION error.
	Release(ctx context.Context) error
}

// ErrLockTimeout reports that a lock could not be acquired in time.
// It is retryable and distinct from an operation that ran under the lock.
var ErrLockTimeout = errors.New("flows: lock acquisition timed out")

// ErrLockNotHeld reports a release of a lock the caller no longer owns.
var ErrLockNotHeld = core.Wrap(core.CodeAuthorization, nil, "lock not held")

// IsTimeout reports whether err is a lock acquisition timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

// Backend selects the Locker implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Config configures New.
type Config struct {
	Backend Backend
	Redis   *redis.Options
	// LeaseTTL is the initial lease length of networked locks.
	LeaseTTL time.Duration
}

// New builds the Locker for cfg. The returned close func releases any
// client the locker owns.
func New(cfg Config) (Locker, func() error, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryLocker(), func() error { return nil }, nil
	case BackendRedis:
		if cfg.Redis == nil {
			return nil, nil, fmt.Errorf("lock: redis backend requires redis options")
		}
		client := redis.NewClient(cfg.Redis)
		var opts []RedisOption
		if cfg.LeaseTTL > 0 {
			opts = append(opts, WithLeaseTTL(cfg.LeaseTTL))
		}
		return NewRedisLocker(client, opts...), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("lock: unknown backend %q", cfg.Backend)
	}
}

// WithLock runs fn while holding key.
// fn's error is returned as-is; acquisition and release errors are wrapped.
func WithLock(ctx context.Context, l Locker, key string, timeout time.Duration, fn func(context.Context) error) (err error) {
	h, err := l.Acquire(ctx, key, timeout)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	defer func() {
		if relErr := h.Release(context.WithoutCancel(ctx)); relErr != nil && err == nil {
			err = fmt.Errorf("release %s: %w", key, relErr)
		}
	}()
	return fn(ctx)
}
