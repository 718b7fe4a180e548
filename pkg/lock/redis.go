package lock

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Defaults for RedisLocker.
const (
	DefaultLeaseTTL    = 30 * time.Second
	DefaultRetryDelay  = 50 * time.Millisecond
	DefaultRetryJitter = 25 * time.Millisecond
	DefaultDriftFactor = 0.01
	DefaultKeyPrefix   = "flows:lock:"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker implements Locker on a single Redis instance.
//
// A lock is a key holding a random token with a millisecond TTL. Acquisition
// retries SET NX with jittered delay until the wait budget runs out. The lease
// counts as held only if it still has validity left after subtracting the
// elapsed acquisition time and the clock-drift allowance. While held, the
// lease is renewed in the background every third of its TTL.
type RedisLocker struct {
	client      redis.UniversalClient
	prefix      string
	ttl         time.Duration
	retryDelay  time.Duration
	retryJitter time.Duration
	driftFactor float64
	logger      *slog.Logger
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithLeaseTTL sets the lease length.
func WithLeaseTTL(d time.Duration) RedisOption {
	return func(l *RedisLocker) { l.ttl = d }
}

// WithRetryDelay sets the base delay between acquisition attempts.
func WithRetryDelay(d time.Duration) RedisOption {
	return func(l *RedisLocker) { l.retryDelay = d }
}

// WithKeyPrefix sets the prefix of lock keys.
func WithKeyPrefix(p string) RedisOption {
	return func(l *RedisLocker) { l.prefix = p }
}

// WithLogger sets the logger used for renewal failures.
func WithLogger(logger *slog.Logger) RedisOption {
	return func(l *RedisLocker) { l.logger = logger }
}

// NewRedisLocker creates a locker over client.
func NewRedisLocker(client redis.UniversalClient, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client:      client,
		prefix:      DefaultKeyPrefix,
		ttl:         DefaultLeaseTTL,
		retryDelay:  DefaultRetryDelay,
		retryJitter: DefaultRetryJitter,
		driftFactor: DefaultDriftFactor,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string, timeout time.Duration) (Handle, error) {
	redisKey := l.prefix + key
	token := uuid.New().String()
	deadline := time.Now().Add(timeout)

	for {
		start := time.Now()
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			if l.validity(start) > 0 {
				return l.newHandle(redisKey, key, token), nil
			}
			// Lease already expired by the time we got it back.
			_, _ = releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{redisKey}, token).Result()
		}

		wait := l.retryDelay
		if l.retryJitter > 0 {
			wait += time.Duration(rand.Int63n(int64(l.retryJitter)))
		}
		if time.Now().Add(wait).After(deadline) {
			return nil, ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// validity returns how much of a fresh lease is usable.
func (l *RedisLocker) validity(start time.Time) time.Duration {
	drift := time.Duration(float64(l.ttl)*l.driftFactor) + 2*time.Millisecond
	return l.ttl - time.Since(start) - drift
}

func (l *RedisLocker) newHandle(redisKey, key, token string) *redisHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &redisHandle{
		locker:   l,
		redisKey: redisKey,
		key:      key,
		token:    token,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go h.renew(ctx)
	return h
}

type redisHandle struct {
	locker   *RedisLocker
	redisKey string
	key      string
	token    string
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

func (h *redisHandle) Key() string { return h.key }

// renew extends the lease until the handle is released or the lease is lost.
func (h *redisHandle) renew(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.locker.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := extendScript.Run(ctx, h.locker.client, []string{h.redisKey},
				h.token, h.locker.ttl.Milliseconds()).Int64()
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				h.locker.logger.Warn("lock renewal failed", "key", h.key, "error", err)
				continue
			}
			if n == 0 {
				h.locker.logger.Warn("lock lease lost", "key", h.key)
				return
			}
		}
	}
}

func (h *redisHandle) Release(ctx context.Context) error {
	released := false
	h.once.Do(func() {
		released = true
		h.cancel()
		<-h.done
	})
	if !released {
		return ErrLockNotHeld
	}

	n, err := releaseScript.Run(ctx, h.locker.client, []string{h.redisKey}, h.token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
