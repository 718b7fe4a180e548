package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/lock"
)

// DefaultLockTimeout bounds how long Prepare waits for another caller's install.
const DefaultLockTimeout = 10 * time.Minute

// ErrEntryBusy is returned by Evict for an entry with active leases.
var ErrEntryBusy = errors.New("sandbox: entry has active leases")

// State is a cache entry's provisioning state. It only moves forward.
type State int

const (
	// StateCreated means the entry is registered but has no workspace.
	StateCreated State = iota
	// StateInitialized means the workspace directory exists and was purged.
	StateInitialized
	// StateReady means dependencies are installed and archives unpacked.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateInitialized:
		return "INITIALIZED"
	case StateReady:
		return "READY"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Entry is a point-in-time view of one cached workspace.
type Entry struct {
	Key           string
	State         State
	ActiveCount   int
	LastUsedAt    time.Time
	WorkspacePath string
}

type entry struct {
	key      string
	path     string
	state    State
	active   int
	lastUsed time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the cache logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithClock overrides the clock used for LastUsedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLockTimeout sets how long Prepare waits on a concurrent install.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.lockTimeout = d
		}
	}
}

// Cache hands out leases on prepared workspaces under root.
type Cache struct {
	root        string
	installer   Installer
	locker      lock.Locker
	lockTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewCache creates a cache rooted at root. Workspaces live in root/cache and
// per-lease scratch directories in root/leases.
func NewCache(root string, installer Installer, locker lock.Locker, opts ...Option) *Cache {
	c := &Cache{
		root:        root,
		installer:   installer,
		locker:      locker,
		lockTimeout: DefaultLockTimeout,
		logger:      slog.Default(),
		now:         time.Now,
		entries:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Prepare leases the workspace for pieces and archives, installing it first
// if no caller has yet. The returned Sandbox must be released.
func (c *Cache) Prepare(ctx context.Context, pieces []core.PieceRef, archives []core.CodeArtifact) (*Sandbox, error) {
	key := Key(pieces, archives)

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{key: key, path: filepath.Join(c.root, "cache", key), state: StateCreated}
		c.entries[key] = e
		cacheEntries.Set(float64(len(c.entries)))
	}
	e.active++
	e.lastUsed = c.now()
	ready := e.state == StateReady
	c.mu.Unlock()
	activeLeases.Inc()

	sb := &Sandbox{cache: c, entry: e}

	if !ready {
		err := lock.WithLock(ctx, c.locker, lockKey(key), c.lockTimeout, func(ctx context.Context) error {
			return c.build(ctx, e, pieces, archives)
		})
		if err != nil {
			sb.Release()
			return nil, fmt.Errorf("prepare sandbox %s: %w", key, err)
		}
	}

	dir := filepath.Join(c.root, "leases", uuid.New().String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		sb.Release()
		return nil, fmt.Errorf("create lease dir: %w", err)
	}
	sb.dir = dir
	return sb, nil
}

// build runs with the entry lock held. Callers that waited behind another
// caller's install find the entry READY and return at once. A workspace
// whose manifest matches the key was installed by another process sharing
// root and is adopted as is.
func (c *Cache) build(ctx context.Context, e *entry, pieces []core.PieceRef, archives []core.CodeArtifact) error {
	if c.stateOf(e) == StateReady {
		return nil
	}
	if installedKey(e.path) == e.key {
		c.advance(e, StateReady)
		c.logger.Info("sandbox adopted", "sandbox_key", e.key)
		return nil
	}

	start := time.Now()
	if err := os.RemoveAll(e.path); err != nil {
		return fmt.Errorf("purge workspace: %w", err)
	}
	if err := os.MkdirAll(e.path, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	c.advance(e, StateInitialized)

	if err := c.installer.Install(ctx, e.path, pieces, archives); err != nil {
		buildsTotal.WithLabelValues(buildFailed).Inc()
		c.logger.Error("sandbox install failed", "sandbox_key", e.key, "error", err)
		return err
	}
	if err := writeManifest(e.path, pieces, archives); err != nil {
		buildsTotal.WithLabelValues(buildFailed).Inc()
		return fmt.Errorf("write manifest: %w", err)
	}
	c.advance(e, StateReady)

	buildsTotal.WithLabelValues(buildSucceeded).Inc()
	buildDuration.Observe(time.Since(start).Seconds())
	c.logger.Info("sandbox ready", "sandbox_key", e.key, "pieces", len(pieces), "archives", len(archives), "duration", time.Since(start))
	return nil
}

// writeManifest marks workspace as installed. The rename makes the marker
// appear whole or not at all.
func writeManifest(workspace string, pieces []core.PieceRef, archives []core.CodeArtifact) error {
	raw, err := json.Marshal(Manifest{Pieces: pieces, Archives: archives})
	if err != nil {
		return err
	}
	tmp := filepath.Join(workspace, ManifestFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(workspace, ManifestFile))
}

// installedKey returns the key of the manifest in workspace, or "" when
// there is none or it cannot be read.
func installedKey(workspace string) string {
	raw, err := os.ReadFile(filepath.Join(workspace, ManifestFile))
	if err != nil {
		return ""
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	return Key(m.Pieces, m.Archives)
}

func (c *Cache) stateOf(e *entry) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return e.state
}

// advance moves e to s unless it is already at or past s.
func (c *Cache) advance(e *entry, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s > e.state {
		e.state = s
	}
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	if e.active > 0 {
		e.active--
	}
	c.mu.Unlock()
	activeLeases.Dec()
}

// Entries returns a snapshot of every cached workspace, ordered by key.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, Entry{
			Key:           e.key,
			State:         e.state,
			ActiveCount:   e.active,
			LastUsedAt:    e.lastUsed,
			WorkspacePath: e.path,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Evict drops an idle entry and deletes its workspace. It returns
// ErrEntryBusy while any lease is held and is a no-op for unknown keys.
func (c *Cache) Evict(ctx context.Context, key string) error {
	return lock.WithLock(ctx, c.locker, lockKey(key), c.lockTimeout, func(context.Context) error {
		c.mu.Lock()
		e, ok := c.entries[key]
		if !ok {
			c.mu.Unlock()
			return nil
		}
		if e.active > 0 {
			c.mu.Unlock()
			return ErrEntryBusy
		}
		delete(c.entries, key)
		cacheEntries.Set(float64(len(c.entries)))
		c.mu.Unlock()

		c.logger.Info("sandbox evicted", "sandbox_key", key)
		return os.RemoveAll(e.path)
	})
}

func lockKey(key string) string {
	return "sandbox:" + key
}

// Sandbox is a lease on a prepared workspace plus a private scratch
// directory for one execution.
type Sandbox struct {
	cache    *Cache
	entry    *entry
	dir      string
	released atomic.Bool
}

// Key returns the cache key of the leased workspace.
func (s *Sandbox) Key() string { return s.entry.key }

// CachePath returns the shared, read-only workspace with installed pieces
// and unpacked code.
func (s *Sandbox) CachePath() string { return s.entry.path }

// Dir returns the lease's private directory.
func (s *Sandbox) Dir() string { return s.dir }

// Release returns the lease and removes the private directory. Only the
// first call has any effect.
func (s *Sandbox) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	if s.dir != "" {
		if err := os.RemoveAll(s.dir); err != nil {
			s.cache.logger.Warn("failed to remove lease dir", "dir", s.dir, "error", err)
		}
	}
	s.cache.release(s.entry)
}
