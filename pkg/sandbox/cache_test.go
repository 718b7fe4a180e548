package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/lock"
)

// countingInstaller records installs and the entry state seen during them.
type countingInstaller struct {
	calls   atomic.Int32
	delay   time.Duration
	failN   atomic.Int32
	cache   *Cache
	observe []State
	mu      sync.Mutex
}

func (i *countingInstaller) Install(ctx context.Context, workspace string, pieces []core.PieceRef, _ []core.CodeArtifact) error {
	i.calls.Add(1)
	if i.cache != nil {
		for _, e := range i.cache.Entries() {
			if e.WorkspacePath == workspace {
				i.mu.Lock()
				i.observe = append(i.observe, e.State)
				i.mu.Unlock()
			}
		}
	}
	if i.delay > 0 {
		time.Sleep(i.delay)
	}
	if i.failN.Load() > 0 {
		i.failN.Add(-1)
		return errors.New("registry unreachable")
	}
	for _, p := range pieces {
		if err := os.WriteFile(filepath.Join(workspace, p.Name), []byte(p.Version), 0o644); err != nil {
			return err
		}
	}
	return nil
}

var testPieces = []core.PieceRef{{Name: "slack", Version: "1.0.0"}}

func newTestCache(t *testing.T, inst *countingInstaller) *Cache {
	t.Helper()
	c := NewCache(t.TempDir(), inst, lock.NewMemoryLocker())
	inst.cache = c
	return c
}

func entryFor(t *testing.T, c *Cache, key string) Entry {
	t.Helper()
	for _, e := range c.Entries() {
		if e.Key == key {
			return e
		}
	}
	t.Fatalf("no entry for %s", key)
	return Entry{}
}

func TestPrepare_InstallsOnceUnderConcurrency(t *testing.T) {
	inst := &countingInstaller{delay: 50 * time.Millisecond}
	c := newTestCache(t, inst)

	const n = 20
	leases := make([]*Sandbox, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sb, err := c.Prepare(context.Background(), testPieces, nil)
			assert.NoError(t, err)
			leases[i] = sb
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), inst.calls.Load())

	key := Key(testPieces, nil)
	e := entryFor(t, c, key)
	assert.Equal(t, StateReady, e.State)
	assert.Equal(t, n, e.ActiveCount)

	for _, sb := range leases {
		require.NotNil(t, sb)
		assert.Equal(t, key, sb.Key())
		sb.Release()
	}
	assert.Equal(t, 0, entryFor(t, c, key).ActiveCount)
}

func TestPrepare_StatesOnlyMoveForward(t *testing.T) {
	inst := &countingInstaller{}
	c := newTestCache(t, inst)

	sb, err := c.Prepare(context.Background(), testPieces, nil)
	require.NoError(t, err)
	defer sb.Release()

	assert.Equal(t, []State{StateInitialized}, inst.observe)
	assert.Equal(t, StateReady, entryFor(t, c, sb.Key()).State)

	installed, err := os.ReadFile(filepath.Join(sb.CachePath(), "slack"))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", string(installed))
}

func TestPrepare_RefreshesLastUsedOnEveryCall(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := NewCache(t.TempDir(), &countingInstaller{}, lock.NewMemoryLocker(), WithClock(clock))

	sb1, err := c.Prepare(context.Background(), testPieces, nil)
	require.NoError(t, err)
	defer sb1.Release()

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	sb2, err := c.Prepare(context.Background(), testPieces, nil)
	require.NoError(t, err)
	defer sb2.Release()

	assert.Equal(t, now, entryFor(t, c, sb1.Key()).LastUsedAt)
}

func TestPrepare_FailedInstallReleasesAndRetries(t *testing.T) {
	inst := &countingInstaller{}
	inst.failN.Store(1)
	c := newTestCache(t, inst)

	_, err := c.Prepare(context.Background(), testPieces, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry unreachable")

	key := Key(testPieces, nil)
	e := entryFor(t, c, key)
	assert.Equal(t, StateInitialized, e.State)
	assert.Equal(t, 0, e.ActiveCount)

	sb, err := c.Prepare(context.Background(), testPieces, nil)
	require.NoError(t, err)
	defer sb.Release()
	assert.Equal(t, int32(2), inst.calls.Load())
	assert.Equal(t, StateReady, entryFor(t, c, key).State)
}

func TestPrepare_LockTimeout(t *testing.T) {
	locker := lock.NewMemoryLocker()
	c := NewCache(t.TempDir(), &countingInstaller{}, locker, WithLockTimeout(20*time.Millisecond))

	key := Key(testPieces, nil)
	h, err := locker.Acquire(context.Background(), lockKey(key), time.Second)
	require.NoError(t, err)
	defer h.Release(context.Background())

	_, err = c.Prepare(context.Background(), testPieces, nil)
	require.Error(t, err)
	assert.True(t, lock.IsTimeout(err))
	assert.Equal(t, 0, entryFor(t, c, key).ActiveCount)
}

func TestSandbox_ReleaseIsIdempotent(t *testing.T) {
	c := newTestCache(t, &countingInstaller{})

	sb1, err := c.Prepare(context.Background(), testPieces, nil)
	require.NoError(t, err)
	sb2, err := c.Prepare(context.Background(), testPieces, nil)
	require.NoError(t, err)

	sb1.Release()
	sb1.Release()
	sb1.Release()
	assert.Equal(t, 1, entryFor(t, c, sb1.Key()).ActiveCount)

	sb2.Release()
	sb2.Release()
	assert.Equal(t, 0, entryFor(t, c, sb1.Key()).ActiveCount)
}

func TestSandbox_PrivateDir(t *testing.T) {
	c := newTestCache(t, &countingInstaller{})

	sb1, err := c.Prepare(context.Background(), testPieces, nil)
	require.NoError(t, err)
	sb2, err := c.Prepare(context.Background(), testPieces, nil)
	require.NoError(t, err)

	assert.NotEqual(t, sb1.Dir(), sb2.Dir())
	assert.Equal(t, sb1.CachePath(), sb2.CachePath())
	assert.DirExists(t, sb1.Dir())

	sb1.Release()
	assert.NoDirExists(t, sb1.Dir())
	assert.DirExists(t, sb2.Dir())
	sb2.Release()
}

func TestEvict(t *testing.T) {
	c := newTestCache(t, &countingInstaller{})
	ctx := context.Background()

	sb, err := c.Prepare(ctx, testPieces, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, c.Evict(ctx, sb.Key()), ErrEntryBusy)
	assert.DirExists(t, sb.CachePath())

	sb.Release()
	require.NoError(t, c.Evict(ctx, sb.Key()))
	assert.Empty(t, c.Entries())
	assert.NoDirExists(t, sb.CachePath())

	require.NoError(t, c.Evict(ctx, "unknown"))
}

func TestPrepare_DistinctKeysInstallSeparately(t *testing.T) {
	inst := &countingInstaller{}
	c := newTestCache(t, inst)

	a, err := c.Prepare(context.Background(), testPieces, nil)
	require.NoError(t, err)
	defer a.Release()
	b, err := c.Prepare(context.Background(), []core.PieceRef{{Name: "gmail", Version: "2.0.0"}}, nil)
	require.NoError(t, err)
	defer b.Release()

	assert.Equal(t, int32(2), inst.calls.Load())
	assert.Len(t, c.Entries(), 2)
	assert.NotEqual(t, a.CachePath(), b.CachePath())
}

func TestPrepare_WithRedisLocker(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	inst := &countingInstaller{delay: 20 * time.Millisecond}
	c := NewCache(t.TempDir(), inst, lock.NewRedisLocker(client))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sb, err := c.Prepare(context.Background(), testPieces, nil)
			if assert.NoError(t, err) {
				sb.Release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), inst.calls.Load())
}

func TestPrepare_WritesManifestWhenReady(t *testing.T) {
	c := newTestCache(t, &countingInstaller{})

	sb, err := c.Prepare(context.Background(), testPieces, nil)
	require.NoError(t, err)
	defer sb.Release()

	raw, err := os.ReadFile(filepath.Join(sb.CachePath(), ManifestFile))
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, testPieces, m.Pieces)
	assert.Equal(t, sb.Key(), installedKey(sb.CachePath()))
}

func TestPrepare_AdoptsWorkspaceReadyInAnotherCache(t *testing.T) {
	root := t.TempDir()
	locker := lock.NewMemoryLocker()
	first := &countingInstaller{}
	a := NewCache(root, first, locker)

	held, err := a.Prepare(context.Background(), testPieces, nil)
	require.NoError(t, err)
	defer held.Release()
	installed := filepath.Join(held.CachePath(), "slack")
	require.FileExists(t, installed)

	second := &countingInstaller{}
	b := NewCache(root, second, locker)
	sb, err := b.Prepare(context.Background(), testPieces, nil)
	require.NoError(t, err)
	defer sb.Release()

	assert.Equal(t, int32(0), second.calls.Load(), "a ready workspace on disk is not reinstalled")
	assert.FileExists(t, installed, "a ready workspace on disk is not purged")
	assert.Equal(t, held.CachePath(), sb.CachePath())
	assert.Equal(t, StateReady, entryFor(t, b, sb.Key()).State)
}

func TestPrepare_PurgesWorkspaceWithoutManifest(t *testing.T) {
	root := t.TempDir()
	key := Key(testPieces, nil)
	workspace := filepath.Join(root, "cache", key)
	require.NoError(t, os.MkdirAll(workspace, 0o755))
	leftover := filepath.Join(workspace, "half-installed")
	require.NoError(t, os.WriteFile(leftover, []byte("x"), 0o644))

	inst := &countingInstaller{}
	c := NewCache(root, inst, lock.NewMemoryLocker())
	sb, err := c.Prepare(context.Background(), testPieces, nil)
	require.NoError(t, err)
	defer sb.Release()

	assert.Equal(t, int32(1), inst.calls.Load())
	assert.NoFileExists(t, leftover)
	assert.FileExists(t, filepath.Join(workspace, ManifestFile))
}

func TestPrepare_OversizedArchiveNeverReady(t *testing.T) {
	ctx := context.Background()
	store := newArchiveStore(t)
	ref, err := store.Save(ctx, tarGz(t, map[string]string{"big.js": "0123456789abcdef"}))
	require.NoError(t, err)
	archives := []core.CodeArtifact{{StepName: "step_1", ContentID: "c1", BlobRef: ref}}

	c := NewCache(t.TempDir(), &WorkspaceInstaller{Archives: store, MaxFileSize: 8}, lock.NewMemoryLocker())
	_, err = c.Prepare(ctx, nil, archives)
	require.ErrorIs(t, err, ErrArchiveFileTooLarge)

	e := entryFor(t, c, Key(nil, archives))
	assert.Equal(t, StateInitialized, e.State)
	assert.NoFileExists(t, filepath.Join(e.WorkspacePath, ManifestFile))
}
