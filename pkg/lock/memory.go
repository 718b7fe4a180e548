package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is a process-local mutex keyed by string.
// Entries are reference counted and dropped once nobody holds or waits.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*memLock
}

type memLock struct {
	sem  chan struct{}
	refs int
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*memLock)}
}

// Acquire implements Locker. A non-positive timeout tries once.
func (m *MemoryLocker) Acquire(ctx context.Context, key string, timeout time.Duration) (Handle, error) {
	l := m.ref(key)

	select {
	case l.sem <- struct{}{}:
		return &memHandle{locker: m, key: key, lock: l}, nil
	default:
	}
	if timeout <= 0 {
		m.unref(key)
		return nil, ErrLockTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.sem <- struct{}{}:
		return &memHandle{locker: m, key: key, lock: l}, nil
	case <-timer.C:
		m.unref(key)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		m.unref(key)
		return nil, ctx.Err()
	}
}

func (m *MemoryLocker) ref(key string) *memLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &memLock{sem: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *MemoryLocker) unref(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		return
	}
	l.refs--
	if l.refs <= 0 {
		delete(m.locks, key)
	}
}

// size reports how many keys are tracked.
func (m *MemoryLocker) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

type memHandle struct {
	locker   *MemoryLocker
	key      string
	lock     *memLock
	mu       sync.Mutex
	released bool
}

func (h *memHandle) Key() string { return h.key }

func (h *memHandle) Release(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrLockNotHeld
	}
	h.released = true
	<-h.lock.sem
	h.locker.unref(h.key)
	return nil
}
