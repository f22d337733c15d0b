package store

import (
	"context"
	"sync"
	"time"
)

type memCounter struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore is an in-process Store. It is safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	lists    map[string][][]byte // newest first
	nowFn    func() time.Time
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Purger = (*MemoryStore)(nil)
	_ Purger = (*SQLStore)(nil)
)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memCounter),
		lists:    make(map[string][][]byte),
		nowFn:    time.Now,
	}
}

// SetNowFunc replaces the clock; used by tests to expire windows.
func (m *MemoryStore) SetNowFunc(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFn = fn
}

func (m *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	c, ok := m.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &memCounter{expiresAt: now.Add(ttl)}
		m.counters[key] = c
	}
	c.count++
	return c.count, nil
}

// PurgeExpired drops counters whose window has ended. Incr only resets a
// counter when its key is seen again, so idle client keys stay until purged.
func (m *MemoryStore) PurgeExpired(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	var n int64
	for key, c := range m.counters {
		if !now.Before(c.expiresAt) {
			delete(m.counters, key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) PushCapped(_ context.Context, key string, value []byte, max int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)

	list := append([][]byte{v}, m.lists[key]...)
	if max > 0 && len(list) > max {
		list = list[:max]
	}
	m.lists[key] = list
	return nil
}

func (m *MemoryStore) Range(_ context.Context, key string, n int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	if n <= 0 || n > len(list) {
		n = len(list)
	}
	out := make([][]byte, n)
	copy(out, list[:n])
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
