package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
)

// Memory is an in-process backend. Keys are kept in a sorted tree so Keys
// lists them in order without sorting.
type Memory struct {
	mu     sync.RWMutex
	tree   *treemap.Map
	ttl    time.Duration
	now    func() time.Time
	closed bool
	done   chan struct{}
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryOption configures Memory.
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	ttl             time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
}

// WithTTL expires entries ttl after their last write. Zero (the default)
// keeps entries until removed.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(c *memoryConfig) {
		c.ttl = ttl
	}
}

// WithCleanupInterval sets how often expired entries are purged when a TTL
// is set. Default: 1 minute.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(c *memoryConfig) {
		c.cleanupInterval = d
	}
}

func withClock(now func() time.Time) MemoryOption {
	return func(c *memoryConfig) {
		c.now = now
	}
}

// NewMemory creates an empty in-memory backend.
func NewMemory(opts ...MemoryOption) *Memory {
	cfg := &memoryConfig{
		cleanupInterval: time.Minute,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	m := &Memory{
		tree: treemap.NewWithStringComparator(),
		ttl:  cfg.ttl,
		now:  cfg.now,
		done: make(chan struct{}),
	}
	if m.ttl > 0 && cfg.cleanupInterval > 0 {
		go m.cleanupLoop(cfg.cleanupInterval)
	}
	return m
}

// Get implements pulse.Storage.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.tree.Get(key)
	if !ok {
		return nil, false, nil
	}
	e := v.(*memoryEntry)
	if m.expired(e) {
		return nil, false, nil
	}
	return copyBytes(e.data), true, nil
}

// Set implements pulse.Storage.
func (m *Memory) Set(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	e := &memoryEntry{data: copyBytes(data)}
	if m.ttl > 0 {
		e.expiresAt = m.now().Add(m.ttl)
	}
	m.tree.Put(key, e)
	return nil
}

// Remove implements pulse.Storage.
func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.tree.Remove(key)
	return nil
}

// Keys implements Lister.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	var keys []string
	it := m.tree.Iterator()
	for it.Next() {
		k := it.Key().(string)
		if !strings.HasPrefix(k, prefix) {
			if k > prefix {
				break
			}
			continue
		}
		if !m.expired(it.Value().(*memoryEntry)) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Size()
}

// Close releases the backend. It is safe to call more than once.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	m.tree.Clear()
	return nil
}

func (m *Memory) expired(e *memoryEntry) bool {
	return !e.expiresAt.IsZero() && m.now().After(e.expiresAt)
}

func (m *Memory) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.done:
			return
		}
	}
}

func (m *Memory) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	var expired []string
	it := m.tree.Iterator()
	for it.Next() {
		if m.expired(it.Value().(*memoryEntry)) {
			expired = append(expired, it.Key().(string))
		}
	}
	for _, k := range expired {
		m.tree.Remove(k)
	}
}
