package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is a capacity-bounded in-process Backend. When full, a Set
// for a new key evicts one arbitrary entry (Go map iteration order), so
// eviction is approximate rather than LRU.
type MemoryCache struct {
	mu       sync.Mutex
	data     map[string]memoryCacheEntry
	capacity int

	stopCh   chan struct{}
	stopOnce sync.Once
}

type memoryCacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache creates a new in-memory cache. A positive cleanupInterval
// starts a background sweep of expired entries.
func NewMemoryCache(capacity int, cleanupInterval time.Duration) *MemoryCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	mc := &MemoryCache{
		data:     make(map[string]memoryCacheEntry),
		capacity: capacity,
		stopCh:   make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go mc.cleanupLoop(cleanupInterval)
	}
	return mc
}

func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(m.data, key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeLocked(key, value, time.Now().Add(ttl))
	return nil
}

func (m *MemoryCache) storeLocked(key string, value []byte, expiresAt time.Time) {
	if _, exists := m.data[key]; !exists && len(m.data) >= m.capacity {
		for victim := range m.data {
			delete(m.data, victim)
			break
		}
	}
	m.data[key] = memoryCacheEntry{value: value, expiresAt: expiresAt}
}

func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		entry, ok := m.data[key]
		if !ok {
			continue
		}
		if now.After(entry.expiresAt) {
			delete(m.data, key)
			continue
		}
		result[key] = entry.value
	}
	return result, nil
}

func (m *MemoryCache) SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, value := range items {
		m.storeLocked(key, value, expiresAt)
	}
	return nil
}

func (m *MemoryCache) Len(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

func (m *MemoryCache) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	return nil
}

func (m *MemoryCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

// cleanup removes expired entries
func (m *MemoryCache) cleanup() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, entry := range m.data {
		if now.After(entry.expiresAt) {
			delete(m.data, key)
			removed++
		}
	}
	return removed
}
