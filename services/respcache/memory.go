package respcache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/buildplane/backend/models"
)

// memoryEntry is a single in-memory cache entry with its own TTL
type memoryEntry struct {
	key       string
	value     []byte
	tags      []string
	expiresAt time.Time
	element   *list.Element // For LRU tracking
}

func (e *memoryEntry) isExpired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MemoryTier is an in-memory LRU cache with per-entry TTL. It serves as
// the fallback tier and keeps working when the fast tier is unreachable.
// Thread-safe implementation using sync.Mutex.
type MemoryTier struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	lruList *list.List // Doubly linked list for LRU tracking
	maxSize int
	hits    uint64
	misses  uint64
}

// NewMemoryTier creates a MemoryTier bounded to maxSize entries
func NewMemoryTier(maxSize int) *MemoryTier {
	return &MemoryTier{
		entries: make(map[string]*memoryEntry),
		lruList: list.New(),
		maxSize: maxSize,
	}
}

func (m *MemoryTier) Name() models.CacheTier { return models.TierFallback }

// Get retrieves a value, removing the entry if it has expired
func (m *MemoryTier) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entries[key]
	if !exists || entry.isExpired(time.Now()) {
		m.misses++
		if exists {
			m.removeEntry(key)
		}
		return nil, ErrMiss
	}

	// Move to front (most recently used)
	m.lruList.MoveToFront(entry.element)
	m.hits++

	return entry.value, nil
}

// Set stores an entry, evicting the least recently used one at capacity
func (m *MemoryTier) Set(ctx context.Context, e models.ResponseCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, exists := m.entries[e.Key]; exists {
		entry.value = e.Value
		entry.tags = e.Tags
		entry.expiresAt = e.ExpiresAt
		m.lruList.MoveToFront(entry.element)
		return nil
	}

	if m.lruList.Len() >= m.maxSize {
		m.evictLRU()
	}

	entry := &memoryEntry{
		key:       e.Key,
		value:     e.Value,
		tags:      e.Tags,
		expiresAt: e.ExpiresAt,
	}
	entry.element = m.lruList.PushFront(e.Key)
	m.entries[e.Key] = entry
	return nil
}

// Delete removes specific keys
func (m *MemoryTier) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		m.removeEntry(key)
	}
	return nil
}

// DeleteByTags removes every entry carrying any of the given tags
func (m *MemoryTier) DeleteByTags(ctx context.Context, tags ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tagSet := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tagSet[tag] = struct{}{}
	}

	stale := make([]string, 0)
	for key, entry := range m.entries {
		for _, tag := range entry.tags {
			if _, ok := tagSet[tag]; ok {
				stale = append(stale, key)
				break
			}
		}
	}
	for _, key := range stale {
		m.removeEntry(key)
	}
	return nil
}

// Ping always succeeds; process memory has no reachability failure mode
func (m *MemoryTier) Ping(ctx context.Context) error { return nil }

// Len returns the number of live entries
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lruList.Len()
}

// Stats returns hit and miss counters
func (m *MemoryTier) Stats() (hits, misses uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits, m.misses
}

// removeEntry removes an entry (must be called with lock held)
func (m *MemoryTier) removeEntry(key string) {
	if entry, exists := m.entries[key]; exists {
		m.lruList.Remove(entry.element)
		delete(m.entries, key)
	}
}

// evictLRU evicts the least recently used entry (must be called with lock held)
func (m *MemoryTier) evictLRU() {
	back := m.lruList.Back()
	if back == nil {
		return
	}
	key := back.Value.(string)
	m.lruList.Remove(back)
	delete(m.entries, key)
}

// CleanupExpired removes all expired entries and returns how many went
func (m *MemoryTier) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	expired := make([]string, 0)
	for key, entry := range m.entries {
		if entry.isExpired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		m.removeEntry(key)
	}
	return len(expired)
}

// StartCleanupWorker periodically removes expired entries until stopCh closes
func (m *MemoryTier) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CleanupExpired()
		case <-stopCh:
			return
		}
	}
}
