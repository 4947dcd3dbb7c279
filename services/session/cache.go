// Package session holds the time-bounded cache of verified identities.
// Entries are keyed by a one-way hash of the bearer token, so the cache and
// its persisted snapshot never contain raw credentials.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/buildplane/backend/config"
	"github.com/buildplane/backend/identity"
	"github.com/buildplane/backend/models"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrCacheClosed is returned when operating on a closed cache
var ErrCacheClosed = errors.New("session cache closed")

// Entry is a cached identity+profile pair. Valid iff the cache-age and
// token-expiry conditions both hold; they are independent concerns.
type Entry struct {
	Identity       models.Identity `json:"identity"`
	Profile        *models.Profile `json:"profile"`
	CachedAt       time.Time       `json:"cached_at"`
	TokenExpiresAt time.Time       `json:"token_expires_at"`
}

// IsValid checks the dual freshness invariant
func (e *Entry) IsValid(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.CachedAt) < ttl && now.Before(e.TokenExpiresAt)
}

// VerifyFunc resolves a token to a verified identity. The middleware passes
// the credential verifier (wrapped in its retry policy) here.
type VerifyFunc func(ctx context.Context, token string) (*identity.Result, error)

// Cache is the session cache. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry // key: sha256 of the bearer token
	closed  bool

	cfg    config.SessionConfig
	logger *zap.Logger

	// group coalesces concurrent refreshes per token: at most one in-flight
	// verification call exists per token, all waiters share its result.
	group singleflight.Group
}

// NewCache creates a session cache, restoring the redacted snapshot when
// persistence is configured
func NewCache(cfg config.SessionConfig, logger *zap.Logger) *Cache {
	c := &Cache{
		entries: make(map[string]*Entry),
		cfg:     cfg,
		logger:  logger,
	}

	if cfg.SnapshotPath != "" {
		if err := c.restoreSnapshot(); err != nil {
			// A missing or corrupt snapshot only costs warm starts
			logger.Warn("session snapshot restore failed", zap.Error(err))
		}
	}

	return c
}

// Get returns the entry for a token, or nil on miss or invalid entry.
// Invalid entries are removed on sight.
func (c *Cache) Get(token string) *Entry {
	key := hashToken(token)
	now := time.Now()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil
	}

	if !entry.IsValid(now, c.cfg.TTL) {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have refreshed it
		if current, still := c.entries[key]; still && !current.IsValid(now, c.cfg.TTL) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil
	}

	return entry
}

// Set stores a verified identity+profile for a token. The token expiry is
// derived once, at write time; decode failure substitutes the configured
// default lifetime instead of failing the write.
func (c *Cache) Set(ident models.Identity, profile *models.Profile, token string) *Entry {
	decoded := identity.PeekExpiry(token, c.cfg.DefaultTokenLifetime)
	if decoded.Fallback {
		c.logger.Debug("token expiry decode failed, using default lifetime",
			zap.Duration("default", c.cfg.DefaultTokenLifetime))
	}

	entry := &Entry{
		Identity:       ident,
		Profile:        profile,
		CachedAt:       time.Now(),
		TokenExpiresAt: decoded.ExpiresAt,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return entry
	}
	if len(c.entries) >= c.cfg.MaxEntries && c.cfg.MaxEntries > 0 {
		c.evictOldestLocked()
	}
	c.entries[hashToken(token)] = entry
	c.mu.Unlock()

	c.persistSnapshot()

	return entry
}

// NeedsRefresh reports whether the entry for a token should be proactively
// refreshed: cache age beyond 80% of TTL, or token lifetime under the
// refresh margin. A heuristic, not a correctness requirement.
func (c *Cache) NeedsRefresh(token string) bool {
	c.mu.RLock()
	entry, ok := c.entries[hashToken(token)]
	c.mu.RUnlock()

	if !ok {
		return false
	}

	now := time.Now()
	age := now.Sub(entry.CachedAt)
	if age > c.cfg.TTL*4/5 {
		return true
	}
	return entry.TokenExpiresAt.Sub(now) < c.cfg.RefreshMargin
}

// Refresh verifies the token and updates the cache. Concurrent callers for
// the same token are coalesced into a single verification call.
func (c *Cache) Refresh(ctx context.Context, token string, verify VerifyFunc) (*Entry, error) {
	key := hashToken(token)

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		result, err := verify(ctx, token)
		if err != nil {
			return nil, err
		}
		return c.Set(result.Identity, result.Profile, token), nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Entry), nil
}

// InvalidateToken removes the entry for one token; used on logout and
// profile mutation
func (c *Cache) InvalidateToken(token string) {
	c.mu.Lock()
	delete(c.entries, hashToken(token))
	c.mu.Unlock()

	c.persistSnapshot()
}

// Invalidate clears in-memory and persisted state; idempotent
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()

	if c.cfg.SnapshotPath != "" {
		if err := os.Remove(c.cfg.SnapshotPath); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove session snapshot", zap.Error(err))
		}
	}
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close persists a final snapshot and rejects further writes
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.persistSnapshot()
}

// evictOldestLocked drops the stalest entry; caller holds the write lock
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.CachedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.CachedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// snapshot is the on-disk representation. Keys are one-way token hashes;
// no field of Entry carries credential material.
type snapshot struct {
	SavedAt time.Time         `json:"saved_at"`
	Entries map[string]*Entry `json:"entries"`
}

// persistSnapshot writes the redacted snapshot when persistence is enabled
func (c *Cache) persistSnapshot() {
	if c.cfg.SnapshotPath == "" {
		return
	}

	c.mu.RLock()
	snap := snapshot{
		SavedAt: time.Now(),
		Entries: make(map[string]*Entry, len(c.entries)),
	}
	for key, entry := range c.entries {
		snap.Entries[key] = entry
	}
	c.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		c.logger.Warn("failed to marshal session snapshot", zap.Error(err))
		return
	}

	if err := os.WriteFile(c.cfg.SnapshotPath, data, 0o600); err != nil {
		c.logger.Warn("failed to write session snapshot", zap.Error(err))
	}
}

// restoreSnapshot loads the snapshot, dropping entries already invalid
func (c *Cache) restoreSnapshot() error {
	data, err := os.ReadFile(c.cfg.SnapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	now := time.Now()
	restored := 0
	c.mu.Lock()
	for key, entry := range snap.Entries {
		if entry.IsValid(now, c.cfg.TTL) {
			c.entries[key] = entry
			restored++
		}
	}
	c.mu.Unlock()

	c.logger.Info("session snapshot restored",
		zap.Int("restored", restored),
		zap.Int("discarded", len(snap.Entries)-restored))

	return nil
}

// hashToken derives the cache key. One-way by construction: neither the map
// nor the snapshot can reproduce the bearer token.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
