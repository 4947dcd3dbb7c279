package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/buildplane/backend/models"
	"github.com/buildplane/backend/utils"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// CacheRules is the declarative cache configuration table, keyed by endpoint
// path. It is read at startup and hot-reloaded when the file changes; a bad
// reload keeps the previous table.
type CacheRules struct {
	mu     sync.RWMutex
	path   string
	rules  map[string]models.EndpointCacheConfig
	logger *zap.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// LoadCacheRules reads and validates the cache rules file
func LoadCacheRules(path string, logger *zap.Logger) (*CacheRules, error) {
	cr := &CacheRules{
		path:   path,
		rules:  make(map[string]models.EndpointCacheConfig),
		logger: logger,
		done:   make(chan struct{}),
	}

	if err := cr.reload(); err != nil {
		return nil, err
	}

	return cr, nil
}

// Get returns the cache configuration for an endpoint path
func (cr *CacheRules) Get(path string) (models.EndpointCacheConfig, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	rule, ok := cr.rules[path]
	return rule, ok
}

// Len returns the number of configured endpoints
func (cr *CacheRules) Len() int {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	return len(cr.rules)
}

// Watch starts watching the rules file for changes. Call Close to stop.
func (cr *CacheRules) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory: editors replace files on save, which drops the
	// watch when it is attached to the file itself.
	if err := watcher.Add(filepath.Dir(cr.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", cr.path, err)
	}
	cr.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(cr.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := cr.reload(); err != nil {
					cr.logger.Warn("cache rules reload failed, keeping previous table",
						zap.String("path", cr.path),
						zap.Error(err))
					continue
				}
				cr.logger.Info("cache rules reloaded",
					zap.String("path", cr.path),
					zap.Int("endpoints", cr.Len()))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				cr.logger.Warn("cache rules watcher error", zap.Error(err))
			case <-cr.done:
				return
			}
		}
	}()

	return nil
}

// Close stops the file watcher; idempotent
func (cr *CacheRules) Close() {
	select {
	case <-cr.done:
	default:
		close(cr.done)
	}
	if cr.watcher != nil {
		_ = cr.watcher.Close()
	}
}

// reload parses and validates the rules file, swapping the table atomically
func (cr *CacheRules) reload() error {
	data, err := os.ReadFile(cr.path)
	if err != nil {
		return fmt.Errorf("failed to read cache rules: %w", err)
	}

	var parsed map[string]models.EndpointCacheConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse cache rules: %w", err)
	}

	for path, rule := range parsed {
		if err := utils.ValidateStruct(rule); err != nil {
			return fmt.Errorf("invalid cache rule for %s: %w", path, err)
		}
	}

	cr.mu.Lock()
	cr.rules = parsed
	cr.mu.Unlock()

	return nil
}
