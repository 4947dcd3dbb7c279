package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/buildplane/backend/models"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Wildcard grants every permission to a role
const Wildcard = "*"

// Table evaluates role permissions against an externally authored
// matrix. The matrix content is data; this type only answers yes or no.
type Table struct {
	mu    sync.RWMutex
	grant map[models.Role]map[string]struct{}
	wild  map[models.Role]struct{}

	// set by LoadTable; tables built with NewTable cannot be watched
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// tableFile is the on-disk shape of the permission matrix
type tableFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// LoadTable reads the permission matrix from a YAML file
func LoadTable(path string, logger *zap.Logger) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read permission table: %w", err)
	}

	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse permission table: %w", err)
	}
	if len(file.Roles) == 0 {
		return nil, fmt.Errorf("permission table %s defines no roles", path)
	}

	table := NewTable(file.Roles)
	table.path = path
	table.logger = logger
	table.done = make(chan struct{})
	logger.Info("permission table loaded",
		zap.String("path", path),
		zap.Int("roles", len(file.Roles)))
	return table, nil
}

// Watch starts watching the matrix file for changes, swapping the table
// on valid rewrites. A bad rewrite keeps the previous matrix. Call Close
// to stop.
func (t *Table) Watch() error {
	if t.path == "" {
		return fmt.Errorf("permission table has no backing file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory: editors replace files on save, which drops the
	// watch when it is attached to the file itself.
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", t.path, err)
	}
	t.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(t.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := t.reload(); err != nil {
					t.logger.Warn("permission table reload failed, keeping previous matrix",
						zap.String("path", t.path),
						zap.Error(err))
					continue
				}
				t.logger.Info("permission table reloaded",
					zap.String("path", t.path))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				t.logger.Warn("permission table watcher error", zap.Error(err))
			case <-t.done:
				return
			}
		}
	}()

	return nil
}

// Close stops the file watcher; idempotent
func (t *Table) Close() {
	if t.done == nil {
		return
	}
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	if t.watcher != nil {
		_ = t.watcher.Close()
	}
}

// reload parses and validates the matrix file, swapping the table atomically
func (t *Table) reload() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("read permission table: %w", err)
	}

	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse permission table: %w", err)
	}
	if len(file.Roles) == 0 {
		return fmt.Errorf("permission table %s defines no roles", t.path)
	}

	t.Replace(NewTable(file.Roles))
	return nil
}

// NewTable builds a Table from an in-memory role to permissions map
func NewTable(roles map[string][]string) *Table {
	table := &Table{
		grant: make(map[models.Role]map[string]struct{}, len(roles)),
		wild:  make(map[models.Role]struct{}),
	}
	for roleName, perms := range roles {
		role := models.Role(roleName)
		set := make(map[string]struct{}, len(perms))
		for _, perm := range perms {
			if perm == Wildcard {
				table.wild[role] = struct{}{}
				continue
			}
			set[perm] = struct{}{}
		}
		table.grant[role] = set
	}
	return table
}

// Evaluate reports whether the role holds the permission
func (t *Table) Evaluate(role models.Role, permission string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, ok := t.wild[role]; ok {
		return true
	}
	set, ok := t.grant[role]
	if !ok {
		return false
	}
	_, ok = set[permission]
	return ok
}

// PermissionsFor returns the role's permissions sorted, with Wildcard
// standing alone for unrestricted roles
func (t *Table) PermissionsFor(role models.Role) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, ok := t.wild[role]; ok {
		return []string{Wildcard}
	}
	set, ok := t.grant[role]
	if !ok {
		return nil
	}
	perms := make([]string, 0, len(set))
	for perm := range set {
		perms = append(perms, perm)
	}
	sort.Strings(perms)
	return perms
}

// Replace swaps in a new matrix, used by hot reload
func (t *Table) Replace(other *Table) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.grant = other.grant
	t.wild = other.wild
}
