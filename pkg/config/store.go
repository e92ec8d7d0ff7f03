package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/mrkvm/sould/internal/logger"
)

// ChangeHandler receives the previous and next snapshots plus the
// field-level changes between them. Handlers run synchronously, in
// registration order, while the store lock is held; a handler must not
// call back into the store.
type ChangeHandler func(prev, next *Config, changes []Change)

// Store holds the current configuration snapshot and notifies handlers
// when it is replaced. Snapshots are immutable: readers get a pointer
// they must not modify, and Replace swaps the whole snapshot at once.
type Store struct {
	mu       sync.RWMutex
	current  *Config
	handlers []ChangeHandler

	watcher *viper.Viper
	path    string
}

// NewStore creates a store seeded with an initial snapshot.
func NewStore(initial *Config) *Store {
	return &Store{current: initial}
}

// Get returns the current snapshot. Callers must treat it as read-only.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnChange registers a handler called on every Replace that produced at
// least one change.
func (s *Store) OnChange(fn ChangeHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

// Replace validates and installs a new snapshot, returning the changes
// relative to the previous one. An invalid snapshot is rejected and the
// previous snapshot stays in place. Replacing with an identical snapshot
// returns an empty diff and notifies nobody.
func (s *Store) Replace(next *Config) ([]Change, error) {
	if err := Validate(next); err != nil {
		return nil, fmt.Errorf("rejecting configuration: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current
	changes := Diff(prev, next)
	if len(changes) == 0 {
		return nil, nil
	}

	s.current = next
	for _, c := range changes {
		logger.Info("option changed",
			"key", c.Key,
			"from", c.Left,
			"to", c.Right,
			"class", c.Class.String())
	}
	for _, fn := range s.handlers {
		fn(prev, next, changes)
	}
	return changes, nil
}

// Watch reloads the snapshot whenever the config file at path changes.
// A reload that fails to parse or validate is logged and skipped; the
// running snapshot is untouched.
func (s *Store) Watch(path string) error {
	if path == "" {
		path = DefaultPath()
	}

	v := viper.New()
	setupViper(v, path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file for watching: %w", err)
	}

	s.mu.Lock()
	s.watcher = v
	s.path = path
	s.mu.Unlock()

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := Load(path)
		if err != nil {
			logger.Warn("ignoring config file change", "path", path, logger.Err(err))
			return
		}
		if _, err := s.Replace(cfg); err != nil {
			logger.Warn("ignoring config file change", "path", path, logger.Err(err))
		}
	})
	v.WatchConfig()

	logger.Debug("watching config file", "path", path)
	return nil
}
