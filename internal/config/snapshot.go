package config

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Store publishes immutable config snapshots. Current() is safe from any
// goroutine; a run that captured a snapshot keeps using it even after a
// reload publishes a newer one.
type Store struct {
	current atomic.Pointer[Config]
	path    string

	onReload []func(*Config)
}

// NewStore creates a store seeded with an initial snapshot.
func NewStore(path string, initial *Config) *Store {
	s := &Store{path: path}
	s.current.Store(initial)
	return s
}

// Current returns the live snapshot. Callers must treat it as read-only.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Publish swaps in a new snapshot and notifies reload listeners.
func (s *Store) Publish(cfg *Config) {
	s.current.Store(cfg)
	for _, fn := range s.onReload {
		fn(cfg)
	}
}

// OnReload registers a listener invoked after each successful publish.
// Must be called before Watch starts.
func (s *Store) OnReload(fn func(*Config)) {
	s.onReload = append(s.onReload, fn)
}

// Reload re-reads the config file and publishes it. A config that fails to
// parse or validate leaves the current snapshot untouched.
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.Publish(cfg)
	slog.Info("config.reloaded", "path", s.path)
	return nil
}

// Watch reloads on file changes until ctx is done. Editor save dances
// (rename+create) are debounced by a short settle delay.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.path); err != nil {
		return err
	}

	var timer *time.Timer
	reload := func() {
		if err := s.Reload(); err != nil {
			slog.Warn("config.reload_failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, reload)
			// Re-add after rename; some editors replace the file.
			if ev.Op&fsnotify.Rename != 0 {
				_ = watcher.Add(s.path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config.watch_error", "error", err)
		}
	}
}
