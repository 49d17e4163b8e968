// Package config persists per-session respawn configuration as TOML files
// under a state directory. Writes are flock-guarded so the CLI, the HTTP
// API, and a dashboard edit cannot interleave; an fsnotify watcher turns
// on-disk edits into live reload callbacks.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"

	"github.com/Dicklesworthstone/deckhand/internal/respawn"
)

// ReloadFunc receives the session id and its freshly loaded config after an
// on-disk change.
type ReloadFunc func(sessionID string, cfg respawn.Config)

// Store manages one TOML file per supervised session.
type Store struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	onReload []ReloadFunc
	debounce map[string]*time.Timer

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("config dir cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	return &Store{
		dir:      dir,
		logger:   slog.Default(),
		debounce: make(map[string]*time.Timer),
	}, nil
}

// WithLogger sets a custom logger.
func (s *Store) WithLogger(logger *slog.Logger) *Store {
	s.logger = logger
	return s
}

// Path returns the config file path for a session.
func (s *Store) Path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".toml")
}

func (s *Store) lockPath(sessionID string) string {
	return s.Path(sessionID) + ".lock"
}

// Load reads a session's config. A session with no file gets the defaults;
// a file that only sets some fields gets defaults for the rest.
func (s *Store) Load(sessionID string) (respawn.Config, error) {
	file := toFile(respawn.DefaultConfig())

	data, err := os.ReadFile(s.Path(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return file.toConfig(), nil
		}
		return respawn.DefaultConfig(), fmt.Errorf("read config for %s: %w", sessionID, err)
	}

	if err := toml.Unmarshal(data, &file); err != nil {
		return respawn.DefaultConfig(), fmt.Errorf("parse config for %s: %w", sessionID, err)
	}
	cfg := file.toConfig()
	if err := cfg.Validate(); err != nil {
		return respawn.DefaultConfig(), fmt.Errorf("config for %s: %w", sessionID, err)
	}
	return cfg, nil
}

// Save writes a session's config atomically under an advisory file lock.
func (s *Store) Save(sessionID string, cfg respawn.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	fl := flock.New(s.lockPath(sessionID))
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock config for %s: %w", sessionID, err)
	}
	defer fl.Unlock()

	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(toFile(cfg)); err != nil {
		return fmt.Errorf("encode config for %s: %w", sessionID, err)
	}

	path := s.Path(sessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(buf.String()), 0o644); err != nil {
		return fmt.Errorf("write config for %s: %w", sessionID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config for %s: %w", sessionID, err)
	}
	return nil
}

// Apply merges a partial patch into the stored config and saves the result.
// Returns the merged config.
func (s *Store) Apply(sessionID string, patch respawn.ConfigPatch) (respawn.Config, error) {
	base, err := s.Load(sessionID)
	if err != nil {
		return respawn.Config{}, err
	}
	merged := patch.Apply(base)
	if err := merged.Validate(); err != nil {
		return respawn.Config{}, err
	}
	if err := s.Save(sessionID, merged); err != nil {
		return respawn.Config{}, err
	}
	return merged, nil
}

// Delete removes a session's config file. Missing files are fine.
func (s *Store) Delete(sessionID string) error {
	err := os.Remove(s.Path(sessionID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	_ = os.Remove(s.lockPath(sessionID))
	return nil
}

// OnReload registers a callback for live config changes. Register before
// calling Watch.
func (s *Store) OnReload(fn ReloadFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReload = append(s.onReload, fn)
}

// Watch starts the fsnotify loop over the state dir. Edits to a session's
// TOML file fire the reload callbacks once the file settles.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	s.watcher = watcher
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				name := filepath.Base(ev.Name)
				if !strings.HasSuffix(name, ".toml") {
					continue
				}
				s.scheduleReload(strings.TrimSuffix(name, ".toml"))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("[ConfigStore] watch_error", "error", err)
			}
		}
	}()

	s.logger.Info("[ConfigStore] watching", "dir", s.dir)
	return nil
}

// scheduleReload debounces a file's change burst into one reload.
func (s *Store) scheduleReload(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.debounce[sessionID]; ok {
		t.Stop()
	}
	s.debounce[sessionID] = time.AfterFunc(100*time.Millisecond, func() {
		s.fireReload(sessionID)
	})
}

func (s *Store) fireReload(sessionID string) {
	cfg, err := s.Load(sessionID)
	if err != nil {
		s.logger.Warn("[ConfigStore] reload_failed", "session", sessionID, "error", err)
		return
	}

	s.mu.Lock()
	callbacks := make([]ReloadFunc, len(s.onReload))
	copy(callbacks, s.onReload)
	delete(s.debounce, sessionID)
	s.mu.Unlock()

	s.logger.Info("[ConfigStore] config_reloaded", "session", sessionID)
	for _, fn := range callbacks {
		fn(sessionID, cfg)
	}
}

// Close stops the watcher and any pending debounce timers.
func (s *Store) Close() error {
	s.mu.Lock()
	for id, t := range s.debounce {
		t.Stop()
		delete(s.debounce, id)
	}
	s.mu.Unlock()

	if s.watcher != nil {
		err := s.watcher.Close()
		<-s.done
		return err
	}
	return nil
}
