package oauth

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Store holds the current OIDC configuration and watches the config file
// for changes. Consumers ask for the current state per request; the edge
// controller additionally registers for change notifications because a
// new config requires a sidecar restart.
type Store struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	cfg *Config
}

func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Load reads the config file. Called once at startup before anything
// consults Enabled.
func (s *Store) Load() error {
	cfg, err := readConfig(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	if cfg != nil {
		s.logger.Info("oidc enabled", "issuer", cfg.IssuerURL, "cookie_domain", cfg.CookieDomain)
	} else {
		s.logger.Info("oidc disabled, no oauth config present")
	}
	return nil
}

// Current returns the active config, or nil when OIDC is disabled.
func (s *Store) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Enabled reports whether a complete OIDC config is loaded.
func (s *Store) Enabled() bool {
	return s.Current() != nil
}

// Watch blocks until ctx is done, reloading the config whenever the file
// changes and invoking onChange with the new state (nil = disabled).
// A reload that fails keeps the previous config.
func (s *Store) Watch(ctx context.Context, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors and atomic writers replace the file,
	// which would silently detach a watch on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			s.reload(onChange)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("oauth config watcher error", "err", err)
		}
	}
}

func (s *Store) reload(onChange func(*Config)) {
	cfg, err := readConfig(s.path)
	if err != nil {
		s.logger.Error("failed to reload oauth config, keeping previous", "err", err)
		return
	}

	s.mu.Lock()
	changed := !configEqual(s.cfg, cfg)
	s.cfg = cfg
	s.mu.Unlock()

	if !changed {
		return
	}

	s.logger.Info("oauth config changed", "enabled", cfg != nil)
	if onChange != nil {
		onChange(cfg)
	}
}

func configEqual(a, b *Config) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
