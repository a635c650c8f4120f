package apps

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/moby/sys/atomicwriter"
)

var (
	ErrAppNotFound = errors.New("app not found")
	ErrAppExists   = errors.New("app already exists")
)

// Store persists app records as one JSON file per app under
// <data>/apps. Writes are atomic; callers serialize mutations of the
// same app themselves.
type Store struct {
	dir    string
	logger *slog.Logger
}

func NewStore(dataDir string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Join(dataDir, "apps")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create apps directory: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// List returns all app records sorted by name. Unreadable records are
// skipped so one corrupt file cannot take down the listing.
func (s *Store) List() ([]App, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read apps directory: %w", err)
	}

	var apps []App
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		app, err := s.read(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			s.logger.Warn("skipping unreadable app record", "file", entry.Name(), "err", err)
			continue
		}
		apps = append(apps, app)
	}

	sort.Slice(apps, func(i, j int) bool { return apps[i].Name < apps[j].Name })
	return apps, nil
}

// Get returns the app named name, or ErrAppNotFound.
func (s *Store) Get(name string) (App, error) {
	app, err := s.read(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return App{}, ErrAppNotFound
		}
		return App{}, err
	}
	return app, nil
}

// Exists reports whether an app record with this name is on disk.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

// Create validates and persists a new app. The record gets pending
// status and fresh timestamps; defaults are applied for type and
// restart policy.
func (s *Store) Create(app App) (App, error) {
	app.ApplyDefaults()
	if err := app.Validate(); err != nil {
		return App{}, err
	}
	if s.Exists(app.Name) {
		return App{}, ErrAppExists
	}

	now := time.Now().UTC()
	app.Status = StatusPending
	app.ContainerID = ""
	app.DeployedAt = nil
	app.CommitHash = ""
	app.LastBuildAt = nil
	app.CreatedAt = now
	app.UpdatedAt = now

	if err := s.save(app); err != nil {
		return App{}, err
	}
	s.logger.Info("app created", "app", app.Name, "type", app.Type)
	return app, nil
}

// Update persists changes to an existing app. The name and createdAt of
// the stored record are preserved and updatedAt always moves forward.
func (s *Store) Update(app App) (App, error) {
	existing, err := s.Get(app.Name)
	if err != nil {
		return App{}, err
	}
	app.ApplyDefaults()
	if err := app.Validate(); err != nil {
		return App{}, err
	}

	app.CreatedAt = existing.CreatedAt
	app.UpdatedAt = time.Now().UTC()

	if err := s.save(app); err != nil {
		return App{}, err
	}
	return app, nil
}

// Upsert creates the app, or updates it in place when it already exists.
func (s *Store) Upsert(app App) (App, error) {
	created, err := s.Create(app)
	if errors.Is(err, ErrAppExists) {
		return s.Update(app)
	}
	return created, err
}

// Delete removes the app record from disk.
func (s *Store) Delete(name string) error {
	if err := os.Remove(s.path(name)); err != nil {
		if os.IsNotExist(err) {
			return ErrAppNotFound
		}
		return fmt.Errorf("failed to delete app record: %w", err)
	}
	s.logger.Info("app deleted", "app", name)
	return nil
}

func (s *Store) read(path string) (App, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return App{}, err
	}
	var app App
	if err := json.Unmarshal(data, &app); err != nil {
		return App{}, fmt.Errorf("failed to parse app record %s: %w", filepath.Base(path), err)
	}
	return app, nil
}

func (s *Store) save(app App) error {
	data, err := json.MarshalIndent(app, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode app record: %w", err)
	}
	if err := atomicwriter.WriteFile(s.path(app.Name), data, 0o644); err != nil {
		return fmt.Errorf("failed to write app record: %w", err)
	}
	return nil
}
