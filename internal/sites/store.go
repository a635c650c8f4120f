package sites

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

	"github.com/docker/go-units"
	"github.com/moby/sys/atomicwriter"

	"github.com/siteio/agent/internal/oauth"
)

var (
	ErrSiteNotFound    = errors.New("site not found")
	ErrVersionNotFound = errors.New("site version not found")
	ErrBadArchive      = errors.New("invalid site archive")
)

// Metadata is the durable record of a deployed site.
type Metadata struct {
	Subdomain  string        `json:"subdomain"`
	Size       int64         `json:"size"`
	DeployedAt time.Time     `json:"deployedAt"`
	Files      []string      `json:"files"`
	Domains    []string      `json:"domains,omitempty"`
	OAuth      *oauth.Policy `json:"oauth,omitempty"`
}

// Store owns the sites, metadata and history trees under the data root.
// Everything it writes is world-readable so the static server, which
// runs as its own uid, can read site files directly off the bind mount.
type Store struct {
	sitesDir   string
	metaDir    string
	historyDir string
	logger     *slog.Logger
}

func NewStore(dataDir string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		sitesDir:   filepath.Join(dataDir, "sites"),
		metaDir:    filepath.Join(dataDir, "metadata"),
		historyDir: filepath.Join(dataDir, "history"),
		logger:     logger,
	}
	for _, dir := range []string{s.sitesDir, s.metaDir, s.historyDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create site store directory: %w", err)
		}
	}
	return s, nil
}

// SitesRoot is the directory the static server mounts.
func (s *Store) SitesRoot() string { return s.sitesDir }

// SitePath returns the live directory of a site.
func (s *Store) SitePath(sub string) string {
	return filepath.Join(s.sitesDir, sub)
}

func (s *Store) metaPath(sub string) string {
	return filepath.Join(s.metaDir, sub+".json")
}

// Exists reports whether a site is currently deployed.
func (s *Store) Exists(sub string) bool {
	_, err := os.Stat(s.metaPath(sub))
	return err == nil
}

// GetMetadata returns a deployed site's record, or ErrSiteNotFound.
func (s *Store) GetMetadata(sub string) (Metadata, error) {
	data, err := os.ReadFile(s.metaPath(sub))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, ErrSiteNotFound
		}
		return Metadata{}, fmt.Errorf("failed to read site metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse site metadata for %q: %w", sub, err)
	}
	return meta, nil
}

// List returns every deployed site, most recently deployed first.
func (s *Store) List() ([]Metadata, error) {
	entries, err := os.ReadDir(s.metaDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata directory: %w", err)
	}

	var sites []Metadata
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		meta, err := s.GetMetadata(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			if errors.Is(err, ErrSiteNotFound) {
				continue
			}
			s.logger.Warn("skipping unreadable site metadata", "file", entry.Name(), "err", err)
			continue
		}
		sites = append(sites, meta)
	}

	sort.Slice(sites, func(i, j int) bool { return sites[i].DeployedAt.After(sites[j].DeployedAt) })
	return sites, nil
}

// ExtractAndStore unpacks an uploaded archive as the new live content of
// the site. An already-deployed site is snapshotted into history first.
// A nil policy keeps the previous one; custom domains carry over too.
func (s *Store) ExtractAndStore(sub string, zipBytes []byte, policy *oauth.Policy) (Metadata, error) {
	if err := checkSub(sub); err != nil {
		return Metadata{}, err
	}

	prev, err := s.GetMetadata(sub)
	deployed := err == nil
	if err != nil && !errors.Is(err, ErrSiteNotFound) {
		return Metadata{}, err
	}
	if deployed {
		if _, err := s.snapshot(sub, prev); err != nil {
			return Metadata{}, err
		}
	}

	liveDir := s.SitePath(sub)
	if err := os.RemoveAll(liveDir); err != nil {
		return Metadata{}, fmt.Errorf("failed to clear site directory: %w", err)
	}
	if err := os.MkdirAll(liveDir, 0o755); err != nil {
		return Metadata{}, fmt.Errorf("failed to create site directory: %w", err)
	}

	files, size, err := extractZip(liveDir, zipBytes)
	if err != nil {
		return Metadata{}, err
	}

	meta := Metadata{
		Subdomain:  sub,
		Size:       size,
		DeployedAt: time.Now().UTC(),
		Files:      files,
	}
	if deployed {
		meta.OAuth = prev.OAuth
		meta.Domains = prev.Domains
	}
	if policy != nil {
		policy.Normalize()
		meta.OAuth = policy
	}

	if err := s.writeMetadata(meta); err != nil {
		return Metadata{}, err
	}
	s.logger.Info("site deployed", "site", sub, "files", len(files), "size", units.HumanSize(float64(size)))
	return meta, nil
}

// UpdateOAuth replaces the site's policy; nil makes the site public.
func (s *Store) UpdateOAuth(sub string, policy *oauth.Policy) (Metadata, error) {
	meta, err := s.GetMetadata(sub)
	if err != nil {
		return Metadata{}, err
	}
	if policy != nil {
		policy.Normalize()
	}
	meta.OAuth = policy
	if err := s.writeMetadata(meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// Zip re-archives the live directory for download.
func (s *Store) Zip(sub string) ([]byte, error) {
	if !s.Exists(sub) {
		return nil, ErrSiteNotFound
	}
	return buildZip(s.SitePath(sub))
}

// Delete removes the live directory and metadata. History stays on disk
// so an operator can still inspect prior versions manually.
func (s *Store) Delete(sub string) error {
	if !s.Exists(sub) {
		return ErrSiteNotFound
	}
	if err := os.RemoveAll(s.SitePath(sub)); err != nil {
		return fmt.Errorf("failed to remove site directory: %w", err)
	}
	if err := os.Remove(s.metaPath(sub)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove site metadata: %w", err)
	}
	s.logger.Info("site deleted", "site", sub)
	return nil
}

func (s *Store) writeMetadata(meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode site metadata: %w", err)
	}
	if err := atomicwriter.WriteFile(s.metaPath(meta.Subdomain), data, 0o644); err != nil {
		return fmt.Errorf("failed to write site metadata: %w", err)
	}
	return nil
}

// checkSub guards path construction. Full name validation happens at the
// API boundary; this only rejects anything that could escape the store's
// directories.
func checkSub(sub string) error {
	if sub == "" || strings.ContainsAny(sub, "/\\") || strings.Contains(sub, "..") {
		return fmt.Errorf("invalid subdomain %q", sub)
	}
	return nil
}
