package sites

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/moby/sys/atomicwriter"
)

// maxHistoryVersions caps how many snapshots a site keeps; the oldest
// are pruned on overflow.
const maxHistoryVersions = 10

var versionFileRe = regexp.MustCompile(`^v(\d+)\.json$`)

// Version is the sidecar record stored next to each snapshot directory.
type Version struct {
	Version    int       `json:"version"`
	DeployedAt time.Time `json:"deployedAt"`
	Size       int64     `json:"size"`
}

func (s *Store) historyPath(sub string) string {
	return filepath.Join(s.historyDir, sub)
}

func (s *Store) versionDir(sub string, version int) string {
	return filepath.Join(s.historyPath(sub), "v"+strconv.Itoa(version))
}

func (s *Store) versionMetaPath(sub string, version int) string {
	return s.versionDir(sub, version) + ".json"
}

// ListVersions returns a site's retained snapshots, newest first. A site
// with no history yields an empty list.
func (s *Store) ListVersions(sub string) ([]Version, error) {
	if err := checkSub(sub); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.historyPath(sub))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read site history: %w", err)
	}

	var versions []Version
	for _, entry := range entries {
		m := versionFileRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		number, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		ver, err := s.readVersion(sub, number)
		if err != nil {
			s.logger.Warn("skipping unreadable site version", "site", sub, "version", number, "err", err)
			continue
		}
		versions = append(versions, ver)
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i].Version > versions[j].Version })
	return versions, nil
}

// Rollback restores snapshot K as the live content. The current content
// is archived first, so a rollback can itself be rolled back. The policy
// and custom domains of the live site carry over; size comes from the
// snapshot's sidecar.
func (s *Store) Rollback(sub string, version int) (Metadata, error) {
	meta, err := s.GetMetadata(sub)
	if err != nil {
		return Metadata{}, err
	}
	ver, err := s.readVersion(sub, version)
	if err != nil {
		return Metadata{}, err
	}

	if _, err := s.snapshot(sub, meta); err != nil {
		return Metadata{}, err
	}

	liveDir := s.SitePath(sub)
	if err := os.RemoveAll(liveDir); err != nil {
		return Metadata{}, fmt.Errorf("failed to clear site directory: %w", err)
	}
	if err := os.MkdirAll(liveDir, 0o755); err != nil {
		return Metadata{}, fmt.Errorf("failed to create site directory: %w", err)
	}
	if err := copyTree(s.versionDir(sub, version), liveDir); err != nil {
		return Metadata{}, fmt.Errorf("failed to restore version %d: %w", version, err)
	}

	files, err := listFiles(liveDir)
	if err != nil {
		return Metadata{}, err
	}

	restored := Metadata{
		Subdomain:  sub,
		Size:       ver.Size,
		DeployedAt: time.Now().UTC(),
		Files:      files,
		Domains:    meta.Domains,
		OAuth:      meta.OAuth,
	}
	if err := s.writeMetadata(restored); err != nil {
		return Metadata{}, err
	}
	s.logger.Info("site rolled back", "site", sub, "version", version)
	return restored, nil
}

// snapshot archives the live directory as the next version and prunes
// old snapshots beyond the retention cap.
func (s *Store) snapshot(sub string, meta Metadata) (int, error) {
	next, err := s.nextVersion(sub)
	if err != nil {
		return 0, err
	}

	dir := s.versionDir(sub, next)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create history directory: %w", err)
	}
	if err := copyTree(s.SitePath(sub), dir); err != nil {
		os.RemoveAll(dir)
		return 0, fmt.Errorf("failed to archive site %q: %w", sub, err)
	}

	sidecar := Version{Version: next, DeployedAt: meta.DeployedAt, Size: meta.Size}
	data, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to encode version record: %w", err)
	}
	if err := atomicwriter.WriteFile(s.versionMetaPath(sub, next), data, 0o644); err != nil {
		return 0, fmt.Errorf("failed to write version record: %w", err)
	}

	s.prune(sub)
	s.logger.Info("site version archived", "site", sub, "version", next)
	return next, nil
}

// nextVersion is one past the highest retained version, so numbering
// keeps increasing even after pruning.
func (s *Store) nextVersion(sub string) (int, error) {
	versions, err := s.ListVersions(sub)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 1, nil
	}
	return versions[0].Version + 1, nil
}

func (s *Store) prune(sub string) {
	versions, err := s.ListVersions(sub)
	if err != nil || len(versions) <= maxHistoryVersions {
		return
	}
	for _, ver := range versions[maxHistoryVersions:] {
		if err := os.RemoveAll(s.versionDir(sub, ver.Version)); err != nil {
			s.logger.Warn("failed to prune site version", "site", sub, "version", ver.Version, "err", err)
			continue
		}
		if err := os.Remove(s.versionMetaPath(sub, ver.Version)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to prune version record", "site", sub, "version", ver.Version, "err", err)
		}
	}
}

func (s *Store) readVersion(sub string, version int) (Version, error) {
	data, err := os.ReadFile(s.versionMetaPath(sub, version))
	if err != nil {
		if os.IsNotExist(err) {
			return Version{}, ErrVersionNotFound
		}
		return Version{}, fmt.Errorf("failed to read version record: %w", err)
	}
	var ver Version
	if err := json.Unmarshal(data, &ver); err != nil {
		return Version{}, fmt.Errorf("failed to parse version record: %w", err)
	}
	if _, err := os.Stat(s.versionDir(sub, version)); err != nil {
		if os.IsNotExist(err) {
			return Version{}, ErrVersionNotFound
		}
		return Version{}, fmt.Errorf("failed to stat version directory: %w", err)
	}
	return ver, nil
}
