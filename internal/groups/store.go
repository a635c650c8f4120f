package groups

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/moby/sys/atomicwriter"
	"github.com/samber/lo"
)

var (
	ErrGroupNotFound = errors.New("group not found")
	ErrGroupExists   = errors.New("group already exists")
)

// Group is a named set of emails referenced by OAuth policies.
type Group struct {
	Name   string   `json:"name"`
	Emails []string `json:"emails"`
}

// Store persists groups as a single JSON array at <data>/groups.json.
// Names and emails are case-folded at the boundary; every mutation
// rewrites the whole file atomically.
type Store struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	groups map[string]*Group
}

func NewStore(dataDir string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		path:   filepath.Join(dataDir, "groups.json"),
		logger: logger,
		groups: make(map[string]*Group),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read groups file: %w", err)
	}

	var list []Group
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("failed to parse groups file at %s: %w", s.path, err)
	}

	for i := range list {
		g := list[i]
		g.Name = strings.ToLower(g.Name)
		g.Emails = normalizeEmails(g.Emails)
		s.groups[g.Name] = &g
	}
	return nil
}

// persist writes the full group list. Caller holds the write lock.
func (s *Store) persist() error {
	list := lo.Map(lo.Values(s.groups), func(g *Group, _ int) Group { return *g })
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal groups: %w", err)
	}
	if err := atomicwriter.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write groups file: %w", err)
	}
	return nil
}

// List returns all groups sorted by name.
func (s *Store) List() []Group {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := lo.Map(lo.Values(s.groups), func(g *Group, _ int) Group { return *g })
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

func (s *Store) Get(name string) (Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[strings.ToLower(name)]
	if !ok {
		return Group{}, ErrGroupNotFound
	}
	return *g, nil
}

func (s *Store) Create(name string, emails []string) (Group, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Group{}, fmt.Errorf("group name must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[name]; ok {
		return Group{}, ErrGroupExists
	}

	g := &Group{Name: name, Emails: normalizeEmails(emails)}
	s.groups[name] = g
	if err := s.persist(); err != nil {
		delete(s.groups, name)
		return Group{}, err
	}

	s.logger.Info("created group", "name", name, "members", len(g.Emails))
	return *g, nil
}

func (s *Store) Delete(name string) error {
	name = strings.ToLower(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[name]
	if !ok {
		return ErrGroupNotFound
	}

	delete(s.groups, name)
	if err := s.persist(); err != nil {
		s.groups[name] = g
		return err
	}

	s.logger.Info("deleted group", "name", name)
	return nil
}

// AddEmails adds members to a group and returns the updated group.
func (s *Store) AddEmails(name string, emails []string) (Group, error) {
	name = strings.ToLower(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[name]
	if !ok {
		return Group{}, ErrGroupNotFound
	}

	before := g.Emails
	g.Emails = lo.Uniq(append(g.Emails, normalizeEmails(emails)...))
	sort.Strings(g.Emails)
	if err := s.persist(); err != nil {
		g.Emails = before
		return Group{}, err
	}
	return *g, nil
}

// RemoveEmails removes members from a group and returns the updated group.
// Emails not in the group are ignored.
func (s *Store) RemoveEmails(name string, emails []string) (Group, error) {
	name = strings.ToLower(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[name]
	if !ok {
		return Group{}, ErrGroupNotFound
	}

	drop := normalizeEmails(emails)
	before := g.Emails
	g.Emails = lo.Without(g.Emails, drop...)
	if err := s.persist(); err != nil {
		g.Emails = before
		return Group{}, err
	}
	return *g, nil
}

// ResolveGroups returns the union of member emails across the named
// groups. Unknown names are silently ignored so a policy referencing a
// deleted group degrades to fewer allowed users, never an error.
func (s *Store) ResolveGroups(names []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var members []string
	for _, name := range names {
		if g, ok := s.groups[strings.ToLower(name)]; ok {
			members = append(members, g.Emails...)
		}
	}

	members = lo.Uniq(members)
	sort.Strings(members)
	return members
}

func normalizeEmails(emails []string) []string {
	return lo.Uniq(lo.FilterMap(emails, func(e string, _ int) (string, bool) {
		e = strings.ToLower(strings.TrimSpace(e))
		return e, e != ""
	}))
}
