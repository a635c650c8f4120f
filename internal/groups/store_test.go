package groups

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelError}))
	s, err := NewStore(dir, logger)
	require.NoError(t, err)
	return s, dir
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newTestStore(t)

	g, err := s.Create("Admins", []string{"Alice@X.com", "bob@y.com", "alice@x.com"})
	require.NoError(t, err)
	assert.Equal(t, "admins", g.Name)
	assert.ElementsMatch(t, []string{"alice@x.com", "bob@y.com"}, g.Emails)

	got, err := s.Get("ADMINS")
	require.NoError(t, err)
	assert.Equal(t, g, got)
}

func TestCreateDuplicate(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Create("admins", nil)
	require.NoError(t, err)
	_, err = s.Create("Admins", nil)
	assert.ErrorIs(t, err, ErrGroupExists)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	s, dir := newTestStore(t)
	_, err := s.Create("devs", []string{"dev@x.com"})
	require.NoError(t, err)

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelError}))
	reopened, err := NewStore(dir, logger)
	require.NoError(t, err)

	g, err := reopened.Get("devs")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev@x.com"}, g.Emails)

	_, err = os.Stat(filepath.Join(dir, "groups.json"))
	assert.NoError(t, err)
}

func TestAddRemoveEmails(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create("devs", []string{"a@x.com"})
	require.NoError(t, err)

	g, err := s.AddEmails("devs", []string{"B@X.com", "a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, g.Emails)

	g, err = s.RemoveEmails("devs", []string{"A@x.com", "ghost@x.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b@x.com"}, g.Emails)
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create("devs", nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete("devs"))
	_, err = s.Get("devs")
	assert.ErrorIs(t, err, ErrGroupNotFound)
	assert.ErrorIs(t, s.Delete("devs"), ErrGroupNotFound)
}

func TestResolveGroups(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create("admins", []string{"a@x.com", "b@x.com"})
	require.NoError(t, err)
	_, err = s.Create("devs", []string{"b@x.com", "c@x.com"})
	require.NoError(t, err)

	union := s.ResolveGroups([]string{"Admins", "devs", "unknown"})
	assert.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com"}, union)

	assert.Empty(t, s.ResolveGroups([]string{"nope"}))
	assert.Empty(t, s.ResolveGroups(nil))
}
