package gitrepo

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelError}))
	adapter, err := NewAdapter(t.TempDir(), logger)
	require.NoError(t, err)
	return adapter
}

// initRepo creates a local repository with a single commit on main and
// returns its path and the commit hash.
func initRepo(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("Dockerfile")
	require.NoError(t, err)

	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	return dir, hash.String()
}

func TestCloneAndCommitHash(t *testing.T) {
	adapter := newTestAdapter(t)
	origin, want := initRepo(t)

	require.NoError(t, adapter.Clone(context.Background(), "web", origin, "main"))
	assert.True(t, adapter.Exists("web"))
	assert.FileExists(t, filepath.Join(adapter.RepoPath("web"), "Dockerfile"))

	hash, err := adapter.CommitHash("web")
	require.NoError(t, err)
	assert.Equal(t, want, hash)
	assert.Len(t, hash, 40)
}

func TestCloneReplacesPreviousClone(t *testing.T) {
	adapter := newTestAdapter(t)
	origin, _ := initRepo(t)

	require.NoError(t, adapter.Clone(context.Background(), "web", origin, "main"))

	stale := filepath.Join(adapter.RepoPath("web"), "stale.txt")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	require.NoError(t, adapter.Clone(context.Background(), "web", origin, "main"))
	assert.NoFileExists(t, stale)
}

func TestCloneBranchNotFound(t *testing.T) {
	adapter := newTestAdapter(t)
	origin, _ := initRepo(t)

	err := adapter.Clone(context.Background(), "web", origin, "does-not-exist")
	assert.ErrorIs(t, err, ErrBranchNotFound)
	assert.False(t, adapter.Exists("web"))
}

func TestCloneRepositoryNotFound(t *testing.T) {
	adapter := newTestAdapter(t)

	err := adapter.Clone(context.Background(), "web", filepath.Join(t.TempDir(), "nope"), "main")
	assert.ErrorIs(t, err, ErrRepositoryNotFound)
}

func TestRemove(t *testing.T) {
	adapter := newTestAdapter(t)
	origin, _ := initRepo(t)

	require.NoError(t, adapter.Clone(context.Background(), "web", origin, "main"))
	require.NoError(t, adapter.Remove("web"))
	assert.False(t, adapter.Exists("web"))

	// Removing a clone that is already gone is fine.
	require.NoError(t, adapter.Remove("web"))
}

func TestClassifyCloneError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"repo missing", transport.ErrRepositoryNotFound, ErrRepositoryNotFound},
		{"reference missing", plumbing.ErrReferenceNotFound, ErrBranchNotFound},
		{"remote ref message", errors.New("couldn't find remote ref refs/heads/dev"), ErrBranchNotFound},
		{"generic", errors.New("connection refused"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyCloneError(tt.err, "https://example.com/repo.git", "dev")
			if tt.want != nil {
				assert.ErrorIs(t, got, tt.want)
			} else {
				assert.NotErrorIs(t, got, ErrBranchNotFound)
				assert.NotErrorIs(t, got, ErrRepositoryNotFound)
			}
		})
	}
}
