// Package gitrepo manages the per-app clones git-sourced apps are
// built from.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

var (
	ErrBranchNotFound     = errors.New("branch not found")
	ErrRepositoryNotFound = errors.New("repository not found")
)

// Adapter owns the repos tree under the data root: one clone per app,
// replaced wholesale on every deploy.
type Adapter struct {
	reposDir string
	logger   *slog.Logger
}

func NewAdapter(dataDir string, logger *slog.Logger) (*Adapter, error) {
	dir := filepath.Join(dataDir, "repos")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create repos directory: %w", err)
	}
	return &Adapter{reposDir: dir, logger: logger}, nil
}

// RepoPath is where an app's clone lives.
func (a *Adapter) RepoPath(app string) string {
	return filepath.Join(a.reposDir, app)
}

// Exists reports whether an app has a clone on disk.
func (a *Adapter) Exists(app string) bool {
	_, err := os.Stat(a.RepoPath(app))
	return err == nil
}

// Clone performs a fresh shallow single-branch checkout, replacing any
// prior clone. Building from a stale worktree is never worth the
// disk-space savings. Servers that refuse shallow fetches get a full
// clone instead.
func (a *Adapter) Clone(ctx context.Context, app, url, branch string) error {
	dir := a.RepoPath(app)
	a.logger.Info("cloning repository", "app", app, "url", url, "branch", branch)

	err := a.clone(ctx, dir, url, branch, 1)
	if err != nil && strings.Contains(err.Error(), "shallow") {
		a.logger.Warn("shallow clone refused, retrying full clone", "app", app, "url", url)
		err = a.clone(ctx, dir, url, branch, 0)
	}
	if err != nil {
		os.RemoveAll(dir)
		return classifyCloneError(err, url, branch)
	}
	return nil
}

func (a *Adapter) clone(ctx context.Context, dir, url, branch string, depth int) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear clone directory: %w", err)
	}
	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           url,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         depth,
	})
	return err
}

// classifyCloneError maps go-git failures to the two conditions an
// operator can act on. Everything else is passed through wrapped.
func classifyCloneError(err error, url, branch string) error {
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return fmt.Errorf("%w: %s", ErrRepositoryNotFound, url)
	case errors.Is(err, plumbing.ErrReferenceNotFound),
		strings.Contains(err.Error(), "couldn't find remote ref"),
		strings.Contains(err.Error(), "reference not found"):
		return fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	default:
		return fmt.Errorf("failed to clone %s: %w", url, err)
	}
}

// CommitHash returns the 40-hex HEAD of an app's clone.
func (a *Adapter) CommitHash(app string) (string, error) {
	repo, err := git.PlainOpen(a.RepoPath(app))
	if err != nil {
		return "", fmt.Errorf("failed to open clone of %s: %w", app, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD of %s: %w", app, err)
	}
	return head.Hash().String(), nil
}

// Remove deletes an app's clone.
func (a *Adapter) Remove(app string) error {
	if err := os.RemoveAll(a.RepoPath(app)); err != nil {
		return fmt.Errorf("failed to remove clone of %s: %w", app, err)
	}
	return nil
}
