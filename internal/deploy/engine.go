// Package deploy is the agent's deployment engine: the state machine
// that takes app and site records through create, deploy, stop,
// restart and delete against the container runtime, keeping records,
// containers and the edge's routing table in lockstep.
package deploy

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/siteio/agent/internal/apps"
	"github.com/siteio/agent/internal/gitrepo"
	"github.com/siteio/agent/internal/groups"
	"github.com/siteio/agent/internal/oauth"
	"github.com/siteio/agent/internal/runtime"
	"github.com/siteio/agent/internal/shared/apierrors"
	"github.com/siteio/agent/internal/shared/namelock"
	"github.com/siteio/agent/internal/sites"
)

// GitAdapter is the slice of the git layer the engine drives for
// git-sourced apps.
type GitAdapter interface {
	RepoPath(app string) string
	Clone(ctx context.Context, app, url, branch string) error
	CommitHash(app string) (string, error)
	Remove(app string) error
}

// ProxyRefresher rewrites the edge's dynamic routing config. Called
// after every site mutation that changes routers or middleware wiring.
type ProxyRefresher interface {
	Refresh() error
}

// Engine serializes all mutations per resource name: an app, its
// mirror record and the site behind it share one lock, so concurrent
// API calls against the same name queue up while different names
// proceed in parallel.
type Engine struct {
	domain  string
	apps    *apps.Store
	sites   *sites.Store
	groups  *groups.Store
	oauth   *oauth.Store
	runtime runtime.Runtime
	git     GitAdapter
	edge    ProxyRefresher
	locks   *namelock.Set
	logger  *slog.Logger
}

func NewEngine(
	domain string,
	appStore *apps.Store,
	siteStore *sites.Store,
	groupStore *groups.Store,
	oauthStore *oauth.Store,
	rt runtime.Runtime,
	git GitAdapter,
	edge ProxyRefresher,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		domain:  domain,
		apps:    appStore,
		sites:   siteStore,
		groups:  groupStore,
		oauth:   oauthStore,
		runtime: rt,
		git:     git,
		edge:    edge,
		locks:   namelock.New(),
		logger:  logger,
	}
}

// CreateApp validates and persists a new app record. Nothing is
// deployed until an explicit deploy call.
func (e *Engine) CreateApp(app apps.App) (apps.App, error) {
	app.ApplyDefaults()
	if err := app.Validate(); err != nil {
		return apps.App{}, apierrors.NewValidationError("%s", err)
	}
	if app.Type == apps.TypeStatic {
		return apps.App{}, apierrors.NewValidationError("static apps are created by deploying a site")
	}

	e.locks.Lock(app.Name)
	defer e.locks.Unlock(app.Name)

	created, err := e.apps.Create(app)
	if err != nil {
		if errors.Is(err, apps.ErrAppExists) {
			return apps.App{}, apierrors.NewConflictError("app %q already exists", app.Name)
		}
		return apps.App{}, apierrors.NewInternalError("failed to create app: %v", err)
	}
	return created, nil
}

// AppPatch is a partial app update. Nil fields keep the current value;
// OAuthSet distinguishes "leave the policy alone" from "set it to
// OAuth", where a nil OAuth clears the policy.
type AppPatch struct {
	Image         *string
	Git           *apps.GitSource
	InternalPort  *int
	Env           *map[string]string
	Volumes       *[]apps.Volume
	RestartPolicy *apps.RestartPolicy
	Domains       *[]string
	OAuth         *oauth.Policy
	OAuthSet      bool
}

// touchesWorkload reports whether the patch changes anything beyond the
// access policy.
func (p AppPatch) touchesWorkload() bool {
	return p.Image != nil || p.Git != nil || p.InternalPort != nil ||
		p.Env != nil || p.Volumes != nil || p.RestartPolicy != nil || p.Domains != nil
}

// UpdateApp applies a partial update to an app record. Changes take
// effect on the next deploy. For a deployed static site only the access
// policy is editable here, and the change propagates to the site and
// the proxy config immediately.
func (e *Engine) UpdateApp(name string, patch AppPatch) (apps.App, error) {
	if patch.Image != nil && patch.Git != nil {
		return apps.App{}, apierrors.NewValidationError("set image or git, not both")
	}

	e.locks.Lock(name)
	defer e.locks.Unlock(name)

	app, err := e.apps.Get(name)
	if err != nil {
		if errors.Is(err, apps.ErrAppNotFound) {
			return apps.App{}, apierrors.NewNotFoundError("app")
		}
		return apps.App{}, apierrors.NewInternalError("failed to load app: %v", err)
	}

	if app.Type == apps.TypeStatic && patch.touchesWorkload() {
		return apps.App{}, apierrors.NewValidationError("app %q is a deployed static site; only its oauth policy can be changed here", name)
	}

	if patch.Image != nil {
		src, err := apps.NewImageSource(*patch.Image)
		if err != nil {
			return apps.App{}, apierrors.NewValidationError("%s", err)
		}
		app.Source = src
	}
	if patch.Git != nil {
		src, err := apps.NewGitSource(*patch.Git)
		if err != nil {
			return apps.App{}, apierrors.NewValidationError("%s", err)
		}
		app.Source = src
	}
	if patch.InternalPort != nil {
		app.InternalPort = *patch.InternalPort
	}
	if patch.Env != nil {
		app.Env = *patch.Env
	}
	if patch.Volumes != nil {
		app.Volumes = *patch.Volumes
	}
	if patch.RestartPolicy != nil {
		app.RestartPolicy = *patch.RestartPolicy
	}
	if patch.Domains != nil {
		app.Domains = *patch.Domains
	}
	if patch.OAuthSet {
		if patch.OAuth != nil && !e.oauth.Enabled() {
			return apps.App{}, apierrors.NewValidationError("OAuth is not configured on this server")
		}
		app.OAuth = patch.OAuth
	}

	app.ApplyDefaults()
	if err := app.Validate(); err != nil {
		return apps.App{}, apierrors.NewValidationError("%s", err)
	}

	updated, err := e.apps.Update(app)
	if err != nil {
		return apps.App{}, apierrors.NewInternalError("failed to update app: %v", err)
	}

	if app.Type == apps.TypeStatic && patch.OAuthSet {
		if _, err := e.sites.UpdateOAuth(name, updated.OAuth); err != nil {
			return apps.App{}, apierrors.NewInternalError("failed to update site policy: %v", err)
		}
		if err := e.edge.Refresh(); err != nil {
			return apps.App{}, apierrors.NewInternalError("policy updated but proxy config rewrite failed: %v", err)
		}
	}
	return updated, nil
}

// DeployApp runs the app's deployment to completion: runtime checks,
// image acquisition (pull, or clone and build for git sources),
// container replacement and record update. A failure at any stage
// persists status=failed before surfacing. The work is detached from
// the request context, so a dropped API call never leaves a
// half-replaced container behind.
func (e *Engine) DeployApp(ctx context.Context, name string, noCache bool) (apps.App, error) {
	e.locks.Lock(name)
	defer e.locks.Unlock(name)

	app, err := e.apps.Get(name)
	if err != nil {
		if errors.Is(err, apps.ErrAppNotFound) {
			return apps.App{}, apierrors.NewNotFoundError("app")
		}
		return apps.App{}, apierrors.NewInternalError("failed to load app: %v", err)
	}
	if app.Type == apps.TypeStatic {
		return apps.App{}, apierrors.NewValidationError("app %q is a deployed static site; upload a new archive to redeploy it", name)
	}

	dctx := context.WithoutCancel(ctx)
	logger := e.logger.With("app", name, "deploy_id", uuid.NewString())
	logger.Info("deploying app", "source", app.Source.Kind(), "no_cache", noCache)

	if !e.runtime.IsAvailable(dctx) {
		return apps.App{}, e.failDeploy(app, apierrors.NewInternalError("container runtime is not available"))
	}
	if err := e.runtime.EnsureNetwork(dctx, runtime.NetworkName); err != nil {
		return apps.App{}, e.failDeploy(app, err)
	}

	containerName := apps.ContainerName(name)
	exists, err := e.runtime.ContainerExists(dctx, containerName)
	if err != nil {
		return apps.App{}, e.failDeploy(app, err)
	}
	if exists {
		if err := e.runtime.Remove(dctx, containerName); err != nil {
			return apps.App{}, e.failDeploy(app, err)
		}
	}

	imageToRun, err := e.acquireImage(dctx, &app, noCache)
	if err != nil {
		return apps.App{}, e.failDeploy(app, err)
	}

	requireAuth := app.OAuth != nil && e.oauth.Enabled()
	labels := runtime.TraefikLabels(containerName, app.EffectiveDomains(e.domain), app.InternalPort, requireAuth)

	containerID, err := e.runtime.Run(dctx, runtime.ContainerConfig{
		Name:          containerName,
		Image:         imageToRun,
		Env:           app.Env,
		Volumes:       app.Volumes,
		RestartPolicy: app.RestartPolicy,
		Network:       runtime.NetworkName,
		Labels:        labels,
		InternalPort:  app.InternalPort,
	})
	if err != nil {
		return apps.App{}, e.failDeploy(app, err)
	}

	now := time.Now().UTC()
	app.Status = apps.StatusRunning
	app.ContainerID = containerID
	app.DeployedAt = &now

	saved, err := e.apps.Update(app)
	if err != nil {
		return apps.App{}, apierrors.NewInternalError("app deployed but persisting the record failed: %v", err)
	}
	logger.Info("app deployed", "container_id", containerID, "image", imageToRun)
	return saved, nil
}

// acquireImage resolves the image to run: registry pull for image
// sources, clone and build for git sources. Git sources also record the
// built commit on the app.
func (e *Engine) acquireImage(ctx context.Context, app *apps.App, noCache bool) (string, error) {
	if !app.Source.IsGit() {
		if err := e.runtime.Pull(ctx, app.Source.Image()); err != nil {
			return "", err
		}
		return app.Source.Image(), nil
	}

	git := app.Source.Git()
	if err := e.git.Clone(ctx, app.Name, git.RepoURL, git.Branch); err != nil {
		if errors.Is(err, gitrepo.ErrRepositoryNotFound) || errors.Is(err, gitrepo.ErrBranchNotFound) {
			return "", apierrors.NewValidationError("%s", err).WithCause(err)
		}
		return "", err
	}

	contextPath := e.git.RepoPath(app.Name)
	if git.Context != "" {
		contextPath = filepath.Join(contextPath, git.Context)
	}
	if _, err := os.Stat(filepath.Join(contextPath, git.Dockerfile)); err != nil {
		return "", apierrors.NewValidationError("Dockerfile not found at %s in %s", git.Dockerfile, git.RepoURL)
	}

	tag := apps.ImageTag(app.Name)
	if err := e.runtime.Build(ctx, runtime.BuildOptions{
		ContextPath: contextPath,
		Dockerfile:  git.Dockerfile,
		Tag:         tag,
		NoCache:     noCache,
	}); err != nil {
		return "", err
	}

	hash, err := e.git.CommitHash(app.Name)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	app.CommitHash = hash
	app.LastBuildAt = &now
	return tag, nil
}

// failDeploy persists the failed status and passes the cause through.
func (e *Engine) failDeploy(app apps.App, cause error) error {
	app.Status = apps.StatusFailed
	if _, err := e.apps.Update(app); err != nil {
		e.logger.Error("failed to persist failed status", "app", app.Name, "err", err)
	}
	e.logger.Error("deploy failed", "app", app.Name, "err", cause)
	return cause
}

// StopApp stops the app's container if one exists and marks the record
// stopped either way.
func (e *Engine) StopApp(ctx context.Context, name string) (apps.App, error) {
	e.locks.Lock(name)
	defer e.locks.Unlock(name)

	app, err := e.apps.Get(name)
	if err != nil {
		if errors.Is(err, apps.ErrAppNotFound) {
			return apps.App{}, apierrors.NewNotFoundError("app")
		}
		return apps.App{}, apierrors.NewInternalError("failed to load app: %v", err)
	}

	dctx := context.WithoutCancel(ctx)
	containerName := apps.ContainerName(name)
	exists, err := e.runtime.ContainerExists(dctx, containerName)
	if err != nil {
		return apps.App{}, err
	}
	if exists {
		if err := e.runtime.Stop(dctx, containerName); err != nil {
			return apps.App{}, err
		}
	}

	app.Status = apps.StatusStopped
	saved, err := e.apps.Update(app)
	if err != nil {
		return apps.App{}, apierrors.NewInternalError("failed to persist stopped status: %v", err)
	}
	e.logger.Info("app stopped", "app", name)
	return saved, nil
}

// RestartApp restarts the app's existing container. An app that has
// never been deployed has no container to restart and is refused.
func (e *Engine) RestartApp(ctx context.Context, name string) (apps.App, error) {
	e.locks.Lock(name)
	defer e.locks.Unlock(name)

	app, err := e.apps.Get(name)
	if err != nil {
		if errors.Is(err, apps.ErrAppNotFound) {
			return apps.App{}, apierrors.NewNotFoundError("app")
		}
		return apps.App{}, apierrors.NewInternalError("failed to load app: %v", err)
	}

	dctx := context.WithoutCancel(ctx)
	containerName := apps.ContainerName(name)
	exists, err := e.runtime.ContainerExists(dctx, containerName)
	if err != nil {
		return apps.App{}, err
	}
	if !exists {
		return apps.App{}, apierrors.NewValidationError("app %q has no container yet, deploy first", name)
	}

	if err := e.runtime.Restart(dctx, containerName); err != nil {
		return apps.App{}, err
	}

	app.Status = apps.StatusRunning
	saved, err := e.apps.Update(app)
	if err != nil {
		return apps.App{}, apierrors.NewInternalError("failed to persist running status: %v", err)
	}
	e.logger.Info("app restarted", "app", name)
	return saved, nil
}

// DeleteApp removes the record after a best-effort cleanup of the
// container, the clone and, for git sources, the built image. Cleanup
// failures are logged, never fatal: the record always goes away.
func (e *Engine) DeleteApp(ctx context.Context, name string) error {
	e.locks.Lock(name)
	defer e.locks.Unlock(name)

	app, err := e.apps.Get(name)
	if err != nil {
		if errors.Is(err, apps.ErrAppNotFound) {
			return apierrors.NewNotFoundError("app")
		}
		return apierrors.NewInternalError("failed to load app: %v", err)
	}
	if app.Type == apps.TypeStatic {
		return apierrors.NewValidationError("app %q is a deployed static site; delete the site instead", name)
	}

	dctx := context.WithoutCancel(ctx)
	if err := e.runtime.Remove(dctx, apps.ContainerName(name)); err != nil {
		e.logger.Warn("failed to remove container", "app", name, "err", err)
	}
	if app.Source.IsGit() {
		if err := e.git.Remove(name); err != nil {
			e.logger.Warn("failed to remove clone", "app", name, "err", err)
		}
		if err := e.runtime.RemoveImage(dctx, apps.ImageTag(name)); err != nil {
			e.logger.Warn("failed to remove image", "app", name, "err", err)
		}
	}

	if err := e.apps.Delete(name); err != nil {
		return apierrors.NewInternalError("failed to delete app record: %v", err)
	}
	e.logger.Info("app deleted", "app", name)
	return nil
}

// AppLogs returns the tail of the app container's output.
func (e *Engine) AppLogs(ctx context.Context, name string, tail int) (string, error) {
	app, err := e.apps.Get(name)
	if err != nil {
		if errors.Is(err, apps.ErrAppNotFound) {
			return "", apierrors.NewNotFoundError("app")
		}
		return "", apierrors.NewInternalError("failed to load app: %v", err)
	}

	containerName := apps.ContainerName(app.Name)
	exists, err := e.runtime.ContainerExists(ctx, containerName)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", apierrors.NewValidationError("app %q has no container yet, deploy first", name)
	}
	return e.runtime.Logs(ctx, containerName, tail)
}

// Group mutations share the per-name lock namespace with apps and
// sites; the store itself is also safe, so this only keeps the
// serialization discipline uniform across resources.

func (e *Engine) CreateGroup(name string, emails []string) (groups.Group, error) {
	if err := apps.ValidateName(strings.TrimSpace(name)); err != nil {
		return groups.Group{}, apierrors.NewValidationError("%s", err)
	}

	key := groupKey(name)
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	g, err := e.groups.Create(name, emails)
	if err != nil {
		if errors.Is(err, groups.ErrGroupExists) {
			return groups.Group{}, apierrors.NewConflictError("group %q already exists", key)
		}
		return groups.Group{}, apierrors.NewValidationError("%s", err)
	}
	return g, nil
}

func (e *Engine) DeleteGroup(name string) error {
	key := groupKey(name)
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	if err := e.groups.Delete(name); err != nil {
		if errors.Is(err, groups.ErrGroupNotFound) {
			return apierrors.NewNotFoundError("group")
		}
		return apierrors.NewInternalError("failed to delete group: %v", err)
	}
	return nil
}

func (e *Engine) AddGroupEmails(name string, emails []string) (groups.Group, error) {
	key := groupKey(name)
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	g, err := e.groups.AddEmails(name, emails)
	if err != nil {
		if errors.Is(err, groups.ErrGroupNotFound) {
			return groups.Group{}, apierrors.NewNotFoundError("group")
		}
		return groups.Group{}, apierrors.NewInternalError("failed to update group: %v", err)
	}
	return g, nil
}

func (e *Engine) RemoveGroupEmails(name string, emails []string) (groups.Group, error) {
	key := groupKey(name)
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	g, err := e.groups.RemoveEmails(name, emails)
	if err != nil {
		if errors.Is(err, groups.ErrGroupNotFound) {
			return groups.Group{}, apierrors.NewNotFoundError("group")
		}
		return groups.Group{}, apierrors.NewInternalError("failed to update group: %v", err)
	}
	return g, nil
}

func groupKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
