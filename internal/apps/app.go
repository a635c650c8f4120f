package apps

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/siteio/agent/internal/oauth"
)

// NamePrefix is prepended to every managed container and image name so
// agent-owned resources are recognizable on a shared Docker host.
const NamePrefix = "siteio-"

// StaticServerImage is the shared static-file server that serves every
// deployed site. Site mirror records reference it as their image.
const StaticServerImage = "nginx:alpine"

// StaticServerRoot is where the static server expects a site's files,
// and what a mirror record mounts its site directory onto.
const StaticServerRoot = "/usr/share/nginx/html"

// ContainerName returns the on-host container name for an app.
func ContainerName(appName string) string {
	return NamePrefix + appName
}

// ImageTag returns the local image tag git-sourced apps build into.
func ImageTag(appName string) string {
	return fmt.Sprintf("%s%s:latest", NamePrefix, appName)
}

type AppType string

const (
	TypeContainer AppType = "container"
	TypeStatic    AppType = "static"
)

type AppStatus string

const (
	StatusPending AppStatus = "pending"
	StatusRunning AppStatus = "running"
	StatusStopped AppStatus = "stopped"
	StatusFailed  AppStatus = "failed"
)

type RestartPolicy string

const (
	RestartAlways        RestartPolicy = "always"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartNo            RestartPolicy = "no"
)

func (p RestartPolicy) Valid() bool {
	switch p {
	case RestartAlways, RestartUnlessStopped, RestartOnFailure, RestartNo:
		return true
	}
	return false
}

// Volume mounts a host path into the container. A HostName starting with
// "/" is used as the absolute host path; anything else names a managed
// per-app directory under <data>/volumes/<app>/<hostName>.
type Volume struct {
	HostName  string `json:"hostName"`
	MountPath string `json:"mountPath"`
	ReadOnly  bool   `json:"readonly,omitempty"`
}

// GitSource describes a repository an app is built from.
type GitSource struct {
	RepoURL    string `json:"repoUrl"`
	Branch     string `json:"branch"`
	Dockerfile string `json:"dockerfile"`
	Context    string `json:"context,omitempty"`
}

type SourceKind string

const (
	SourceImage SourceKind = "image"
	SourceGit   SourceKind = "git"
)

// Source is where an app's image comes from: a registry reference or a
// git repository built with a Dockerfile. Exactly one variant is set;
// use NewImageSource or NewGitSource to construct one.
type Source struct {
	kind  SourceKind
	image string
	git   *GitSource
}

// NewImageSource builds a registry-image source.
func NewImageSource(ref string) (Source, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Source{}, fmt.Errorf("image reference must not be empty")
	}
	return Source{kind: SourceImage, image: ref}, nil
}

// NewGitSource builds a git source, applying the branch and dockerfile
// defaults.
func NewGitSource(cfg GitSource) (Source, error) {
	cfg.RepoURL = strings.TrimSpace(cfg.RepoURL)
	if cfg.RepoURL == "" {
		return Source{}, fmt.Errorf("git repoUrl must not be empty")
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.Dockerfile == "" {
		cfg.Dockerfile = "Dockerfile"
	}
	cfg.Context = strings.Trim(cfg.Context, "/")
	return Source{kind: SourceGit, git: &cfg}, nil
}

func (s Source) Kind() SourceKind { return s.kind }
func (s Source) IsZero() bool     { return s.kind == "" }
func (s Source) IsGit() bool      { return s.kind == SourceGit }

// Image returns the registry reference for image sources, "" otherwise.
func (s Source) Image() string { return s.image }

// Git returns the git config for git sources, nil otherwise.
func (s Source) Git() *GitSource {
	if s.git == nil {
		return nil
	}
	g := *s.git
	return &g
}

// App is the durable record of a deployable workload.
type App struct {
	Name          string
	Source        Source
	Type          AppType
	InternalPort  int
	Env           map[string]string
	Volumes       []Volume
	RestartPolicy RestartPolicy
	Domains       []string
	OAuth         *oauth.Policy

	Status      AppStatus
	ContainerID string
	DeployedAt  *time.Time
	CommitHash  string
	LastBuildAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// appJSON is the wire and disk shape. The source sum type flattens into
// the image/git field pair; git-sourced apps also report the derived
// local image tag.
type appJSON struct {
	Name          string            `json:"name"`
	Image         string            `json:"image,omitempty"`
	Git           *GitSource        `json:"git,omitempty"`
	Type          AppType           `json:"type"`
	InternalPort  int               `json:"internalPort,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Volumes       []Volume          `json:"volumes,omitempty"`
	RestartPolicy RestartPolicy     `json:"restartPolicy"`
	Domains       []string          `json:"domains,omitempty"`
	OAuth         *oauth.Policy     `json:"oauth,omitempty"`
	Status        AppStatus         `json:"status"`
	ContainerID   string            `json:"containerId,omitempty"`
	DeployedAt    *time.Time        `json:"deployedAt,omitempty"`
	CommitHash    string            `json:"commitHash,omitempty"`
	LastBuildAt   *time.Time        `json:"lastBuildAt,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

func (a App) MarshalJSON() ([]byte, error) {
	out := appJSON{
		Name:          a.Name,
		Type:          a.Type,
		InternalPort:  a.InternalPort,
		Env:           a.Env,
		Volumes:       a.Volumes,
		RestartPolicy: a.RestartPolicy,
		Domains:       a.Domains,
		OAuth:         a.OAuth,
		Status:        a.Status,
		ContainerID:   a.ContainerID,
		DeployedAt:    a.DeployedAt,
		CommitHash:    a.CommitHash,
		LastBuildAt:   a.LastBuildAt,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}

	switch a.Source.kind {
	case SourceImage:
		out.Image = a.Source.image
	case SourceGit:
		out.Git = a.Source.Git()
		out.Image = ImageTag(a.Name)
	}

	return json.Marshal(out)
}

func (a *App) UnmarshalJSON(data []byte) error {
	var in appJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	var src Source
	var err error
	switch {
	case in.Git != nil:
		// The image field of a git-sourced record is the derived local
		// tag and is recomputed, never read back.
		src, err = NewGitSource(*in.Git)
	case in.Image != "":
		src, err = NewImageSource(in.Image)
	default:
		err = fmt.Errorf("app %q has no source", in.Name)
	}
	if err != nil {
		return err
	}

	*a = App{
		Name:          in.Name,
		Source:        src,
		Type:          in.Type,
		InternalPort:  in.InternalPort,
		Env:           in.Env,
		Volumes:       in.Volumes,
		RestartPolicy: in.RestartPolicy,
		Domains:       in.Domains,
		OAuth:         in.OAuth,
		Status:        in.Status,
		ContainerID:   in.ContainerID,
		DeployedAt:    in.DeployedAt,
		CommitHash:    in.CommitHash,
		LastBuildAt:   in.LastBuildAt,
		CreatedAt:     in.CreatedAt,
		UpdatedAt:     in.UpdatedAt,
	}
	return nil
}

// Info is the list view of an app: everything except env and volumes.
type Info struct {
	Name          string        `json:"name"`
	Image         string        `json:"image,omitempty"`
	Git           *GitSource    `json:"git,omitempty"`
	Type          AppType       `json:"type"`
	InternalPort  int           `json:"internalPort,omitempty"`
	RestartPolicy RestartPolicy `json:"restartPolicy"`
	Domains       []string      `json:"domains,omitempty"`
	OAuth         *oauth.Policy `json:"oauth,omitempty"`
	Status        AppStatus     `json:"status"`
	ContainerID   string        `json:"containerId,omitempty"`
	DeployedAt    *time.Time    `json:"deployedAt,omitempty"`
	CommitHash    string        `json:"commitHash,omitempty"`
	LastBuildAt   *time.Time    `json:"lastBuildAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// ToInfo strips volumes and env for list views.
func (a App) ToInfo() Info {
	info := Info{
		Name:          a.Name,
		Type:          a.Type,
		InternalPort:  a.InternalPort,
		RestartPolicy: a.RestartPolicy,
		Domains:       a.Domains,
		OAuth:         a.OAuth,
		Status:        a.Status,
		ContainerID:   a.ContainerID,
		DeployedAt:    a.DeployedAt,
		CommitHash:    a.CommitHash,
		LastBuildAt:   a.LastBuildAt,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
	switch a.Source.kind {
	case SourceImage:
		info.Image = a.Source.image
	case SourceGit:
		info.Git = a.Source.Git()
		info.Image = ImageTag(a.Name)
	}
	return info
}

// EffectiveDomains returns the app's domains, defaulting to
// <name>.<operatorDomain> when none are set.
func (a App) EffectiveDomains(operatorDomain string) []string {
	if len(a.Domains) > 0 {
		return a.Domains
	}
	return []string{a.Name + "." + operatorDomain}
}

// NewStaticSiteApp builds the mirror record for a deployed static site:
// the shared static server with the site directory mounted read-only.
func NewStaticSiteApp(name, sitePath string, policy *oauth.Policy) App {
	src, _ := NewImageSource(StaticServerImage)
	return App{
		Name:         name,
		Source:       src,
		Type:         TypeStatic,
		InternalPort: 80,
		Volumes: []Volume{{
			HostName:  sitePath,
			MountPath: StaticServerRoot,
			ReadOnly:  true,
		}},
		RestartPolicy: RestartUnlessStopped,
		OAuth:         policy,
	}
}

// nameRe matches lowercase DNS-label style names: it must start and end
// with an alphanumeric and may contain hyphens in between.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$|^[a-z0-9]$`)

// ValidateName checks app and site names. Names become subdomain labels,
// so they follow DNS label rules, and "api" is reserved for the control
// plane itself.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if name == "api" {
		return fmt.Errorf("name %q is reserved", name)
	}
	if len(name) > 63 {
		return fmt.Errorf("name %q exceeds 63 characters", name)
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid name %q: use lowercase letters, digits and hyphens, starting and ending with a letter or digit", name)
	}
	return nil
}

// ApplyDefaults fills the type, restart policy and static port defaults
// and normalizes domains and the policy. Idempotent; the store applies
// it before persisting and callers may apply it before validating.
func (a *App) ApplyDefaults() {
	if a.Type == "" {
		a.Type = TypeContainer
	}
	if a.RestartPolicy == "" {
		a.RestartPolicy = RestartUnlessStopped
	}
	if a.Type == TypeStatic && a.InternalPort == 0 {
		a.InternalPort = 80
	}
	a.Domains = lo.Uniq(lo.FilterMap(a.Domains, func(d string, _ int) (string, bool) {
		d = strings.ToLower(strings.TrimSpace(d))
		return d, d != ""
	}))
	if a.OAuth != nil {
		a.OAuth.Normalize()
	}
}

// Validate checks the full record before it is persisted.
func (a *App) Validate() error {
	if err := ValidateName(a.Name); err != nil {
		return err
	}
	if a.Source.IsZero() {
		return fmt.Errorf("app %q has no source: set image or git", a.Name)
	}
	switch a.Type {
	case TypeContainer, TypeStatic:
	default:
		return fmt.Errorf("invalid app type %q", a.Type)
	}
	if a.Type == TypeContainer && (a.InternalPort < 1 || a.InternalPort > 65535) {
		return fmt.Errorf("internalPort must be between 1 and 65535, got %d", a.InternalPort)
	}
	if !a.RestartPolicy.Valid() {
		return fmt.Errorf("invalid restartPolicy %q", a.RestartPolicy)
	}
	for _, v := range a.Volumes {
		if v.HostName == "" {
			return fmt.Errorf("volume hostName must not be empty")
		}
		if !strings.HasPrefix(v.MountPath, "/") {
			return fmt.Errorf("volume mountPath %q must be absolute", v.MountPath)
		}
	}
	for _, d := range a.Domains {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("domains must not contain empty entries")
		}
	}
	return nil
}
