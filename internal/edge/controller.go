// Package edge drives the reverse proxy, the shared static-file server
// and the OIDC sidecar: it writes their configuration, supervises the
// three containers on the shared network, and reports the TLS state the
// proxy has actually achieved.
package edge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/siteio/agent/internal/apps"
	"github.com/siteio/agent/internal/oauth"
	"github.com/siteio/agent/internal/runtime"
	"github.com/siteio/agent/internal/sites"
)

// Managed infra container names. They carry the same prefix as app
// containers so everything the agent owns is recognizable at a glance.
const (
	ProxyContainer   = "siteio-traefik"
	StaticContainer  = "siteio-static"
	SidecarContainer = "siteio-oauth2"
)

const (
	proxyImage   = "traefik:v3"
	sidecarImage = "quay.io/oauth2-proxy/oauth2-proxy:v7"

	// sidecarPort is where oauth2-proxy listens inside the network.
	sidecarPort = 4180

	// Readiness polling: 500 ms cadence bounded at 30 s.
	readyDelay    = 500 * time.Millisecond
	readyAttempts = 60
)

// Config carries what the controller needs to render proxy and static
// server configuration.
type Config struct {
	Domain    string
	Email     string
	DataDir   string
	HTTPPort  int
	HTTPSPort int

	// APIPort is the control plane's host port, reached from inside
	// containers through the host gateway.
	APIPort int

	// AdminPort is the proxy admin API, published on the host loopback
	// only.
	AdminPort int
}

// SiteLister provides the current site list for dynamic-config rewrites.
type SiteLister interface {
	List() ([]sites.Metadata, error)
}

// Controller owns the proxy config files and the three managed infra
// containers. Dynamic-config writes are serialized and atomic because
// the proxy watches the file.
type Controller struct {
	cfg     Config
	runtime runtime.Runtime
	sites   SiteLister
	oauth   *oauth.Store
	logger  *slog.Logger

	adminURL  string
	probeAddr func(host string) string

	mu sync.Mutex
}

func NewController(cfg Config, rt runtime.Runtime, lister SiteLister, oauthStore *oauth.Store, logger *slog.Logger) (*Controller, error) {
	c := &Controller{
		cfg:       cfg,
		runtime:   rt,
		sites:     lister,
		oauth:     oauthStore,
		logger:    logger,
		adminURL:  fmt.Sprintf("http://127.0.0.1:%d", cfg.AdminPort),
		probeAddr: defaultProbeAddr,
	}

	for _, dir := range []string{c.traefikDir(), c.certsDir(), c.nginxDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create edge directory: %w", err)
		}
	}
	return c, nil
}

func (c *Controller) traefikDir() string { return filepath.Join(c.cfg.DataDir, "traefik") }
func (c *Controller) certsDir() string   { return filepath.Join(c.cfg.DataDir, "certs") }
func (c *Controller) nginxDir() string   { return filepath.Join(c.cfg.DataDir, "nginx") }

func (c *Controller) staticConfigPath() string {
	return filepath.Join(c.traefikDir(), "traefik.yml")
}

func (c *Controller) dynamicConfigPath() string {
	return filepath.Join(c.traefikDir(), "dynamic.yml")
}

func (c *Controller) nginxConfigPath() string {
	return filepath.Join(c.nginxDir(), "default.conf")
}

func (c *Controller) acmeStorePath() string {
	return filepath.Join(c.certsDir(), "acme.json")
}

// controlPlaneURL is how containers on the shared network reach the
// control plane listener on the host.
func (c *Controller) controlPlaneURL() string {
	return fmt.Sprintf("http://host.docker.internal:%d", c.cfg.APIPort)
}

// Start brings the edge up: configuration on disk first, then the
// proxy, the static server and, when OIDC is configured, the sidecar.
// Stale containers from a previous run are replaced, and each container
// must reach the running state before the next one starts.
func (c *Controller) Start(ctx context.Context) error {
	c.logger.Info("starting edge controller", "domain", c.cfg.Domain)

	if err := c.ensureACMEStore(); err != nil {
		return err
	}
	if err := c.writeStaticConfig(); err != nil {
		return err
	}
	if err := c.writeNginxConfig(); err != nil {
		return err
	}
	if err := c.Refresh(); err != nil {
		return err
	}

	if err := c.waitRuntime(ctx); err != nil {
		return err
	}
	if err := c.runtime.EnsureNetwork(ctx, runtime.NetworkName); err != nil {
		return err
	}

	for _, name := range []string{SidecarContainer, StaticContainer, ProxyContainer} {
		if err := c.runtime.Remove(ctx, name); err != nil {
			return fmt.Errorf("failed to remove stale container %s: %w", name, err)
		}
	}

	if err := c.startProxy(ctx); err != nil {
		return err
	}
	if err := c.startStatic(ctx); err != nil {
		return err
	}
	if cfg := c.oauth.Current(); cfg != nil {
		if err := c.startSidecar(ctx, cfg); err != nil {
			return err
		}
	}

	c.logger.Info("edge is up", "oidc", c.oauth.Enabled())
	return nil
}

// Stop stops the managed containers in reverse start order. They are
// kept on disk so the next start replaces them with fresh ones.
func (c *Controller) Stop(ctx context.Context) {
	for _, name := range []string{SidecarContainer, StaticContainer, ProxyContainer} {
		exists, err := c.runtime.ContainerExists(ctx, name)
		if err != nil || !exists {
			continue
		}
		if err := c.runtime.Stop(ctx, name); err != nil {
			c.logger.Warn("failed to stop container", "container", name, "err", err)
		}
	}
	c.logger.Info("edge stopped")
}

// RestartSidecar replaces the OIDC sidecar after a config change. A
// removed config stops the sidecar without a successor; the dynamic
// config is rewritten either way so middleware wiring matches.
func (c *Controller) RestartSidecar(ctx context.Context) error {
	if err := c.runtime.Remove(ctx, SidecarContainer); err != nil {
		c.logger.Warn("failed to remove sidecar", "err", err)
	}

	if cfg := c.oauth.Current(); cfg != nil {
		if err := c.startSidecar(ctx, cfg); err != nil {
			return err
		}
	}
	return c.Refresh()
}

// ensureACMEStore pre-creates the cert store the proxy writes into.
// ACME requires it to be owner-only.
func (c *Controller) ensureACMEStore() error {
	path := c.acmeStorePath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		return fmt.Errorf("failed to create acme store: %w", err)
	}
	return nil
}

func (c *Controller) startProxy(ctx context.Context) error {
	if err := c.ensureImage(ctx, proxyImage); err != nil {
		return err
	}

	_, err := c.runtime.Run(ctx, runtime.ContainerConfig{
		Name:          ProxyContainer,
		Image:         proxyImage,
		RestartPolicy: apps.RestartUnlessStopped,
		Network:       runtime.NetworkName,
		Volumes: []apps.Volume{
			{HostName: c.traefikDir(), MountPath: "/etc/traefik", ReadOnly: true},
			{HostName: c.certsDir(), MountPath: "/certs"},
			{HostName: "/var/run/docker.sock", MountPath: "/var/run/docker.sock", ReadOnly: true},
		},
		Ports: []runtime.PortBinding{
			{HostPort: c.cfg.HTTPPort, ContainerPort: 80},
			{HostPort: c.cfg.HTTPSPort, ContainerPort: 443},
			{HostIP: "127.0.0.1", HostPort: c.cfg.AdminPort, ContainerPort: 8080},
		},
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	})
	if err != nil {
		return err
	}
	return c.waitRunning(ctx, ProxyContainer)
}

func (c *Controller) startStatic(ctx context.Context) error {
	if err := c.ensureImage(ctx, apps.StaticServerImage); err != nil {
		return err
	}

	_, err := c.runtime.Run(ctx, runtime.ContainerConfig{
		Name:          StaticContainer,
		Image:         apps.StaticServerImage,
		RestartPolicy: apps.RestartUnlessStopped,
		Network:       runtime.NetworkName,
		Volumes: []apps.Volume{
			{HostName: filepath.Join(c.cfg.DataDir, "sites"), MountPath: "/sites", ReadOnly: true},
			{HostName: c.nginxConfigPath(), MountPath: "/etc/nginx/conf.d/default.conf", ReadOnly: true},
		},
	})
	if err != nil {
		return err
	}
	return c.waitRunning(ctx, StaticContainer)
}

func (c *Controller) startSidecar(ctx context.Context, cfg *oauth.Config) error {
	if err := c.ensureImage(ctx, sidecarImage); err != nil {
		return err
	}

	// No fixed redirect URL: oauth2-proxy derives the callback from each
	// request host, which is what lets one sidecar serve every subdomain.
	env := map[string]string{
		"OAUTH2_PROXY_PROVIDER":          "oidc",
		"OAUTH2_PROXY_OIDC_ISSUER_URL":   cfg.IssuerURL,
		"OAUTH2_PROXY_CLIENT_ID":         cfg.ClientID,
		"OAUTH2_PROXY_CLIENT_SECRET":     cfg.ClientSecret,
		"OAUTH2_PROXY_COOKIE_SECRET":     cfg.CookieSecret,
		"OAUTH2_PROXY_COOKIE_DOMAINS":    cfg.CookieDomain,
		"OAUTH2_PROXY_WHITELIST_DOMAINS": "." + c.cfg.Domain,
		"OAUTH2_PROXY_EMAIL_DOMAINS":     "*",
		"OAUTH2_PROXY_SET_XAUTHREQUEST":  "true",
		"OAUTH2_PROXY_REVERSE_PROXY":     "true",
		"OAUTH2_PROXY_COOKIE_SECURE":     "true",
		"OAUTH2_PROXY_HTTP_ADDRESS":      fmt.Sprintf("0.0.0.0:%d", sidecarPort),
		"OAUTH2_PROXY_UPSTREAM":          c.controlPlaneURL(),
	}

	_, err := c.runtime.Run(ctx, runtime.ContainerConfig{
		Name:          SidecarContainer,
		Image:         sidecarImage,
		Env:           env,
		RestartPolicy: apps.RestartUnlessStopped,
		Network:       runtime.NetworkName,
		ExtraHosts:    []string{"host.docker.internal:host-gateway"},
	})
	if err != nil {
		return err
	}
	return c.waitRunning(ctx, SidecarContainer)
}

func (c *Controller) ensureImage(ctx context.Context, image string) error {
	exists, err := c.runtime.ImageExists(ctx, image)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return c.runtime.Pull(ctx, image)
}

// waitRuntime blocks until the daemon answers pings. The agent often
// races the daemon at boot.
func (c *Controller) waitRuntime(ctx context.Context) error {
	return retry.Do(
		func() error {
			if !c.runtime.IsAvailable(ctx) {
				return fmt.Errorf("container runtime is not available")
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(readyAttempts),
		retry.Delay(readyDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

// waitRunning polls until the container reports running. On timeout the
// container's recent logs are folded into the error so a crash loop is
// diagnosable from the agent log alone.
func (c *Controller) waitRunning(ctx context.Context, name string) error {
	err := retry.Do(
		func() error {
			running, err := c.runtime.IsRunning(ctx, name)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if !running {
				return fmt.Errorf("container %s is not running yet", name)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(readyAttempts),
		retry.Delay(readyDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		c.logger.Info("container ready", "container", name)
		return nil
	}

	logs, logErr := c.runtime.Logs(ctx, name, 50)
	if logErr != nil {
		return fmt.Errorf("container %s did not become ready: %w", name, err)
	}
	return fmt.Errorf("container %s did not become ready: %w: %s", name, err, logs)
}

// ContainerStatus is the observed state of one managed infra container.
type ContainerStatus struct {
	Running bool   `json:"running"`
	Status  string `json:"status"`
}

// InfraStatus reports the state of the managed containers for the
// status endpoint. A container that does not exist reports as missing.
func (c *Controller) InfraStatus(ctx context.Context) map[string]ContainerStatus {
	names := []string{ProxyContainer, StaticContainer}
	if c.oauth.Enabled() {
		names = append(names, SidecarContainer)
	}

	statuses := make(map[string]ContainerStatus, len(names))
	for _, name := range names {
		info, err := c.runtime.Inspect(ctx, name)
		if err != nil {
			statuses[name] = ContainerStatus{Running: false, Status: "missing"}
			continue
		}
		statuses[name] = ContainerStatus{Running: info.State.Running, Status: info.State.Status}
	}
	return statuses
}
