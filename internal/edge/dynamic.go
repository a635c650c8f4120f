package edge

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/moby/sys/atomicwriter"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/siteio/agent/internal/runtime"
	"github.com/siteio/agent/internal/sites"
)

// oauthCatchallPriority puts the sidecar's /oauth2/ router above every
// site router. Traefik's default priority is the rule length, which for
// a site with several custom domains can grow arbitrarily large.
const oauthCatchallPriority = 10000

// Dynamic proxy configuration, rewritten on every site mutation and
// picked up by the proxy's file watcher.
type dynamicConfig struct {
	HTTP httpConfig `yaml:"http"`
}

type httpConfig struct {
	Routers     map[string]routerConfig     `yaml:"routers"`
	Services    map[string]serviceConfig    `yaml:"services"`
	Middlewares map[string]middlewareConfig `yaml:"middlewares,omitempty"`
}

type routerConfig struct {
	Rule        string     `yaml:"rule"`
	EntryPoints []string   `yaml:"entryPoints"`
	Service     string     `yaml:"service"`
	Priority    int        `yaml:"priority,omitempty"`
	Middlewares []string   `yaml:"middlewares,omitempty"`
	TLS         *routerTLS `yaml:"tls,omitempty"`
}

type routerTLS struct {
	CertResolver string `yaml:"certResolver"`
}

type serviceConfig struct {
	LoadBalancer loadBalancer `yaml:"loadBalancer"`
}

type loadBalancer struct {
	Servers []serverURL `yaml:"servers"`
}

type serverURL struct {
	URL string `yaml:"url"`
}

type middlewareConfig struct {
	Errors      *errorsMiddleware      `yaml:"errors,omitempty"`
	ForwardAuth *forwardAuthMiddleware `yaml:"forwardAuth,omitempty"`
}

type errorsMiddleware struct {
	Status  []string `yaml:"status"`
	Service string   `yaml:"service"`
	Query   string   `yaml:"query"`
}

type forwardAuthMiddleware struct {
	Address             string   `yaml:"address"`
	AuthResponseHeaders []string `yaml:"authResponseHeaders,omitempty"`
	AuthRequestHeaders  []string `yaml:"authRequestHeaders,omitempty"`
}

func hostRule(domains []string) string {
	parts := make([]string, len(domains))
	for i, d := range domains {
		parts[i] = fmt.Sprintf("Host(`%s`)", d)
	}
	return strings.Join(parts, " || ")
}

func (c *Controller) sidecarURL() string {
	return fmt.Sprintf("http://%s:%d", SidecarContainer, sidecarPort)
}

// buildDynamicConfig renders the file-provider half of the routing
// table: the control plane on its api subdomain, one router per site
// pointing at the shared static server, and, when OIDC is configured,
// the auth middlewares plus a catch-all that hands /oauth2/ paths on
// any subdomain to the sidecar.
func (c *Controller) buildDynamicConfig(siteList []sites.Metadata) dynamicConfig {
	oidc := c.oauth.Enabled()

	routers := map[string]routerConfig{
		"api": {
			Rule:        hostRule([]string{"api." + c.cfg.Domain}),
			EntryPoints: []string{runtime.EntrypointSecure},
			Service:     "api-service",
			TLS:         &routerTLS{CertResolver: runtime.CertResolver},
		},
	}
	services := map[string]serviceConfig{
		"api-service": {
			LoadBalancer: loadBalancer{Servers: []serverURL{{URL: c.controlPlaneURL()}}},
		},
		"nginx-service": {
			LoadBalancer: loadBalancer{Servers: []serverURL{{URL: fmt.Sprintf("http://%s:80", StaticContainer)}}},
		},
	}

	for _, site := range siteList {
		domains := lo.Uniq(append([]string{site.Subdomain + "." + c.cfg.Domain}, site.Domains...))
		router := routerConfig{
			Rule:        hostRule(domains),
			EntryPoints: []string{runtime.EntrypointSecure},
			Service:     "nginx-service",
			TLS:         &routerTLS{CertResolver: runtime.CertResolver},
		}
		if site.OAuth != nil && oidc {
			router.Middlewares = runtime.AuthMiddlewares()
		}
		routers["site-"+site.Subdomain] = router
	}

	var middlewares map[string]middlewareConfig
	if oidc {
		routers["oauth2-catchall"] = routerConfig{
			Rule: fmt.Sprintf("HostRegexp(`^[a-z0-9-]+\\.%s$`) && PathPrefix(`/oauth2/`)",
				regexp.QuoteMeta(c.cfg.Domain)),
			EntryPoints: []string{runtime.EntrypointSecure},
			Service:     "oauth2-service",
			Priority:    oauthCatchallPriority,
			TLS:         &routerTLS{CertResolver: runtime.CertResolver},
		}
		services["oauth2-service"] = serviceConfig{
			LoadBalancer: loadBalancer{Servers: []serverURL{{URL: c.sidecarURL()}}},
		}
		middlewares = map[string]middlewareConfig{
			runtime.MiddlewareErrors: {
				Errors: &errorsMiddleware{
					Status:  []string{"401"},
					Service: "oauth2-service",
					Query:   "/oauth2/sign_in?rd={url}",
				},
			},
			runtime.MiddlewareOAuth: {
				ForwardAuth: &forwardAuthMiddleware{
					Address:             c.sidecarURL() + "/oauth2/auth",
					AuthResponseHeaders: []string{"X-Auth-Request-User", "X-Auth-Request-Email"},
				},
			},
			runtime.MiddlewareForward: {
				ForwardAuth: &forwardAuthMiddleware{
					Address:            c.controlPlaneURL() + "/auth/check",
					AuthRequestHeaders: []string{"X-Auth-Request-Email", "Host"},
				},
			},
		}
	}

	return dynamicConfig{HTTP: httpConfig{
		Routers:     routers,
		Services:    services,
		Middlewares: middlewares,
	}}
}

// Refresh rewrites the dynamic config from the current site list. The
// write is atomic so the proxy's watcher never sees a half-written
// file, and callers may refresh concurrently.
func (c *Controller) Refresh() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	siteList, err := c.sites.List()
	if err != nil {
		return fmt.Errorf("failed to list sites for proxy config: %w", err)
	}

	data, err := yaml.Marshal(c.buildDynamicConfig(siteList))
	if err != nil {
		return fmt.Errorf("failed to marshal proxy config: %w", err)
	}
	if err := atomicwriter.WriteFile(c.dynamicConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write proxy config: %w", err)
	}
	return nil
}
