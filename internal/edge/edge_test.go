package edge

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/siteio/agent/internal/oauth"
	"github.com/siteio/agent/internal/runtime"
	"github.com/siteio/agent/internal/sites"
	"github.com/siteio/agent/internal/testsuite"
)

const testOAuthConfig = `{
	"issuerUrl": "https://accounts.example.com",
	"clientId": "client-id",
	"clientSecret": "client-secret",
	"cookieSecret": "0123456789abcdef",
	"cookieDomain": ".example.com"
}`

func newTestController(t *testing.T, withOIDC bool) (*Controller, *testsuite.FakeRuntime) {
	t.Helper()
	dir := t.TempDir()
	logger := testsuite.NewLogger()

	siteStore, err := sites.NewStore(dir, logger)
	require.NoError(t, err)

	oauthPath := filepath.Join(dir, "oauth.json")
	if withOIDC {
		require.NoError(t, os.WriteFile(oauthPath, []byte(testOAuthConfig), 0o600))
	}
	oauthStore := oauth.NewStore(oauthPath, logger)
	require.NoError(t, oauthStore.Load())

	rt := testsuite.NewFakeRuntime()
	c, err := NewController(Config{
		Domain:    "example.com",
		Email:     "ops@example.com",
		DataDir:   dir,
		HTTPPort:  80,
		HTTPSPort: 443,
		APIPort:   3000,
		AdminPort: 8080,
	}, rt, siteStore, oauthStore, logger)
	require.NoError(t, err)
	return c, rt
}

func TestBuildDynamicConfigWithoutOIDC(t *testing.T) {
	c, _ := newTestController(t, false)

	cfg := c.buildDynamicConfig([]sites.Metadata{
		{Subdomain: "docs"},
		{Subdomain: "wiki", OAuth: &oauth.Policy{AllowedDomain: "corp.com"}},
	})

	api, ok := cfg.HTTP.Routers["api"]
	require.True(t, ok)
	assert.Equal(t, "Host(`api.example.com`)", api.Rule)
	assert.Equal(t, "api-service", api.Service)
	require.NotNil(t, api.TLS)
	assert.Equal(t, runtime.CertResolver, api.TLS.CertResolver)

	docs := cfg.HTTP.Routers["site-docs"]
	assert.Equal(t, "Host(`docs.example.com`)", docs.Rule)
	assert.Equal(t, "nginx-service", docs.Service)

	// Without OIDC a policy cannot be enforced, so no middleware chain
	// and no sidecar wiring is rendered.
	assert.Empty(t, cfg.HTTP.Routers["site-wiki"].Middlewares)
	assert.NotContains(t, cfg.HTTP.Routers, "oauth2-catchall")
	assert.Empty(t, cfg.HTTP.Middlewares)
	assert.NotContains(t, cfg.HTTP.Services, "oauth2-service")
}

func TestBuildDynamicConfigWithOIDC(t *testing.T) {
	c, _ := newTestController(t, true)

	cfg := c.buildDynamicConfig([]sites.Metadata{
		{Subdomain: "docs"},
		{Subdomain: "wiki", OAuth: &oauth.Policy{AllowedDomain: "corp.com"}},
	})

	assert.Empty(t, cfg.HTTP.Routers["site-docs"].Middlewares)
	assert.Equal(t, runtime.AuthMiddlewares(), cfg.HTTP.Routers["site-wiki"].Middlewares)

	catchall, ok := cfg.HTTP.Routers["oauth2-catchall"]
	require.True(t, ok)
	assert.Contains(t, catchall.Rule, "PathPrefix(`/oauth2/`)")
	assert.Contains(t, catchall.Rule, `example\.com`)
	assert.Equal(t, oauthCatchallPriority, catchall.Priority)
	assert.Equal(t, "oauth2-service", catchall.Service)

	require.Contains(t, cfg.HTTP.Middlewares, runtime.MiddlewareErrors)
	require.Contains(t, cfg.HTTP.Middlewares, runtime.MiddlewareOAuth)
	require.Contains(t, cfg.HTTP.Middlewares, runtime.MiddlewareForward)
	assert.Equal(t, "http://siteio-oauth2:4180/oauth2/auth",
		cfg.HTTP.Middlewares[runtime.MiddlewareOAuth].ForwardAuth.Address)
	assert.Equal(t, "http://host.docker.internal:3000/auth/check",
		cfg.HTTP.Middlewares[runtime.MiddlewareForward].ForwardAuth.Address)
}

func TestBuildDynamicConfigCustomDomains(t *testing.T) {
	c, _ := newTestController(t, false)

	cfg := c.buildDynamicConfig([]sites.Metadata{
		{Subdomain: "shop", Domains: []string{"shop.example.org", "shop.example.com"}},
	})

	rule := cfg.HTTP.Routers["site-shop"].Rule
	assert.Equal(t, "Host(`shop.example.com`) || Host(`shop.example.org`)", rule)
}

func TestRefreshWritesAtomically(t *testing.T) {
	c, _ := newTestController(t, false)

	require.NoError(t, c.Refresh())

	data, err := os.ReadFile(c.dynamicConfigPath())
	require.NoError(t, err)

	var cfg dynamicConfig
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Contains(t, cfg.HTTP.Routers, "api")
	assert.Contains(t, cfg.HTTP.Services, "nginx-service")

	// No leftover temp file from the atomic write.
	entries, err := os.ReadDir(c.traefikDir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "stale temp file %s", e.Name())
	}
}

func TestStartBringsUpInfra(t *testing.T) {
	c, rt := newTestController(t, false)

	require.NoError(t, c.Start(context.Background()))

	assert.Contains(t, rt.Networks, runtime.NetworkName)

	proxy, ok := rt.Container(ProxyContainer)
	require.True(t, ok)
	assert.True(t, proxy.Running)
	assert.Equal(t, proxyImage, proxy.Config.Image)
	require.Len(t, proxy.Config.Ports, 3)
	assert.Equal(t, "127.0.0.1", proxy.Config.Ports[2].HostIP)
	assert.Contains(t, proxy.Config.ExtraHosts, "host.docker.internal:host-gateway")

	static, ok := rt.Container(StaticContainer)
	require.True(t, ok)
	assert.True(t, static.Running)

	// No OIDC config, no sidecar.
	_, ok = rt.Container(SidecarContainer)
	assert.False(t, ok)

	// Config files are on disk for the bind mounts.
	for _, path := range []string{c.staticConfigPath(), c.dynamicConfigPath(), c.nginxConfigPath()} {
		_, err := os.Stat(path)
		assert.NoError(t, err, path)
	}

	info, err := os.Stat(c.acmeStorePath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStartLaunchesSidecarWhenConfigured(t *testing.T) {
	c, rt := newTestController(t, true)

	require.NoError(t, c.Start(context.Background()))

	sidecar, ok := rt.Container(SidecarContainer)
	require.True(t, ok)
	assert.Equal(t, "https://accounts.example.com", sidecar.Config.Env["OAUTH2_PROXY_OIDC_ISSUER_URL"])
	assert.Equal(t, ".example.com", sidecar.Config.Env["OAUTH2_PROXY_COOKIE_DOMAINS"])
	assert.Equal(t, ".example.com", sidecar.Config.Env["OAUTH2_PROXY_WHITELIST_DOMAINS"])
	assert.Equal(t, "true", sidecar.Config.Env["OAUTH2_PROXY_SET_XAUTHREQUEST"])
	assert.Equal(t, "http://host.docker.internal:3000", sidecar.Config.Env["OAUTH2_PROXY_UPSTREAM"])
	assert.Contains(t, sidecar.Config.ExtraHosts, "host.docker.internal:host-gateway")
}

func TestStopStopsReverseOrder(t *testing.T) {
	c, rt := newTestController(t, true)
	require.NoError(t, c.Start(context.Background()))

	c.Stop(context.Background())

	for _, name := range []string{ProxyContainer, StaticContainer, SidecarContainer} {
		container, ok := rt.Container(name)
		require.True(t, ok, name)
		assert.False(t, container.Running, name)
	}
}

func TestRestartSidecarWithoutConfigRemovesIt(t *testing.T) {
	c, rt := newTestController(t, true)
	require.NoError(t, c.Start(context.Background()))

	// Simulate the config file disappearing and a reload.
	require.NoError(t, os.Remove(filepath.Join(c.cfg.DataDir, "oauth.json")))
	require.NoError(t, c.oauth.Load())

	require.NoError(t, c.RestartSidecar(context.Background()))

	_, ok := rt.Container(SidecarContainer)
	assert.False(t, ok)

	// The dynamic config dropped the sidecar wiring too.
	data, err := os.ReadFile(c.dynamicConfigPath())
	require.NoError(t, err)
	var cfg dynamicConfig
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.NotContains(t, cfg.HTTP.Routers, "oauth2-catchall")
}

func TestNginxConfigMapsSubdomainDirectories(t *testing.T) {
	c, _ := newTestController(t, false)
	require.NoError(t, c.writeNginxConfig())

	data, err := os.ReadFile(c.nginxConfigPath())
	require.NoError(t, err)
	conf := string(data)

	assert.Contains(t, conf, "root /sites/$subdomain")
	assert.Contains(t, conf, "try_files $uri $uri/ /index.html")
	assert.Contains(t, conf, "default_server")
}

// startTLSServer serves a handshake-only TLS endpoint whose self-signed
// certificate carries the given issuer organization.
func startTLSServer(t *testing.T, org string) string {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{org}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				_ = c.(*tls.Conn).HandshakeContext(context.Background())
				c.Close()
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestTLSStatus(t *testing.T) {
	c, _ := newTestController(t, false)

	issuedAddr := startTLSServer(t, letsEncryptOrg)
	pendingAddr := startTLSServer(t, "Acme Co")

	admin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/http/routers", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"name": "site-live@file", "rule": "Host(` + "`live.example.com`" + `)", "status": "enabled", "tls": {"certResolver": "letsencrypt"}},
			{"name": "site-new@file", "rule": "Host(` + "`new.example.com`" + `)", "status": "enabled", "tls": {"certResolver": "letsencrypt"}},
			{"name": "site-down@file", "rule": "Host(` + "`down.example.com`" + `)", "status": "enabled", "tls": {"certResolver": "letsencrypt"}},
			{"name": "site-broken@file", "rule": "Host(` + "`broken.example.com`" + `)", "status": "disabled", "tls": {"certResolver": "letsencrypt"}},
			{"name": "plain@file", "rule": "Host(` + "`plain.example.com`" + `)", "status": "enabled"},
			{"name": "oauth2-catchall@file", "rule": "HostRegexp(` + "`^[a-z0-9-]+\\.example\\.com$`" + `) && PathPrefix(` + "`/oauth2/`" + `)", "status": "enabled", "tls": {}}
		]`))
	}))
	t.Cleanup(admin.Close)

	c.adminURL = admin.URL
	c.probeAddr = func(host string) string {
		switch host {
		case "live.example.com":
			return issuedAddr
		case "new.example.com":
			return pendingAddr
		default:
			// A port nothing listens on.
			return "127.0.0.1:1"
		}
	}

	statuses, err := c.TLSStatus(context.Background())
	require.NoError(t, err)

	assert.Equal(t, TLSValid, statuses["site-live@file"])
	assert.Equal(t, TLSPending, statuses["site-new@file"])
	assert.Equal(t, TLSError, statuses["site-down@file"])
	assert.Equal(t, TLSError, statuses["site-broken@file"])
	assert.Equal(t, TLSNone, statuses["plain@file"])
	assert.NotContains(t, statuses, "oauth2-catchall@file")
}

func TestTLSStatusAdminUnreachable(t *testing.T) {
	c, _ := newTestController(t, false)
	c.adminURL = "http://127.0.0.1:1"

	_, err := c.TLSStatus(context.Background())
	assert.Error(t, err)
}

func TestInfraStatus(t *testing.T) {
	c, rt := newTestController(t, false)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, rt.Stop(context.Background(), StaticContainer))

	statuses := c.InfraStatus(context.Background())

	assert.True(t, statuses[ProxyContainer].Running)
	assert.False(t, statuses[StaticContainer].Running)
	assert.Equal(t, "exited", statuses[StaticContainer].Status)
	assert.NotContains(t, statuses, SidecarContainer)
}

func TestStaticConfigRendersResolver(t *testing.T) {
	c, _ := newTestController(t, false)
	require.NoError(t, c.writeStaticConfig())

	data, err := os.ReadFile(c.staticConfigPath())
	require.NoError(t, err)

	var cfg staticConfig
	require.NoError(t, yaml.Unmarshal(data, &cfg))

	assert.Equal(t, ":80", cfg.EntryPoints[runtime.EntrypointWeb].Address)
	assert.Equal(t, ":443", cfg.EntryPoints[runtime.EntrypointSecure].Address)
	assert.Equal(t, "ops@example.com", cfg.CertificateResolvers[runtime.CertResolver].ACME.Email)
	assert.True(t, cfg.Providers.File.Watch)
	assert.False(t, cfg.Providers.Docker.ExposedByDefault)
}
