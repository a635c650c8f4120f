package authz

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteio/agent/internal/apps"
	"github.com/siteio/agent/internal/groups"
	"github.com/siteio/agent/internal/oauth"
	"github.com/siteio/agent/internal/sites"
	"github.com/siteio/agent/internal/testsuite"
)

type testEnv struct {
	svc    *Service
	apps   *apps.Store
	sites  *sites.Store
	groups *groups.Store
}

func newTestService(t *testing.T) *testEnv {
	t.Helper()
	logger := testsuite.NewLogger()
	dir := t.TempDir()

	appStore, err := apps.NewStore(dir, logger)
	require.NoError(t, err)
	siteStore, err := sites.NewStore(dir, logger)
	require.NoError(t, err)
	groupStore, err := groups.NewStore(dir, logger)
	require.NoError(t, err)

	return &testEnv{
		svc:    NewService("example.com", appStore, siteStore, groupStore, logger),
		apps:   appStore,
		sites:  siteStore,
		groups: groupStore,
	}
}

func (env *testEnv) deploySite(t *testing.T, sub string, policy *oauth.Policy) {
	t.Helper()
	archive := testsuite.BuildZip(t, map[string]string{"index.html": "<h1>" + sub + "</h1>"})
	_, err := env.sites.ExtractAndStore(sub, archive, policy)
	require.NoError(t, err)
}

func check(svc *Service, host string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/auth/check", nil)
	req.Host = host
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)
	return rec
}

func TestCheckIgnoresForeignHosts(t *testing.T) {
	env := newTestService(t)

	assert.Equal(t, http.StatusOK, check(env.svc, "foo.other.com", nil).Code)
	// The apex is not a subdomain either.
	assert.Equal(t, http.StatusOK, check(env.svc, "example.com", nil).Code)
}

func TestCheckPassesUnknownSubdomain(t *testing.T) {
	env := newTestService(t)

	rec := check(env.svc, "ghost.example.com", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckPassesAPIHost(t *testing.T) {
	env := newTestService(t)

	rec := check(env.svc, "api.example.com", map[string]string{"X-Forwarded-Email": "anyone@anywhere.com"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckPassesSiteWithoutPolicy(t *testing.T) {
	env := newTestService(t)
	env.deploySite(t, "bar", nil)

	rec := check(env.svc, "bar.example.com", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckRequiresEmailForProtectedSite(t *testing.T) {
	env := newTestService(t)
	env.deploySite(t, "bar", &oauth.Policy{AllowedEmails: []string{"alice@x.com"}})

	rec := check(env.svc, "bar.example.com", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckAllowsListedEmailCaseInsensitive(t *testing.T) {
	env := newTestService(t)
	env.deploySite(t, "bar", &oauth.Policy{AllowedEmails: []string{"alice@x.com"}})

	rec := check(env.svc, "bar.example.com", map[string]string{"X-Forwarded-Email": "ALICE@X.COM"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckDeniedPageHasSignOutLink(t *testing.T) {
	env := newTestService(t)
	env.deploySite(t, "bar", &oauth.Policy{AllowedEmails: []string{"alice@x.com"}})

	rec := check(env.svc, "bar.example.com", map[string]string{
		"X-Forwarded-Email": "bob@x.com",
		"X-Forwarded-Uri":   "/admin/panel",
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "bob@x.com")
	assert.Contains(t, body, "https://auth.example.com/oauth2/sign_out?rd=")
	assert.Contains(t, body, url.QueryEscape("https://bar.example.com/admin/panel"))
}

func TestCheckAllowsDomainMatch(t *testing.T) {
	env := newTestService(t)
	env.deploySite(t, "bar", &oauth.Policy{AllowedDomain: "Company.com"})

	rec := check(env.svc, "bar.example.com", map[string]string{"X-Forwarded-Email": "user@COMPANY.com"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = check(env.svc, "bar.example.com", map[string]string{"X-Forwarded-Email": "user@elsewhere.com"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCheckAllowsGroupMember(t *testing.T) {
	env := newTestService(t)
	_, err := env.groups.Create("admins", []string{"a@x.com"})
	require.NoError(t, err)
	env.deploySite(t, "bar", &oauth.Policy{AllowedGroups: []string{"admins"}})

	rec := check(env.svc, "bar.example.com", map[string]string{"X-Forwarded-Email": "a@x.com"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = check(env.svc, "bar.example.com", map[string]string{"X-Forwarded-Email": "c@x.com"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCheckEmptyPolicyAdmitsAnyAuthenticated(t *testing.T) {
	env := newTestService(t)
	env.deploySite(t, "bar", &oauth.Policy{})

	rec := check(env.svc, "bar.example.com", map[string]string{"X-Forwarded-Email": "whoever@anywhere.com"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = check(env.svc, "bar.example.com", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckUsesAppPolicy(t *testing.T) {
	env := newTestService(t)
	src, err := apps.NewImageSource("nginx:alpine")
	require.NoError(t, err)
	_, err = env.apps.Create(apps.App{
		Name:         "web",
		Source:       src,
		InternalPort: 80,
		OAuth:        &oauth.Policy{AllowedEmails: []string{"alice@x.com"}},
	})
	require.NoError(t, err)

	// The sidecar spelling of the email header works too.
	rec := check(env.svc, "web.example.com", map[string]string{"X-Auth-Request-Email": "alice@x.com"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = check(env.svc, "web.example.com", map[string]string{"X-Auth-Request-Email": "bob@x.com"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCheckStripsPort(t *testing.T) {
	env := newTestService(t)
	env.deploySite(t, "bar", &oauth.Policy{AllowedEmails: []string{"alice@x.com"}})

	rec := check(env.svc, "bar.example.com:443", map[string]string{"X-Forwarded-Email": "alice@x.com"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckPrefersForwardedHost(t *testing.T) {
	env := newTestService(t)
	env.deploySite(t, "bar", &oauth.Policy{AllowedEmails: []string{"alice@x.com"}})

	// Host carries the control-plane address the subrequest was sent to;
	// X-Forwarded-Host is what the user asked for.
	rec := check(env.svc, "siteio-agent:3000", map[string]string{
		"X-Forwarded-Host":  "bar.example.com",
		"X-Forwarded-Email": "bob@x.com",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
