package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteio/agent/internal/apps"
	"github.com/siteio/agent/internal/authz"
	"github.com/siteio/agent/internal/deploy"
	"github.com/siteio/agent/internal/edge"
	"github.com/siteio/agent/internal/gitrepo"
	"github.com/siteio/agent/internal/groups"
	"github.com/siteio/agent/internal/oauth"
	"github.com/siteio/agent/internal/sites"
	"github.com/siteio/agent/internal/testsuite"
)

const testAPIKey = "test-key-123"

const testOAuthConfig = `{
	"issuerUrl": "https://accounts.example.com",
	"clientId": "client-id",
	"clientSecret": "client-secret",
	"cookieSecret": "0123456789abcdef",
	"cookieDomain": ".example.com"
}`

type fakeEdge struct{}

func (fakeEdge) InfraStatus(ctx context.Context) map[string]edge.ContainerStatus {
	return map[string]edge.ContainerStatus{
		edge.ProxyContainer:  {Running: true, Status: "running"},
		edge.StaticContainer: {Running: true, Status: "running"},
	}
}

func (fakeEdge) TLSStatus(ctx context.Context) (map[string]string, error) {
	return map[string]string{"api": edge.TLSValid}, nil
}

type fakeRefresher struct {
	refreshes atomic.Int32
}

func (f *fakeRefresher) Refresh() error {
	f.refreshes.Add(1)
	return nil
}

type testAPI struct {
	handler http.Handler
	runtime *testsuite.FakeRuntime
	agentID uuid.UUID
}

func newTestAPI(t *testing.T, withOIDC bool) *testAPI {
	return buildTestAPI(t, withOIDC, 1<<20)
}

func buildTestAPI(t *testing.T, withOIDC bool, maxUpload int64) *testAPI {
	t.Helper()
	logger := testsuite.NewLogger()
	dir := t.TempDir()

	appStore, err := apps.NewStore(dir, logger)
	require.NoError(t, err)
	siteStore, err := sites.NewStore(dir, logger)
	require.NoError(t, err)
	groupStore, err := groups.NewStore(dir, logger)
	require.NoError(t, err)

	oauthPath := filepath.Join(dir, "oauth-config.json")
	if withOIDC {
		require.NoError(t, os.WriteFile(oauthPath, []byte(testOAuthConfig), 0o600))
	}
	oauthStore := oauth.NewStore(oauthPath, logger)
	require.NoError(t, oauthStore.Load())

	git, err := gitrepo.NewAdapter(dir, logger)
	require.NoError(t, err)

	rt := testsuite.NewFakeRuntime()
	engine := deploy.NewEngine("example.com", appStore, siteStore, groupStore, oauthStore, rt, git, &fakeRefresher{}, logger)
	authCheck := authz.NewService("example.com", appStore, siteStore, groupStore, logger)

	agentID := uuid.New()
	svc := NewService(Config{
		Port:           3000,
		APIKey:         testAPIKey,
		Domain:         "example.com",
		AgentID:        agentID,
		MaxUploadBytes: maxUpload,
	}, engine, appStore, siteStore, groupStore, oauthStore, fakeEdge{}, authCheck, logger)

	return &testAPI{handler: svc.Handler(), runtime: rt, agentID: agentID}
}

// do sends a request with the valid API key. Setting "X-API-Key" to ""
// in headers sends the request without any key.
func (a *testAPI) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	var isJSON bool
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
		isJSON = true
	}

	req := httptest.NewRequest(method, path, rd)
	if isJSON {
		req.Header.Set("Content-Type", "application/json")
	}
	if _, overridden := headers["X-API-Key"]; !overridden {
		req.Header.Set("X-API-Key", testAPIKey)
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

// decodeData asserts the success envelope and unmarshals its data field.
func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.Success, "expected success envelope, got error %q", env.Error)
	if dst != nil {
		require.NoError(t, json.Unmarshal(env.Data, dst))
	}
}

// errorMessage asserts the failure envelope and returns its message.
func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.False(t, env.Success)
	return env.Error
}

func TestHealthIsPublicAndUnwrapped(t *testing.T) {
	a := newTestAPI(t, false)

	rec := a.do(t, http.MethodGet, "/health", nil, map[string]string{"X-API-Key": ""})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]string{"status": "ok"}, body)
}

func TestAPIKeyGate(t *testing.T) {
	a := newTestAPI(t, false)

	rec := a.do(t, http.MethodGet, "/apps", nil, map[string]string{"X-API-Key": ""})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "api key")

	rec = a.do(t, http.MethodGet, "/apps", nil, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(t, http.MethodGet, "/apps", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOAuthStatusIsPublic(t *testing.T) {
	a := newTestAPI(t, false)

	rec := a.do(t, http.MethodGet, "/oauth/status", nil, map[string]string{"X-API-Key": ""})
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]bool
	decodeData(t, rec, &status)
	assert.False(t, status["enabled"])

	a = newTestAPI(t, true)
	rec = a.do(t, http.MethodGet, "/oauth/status", nil, map[string]string{"X-API-Key": ""})
	decodeData(t, rec, &status)
	assert.True(t, status["enabled"])
}

func TestAuthCheckIsPublic(t *testing.T) {
	a := newTestAPI(t, false)

	req := httptest.NewRequest(http.MethodGet, "/auth/check", nil)
	req.Host = "somewhere.else.net"
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAndGetApp(t *testing.T) {
	a := newTestAPI(t, false)

	rec := a.do(t, http.MethodPost, "/apps", map[string]any{
		"name":         "web",
		"image":        "nginx:latest",
		"internalPort": 8080,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]any
	decodeData(t, rec, &created)
	assert.Equal(t, "web", created["name"])
	assert.Equal(t, "pending", created["status"])
	assert.Equal(t, "nginx:latest", created["image"])

	rec = a.do(t, http.MethodGet, "/apps/web", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []map[string]any
	rec = a.do(t, http.MethodGet, "/apps", nil, nil)
	decodeData(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "web", list[0]["name"])
}

func TestCreateAppValidation(t *testing.T) {
	a := newTestAPI(t, false)

	rec := a.do(t, http.MethodPost, "/apps", map[string]any{"name": "Bad_Name", "image": "nginx"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "lowercase")

	rec = a.do(t, http.MethodPost, "/apps", map[string]any{"name": "api", "image": "nginx"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "reserved")

	rec = a.do(t, http.MethodPost, "/apps", map[string]any{
		"name":  "web",
		"image": "nginx",
		"git":   map[string]string{"repoUrl": "https://example.com/r.git"},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "not both")

	rec = a.do(t, http.MethodPost, "/apps", map[string]any{"name": "web"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/apps", map[string]any{"name": "web", "image": "nginx", "internalPort": 70000}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "internalPort")

	rec = a.do(t, http.MethodPost, "/apps", []byte("{not json"), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeployStopRestartApp(t *testing.T) {
	a := newTestAPI(t, false)

	a.do(t, http.MethodPost, "/apps", map[string]any{"name": "web", "image": "nginx:latest", "internalPort": 8080}, nil)

	rec := a.do(t, http.MethodPost, "/apps/web/deploy", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var app map[string]any
	decodeData(t, rec, &app)
	assert.Equal(t, "running", app["status"])
	assert.NotEmpty(t, app["containerId"])
	_, ok := a.runtime.Container(apps.ContainerName("web"))
	require.True(t, ok)

	rec = a.do(t, http.MethodPost, "/apps/web/stop", nil, nil)
	decodeData(t, rec, &app)
	assert.Equal(t, "stopped", app["status"])

	rec = a.do(t, http.MethodPost, "/apps/web/restart", nil, nil)
	decodeData(t, rec, &app)
	assert.Equal(t, "running", app["status"])
}

func TestDeployUnknownApp(t *testing.T) {
	a := newTestAPI(t, false)

	rec := a.do(t, http.MethodPost, "/apps/ghost/deploy", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "not found")
}

func TestAppLogsEndpoint(t *testing.T) {
	a := newTestAPI(t, false)

	a.do(t, http.MethodPost, "/apps", map[string]any{"name": "web", "image": "nginx:latest", "internalPort": 8080}, nil)
	a.do(t, http.MethodPost, "/apps/web/deploy", nil, nil)

	rec := a.do(t, http.MethodGet, "/apps/web/logs?tail=5", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var logs map[string]string
	decodeData(t, rec, &logs)
	assert.NotEmpty(t, logs["logs"])

	rec = a.do(t, http.MethodGet, "/apps/web/logs?tail=zero", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateApp(t *testing.T) {
	a := newTestAPI(t, false)

	a.do(t, http.MethodPost, "/apps", map[string]any{"name": "web", "image": "nginx:latest", "internalPort": 8080}, nil)

	rec := a.do(t, http.MethodPatch, "/apps/web", map[string]any{"internalPort": 9090}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var app map[string]any
	decodeData(t, rec, &app)
	assert.Equal(t, float64(9090), app["internalPort"])

	// Policies need OIDC configured on the server.
	rec = a.do(t, http.MethodPatch, "/apps/web", map[string]any{
		"oauth": map[string]any{"allowedDomain": "x.com"},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "not configured")
}

func TestUpdateAppPolicyWithOIDC(t *testing.T) {
	a := newTestAPI(t, true)

	a.do(t, http.MethodPost, "/apps", map[string]any{"name": "web", "image": "nginx:latest", "internalPort": 8080}, nil)

	rec := a.do(t, http.MethodPatch, "/apps/web", map[string]any{
		"oauth": map[string]any{"allowedDomain": "X.com"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var app map[string]any
	decodeData(t, rec, &app)
	policy, ok := app["oauth"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "x.com", policy["allowedDomain"])

	// An explicit null clears the policy; an absent field keeps it.
	rec = a.do(t, http.MethodPatch, "/apps/web", map[string]any{"internalPort": 8081}, nil)
	decodeData(t, rec, &app)
	assert.NotNil(t, app["oauth"])

	rec = a.do(t, http.MethodPatch, "/apps/web", map[string]any{"oauth": nil}, nil)
	app = nil
	decodeData(t, rec, &app)
	assert.Nil(t, app["oauth"])
}

func TestDeleteApp(t *testing.T) {
	a := newTestAPI(t, false)

	a.do(t, http.MethodPost, "/apps", map[string]any{"name": "web", "image": "nginx:latest", "internalPort": 8080}, nil)
	a.do(t, http.MethodPost, "/apps/web/deploy", nil, nil)

	rec := a.do(t, http.MethodDelete, "/apps/web", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/apps/web", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	_, ok := a.runtime.Container(apps.ContainerName("web"))
	assert.False(t, ok)
}

func TestSiteLifecycle(t *testing.T) {
	a := newTestAPI(t, false)
	zipHeaders := map[string]string{"Content-Type": "application/zip"}

	v1 := testsuite.BuildZip(t, map[string]string{"index.html": "v1"})
	rec := a.do(t, http.MethodPost, "/sites/docs", v1, zipHeaders)
	require.Equal(t, http.StatusOK, rec.Code)

	var meta map[string]any
	decodeData(t, rec, &meta)
	assert.Equal(t, "docs", meta["subdomain"])

	rec = a.do(t, http.MethodGet, "/sites", nil, nil)
	var list []map[string]any
	decodeData(t, rec, &list)
	require.Len(t, list, 1)

	// Redeploy snapshots the previous content as v1.
	v2 := testsuite.BuildZip(t, map[string]string{"index.html": "v2"})
	rec = a.do(t, http.MethodPost, "/sites/docs", v2, zipHeaders)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/sites/docs/versions", nil, nil)
	var versions []map[string]any
	decodeData(t, rec, &versions)
	require.Len(t, versions, 1)
	assert.Equal(t, float64(1), versions[0]["version"])

	rec = a.do(t, http.MethodGet, "/sites/docs/download", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "docs.zip")

	rec = a.do(t, http.MethodPost, "/sites/docs/rollback", map[string]int{"version": 1}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodDelete, "/sites/docs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodDelete, "/sites/docs", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSiteUploadRejectsWrongContentType(t *testing.T) {
	a := newTestAPI(t, false)

	archive := testsuite.BuildZip(t, map[string]string{"index.html": "hi"})
	rec := a.do(t, http.MethodPost, "/sites/docs", archive, map[string]string{"Content-Type": "application/octet-stream"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "application/zip")
}

func TestSiteUploadRejectsOversizedArchive(t *testing.T) {
	a := buildTestAPI(t, false, 64)

	archive := testsuite.BuildZip(t, map[string]string{"index.html": string(bytes.Repeat([]byte("x"), 512))})
	rec := a.do(t, http.MethodPost, "/sites/docs", archive, map[string]string{"Content-Type": "application/zip"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "limit")
}

func TestSiteUploadPolicyHeaders(t *testing.T) {
	a := newTestAPI(t, false)
	archive := testsuite.BuildZip(t, map[string]string{"index.html": "hi"})

	rec := a.do(t, http.MethodPost, "/sites/docs", archive, map[string]string{
		"Content-Type":        "application/zip",
		"X-Site-OAuth-Emails": "alice@x.com, bob@x.com",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "not configured")

	a = newTestAPI(t, true)
	rec = a.do(t, http.MethodPost, "/sites/docs", archive, map[string]string{
		"Content-Type":        "application/zip",
		"X-Site-OAuth-Emails": "alice@x.com, BOB@X.com",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var meta struct {
		OAuth *oauth.Policy `json:"oauth"`
	}
	decodeData(t, rec, &meta)
	require.NotNil(t, meta.OAuth)
	assert.Equal(t, []string{"alice@x.com", "bob@x.com"}, meta.OAuth.AllowedEmails)
}

func TestSiteAuthPatch(t *testing.T) {
	a := newTestAPI(t, true)
	archive := testsuite.BuildZip(t, map[string]string{"index.html": "hi"})
	a.do(t, http.MethodPost, "/sites/docs", archive, map[string]string{"Content-Type": "application/zip"})

	rec := a.do(t, http.MethodPatch, "/sites/docs/auth", map[string]any{"allowedDomain": "x.com"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []struct {
		OAuth *oauth.Policy `json:"oauth"`
	}
	rec = a.do(t, http.MethodGet, "/sites", nil, nil)
	decodeData(t, rec, &list)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].OAuth)
	assert.Equal(t, "x.com", list[0].OAuth.AllowedDomain)

	rec = a.do(t, http.MethodPatch, "/sites/docs/auth", map[string]any{"remove": true}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/sites", nil, nil)
	decodeData(t, rec, &list)
	assert.Nil(t, list[0].OAuth)
}

func TestRollbackValidation(t *testing.T) {
	a := newTestAPI(t, false)

	rec := a.do(t, http.MethodPost, "/sites/docs/rollback", map[string]any{}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "version")
}

func TestGroupEndpoints(t *testing.T) {
	a := newTestAPI(t, false)

	rec := a.do(t, http.MethodPost, "/groups", map[string]any{"name": "admins", "emails": []string{"A@X.com"}}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var g map[string]any
	decodeData(t, rec, &g)
	assert.Equal(t, "admins", g["name"])
	assert.Equal(t, []any{"a@x.com"}, g["emails"])

	rec = a.do(t, http.MethodPost, "/groups", map[string]any{"name": "Admins"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "lowercase")

	rec = a.do(t, http.MethodPost, "/groups/admins/emails", map[string]any{"emails": []string{"b@x.com"}}, nil)
	decodeData(t, rec, &g)
	assert.Len(t, g["emails"], 2)

	rec = a.do(t, http.MethodDelete, "/groups/admins/emails", map[string]any{"emails": []string{"a@x.com"}}, nil)
	decodeData(t, rec, &g)
	assert.Equal(t, []any{"b@x.com"}, g["emails"])

	rec = a.do(t, http.MethodGet, "/groups/admins", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodDelete, "/groups/admins", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/groups/admins", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	a := newTestAPI(t, false)

	rec := a.do(t, http.MethodGet, "/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		AgentID     string                          `json:"agentId"`
		Domain      string                          `json:"domain"`
		OIDCEnabled bool                            `json:"oidcEnabled"`
		Containers  map[string]edge.ContainerStatus `json:"containers"`
		TLS         map[string]string               `json:"tls"`
	}
	decodeData(t, rec, &status)

	assert.Equal(t, a.agentID.String(), status.AgentID)
	assert.Equal(t, "example.com", status.Domain)
	assert.False(t, status.OIDCEnabled)
	assert.True(t, status.Containers[edge.ProxyContainer].Running)
	assert.Equal(t, edge.TLSValid, status.TLS["api"])
}
