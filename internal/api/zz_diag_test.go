package api

import (
	"net/http"
	"testing"

	"github.com/siteio/agent/internal/testsuite"
)

// Temporary diagnostic: dumps raw response bodies for the policy removal
// flow on sites. Deleted after use.
func TestDiagSiteAuthRemove(t *testing.T) {
	a := newTestAPI(t, true)
	archive := testsuite.BuildZip(t, map[string]string{"index.html": "hi"})
	a.do(t, http.MethodPost, "/sites/docs", archive, map[string]string{"Content-Type": "application/zip"})

	rec := a.do(t, http.MethodPatch, "/sites/docs/auth", map[string]any{"allowedDomain": "x.com"}, nil)
	t.Logf("after set: %d %s", rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/sites", nil, nil)
	t.Logf("list with policy: %s", rec.Body.String())

	rec = a.do(t, http.MethodPatch, "/sites/docs/auth", map[string]any{"remove": true}, nil)
	t.Logf("after remove: %d %s", rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/sites", nil, nil)
	t.Logf("list after remove: %s", rec.Body.String())
}
