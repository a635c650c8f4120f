// Package authz answers the edge proxy's forward-auth subrequests for
// protected hosts. The OIDC sidecar authenticates the user and forwards
// the resulting email; this service decides whether that email may reach
// the requested subdomain based on the app or site OAuth policy.
package authz

import (
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/siteio/agent/internal/apps"
	"github.com/siteio/agent/internal/oauth"
	"github.com/siteio/agent/internal/sites"
)

// AppPolicies looks up an app record by name.
type AppPolicies interface {
	Get(name string) (apps.App, error)
}

// SitePolicies looks up site metadata by subdomain.
type SitePolicies interface {
	GetMetadata(sub string) (sites.Metadata, error)
}

// GroupResolver expands group names into the union of their member emails.
type GroupResolver interface {
	ResolveGroups(names []string) []string
}

// Service is the /auth/check decision endpoint. A 200 lets the request
// through to the backend, a 401 makes the proxy's error middleware
// redirect to sign-in, and a 403 is served to the browser as-is.
type Service struct {
	domain string
	apps   AppPolicies
	sites  SitePolicies
	groups GroupResolver
	logger *slog.Logger
}

// NewService creates the decision endpoint for the given operator domain.
func NewService(domain string, appStore AppPolicies, siteStore SitePolicies, groupStore GroupResolver, logger *slog.Logger) *Service {
	return &Service{
		domain: strings.ToLower(domain),
		apps:   appStore,
		sites:  siteStore,
		groups: groupStore,
		logger: logger,
	}
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := requestHost(r)

	// Hosts outside the operator domain are none of our business.
	if !strings.HasSuffix(host, "."+s.domain) {
		w.WriteHeader(http.StatusOK)
		return
	}

	sub, _, _ := strings.Cut(host, ".")
	if sub == "" || sub == "api" {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Unknown subdomains pass through: the proxy has no route for them
	// and answers 404 on its own.
	policy := s.policyFor(sub)
	if policy == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	email := requestEmail(r)
	if email == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	if policy.Allows(email, s.groups.ResolveGroups) {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.logger.Info("access denied", "host", host, "email", email)
	s.renderDenied(w, r, host, email)
}

// policyFor returns the OAuth policy governing a subdomain, or nil when
// the resource is absent or public. App records win over site metadata;
// for sites the two are mirrored anyway.
func (s *Service) policyFor(sub string) *oauth.Policy {
	if app, err := s.apps.Get(sub); err == nil {
		return app.OAuth
	}
	if meta, err := s.sites.GetMetadata(sub); err == nil {
		return meta.OAuth
	}
	return nil
}

// requestHost resolves the host the user actually requested. Traefik's
// forward-auth puts it in X-Forwarded-Host; the Host header is the
// fallback for direct calls.
func requestHost(r *http.Request) string {
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

// requestEmail reads the authenticated email set by the OIDC sidecar.
// Both header spellings occur depending on how the sidecar is chained.
func requestEmail(r *http.Request) string {
	email := r.Header.Get("X-Forwarded-Email")
	if email == "" {
		email = r.Header.Get("X-Auth-Request-Email")
	}
	return strings.ToLower(strings.TrimSpace(email))
}

type deniedPage struct {
	Host       string
	Email      string
	SignOutURL string
}

func (s *Service) renderDenied(w http.ResponseWriter, r *http.Request, host, email string) {
	uri := r.Header.Get("X-Forwarded-Uri")
	if uri == "" {
		uri = "/"
	}
	returnURL := "https://" + host + uri
	signOut := fmt.Sprintf("https://auth.%s/oauth2/sign_out?rd=%s", s.domain, url.QueryEscape(returnURL))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	err := deniedTemplate.Execute(w, deniedPage{Host: host, Email: email, SignOutURL: signOut})
	if err != nil {
		s.logger.Error("failed to render denied page", "error", err)
	}
}

var deniedTemplate = template.Must(template.New("denied").Parse(deniedHTML))

const deniedHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>403 Access Denied</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            margin: 0;
            padding: 0;
            background: linear-gradient(135deg, #667eea 0%, #764ba2 100%);
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
        }
        .denied-container {
            background: white;
            border-radius: 12px;
            box-shadow: 0 20px 40px rgba(0,0,0,0.1);
            padding: 3rem;
            text-align: center;
            max-width: 500px;
            margin: 2rem;
        }
        .denied-code {
            font-size: 6rem;
            font-weight: 700;
            color: #667eea;
            margin: 0;
            line-height: 1;
        }
        .denied-message {
            font-size: 1.5rem;
            color: #333;
            margin: 1rem 0 2rem;
        }
        .denied-description {
            color: #666;
            margin-bottom: 2rem;
            line-height: 1.6;
        }
        .signout-btn {
            display: inline-block;
            background: #667eea;
            color: white;
            text-decoration: none;
            padding: 0.75rem 2rem;
            border-radius: 6px;
            font-size: 1rem;
            transition: background 0.2s;
        }
        .signout-btn:hover {
            background: #5a67d8;
        }
    </style>
</head>
<body>
    <div class="denied-container">
        <h1 class="denied-code">403</h1>
        <h2 class="denied-message">Access Denied</h2>
        <p class="denied-description">You are signed in as <strong>{{.Email}}</strong>, but this account is not allowed to access <strong>{{.Host}}</strong>.</p>
        <a class="signout-btn" href="{{.SignOutURL}}">Sign in with a different account</a>
    </div>
</body>
</html>`
