// Package api is the agent's HTTP control plane. It multiplexes the
// stores, the deployment engine, the edge controller and the
// authorization service behind one listener, gated by a shared API key.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/siteio/agent/internal/apps"
	"github.com/siteio/agent/internal/deploy"
	"github.com/siteio/agent/internal/edge"
	"github.com/siteio/agent/internal/groups"
	"github.com/siteio/agent/internal/oauth"
	"github.com/siteio/agent/internal/sites"
)

// Config holds the configuration for the control plane.
type Config struct {
	Port           int
	APIKey         string
	Domain         string
	AgentID        uuid.UUID
	MaxUploadBytes int64
}

// EdgeObserver is what the status endpoint reads from the edge
// controller: managed-container states and per-router TLS results.
type EdgeObserver interface {
	InfraStatus(ctx context.Context) map[string]edge.ContainerStatus
	TLSStatus(ctx context.Context) (map[string]string, error)
}

// Service is the control-plane HTTP server. Mutations go through the
// deployment engine; reads come straight from the stores.
type Service struct {
	cfg    Config
	engine *deploy.Engine
	apps   *apps.Store
	sites  *sites.Store
	groups *groups.Store
	oauth  *oauth.Store
	edge   EdgeObserver
	authz  http.Handler
	logger *slog.Logger
	server *http.Server
}

// NewService creates the control plane. authCheck is mounted verbatim
// at GET /auth/check.
func NewService(
	cfg Config,
	engine *deploy.Engine,
	appStore *apps.Store,
	siteStore *sites.Store,
	groupStore *groups.Store,
	oauthStore *oauth.Store,
	edgeObserver EdgeObserver,
	authCheck http.Handler,
	logger *slog.Logger,
) *Service {
	return &Service{
		cfg:    cfg,
		engine: engine,
		apps:   appStore,
		sites:  siteStore,
		groups: groupStore,
		oauth:  oauthStore,
		edge:   edgeObserver,
		authz:  authCheck,
		logger: logger,
	}
}

// Handler builds the full route tree with middleware applied.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public routes: the key gate skips these.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /oauth/status", s.handleOAuthStatus)
	mux.Handle("GET /auth/check", s.authz)

	mux.HandleFunc("GET /status", s.handleStatus)

	mux.HandleFunc("GET /sites", s.handleListSites)
	mux.HandleFunc("POST /sites/{subdomain}", s.handleDeploySite)
	mux.HandleFunc("DELETE /sites/{subdomain}", s.handleDeleteSite)
	mux.HandleFunc("GET /sites/{subdomain}/download", s.handleDownloadSite)
	mux.HandleFunc("PATCH /sites/{subdomain}/auth", s.handleUpdateSiteAuth)
	mux.HandleFunc("GET /sites/{subdomain}/versions", s.handleSiteVersions)
	mux.HandleFunc("POST /sites/{subdomain}/rollback", s.handleRollbackSite)

	mux.HandleFunc("GET /apps", s.handleListApps)
	mux.HandleFunc("POST /apps", s.handleCreateApp)
	mux.HandleFunc("GET /apps/{name}", s.handleGetApp)
	mux.HandleFunc("PATCH /apps/{name}", s.handleUpdateApp)
	mux.HandleFunc("DELETE /apps/{name}", s.handleDeleteApp)
	mux.HandleFunc("POST /apps/{name}/deploy", s.handleDeployApp)
	mux.HandleFunc("POST /apps/{name}/stop", s.handleStopApp)
	mux.HandleFunc("POST /apps/{name}/restart", s.handleRestartApp)
	mux.HandleFunc("GET /apps/{name}/logs", s.handleAppLogs)

	mux.HandleFunc("GET /groups", s.handleListGroups)
	mux.HandleFunc("POST /groups", s.handleCreateGroup)
	mux.HandleFunc("GET /groups/{name}", s.handleGetGroup)
	mux.HandleFunc("DELETE /groups/{name}", s.handleDeleteGroup)
	mux.HandleFunc("POST /groups/{name}/emails", s.handleAddGroupEmails)
	mux.HandleFunc("DELETE /groups/{name}/emails", s.handleRemoveGroupEmails)

	return s.withRequestLog(s.withAPIKey(mux))
}

// Start runs the server until the context is cancelled, then shuts it
// down gracefully.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("starting control plane", "port", s.cfg.Port)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control plane listener failed", "error", err)
		}
	}()

	<-ctx.Done()

	s.logger.Info("shutting down control plane")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}
