package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/lmittmann/tint"

	"github.com/siteio/agent/internal/api"
	"github.com/siteio/agent/internal/apps"
	"github.com/siteio/agent/internal/authz"
	"github.com/siteio/agent/internal/config"
	"github.com/siteio/agent/internal/deploy"
	"github.com/siteio/agent/internal/edge"
	"github.com/siteio/agent/internal/gitrepo"
	"github.com/siteio/agent/internal/groups"
	"github.com/siteio/agent/internal/oauth"
	"github.com/siteio/agent/internal/runtime"
	"github.com/siteio/agent/internal/shared/logging"
	"github.com/siteio/agent/internal/sites"
)

func main() {
	// Startup errors before config is parsed still need to be readable.
	slog.SetDefault(slog.New(tint.NewHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("failed to create data dir", "error", err, "path", cfg.DataDir)
		os.Exit(1)
	}

	agentID, err := config.LoadOrCreateAgentID(cfg.AgentIDPath())
	if err != nil {
		slog.Error("failed to load agent id", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger("siteiod", cfg.LogLevel, cfg.Environment).With("agent_id", agentID)
	slog.SetDefault(logger)

	apiKey, err := config.LoadOrCreateAPIKey(cfg.APIKey, cfg.APIKeyPath())
	if err != nil {
		logger.Error("failed to load api key", "error", err)
		os.Exit(1)
	}

	appStore, err := apps.NewStore(cfg.DataDir, logger)
	if err != nil {
		logger.Error("failed to init app store", "error", err)
		os.Exit(1)
	}
	siteStore, err := sites.NewStore(cfg.DataDir, logger)
	if err != nil {
		logger.Error("failed to init site store", "error", err)
		os.Exit(1)
	}
	groupStore, err := groups.NewStore(cfg.DataDir, logger)
	if err != nil {
		logger.Error("failed to init group store", "error", err)
		os.Exit(1)
	}

	oauthStore := oauth.NewStore(cfg.OAuthConfigPath(), logger)
	if err := oauthStore.Load(); err != nil {
		logger.Error("failed to load oauth config", "error", err)
		os.Exit(1)
	}

	rt, err := runtime.NewDocker(cfg.DataDir, logger)
	if err != nil {
		logger.Error("failed to init container runtime", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	git, err := gitrepo.NewAdapter(cfg.DataDir, logger)
	if err != nil {
		logger.Error("failed to init git adapter", "error", err)
		os.Exit(1)
	}

	controller, err := edge.NewController(edge.Config{
		Domain:    cfg.Domain,
		Email:     cfg.Email,
		DataDir:   cfg.DataDir,
		HTTPPort:  cfg.HTTPPort,
		HTTPSPort: cfg.HTTPSPort,
		APIPort:   cfg.Port,
		AdminPort: cfg.AdminPort,
	}, rt, siteStore, oauthStore, logger)
	if err != nil {
		logger.Error("failed to init edge controller", "error", err)
		os.Exit(1)
	}

	engine := deploy.NewEngine(cfg.Domain, appStore, siteStore, groupStore, oauthStore, rt, git, controller, logger)
	authCheck := authz.NewService(cfg.Domain, appStore, siteStore, groupStore, logger)

	apiService := api.NewService(api.Config{
		Port:           cfg.Port,
		APIKey:         apiKey,
		Domain:         cfg.Domain,
		AgentID:        agentID,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, engine, appStore, siteStore, groupStore, oauthStore, controller, authCheck, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("starting siteio agent", "domain", cfg.Domain, "data_dir", cfg.DataDir)

	if err := controller.Start(ctx); err != nil {
		logger.Error("failed to start edge", "error", err)
		os.Exit(1)
	}

	apiDone := make(chan error, 1)
	go func() {
		apiDone <- apiService.Start(ctx)
	}()

	// OIDC config changes take effect by replacing the sidecar.
	go func() {
		err := oauthStore.Watch(ctx, func(c *oauth.Config) {
			rctx, rcancel := context.WithTimeout(context.Background(), time.Minute)
			defer rcancel()
			if err := controller.RestartSidecar(rctx); err != nil {
				logger.Error("failed to apply oauth config change", "error", err)
				return
			}
			logger.Info("applied oauth config change", "enabled", c != nil)
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("oauth config watcher failed", "error", err)
		}
	}()

	sig := <-sigChan
	logger.Info("shutdown signal", "signal", sig.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	select {
	case err := <-apiDone:
		if err != nil {
			logger.Error("control plane shutdown error", "error", err)
		}
	case <-shutdownCtx.Done():
		logger.Warn("control plane shutdown timed out")
	}

	controller.Stop(shutdownCtx)
	logger.Info("siteio agent stopped")
}
