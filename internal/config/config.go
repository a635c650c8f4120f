package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/docker/go-units"
)

// Config is the agent configuration, parsed from the environment.
type Config struct {
	// Domain is the operator-owned wildcard zone everything publishes
	// under (apps at <name>.<domain>, control plane at api.<domain>).
	Domain string `env:"DOMAIN,required"`

	// Email is the ACME account email used by the cert resolver.
	Email string `env:"EMAIL,required"`

	// APIKey protects the control plane. When empty a key is generated
	// and persisted under the data dir at first start.
	APIKey string `env:"API_KEY"`

	DataDir   string `env:"DATA_DIR" envDefault:"/data"`
	HTTPPort  int    `env:"HTTP_PORT" envDefault:"80"`
	HTTPSPort int    `env:"HTTPS_PORT" envDefault:"443"`

	// Port is the internal control-plane listener, reached by the proxy
	// through the host gateway.
	Port int `env:"PORT" envDefault:"3000"`

	// AdminPort is the proxy admin API, bound to the loopback only.
	AdminPort int `env:"ADMIN_PORT" envDefault:"8080"`

	MaxUploadSize string `env:"MAX_UPLOAD_SIZE" envDefault:"50MB"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// MaxUploadBytes is derived from MaxUploadSize during Load.
	MaxUploadBytes int64 `env:"-"`
}

// Load parses and validates the agent configuration.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(cfg.Domain), "."))
	if cfg.Domain == "" {
		return nil, fmt.Errorf("DOMAIN must not be empty")
	}

	cfg.MaxUploadBytes, err = units.RAMInBytes(cfg.MaxUploadSize)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MAX_UPLOAD_SIZE %q: %w", cfg.MaxUploadSize, err)
	}
	if cfg.MaxUploadBytes <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_SIZE must be positive, got %q", cfg.MaxUploadSize)
	}

	return &cfg, nil
}

// OAuthConfigPath is where the operator drops the OIDC provider config.
func (c *Config) OAuthConfigPath() string {
	return filepath.Join(c.DataDir, "oauth-config.json")
}

// APIKeyPath is where a generated control-plane key is persisted.
func (c *Config) APIKeyPath() string {
	return filepath.Join(c.DataDir, "api-key")
}

// AgentIDPath is where the stable agent identity lives.
func (c *Config) AgentIDPath() string {
	return filepath.Join(c.DataDir, "agent-id")
}
