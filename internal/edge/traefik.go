package edge

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/siteio/agent/internal/runtime"
)

// Static proxy configuration, written once at startup. The proxy reads
// it from /etc/traefik/traefik.yml inside the container; the data
// directory's traefik tree is bind-mounted there.
type staticConfig struct {
	API                  apiConfig               `yaml:"api"`
	EntryPoints          map[string]entryPoint   `yaml:"entryPoints"`
	Providers            providersConfig         `yaml:"providers"`
	CertificateResolvers map[string]certResolver `yaml:"certificatesResolvers"`
	Log                  logConfig               `yaml:"log"`
}

type apiConfig struct {
	Dashboard bool `yaml:"dashboard"`
	Insecure  bool `yaml:"insecure"`
}

type entryPoint struct {
	Address string          `yaml:"address"`
	HTTP    *entryPointHTTP `yaml:"http,omitempty"`
}

type entryPointHTTP struct {
	Redirections redirections `yaml:"redirections"`
}

type redirections struct {
	EntryPoint redirectTarget `yaml:"entryPoint"`
}

type redirectTarget struct {
	To     string `yaml:"to"`
	Scheme string `yaml:"scheme"`
}

type providersConfig struct {
	File   fileProvider   `yaml:"file"`
	Docker dockerProvider `yaml:"docker"`
}

type fileProvider struct {
	Filename string `yaml:"filename"`
	Watch    bool   `yaml:"watch"`
}

type dockerProvider struct {
	ExposedByDefault bool   `yaml:"exposedByDefault"`
	Network          string `yaml:"network"`
}

type certResolver struct {
	ACME acmeConfig `yaml:"acme"`
}

type acmeConfig struct {
	Email         string        `yaml:"email"`
	Storage       string        `yaml:"storage"`
	HTTPChallenge httpChallenge `yaml:"httpChallenge"`
}

type httpChallenge struct {
	EntryPoint string `yaml:"entryPoint"`
}

type logConfig struct {
	Level string `yaml:"level"`
}

// buildStaticConfig assembles the proxy's startup configuration: both
// entrypoints with an HTTP-to-HTTPS redirect, the watched dynamic file,
// the container provider restricted to the shared network, and the ACME
// resolver using the HTTP challenge.
func (c *Controller) buildStaticConfig() staticConfig {
	return staticConfig{
		API: apiConfig{
			// The admin API is served insecure but only published on
			// the host loopback; TLSStatus is its sole consumer.
			Dashboard: false,
			Insecure:  true,
		},
		EntryPoints: map[string]entryPoint{
			runtime.EntrypointWeb: {
				Address: ":80",
				HTTP: &entryPointHTTP{
					Redirections: redirections{
						EntryPoint: redirectTarget{To: runtime.EntrypointSecure, Scheme: "https"},
					},
				},
			},
			runtime.EntrypointSecure: {
				Address: ":443",
			},
		},
		Providers: providersConfig{
			File: fileProvider{
				Filename: "/etc/traefik/dynamic.yml",
				Watch:    true,
			},
			Docker: dockerProvider{
				ExposedByDefault: false,
				Network:          runtime.NetworkName,
			},
		},
		CertificateResolvers: map[string]certResolver{
			runtime.CertResolver: {
				ACME: acmeConfig{
					Email:         c.cfg.Email,
					Storage:       "/certs/acme.json",
					HTTPChallenge: httpChallenge{EntryPoint: runtime.EntrypointWeb},
				},
			},
		},
		Log: logConfig{Level: "INFO"},
	}
}

func (c *Controller) writeStaticConfig() error {
	data, err := yaml.Marshal(c.buildStaticConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal proxy config: %w", err)
	}
	if err := os.WriteFile(c.staticConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write proxy config: %w", err)
	}
	return nil
}
