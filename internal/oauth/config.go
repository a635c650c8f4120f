package oauth

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the operator-provided OIDC provider configuration. All five
// fields are required; a missing file or any empty field leaves OIDC
// disabled and every resource effectively public.
type Config struct {
	IssuerURL    string `json:"issuerUrl"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	CookieSecret string `json:"cookieSecret"`
	CookieDomain string `json:"cookieDomain"`
}

// Complete reports whether every required field is set.
func (c *Config) Complete() bool {
	return c != nil &&
		c.IssuerURL != "" &&
		c.ClientID != "" &&
		c.ClientSecret != "" &&
		c.CookieSecret != "" &&
		c.CookieDomain != ""
}

// readConfig loads and validates the config file. A missing file returns
// (nil, nil): OIDC disabled. An unreadable or unparsable file is an error
// so a typo does not silently expose protected resources.
func readConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read oauth config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse oauth config at %s: %w", path, err)
	}

	if !cfg.Complete() {
		return nil, nil
	}
	return &cfg, nil
}
