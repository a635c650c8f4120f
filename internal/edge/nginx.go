package edge

import (
	"fmt"
	"os"
)

// nginxConfig is the static server's single vhost. The leading host
// label picks the site directory under /sites, with an index.html
// fallback so client-side routed apps work on deep links. Hosts that do
// not match a site directory fall through to the 404 server.
const nginxConfig = `server {
    listen 80;
    server_name ~^(?<subdomain>[a-z0-9-]+)\.;

    root /sites/$subdomain;
    index index.html;

    location / {
        try_files $uri $uri/ /index.html;
    }
}

server {
    listen 80 default_server;
    server_name _;
    return 404;
}
`

func (c *Controller) writeNginxConfig() error {
	if err := os.WriteFile(c.nginxConfigPath(), []byte(nginxConfig), 0o644); err != nil {
		return fmt.Errorf("failed to write static server config: %w", err)
	}
	return nil
}
