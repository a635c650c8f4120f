package runtime

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// TraefikLabels emits the discovery labels the edge proxy's container
// provider consumes. name keys the router and service (the container
// name, so routers stay unique per app), domains are ORed into a single
// Host rule, and requireAuth attaches the shared file-provider
// middleware chain by fully-qualified name.
func TraefikLabels(name string, domains []string, port int, requireAuth bool) map[string]string {
	rule := strings.Join(lo.Map(domains, func(d string, _ int) string {
		return fmt.Sprintf("Host(`%s`)", d)
	}), " || ")

	labels := map[string]string{
		"traefik.enable": "true",
		fmt.Sprintf("traefik.http.routers.%s.rule", name):                      rule,
		fmt.Sprintf("traefik.http.routers.%s.entrypoints", name):               EntrypointSecure,
		fmt.Sprintf("traefik.http.routers.%s.tls.certresolver", name):          CertResolver,
		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", name): strconv.Itoa(port),
	}

	if requireAuth {
		qualified := lo.Map(AuthMiddlewares(), func(m string, _ int) string { return m + "@file" })
		labels[fmt.Sprintf("traefik.http.routers.%s.middlewares", name)] = strings.Join(qualified, ",")
	}

	return labels
}
