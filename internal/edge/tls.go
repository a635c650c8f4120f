package edge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Per-router TLS states: "valid" means an ACME-issued certificate is
// being served, "pending" that the proxy still serves a placeholder,
// "error" that the router is broken or unreachable, "none" that the
// router terminates no TLS.
const (
	TLSValid   = "valid"
	TLSPending = "pending"
	TLSError   = "error"
	TLSNone    = "none"
)

const tlsProbeTimeout = 5 * time.Second

// letsEncryptOrg is the issuer organization on certificates the ACME
// resolver obtains.
const letsEncryptOrg = "Let's Encrypt"

var hostLiteral = regexp.MustCompile("Host\\(`([^`]+)`\\)")

// routerStatus is the slice of the proxy admin API's router listing the
// prober consumes.
type routerStatus struct {
	Name   string `json:"name"`
	Rule   string `json:"rule"`
	Status string `json:"status"`
	TLS    *struct {
		CertResolver string `json:"certResolver,omitempty"`
	} `json:"tls,omitempty"`
}

func defaultProbeAddr(host string) string {
	return net.JoinHostPort(host, "443")
}

// TLSStatus asks the proxy admin API for its routers and probes the
// first host of each rule in parallel. Routers without a Host literal,
// such as the /oauth2/ catch-all, are skipped.
func (c *Controller) TLSStatus(ctx context.Context) (map[string]string, error) {
	routers, err := c.listRouters(ctx)
	if err != nil {
		return nil, err
	}

	results := make(map[string]string, len(routers))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, r := range routers {
		match := hostLiteral.FindStringSubmatch(r.Rule)
		if match == nil {
			continue
		}
		host := match[1]

		g.Go(func() error {
			var state string
			switch {
			case r.TLS == nil:
				state = TLSNone
			case r.Status != "enabled":
				state = TLSError
			default:
				state = c.probeTLS(gctx, host)
			}
			mu.Lock()
			results[r.Name] = state
			mu.Unlock()
			return nil
		})
	}

	// Probes report through the map, never as errors.
	_ = g.Wait()
	return results, nil
}

func (c *Controller) listRouters(ctx context.Context) ([]routerStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.adminURL+"/api/http/routers", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build admin api request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query proxy admin api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxy admin api returned status %d", resp.StatusCode)
	}

	var routers []routerStatus
	if err := json.NewDecoder(resp.Body).Decode(&routers); err != nil {
		return nil, fmt.Errorf("failed to decode proxy router list: %w", err)
	}
	return routers, nil
}

// probeTLS completes a handshake against the host and classifies the
// presented chain. Verification stays off: the whole point is to also
// recognize the proxy's self-signed placeholder cert.
func (c *Controller) probeTLS(ctx context.Context, host string) string {
	dctx, cancel := context.WithTimeout(ctx, tlsProbeTimeout)
	defer cancel()

	dialer := &tls.Dialer{Config: &tls.Config{ServerName: host, InsecureSkipVerify: true}}
	conn, err := dialer.DialContext(dctx, "tcp", c.probeAddr(host))
	if err != nil {
		return TLSError
	}
	defer conn.Close()

	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return TLSPending
	}
	for _, org := range certs[0].Issuer.Organization {
		if org == letsEncryptOrg {
			return TLSValid
		}
	}
	return TLSPending
}
