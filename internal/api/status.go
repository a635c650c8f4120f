package api

import (
	"encoding/json"
	"net/http"

	"github.com/siteio/agent/internal/edge"
	"github.com/siteio/agent/internal/shared/logging"
)

// handleHealth answers without the envelope so load balancers and
// uptime checks can match the body verbatim.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Service) handleOAuthStatus(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, map[string]bool{"enabled": s.oauth.Enabled()})
}

type statusResponse struct {
	AgentID     string                          `json:"agentId"`
	Domain      string                          `json:"domain"`
	OIDCEnabled bool                            `json:"oidcEnabled"`
	Containers  map[string]edge.ContainerStatus `json:"containers"`
	TLS         map[string]string               `json:"tls"`
}

// handleStatus reports what the edge controller observes. A failing TLS
// probe, say because the proxy admin API is down, degrades to an empty
// map instead of failing the whole endpoint; the container states still
// tell the operator what is wrong.
func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	tls, err := s.edge.TLSStatus(r.Context())
	if err != nil {
		logging.From(r.Context()).Warn("tls status probe failed", "error", err)
		tls = map[string]string{}
	}

	respondData(w, http.StatusOK, statusResponse{
		AgentID:     s.cfg.AgentID.String(),
		Domain:      s.cfg.Domain,
		OIDCEnabled: s.oauth.Enabled(),
		Containers:  s.edge.InfraStatus(r.Context()),
		TLS:         tls,
	})
}
