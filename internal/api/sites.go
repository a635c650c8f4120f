package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/siteio/agent/internal/deploy"
	"github.com/siteio/agent/internal/oauth"
	"github.com/siteio/agent/internal/sites"
)

func (s *Service) handleListSites(w http.ResponseWriter, r *http.Request) {
	list, err := s.sites.List()
	if err != nil {
		s.respondWith(w, r, err)
		return
	}
	if list == nil {
		list = []sites.Metadata{}
	}
	respondData(w, http.StatusOK, list)
}

func (s *Service) handleDeploySite(w http.ResponseWriter, r *http.Request) {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt != "application/zip" {
		respondError(w, http.StatusBadRequest, "Content-Type must be application/zip")
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	defer body.Close()
	archive, err := io.ReadAll(body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("upload exceeds the %d byte limit", maxErr.Limit))
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read upload: "+err.Error())
		return
	}

	meta, err := s.engine.DeploySite(r.PathValue("subdomain"), archive, sitePolicyFromHeaders(r))
	if err != nil {
		s.respondWith(w, r, err)
		return
	}
	respondData(w, http.StatusOK, meta)
}

// sitePolicyFromHeaders turns the optional upload headers into a policy.
// Values are normalized by the store before persisting.
func sitePolicyFromHeaders(r *http.Request) *oauth.Policy {
	emails := r.Header.Get("X-Site-OAuth-Emails")
	domain := r.Header.Get("X-Site-OAuth-Domain")
	if emails == "" && domain == "" {
		return nil
	}

	p := &oauth.Policy{AllowedDomain: domain}
	if emails != "" {
		p.AllowedEmails = strings.Split(emails, ",")
	}
	return p
}

func (s *Service) handleDeleteSite(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteSite(r.PathValue("subdomain")); err != nil {
		s.respondWith(w, r, err)
		return
	}
	respondData(w, http.StatusOK, nil)
}

func (s *Service) handleDownloadSite(w http.ResponseWriter, r *http.Request) {
	sub := r.PathValue("subdomain")
	data, err := s.engine.SiteZip(sub)
	if err != nil {
		s.respondWith(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sub+".zip"))
	_, _ = w.Write(data)
}

func (s *Service) handleUpdateSiteAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AllowedEmails *[]string `json:"allowedEmails"`
		AllowedDomain *string   `json:"allowedDomain"`
		AllowedGroups *[]string `json:"allowedGroups"`
		Remove        bool      `json:"remove"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	_, err := s.engine.UpdateSiteAuth(r.PathValue("subdomain"), deploy.AuthPatch{
		AllowedEmails: req.AllowedEmails,
		AllowedDomain: req.AllowedDomain,
		AllowedGroups: req.AllowedGroups,
		Remove:        req.Remove,
	})
	if err != nil {
		s.respondWith(w, r, err)
		return
	}
	respondData(w, http.StatusOK, nil)
}

func (s *Service) handleSiteVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.engine.SiteVersions(r.PathValue("subdomain"))
	if err != nil {
		s.respondWith(w, r, err)
		return
	}
	if versions == nil {
		versions = []sites.Version{}
	}
	respondData(w, http.StatusOK, versions)
}

func (s *Service) handleRollbackSite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version int `json:"version" validate:"required,min=1"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := checkBody(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	meta, err := s.engine.RollbackSite(r.PathValue("subdomain"), req.Version)
	if err != nil {
		s.respondWith(w, r, err)
		return
	}
	respondData(w, http.StatusOK, meta)
}
