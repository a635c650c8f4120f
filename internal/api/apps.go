package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/samber/lo"

	"github.com/siteio/agent/internal/apps"
	"github.com/siteio/agent/internal/deploy"
	"github.com/siteio/agent/internal/oauth"
)

// createAppRequest is the POST /apps body. Exactly one of image and git
// must be set; the handler checks that because the pair does not map
// onto a single validator rule with a readable message.
type createAppRequest struct {
	Name          string             `json:"name" validate:"required,resourcename"`
	Image         string             `json:"image"`
	Git           *apps.GitSource    `json:"git"`
	InternalPort  int                `json:"internalPort" validate:"omitempty,min=1,max=65535"`
	Env           map[string]string  `json:"env"`
	Volumes       []apps.Volume      `json:"volumes"`
	RestartPolicy apps.RestartPolicy `json:"restartPolicy" validate:"omitempty,oneof=always unless-stopped on-failure no"`
	Domains       []string           `json:"domains"`
	OAuth         *oauth.Policy      `json:"oauth"`
}

func (s *Service) handleCreateApp(w http.ResponseWriter, r *http.Request) {
	var req createAppRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := checkBody(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var src apps.Source
	var err error
	switch {
	case req.Image != "" && req.Git != nil:
		respondError(w, http.StatusBadRequest, "set image or git, not both")
		return
	case req.Image != "":
		src, err = apps.NewImageSource(req.Image)
	case req.Git != nil:
		src, err = apps.NewGitSource(*req.Git)
	default:
		respondError(w, http.StatusBadRequest, "an app needs an image or a git source")
		return
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	app, err := s.engine.CreateApp(apps.App{
		Name:          req.Name,
		Source:        src,
		InternalPort:  req.InternalPort,
		Env:           req.Env,
		Volumes:       req.Volumes,
		RestartPolicy: req.RestartPolicy,
		Domains:       req.Domains,
		OAuth:         req.OAuth,
	})
	if err != nil {
		s.respondWith(w, r, err)
		return
	}
	respondData(w, http.StatusCreated, app)
}

func (s *Service) handleListApps(w http.ResponseWriter, r *http.Request) {
	list, err := s.apps.List()
	if err != nil {
		s.respondWith(w, r, err)
		return
	}
	infos := lo.Map(list, func(a apps.App, _ int) apps.Info { return a.ToInfo() })
	if infos == nil {
		infos = []apps.Info{}
	}
	respondData(w, http.StatusOK, infos)
}

func (s *Service) handleGetApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.apps.Get(r.PathValue("name"))
	if err != nil {
		if errors.Is(err, apps.ErrAppNotFound) {
			respondError(w, http.StatusNotFound, "app not found")
			return
		}
		s.respondWith(w, r, err)
		return
	}
	respondData(w, http.StatusOK, app)
}

// updateAppRequest is the PATCH /apps/{name} body. Absent fields keep
// their value. The oauth field stays raw so that an explicit null,
// which clears the policy, is distinguishable from an absent field.
type updateAppRequest struct {
	Image         *string             `json:"image"`
	Git           *apps.GitSource     `json:"git"`
	InternalPort  *int                `json:"internalPort" validate:"omitempty,min=1,max=65535"`
	Env           *map[string]string  `json:"env"`
	Volumes       *[]apps.Volume      `json:"volumes"`
	RestartPolicy *apps.RestartPolicy `json:"restartPolicy" validate:"omitempty,oneof=always unless-stopped on-failure no"`
	Domains       *[]string           `json:"domains"`
	OAuth         json.RawMessage     `json:"oauth"`
}

func (s *Service) handleUpdateApp(w http.ResponseWriter, r *http.Request) {
	var req updateAppRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := checkBody(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	patch := deploy.AppPatch{
		Image:         req.Image,
		Git:           req.Git,
		InternalPort:  req.InternalPort,
		Env:           req.Env,
		Volumes:       req.Volumes,
		RestartPolicy: req.RestartPolicy,
		Domains:       req.Domains,
	}
	if len(req.OAuth) > 0 {
		patch.OAuthSet = true
		if string(req.OAuth) != "null" {
			var p oauth.Policy
			if err := json.Unmarshal(req.OAuth, &p); err != nil {
				respondError(w, http.StatusBadRequest, "invalid oauth policy: "+err.Error())
				return
			}
			patch.OAuth = &p
		}
	}

	app, err := s.engine.UpdateApp(r.PathValue("name"), patch)
	if err != nil {
		s.respondWith(w, r, err)
		return
	}
	respondData(w, http.StatusOK, app)
}

func (s *Service) handleDeleteApp(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteApp(r.Context(), r.PathValue("name")); err != nil {
		s.respondWith(w, r, err)
		return
	}
	respondData(w, http.StatusOK, nil)
}

func (s *Service) handleDeployApp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NoCache bool `json:"noCache"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	app, err := s.engine.DeployApp(r.Context(), r.PathValue("name"), req.NoCache)
	if err != nil {
		s.respondWith(w, r, err)
		return
	}
	respondData(w, http.StatusOK, app)
}

func (s *Service) handleStopApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.engine.StopApp(r.Context(), r.PathValue("name"))
	if err != nil {
		s.respondWith(w, r, err)
		return
	}
	respondData(w, http.StatusOK, app)
}

func (s *Service) handleRestartApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.engine.RestartApp(r.Context(), r.PathValue("name"))
	if err != nil {
		s.respondWith(w, r, err)
		return
	}
	respondData(w, http.StatusOK, app)
}

func (s *Service) handleAppLogs(w http.ResponseWriter, r *http.Request) {
	tail := 100
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "tail must be a positive integer")
			return
		}
		tail = n
	}

	logs, err := s.engine.AppLogs(r.Context(), r.PathValue("name"), tail)
	if err != nil {
		s.respondWith(w, r, err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"logs": logs})
}
