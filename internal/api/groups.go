package api

import (
	"errors"
	"net/http"

	"github.com/siteio/agent/internal/groups"
)

// emailsRequest is shared by the add and remove member endpoints.
type emailsRequest struct {
	Emails []string `json:"emails" validate:"required,min=1"`
}

func (s *Service) handleListGroups(w http.ResponseWriter, r *http.Request) {
	list := s.groups.List()
	if list == nil {
		list = []groups.Group{}
	}
	respondData(w, http.StatusOK, list)
}

func (s *Service) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string   `json:"name" validate:"required,resourcename"`
		Emails []string `json:"emails"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := checkBody(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	g, err := s.engine.CreateGroup(req.Name, req.Emails)
	if err != nil {
		s.respondWith(w, r, err)
		return
	}
	respondData(w, http.StatusCreated, g)
}

func (s *Service) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.groups.Get(r.PathValue("name"))
	if err != nil {
		if errors.Is(err, groups.ErrGroupNotFound) {
			respondError(w, http.StatusNotFound, "group not found")
			return
		}
		s.respondWith(w, r, err)
		return
	}
	respondData(w, http.StatusOK, g)
}

func (s *Service) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteGroup(r.PathValue("name")); err != nil {
		s.respondWith(w, r, err)
		return
	}
	respondData(w, http.StatusOK, nil)
}

func (s *Service) handleAddGroupEmails(w http.ResponseWriter, r *http.Request) {
	var req emailsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := checkBody(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	g, err := s.engine.AddGroupEmails(r.PathValue("name"), req.Emails)
	if err != nil {
		s.respondWith(w, r, err)
		return
	}
	respondData(w, http.StatusOK, g)
}

func (s *Service) handleRemoveGroupEmails(w http.ResponseWriter, r *http.Request) {
	var req emailsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := checkBody(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	g, err := s.engine.RemoveGroupEmails(r.PathValue("name"), req.Emails)
	if err != nil {
		s.respondWith(w, r, err)
		return
	}
	respondData(w, http.StatusOK, g)
}
