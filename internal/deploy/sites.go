package deploy

import (
	"errors"

	"github.com/siteio/agent/internal/apps"
	"github.com/siteio/agent/internal/oauth"
	"github.com/siteio/agent/internal/shared/apierrors"
	"github.com/siteio/agent/internal/sites"
)

// DeploySite stores an uploaded archive as the live site, updates the
// mirror app record and rewrites the proxy config so the site's router
// appears. A nil policy keeps the site's existing one; setting a policy
// requires the server to have an OIDC config.
func (e *Engine) DeploySite(sub string, archive []byte, policy *oauth.Policy) (sites.Metadata, error) {
	if err := apps.ValidateName(sub); err != nil {
		return sites.Metadata{}, apierrors.NewValidationError("%s", err)
	}
	if policy != nil && !e.oauth.Enabled() {
		return sites.Metadata{}, apierrors.NewValidationError("OAuth is not configured on this server")
	}

	e.locks.Lock(sub)
	defer e.locks.Unlock(sub)

	meta, err := e.sites.ExtractAndStore(sub, archive, policy)
	if err != nil {
		if errors.Is(err, sites.ErrBadArchive) {
			return sites.Metadata{}, apierrors.NewValidationError("%s", err)
		}
		return sites.Metadata{}, apierrors.NewInternalError("failed to store site: %v", err)
	}

	if err := e.mirrorSite(meta); err != nil {
		return sites.Metadata{}, apierrors.NewInternalError("site stored but updating the app record failed: %v", err)
	}
	if err := e.edge.Refresh(); err != nil {
		return sites.Metadata{}, apierrors.NewInternalError("site stored but proxy config rewrite failed: %v", err)
	}

	e.logger.Info("site deployed", "site", sub, "files", len(meta.Files), "size", meta.Size)
	return meta, nil
}

// DeleteSite removes the site's files, history and mirror record, then
// drops its router from the proxy config.
func (e *Engine) DeleteSite(sub string) error {
	e.locks.Lock(sub)
	defer e.locks.Unlock(sub)

	if !e.sites.Exists(sub) {
		return apierrors.NewNotFoundError("site")
	}
	if err := e.sites.Delete(sub); err != nil {
		return apierrors.NewInternalError("failed to delete site: %v", err)
	}
	if err := e.apps.Delete(sub); err != nil && !errors.Is(err, apps.ErrAppNotFound) {
		e.logger.Warn("failed to delete site mirror record", "site", sub, "err", err)
	}
	if err := e.edge.Refresh(); err != nil {
		return apierrors.NewInternalError("site deleted but proxy config rewrite failed: %v", err)
	}

	e.logger.Info("site deleted", "site", sub)
	return nil
}

// RollbackSite restores a retained snapshot as the live content. The
// proxy config is untouched: a rollback changes files, not domains or
// policy.
func (e *Engine) RollbackSite(sub string, version int) (sites.Metadata, error) {
	e.locks.Lock(sub)
	defer e.locks.Unlock(sub)

	meta, err := e.sites.Rollback(sub, version)
	if err != nil {
		switch {
		case errors.Is(err, sites.ErrSiteNotFound):
			return sites.Metadata{}, apierrors.NewNotFoundError("site")
		case errors.Is(err, sites.ErrVersionNotFound):
			return sites.Metadata{}, apierrors.NewNotFoundError("site version")
		}
		return sites.Metadata{}, apierrors.NewInternalError("failed to roll back site: %v", err)
	}

	if err := e.mirrorSite(meta); err != nil {
		return sites.Metadata{}, apierrors.NewInternalError("site rolled back but updating the app record failed: %v", err)
	}

	e.logger.Info("site rolled back", "site", sub, "version", version)
	return meta, nil
}

// AuthPatch is an incremental policy update for a site. Nil fields keep
// the current value; Remove drops the policy entirely. A patch that
// clears every field also drops the policy, making the site public.
type AuthPatch struct {
	AllowedEmails *[]string
	AllowedDomain *string
	AllowedGroups *[]string
	Remove        bool
}

// UpdateSiteAuth merges the patch into the site's policy, mirrors the
// result onto the app record and rewrites the proxy config so the
// middleware chain follows.
func (e *Engine) UpdateSiteAuth(sub string, patch AuthPatch) (sites.Metadata, error) {
	e.locks.Lock(sub)
	defer e.locks.Unlock(sub)

	meta, err := e.sites.GetMetadata(sub)
	if err != nil {
		if errors.Is(err, sites.ErrSiteNotFound) {
			return sites.Metadata{}, apierrors.NewNotFoundError("site")
		}
		return sites.Metadata{}, apierrors.NewInternalError("failed to load site: %v", err)
	}

	var policy *oauth.Policy
	if !patch.Remove {
		p := oauth.Policy{}
		if meta.OAuth != nil {
			p = *meta.OAuth
		}
		if patch.AllowedEmails != nil {
			p.AllowedEmails = *patch.AllowedEmails
		}
		if patch.AllowedDomain != nil {
			p.AllowedDomain = *patch.AllowedDomain
		}
		if patch.AllowedGroups != nil {
			p.AllowedGroups = *patch.AllowedGroups
		}
		p.Normalize()
		if !p.IsEmpty() {
			policy = &p
		}
	}

	if policy != nil && !e.oauth.Enabled() {
		return sites.Metadata{}, apierrors.NewValidationError("OAuth is not configured on this server")
	}

	updated, err := e.sites.UpdateOAuth(sub, policy)
	if err != nil {
		return sites.Metadata{}, apierrors.NewInternalError("failed to update site policy: %v", err)
	}

	if app, err := e.apps.Get(sub); err == nil {
		app.OAuth = policy
		if _, err := e.apps.Update(app); err != nil {
			e.logger.Warn("failed to update site mirror record", "site", sub, "err", err)
		}
	}

	if err := e.edge.Refresh(); err != nil {
		return sites.Metadata{}, apierrors.NewInternalError("policy updated but proxy config rewrite failed: %v", err)
	}
	return updated, nil
}

// SiteZip packages the live site content for download.
func (e *Engine) SiteZip(sub string) ([]byte, error) {
	if !e.sites.Exists(sub) {
		return nil, apierrors.NewNotFoundError("site")
	}
	data, err := e.sites.Zip(sub)
	if err != nil {
		return nil, apierrors.NewInternalError("failed to archive site: %v", err)
	}
	return data, nil
}

// SiteVersions lists the site's retained snapshots, newest first.
func (e *Engine) SiteVersions(sub string) ([]sites.Version, error) {
	if !e.sites.Exists(sub) {
		return nil, apierrors.NewNotFoundError("site")
	}
	versions, err := e.sites.ListVersions(sub)
	if err != nil {
		return nil, apierrors.NewInternalError("failed to list site versions: %v", err)
	}
	return versions, nil
}

// mirrorSite upserts the app-surface record of a deployed site. The
// created path resets status, so a fresh mirror needs a second write to
// land as running.
func (e *Engine) mirrorSite(meta sites.Metadata) error {
	deployed := meta.DeployedAt
	mirror := apps.NewStaticSiteApp(meta.Subdomain, e.sites.SitePath(meta.Subdomain), meta.OAuth)
	mirror.Domains = meta.Domains
	mirror.Status = apps.StatusRunning
	mirror.DeployedAt = &deployed

	saved, err := e.apps.Upsert(mirror)
	if err != nil {
		return err
	}
	if saved.Status != apps.StatusRunning {
		saved.Status = apps.StatusRunning
		saved.DeployedAt = &deployed
		if _, err := e.apps.Update(saved); err != nil {
			return err
		}
	}
	return nil
}
