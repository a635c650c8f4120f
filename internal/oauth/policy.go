package oauth

import (
	"strings"

	"github.com/samber/lo"
)

// Policy is the access-control rule set attached to an app or site.
// A nil policy means the resource is public. A non-nil policy with no
// fields set admits any authenticated email.
type Policy struct {
	AllowedEmails []string `json:"allowedEmails,omitempty"`
	AllowedDomain string   `json:"allowedDomain,omitempty"`
	AllowedGroups []string `json:"allowedGroups,omitempty"`
}

// Normalize lowercases and dedupes all fields. Policies are normalized
// before persisting so evaluation can compare exact strings.
func (p *Policy) Normalize() {
	p.AllowedEmails = lo.Uniq(lo.FilterMap(p.AllowedEmails, func(e string, _ int) (string, bool) {
		e = strings.ToLower(strings.TrimSpace(e))
		return e, e != ""
	}))
	p.AllowedDomain = strings.ToLower(strings.TrimSpace(p.AllowedDomain))
	p.AllowedGroups = lo.Uniq(lo.FilterMap(p.AllowedGroups, func(g string, _ int) (string, bool) {
		g = strings.ToLower(strings.TrimSpace(g))
		return g, g != ""
	}))
}

// IsEmpty reports whether no rule is set.
func (p *Policy) IsEmpty() bool {
	return len(p.AllowedEmails) == 0 && p.AllowedDomain == "" && len(p.AllowedGroups) == 0
}

// Allows evaluates the policy against an authenticated email. The email
// must already be lowercased. resolveGroups expands group names to their
// member emails; it is only consulted when the policy names groups.
func (p *Policy) Allows(email string, resolveGroups func(names []string) []string) bool {
	if p.IsEmpty() {
		// Present-but-empty policy: any authenticated user.
		return true
	}

	if lo.Contains(p.AllowedEmails, email) {
		return true
	}

	if p.AllowedDomain != "" {
		if _, domain, ok := strings.Cut(email, "@"); ok && domain == p.AllowedDomain {
			return true
		}
	}

	if len(p.AllowedGroups) > 0 && resolveGroups != nil {
		if lo.Contains(resolveGroups(p.AllowedGroups), email) {
			return true
		}
	}

	return false
}
