package services

import (
	"strings"

	"enrichflow/backend/pkg/models"
)

// entityRef computes the deduplication identity for a work item under the
// given scope. ok is false when the item carries nothing usable as a key;
// such items run un-coalesced.
func entityRef(item *models.WorkItem, scope models.EntityScope) (kind models.EntityKind, dedupKey string, name *string, ok bool) {
	switch scope {
	case models.ScopeCompany:
		kind = models.EntityCompany
		name = item.CompanyName
		if k := normalizeDomain(deref(item.CompanyDomain)); k != "" {
			return kind, k, name, true
		}
		if k := strings.ToLower(strings.TrimSpace(deref(item.CompanyName))); k != "" {
			return kind, k, name, true
		}
		return kind, "", name, false

	case models.ScopePerson:
		kind = models.EntityPerson
		full := strings.TrimSpace(deref(item.PersonFirstName) + " " + deref(item.PersonLastName))
		if full != "" {
			name = &full
		}
		if k := strings.ToLower(strings.TrimSpace(deref(item.PersonLinkedInURL))); k != "" {
			return kind, strings.TrimSuffix(k, "/"), name, true
		}
		domain := normalizeDomain(deref(item.CompanyDomain))
		if full != "" && domain != "" {
			return kind, strings.ToLower(full) + "@" + domain, name, true
		}
		return kind, "", name, false
	}
	return "", "", nil, false
}

// normalizeDomain lowercases a domain and strips scheme, www prefix, and
// path so variants of the same domain coalesce.
func normalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexByte(d, '/'); i >= 0 {
		d = d[:i]
	}
	return d
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
