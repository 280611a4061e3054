package auth

import "strings"

// Credential is the bearer credential held for the current browser session.
type Credential struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// IsZero reports whether the credential carries no access token.
func (c Credential) IsZero() bool {
	return strings.TrimSpace(c.Token) == ""
}

// Organization is a tenant the signed-in user may act within.
type Organization struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Prefix       string `json:"prefix"`
	Icon         string `json:"icon,omitempty"`
	IsSuperAdmin bool   `json:"is_superadmin"`
}

// Validation is the identity endpoint's verdict on a credential.
type Validation struct {
	Valid   bool `json:"valid"`
	Expired bool `json:"expired"`
}

// Directory is the set of organizations the authenticated user can access.
type Directory struct {
	Organizations []Organization `json:"organizations"`
	SuperAdmin    bool           `json:"is_superadmin"`
}

// FindByPrefix returns the organization routed under prefix.
func (d Directory) FindByPrefix(prefix string) (Organization, bool) {
	prefix = normalizePrefix(prefix)
	if prefix == "" {
		return Organization{}, false
	}
	for _, org := range d.Organizations {
		if normalizePrefix(org.Prefix) == prefix {
			return org, true
		}
	}
	return Organization{}, false
}

// FindByID returns the organization with the given identifier.
func (d Directory) FindByID(id string) (Organization, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Organization{}, false
	}
	for _, org := range d.Organizations {
		if org.ID == id {
			return org, true
		}
	}
	return Organization{}, false
}

// Contains reports whether org is a member of the directory. Membership is
// decided by identifier and routing prefix together.
func (d Directory) Contains(org Organization) bool {
	found, ok := d.FindByID(org.ID)
	if !ok {
		return false
	}
	return normalizePrefix(found.Prefix) == normalizePrefix(org.Prefix)
}

// Clone returns a copy that shares no slice storage with d.
func (d Directory) Clone() Directory {
	out := Directory{SuperAdmin: d.SuperAdmin}
	if len(d.Organizations) > 0 {
		out.Organizations = make([]Organization, len(d.Organizations))
		copy(out.Organizations, d.Organizations)
	}
	return out
}

func normalizePrefix(p string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(p), "/"))
}
