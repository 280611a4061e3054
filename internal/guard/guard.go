// Package guard decides, for a session snapshot and a requested path, whether
// to render the screen, show a loading indicator, or redirect.
package guard

import (
	"path"
	"strings"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/session"
)

// Action is what the view layer should do.
type Action int

const (
	Render Action = iota
	Loading
	Redirect
)

func (a Action) String() string {
	switch a {
	case Render:
		return "render"
	case Loading:
		return "loading"
	case Redirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Decision is the outcome for one navigation attempt. Route is set for
// redirects; Return is the originally requested path.
type Decision struct {
	Action Action `json:"-"`
	Route  string `json:"route,omitempty"`
	Return string `json:"return,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Redirect reasons.
const (
	ReasonUnauthenticated = "unauthenticated"
	ReasonUnknownTenant   = "unknown_tenant"
	ReasonTenantMismatch  = "tenant_mismatch"
	ReasonNoTenant        = "no_tenant"
	ReasonNotSuperAdmin   = "not_superadmin"
)

// Routes names the tenant-independent routes and the screens that may appear
// without a tenant prefix.
type Routes struct {
	Login        string
	SelectTenant string
	SuperAdmin   string
	Error        string
	// Screens are first path segments that are never a tenant prefix.
	Screens []string
}

// DefaultRoutes is the dashboard's route layout.
var DefaultRoutes = Routes{
	Login:        "/login",
	SelectTenant: "/select-organization",
	SuperAdmin:   "/superadmin",
	Error:        "/error",
	Screens: []string{
		"dashboard", "users", "leaderboard", "points", "merchandise",
		"jeopardy", "calendar", "contributions", "settings",
	},
}

// Guard applies the routing rules for one route layout.
type Guard struct {
	routes      Routes
	independent map[string]bool
	screens     map[string]bool
}

// New builds a Guard. Empty fields in r take their DefaultRoutes values.
func New(r Routes) *Guard {
	if r.Login == "" {
		r.Login = DefaultRoutes.Login
	}
	if r.SelectTenant == "" {
		r.SelectTenant = DefaultRoutes.SelectTenant
	}
	if r.SuperAdmin == "" {
		r.SuperAdmin = DefaultRoutes.SuperAdmin
	}
	if r.Error == "" {
		r.Error = DefaultRoutes.Error
	}
	if r.Screens == nil {
		r.Screens = DefaultRoutes.Screens
	}
	g := &Guard{
		routes:      r,
		independent: make(map[string]bool, 4),
		screens:     make(map[string]bool, len(r.Screens)),
	}
	for _, route := range []string{r.Login, r.SelectTenant, r.SuperAdmin, r.Error} {
		g.independent[firstSegment(route)] = true
	}
	for _, s := range r.Screens {
		g.screens[strings.ToLower(strings.Trim(s, "/"))] = true
	}
	return g
}

// Routes returns the effective route layout.
func (g *Guard) Routes() Routes { return g.routes }

// Decide applies the rules in order: loading, authentication, tenant prefix,
// missing tenant, superadmin gate. Loading is checked first so a session that
// is still resolving never flashes the login screen.
func (g *Guard) Decide(snap session.Snapshot, requested string) Decision {
	p := cleanPath(requested)
	first := firstSegment(p)

	switch snap.State {
	case session.StateLoading:
		return Decision{Action: Loading, Return: p}
	case session.StateAuthenticated:
	default:
		if first == firstSegment(g.routes.Login) || first == firstSegment(g.routes.Error) {
			return Decision{Action: Render, Return: p}
		}
		return g.redirect(g.routes.Login, p, ReasonUnauthenticated)
	}

	if prefix, ok := g.Prefix(p); ok {
		if _, member := snap.Organizations.FindByPrefix(prefix); !member {
			return g.redirect(g.routes.SelectTenant, p, ReasonUnknownTenant)
		}
		if snap.Current == nil || !strings.EqualFold(strings.Trim(snap.Current.Prefix, "/"), prefix) {
			return g.redirect(g.routes.SelectTenant, p, ReasonTenantMismatch)
		}
		return Decision{Action: Render, Return: p}
	}

	if !g.independent[first] && len(snap.Organizations.Organizations) > 0 && snap.Current == nil {
		return g.redirect(g.routes.SelectTenant, p, ReasonNoTenant)
	}
	if first == firstSegment(g.routes.SuperAdmin) && !snap.SuperAdmin {
		return g.redirect(g.routes.SelectTenant, p, ReasonNotSuperAdmin)
	}
	return Decision{Action: Render, Return: p}
}

// Prefix returns the tenant prefix carried by p: its first segment, unless
// that is a known screen or a tenant-independent route. A bare "/<prefix>"
// is the tenant's home and carries a prefix too.
func (g *Guard) Prefix(p string) (string, bool) {
	segs := segments(cleanPath(p))
	if len(segs) == 0 {
		return "", false
	}
	first := strings.ToLower(segs[0])
	if g.screens[first] || g.independent[first] {
		return "", false
	}
	return first, true
}

func (g *Guard) redirect(route, requested, reason string) Decision {
	// Never redirect a route to itself.
	if firstSegment(route) == firstSegment(requested) {
		return Decision{Action: Render, Return: requested}
	}
	return Decision{Action: Redirect, Route: route, Return: requested, Reason: reason}
}

// Record counts d in the guard metrics.
func Record(d Decision) {
	target := d.Reason
	if target == "" {
		target = "screen"
	}
	obs.GuardDecisionsTotal.WithLabelValues(d.Action.String(), target).Inc()
}

// TenantPath builds the tenant-prefixed path of screen within org.
func TenantPath(org auth.Organization, screen string) string {
	prefix := strings.Trim(strings.TrimSpace(org.Prefix), "/")
	screen = strings.Trim(strings.TrimSpace(screen), "/")
	if prefix == "" {
		return "/" + screen
	}
	if screen == "" {
		return "/" + prefix
	}
	return "/" + prefix + "/" + screen
}

func cleanPath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func segments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func firstSegment(p string) string {
	segs := segments(cleanPath(p))
	if len(segs) == 0 {
		return ""
	}
	return strings.ToLower(segs[0])
}
