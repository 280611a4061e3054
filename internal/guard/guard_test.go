package guard

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/session"
)

var (
	acme  = auth.Organization{ID: "o1", Name: "Acme", Prefix: "acme"}
	other = auth.Organization{ID: "o2", Name: "Other", Prefix: "other"}
)

func authed(current *auth.Organization, orgs ...auth.Organization) session.Snapshot {
	return session.Snapshot{
		State:         session.StateAuthenticated,
		Organizations: auth.Directory{Organizations: orgs},
		Current:       current,
	}
}

func TestDecide(t *testing.T) {
	g := New(Routes{})
	cur := acme

	cases := []struct {
		name   string
		snap   session.Snapshot
		path   string
		action Action
		route  string
		reason string
	}{
		{"loading wins over everything", session.Snapshot{State: session.StateLoading}, "/acme/dashboard", Loading, "", ""},
		{"unauthenticated to login", session.Snapshot{State: session.StateUnauthenticated}, "/dashboard", Redirect, "/login", ReasonUnauthenticated},
		{"unauthenticated login renders", session.Snapshot{State: session.StateUnauthenticated}, "/login", Render, "", ""},
		{"unauthenticated error renders", session.Snapshot{State: session.StateUnauthenticated}, "/error", Render, "", ""},
		{"prefix selected without current", authed(nil, acme, other), "/acme/dashboard", Redirect, "/select-organization", ReasonTenantMismatch},
		{"unknown prefix", authed(&cur, acme, other), "/nope/dashboard", Redirect, "/select-organization", ReasonUnknownTenant},
		{"prefix differs from current", authed(&cur, acme, other), "/other/dashboard", Redirect, "/select-organization", ReasonTenantMismatch},
		{"prefix matches current", authed(&cur, acme, other), "/acme/dashboard", Render, "", ""},
		{"prefix is case insensitive", authed(&cur, acme, other), "/ACME/dashboard/", Render, "", ""},
		{"no prefix no current", authed(nil, acme), "/dashboard", Redirect, "/select-organization", ReasonNoTenant},
		{"no prefix empty set", authed(nil), "/dashboard", Render, "", ""},
		{"selection route itself", authed(nil, acme), "/select-organization", Render, "", ""},
		{"login while authenticated", authed(nil, acme), "/login", Render, "", ""},
		{"superadmin denied", authed(&cur, acme), "/superadmin", Redirect, "/select-organization", ReasonNotSuperAdmin},
		{"unprefixed screen with current", authed(&cur, acme), "/users/42", Render, "", ""},
		{"tenant home of another org", authed(&cur, acme, other), "/other", Redirect, "/select-organization", ReasonTenantMismatch},
		{"tenant home of unknown org", authed(&cur, acme), "/other", Redirect, "/select-organization", ReasonUnknownTenant},
		{"tenant home of current org", authed(&cur, acme, other), "/acme/", Render, "", ""},
		{"query string ignored", authed(&cur, acme, other), "/other/points?page=2", Redirect, "/select-organization", ReasonTenantMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := g.Decide(tc.snap, tc.path)
			if d.Action != tc.action || d.Route != tc.route || d.Reason != tc.reason {
				t.Fatalf("got %+v (%s), want action=%s route=%q reason=%q", d, d.Action, tc.action, tc.route, tc.reason)
			}
		})
	}
}

func TestPrefixedPathDoesNotAutoSelect(t *testing.T) {
	g := New(DefaultRoutes)
	snap := authed(nil, acme, other)
	d := g.Decide(snap, "/acme/dashboard")
	if d.Action != Redirect || d.Route != DefaultRoutes.SelectTenant {
		t.Fatalf("expected redirect to tenant selection, got %+v", d)
	}
	if d.Return != "/acme/dashboard" {
		t.Fatalf("return path = %q", d.Return)
	}
	if snap.Current != nil {
		t.Fatalf("guard must not select a tenant")
	}
}

func TestSuperAdminRendersForSuperAdmin(t *testing.T) {
	g := New(Routes{})
	snap := authed(nil, acme)
	snap.SuperAdmin = true
	if d := g.Decide(snap, "/superadmin/users"); d.Action != Render {
		t.Fatalf("got %+v", d)
	}
}

func TestPrefix(t *testing.T) {
	g := New(Routes{Screens: []string{"reports"}})
	cases := map[string]string{
		"/acme/reports": "acme",
		"/reports/2024": "",
		"/acme":         "acme",
		"/reports":      "",
		"/login/extra":  "",
		"/":             "",
	}
	for p, want := range cases {
		got, ok := g.Prefix(p)
		if got != want || ok != (want != "") {
			t.Fatalf("Prefix(%q) = %q, %v", p, got, ok)
		}
	}
}

func TestTenantPath(t *testing.T) {
	if got := TenantPath(acme, "/dashboard/"); got != "/acme/dashboard" {
		t.Fatalf("got %q", got)
	}
	if got := TenantPath(auth.Organization{Prefix: "/acme/"}, ""); got != "/acme" {
		t.Fatalf("got %q", got)
	}
	if got := TenantPath(auth.Organization{}, "users"); got != "/users" {
		t.Fatalf("got %q", got)
	}
}

func TestRoundTripThroughTenantPath(t *testing.T) {
	g := New(Routes{})
	cur := other
	p := TenantPath(other, "leaderboard")
	if d := g.Decide(authed(&cur, acme, other), p); d.Action != Render {
		t.Fatalf("decision for %s = %+v", p, d)
	}
}

func TestRecordCountsByReason(t *testing.T) {
	g := New(Routes{})
	counter := obs.GuardDecisionsTotal.WithLabelValues("redirect", ReasonNoTenant)
	before := testutil.ToFloat64(counter)

	Record(g.Decide(authed(nil, acme), "/dashboard"))
	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Fatalf("counter = %v, want %v", got, before+1)
	}
}
