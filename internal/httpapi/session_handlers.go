package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/guard"
	"tenantgate.org/internal/session"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

type sessionView struct {
	ID            string              `json:"id"`
	State         string              `json:"state"`
	Authenticated bool                `json:"authenticated"`
	Refreshing    bool                `json:"refreshing"`
	SuperAdmin    bool                `json:"is_superadmin"`
	Organizations []auth.Organization `json:"organizations"`
	Current       *auth.Organization  `json:"current_organization,omitempty"`
	Home          string              `json:"home,omitempty"`
}

func viewOf(snap session.Snapshot) sessionView {
	v := sessionView{
		ID:            snap.ID,
		State:         snap.State.String(),
		Authenticated: snap.Authenticated(),
		Refreshing:    snap.Refreshing,
		SuperAdmin:    snap.SuperAdmin,
		Organizations: snap.Organizations.Organizations,
		Current:       snap.Current,
	}
	if v.Organizations == nil {
		v.Organizations = []auth.Organization{}
	}
	if snap.Current != nil {
		v.Home = guard.TenantPath(*snap.Current, "dashboard")
	}
	return v
}

type loginRequest struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type organizationRequest struct {
	ID     string `json:"id,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

type routeResponse struct {
	Action string `json:"action"`
	Route  string `json:"route,omitempty"`
	Return string `json:"return,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(a.session.Snapshot()))
}

// handleLogin receives the identity provider callback. The credential comes
// either as a JSON body or as a bearer Authorization header.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if token, err := extractBearerToken(r.Header.Get(authHeader)); err == nil {
		req.Token = token
	} else if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	cred := auth.Credential{Token: strings.TrimSpace(req.Token), RefreshToken: strings.TrimSpace(req.RefreshToken)}
	if cred.IsZero() {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}
	if err := a.session.Login(r.Context(), cred); err != nil {
		writeError(w, r, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(a.session.Snapshot()))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.session.Logout(r.Context(), session.ReasonUser); err != nil {
		writeError(w, r, http.StatusInternalServerError, "logout incomplete")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleOrganization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	var req organizationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ID) == "" && strings.TrimSpace(req.Prefix) == "" {
		writeError(w, r, http.StatusBadRequest, "id or prefix is required")
		return
	}

	snap := a.session.Snapshot()
	if !snap.Authenticated() {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}
	org, ok := snap.Organizations.FindByID(strings.TrimSpace(req.ID))
	if !ok {
		org, ok = snap.Organizations.FindByPrefix(req.Prefix)
	}
	if !ok {
		writeError(w, r, http.StatusForbidden, "organization is not accessible")
		return
	}
	if err := a.session.SelectOrganization(r.Context(), org); err != nil {
		if errors.Is(err, auth.ErrTenantAccess) {
			writeError(w, r, http.StatusForbidden, "organization is not accessible")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "select organization failed")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(a.session.Snapshot()))
}

func (a *API) handleRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p := r.URL.Query().Get("path")
	if p == "" {
		writeError(w, r, http.StatusBadRequest, "path is required")
		return
	}
	d := a.guard.Decide(a.session.Snapshot(), p)
	guard.Record(d)
	writeJSON(w, http.StatusOK, routeResponse{
		Action: d.Action.String(),
		Route:  d.Route,
		Return: d.Return,
		Reason: d.Reason,
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
