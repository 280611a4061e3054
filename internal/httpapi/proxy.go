package httpapi

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
)

// newProxy forwards /api/* to upstream through rt, which attaches the
// session credential and tenant headers.
func newProxy(upstream *url.URL, rt http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.Out.Header.Del(authHeader)
			pr.Out.Header.Del("Cookie")
		},
		Transport:     rt,
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if kind, ok := auth.KindOf(err); ok && kind == auth.KindRequestAuthorizationFailure {
				writeError(w, r, http.StatusUnauthorized, "not authenticated")
				return
			}
			obs.Warn("upstream call failed", map[string]any{
				"request_id": RequestIDFromContext(r.Context()),
				"path":       r.URL.Path,
				"error":      err.Error(),
			})
			writeError(w, r, http.StatusBadGateway, "upstream unavailable")
		},
	}
}

func (a *API) handleProxy(w http.ResponseWriter, r *http.Request) {
	if a.proxy == nil {
		writeError(w, r, http.StatusNotFound, "no upstream configured")
		return
	}
	a.proxy.ServeHTTP(w, r)
}
