// Package httpapi serves the local session API of the console daemon: the
// session state, login callback, logout, organization switching, route
// decisions and the authenticated business API proxy.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"tenantgate.org/internal/guard"
	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/session"
	"tenantgate.org/internal/stream"
)

const serviceName = "consoled"

// ReadyProbe reports readiness: the session has left Loading and the
// store database, if any, answers a ping.
type ReadyProbe struct {
	DB      *sql.DB
	Session *session.Session
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Session != nil && rp.Session.State() == session.StateLoading {
		return errors.New("session still loading")
	}
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options configures the API.
type Options struct {
	Session *session.Session
	Guard   *guard.Guard

	// Upstream is the business API base URL; /api/* is proxied there.
	Upstream  *url.URL
	// Transport authenticates proxied calls, normally a *dispatch.Transport.
	Transport http.RoundTripper

	Events     *stream.Stream
	Ready      ReadyProbe
	Version    string
	Origins    []string
	RateBurst  int
	RatePerSec float64
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	session    *session.Session
	guard      *guard.Guard
	proxy      *httputil.ReverseProxy
	events     *stream.Stream
	readyProbe ReadyProbe
	version    string
	origins    []string
	rateBurst  int
	ratePerSec float64
}

func New(opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		session:    opts.Session,
		guard:      opts.Guard,
		events:     opts.Events,
		readyProbe: opts.Ready,
		version:    opts.Version,
		origins:    opts.Origins,
		rateBurst:  opts.RateBurst,
		ratePerSec: opts.RatePerSec,
	}
	if a.guard == nil {
		a.guard = guard.New(guard.DefaultRoutes)
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 40
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 20
	}
	if opts.Upstream != nil {
		a.proxy = newProxy(opts.Upstream, opts.Transport)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/session", a.handleSession)
	a.mux.HandleFunc("/v1/session/login", a.handleLogin)
	a.mux.HandleFunc("/v1/session/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/session/organization", a.handleOrganization)
	a.mux.HandleFunc("/v1/session/events", a.Events)
	a.mux.HandleFunc("/v1/route", a.handleRoute)
	a.mux.HandleFunc("/api/", a.handleProxy)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})

	return a
}

// Handler returns the fully wrapped handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.origins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
