// Package dispatch sends business API calls on behalf of the session. It
// attaches the credential and tenant headers and performs at most one
// refresh-and-retry cycle when the API rejects the credential.
package dispatch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/ids"
	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/session"
)

// Tenant headers attached when a current organization is selected.
const (
	HeaderOrganizationID     = "X-Organization-ID"
	HeaderOrganizationPrefix = "X-Organization-Prefix"
)

// Session is the view of the session the dispatcher needs.
type Session interface {
	Credential() (auth.Credential, bool)
	Current() (auth.Organization, bool)
	Refresh(ctx context.Context, rejected string) (auth.Credential, error)
	Logout(ctx context.Context, reason string) error
}

type retriedKey struct{}

func markRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

// Retried reports whether ctx belongs to a request that is being resent after a refresh.
func Retried(ctx context.Context) bool {
	v, _ := ctx.Value(retriedKey{}).(bool)
	return v
}

// Transport is an http.RoundTripper that authenticates business calls.
type Transport struct {
	base    http.RoundTripper
	session Session
	reject  map[int]bool
}

// Option configures Transport.
type Option func(*Transport)

// WithBase sets the underlying transport.
func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) {
		if rt != nil {
			t.base = rt
		}
	}
}

// WithRejectStatuses replaces the set of statuses treated as a rejected credential.
func WithRejectStatuses(codes ...int) Option {
	return func(t *Transport) {
		if len(codes) == 0 {
			return
		}
		t.reject = make(map[int]bool, len(codes))
		for _, c := range codes {
			t.reject[c] = true
		}
	}
}

// NewTransport builds a Transport for sess. 401 and 403 both count as a
// rejected credential unless overridden.
func NewTransport(sess Session, opts ...Option) *Transport {
	t := &Transport{
		base:    http.DefaultTransport,
		session: sess,
		reject:  map[int]bool{http.StatusUnauthorized: true, http.StatusForbidden: true},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewClient returns an http.Client whose transport is a Transport for sess.
func NewClient(sess Session, timeout time.Duration, opts ...Option) *http.Client {
	return &http.Client{Transport: NewTransport(sess, opts...), Timeout: timeout}
}

// Rejects reports whether code is treated as a rejected credential.
func (t *Transport) Rejects(code int) bool { return t.reject[code] }

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	cred, ok := t.session.Credential()
	if !ok {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, auth.NewError(auth.KindRequestAuthorizationFailure, "dispatch", auth.ErrNoCredential)
	}
	getBody, err := replayableBody(req)
	if err != nil {
		return nil, err
	}
	rid := req.Header.Get(ids.RequestIDHeader)
	if rid == "" {
		if v, ok := auth.RequestIDFromContext(req.Context()); ok {
			rid = v
		} else {
			rid = ids.New()
		}
	}

	first, err := t.prepare(req.Context(), req, getBody, cred, rid)
	if err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(first)
	if err != nil || !t.reject[resp.StatusCode] || Retried(req.Context()) {
		return resp, err
	}

	next, rerr := t.session.Refresh(req.Context(), cred.Token)
	if rerr != nil {
		// The session has already logged out; the caller sees the original rejection.
		obs.DispatchRetriesTotal.WithLabelValues("http", "refresh_failed").Inc()
		obs.Warn("request rejected and refresh failed", map[string]any{
			"request_id": rid, "method": req.Method, "path": req.URL.Path, "status": resp.StatusCode,
		})
		return resp, nil
	}
	drain(resp)

	ctx := markRetried(req.Context())
	retry, err := t.prepare(ctx, req, getBody, next, rid)
	if err != nil {
		return nil, err
	}
	resp, err = t.base.RoundTrip(retry)
	if err != nil {
		obs.DispatchRetriesTotal.WithLabelValues("http", "error").Inc()
		return nil, err
	}
	if t.reject[resp.StatusCode] {
		obs.DispatchRetriesTotal.WithLabelValues("http", "rejected").Inc()
		obs.Warn("request rejected after refresh", map[string]any{
			"request_id": rid, "method": req.Method, "path": req.URL.Path, "status": resp.StatusCode,
		})
		_ = t.session.Logout(ctx, session.ReasonRejected)
		return resp, nil
	}
	obs.DispatchRetriesTotal.WithLabelValues("http", "success").Inc()
	return resp, nil
}

// prepare clones req for one send with the given credential and the tenant
// selected at the time of sending.
func (t *Transport) prepare(ctx context.Context, req *http.Request, getBody func() (io.ReadCloser, error), cred auth.Credential, rid string) (*http.Request, error) {
	out := req.Clone(ctx)
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
		out.GetBody = getBody
	}
	out.Header.Set("Authorization", "Bearer "+cred.Token)
	out.Header.Set(ids.RequestIDHeader, rid)
	out.Header.Del(HeaderOrganizationID)
	out.Header.Del(HeaderOrganizationPrefix)
	if org, ok := t.session.Current(); ok {
		out.Header.Set(HeaderOrganizationID, org.ID)
		out.Header.Set(HeaderOrganizationPrefix, org.Prefix)
	}
	return out, nil
}

// replayableBody returns a function yielding a fresh copy of the request
// body, reading it into memory when the request has no GetBody of its own.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		req.Body.Close()
		return req.GetBody, nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
