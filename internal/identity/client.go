// Package identity talks to the upstream identity/authorization endpoints:
// credential validation, refresh, and the organization directory.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/ids"
)

const defaultTimeout = 10 * time.Second

// Paths lists the endpoint paths relative to the identity base URL.
type Paths struct {
	Validate      string
	Refresh       string
	Organizations string
}

// DefaultPaths matches the upstream API layout.
var DefaultPaths = Paths{
	Validate:      "/validateToken",
	Refresh:       "/refresh",
	Organizations: "/organizations",
}

// Client calls the identity endpoints. Every call is bounded by the client
// timeout even when the caller's context has no deadline.
type Client struct {
	baseURL string
	http    *http.Client
	paths   Paths
	timeout time.Duration
}

// Option configures Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithPaths overrides endpoint paths; empty fields keep their defaults.
func WithPaths(p Paths) Option {
	return func(c *Client) {
		if p.Validate != "" {
			c.paths.Validate = p.Validate
		}
		if p.Refresh != "" {
			c.paths.Refresh = p.Refresh
		}
		if p.Organizations != "" {
			c.paths.Organizations = p.Organizations
		}
	}
}

// WithTimeout bounds each call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient constructs a client for the identity service at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		paths:   DefaultPaths,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Validate asks the identity endpoint whether cred is valid and whether it has
// expired. Any transport or server failure yields Valid=false with an error
// of kind NetworkFailure or InvalidCredential.
func (c *Client) Validate(ctx context.Context, cred auth.Credential) (auth.Validation, error) {
	var out auth.Validation
	if err := c.get(ctx, c.paths.Validate, cred, &out); err != nil {
		return auth.Validation{}, classify("validate", auth.KindInvalidCredential, err)
	}
	return out, nil
}

type refreshResponse struct {
	Valid        bool   `json:"valid"`
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Refresh exchanges an expiring credential for a new one. A response without
// valid=true and a token is a failure.
func (c *Client) Refresh(ctx context.Context, cred auth.Credential) (auth.Credential, error) {
	var out refreshResponse
	if err := c.get(ctx, c.paths.Refresh, cred, &out); err != nil {
		return auth.Credential{}, classify("refresh", auth.KindRefreshFailure, err)
	}
	if !out.Valid || strings.TrimSpace(out.Token) == "" {
		return auth.Credential{}, auth.NewError(auth.KindRefreshFailure, "refresh", errors.New("exchange rejected"))
	}
	next := auth.Credential{Token: out.Token, RefreshToken: out.RefreshToken}
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	return next, nil
}

// Organizations lists the organizations cred may access.
func (c *Client) Organizations(ctx context.Context, cred auth.Credential) (auth.Directory, error) {
	var out auth.Directory
	if err := c.get(ctx, c.paths.Organizations, cred, &out); err != nil {
		return auth.Directory{}, classify("organizations", auth.KindRequestAuthorizationFailure, err)
	}
	return out, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("http %d", e.code)
	}
	return fmt.Sprintf("http %d: %s", e.code, e.body)
}

func (c *Client) get(ctx context.Context, path string, cred auth.Credential, target any) error {
	if cred.IsZero() {
		return auth.ErrNoCredential
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Accept", "application/json")
	rid, ok := auth.RequestIDFromContext(ctx)
	if !ok {
		rid = ids.New()
	}
	req.Header.Set(ids.RequestIDHeader, rid)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", auth.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classify tags err with the operation's failure kind. Transport failures
// keep the network kind.
func classify(op string, kind auth.Kind, err error) error {
	if errors.Is(err, auth.ErrNetwork) {
		return auth.NewError(auth.KindNetworkFailure, op, err)
	}
	var se *statusError
	if errors.As(err, &se) && (se.code == http.StatusUnauthorized || se.code == http.StatusForbidden) {
		return auth.NewError(kind, op, fmt.Errorf("%w: %v", auth.ErrRequestUnauthorized, se))
	}
	return auth.NewError(kind, op, err)
}
