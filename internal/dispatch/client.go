package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tenantgate.org/internal/auth"
)

// StatusError is returned for non-2xx responses that are not a rejected credential.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api: http %d", e.Code)
	}
	return fmt.Sprintf("api: http %d: %s", e.Code, e.Body)
}

// API issues JSON calls against the business API through a Transport.
type API struct {
	baseURL   string
	transport *Transport
	http      *http.Client
}

// NewAPI builds an API client for baseURL.
func NewAPI(baseURL string, sess Session, timeout time.Duration, opts ...Option) *API {
	t := NewTransport(sess, opts...)
	return &API{
		baseURL:   strings.TrimRight(baseURL, "/"),
		transport: t,
		http:      &http.Client{Transport: t, Timeout: timeout},
	}
}

// Transport exposes the underlying round tripper, e.g. for a reverse proxy.
func (a *API) Transport() *Transport { return a.transport }

// Do sends in as JSON (when non-nil) and decodes the response into out (when
// non-nil). A credential still rejected after the retry cycle is reported as
// a RequestAuthorizationFailure.
func (a *API) Do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		if _, ok := auth.KindOf(err); ok {
			return unwrapURLError(err)
		}
		return auth.NewError(auth.KindNetworkFailure, method+" "+path, fmt.Errorf("%w: %v", auth.ErrNetwork, err))
	}
	defer resp.Body.Close()

	if a.transport.Rejects(resp.StatusCode) {
		return auth.NewError(auth.KindRequestAuthorizationFailure, method+" "+path,
			fmt.Errorf("http %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}

// GetJSON is Do with GET and no request body.
func (a *API) GetJSON(ctx context.Context, path string, out any) error {
	return a.Do(ctx, http.MethodGet, path, nil, out)
}

// unwrapURLError strips the *url.Error wrapper http.Client adds around
// transport errors so callers see the *auth.Error directly.
func unwrapURLError(err error) error {
	var ae *auth.Error
	if errors.As(err, &ae) {
		return ae
	}
	return err
}
