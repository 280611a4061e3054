// Package tokenstore persists the session credential and the current
// organization under fixed keys so they survive a reload.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"tenantgate.org/internal/auth"
)

// Well-known persistence keys.
const (
	KeyToken        = "token"
	KeyRefreshToken = "refresh_token"
	KeyOrganization = "current_organization"
)

// ErrCorrupt is returned when a persisted value cannot be decoded.
var ErrCorrupt = errors.New("tokenstore: corrupt value")

// KV is the storage backend behind a Store. Write applies put and remove as
// one unit: either every change lands or none does. Writes must be visible to
// the next Get on the same backend immediately.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Write(ctx context.Context, put map[string]string, remove ...string) error
}

// Store holds the credential and the current organization.
type Store struct {
	mu sync.Mutex
	kv KV
}

// New wraps a backend.
func New(kv KV) *Store {
	return &Store{kv: kv}
}

// Get returns the stored credential, or nil when none is held.
func (s *Store) Get(ctx context.Context) (*auth.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok, err := s.kv.Get(ctx, KeyToken)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: get token: %w", err)
	}
	if !ok || strings.TrimSpace(token) == "" {
		return nil, nil
	}
	refresh, _, err := s.kv.Get(ctx, KeyRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: get refresh token: %w", err)
	}
	return &auth.Credential{Token: token, RefreshToken: refresh}, nil
}

// Set replaces the stored credential. A credential without a refresh token
// removes any previously stored one so the pair never mixes generations.
func (s *Store) Set(ctx context.Context, cred auth.Credential) error {
	if cred.IsZero() {
		return fmt.Errorf("tokenstore: set: %w", auth.ErrNoCredential)
	}
	values := map[string]string{KeyToken: cred.Token}
	var remove []string
	if cred.RefreshToken == "" {
		remove = append(remove, KeyRefreshToken)
	} else {
		values[KeyRefreshToken] = cred.RefreshToken
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Write(ctx, values, remove...); err != nil {
		return fmt.Errorf("tokenstore: set: %w", err)
	}
	return nil
}

// Clear removes the credential.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Write(ctx, nil, KeyToken, KeyRefreshToken); err != nil {
		return fmt.Errorf("tokenstore: clear: %w", err)
	}
	return nil
}

// Organization returns the persisted current organization, or nil.
func (s *Store) Organization(ctx context.Context) (*auth.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok, err := s.kv.Get(ctx, KeyOrganization)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: get organization: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var org auth.Organization
	if err := json.Unmarshal([]byte(raw), &org); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, KeyOrganization, err)
	}
	return &org, nil
}

// SetOrganization persists org as the current organization.
func (s *Store) SetOrganization(ctx context.Context, org auth.Organization) error {
	data, err := json.Marshal(org)
	if err != nil {
		return fmt.Errorf("tokenstore: encode organization: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Write(ctx, map[string]string{KeyOrganization: string(data)}); err != nil {
		return fmt.Errorf("tokenstore: set organization: %w", err)
	}
	return nil
}

// ClearOrganization removes the persisted current organization.
func (s *Store) ClearOrganization(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Write(ctx, nil, KeyOrganization); err != nil {
		return fmt.Errorf("tokenstore: clear organization: %w", err)
	}
	return nil
}

// Memory is an in-process backend.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory returns an empty in-process backend.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Write(_ context.Context, put map[string]string, remove ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range remove {
		delete(m.values, k)
	}
	for k, v := range put {
		m.values[k] = v
	}
	return nil
}
