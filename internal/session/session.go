// Package session owns the browser session: the current credential, the
// accessible organizations and the current organization. All mutation goes
// through Session methods.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/stream"
	"tenantgate.org/internal/tokenstore"
)

// State is the externally visible session state.
type State int

const (
	StateLoading State = iota
	StateUnauthenticated
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Logout reasons recorded in metrics and audit entries.
const (
	ReasonUser          = "user"
	ReasonInvalid       = "invalid_credential"
	ReasonRefreshFailed = "refresh_failed"
	ReasonRejected      = "rejected_after_retry"
	ReasonStoreFailure  = "store_failure"
)

const defaultCallTimeout = 10 * time.Second

// Validator is the identity endpoint as seen by the session.
type Validator interface {
	Validate(ctx context.Context, cred auth.Credential) (auth.Validation, error)
	Refresh(ctx context.Context, cred auth.Credential) (auth.Credential, error)
	Organizations(ctx context.Context, cred auth.Credential) (auth.Directory, error)
}

// Publisher receives session change events.
type Publisher interface {
	Publish(stream.Event)
}

// Snapshot is a consistent copy of the session for readers such as the route guard.
type Snapshot struct {
	ID            string
	State         State
	Organizations auth.Directory
	Current       *auth.Organization
	SuperAdmin    bool
	Refreshing    bool
}

// Authenticated reports whether the snapshot holds a credential.
func (s Snapshot) Authenticated() bool { return s.State == StateAuthenticated }

// Session is the single owner of credential and tenant state.
type Session struct {
	id          string
	store       *tokenstore.Store
	validator   Validator
	callTimeout time.Duration

	mu         sync.RWMutex
	state      State
	cred       auth.Credential
	claims     *auth.Claims
	dir        auth.Directory
	current    *auth.Organization
	refreshing bool

	// commit orders store writes with the credential changes they belong to.
	commit sync.Mutex

	events  Publisher
	flights singleflight.Group
}

// Option configures a Session.
type Option func(*Session)

// WithCallTimeout bounds each validate, refresh and organization call.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// WithID fixes the session instance id, mainly for tests.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithEvents publishes session changes to p.
func WithEvents(p Publisher) Option {
	return func(s *Session) {
		s.events = p
	}
}

// New creates a session in the Loading state.
func New(store *tokenstore.Store, validator Validator, opts ...Option) *Session {
	s := &Session{
		id:          uuid.NewString(),
		store:       store,
		validator:   validator,
		callTimeout: defaultCallTimeout,
		state:       StateLoading,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session instance id.
func (s *Session) ID() string { return s.id }

// Context tags ctx with the session id for audit entries.
func (s *Session) Context(ctx context.Context) context.Context {
	return auth.ContextWithSessionID(ctx, s.id)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Credential returns the current credential while authenticated.
func (s *Session) Credential() (auth.Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateAuthenticated {
		return auth.Credential{}, false
	}
	return s.cred, true
}

// Current returns the current organization, if one is selected.
func (s *Session) Current() (auth.Organization, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return auth.Organization{}, false
	}
	return *s.current, true
}

// Organizations returns the accessible organization set.
func (s *Session) Organizations() auth.Directory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dir.Clone()
}

// IsSuperAdmin reports the user-level superadmin flag from the directory
// listing or the credential's claims.
func (s *Session) IsSuperAdmin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isSuperAdminLocked()
}

func (s *Session) isSuperAdminLocked() bool {
	if s.state != StateAuthenticated {
		return false
	}
	if s.dir.SuperAdmin {
		return true
	}
	return s.claims != nil && s.claims.SuperAdmin
}

// Refreshing reports whether a refresh is outstanding.
func (s *Session) Refreshing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshing
}

// Snapshot returns a consistent copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		ID:            s.id,
		State:         s.state,
		Organizations: s.dir.Clone(),
		SuperAdmin:    s.isSuperAdminLocked(),
		Refreshing:    s.refreshing,
	}
	if s.current != nil {
		org := *s.current
		snap.Current = &org
	}
	return snap
}

// Start resolves the Loading state from the stored credential. An empty store
// resolves to Unauthenticated without any network call. A stored credential is
// validated first; an invalid one is never sent to refresh.
func (s *Session) Start(ctx context.Context) State {
	ctx = s.Context(ctx)
	stored, err := s.store.Get(ctx)
	if err != nil {
		obs.Error("session store read failed", map[string]any{"session_id": s.id, "error": err.Error()})
		s.logout(ctx, ReasonStoreFailure)
		return StateUnauthenticated
	}
	if stored == nil {
		s.setState(StateUnauthenticated)
		return StateUnauthenticated
	}

	v, err := s.validate(ctx, *stored)
	switch {
	case err != nil || !v.Valid:
		s.logout(ctx, ReasonInvalid)
		return StateUnauthenticated
	case v.Expired:
		s.mu.Lock()
		s.cred = *stored
		s.mu.Unlock()
		if _, err := s.Refresh(ctx, stored.Token); err != nil {
			return StateUnauthenticated
		}
	default:
		s.authenticate(*stored)
	}

	if err := s.LoadOrganizations(ctx); err != nil {
		obs.Warn("organization listing failed", map[string]any{"session_id": s.id, "error": err.Error()})
	}
	return s.State()
}

// Login installs a credential returned by the identity provider callback and
// loads the organization directory.
func (s *Session) Login(ctx context.Context, cred auth.Credential) error {
	if cred.IsZero() {
		return auth.NewError(auth.KindInvalidCredential, "login", auth.ErrNoCredential)
	}
	ctx = s.Context(ctx)
	s.commit.Lock()
	if err := s.store.Set(ctx, cred); err != nil {
		s.commit.Unlock()
		return err
	}
	s.mu.Lock()
	s.dir = auth.Directory{}
	s.current = nil
	s.mu.Unlock()
	s.authenticate(cred)
	s.commit.Unlock()

	_ = audit.LogEvent(ctx, audit.EventLogin, map[string]any{"credential": auth.Fingerprint(cred.Token)})
	if err := s.LoadOrganizations(ctx); err != nil {
		obs.Warn("organization listing failed", map[string]any{"session_id": s.id, "error": err.Error()})
	}
	s.publish(stream.TypeLogin, "", "")
	return nil
}

// Logout clears the store, the credential and the current organization.
func (s *Session) Logout(ctx context.Context, reason string) error {
	return s.logout(s.Context(ctx), reason)
}

func (s *Session) logout(ctx context.Context, reason string) error {
	_, err := s.logoutIf(ctx, "", reason)
	return err
}

// logoutIf logs out only while the session still holds token. An empty token
// matches any credential. It reports whether the logout happened.
func (s *Session) logoutIf(ctx context.Context, token, reason string) (bool, error) {
	if reason == "" {
		reason = ReasonUser
	}
	s.commit.Lock()
	s.mu.Lock()
	if token != "" && s.cred.Token != token {
		s.mu.Unlock()
		s.commit.Unlock()
		return false, nil
	}
	fp := auth.Fingerprint(s.cred.Token)
	s.state = StateUnauthenticated
	s.cred = auth.Credential{}
	s.claims = nil
	s.dir = auth.Directory{}
	s.current = nil
	s.mu.Unlock()

	err := errors.Join(s.store.Clear(ctx), s.store.ClearOrganization(ctx))
	s.commit.Unlock()
	if err != nil {
		obs.Error("session store clear failed", map[string]any{"session_id": s.id, "error": err.Error()})
	}
	obs.LogoutTotal.WithLabelValues(reason).Inc()
	_ = audit.LogEvent(ctx, audit.EventLogout, map[string]any{"reason": reason, "credential": fp})
	s.publish(stream.TypeLogout, "", reason)
	return true, err
}

// SelectOrganization makes org current. org must be a member of the accessible set.
func (s *Session) SelectOrganization(ctx context.Context, org auth.Organization) error {
	ctx = s.Context(ctx)
	s.mu.Lock()
	if s.state != StateAuthenticated {
		s.mu.Unlock()
		return auth.NewError(auth.KindUnauthorizedTenantAccess, "select organization", auth.ErrNoCredential)
	}
	if !s.dir.Contains(org) {
		s.mu.Unlock()
		return auth.NewError(auth.KindUnauthorizedTenantAccess, "select organization",
			fmt.Errorf("organization %q is not accessible", org.ID))
	}
	member, _ := s.dir.FindByID(org.ID)
	s.current = &member
	s.mu.Unlock()

	if err := s.store.SetOrganization(ctx, member); err != nil {
		obs.Error("persist organization failed", map[string]any{"session_id": s.id, "error": err.Error()})
	}
	_ = audit.LogEvent(ctx, audit.EventOrganizationChosen, map[string]any{"organization_id": member.ID, "prefix": member.Prefix})
	s.publish(stream.TypeOrganization, member.ID, "selected")
	return nil
}

// SetOrganizations replaces the accessible set. A current organization that
// is no longer a member is cleared, in memory and in the store.
func (s *Session) SetOrganizations(ctx context.Context, dir auth.Directory) {
	ctx = s.Context(ctx)
	s.mu.Lock()
	s.dir = dir.Clone()
	var dropped *auth.Organization
	if s.current != nil && !s.dir.Contains(*s.current) {
		dropped = s.current
		s.current = nil
	}
	s.mu.Unlock()

	if dropped == nil {
		return
	}
	if err := s.store.ClearOrganization(ctx); err != nil {
		obs.Error("clear organization failed", map[string]any{"session_id": s.id, "error": err.Error()})
	}
	_ = audit.LogEvent(ctx, audit.EventOrganizationReset, map[string]any{"organization_id": dropped.ID, "reason": "revoked"})
	s.publish(stream.TypeOrganization, "", "revoked")
}

// LoadOrganizations fetches the accessible set and restores the persisted
// current organization when it is still a member. On failure the set is left
// empty and the persisted selection is kept for the next successful load.
func (s *Session) LoadOrganizations(ctx context.Context) error {
	ctx = s.Context(ctx)
	cred, ok := s.Credential()
	if !ok {
		return auth.ErrNoCredential
	}
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	dir, err := s.validator.Organizations(callCtx, cred)
	if err != nil {
		s.mu.Lock()
		s.dir = auth.Directory{}
		s.current = nil
		s.mu.Unlock()
		return err
	}
	s.SetOrganizations(ctx, dir)

	if _, ok := s.Current(); ok {
		return nil
	}
	persisted, err := s.store.Organization(ctx)
	if err != nil {
		obs.Warn("persisted organization unreadable", map[string]any{"session_id": s.id, "error": err.Error()})
		_ = s.store.ClearOrganization(ctx)
		return nil
	}
	if persisted == nil {
		return nil
	}
	s.mu.Lock()
	if s.dir.Contains(*persisted) {
		member, _ := s.dir.FindByID(persisted.ID)
		s.current = &member
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if err := s.store.ClearOrganization(ctx); err != nil {
		obs.Error("clear organization failed", map[string]any{"session_id": s.id, "error": err.Error()})
	}
	return nil
}

func (s *Session) validate(ctx context.Context, cred auth.Credential) (auth.Validation, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	v, err := s.validator.Validate(callCtx, cred)
	verdict := "valid"
	switch {
	case err != nil:
		verdict = "error"
		obs.Warn("credential validation failed", map[string]any{"session_id": s.id, "error": err.Error()})
		v = auth.Validation{}
	case !v.Valid:
		verdict = "invalid"
	case v.Expired:
		verdict = "expired"
	}
	obs.ValidateTotal.WithLabelValues(verdict).Inc()
	return v, err
}

func (s *Session) authenticate(cred auth.Credential) {
	claims, _ := auth.ParseClaims(cred.Token)
	s.mu.Lock()
	s.cred = cred
	s.claims = claims
	s.state = StateAuthenticated
	s.mu.Unlock()
}

func (s *Session) publish(typ, org, reason string) {
	if s.events == nil {
		return
	}
	s.events.Publish(stream.Event{
		Type:         typ,
		SessionID:    s.id,
		State:        s.State().String(),
		Organization: org,
		Reason:       reason,
	})
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
