package session

import (
	"context"
	"errors"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/stream"
)

const refreshKey = "refresh"

// Refresh exchanges the current credential for a new one. rejected is the
// token a caller saw fail; when the session already holds a different token
// that token is returned without another exchange. Concurrent callers share
// a single exchange. A failed exchange logs the session out.
//
// The exchange runs detached from ctx so one caller giving up does not fail
// the others; it is bounded by the session call timeout instead.
func (s *Session) Refresh(ctx context.Context, rejected string) (auth.Credential, error) {
	ctx = s.Context(ctx)
	s.mu.RLock()
	cur := s.cred
	s.mu.RUnlock()
	if cur.IsZero() {
		return auth.Credential{}, auth.NewError(auth.KindRefreshFailure, "refresh", auth.ErrNoCredential)
	}
	if rejected != "" && cur.Token != rejected {
		obs.RefreshTotal.WithLabelValues("superseded").Inc()
		return cur, nil
	}

	ch := s.flights.DoChan(refreshKey, func() (any, error) {
		return s.refreshOnce(context.WithoutCancel(ctx), rejected)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return auth.Credential{}, res.Err
		}
		if res.Shared {
			obs.RefreshTotal.WithLabelValues("shared").Inc()
		}
		return res.Val.(auth.Credential), nil
	case <-ctx.Done():
		return auth.Credential{}, auth.NewError(auth.KindRefreshFailure, "refresh", ctx.Err())
	}
}

func (s *Session) refreshOnce(ctx context.Context, rejected string) (auth.Credential, error) {
	s.mu.Lock()
	cur := s.cred
	if cur.IsZero() {
		s.mu.Unlock()
		return auth.Credential{}, auth.NewError(auth.KindRefreshFailure, "refresh", auth.ErrNoCredential)
	}
	// A previous flight may have finished between the caller's check and this one.
	if rejected != "" && cur.Token != rejected {
		s.mu.Unlock()
		return cur, nil
	}
	s.refreshing = true
	s.mu.Unlock()
	obs.RefreshInFlight.Set(1)

	defer func() {
		s.mu.Lock()
		s.refreshing = false
		s.mu.Unlock()
		obs.RefreshInFlight.Set(0)
	}()

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	next, err := s.validator.Refresh(callCtx, cur)
	cancel()
	if err == nil && next.IsZero() {
		err = errors.New("empty credential")
	}
	if err != nil {
		obs.RefreshTotal.WithLabelValues("failure").Inc()
		obs.Warn("credential refresh failed", map[string]any{"session_id": s.id, "error": err.Error()})
		if ok, _ := s.logoutIf(ctx, cur.Token, ReasonRefreshFailed); !ok {
			if latest, held := s.Credential(); held {
				return latest, nil
			}
		}
		if errors.Is(err, auth.ErrRefreshFailed) {
			return auth.Credential{}, err
		}
		return auth.Credential{}, auth.NewError(auth.KindRefreshFailure, "refresh", err)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}

	// The store is updated before any waiter sees the new credential. A login
	// or logout that landed while the exchange was in flight owns the store.
	s.commit.Lock()
	s.mu.RLock()
	latest, state := s.cred, s.state
	s.mu.RUnlock()
	if latest.Token != cur.Token {
		s.commit.Unlock()
		obs.RefreshTotal.WithLabelValues("superseded").Inc()
		if state != StateAuthenticated || latest.IsZero() {
			return auth.Credential{}, auth.NewError(auth.KindRefreshFailure, "refresh", auth.ErrNoCredential)
		}
		return latest, nil
	}
	if err := s.store.Set(ctx, next); err != nil {
		s.commit.Unlock()
		obs.RefreshTotal.WithLabelValues("failure").Inc()
		obs.Error("persist refreshed credential failed", map[string]any{"session_id": s.id, "error": err.Error()})
		_, _ = s.logoutIf(ctx, cur.Token, ReasonStoreFailure)
		return auth.Credential{}, auth.NewError(auth.KindRefreshFailure, "refresh", err)
	}
	claims, _ := auth.ParseClaims(next.Token)
	s.mu.Lock()
	s.cred = next
	s.claims = claims
	s.state = StateAuthenticated
	s.mu.Unlock()
	s.commit.Unlock()

	obs.RefreshTotal.WithLabelValues("success").Inc()
	_ = audit.LogEvent(ctx, audit.EventRefreshed, map[string]any{
		"previous": auth.Fingerprint(cur.Token),
		"current":  auth.Fingerprint(next.Token),
	})
	s.publish(stream.TypeRefreshed, "", "")
	return next, nil
}
