package auth

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredential   = errors.New("auth: invalid credential")
	ErrExpiredCredential   = errors.New("auth: expired credential")
	ErrRefreshFailed       = errors.New("auth: refresh failed")
	ErrRequestUnauthorized = errors.New("auth: request unauthorized")
	ErrNetwork             = errors.New("auth: network failure")
	ErrTenantAccess        = errors.New("auth: unauthorized tenant access")
	ErrNoCredential        = errors.New("auth: no credential")
)

// Kind classifies credential and tenant failures.
type Kind int

const (
	KindInvalidCredential Kind = iota + 1
	KindExpiredCredential
	KindRefreshFailure
	KindRequestAuthorizationFailure
	KindNetworkFailure
	KindUnauthorizedTenantAccess
)

func (k Kind) String() string {
	switch k {
	case KindInvalidCredential:
		return "invalid_credential"
	case KindExpiredCredential:
		return "expired_credential"
	case KindRefreshFailure:
		return "refresh_failure"
	case KindRequestAuthorizationFailure:
		return "request_authorization_failure"
	case KindNetworkFailure:
		return "network_failure"
	case KindUnauthorizedTenantAccess:
		return "unauthorized_tenant_access"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidCredential:
		return ErrInvalidCredential
	case KindExpiredCredential:
		return ErrExpiredCredential
	case KindRefreshFailure:
		return ErrRefreshFailed
	case KindRequestAuthorizationFailure:
		return ErrRequestUnauthorized
	case KindNetworkFailure:
		return ErrNetwork
	case KindUnauthorizedTenantAccess:
		return ErrTenantAccess
	default:
		return nil
	}
}

// Error carries the failure kind and the operation that produced it.
// errors.Is matches both the kind's sentinel and the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// NewError builds an *Error for op.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return 0, false
}
