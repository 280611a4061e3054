package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the user claims carried by a credential issued as a JWT.
type Claims struct {
	Email      string `json:"email,omitempty"`
	SuperAdmin bool   `json:"is_superadmin,omitempty"`
	jwt.RegisteredClaims
}

// ParseClaims decodes the claims of a JWT credential without verifying its
// signature. The identity endpoint remains the authority on validity; the
// claims are only read for display and for the superadmin flag.
func ParseClaims(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidCredential
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, ErrInvalidCredential
	}
	return claims, nil
}

// ExpiresAtTime returns the expiry claim, if the credential has one.
func (c *Claims) ExpiresAtTime() (time.Time, bool) {
	if c == nil || c.ExpiresAt == nil {
		return time.Time{}, false
	}
	return c.ExpiresAt.Time, true
}

// Fingerprint returns a short, non-reversible tag for a credential suitable for logs.
func Fingerprint(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}
