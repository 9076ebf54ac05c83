// Package token decodes bearer credentials into the few fields the token
// lifecycle needs: the raw value, when it expires, and who it was issued to.
//
// Decode never verifies signatures; it is the cheap check used to decide
// whether a cached credential is still fresh. Verifier adds signature, issuer
// and audience checks against a JWKS for callers that need them.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformed is matched by every *DecodeError.
var ErrMalformed = errors.New("token: malformed")

// DecodeError reports a credential that could not be decoded or verified.
// Callers treat it exactly like an expired credential.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token: decode failed: %s: %v", e.Reason, e.Err)
	}
	return "token: decode failed: " + e.Reason
}

func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformed, e.Err}
	}
	return []error{ErrMalformed}
}

// Token is a decoded bearer credential.
type Token struct {
	Value    string
	Expiry   time.Time
	Subject  string
	IssuedAt time.Time
}

// ValidFor reports whether the token stays valid for strictly more than
// margin after now.
func (t *Token) ValidFor(now time.Time, margin time.Duration) bool {
	if t == nil {
		return false
	}
	return t.Expiry.Sub(now) > margin
}

// DecodeFunc turns a raw credential into a Token.
type DecodeFunc func(raw string) (*Token, error)

// Decode extracts the expiry, subject and issue time from a JWT without
// verifying its signature. The exp claim is required. Decode performs no I/O
// and never panics; every failure is a *DecodeError.
func Decode(raw string) (tok *Token, err error) {
	defer func() {
		if p := recover(); p != nil {
			tok = nil
			err = &DecodeError{Reason: fmt.Sprintf("panic: %v", p)}
		}
	}()

	if raw == "" {
		return nil, &DecodeError{Reason: "empty token"}
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return nil, &DecodeError{Reason: "unreadable payload", Err: err}
	}
	return fromClaims(raw, &claims)
}

func fromClaims(raw string, claims *jwt.RegisteredClaims) (*Token, error) {
	if claims.ExpiresAt == nil {
		return nil, &DecodeError{Reason: "missing exp"}
	}
	t := &Token{
		Value:   raw,
		Expiry:  claims.ExpiresAt.Time,
		Subject: claims.Subject,
	}
	if claims.IssuedAt != nil {
		t.IssuedAt = claims.IssuedAt.Time
	}
	return t, nil
}
