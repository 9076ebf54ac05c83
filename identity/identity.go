package identity

import (
	"context"
	"errors"
)

// ErrSignedOut is returned by CachedToken and RefreshToken when nobody is
// signed in.
var ErrSignedOut = errors.New("identity: signed out")

// ErrUserMismatch is returned when a token is requested for a user that is
// no longer the provider's current user.
var ErrUserMismatch = errors.New("identity: user is not signed in")

// User is an opaque handle for a signed-in principal.
// Implementations should be lightweight and safe for concurrent use.
type User interface {
	// UserID returns the unique identifier for the user.
	UserID() string
}

// Provider is an external identity service.
type Provider interface {
	// OnAuthChange registers for auth-state changes. The returned function
	// cancels the registration and is safe to call more than once.
	OnAuthChange(onChange func(User), onError func(error)) (unsubscribe func())

	// CachedToken returns the credential the provider currently holds for
	// user without a network round trip when one is available. The result
	// may be stale or expired.
	CachedToken(ctx context.Context, user User) (string, error)

	// RefreshToken forces a new credential for user from the issuer.
	RefreshToken(ctx context.Context, user User) (string, error)

	// CurrentUser returns the signed-in user, or nil.
	CurrentUser() User
}

// StaticUser is a User with a fixed ID.
type StaticUser string

func (u StaticUser) UserID() string { return string(u) }

// SameUser reports whether a and b identify the same principal. Two nil
// users are the same.
func SameUser(a, b User) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UserID() == b.UserID()
}
