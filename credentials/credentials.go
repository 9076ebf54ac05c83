// Package credentials persists the long-lived part of a signed-in session
// (the refresh token) so an identity provider can restore the session after a
// restart without asking the user to sign in again.
//
// A Store holds one Credential per slot. A slot is usually the OAuth client ID
// or an application-chosen profile name.
package credentials

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Load when the slot is empty or its credential has
// expired.
var ErrNotFound = errors.New("credentials: not found")

// Store defines the persistence boundary for credentials.
type Store interface {
	// Load returns the credential saved in slot, or ErrNotFound.
	Load(ctx context.Context, slot string) (*Credential, error)

	// Save replaces the credential in slot. A credential whose ExpiresAt is
	// already in the past is not stored; the slot is cleared instead.
	Save(ctx context.Context, slot string, cred Credential) error

	// Delete clears slot. Clearing an empty slot is not an error.
	Delete(ctx context.Context, slot string) error

	// Close releases backend resources.
	Close() error
}

// Credential is what a provider needs to resume a session.
type Credential struct {
	Subject      string     `json:"sub"`
	RefreshToken string     `json:"refresh_token"`
	IDToken      string     `json:"id_token,omitempty"`
	SavedAt      time.Time  `json:"saved_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"` // nil = no expiration
}

// IsExpired reports whether the credential has expired at now.
func (c *Credential) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// TTL returns the remaining lifetime at now. Zero means no expiration; a
// negative value means the credential is already expired.
func (c *Credential) TTL(now time.Time) time.Duration {
	if c.ExpiresAt == nil {
		return 0
	}
	ttl := c.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return -1
	}
	return ttl
}
