package tokensource

import (
	"context"
	"errors"

	"github.com/ggoodman/authsync-go/identity"
	"github.com/ggoodman/authsync-go/token"
)

// Static returns a Source that always yields value. An empty value yields
// nil. The value is never decoded or checked for expiry.
func Static(value string) Source {
	return staticSource(value)
}

type staticSource string

func (s staticSource) Token(context.Context) (*token.Token, error) {
	if s == "" {
		return nil, nil
	}
	return &token.Token{Value: string(s)}, nil
}

// Trusted returns a Source for server-side rendering. It hands out whatever
// credential the provider currently caches for its current user and never
// refreshes. Expiry is reported when the credential decodes but is not
// checked.
func Trusted(provider identity.Provider) Source {
	return trustedSource{provider: provider}
}

type trustedSource struct {
	provider identity.Provider
}

func (s trustedSource) Token(ctx context.Context) (*token.Token, error) {
	user := s.provider.CurrentUser()
	if user == nil {
		return nil, nil
	}
	raw, err := s.provider.CachedToken(ctx, user)
	if errors.Is(err, identity.ErrSignedOut) || errors.Is(err, identity.ErrUserMismatch) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	if tok, err := token.Decode(raw); err == nil {
		return tok, nil
	}
	return &token.Token{Value: raw, Subject: user.UserID()}, nil
}
