package token

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// VerifierConfig controls signature and claim validation.
type VerifierConfig struct {
	Issuer string
	// Audiences lists accepted audiences; a token passes if its aud claim
	// contains any of them. Empty skips the audience check.
	Audiences   []string
	AllowedAlgs []string
	Leeway      time.Duration
	// JWKSURL is required by NewVerifier and ignored by
	// NewVerifierFromDiscovery, which learns it from the issuer.
	JWKSURL string
}

// DefaultVerifierConfig returns a VerifierConfig with safe algorithm and
// leeway defaults.
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// Verifier decodes credentials only after checking their signature against
// an auto-refreshing JWKS, their issuer and their audience. Its Decode method
// satisfies DecodeFunc, so a verification failure is indistinguishable from
// an undecodable credential.
type Verifier struct {
	cfg     VerifierConfig
	keyfunc jwt.Keyfunc
}

// NewVerifier builds a Verifier for a statically configured issuer and JWKS
// URL.
func NewVerifier(ctx context.Context, cfg VerifierConfig) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.JWKSURL == "" {
		return nil, errors.New("jwks url is required")
	}
	return newVerifier(ctx, cfg)
}

// NewVerifierFromDiscovery performs OIDC discovery against cfg.Issuer to
// learn the jwks_uri, then builds a Verifier.
func NewVerifierFromDiscovery(ctx context.Context, cfg VerifierConfig) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	cfg.Issuer = meta.Issuer
	cfg.JWKSURL = meta.JwksURI
	return newVerifier(ctx, cfg)
}

func newVerifier(ctx context.Context, cfg VerifierConfig) (*Verifier, error) {
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}

	// Keys are refreshed in the background until ctx ends.
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	algs := slices.Clone(cfg.AllowedAlgs)
	return &Verifier{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); !slices.Contains(algs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf.Keyfunc(t)
	}}, nil
}

// Decode verifies raw and extracts its expiry, subject and issue time.
func (v *Verifier) Decode(raw string) (*Token, error) {
	if raw == "" {
		return nil, &DecodeError{Reason: "empty token"}
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	)

	var claims jwt.RegisteredClaims
	if _, err := parser.ParseWithClaims(raw, &claims, v.keyfunc); err != nil {
		return nil, &DecodeError{Reason: "verification failed", Err: err}
	}
	if len(v.cfg.Audiences) > 0 && !slices.ContainsFunc(claims.Audience, func(aud string) bool {
		return slices.Contains(v.cfg.Audiences, aud)
	}) {
		return nil, &DecodeError{Reason: "audience mismatch"}
	}
	return fromClaims(raw, &claims)
}

var _ DecodeFunc = (*Verifier)(nil).Decode
