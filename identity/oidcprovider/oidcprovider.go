// Package oidcprovider implements identity.Provider against an OpenID Connect
// issuer.
//
// The bearer credential handed out by the provider is the ID token. Forced
// refreshes use the OAuth2 refresh-token grant; the refresh token is kept in
// a credentials.Store so that a restarted process can resume the session.
//
// A Provider starts uninitialised. Start restores the persisted session in
// the background and then reports the resulting state to OnAuthChange
// listeners; until then listeners wait.
//
// Example:
//
//	p, err := oidcprovider.NewFromEnv(ctx, credstore)
//	if err != nil { log.Fatal(err) }
//	p.Start(ctx)
//	client := authsync.New(p, docs)
package oidcprovider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/ggoodman/authsync-go/credentials"
	"github.com/ggoodman/authsync-go/identity"
	"github.com/joeshaw/envdecode"
	"golang.org/x/oauth2"
)

var (
	// ErrNoIDToken is returned when the token endpoint omits the ID token.
	ErrNoIDToken = errors.New("oidcprovider: token response has no id_token")
	// ErrNoRefreshToken is returned when a session cannot be refreshed.
	ErrNoRefreshToken = errors.New("oidcprovider: no refresh token")
)

// Config for an OIDC-backed Provider. Defaults can be loaded via envdecode.
type Config struct {
	// Issuer URL used for discovery. ENV: OIDC_ISSUER
	Issuer string `env:"OIDC_ISSUER"`
	// ClientID is also the expected ID token audience. ENV: OIDC_CLIENT_ID
	ClientID string `env:"OIDC_CLIENT_ID"`
	// ClientSecret for confidential clients. ENV: OIDC_CLIENT_SECRET
	ClientSecret string `env:"OIDC_CLIENT_SECRET"`
	// Scopes requested on sign-in, separated by ';'. ENV: OIDC_SCOPES
	Scopes []string `env:"OIDC_SCOPES,default=openid;offline_access"`
	// Slot names the persisted credential; defaults to ClientID.
	// ENV: OIDC_CREDENTIAL_SLOT
	Slot string `env:"OIDC_CREDENTIAL_SLOT"`
}

// User is the identity.User produced from a verified ID token.
type User struct {
	Subject string
	Email   string
}

func (u *User) UserID() string { return u.Subject }

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient sets the client used for discovery, key fetches and token
// requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithLogger sets the logger for session restore, refresh and persistence.
func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) { p.log = log }
}

// WithClock overrides the clock used for ID token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

type Provider struct {
	oauth      *oauth2.Config
	verifier   *oidc.IDTokenVerifier
	store      credentials.Store
	slot       string
	httpClient *http.Client
	log        *slog.Logger
	now        func() time.Time

	// deliverMu serialises state changes with their deliveries.
	deliverMu sync.Mutex

	mu      sync.Mutex
	started bool
	settled bool
	session *session
	subs    map[int]*listener
	nextID  int
}

type session struct {
	user         *User
	idToken      string
	refreshToken string
}

type listener struct {
	onChange func(identity.User)
	onError  func(error)
}

// New performs OIDC discovery against cfg.Issuer.
func New(ctx context.Context, cfg Config, store credentials.Store, opts ...Option) (*Provider, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("oidcprovider: issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("oidcprovider: client ID is required")
	}
	if store == nil {
		return nil, errors.New("oidcprovider: credential store is required")
	}

	p := &Provider{
		store: store,
		slot:  cfg.Slot,
		log:   slog.Default(),
		now:   time.Now,
		subs:  make(map[int]*listener),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.slot == "" {
		p.slot = cfg.ClientID
	}

	op, err := oidc.NewProvider(p.clientContext(ctx), cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, oidc.ScopeOfflineAccess}
	}
	p.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     op.Endpoint(),
		Scopes:       scopes,
	}
	p.verifier = op.Verifier(&oidc.Config{ClientID: cfg.ClientID, Now: p.now})
	return p, nil
}

// NewFromEnv builds a Provider using envdecode to populate Config.
func NewFromEnv(ctx context.Context, store credentials.Store, opts ...Option) (*Provider, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("oidcprovider: config from environment: %w", err)
	}
	return New(ctx, cfg, store, opts...)
}

// OAuth2Config returns the client configuration, for running an
// authorization-code flow whose result is passed to SignIn.
func (p *Provider) OAuth2Config() *oauth2.Config {
	c := *p.oauth
	return &c
}

// Start restores the persisted session in the background. Calling it again
// has no effect.
func (p *Provider) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go p.restore(ctx)
}

func (p *Provider) restore(ctx context.Context) {
	cred, err := p.store.Load(ctx, p.slot)
	if errors.Is(err, credentials.ErrNotFound) {
		p.log.InfoContext(ctx, "oidcprovider.restore.none")
		p.settle(nil)
		return
	}
	if err != nil {
		p.log.WarnContext(ctx, "oidcprovider.restore.error", slog.String("err", err.Error()))
		p.emitError(fmt.Errorf("restore session: %w", err))
		p.settle(nil)
		return
	}

	s, err := p.exchange(ctx, cred.RefreshToken)
	if err != nil {
		p.log.WarnContext(ctx, "oidcprovider.restore.refresh_failed", slog.String("err", err.Error()))
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			// The issuer rejected the refresh token; it will never work again.
			_ = p.store.Delete(ctx, p.slot)
		}
		p.emitError(fmt.Errorf("restore session: %w", err))
		p.settle(nil)
		return
	}
	p.persist(ctx, s)
	p.log.InfoContext(ctx, "oidcprovider.restore.ok", slog.String("user_id", s.user.Subject))
	p.settle(s)
}

// SignIn installs the session obtained from an authorization-code exchange.
func (p *Provider) SignIn(ctx context.Context, tok *oauth2.Token) (*User, error) {
	s, err := p.fromToken(ctx, tok, "")
	if err != nil {
		return nil, err
	}
	p.persist(ctx, s)
	p.log.InfoContext(ctx, "oidcprovider.signin", slog.String("user_id", s.user.Subject))
	p.settle(s)
	return s.user, nil
}

// SignOut ends the session and forgets the persisted credential.
func (p *Provider) SignOut(ctx context.Context) error {
	err := p.store.Delete(ctx, p.slot)
	p.log.InfoContext(ctx, "oidcprovider.signout")
	p.settle(nil)
	return err
}

func (p *Provider) OnAuthChange(onChange func(identity.User), onError func(error)) func() {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = &listener{onChange: onChange, onError: onError}
	settled, user := p.settled, p.currentLocked()
	p.mu.Unlock()

	if settled {
		onChange(user)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
}

func (p *Provider) CachedToken(ctx context.Context, user identity.User) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.sessionFor(user)
	if err != nil {
		return "", err
	}
	return s.idToken, nil
}

// RefreshToken runs the refresh-token grant and returns the new ID token.
func (p *Provider) RefreshToken(ctx context.Context, user identity.User) (string, error) {
	p.mu.Lock()
	s, err := p.sessionFor(user)
	p.mu.Unlock()
	if err != nil {
		return "", err
	}
	if s.refreshToken == "" {
		return "", ErrNoRefreshToken
	}

	next, err := p.exchange(ctx, s.refreshToken)
	if err != nil {
		p.log.WarnContext(ctx, "oidcprovider.refresh.error", slog.String("user_id", s.user.Subject), slog.String("err", err.Error()))
		return "", err
	}
	if next.user.Subject != s.user.Subject {
		return "", fmt.Errorf("%w: refresh returned subject %q", identity.ErrUserMismatch, next.user.Subject)
	}

	p.mu.Lock()
	if p.session != s {
		p.mu.Unlock()
		return "", identity.ErrUserMismatch
	}
	// Keep the User pointer stable for listeners that compare identities.
	next.user = s.user
	p.session = next
	p.mu.Unlock()

	p.persist(ctx, next)
	p.log.DebugContext(ctx, "oidcprovider.refresh.ok", slog.String("user_id", s.user.Subject))
	return next.idToken, nil
}

func (p *Provider) CurrentUser() identity.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentLocked()
}

func (p *Provider) currentLocked() identity.User {
	if p.session == nil {
		return nil
	}
	return p.session.user
}

func (p *Provider) sessionFor(user identity.User) (*session, error) {
	if p.session == nil {
		return nil, identity.ErrSignedOut
	}
	if !identity.SameUser(p.session.user, user) {
		return nil, identity.ErrUserMismatch
	}
	return p.session, nil
}

// exchange forces a refresh-token grant. An empty access token makes the
// oauth2 token source treat the token as expired.
func (p *Provider) exchange(ctx context.Context, refreshToken string) (*session, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	ctx = p.clientContext(ctx)
	tok, err := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token grant: %w", err)
	}
	return p.fromToken(ctx, tok, refreshToken)
}

func (p *Provider) fromToken(ctx context.Context, tok *oauth2.Token, prevRefresh string) (*session, error) {
	if tok == nil {
		return nil, ErrNoIDToken
	}
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return nil, ErrNoIDToken
	}
	idt, err := p.verifier.Verify(p.clientContext(ctx), raw)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := idt.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode id_token claims: %w", err)
	}
	rt := tok.RefreshToken
	if rt == "" {
		rt = prevRefresh
	}
	return &session{
		user:         &User{Subject: idt.Subject, Email: claims.Email},
		idToken:      raw,
		refreshToken: rt,
	}, nil
}

func (p *Provider) persist(ctx context.Context, s *session) {
	if s.refreshToken == "" {
		return
	}
	err := p.store.Save(ctx, p.slot, credentials.Credential{
		Subject:      s.user.Subject,
		RefreshToken: s.refreshToken,
		IDToken:      s.idToken,
		SavedAt:      p.now(),
	})
	if err != nil {
		p.log.WarnContext(ctx, "oidcprovider.persist.error", slog.String("err", err.Error()))
	}
}

// settle makes s the current session and reports it to every listener.
func (p *Provider) settle(s *session) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	p.settled = true
	p.session = s
	user := p.currentLocked()
	subs := p.snapshot()
	p.mu.Unlock()

	for _, l := range subs {
		l.onChange(user)
	}
}

func (p *Provider) emitError(err error) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	subs := p.snapshot()
	p.mu.Unlock()

	for _, l := range subs {
		if l.onError != nil {
			l.onError(err)
		}
	}
}

func (p *Provider) snapshot() []*listener {
	out := make([]*listener, 0, len(p.subs))
	for i := 0; i < p.nextID; i++ {
		if l, ok := p.subs[i]; ok {
			out = append(out, l)
		}
	}
	return out
}

func (p *Provider) clientContext(ctx context.Context) context.Context {
	if p.httpClient == nil {
		return ctx
	}
	return oidc.ClientContext(ctx, p.httpClient)
}

var _ identity.Provider = (*Provider)(nil)
