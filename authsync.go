// Package authsync keeps a client's bearer credential fresh and its
// configuration documents current.
//
// A Client wires four pieces together:
//
//   - an authstate.Channel that fans out identity-provider auth changes;
//   - a tokensource.Coordinator that hands out a valid token, refreshing it
//     at most once per session no matter how many callers ask at once;
//   - a bearer.Transport that attaches that token to outgoing requests;
//   - a docstream.Registry that shares one store watch per document path.
//
// Start adds the application bootstrap on top: auth changes become Login and
// Logout actions and the configuration document becomes version and alert
// updates.
//
// Example:
//
//	client, err := authsync.New(provider, store)
//	if err != nil { log.Fatal(err) }
//	defer client.Close()
//	sub, err := client.Start(ctx, app)
//	if err != nil { log.Fatal(err) }
//	defer sub.Cancel()
//	resp, err := client.HTTPClient().Get("https://api.example.com/me")
package authsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/authsync-go/authstate"
	"github.com/ggoodman/authsync-go/bearer"
	"github.com/ggoodman/authsync-go/docstream"
	"github.com/ggoodman/authsync-go/identity"
	"github.com/ggoodman/authsync-go/internal/fanout"
	"github.com/ggoodman/authsync-go/internal/logctx"
	"github.com/ggoodman/authsync-go/metrics"
	"github.com/ggoodman/authsync-go/token"
	"github.com/ggoodman/authsync-go/tokensource"
	"github.com/joeshaw/envdecode"
)

// Subscription is a cancellable registration returned by OnAuthChange,
// WatchConfiguration and Start.
type Subscription = fanout.Subscription

// Config for a Client. Defaults can be loaded via envdecode.
type Config struct {
	// RefreshMargin is how long a token must still be valid to be served from
	// cache. ENV: AUTHSYNC_REFRESH_MARGIN
	RefreshMargin time.Duration `env:"AUTHSYNC_REFRESH_MARGIN,default=5m"`
	// ConfigurationPath is the document Start watches for version and alert
	// updates. ENV: AUTHSYNC_CONFIGURATION_PATH
	ConfigurationPath string `env:"AUTHSYNC_CONFIGURATION_PATH,default=configurations/bitwave.tv"`
	// FeatureFlagsPath is the feature-flag document. ENV: AUTHSYNC_FEATURE_FLAGS_PATH
	FeatureFlagsPath string `env:"AUTHSYNC_FEATURE_FLAGS_PATH,default=configurations/features"`
	// WatchFeatureFlags makes Start watch FeatureFlagsPath.
	// ENV: AUTHSYNC_WATCH_FEATURE_FLAGS
	WatchFeatureFlags bool `env:"AUTHSYNC_WATCH_FEATURE_FLAGS,default=false"`
	// LogLevel for NewLogger: debug, info, warn or error. ENV: AUTHSYNC_LOG_LEVEL
	LogLevel string `env:"AUTHSYNC_LOG_LEVEL,default=info"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		RefreshMargin:     tokensource.DefaultRefreshMargin,
		ConfigurationPath: "configurations/bitwave.tv",
		FeatureFlagsPath:  "configurations/features",
		LogLevel:          "info",
	}
}

// ConfigFromEnv loads Config using envdecode. Unset variables keep their
// defaults; a value that does not parse is reported rather than ignored.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("authsync: config from environment: %w", err)
	}
	return cfg, nil
}

// NewLogger returns a JSON logger at level that also records the auth
// session, document topic and request attached to the logging context.
func NewLogger(level string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(logctx.Handler{Handler: h}), nil
}

type options struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	decode  token.DecodeFunc
	now     func() time.Time
}

// Option configures a Client.
type Option func(*options)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets the logger handed to every component.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics records token, refresh and fan-out metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithDecoder replaces the token decoder, for example with a
// token.Verifier's Decode.
func WithDecoder(fn token.DecodeFunc) Option {
	return func(o *options) { o.decode = fn }
}

// WithClock overrides the clock used for token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Client is the assembled token lifecycle and document fan-out.
type Client struct {
	cfg     Config
	log     *slog.Logger
	channel *authstate.Channel
	tokens  *tokensource.Coordinator
	docs    *docstream.Registry
}

// New wires a Client over provider and store.
func New(provider identity.Provider, store docstream.Store, opts ...Option) (*Client, error) {
	o := options{cfg: DefaultConfig(), log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	channel := authstate.New(provider, authstate.WithLogger(o.log), authstate.WithMetrics(o.metrics))

	tsOpts := []tokensource.Option{
		tokensource.WithLogger(o.log),
		tokensource.WithMetrics(o.metrics),
	}
	if o.cfg.RefreshMargin > 0 {
		tsOpts = append(tsOpts, tokensource.WithRefreshMargin(o.cfg.RefreshMargin))
	}
	if o.decode != nil {
		tsOpts = append(tsOpts, tokensource.WithDecoder(o.decode))
	}
	if o.now != nil {
		tsOpts = append(tsOpts, tokensource.WithClock(o.now))
	}
	tokens, err := tokensource.New(provider, channel, tsOpts...)
	if err != nil {
		channel.Close()
		return nil, err
	}

	return &Client{
		cfg:     o.cfg,
		log:     o.log,
		channel: channel,
		tokens:  tokens,
		docs:    docstream.NewRegistry(store, docstream.WithLogger(o.log), docstream.WithMetrics(o.metrics)),
	}, nil
}

// OnAuthChange calls fn with the current user (nil when signed out) once the
// provider has initialised and again on every change. Provider errors are
// logged and not passed to fn.
func (c *Client) OnAuthChange(fn func(identity.User) error) (*Subscription, error) {
	return c.channel.Subscribe(func(ev authstate.Event) error {
		if ev.Err != nil {
			return nil
		}
		return fn(ev.User)
	})
}

// WatchConfiguration registers callbacks on the document at path. They are
// called in order for every snapshot and the returned handle cancels all of
// them.
func (c *Client) WatchConfiguration(path string, callbacks ...docstream.Callback) (*Subscription, error) {
	return c.docs.WatchConfiguration(path, callbacks...)
}

// Token returns a fresh credential, or nil when nobody is signed in.
func (c *Client) Token(ctx context.Context) (*token.Token, error) {
	return c.tokens.Token(ctx)
}

// Source exposes the coordinator for components that take a
// tokensource.Source.
func (c *Client) Source() tokensource.Source { return c.tokens }

// Transport returns a RoundTripper that authenticates requests sent through
// base (http.DefaultTransport when nil).
func (c *Client) Transport(base http.RoundTripper) *bearer.Transport {
	return &bearer.Transport{Source: c.tokens, Base: base, Logger: c.log}
}

// HTTPClient returns an *http.Client using Transport(nil).
func (c *Client) HTTPClient() *http.Client {
	return &http.Client{Transport: c.Transport(nil)}
}

// Close releases every subscription the Client holds. Subscriptions handed
// out earlier stop receiving events.
func (c *Client) Close() {
	c.tokens.Close()
	c.docs.Close()
	c.channel.Close()
}
