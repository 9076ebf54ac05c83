// Package tokensource hands out fresh bearer credentials on demand.
//
// A Coordinator tracks whether anyone is signed in by following an
// authstate.Channel. When asked for a token it returns the provider's cached
// credential if that stays valid for longer than the refresh margin, and
// otherwise forces exactly one refresh per session no matter how many
// callers are waiting.
package tokensource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ggoodman/authsync-go/authstate"
	"github.com/ggoodman/authsync-go/identity"
	"github.com/ggoodman/authsync-go/internal/logctx"
	"github.com/ggoodman/authsync-go/metrics"
	"github.com/ggoodman/authsync-go/token"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshMargin is how long before expiry a cached credential stops
// being handed out.
const DefaultRefreshMargin = 5 * time.Minute

// ErrRefresh is matched by every *RefreshError.
var ErrRefresh = errors.New("tokensource: refresh failed")

var errSessionMoved = errors.New("tokensource: provider session moved on")

// RefreshError reports a failed forced refresh. Every caller waiting on the
// same refresh receives the same *RefreshError.
type RefreshError struct {
	UserID string
	Err    error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("tokensource: refresh failed for user %q: %v", e.UserID, e.Err)
}

func (e *RefreshError) Unwrap() []error {
	return []error{ErrRefresh, e.Err}
}

// Source produces the credential to attach to an outbound request. A nil
// token with a nil error means there is nobody to authenticate as.
type Source interface {
	Token(ctx context.Context) (*token.Token, error)
}

// State is the coordinator's view of the auth state.
type State int

const (
	// StateUnknown is the initial state; it is never re-entered.
	StateUnknown State = iota
	StateSignedOut
	StateSignedIn
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateSignedOut:
		return "signed_out"
	case StateSignedIn:
		return "signed_in"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRefreshMargin sets how long a credential must remain valid to be
// served from cache.
func WithRefreshMargin(d time.Duration) Option {
	return func(c *Coordinator) { c.margin = d }
}

// WithDecoder replaces token.Decode, for example with a token.Verifier.
func WithDecoder(fn token.DecodeFunc) Option {
	return func(c *Coordinator) { c.decode = fn }
}

// WithClock overrides the clock used to judge credential expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger for state changes and refreshes.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithMetrics records token request outcomes and refresh round trips.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator implements Source for an interactive client.
type Coordinator struct {
	provider identity.Provider
	channel  *authstate.Channel
	margin   time.Duration
	decode   token.DecodeFunc
	now      func() time.Time
	log      *slog.Logger
	metrics  *metrics.Metrics

	sub     *authstate.Subscription
	flights singleflight.Group

	mu      sync.Mutex
	state   State
	session authstate.Session
}

// New creates a Coordinator and subscribes it to channel for as long as it
// lives. Call Close to release the subscription.
func New(provider identity.Provider, channel *authstate.Channel, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		provider: provider,
		channel:  channel,
		margin:   DefaultRefreshMargin,
		decode:   token.Decode,
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	sub, err := channel.Subscribe(func(ev authstate.Event) error {
		if ev.Err == nil {
			c.apply(ev.Session())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to auth state: %w", err)
	}
	c.sub = sub
	return c, nil
}

// Close releases the auth-state subscription.
func (c *Coordinator) Close() {
	c.sub.Cancel()
}

// State returns the current state and the session it was derived from.
func (c *Coordinator) State() (State, authstate.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.session
}

// Token returns a credential that stays valid for longer than the refresh
// margin, nil when nobody is signed in, or the error from a failed refresh.
// While the auth state is unknown it waits for the first auth event. There
// is no internal timeout; ctx bounds the wait.
func (c *Coordinator) Token(ctx context.Context) (*token.Token, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c.sync()
		state, sess := c.State()
		switch state {
		case StateSignedOut:
			c.metrics.ObserveToken(metrics.OutcomeSignedOut)
			return nil, nil

		case StateUnknown:
			c.log.DebugContext(ctx, "tokensource.wait")
			ev, err := c.channel.Next(ctx)
			if err != nil {
				return nil, err
			}
			c.apply(ev.Session())
			continue
		}

		ctx := logctx.WithSessionData(ctx, &logctx.SessionData{Seq: sess.Seq, UserID: sess.User.UserID()})
		tok, outcome, err := c.acquire(ctx, sess)
		if errors.Is(err, errSessionMoved) {
			// The provider has already left this session; its event has
			// not reached the channel yet.
			c.log.DebugContext(ctx, "tokensource.provider.ahead")
			if err := c.awaitAfter(ctx, sess.Seq); err != nil {
				return nil, err
			}
			continue
		}
		if !c.isCurrent(sess) {
			// The session ended while we were working; whatever we got
			// belongs to it and must not be handed out.
			c.log.DebugContext(ctx, "tokensource.stale")
			continue
		}
		if err != nil {
			c.metrics.ObserveToken(metrics.OutcomeError)
			return nil, err
		}
		c.metrics.ObserveToken(outcome)
		return tok, nil
	}
}

func (c *Coordinator) acquire(ctx context.Context, sess authstate.Session) (*token.Token, string, error) {
	raw, err := c.provider.CachedToken(ctx, sess.User)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", ctxErr
		}
		if errors.Is(err, identity.ErrSignedOut) || errors.Is(err, identity.ErrUserMismatch) {
			return nil, "", errSessionMoved
		}
		c.log.DebugContext(ctx, "tokensource.cache.error", slog.String("err", err.Error()))
	} else {
		tok, err := c.decode(raw)
		switch {
		case err != nil:
			c.log.DebugContext(ctx, "tokensource.cache.undecodable", slog.String("err", err.Error()))
		case tok.ValidFor(c.now(), c.margin):
			return tok, metrics.OutcomeCacheHit, nil
		default:
			c.log.DebugContext(ctx, "tokensource.cache.expiring", slog.Time("expiry", tok.Expiry))
		}
	}

	tok, err := c.refresh(ctx, sess)
	return tok, metrics.OutcomeRefreshed, err
}

// refresh joins or starts the one flight for sess. The flight is detached
// from the caller that started it; each caller stops waiting when its own
// ctx ends.
func (c *Coordinator) refresh(ctx context.Context, sess authstate.Session) (*token.Token, error) {
	key := strconv.FormatUint(sess.Seq, 10)
	flightCtx := context.WithoutCancel(ctx)

	ch := c.flights.DoChan(key, func() (any, error) {
		c.log.InfoContext(flightCtx, "tokensource.refresh.start")
		raw, err := c.provider.RefreshToken(flightCtx, sess.User)
		c.metrics.ObserveRefresh(err)
		if err != nil {
			c.log.WarnContext(flightCtx, "tokensource.refresh.error", slog.String("err", err.Error()))
			return nil, &RefreshError{UserID: sess.User.UserID(), Err: err}
		}
		tok, err := c.decode(raw)
		if err != nil {
			c.log.WarnContext(flightCtx, "tokensource.refresh.undecodable", slog.String("err", err.Error()))
			return nil, &RefreshError{UserID: sess.User.UserID(), Err: err}
		}
		c.log.InfoContext(flightCtx, "tokensource.refresh.ok", slog.Time("expiry", tok.Expiry))
		return tok, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*token.Token), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// apply moves to the state described by sess unless a newer session has
// already been applied.
func (c *Coordinator) apply(sess authstate.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sess.Seq <= c.session.Seq {
		return
	}
	prev := c.state
	c.session = sess
	if sess.SignedIn() {
		c.state = StateSignedIn
	} else {
		c.state = StateSignedOut
	}

	ctx := logctx.WithSessionData(context.Background(), &logctx.SessionData{Seq: sess.Seq, UserID: userID(sess.User)})
	c.log.DebugContext(ctx, "tokensource.state", slog.String("from", prev.String()), slog.String("to", c.state.String()))
}

// sync applies the channel's latest session so Token does not lag behind
// this coordinator's own listener.
func (c *Coordinator) sync() {
	if sess, ok := c.channel.Current(); ok {
		c.apply(sess)
	}
}

// awaitAfter blocks until the channel has observed a session newer than seq.
func (c *Coordinator) awaitAfter(ctx context.Context, seq uint64) error {
	if !c.isCurrent(authstate.Session{Seq: seq}) {
		return nil
	}
	newer := make(chan struct{})
	var once sync.Once
	sub, err := c.channel.Subscribe(func(ev authstate.Event) error {
		if ev.Err == nil && ev.Seq > seq {
			c.apply(ev.Session())
			once.Do(func() { close(newer) })
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer sub.Cancel()

	select {
	case <-newer:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) isCurrent(sess authstate.Session) bool {
	c.sync()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Seq == sess.Seq
}

func userID(u identity.User) string {
	if u == nil {
		return ""
	}
	return u.UserID()
}

var _ Source = (*Coordinator)(nil)
