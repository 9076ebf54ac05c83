// Package authstate turns an identity provider's change notifications into a
// cancellable, fan-out subscription.
//
// A Channel holds at most one registration with the provider no matter how
// many local listeners it has. The registration is opened for the first
// listener and released when the last one cancels. Every session event is
// numbered; the number identifies the session for as long as it is current.
package authstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/authsync-go/identity"
	"github.com/ggoodman/authsync-go/internal/fanout"
	"github.com/ggoodman/authsync-go/internal/logctx"
	"github.com/ggoodman/authsync-go/metrics"
)

// ErrChannel is matched by every *ChannelError.
var ErrChannel = errors.New("authstate: provider error")

// ChannelError wraps a provider-level failure. It is broadcast to listeners
// and leaves the channel usable.
type ChannelError struct {
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("authstate: provider error: %v", e.Err)
}

func (e *ChannelError) Unwrap() []error {
	return []error{ErrChannel, e.Err}
}

// Subscription is the handle returned by Subscribe.
type Subscription = fanout.Subscription

// Session is one observed auth state. A nil User means signed out.
type Session struct {
	// Seq is assigned by the channel and strictly increases with every
	// session event it observes.
	Seq  uint64
	User identity.User
}

// SignedIn reports whether the session has a user.
func (s Session) SignedIn() bool { return s.User != nil }

// Event is delivered to listeners. Exactly one of a session (Seq > 0) or Err
// is set.
type Event struct {
	Seq  uint64
	User identity.User
	Err  error
}

// Session returns the session carried by a non-error event.
func (e Event) Session() Session { return Session{Seq: e.Seq, User: e.User} }

// Listener receives auth events. A returned error is logged.
type Listener func(Event) error

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger for auth changes and provider errors.
func WithLogger(log *slog.Logger) Option {
	return func(c *Channel) { c.log = log }
}

// WithMetrics records listener deliveries and the provider registration.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// Channel fans a provider's auth-state changes out to local listeners.
type Channel struct {
	provider identity.Provider
	log      *slog.Logger
	metrics  *metrics.Metrics
	reg      *fanout.Registry[struct{}, Event]

	mu      sync.Mutex
	seq     uint64
	gen     uint64
	current Session
	known   bool
}

// New creates a Channel over provider. No provider registration is made
// until the first Subscribe.
func New(provider identity.Provider, opts ...Option) *Channel {
	c := &Channel{
		provider: provider,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.reg = fanout.New(c.open,
		fanout.WithMode(fanout.Isolated),
		fanout.WithRetain(func(e Event) bool { return e.Err == nil }),
		fanout.WithLogger(c.log),
		fanout.WithName("auth"),
		fanout.WithMetrics(c.metrics),
	)
	return c
}

// Subscribe registers fn. If a session has already been observed, fn
// receives it first; otherwise fn waits for the provider's first event.
// Each listener runs on its own goroutine, so a slow listener never delays
// the others.
func (c *Channel) Subscribe(fn Listener) (*Subscription, error) {
	if fn == nil {
		return nil, fanout.ErrNilListener
	}
	return c.reg.Subscribe(struct{}{}, fanout.Listener[Event](fn))
}

// Next waits for the first session event, skipping error events, then
// cancels its registration. It never observes a second event.
func (c *Channel) Next(ctx context.Context) (Event, error) {
	ch := make(chan Event, 1)
	var once sync.Once
	sub, err := c.Subscribe(func(ev Event) error {
		if ev.Err != nil {
			return nil
		}
		once.Do(func() { ch <- ev })
		return nil
	})
	if err != nil {
		return Event{}, err
	}
	defer sub.Cancel()

	select {
	case ev := <-ch:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Current returns the latest session while the provider registration is
// open. It reports false before the first event and after the last listener
// has cancelled.
func (c *Channel) Current() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.known
}

// Listeners reports how many local listeners are registered.
func (c *Channel) Listeners() int {
	return c.reg.Listeners(struct{}{})
}

// Close cancels every listener and releases the provider registration.
func (c *Channel) Close() {
	c.reg.Close()
}

func (c *Channel) open(_ struct{}, emit func(Event)) (func(), error) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.log.Debug("authstate.provider.subscribe")
	unsubscribe := c.provider.OnAuthChange(
		func(user identity.User) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.gen != gen {
				return
			}
			c.seq++
			c.current = Session{Seq: c.seq, User: user}
			c.known = true

			ctx := logctx.WithSessionData(context.Background(), &logctx.SessionData{Seq: c.seq, UserID: userID(user)})
			c.log.InfoContext(ctx, "authstate.change", slog.Bool("signed_in", user != nil))
			emit(Event{Seq: c.seq, User: user})
		},
		func(err error) {
			c.mu.Lock()
			stale := c.gen != gen
			c.mu.Unlock()
			if stale || err == nil {
				return
			}
			c.log.Warn("authstate.provider.error", slog.String("err", err.Error()))
			emit(Event{Err: &ChannelError{Err: err}})
		},
	)

	return func() {
		unsubscribe()
		c.mu.Lock()
		if c.gen == gen {
			c.gen++
			c.known = false
		}
		c.mu.Unlock()
		c.log.Debug("authstate.provider.unsubscribe")
	}, nil
}

func userID(u identity.User) string {
	if u == nil {
		return ""
	}
	return u.UserID()
}
