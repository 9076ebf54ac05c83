// Package fanout implements a reference-counted listener registry. Each key
// maps to one underlying upstream subscription that is opened for the first
// local listener, shared by every later one and closed when the last listener
// cancels. Events emitted upstream are delivered to every local listener
// through a failure boundary so that one misbehaving listener never affects
// its siblings or the dispatch loop.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/authsync-go/internal/logctx"
	"github.com/ggoodman/authsync-go/metrics"
	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by Subscribe after the registry has been closed.
	ErrClosed = errors.New("fanout: registry closed")
	// ErrNilListener is returned when Subscribe is called without a listener.
	ErrNilListener = errors.New("fanout: nil listener")
)

// Mode selects how events are handed to listeners.
type Mode int

const (
	// Isolated gives every listener its own delivery goroutine. A slow
	// listener never delays delivery to the others; completion order across
	// listeners is unspecified.
	Isolated Mode = iota
	// Ordered uses one delivery goroutine per key and invokes listeners one
	// after another in registration order.
	Ordered
)

func (m Mode) String() string {
	switch m {
	case Isolated:
		return "isolated"
	case Ordered:
		return "ordered"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Listener receives events. A returned error is logged; it does not cancel
// the subscription.
type Listener[E any] func(E) error

// Opener establishes the upstream subscription for key. Events must be passed
// to emit in the order they are received. Opener is called with the registry
// lock held, so it must not block and must not call back into the registry.
// The returned close function is called exactly once, outside any lock, when
// the last listener for key cancels.
type Opener[K comparable, E any] func(key K, emit func(E)) (close func(), err error)

// Registry fans events from one upstream subscription per key out to any
// number of local listeners.
type Registry[K comparable, E any] struct {
	open    Opener[K, E]
	mode    Mode
	retain  func(E) bool
	log     *slog.Logger
	name    string
	metrics *metrics.Metrics

	mu     sync.Mutex
	topics map[K]*topic[K, E]
	closed bool
}

type topic[K comparable, E any] struct {
	reg *Registry[K, E]
	key K
	ctx context.Context

	mu        sync.Mutex
	listeners []*listener[E]
	last      E
	hasLast   bool
	closed    bool
	close     func()

	// box is only used in Ordered mode.
	box *mailbox[delivery[E]]
}

type delivery[E any] struct {
	event E
	to    []*listener[E]
}

type listener[E any] struct {
	id        string
	fn        Listener[E]
	cancelled atomic.Bool

	// box is only used in Isolated mode.
	box *mailbox[E]
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	mode    Mode
	retain  any
	log     *slog.Logger
	name    string
	metrics *metrics.Metrics
}

// WithMode selects the delivery mode. The default is Isolated.
func WithMode(mode Mode) Option {
	return func(o *options) { o.mode = mode }
}

// WithRetain selects which events are remembered and replayed to listeners
// that subscribe later. By default every event is retained. The predicate
// must have the signature func(E) bool for the registry's event type.
func WithRetain[E any](keep func(E) bool) Option {
	return func(o *options) { o.retain = keep }
}

// WithLogger sets the logger used for listener failures and topic lifecycle.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithName labels the registry in logs and metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithMetrics records deliveries, listener failures and open topics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New creates a Registry that uses open to establish upstream subscriptions.
func New[K comparable, E any](open Opener[K, E], opts ...Option) *Registry[K, E] {
	o := options{
		mode: Isolated,
		log:  slog.Default(),
		name: "fanout",
	}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Registry[K, E]{
		open:    open,
		mode:    o.mode,
		log:     o.log,
		name:    o.name,
		metrics: o.metrics,
		topics:  make(map[K]*topic[K, E]),
	}
	if keep, ok := o.retain.(func(E) bool); ok {
		r.retain = keep
	}
	return r
}

// Subscribe registers fn for key. The first listener for a key opens the
// upstream subscription; if that fails the error is returned and nothing is
// registered. If an event has already been retained for key, fn receives it
// before any later event.
func (r *Registry[K, E]) Subscribe(key K, fn Listener[E]) (*Subscription, error) {
	if fn == nil {
		return nil, ErrNilListener
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}

	t, ok := r.topics[key]
	if !ok {
		var err error
		t, err = r.openTopic(key)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.topics[key] = t
	}

	l := &listener[E]{id: uuid.NewString(), fn: fn}
	t.attach(l)
	r.mu.Unlock()

	return newSubscription(l.id, func() { r.detach(t, l) }), nil
}

// Listeners reports how many listeners are registered for key.
func (r *Registry[K, E]) Listeners(key K) int {
	r.mu.Lock()
	t, ok := r.topics[key]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

// Last returns the event retained for key, if the key is active and has one.
func (r *Registry[K, E]) Last(key K) (E, bool) {
	r.mu.Lock()
	t, ok := r.topics[key]
	r.mu.Unlock()
	if !ok {
		var zero E
		return zero, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.hasLast
}

// Close detaches every listener and closes every upstream subscription.
// Subsequent calls to Subscribe fail with ErrClosed.
func (r *Registry[K, E]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	topics := make([]*topic[K, E], 0, len(r.topics))
	for key, t := range r.topics {
		topics = append(topics, t)
		delete(r.topics, key)
	}
	r.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for _, l := range t.listeners {
			l.cancelled.Store(true)
			if l.box != nil {
				l.box.close()
			}
		}
		t.listeners = nil
		t.closed = true
		t.mu.Unlock()
		r.shutdown(t)
	}
}

// openTopic must be called with r.mu held.
func (r *Registry[K, E]) openTopic(key K) (*topic[K, E], error) {
	t := &topic[K, E]{
		reg: r,
		key: key,
		ctx: logctx.WithTopicData(context.Background(), &logctx.TopicData{Kind: r.name, Key: fmt.Sprint(key)}),
	}
	if r.mode == Ordered {
		t.box = newMailbox[delivery[E]]()
		go t.box.run(t.deliver)
	}

	closeFn, err := r.open(key, t.emit)
	if err != nil {
		if t.box != nil {
			t.box.close()
		}
		r.log.WarnContext(t.ctx, "fanout.topic.open.error", slog.String("err", err.Error()))
		return nil, err
	}
	t.close = closeFn

	r.metrics.TopicOpened(r.name)
	r.log.DebugContext(t.ctx, "fanout.topic.open", slog.String("mode", r.mode.String()))
	return t, nil
}

func (r *Registry[K, E]) detach(t *topic[K, E], l *listener[E]) {
	l.cancelled.Store(true)
	if l.box != nil {
		l.box.close()
	}

	r.mu.Lock()
	t.mu.Lock()
	t.listeners = slices.DeleteFunc(t.listeners, func(x *listener[E]) bool { return x == l })
	last := len(t.listeners) == 0 && !t.closed
	if last {
		t.closed = true
		if cur, ok := r.topics[t.key]; ok && cur == t {
			delete(r.topics, t.key)
		}
	}
	t.mu.Unlock()
	r.mu.Unlock()

	if last {
		r.shutdown(t)
	}
}

// shutdown releases the upstream subscription. It must be called without
// holding any lock, exactly once per topic.
func (r *Registry[K, E]) shutdown(t *topic[K, E]) {
	if t.box != nil {
		t.box.close()
	}
	if t.close != nil {
		t.close()
	}
	r.metrics.TopicClosed(r.name)
	r.log.DebugContext(t.ctx, "fanout.topic.close")
}

// attach registers l and queues the retained event for it, if any. Holding
// t.mu across both keeps the replay ahead of every later emit.
func (t *topic[K, E]) attach(l *listener[E]) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.reg.mode == Isolated {
		l.box = newMailbox[E]()
		go l.box.run(func(e E) { t.invoke(l, e) })
		if t.hasLast {
			l.box.put(t.last)
		}
	} else if t.hasLast {
		t.box.put(delivery[E]{event: t.last, to: []*listener[E]{l}})
	}

	t.listeners = append(t.listeners, l)
}

// emit is handed to the Opener. Calls after the topic is closed are ignored.
func (t *topic[K, E]) emit(e E) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	if t.reg.retain == nil || t.reg.retain(e) {
		t.last = e
		t.hasLast = true
	}
	if len(t.listeners) == 0 {
		return
	}

	if t.reg.mode == Isolated {
		for _, l := range t.listeners {
			l.box.put(e)
		}
		return
	}
	t.box.put(delivery[E]{event: e, to: slices.Clone(t.listeners)})
}

func (t *topic[K, E]) deliver(d delivery[E]) {
	for _, l := range d.to {
		t.invoke(l, d.event)
	}
}

// invoke runs one listener inside a failure boundary. A listener cancelled
// before this point is skipped.
func (t *topic[K, E]) invoke(l *listener[E], e E) {
	if l.cancelled.Load() {
		return
	}

	failed := false
	defer func() {
		if p := recover(); p != nil {
			failed = true
			t.reg.log.ErrorContext(t.ctx, "fanout.listener.panic",
				slog.String("listener_id", l.id),
				slog.Any("panic", p),
			)
		}
		t.reg.metrics.ObserveDelivery(t.reg.name, failed)
	}()

	if err := l.fn(e); err != nil {
		failed = true
		t.reg.log.WarnContext(t.ctx, "fanout.listener.error",
			slog.String("listener_id", l.id),
			slog.String("err", err.Error()),
		)
	}
}
