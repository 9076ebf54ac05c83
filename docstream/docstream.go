// Package docstream keeps server-pushed documents current for any number of
// local callbacks.
//
// A Registry holds exactly one Store watch per distinct document path, shared
// by every callback registered against that path and released when the last
// of them cancels. Every update is delivered to the path's callbacks in
// registration order. A missing document is reported as KindAbsent, never as
// empty data, and store failures are broadcast as KindError without any
// retry; reconnecting is the Store's concern.
package docstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/authsync-go/internal/fanout"
	"github.com/ggoodman/authsync-go/metrics"
)

// ErrStore is matched by every *StoreError.
var ErrStore = errors.New("docstream: store error")

// ErrNotReady is returned by Decode for notifications that carry no data.
var ErrNotReady = errors.New("docstream: notification has no data")

// StoreError wraps a failure reported by a Store watch.
type StoreError struct {
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("docstream: store error on %q: %v", e.Path, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStore, e.Err}
}

// Snapshot is the state of one document as reported by a Store.
type Snapshot struct {
	Path   string
	Exists bool
	Data   map[string]any
}

// Store is a real-time document store.
type Store interface {
	// WatchDocument reports the current state of path and every later
	// change through onSnapshot, and watch failures through onError. It must
	// not block waiting for the first snapshot. The watch ends when stop is
	// called or ctx ends.
	WatchDocument(ctx context.Context, path string, onSnapshot func(Snapshot), onError func(error)) (stop func(), err error)
}

// Kind classifies a Notification.
type Kind int

const (
	KindData Kind = iota
	KindAbsent
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindAbsent:
		return "absent"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Notification is delivered to callbacks. Data is shared between every
// callback on the path and must be treated as read-only.
type Notification struct {
	Path string
	Kind Kind
	Data map[string]any
	Err  error
}

// Callback receives notifications for one path. A returned error is logged
// and does not affect delivery to other callbacks or cancel the watch.
type Callback func(Notification) error

// Subscription is the handle returned by Watch.
type Subscription = fanout.Subscription

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger for store errors and callback failures.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithMetrics records callback deliveries and open store watches.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry multiplexes Store watches.
type Registry struct {
	store   Store
	log     *slog.Logger
	metrics *metrics.Metrics
	reg     *fanout.Registry[string, Notification]

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRegistry creates a Registry over store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store: store,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.reg = fanout.New(r.open,
		fanout.WithMode(fanout.Ordered),
		fanout.WithRetain(func(n Notification) bool { return n.Kind != KindError }),
		fanout.WithLogger(r.log),
		fanout.WithName("document"),
		fanout.WithMetrics(r.metrics),
	)
	return r
}

// Watch registers cb for path. If the path already has a snapshot, cb
// receives it first.
func (r *Registry) Watch(path string, cb Callback) (*Subscription, error) {
	if cb == nil {
		return nil, fanout.ErrNilListener
	}
	return r.reg.Subscribe(path, fanout.Listener[Notification](cb))
}

// WatchConfiguration registers every callback against path and returns one
// handle that cancels them all. If any registration fails, the ones already
// made are cancelled.
func (r *Registry) WatchConfiguration(path string, callbacks ...Callback) (*Subscription, error) {
	subs := make([]*Subscription, 0, len(callbacks))
	for _, cb := range callbacks {
		sub, err := r.Watch(path, cb)
		if err != nil {
			fanout.Group(subs...).Cancel()
			return nil, err
		}
		subs = append(subs, sub)
	}
	return fanout.Group(subs...), nil
}

// Last returns the latest non-error notification for path while it is
// being watched.
func (r *Registry) Last(path string) (Notification, bool) {
	return r.reg.Last(path)
}

// Watchers reports how many callbacks are registered for path.
func (r *Registry) Watchers(path string) int {
	return r.reg.Listeners(path)
}

// Close cancels every callback and stops every store watch.
func (r *Registry) Close() {
	r.reg.Close()
	r.cancel()
}

func (r *Registry) open(path string, emit func(Notification)) (func(), error) {
	ctx, cancel := context.WithCancel(r.ctx)

	// The store may keep calling back after stop; gate on our own flag so
	// nothing is emitted for a watch we have released.
	var mu sync.Mutex
	stopped := false
	guard := func(n Notification) {
		mu.Lock()
		defer mu.Unlock()
		if !stopped {
			emit(n)
		}
	}

	stop, err := r.store.WatchDocument(ctx, path,
		func(s Snapshot) {
			guard(fromSnapshot(path, s))
		},
		func(err error) {
			if err == nil {
				return
			}
			r.log.Warn("docstream.store.error", slog.String("path", path), slog.String("err", err.Error()))
			guard(Notification{Path: path, Kind: KindError, Err: &StoreError{Path: path, Err: err}})
		},
	)
	if err != nil {
		cancel()
		return nil, &StoreError{Path: path, Err: err}
	}

	return func() {
		mu.Lock()
		stopped = true
		mu.Unlock()
		if stop != nil {
			stop()
		}
		cancel()
	}, nil
}

func fromSnapshot(path string, s Snapshot) Notification {
	if !s.Exists {
		return Notification{Path: path, Kind: KindAbsent}
	}
	data := s.Data
	if data == nil {
		data = map[string]any{}
	}
	return Notification{Path: path, Kind: KindData, Data: data}
}

// Decode unmarshals the data of a KindData notification into v.
func Decode(n Notification, v any) error {
	if n.Kind != KindData {
		return fmt.Errorf("%w: %s", ErrNotReady, n.Kind)
	}
	b, err := json.Marshal(n.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
