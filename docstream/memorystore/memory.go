// Package memorystore provides an in-memory docstream.Store suitable for
// tests, development and single-process deployments. All state is discarded
// on process exit.
//
// Watch callbacks are invoked synchronously from Put, Delete, Fail and
// WatchDocument itself, in the order the writes happened. They must not
// block.
//
// Example:
//
//	store := memorystore.New()
//	reg := docstream.NewRegistry(store)
//	_ = store.Put(ctx, "configurations/app", map[string]any{"version": "1.2.0"})
package memorystore

import (
	"context"
	"maps"
	"sync"

	"github.com/ggoodman/authsync-go/docstream"
)

// Store is an in-memory implementation of docstream.Store.
type Store struct {
	// deliverMu serialises writes with their deliveries so every watcher
	// observes the same order.
	deliverMu sync.Mutex

	mu       sync.Mutex
	docs     map[string]map[string]any
	watchers map[string]map[*watcher]struct{}
}

type watcher struct {
	onSnapshot func(docstream.Snapshot)
	onError    func(error)
}

func New() *Store {
	return &Store{
		docs:     make(map[string]map[string]any),
		watchers: make(map[string]map[*watcher]struct{}),
	}
}

// Put replaces the document at path.
func (s *Store) Put(ctx context.Context, path string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := maps.Clone(data)
	if doc == nil {
		doc = map[string]any{}
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	s.docs[path] = doc
	ws := s.snapshot(path)
	s.mu.Unlock()

	for _, w := range ws {
		w.onSnapshot(docstream.Snapshot{Path: path, Exists: true, Data: doc})
	}
	return nil
}

// Delete removes the document at path. Watchers are told it is absent.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	delete(s.docs, path)
	ws := s.snapshot(path)
	s.mu.Unlock()

	for _, w := range ws {
		w.onSnapshot(docstream.Snapshot{Path: path})
	}
	return nil
}

// Fail reports err to every watcher of path, simulating a broken watch.
func (s *Store) Fail(path string, err error) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	ws := s.snapshot(path)
	s.mu.Unlock()

	for _, w := range ws {
		if w.onError != nil {
			w.onError(err)
		}
	}
}

// Watchers reports how many active watches exist for path.
func (s *Store) Watchers(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers[path])
}

func (s *Store) WatchDocument(ctx context.Context, path string, onSnapshot func(docstream.Snapshot), onError func(error)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &watcher{onSnapshot: onSnapshot, onError: onError}

	s.deliverMu.Lock()
	s.mu.Lock()
	if s.watchers[path] == nil {
		s.watchers[path] = make(map[*watcher]struct{})
	}
	s.watchers[path][w] = struct{}{}
	doc, exists := s.docs[path]
	s.mu.Unlock()

	onSnapshot(docstream.Snapshot{Path: path, Exists: exists, Data: doc})
	s.deliverMu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.watchers[path], w)
			if len(s.watchers[path]) == 0 {
				delete(s.watchers, path)
			}
		})
	}
	context.AfterFunc(ctx, stop)
	return stop, nil
}

func (s *Store) snapshot(path string) []*watcher {
	out := make([]*watcher, 0, len(s.watchers[path]))
	for w := range s.watchers[path] {
		out = append(out, w)
	}
	return out
}

var _ docstream.Store = (*Store)(nil)
