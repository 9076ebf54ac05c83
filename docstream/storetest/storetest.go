// Package storetest is a conformance suite for docstream.Store
// implementations.
package storetest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/authsync-go/docstream"
	"github.com/google/uuid"
)

// Writer mutates documents in the store under test.
type Writer interface {
	Put(ctx context.Context, path string, data map[string]any) error
	Delete(ctx context.Context, path string) error
}

// Harness pairs the store under test with a way to write to it. They may be
// different objects, for example a network client and the server's backing
// store.
type Harness struct {
	Store  docstream.Store
	Writer Writer
}

// StoreFactory creates a fresh Harness for one test.
type StoreFactory func(t *testing.T) Harness

// RunStoreTests runs the complete docstream.Store suite against factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Watch_MissingDocumentIsAbsent", func(t *testing.T) { testMissingDocumentIsAbsent(t, factory) })
	t.Run("Watch_ExistingDocumentDeliveredFirst", func(t *testing.T) { testExistingDocumentDeliveredFirst(t, factory) })
	t.Run("Watch_UpdatesAndDeletes", func(t *testing.T) { testUpdatesAndDeletes(t, factory) })
	t.Run("Watch_PathIsolation", func(t *testing.T) { testPathIsolation(t, factory) })
	t.Run("Watch_StopEndsDeliveries", func(t *testing.T) { testStopEndsDeliveries(t, factory) })
	t.Run("Watch_ContextCancellationEndsDeliveries", func(t *testing.T) { testContextCancellation(t, factory) })
	t.Run("Registry_SharedWatchAbsentThenData", func(t *testing.T) { testRegistryAbsentThenData(t, factory) })
}

const waitTimeout = 5 * time.Second

type watchRecorder struct {
	snaps chan docstream.Snapshot
	errs  chan error
}

func newWatchRecorder() *watchRecorder {
	return &watchRecorder{
		snaps: make(chan docstream.Snapshot, 64),
		errs:  make(chan error, 64),
	}
}

func (w *watchRecorder) onSnapshot(s docstream.Snapshot) {
	select {
	case w.snaps <- s:
	default:
	}
}

func (w *watchRecorder) onError(err error) {
	select {
	case w.errs <- err:
	default:
	}
}

// waitFor returns the first snapshot matching match. Stores may repeat a
// snapshot, so non-matching snapshots are skipped.
func (w *watchRecorder) waitFor(t *testing.T, what string, match func(docstream.Snapshot) bool) docstream.Snapshot {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case s := <-w.snaps:
			if match(s) {
				return s
			}
		case err := <-w.errs:
			t.Fatalf("watch error while waiting for %s: %v", what, err)
		case <-timeout:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func (w *watchRecorder) first(t *testing.T) docstream.Snapshot {
	t.Helper()
	select {
	case s := <-w.snaps:
		return s
	case err := <-w.errs:
		t.Fatalf("watch error: %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for first snapshot")
	}
	return docstream.Snapshot{}
}

func (w *watchRecorder) expectQuiet(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case s := <-w.snaps:
		t.Fatalf("unexpected snapshot after stop: %+v", s)
	case <-time.After(wait):
	}
}

func absent(s docstream.Snapshot) bool { return !s.Exists }

func hasField(key, value string) func(docstream.Snapshot) bool {
	return func(s docstream.Snapshot) bool {
		if !s.Exists {
			return false
		}
		v, _ := s.Data[key].(string)
		return v == value
	}
}

func uniquePath(prefix string) string {
	return "storetest/" + prefix + "/" + uuid.NewString()
}

func watch(t *testing.T, ctx context.Context, s docstream.Store, path string) (*watchRecorder, func()) {
	t.Helper()
	w := newWatchRecorder()
	stop, err := s.WatchDocument(ctx, path, w.onSnapshot, w.onError)
	if err != nil {
		t.Fatalf("WatchDocument(%q): %v", path, err)
	}
	return w, stop
}

func testMissingDocumentIsAbsent(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*waitTimeout)
	defer cancel()

	path := uniquePath("missing")
	w, stop := watch(t, ctx, h.Store, path)
	defer stop()

	s := w.first(t)
	if s.Exists {
		t.Fatalf("first snapshot exists: %+v", s)
	}
	if s.Data != nil {
		t.Fatalf("absent snapshot carries data: %+v", s.Data)
	}
}

func testExistingDocumentDeliveredFirst(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*waitTimeout)
	defer cancel()

	path := uniquePath("existing")
	if err := h.Writer.Put(ctx, path, map[string]any{"version": "1.0.0"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	w, stop := watch(t, ctx, h.Store, path)
	defer stop()

	s := w.first(t)
	if !hasField("version", "1.0.0")(s) {
		t.Fatalf("first snapshot = %+v, want version 1.0.0", s)
	}
	if s.Path != path {
		t.Fatalf("snapshot path = %q, want %q", s.Path, path)
	}
}

func testUpdatesAndDeletes(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*waitTimeout)
	defer cancel()

	path := uniquePath("updates")
	w, stop := watch(t, ctx, h.Store, path)
	defer stop()
	w.waitFor(t, "initial absent", absent)

	if err := h.Writer.Put(ctx, path, map[string]any{"version": "1"}); err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	w.waitFor(t, "version 1", hasField("version", "1"))

	if err := h.Writer.Put(ctx, path, map[string]any{"version": "2"}); err != nil {
		t.Fatalf("Put 2: %v", err)
	}
	w.waitFor(t, "version 2", hasField("version", "2"))

	if err := h.Writer.Delete(ctx, path); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	w.waitFor(t, "absent after delete", absent)
}

func testPathIsolation(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*waitTimeout)
	defer cancel()

	a, b := uniquePath("iso-a"), uniquePath("iso-b")
	wa, stopA := watch(t, ctx, h.Store, a)
	defer stopA()
	wb, stopB := watch(t, ctx, h.Store, b)
	defer stopB()
	wa.waitFor(t, "a absent", absent)
	wb.waitFor(t, "b absent", absent)

	if err := h.Writer.Put(ctx, a, map[string]any{"owner": "a"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	wa.waitFor(t, "a data", hasField("owner", "a"))

	select {
	case s := <-wb.snaps:
		if s.Exists {
			t.Fatalf("b received a's data: %+v", s)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func testStopEndsDeliveries(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*waitTimeout)
	defer cancel()

	path := uniquePath("stop")
	w, stop := watch(t, ctx, h.Store, path)
	w.waitFor(t, "initial absent", absent)

	stop()
	stop() // idempotent

	// Drain anything that raced with stop.
	time.Sleep(50 * time.Millisecond)
	for len(w.snaps) > 0 {
		<-w.snaps
	}

	if err := h.Writer.Put(ctx, path, map[string]any{"version": "1"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	w.expectQuiet(t, 200*time.Millisecond)
}

func testContextCancellation(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*waitTimeout)
	defer cancel()

	path := uniquePath("ctx")
	watchCtx, stopWatch := context.WithCancel(ctx)
	w, stop := watch(t, watchCtx, h.Store, path)
	defer stop()
	w.waitFor(t, "initial absent", absent)

	stopWatch()
	time.Sleep(50 * time.Millisecond)
	for len(w.snaps) > 0 {
		<-w.snaps
	}

	if err := h.Writer.Put(ctx, path, map[string]any{"version": "1"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	w.expectQuiet(t, 200*time.Millisecond)
}

// testRegistryAbsentThenData runs two callbacks on one path through a
// Registry: both must see absence, then the same data, in that order.
func testRegistryAbsentThenData(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*waitTimeout)
	defer cancel()

	reg := docstream.NewRegistry(h.Store, docstream.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer reg.Close()

	path := uniquePath("config/app")
	type seen struct {
		mu    sync.Mutex
		kinds []docstream.Kind
		data  []map[string]any
		ch    chan struct{}
	}
	mk := func() (*seen, docstream.Callback) {
		s := &seen{ch: make(chan struct{}, 64)}
		return s, func(n docstream.Notification) error {
			if n.Kind == docstream.KindError {
				return errors.New("unexpected error notification")
			}
			s.mu.Lock()
			// Stores may repeat a snapshot; keep transitions only.
			if len(s.kinds) == 0 || s.kinds[len(s.kinds)-1] != n.Kind {
				s.kinds = append(s.kinds, n.Kind)
				s.data = append(s.data, n.Data)
			}
			s.mu.Unlock()
			s.ch <- struct{}{}
			return nil
		}
	}
	first, cb1 := mk()
	second, cb2 := mk()

	sub, err := reg.WatchConfiguration(path, cb1, cb2)
	if err != nil {
		t.Fatalf("WatchConfiguration: %v", err)
	}
	defer sub.Cancel()

	waitKinds := func(s *seen, n int) {
		t.Helper()
		deadline := time.After(waitTimeout)
		for {
			s.mu.Lock()
			got := len(s.kinds)
			s.mu.Unlock()
			if got >= n {
				return
			}
			select {
			case <-s.ch:
			case <-deadline:
				t.Fatalf("timed out waiting for %d transitions", n)
			}
		}
	}

	waitKinds(first, 1)
	waitKinds(second, 1)

	if err := h.Writer.Put(ctx, path, map[string]any{"version": "2.0.0"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	waitKinds(first, 2)
	waitKinds(second, 2)

	for i, s := range []*seen{first, second} {
		s.mu.Lock()
		if s.kinds[0] != docstream.KindAbsent || s.kinds[1] != docstream.KindData {
			t.Fatalf("callback %d saw %v, want [absent data]", i, s.kinds)
		}
		if s.data[0] != nil {
			t.Fatalf("callback %d: absent notification carried data", i)
		}
		if v, _ := s.data[1]["version"].(string); v != "2.0.0" {
			t.Fatalf("callback %d data = %v", i, s.data[1])
		}
		s.mu.Unlock()
	}
	if reg.Watchers(path) != 2 {
		t.Fatalf("watchers = %d, want 2", reg.Watchers(path))
	}
}
