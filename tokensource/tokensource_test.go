package tokensource

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/authsync-go/authstate"
	"github.com/ggoodman/authsync-go/identity"
	"github.com/ggoodman/authsync-go/identity/identitytest"
	"github.com/golang-jwt/jwt/v5"
)

var testNow = time.Unix(1_800_000_000, 0)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func credential(t *testing.T, sub string, expiry time.Time) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": sub,
		"exp": expiry.Unix(),
		"iat": testNow.Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

type harness struct {
	provider *identitytest.Provider
	channel  *authstate.Channel
	coord    *Coordinator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	p := identitytest.New()
	ch := authstate.New(p, authstate.WithLogger(quietLogger()))
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithLogger(quietLogger()),
	}, opts...)
	c, err := New(p, ch, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		ch.Close()
	})
	return &harness{provider: p, channel: ch, coord: c}
}

// waitState blocks until the coordinator has applied a session with at least
// the given sequence number.
func (h *harness) waitState(t *testing.T, want State, seq uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		state, sess := h.coord.State()
		if state == want && sess.Seq >= seq {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %v (seq %d), want %v (seq >= %d)", state, sess.Seq, want, seq)
		}
		time.Sleep(time.Millisecond)
	}
}

type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gate) refresh(raw string, err error) identitytest.RefreshFunc {
	return func(ctx context.Context, user identity.User) (string, error) {
		g.entered <- struct{}{}
		<-g.release
		return raw, err
	}
}

func (g *gate) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never started")
	}
}

type result struct {
	value string
	isNil bool
	err   error
}

func tokenAsync(h *harness, ctx context.Context) <-chan result {
	out := make(chan result, 1)
	go func() {
		tok, err := h.coord.Token(ctx)
		r := result{err: err, isNil: tok == nil}
		if tok != nil {
			r.value = tok.Value
		}
		out <- r
	}()
	return out
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("Token did not return")
		return result{}
	}
}

func TestToken_UnknownWaitsForFirstEvent(t *testing.T) {
	h := newHarness(t)
	u1 := identity.StaticUser("u1")
	fresh := credential(t, "u1", testNow.Add(time.Hour))
	h.provider.SetToken("u1", fresh)

	first := tokenAsync(h, context.Background())
	select {
	case r := <-first:
		t.Fatalf("Token returned %+v before any auth event", r)
	case <-time.After(50 * time.Millisecond):
	}

	h.provider.Emit(nil)
	r := await(t, first)
	if r.err != nil || !r.isNil {
		t.Fatalf("first Token = %+v, want nil token", r)
	}
	if state, _ := h.coord.State(); state != StateSignedOut {
		t.Fatalf("state = %v, want signed_out", state)
	}

	h.provider.Emit(u1)
	h.waitState(t, StateSignedIn, 2)

	tok, err := h.coord.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok == nil || tok.Value != fresh || tok.Subject != "u1" {
		t.Fatalf("Token = %+v, want u1's cached credential", tok)
	}
	if n := h.provider.RefreshCalls(); n != 0 {
		t.Fatalf("refresh calls = %d, want 0", n)
	}
}

func TestToken_SignedOutReturnsNil(t *testing.T) {
	h := newHarness(t)
	h.provider.Emit(nil)
	h.waitState(t, StateSignedOut, 1)

	tok, err := h.coord.Token(context.Background())
	if err != nil || tok != nil {
		t.Fatalf("Token = %v, %v; want nil, nil", tok, err)
	}
}

func TestToken_CacheHitSkipsRefresh(t *testing.T) {
	h := newHarness(t)
	fresh := credential(t, "u1", testNow.Add(10*time.Minute))
	h.provider.SetToken("u1", fresh)
	h.provider.Emit(identity.StaticUser("u1"))
	h.waitState(t, StateSignedIn, 1)

	for i := 0; i < 3; i++ {
		tok, err := h.coord.Token(context.Background())
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if tok.Value != fresh {
			t.Fatalf("unexpected token value")
		}
	}
	if n := h.provider.RefreshCalls(); n != 0 {
		t.Fatalf("refresh calls = %d, want 0", n)
	}
}

func TestToken_ExpiringTokenRefreshedOnceForConcurrentCallers(t *testing.T) {
	h := newHarness(t, WithRefreshMargin(300*time.Second))
	h.provider.SetToken("u1", credential(t, "u1", testNow.Add(60*time.Second)))
	refreshed := credential(t, "u1", testNow.Add(time.Hour))
	g := newGate()
	h.provider.SetRefresh(g.refresh(refreshed, nil))
	h.provider.Emit(identity.StaticUser("u1"))
	h.waitState(t, StateSignedIn, 1)

	first := tokenAsync(h, context.Background())
	g.waitEntered(t)
	time.Sleep(10 * time.Millisecond)
	second := tokenAsync(h, context.Background())
	// Give the second caller time to join the flight before releasing it.
	time.Sleep(20 * time.Millisecond)
	close(g.release)

	for _, ch := range []<-chan result{first, second} {
		r := await(t, ch)
		if r.err != nil || r.value != refreshed {
			t.Fatalf("result = %+v, want refreshed token", r)
		}
	}
	if n := h.provider.RefreshCalls(); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
}

func TestToken_RefreshFailureSharedThenRetried(t *testing.T) {
	h := newHarness(t)
	h.provider.SetToken("u1", credential(t, "u1", testNow.Add(30*time.Second)))
	transport := errors.New("connection reset by peer")
	g := newGate()
	h.provider.SetRefresh(g.refresh("", transport))
	h.provider.Emit(identity.StaticUser("u1"))
	h.waitState(t, StateSignedIn, 1)

	first := tokenAsync(h, context.Background())
	g.waitEntered(t)
	second := tokenAsync(h, context.Background())
	time.Sleep(20 * time.Millisecond)
	close(g.release)

	var errs []error
	for _, ch := range []<-chan result{first, second} {
		r := await(t, ch)
		if !r.isNil {
			t.Fatalf("expected no token on failure, got %+v", r)
		}
		if !errors.Is(r.err, ErrRefresh) || !errors.Is(r.err, transport) {
			t.Fatalf("err = %v, want RefreshError wrapping transport error", r.err)
		}
		errs = append(errs, r.err)
	}
	if errs[0] != errs[1] {
		t.Fatalf("waiters received different failures: %v / %v", errs[0], errs[1])
	}
	if n := h.provider.RefreshCalls(); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}

	// The slot is cleared; the next call is free to retry.
	refreshed := credential(t, "u1", testNow.Add(time.Hour))
	h.provider.SetRefresh(func(context.Context, identity.User) (string, error) { return refreshed, nil })
	tok, err := h.coord.Token(context.Background())
	if err != nil {
		t.Fatalf("retry Token: %v", err)
	}
	if tok.Value != refreshed {
		t.Fatalf("retry returned wrong token")
	}
	if n := h.provider.RefreshCalls(); n != 2 {
		t.Fatalf("refresh calls = %d, want 2", n)
	}
}

func TestToken_SignOutDuringRefreshYieldsNil(t *testing.T) {
	h := newHarness(t)
	h.provider.SetToken("u1", credential(t, "u1", testNow.Add(time.Minute)))
	g := newGate()
	h.provider.SetRefresh(g.refresh(credential(t, "u1", testNow.Add(time.Hour)), nil))
	h.provider.Emit(identity.StaticUser("u1"))
	h.waitState(t, StateSignedIn, 1)

	first := tokenAsync(h, context.Background())
	g.waitEntered(t)
	second := tokenAsync(h, context.Background())

	h.provider.Emit(nil)
	h.waitState(t, StateSignedOut, 2)
	close(g.release)

	for _, ch := range []<-chan result{first, second} {
		r := await(t, ch)
		if r.err != nil || !r.isNil {
			t.Fatalf("result = %+v, want nil token after sign-out", r)
		}
	}
}

func TestToken_NewSessionGetsFreshFlight(t *testing.T) {
	h := newHarness(t)
	h.provider.SetToken("u1", credential(t, "u1", testNow.Add(time.Minute)))
	oldGate := newGate()
	h.provider.SetRefresh(oldGate.refresh(credential(t, "u1", testNow.Add(time.Hour)), nil))
	h.provider.Emit(identity.StaticUser("u1"))
	h.waitState(t, StateSignedIn, 1)

	stale := tokenAsync(h, context.Background())
	oldGate.waitEntered(t)

	// u2 signs in while u1's refresh is still in flight.
	u2Token := credential(t, "u2", testNow.Add(time.Hour))
	h.provider.SetToken("u2", u2Token)
	h.provider.Emit(identity.StaticUser("u2"))
	h.waitState(t, StateSignedIn, 2)

	tok, err := h.coord.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.Subject != "u2" {
		t.Fatalf("Subject = %q, want u2", tok.Subject)
	}

	close(oldGate.release)
	r := await(t, stale)
	if r.err != nil || r.value != u2Token {
		t.Fatalf("stale waiter = %+v, want u2's token after re-evaluation", r)
	}
}

func TestToken_UndecodableCacheForcesRefresh(t *testing.T) {
	h := newHarness(t)
	h.provider.SetToken("u1", "not-a-jwt")
	refreshed := credential(t, "u1", testNow.Add(time.Hour))
	h.provider.SetRefresh(func(context.Context, identity.User) (string, error) { return refreshed, nil })
	h.provider.Emit(identity.StaticUser("u1"))
	h.waitState(t, StateSignedIn, 1)

	tok, err := h.coord.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.Value != refreshed {
		t.Fatalf("expected refreshed token")
	}
	if n := h.provider.RefreshCalls(); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
}

func TestToken_WaiterCancellationDoesNotCancelFlight(t *testing.T) {
	h := newHarness(t)
	h.provider.SetToken("u1", credential(t, "u1", testNow.Add(time.Minute)))
	refreshed := credential(t, "u1", testNow.Add(time.Hour))

	var mu sync.Mutex
	var flightErr error
	g := newGate()
	h.provider.SetRefresh(func(ctx context.Context, user identity.User) (string, error) {
		g.entered <- struct{}{}
		<-g.release
		mu.Lock()
		flightErr = ctx.Err()
		mu.Unlock()
		return refreshed, nil
	})
	h.provider.Emit(identity.StaticUser("u1"))
	h.waitState(t, StateSignedIn, 1)

	ctx, cancel := context.WithCancel(context.Background())
	first := tokenAsync(h, ctx)
	g.waitEntered(t)
	second := tokenAsync(h, context.Background())

	cancel()
	if r := await(t, first); !errors.Is(r.err, context.Canceled) {
		t.Fatalf("cancelled waiter err = %v", r.err)
	}

	close(g.release)
	if r := await(t, second); r.err != nil || r.value != refreshed {
		t.Fatalf("second waiter = %+v", r)
	}

	mu.Lock()
	defer mu.Unlock()
	if flightErr != nil {
		t.Fatalf("flight context was cancelled: %v", flightErr)
	}
	if n := h.provider.RefreshCalls(); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
}

func TestToken_UnknownHonoursContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := h.coord.Token(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

// aheadProvider reports sign-out from CachedToken before its listeners hear
// about it.
type aheadProvider struct {
	*identitytest.Provider
	signedOut atomic.Bool
}

func (p *aheadProvider) CachedToken(ctx context.Context, user identity.User) (string, error) {
	if p.signedOut.Load() {
		return "", identity.ErrSignedOut
	}
	return p.Provider.CachedToken(ctx, user)
}

func TestToken_ProviderAheadOfChannelYieldsNilWithoutRefresh(t *testing.T) {
	p := &aheadProvider{Provider: identitytest.New()}
	ch := authstate.New(p, authstate.WithLogger(quietLogger()))
	c, err := New(p, ch, WithClock(func() time.Time { return testNow }), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		ch.Close()
	})
	h := &harness{provider: p.Provider, channel: ch, coord: c}

	p.SetToken("u1", credential(t, "u1", testNow.Add(time.Minute)))
	p.SetRefresh(func(context.Context, identity.User) (string, error) {
		return credential(t, "u1", testNow.Add(time.Hour)), nil
	})
	p.Emit(identity.StaticUser("u1"))
	h.waitState(t, StateSignedIn, 1)

	p.signedOut.Store(true)
	pending := tokenAsync(h, context.Background())
	select {
	case r := <-pending:
		t.Fatalf("Token returned %+v before the sign-out reached the channel", r)
	case <-time.After(50 * time.Millisecond):
	}

	p.Emit(nil)
	if r := await(t, pending); r.err != nil || !r.isNil {
		t.Fatalf("result = %+v, want nil token", r)
	}
	if n := p.RefreshCalls(); n != 0 {
		t.Fatalf("refresh calls = %d, want 0", n)
	}
}

func TestStaticAndTrusted(t *testing.T) {
	ctx := context.Background()

	if tok, err := Static("").Token(ctx); tok != nil || err != nil {
		t.Fatalf("Static(\"\") = %v, %v", tok, err)
	}
	if tok, _ := Static("abc").Token(ctx); tok == nil || tok.Value != "abc" {
		t.Fatalf("Static(abc) = %v", tok)
	}

	p := identitytest.New()
	src := Trusted(p)
	if tok, err := src.Token(ctx); tok != nil || err != nil {
		t.Fatalf("Trusted before sign-in = %v, %v", tok, err)
	}

	// An already-expired credential is still handed out as-is.
	expired := credential(t, "u1", testNow.Add(-time.Hour))
	p.SetToken("u1", expired)
	p.Emit(identity.StaticUser("u1"))
	tok, err := src.Token(ctx)
	if err != nil {
		t.Fatalf("Trusted: %v", err)
	}
	if tok.Value != expired {
		t.Fatalf("Trusted returned %q", tok.Value)
	}
	if p.RefreshCalls() != 0 {
		t.Fatal("Trusted must never refresh")
	}
}
