package authsync_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	authsync "github.com/ggoodman/authsync-go"
	"github.com/ggoodman/authsync-go/docstream/memorystore"
	"github.com/ggoodman/authsync-go/identity"
	"github.com/ggoodman/authsync-go/identity/identitytest"
	"github.com/ggoodman/authsync-go/internal/logctx"
	"github.com/golang-jwt/jwt/v5"
)

var testNow = time.Unix(1_800_000_000, 0)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recorder struct {
	calls chan string
}

func newRecorder() *recorder { return &recorder{calls: make(chan string, 64)} }

func (r *recorder) Login(_ context.Context, user identity.User) error {
	r.calls <- "login:" + user.UserID()
	return nil
}

func (r *recorder) Logout(context.Context) error {
	r.calls <- "logout"
	return nil
}

func (r *recorder) NewVersionAvailable(_ context.Context, version string) error {
	r.calls <- "version:" + version
	return nil
}

func (r *recorder) UpdateAlerts(_ context.Context, alerts []authsync.Alert) error {
	r.calls <- fmt.Sprintf("alerts:%d", len(alerts))
	return nil
}

func (r *recorder) UpdateFeatureFlags(_ context.Context, flags map[string]any) error {
	r.calls <- fmt.Sprintf("flags:%v", flags["chat"])
	return nil
}

func (r *recorder) expect(t *testing.T, want string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-r.calls:
			if got == want {
				return
			}
			t.Fatalf("got call %q, want %q", got, want)
		case <-timeout:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func (r *recorder) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case got := <-r.calls:
		t.Fatalf("unexpected call %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func newClient(t *testing.T, opts ...authsync.Option) (*authsync.Client, *identitytest.Provider, *memorystore.Store) {
	t.Helper()
	p := identitytest.New()
	store := memorystore.New()
	opts = append([]authsync.Option{
		authsync.WithLogger(quietLogger()),
		authsync.WithClock(func() time.Time { return testNow }),
	}, opts...)
	c, err := authsync.New(p, store, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c, p, store
}

func credential(t *testing.T, sub string, expiry time.Time) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": sub,
		"exp": expiry.Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestStart_DispatchesAuthAndConfiguration(t *testing.T) {
	c, p, store := newClient(t)
	rec := newRecorder()
	ctx := context.Background()

	sub, err := c.Start(ctx, rec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sub.Cancel()

	// Neither the unsettled provider nor the absent document dispatches.
	rec.expectQuiet(t)

	p.Emit(identity.StaticUser("u1"))
	rec.expect(t, "login:u1")

	_ = store.Put(ctx, "configurations/bitwave.tv", map[string]any{
		"version": "2.0.0",
		"alerts":  []any{map[string]any{"message": "maintenance at noon"}},
	})
	rec.expect(t, "version:2.0.0")
	rec.expect(t, "alerts:1")

	p.Emit(nil)
	rec.expect(t, "logout")

	sub.Cancel()
	p.Emit(identity.StaticUser("u2"))
	_ = store.Put(ctx, "configurations/bitwave.tv", map[string]any{"version": "3.0.0"})
	rec.expectQuiet(t)
}

func TestStart_ProviderErrorsAreNotDispatched(t *testing.T) {
	c, p, _ := newClient(t)
	rec := newRecorder()

	sub, err := c.Start(context.Background(), rec)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	p.EmitError(fmt.Errorf("network down"))
	rec.expectQuiet(t)
	p.Emit(nil)
	rec.expect(t, "logout")
}

func TestStart_FeatureFlagsWhenEnabled(t *testing.T) {
	cfg := authsync.DefaultConfig()
	cfg.WatchFeatureFlags = true
	c, _, store := newClient(t, authsync.WithConfig(cfg))
	rec := newRecorder()
	ctx := context.Background()

	sub, err := c.Start(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	_ = store.Put(ctx, "configurations/features", map[string]any{"chat": true})
	rec.expect(t, "flags:true")
	if n := store.Watchers("configurations/features"); n != 1 {
		t.Fatalf("feature flag watchers = %d, want 1", n)
	}

	sub.Cancel()
	if n := store.Watchers("configurations/features"); n != 0 {
		t.Fatalf("feature flag watch survived cancel")
	}
}

func TestStart_FeatureFlagsDisabledByDefault(t *testing.T) {
	c, _, store := newClient(t)
	sub, err := c.Start(context.Background(), newRecorder())
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()
	if n := store.Watchers("configurations/features"); n != 0 {
		t.Fatalf("feature flags watched while disabled")
	}
	if n := store.Watchers("configurations/bitwave.tv"); n != 1 {
		t.Fatalf("configuration watchers = %d, want 1", n)
	}
}

func TestClient_HTTPClientAttachesToken(t *testing.T) {
	c, p, _ := newClient(t)

	seen := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("Authorization")
	}))
	defer srv.Close()

	get := func() string {
		t.Helper()
		resp, err := c.HTTPClient().Get(srv.URL)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		_ = resp.Body.Close()
		return <-seen
	}

	p.Emit(nil)
	if got := get(); got != "" {
		t.Fatalf("signed-out request carried %q", got)
	}

	raw := credential(t, "u1", testNow.Add(time.Hour))
	p.SetToken("u1", raw)
	p.Emit(identity.StaticUser("u1"))
	if got := get(); got != "Bearer "+raw {
		t.Fatalf("Authorization = %q", got)
	}
	if p.RefreshCalls() != 0 {
		t.Fatalf("fresh token was refreshed")
	}
}

func TestClient_TokenRefreshesNearExpiry(t *testing.T) {
	cfg := authsync.DefaultConfig()
	cfg.RefreshMargin = 10 * time.Minute
	c, p, _ := newClient(t, authsync.WithConfig(cfg))

	p.SetToken("u1", credential(t, "u1", testNow.Add(5*time.Minute)))
	fresh := credential(t, "u1", testNow.Add(time.Hour))
	p.SetRefresh(func(context.Context, identity.User) (string, error) { return fresh, nil })
	p.Emit(identity.StaticUser("u1"))

	tok, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.Value != fresh {
		t.Fatal("token inside the refresh margin was not refreshed")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := authsync.NewLogger("warn", &buf)
	if err != nil {
		t.Fatal(err)
	}
	ctx := logctx.WithSessionData(context.Background(), &logctx.SessionData{Seq: 3, UserID: "u1"})
	log.InfoContext(ctx, "dropped")
	log.WarnContext(ctx, "kept")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected exactly one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "kept" {
		t.Fatalf("msg = %v", rec["msg"])
	}
	auth, _ := rec["auth"].(map[string]any)
	if auth["user_id"] != "u1" || auth["seq"] != "3" {
		t.Fatalf("auth group = %v", rec["auth"])
	}

	if _, err := authsync.NewLogger("loud", &buf); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("AUTHSYNC_REFRESH_MARGIN", "90s")
	t.Setenv("AUTHSYNC_WATCH_FEATURE_FLAGS", "true")

	cfg, err := authsync.ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.RefreshMargin != 90*time.Second {
		t.Fatalf("RefreshMargin = %v", cfg.RefreshMargin)
	}
	if !cfg.WatchFeatureFlags {
		t.Fatal("WatchFeatureFlags not set")
	}
	if cfg.ConfigurationPath != "configurations/bitwave.tv" {
		t.Fatalf("ConfigurationPath = %q", cfg.ConfigurationPath)
	}
}

func TestConfigFromEnv_RejectsUnparseableValues(t *testing.T) {
	t.Setenv("AUTHSYNC_REFRESH_MARGIN", "5 minutes")

	cfg, err := authsync.ConfigFromEnv()
	if err == nil {
		t.Fatal("expected error for unparseable refresh margin")
	}
	if cfg.RefreshMargin != authsync.DefaultConfig().RefreshMargin {
		t.Fatalf("RefreshMargin = %v, want the default", cfg.RefreshMargin)
	}
}
