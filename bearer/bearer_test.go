package bearer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ggoodman/authsync-go/token"
)

type fakeSource struct {
	tok   *token.Token
	err   error
	calls atomic.Int32
	wait  bool
}

func (s *fakeSource) Token(ctx context.Context) (*token.Token, error) {
	s.calls.Add(1)
	if s.wait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.tok, s.err
}

func newTransport(src *fakeSource) *Transport {
	return &Transport{Source: src, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestDecorate(t *testing.T) {
	tests := []struct {
		name       string
		src        *fakeSource
		prepare    func(*http.Request) *http.Request
		wantHeader string
		wantCalls  int32
	}{
		{
			name:       "attaches bearer credential",
			src:        &fakeSource{tok: &token.Token{Value: "abc"}},
			wantHeader: "Bearer abc",
			wantCalls:  1,
		},
		{
			name:      "signed out sends no header",
			src:       &fakeSource{},
			wantCalls: 1,
		},
		{
			name:      "refresh failure sends no header",
			src:       &fakeSource{err: errors.New("refresh failed")},
			wantCalls: 1,
		},
		{
			name:      "opt out",
			src:       &fakeSource{tok: &token.Token{Value: "abc"}},
			prepare:   SkipAuth,
			wantCalls: 0,
		},
		{
			name: "opt out via context",
			src:  &fakeSource{tok: &token.Token{Value: "abc"}},
			prepare: func(r *http.Request) *http.Request {
				return r.WithContext(WithSkipAuth(r.Context()))
			},
			wantCalls: 0,
		},
		{
			name: "competing auth header",
			src:  &fakeSource{tok: &token.Token{Value: "abc"}},
			prepare: func(r *http.Request) *http.Request {
				r.Header.Set("X-Requested-With", "XMLHttpRequest")
				return r
			},
			wantCalls: 0,
		},
		{
			name: "existing authorization is kept",
			src:  &fakeSource{tok: &token.Token{Value: "abc"}},
			prepare: func(r *http.Request) *http.Request {
				r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
				return r
			},
			wantHeader: "Basic dXNlcjpwYXNz",
			wantCalls:  0,
		},
		{
			name: "request without header map",
			src:  &fakeSource{tok: &token.Token{Value: "abc"}},
			prepare: func(r *http.Request) *http.Request {
				r.Header = nil
				return r
			},
			wantHeader: "Bearer abc",
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "https://api.example.com/v1/me", nil)
			if tt.prepare != nil {
				req = tt.prepare(req)
			}

			out, err := newTransport(tt.src).Decorate(req)
			if err != nil {
				t.Fatalf("Decorate: %v", err)
			}
			if got := out.Header.Get("Authorization"); got != tt.wantHeader {
				t.Fatalf("Authorization = %q, want %q", got, tt.wantHeader)
			}
			if got := tt.src.calls.Load(); got != tt.wantCalls {
				t.Fatalf("source calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestDecorate_DoesNotMutateCallerRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://api.example.com/", nil)
	out, err := newTransport(&fakeSource{tok: &token.Token{Value: "abc"}}).Decorate(req)
	if err != nil {
		t.Fatal(err)
	}
	if out == req {
		t.Fatal("expected a clone")
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatal("caller's request was modified")
	}
}

func TestDecorate_RequestContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "https://api.example.com/", nil).WithContext(ctx)

	if _, err := newTransport(&fakeSource{wait: true}).Decorate(req); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestTransport_RoundTrip(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(&fakeSource{tok: &token.Token{Value: "abc"}}, srv.Client().Transport)
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	_ = resp.Body.Close()
	if got.Load() != "Bearer abc" {
		t.Fatalf("server saw Authorization %v", got.Load())
	}
}
