// Package bearer attaches credentials from a tokensource.Source to outbound
// HTTP requests.
//
// A request is sent unchanged when it opts out with SkipAuth or already
// carries a competing auth mechanism. When no credential is available, or a
// refresh failed, the request still goes out without one; rejecting it is
// the receiving service's job.
package bearer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ggoodman/authsync-go/internal/logctx"
	"github.com/ggoodman/authsync-go/tokensource"
)

// DefaultCompetingHeaders are the headers whose presence means the request
// is already authenticated some other way.
var DefaultCompetingHeaders = []string{"X-Requested-With", "Authorization"}

type skipAuthKey struct{}

// WithSkipAuth marks every request created with ctx as opting out of
// credential decoration.
func WithSkipAuth(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipAuthKey{}, true)
}

// SkipAuth returns a shallow copy of req that opts out of credential
// decoration.
func SkipAuth(req *http.Request) *http.Request {
	return req.WithContext(WithSkipAuth(req.Context()))
}

func skipped(req *http.Request) bool {
	skip, _ := req.Context().Value(skipAuthKey{}).(bool)
	return skip
}

// Transport is an http.RoundTripper that decorates each request with a
// bearer credential before handing it to Base.
type Transport struct {
	Source tokensource.Source
	// Base defaults to http.DefaultTransport.
	Base http.RoundTripper
	// CompetingHeaders defaults to DefaultCompetingHeaders.
	CompetingHeaders []string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewClient returns an *http.Client whose requests are decorated from
// source.
func NewClient(source tokensource.Source, base http.RoundTripper) *http.Client {
	return &http.Client{Transport: &Transport{Source: source, Base: base}}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	out, err := t.Decorate(req)
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}
	return t.base().RoundTrip(out)
}

// Decorate returns the request to send. The caller's request is never
// modified; when a credential is attached it is attached to a clone. The
// only error returned is the request context ending while waiting for a
// credential.
func (t *Transport) Decorate(req *http.Request) (*http.Request, error) {
	if skipped(req) || t.Source == nil {
		return req, nil
	}
	for _, h := range t.competing() {
		if req.Header.Get(h) != "" {
			return req, nil
		}
	}

	ctx := logctx.WithRequestData(req.Context(), &logctx.RequestData{
		Method: req.Method,
		Host:   req.URL.Host,
		Path:   req.URL.Path,
	})

	tok, err := t.Source.Token(ctx)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		}
		t.logger().WarnContext(ctx, "bearer.token.error", slog.String("err", err.Error()))
		return req, nil
	}
	if tok == nil || tok.Value == "" {
		t.logger().DebugContext(ctx, "bearer.token.none")
		return req, nil
	}

	out := req.Clone(req.Context())
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	out.Header.Set("Authorization", "Bearer "+tok.Value)
	return out, nil
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) competing() []string {
	if t.CompetingHeaders != nil {
		return t.CompetingHeaders
	}
	return DefaultCompetingHeaders
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

var _ http.RoundTripper = (*Transport)(nil)
