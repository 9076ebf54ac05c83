// Package ssestore streams documents over HTTP using Server-Sent Events.
//
// Handler exposes any docstream.Store at GET /{path}. Store is the matching
// client: it implements docstream.Store by holding one event stream open per
// watched document and reconnecting when the stream ends.
//
// Characteristics
//
//	Transport         : HTTP/1.1 or HTTP/2, text/event-stream
//	Authentication    : whatever the supplied *http.Client does (see bearer)
//	Ordering          : per stream; a reconnect re-sends the current state
//	Event delivery    : at-least-once (a state may be reported twice)
//
// Example:
//
//	store, err := ssestore.New(ssestore.Config{BaseURL: "https://api.example.com/docs"},
//		ssestore.WithHTTPClient(bearer.NewClient(tokens, nil)))
//	if err != nil { log.Fatal(err) }
//	reg := docstream.NewRegistry(store)
package ssestore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/authsync-go/docstream"
	"github.com/joeshaw/envdecode"
	"golang.org/x/time/rate"
)

var (
	// ErrStatus is returned when the server answers with a non-200 status.
	ErrStatus = errors.New("ssestore: unexpected status")
	// ErrContentType is returned when the server does not answer with an
	// event stream.
	ErrContentType = errors.New("ssestore: unexpected content type")
	// ErrRemote wraps errors reported by the server's store.
	ErrRemote = errors.New("ssestore: remote store error")
)

const maxEventSize = 1 << 20

// Config for an SSE client Store. Defaults can be loaded via envdecode.
type Config struct {
	// BaseURL documents are resolved against. ENV: AUTHSYNC_DOCS_URL
	BaseURL string `env:"AUTHSYNC_DOCS_URL"`
	// RetryDelay is the minimum spacing between connection attempts for one
	// document. ENV: AUTHSYNC_DOCS_RETRY_DELAY
	RetryDelay time.Duration `env:"AUTHSYNC_DOCS_RETRY_DELAY,default=2s"`
}

type Store struct {
	base   *url.URL
	client *http.Client
	retry  time.Duration
	log    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithHTTPClient sets the client used for streams. Use a bearer client to
// authenticate them.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.client = c }
}

// WithLogger sets the logger for stream failures.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

func New(cfg Config, opts ...Option) (*Store, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("ssestore: base URL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("ssestore: parse base URL: %w", err)
	}
	retry := cfg.RetryDelay
	if retry <= 0 {
		retry = 2 * time.Second
	}
	s := &Store{
		base:   base,
		client: http.DefaultClient,
		retry:  retry,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewFromEnv builds a Store using envdecode to populate Config. Unset
// variables take their defaults; a value that does not parse is an error.
func NewFromEnv(opts ...Option) (*Store, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("ssestore: config from environment: %w", err)
	}
	return New(cfg, opts...)
}

func (s *Store) WatchDocument(ctx context.Context, path string, onSnapshot func(docstream.Snapshot), onError func(error)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.run(ctx, path, onSnapshot, onError)
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

func (s *Store) run(ctx context.Context, path string, onSnapshot func(docstream.Snapshot), onError func(error)) {
	limiter := rate.NewLimiter(rate.Every(s.retry), 1)
	var lastID string
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		err := s.stream(ctx, path, &lastID, onSnapshot, onError)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.WarnContext(ctx, "ssestore.stream.error", slog.String("path", path), slog.String("err", err.Error()))
			onError(err)
		}
	}
}

// stream holds one connection open until it ends. A clean end of stream
// returns nil.
func (s *Store) stream(ctx context.Context, path string, lastID *string, onSnapshot func(docstream.Snapshot), onError func(error)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base.JoinPath(path).String(), nil)
	if err != nil {
		return fmt.Errorf("ssestore: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if *lastID != "" {
		req.Header.Set(lastEventIDHeader, *lastID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("ssestore: connect: %w", err)
	}
	defer func() {
		// Best-effort close; the stream is being abandoned.
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}
	mt := contenttype.NewMediaType(resp.Header.Get("Content-Type"))
	if mt.Type != eventStreamMediaType.Type || mt.Subtype != eventStreamMediaType.Subtype {
		return fmt.Errorf("%w: %q", ErrContentType, resp.Header.Get("Content-Type"))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 4096), maxEventSize)

	var ev event
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if err := s.dispatch(ctx, path, &ev, onSnapshot, onError); err != nil {
				return err
			}
			// Only a dispatched event counts as received.
			if ev.id != "" {
				*lastID = ev.id
			}
			ev = event{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.id = value
		case "event":
			ev.name = value
		case "data":
			if ev.data.Len() > 0 {
				ev.data.WriteByte('\n')
			}
			ev.data.WriteString(value)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("ssestore: read stream: %w", err)
	}
	return nil
}

type event struct {
	id   string
	name string
	data strings.Builder
}

func (s *Store) dispatch(ctx context.Context, path string, ev *event, onSnapshot func(docstream.Snapshot), onError func(error)) error {
	if ev.data.Len() == 0 {
		return nil
	}
	switch ev.name {
	case eventSnapshot:
		var ws wireSnapshot
		if err := json.Unmarshal([]byte(ev.data.String()), &ws); err != nil {
			return fmt.Errorf("ssestore: decode snapshot: %w", err)
		}
		snap := docstream.Snapshot{Path: path, Exists: ws.Exists}
		if ws.Exists {
			snap.Data = ws.Data
			if snap.Data == nil {
				snap.Data = map[string]any{}
			}
		}
		if ctx.Err() == nil {
			onSnapshot(snap)
		}
	case eventError:
		var we wireError
		if err := json.Unmarshal([]byte(ev.data.String()), &we); err != nil {
			return fmt.Errorf("ssestore: decode error event: %w", err)
		}
		if ctx.Err() == nil {
			onError(fmt.Errorf("%w: %s", ErrRemote, we.Error))
		}
	default:
		s.log.DebugContext(ctx, "ssestore.event.unknown", slog.String("path", path), slog.String("event", ev.name))
	}
	return nil
}

var _ docstream.Store = (*Store)(nil)
