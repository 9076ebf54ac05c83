package ssestore

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/authsync-go/docstream"
	"github.com/ggoodman/authsync-go/internal/logctx"
)

var (
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader = "Last-Event-ID"

	eventSnapshot = "snapshot"
	eventError    = "error"
)

// wireSnapshot is the data payload of a snapshot event.
type wireSnapshot struct {
	Exists bool           `json:"exists"`
	Data   map[string]any `json:"data,omitempty"`
}

// wireError is the data payload of an error event.
type wireError struct {
	Error string `json:"error"`
}

// Handler streams documents from a docstream.Store as Server-Sent Events.
// The document path is the request URL path without its leading slash, so
// mount it under a prefix with http.StripPrefix.
type Handler struct {
	store     docstream.Store
	log       *slog.Logger
	keepAlive time.Duration
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger for rejected and ended streams.
func WithHandlerLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = log }
}

// WithKeepAlive sets the interval between keep-alive comments. Zero disables
// them.
func WithKeepAlive(d time.Duration) HandlerOption {
	return func(h *Handler) { h.keepAlive = d }
}

func NewHandler(store docstream.Store, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:     store,
		log:       slog.Default(),
		keepAlive: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	path := strings.TrimPrefix(r.URL.Path, "/")
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{Method: r.Method, Host: r.Host, Path: r.URL.Path})

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if path == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		h.log.WarnContext(ctx, "sse.get.not_acceptable")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	q := &queue{wake: make(chan struct{}, 1)}
	stop, err := h.store.WatchDocument(ctx, path, q.snapshot, q.error)
	if err != nil {
		w.WriteHeader(http.StatusBadGateway)
		h.log.ErrorContext(ctx, "sse.watch.fail", slog.String("err", err.Error()))
		return
	}
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	h.log.InfoContext(ctx, "sse.stream.start", slog.String("last_event_id", r.Header.Get(lastEventIDHeader)))

	var tick <-chan time.Time
	if h.keepAlive > 0 {
		t := time.NewTicker(h.keepAlive)
		defer t.Stop()
		tick = t.C
	}

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
			return
		case <-tick:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			f.Flush()
		case <-q.wake:
			for _, it := range q.drain() {
				seq++
				var err error
				if it.err != nil {
					err = writeEvent(w, f, "", eventError, wireError{Error: it.err.Error()})
				} else {
					err = writeEvent(w, f, strconv.FormatUint(seq, 10), eventSnapshot, wireSnapshot{Exists: it.snap.Exists, Data: it.snap.Data})
				}
				if err != nil {
					h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
					return
				}
			}
		}
	}
}

// queue buffers store callbacks so the store never waits on the network.
type queue struct {
	mu    sync.Mutex
	items []item
	wake  chan struct{}
}

type item struct {
	snap docstream.Snapshot
	err  error
}

func (q *queue) push(it item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) snapshot(s docstream.Snapshot) { q.push(item{snap: s}) }
func (q *queue) error(err error)               { q.push(item{err: err}) }

func (q *queue) drain() []item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func writeEvent(w io.Writer, f http.Flusher, id, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode SSE payload: %w", err)
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return fmt.Errorf("failed to write SSE frame: %w", err)
	}
	f.Flush()
	return nil
}
