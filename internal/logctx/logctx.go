package logctx

import (
	"context"
	"log/slog"
	"strconv"
)

// Handler decorates records with whatever auth, topic and request data has
// been attached to the context passed to the *Context logging methods.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("auth",
			slog.String("seq", strconv.FormatUint(sd.Seq, 10)),
			slog.String("user_id", sd.UserID),
		))
	}

	if td, ok := ctx.Value(topicDataKey{}).(*TopicData); ok {
		r.AddAttrs(slog.Group("topic",
			slog.String("kind", td.Kind),
			slog.String("key", td.Key),
		))
	}

	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("method", rd.Method),
			slog.String("host", rd.Host),
			slog.String("path", rd.Path),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type sessionDataKey struct{}

// SessionData identifies the auth session a log line belongs to.
type SessionData struct {
	Seq    uint64
	UserID string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type topicDataKey struct{}

// TopicData identifies a fan-out topic (the auth channel or a document path).
type TopicData struct {
	Kind string
	Key  string
}

func WithTopicData(ctx context.Context, data *TopicData) context.Context {
	return context.WithValue(ctx, topicDataKey{}, data)
}

type requestDataKey struct{}

type RequestData struct {
	Method string
	Host   string
	Path   string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}
