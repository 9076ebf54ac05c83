package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandler_AddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})

	ctx := WithSessionData(context.Background(), &SessionData{Seq: 7, UserID: "u1"})
	ctx = WithTopicData(ctx, &TopicData{Kind: "document", Key: "config/app"})
	ctx = WithRequestData(ctx, &RequestData{Method: "GET", Host: "api.example.com", Path: "/v1/me"})

	log.With(slog.String("component", "test")).InfoContext(ctx, "token.refresh.start")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	auth, _ := rec["auth"].(map[string]any)
	if auth["seq"] != "7" || auth["user_id"] != "u1" {
		t.Fatalf("auth group = %v", rec["auth"])
	}
	topic, _ := rec["topic"].(map[string]any)
	if topic["key"] != "config/app" {
		t.Fatalf("topic group = %v", rec["topic"])
	}
	req, _ := rec["req"].(map[string]any)
	if req["path"] != "/v1/me" {
		t.Fatalf("req group = %v", rec["req"])
	}
	if rec["component"] != "test" {
		t.Fatalf("expected WithAttrs to survive wrapping, got %v", rec["component"])
	}
}

func TestHandler_NoContextData(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})
	log.InfoContext(context.Background(), "plain")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"auth", "topic", "req"} {
		if _, ok := rec[k]; ok {
			t.Fatalf("unexpected group %q in %v", k, rec)
		}
	}
}
