package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestContextRoundTrip(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := ContextWithLogger(context.Background(), logger)
	if got := FromContext(ctx); got != logger {
		t.Fatalf("expected logger from context")
	}
	if got := FromContext(context.Background()); got != nil {
		t.Fatalf("expected nil logger for bare context")
	}
}

func TestNewSelectsHandler(t *testing.T) {
	t.Run("json by default", func(t *testing.T) {
		var buf bytes.Buffer
		New(&buf, "info", "").Info("hello", "k", "v")
		var payload map[string]any
		if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
			t.Fatalf("expected json output, got %q: %v", buf.String(), err)
		}
		if payload["k"] != "v" {
			t.Fatalf("unexpected payload: %v", payload)
		}
	})

	t.Run("text when requested", func(t *testing.T) {
		var buf bytes.Buffer
		New(&buf, "info", "TEXT").Info("hello")
		if !strings.Contains(buf.String(), "msg=hello") {
			t.Fatalf("expected text output, got %q", buf.String())
		}
	})

	t.Run("level filters debug", func(t *testing.T) {
		var buf bytes.Buffer
		New(&buf, "warn", "json").Info("dropped")
		if buf.Len() != 0 {
			t.Fatalf("expected info to be filtered, got %q", buf.String())
		}
	})
}

func TestComponentAttachesAttributes(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	Component(context.Background(), base, "registry", "open", "meeting_id", 7).Info("opened")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if payload["component"] != "registry" || payload["operation"] != "open" {
		t.Fatalf("missing component attributes: %v", payload)
	}
	if payload["meeting_id"] != float64(7) {
		t.Fatalf("missing extra attribute: %v", payload)
	}
}

func TestComponentNestsUnderContextLogger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	conn := Component(context.Background(), base, "protocol", "", "scope", 1)
	ctx := ContextWithLogger(context.Background(), conn)

	Component(ctx, base, "session_registry", "open", "scope", 1).Info("opened")

	line := buf.String()
	if n := strings.Count(line, `"component":`); n != 1 {
		t.Fatalf("expected one component key, got %d in %s", n, line)
	}
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if payload["component"] != "protocol" || payload["scope"] != float64(1) {
		t.Fatalf("context attributes lost: %v", payload)
	}
	nested, ok := payload["session_registry"].(map[string]any)
	if !ok || nested["operation"] != "open" || nested["scope"] != float64(1) {
		t.Fatalf("expected nested component attributes, got %v", payload)
	}
}
