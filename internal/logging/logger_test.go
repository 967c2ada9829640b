package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/primal-host/session-backend/internal/config"
)

func newBufferedLogger(level Level) (*Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return &Logger{level: level, writer: buf, fields: map[string]any{"service": "session-backend"}}, buf
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogWritesJSONLineWithFields(t *testing.T) {
	logger, buf := newBufferedLogger(InfoLevel)
	logger.Info("hello", String("user_id", "u1"), Int("n", 3))

	line := strings.TrimSpace(buf.String())
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("unmarshal log line: %v, line=%q", err, line)
	}
	if payload["message"] != "hello" || payload["user_id"] != "u1" || payload["level"] != "info" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestLogSuppressesBelowConfiguredLevel(t *testing.T) {
	logger, buf := newBufferedLogger(WarnLevel)
	logger.Info("should not appear")
	logger.Debug("also suppressed")
	if buf.String() != "" {
		t.Fatalf("expected no output below configured level, got %q", buf.String())
	}
	logger.Warn("visible")
	if buf.String() == "" {
		t.Fatal("expected warn-level message to be written")
	}
}

func TestWithClonesAndAddsFields(t *testing.T) {
	base, buf := newBufferedLogger(InfoLevel)
	derived := base.With(String("save_id", "s1"))
	derived.Info("msg")

	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["save_id"] != "s1" {
		t.Fatalf("expected save_id field on derived logger, got %+v", payload)
	}
	if _, ok := base.fields["save_id"]; ok {
		t.Fatal("With must not mutate the base logger's fields")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "deafening"}); err == nil {
		t.Fatal("expected error for unrecognized log level")
	}
}

func TestContextLoggerRoundTrip(t *testing.T) {
	logger := NewTestLogger()
	ctx := ContextWithLogger(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Fatal("expected FromContext to return the stored logger")
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("expected FromContext to fall back to the global logger")
	}
}

func TestWithTraceGeneratesIDWhenEmpty(t *testing.T) {
	ctx, derived, traceID := WithTrace(context.Background(), NewTestLogger(), "")
	if traceID == "" {
		t.Fatal("expected a generated trace ID")
	}
	if TraceIDFromContext(ctx) != traceID {
		t.Fatalf("context trace ID = %q, want %q", TraceIDFromContext(ctx), traceID)
	}
	if derived.fields[TraceIDField] != traceID {
		t.Fatalf("derived logger missing trace_id field, got %+v", derived.fields)
	}
}

func TestWithTracePreservesSuppliedID(t *testing.T) {
	_, _, traceID := WithTrace(context.Background(), NewTestLogger(), "fixed-id")
	if traceID != "fixed-id" {
		t.Fatalf("traceID = %q, want fixed-id", traceID)
	}
}
