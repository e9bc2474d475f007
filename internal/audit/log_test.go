package audit

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"meshgate.org/internal/auth"
	"meshgate.org/internal/ids"
	"meshgate.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := obs.SetLogger(zap.New(core))
	defer restore()

	ctx := context.Background()
	ctx = ids.ContextWithRequestID(ctx, "req-123")
	ctx = auth.ContextWithUser(ctx, auth.VerifiedUser{ID: "user-42"})

	if err := LogEvent(ctx, "audit.test", zap.String("foo", "bar")); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Message != "audit.test" {
		t.Fatalf("unexpected event: %v", entry.Message)
	}
	if entry.LoggerName != "audit" {
		t.Fatalf("unexpected logger: %v", entry.LoggerName)
	}
	fields := entry.ContextMap()
	if fields["type"] != "audit" {
		t.Fatalf("unexpected type: %v", fields["type"])
	}
	if fields["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", fields["request_id"])
	}
	if fields["user_id"] != "user-42" {
		t.Fatalf("unexpected user id: %v", fields["user_id"])
	}
	if fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", fields)
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty event")
	}
}
