package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewWithWriter_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "debug", Format: "json"}, &buf)

	log.Info("connecting",
		slog.String("redis_password", "hunter2"),
		slog.String("dsn", "postgres://u:p@h/db"),
		slog.String("channel", "job"),
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["redis_password"] != "[REDACTED]" {
		t.Errorf("password not redacted: %v", entry["redis_password"])
	}
	if entry["dsn"] != "[REDACTED]" {
		t.Errorf("dsn not redacted: %v", entry["dsn"])
	}
	if entry["channel"] != "job" {
		t.Errorf("plain attribute altered: %v", entry["channel"])
	}
}

func TestNewWithWriter_LevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "warn", Format: "text"}, &buf)

	log.Info("hidden")
	log.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(out, "msg=shown") {
		t.Errorf("expected text-format warn line, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for name, want := range tests {
		if got := ParseLevel(name); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestCorrelationID(t *testing.T) {
	ctx := SetCorrelationID(context.Background(), "req-1")
	if GetCorrelationID(ctx) != "req-1" {
		t.Errorf("expected req-1, got %q", GetCorrelationID(ctx))
	}

	ctx = context.WithValue(context.Background(), RequestIDKey, "req-2")
	if GetCorrelationID(ctx) != "req-2" {
		t.Errorf("expected fallback to request id, got %q", GetCorrelationID(ctx))
	}

	var buf bytes.Buffer
	log := WithCorrelationID(SetCorrelationID(context.Background(), "req-3"), NewWithWriter(Config{}, &buf))
	log.Info("x")
	if !strings.Contains(buf.String(), `"correlation_id":"req-3"`) {
		t.Errorf("expected correlation id in output, got %s", buf.String())
	}
}
