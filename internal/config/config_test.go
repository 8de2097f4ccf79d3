package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Errorf("addr = %s", cfg.Server.Addr())
	}
	if cfg.History.Backend != "file" || cfg.History.ExpiresAfter != time.Minute {
		t.Errorf("unexpected history defaults %+v", cfg.History)
	}
	if cfg.Dispatcher.RetryLifetime != 300*time.Second || cfg.Dispatcher.RetryDelay != 100*time.Millisecond {
		t.Errorf("unexpected dispatcher defaults %+v", cfg.Dispatcher)
	}
	if cfg.ConfigQueue.Capacity != 1024 || cfg.Session.Timeout != 30*time.Minute {
		t.Errorf("unexpected queue/session defaults")
	}
	if cfg.Server.PublishEndpoint {
		t.Error("publish endpoint should be off by default")
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: "9090"
  publish_endpoint: true
  allowed_origins: ["https://app.example.com"]
bus:
  type: nats
  url: nats://localhost:4222
history:
  backend: memory
  expires_after: 2m
  capacity: 50
dispatcher:
  retry_lifetime: -1s
  retry_delay: 250ms
  state_events: true
log:
  level: debug
`)
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("SSE_RETRY_GRACE", "3s")
	t.Setenv("SESSION_TIMEOUT", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("env should override file, port = %s", cfg.Server.Port)
	}
	if !cfg.Server.PublishEndpoint || len(cfg.Server.AllowedOrigins) != 1 {
		t.Errorf("server section not applied: %+v", cfg.Server)
	}
	if cfg.Bus.Type != "nats" || cfg.Bus.URL != "nats://localhost:4222" || cfg.Bus.Prefix != "sse" {
		t.Errorf("bus = %+v", cfg.Bus)
	}
	if cfg.History.Backend != "memory" || cfg.History.ExpiresAfter != 2*time.Minute || cfg.History.Capacity != 50 {
		t.Errorf("history = %+v", cfg.History)
	}
	if cfg.Dispatcher.RetryLifetime != -time.Second || cfg.Dispatcher.RetryDelay != 250*time.Millisecond {
		t.Errorf("dispatcher = %+v", cfg.Dispatcher)
	}
	if cfg.Dispatcher.RetryGrace != 3*time.Second {
		t.Errorf("retry grace = %v", cfg.Dispatcher.RetryGrace)
	}
	if cfg.Session.Timeout != 5*time.Minute {
		t.Errorf("bare integer durations are minutes, got %v", cfg.Session.Timeout)
	}
	if !cfg.Dispatcher.StateEvents || cfg.Log.Level != "debug" {
		t.Error("file values lost")
	}
}

func TestLoad_FileFromEnv(t *testing.T) {
	path := writeConfigFile(t, "history:\n  backend: memory\n")
	t.Setenv(ConfigFileEnv, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.History.Backend != "memory" {
		t.Errorf("backend = %s", cfg.History.Backend)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "unknown bus", yaml: "bus:\n  type: kafka\n"},
		{name: "nats without url", yaml: "bus:\n  type: nats\n"},
		{name: "unknown backend", yaml: "history:\n  backend: s3\n"},
		{name: "redis without addr", yaml: "history:\n  backend: redis\n"},
		{name: "postgres without dsn", yaml: "history:\n  backend: postgres\n"},
		{name: "zero expiry", yaml: "history:\n  expires_after: 0s\n"},
		{name: "zero queue", yaml: "config_queue:\n  capacity: 0\n"},
		{name: "bad log level", yaml: "log:\n  level: loud\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(ConfigFileEnv, "")
			_, err := Load(writeConfigFile(t, tt.yaml))
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), "invalid configuration") {
				t.Errorf("unexpected error %v", err)
			}
		})
	}
}

func TestLoad_BadFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
	if _, err := Load(writeConfigFile(t, "server: [")); err == nil {
		t.Error("expected an error for malformed YAML")
	}
}

func TestGetListEnv(t *testing.T) {
	t.Setenv("TEST_LIST", " a, ,b ")
	got := getListEnv("TEST_LIST", nil)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got %v", got)
	}
	if got := getListEnv("TEST_LIST_UNSET", []string{"x"}); len(got) != 1 || got[0] != "x" {
		t.Errorf("default not returned: %v", got)
	}
}
