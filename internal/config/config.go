package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/welldanyogia/sse-gateway/internal/logger"
	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names the environment variable holding the YAML config path.
const ConfigFileEnv = "SSE_CONFIG_FILE"

// Config holds all application configuration
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Bus         BusConfig        `yaml:"bus"`
	History     HistoryConfig    `yaml:"history"`
	Dispatcher  DispatcherConfig `yaml:"dispatcher"`
	ConfigQueue QueueConfig      `yaml:"config_queue"`
	Session     SessionConfig    `yaml:"session"`
	Auth        AuthConfig       `yaml:"auth"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	Log         logger.Config    `yaml:"log"`
	Tracing     TracingConfig    `yaml:"tracing"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port" validate:"required,numeric"`
	PublishEndpoint bool          `yaml:"publish_endpoint"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// BusConfig selects the message bus.
type BusConfig struct {
	Type   string `yaml:"type" validate:"oneof=memory nats"`
	URL    string `yaml:"url" validate:"required_if=Type nats"`
	Prefix string `yaml:"prefix"`
}

// HistoryConfig selects and tunes the event history backend.
type HistoryConfig struct {
	Backend        string        `yaml:"backend" validate:"oneof=file memory redis postgres"`
	Dir            string        `yaml:"dir" validate:"required_if=Backend file"`
	ExpiresAfter   time.Duration `yaml:"expires_after" validate:"gt=0"`
	Capacity       int           `yaml:"capacity" validate:"gte=0"`
	RedisAddr      string        `yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword  string        `yaml:"redis_password"`
	RedisDB        int           `yaml:"redis_db" validate:"gte=0"`
	RedisKeyPrefix string        `yaml:"redis_key_prefix"`
	PostgresDSN    string        `yaml:"postgres_dsn" validate:"required_if=Backend postgres"`
}

// DispatcherConfig holds delivery and retry tuning. Non-positive lifetime and
// delay values are meaningful and are not rejected.
type DispatcherConfig struct {
	RetryLifetime time.Duration `yaml:"retry_lifetime"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	RetryGrace    time.Duration `yaml:"retry_grace" validate:"gte=0"`
	FailTimeout   time.Duration `yaml:"fail_timeout" validate:"gt=0"`
	ListenTimeout time.Duration `yaml:"listen_timeout" validate:"gte=0"`
	LookupTimeout time.Duration `yaml:"lookup_timeout" validate:"gte=0"`
	StateEvents   bool          `yaml:"state_events"`
}

// QueueConfig sizes the configuration queue.
type QueueConfig struct {
	Capacity int `yaml:"capacity" validate:"gt=0"`
}

// SessionConfig controls idle session cleanup.
type SessionConfig struct {
	Timeout         time.Duration `yaml:"timeout" validate:"gt=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" validate:"gt=0"`
}

// AuthConfig holds JWT token configuration. An empty secret disables authentication.
type AuthConfig struct {
	Secret string        `yaml:"secret"`
	Issuer string        `yaml:"issuer"`
	Expiry time.Duration `yaml:"expiry" validate:"gt=0"`
}

// RateLimitConfig configures the per-IP limiter on connect, configure and publish.
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Requests int           `yaml:"requests" validate:"required_if=Enabled true,gte=0"`
	Window   time.Duration `yaml:"window" validate:"gte=0"`
}

// TracingConfig toggles the stdout span exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Bus: BusConfig{
			Type:   "memory",
			Prefix: "sse",
		},
		History: HistoryConfig{
			Backend:      "file",
			Dir:          "data/history",
			ExpiresAfter: time.Minute,
			Capacity:     10000,
		},
		Dispatcher: DispatcherConfig{
			RetryLifetime: 300 * time.Second,
			RetryDelay:    100 * time.Millisecond,
			RetryGrace:    10 * time.Second,
			FailTimeout:   120 * time.Second,
			ListenTimeout: 30 * time.Second,
			LookupTimeout: 5 * time.Second,
		},
		ConfigQueue: QueueConfig{Capacity: 1024},
		Session: SessionConfig{
			Timeout:         30 * time.Minute,
			CleanupInterval: time.Minute,
		},
		Auth: AuthConfig{
			Issuer: "sse-gateway",
			Expiry: time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Requests: 120,
			Window:   time.Minute,
		},
		Log: logger.Config{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path (if any),
// then environment variables, and validates the result. An empty path falls back
// to SSE_CONFIG_FILE.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(ConfigFileEnv)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyEnv overrides fields from environment variables that are set.
func (c *Config) applyEnv() {
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnv("SERVER_PORT", c.Server.Port)
	c.Server.PublishEndpoint = getBoolEnv("SSE_PUBLISH_ENDPOINT", c.Server.PublishEndpoint)
	c.Server.AllowedOrigins = getListEnv("CORS_ALLOWED_ORIGINS", c.Server.AllowedOrigins)
	c.Server.ShutdownTimeout = getDurationEnv("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Bus.Type = getEnv("BUS_TYPE", c.Bus.Type)
	c.Bus.URL = getEnv("NATS_URL", c.Bus.URL)
	c.Bus.Prefix = getEnv("BUS_PREFIX", c.Bus.Prefix)

	c.History.Backend = getEnv("HISTORY_BACKEND", c.History.Backend)
	c.History.Dir = getEnv("HISTORY_DIR", c.History.Dir)
	c.History.ExpiresAfter = getDurationEnv("HISTORY_EXPIRES_AFTER", c.History.ExpiresAfter)
	c.History.Capacity = getIntEnv("HISTORY_CAPACITY", c.History.Capacity)
	c.History.RedisAddr = getEnv("REDIS_ADDR", c.History.RedisAddr)
	c.History.RedisPassword = getEnv("REDIS_PASSWORD", c.History.RedisPassword)
	c.History.RedisDB = getIntEnv("REDIS_DB", c.History.RedisDB)
	c.History.PostgresDSN = getEnv("DATABASE_URL", c.History.PostgresDSN)

	c.Dispatcher.RetryLifetime = getDurationEnv("SSE_RETRY_LIFETIME", c.Dispatcher.RetryLifetime)
	c.Dispatcher.RetryDelay = getDurationEnv("SSE_RETRY_DELAY", c.Dispatcher.RetryDelay)
	c.Dispatcher.RetryGrace = getDurationEnv("SSE_RETRY_GRACE", c.Dispatcher.RetryGrace)
	c.Dispatcher.FailTimeout = getDurationEnv("SSE_FAIL_TIMEOUT", c.Dispatcher.FailTimeout)
	c.Dispatcher.ListenTimeout = getDurationEnv("SSE_LISTEN_TIMEOUT", c.Dispatcher.ListenTimeout)
	c.Dispatcher.StateEvents = getBoolEnv("SSE_STATE_EVENTS", c.Dispatcher.StateEvents)

	c.ConfigQueue.Capacity = getIntEnv("CONFIG_QUEUE_CAPACITY", c.ConfigQueue.Capacity)
	c.Session.Timeout = getDurationEnv("SESSION_TIMEOUT", c.Session.Timeout)

	c.Auth.Secret = getEnv("JWT_SECRET", c.Auth.Secret)
	c.Auth.Issuer = getEnv("JWT_ISSUER", c.Auth.Issuer)
	c.Auth.Expiry = getDurationEnv("JWT_EXPIRY", c.Auth.Expiry)

	c.RateLimit.Enabled = getBoolEnv("RATE_LIMIT_ENABLED", c.RateLimit.Enabled)
	c.RateLimit.Requests = getIntEnv("RATE_LIMIT_REQUESTS", c.RateLimit.Requests)
	c.RateLimit.Window = getDurationEnv("RATE_LIMIT_WINDOW", c.RateLimit.Window)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Log.Output = getEnv("LOG_OUTPUT", c.Log.Output)
	c.Log.AddSource = getBoolEnv("LOG_ADD_SOURCE", c.Log.AddSource)

	c.Tracing.Enabled = getBoolEnv("TRACING_ENABLED", c.Tracing.Enabled)
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv returns duration from environment variable or default.
// Values are Go durations ("250ms", "5m"). A bare integer is read as minutes.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getListEnv splits a comma separated variable, dropping empty items.
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
