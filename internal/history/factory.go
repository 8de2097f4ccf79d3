package history

import (
	"context"
	"fmt"
	"time"
)

// Backend type names accepted by NewBackend.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// BackendConfig selects and configures a Backend.
type BackendConfig struct {
	Type           string
	Dir            string
	MemoryCapacity int
	Redis          RedisOptions
	PostgresDSN    string
}

// NewBackend creates the backend named by cfg.Type. An empty type means file.
func NewBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	switch cfg.Type {
	case BackendFile, "":
		return NewFileBackend(cfg.Dir)
	case BackendMemory:
		return NewMemoryBackend(cfg.MemoryCapacity), nil
	case BackendRedis:
		return NewRedisBackend(cfg.Redis)
	case BackendPostgres:
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return NewPostgresBackend(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Type)
	}
}
