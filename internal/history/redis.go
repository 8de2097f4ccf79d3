package history

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces history keys in a shared Redis.
const DefaultRedisKeyPrefix = "ssegw:history"

// RedisBackend stores each event payload under its own key and indexes event ids
// per channel in a sorted set scored by store time in milliseconds.
type RedisBackend struct {
	client *redis.Client
	prefix string
	keyTTL time.Duration
}

// RedisOptions configures a RedisBackend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix defaults to DefaultRedisKeyPrefix.
	KeyPrefix string
	// KeyTTL, when positive, is set on payload keys as a backstop to the sweep.
	KeyTTL time.Duration
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(opts RedisOptions) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisBackendFromClient(client, opts.KeyPrefix, opts.KeyTTL), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client, prefix string, keyTTL time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisBackend{client: client, prefix: prefix, keyTTL: keyTTL}
}

// Client exposes the underlying client for health checks.
func (r *RedisBackend) Client() *redis.Client { return r.client }

func (r *RedisBackend) eventKey(channel, eventID string) string {
	return r.prefix + ":event:" + channel + ":" + eventID
}

func (r *RedisBackend) indexPrefix() string {
	return r.prefix + ":index:"
}

func (r *RedisBackend) indexKey(channel string) string {
	return r.indexPrefix() + channel
}

// Put writes the payload and index entry in one MULTI/EXEC transaction.
// SETNX keeps the first copy of a duplicate event id.
func (r *RedisBackend) Put(ctx context.Context, e Entry) error {
	if e.Channel == "" || e.EventID == "" {
		return ErrInvalidName
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, r.eventKey(e.Channel, e.EventID), e.Payload, r.keyTTL)
		pipe.ZAddNX(ctx, r.indexKey(e.Channel), redis.Z{
			Score:  float64(e.StoredAt.UnixMilli()),
			Member: e.EventID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store event %s/%s: %w", e.Channel, e.EventID, err)
	}
	return nil
}

// Get reads a stored payload.
func (r *RedisBackend) Get(ctx context.Context, channel, eventID string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.eventKey(channel, eventID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read event %s/%s: %w", channel, eventID, err)
	}
	return data, nil
}

// Count returns the size of the channel index.
func (r *RedisBackend) Count(ctx context.Context, channel string) (int, error) {
	n, err := r.client.ZCard(ctx, r.indexKey(channel)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count events for %s: %w", channel, err)
	}
	return int(n), nil
}

// DeleteOlderThan scans every channel index and removes entries scored before cutoff.
func (r *RedisBackend) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	// Exclusive upper bound so an event stored exactly at cutoff survives.
	upper := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	return r.sweep(ctx, "-inf", upper)
}

// DeleteAll removes every indexed event.
func (r *RedisBackend) DeleteAll(ctx context.Context) (int, error) {
	return r.sweep(ctx, "-inf", "+inf")
}

func (r *RedisBackend) sweep(ctx context.Context, lower, upper string) (int, error) {
	deleted := 0
	iter := r.client.Scan(ctx, 0, r.indexPrefix()+"*", 100).Iterator()
	for iter.Next(ctx) {
		indexKey := iter.Val()
		channel := strings.TrimPrefix(indexKey, r.indexPrefix())

		ids, err := r.client.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{Min: lower, Max: upper}).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to list stale events for %s: %w", channel, err)
		}
		if len(ids) == 0 {
			continue
		}

		keys := make([]string, len(ids))
		members := make([]interface{}, len(ids))
		for i, id := range ids {
			keys[i] = r.eventKey(channel, id)
			members[i] = id
		}

		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keys...)
			pipe.ZRem(ctx, indexKey, members...)
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to delete stale events for %s: %w", channel, err)
		}
		deleted += len(ids)
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("cleanup scan error: %w", err)
	}
	return deleted, nil
}

// Ping checks connectivity.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
