package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBackendFromClient(client, "test", 0), mr
}

func TestRedisBackend_PutGet(t *testing.T) {
	b, mr := newTestRedisBackend(t)
	ctx := context.Background()

	if err := b.Put(ctx, Entry{Channel: "job", EventID: "e1", Payload: []byte(`{"a":"1"}`)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := b.Get(ctx, "job", "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"a":"1"}` {
		t.Errorf("unexpected payload %s", got)
	}
	if !mr.Exists("test:event:job:e1") {
		t.Error("expected payload key test:event:job:e1")
	}

	if _, err := b.Get(ctx, "job", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisBackend_StoreTwiceKeepsOneCopy(t *testing.T) {
	b, _ := newTestRedisBackend(t)
	ctx := context.Background()

	b.Put(ctx, Entry{Channel: "job", EventID: "e1", Payload: []byte("first")})
	b.Put(ctx, Entry{Channel: "job", EventID: "e1", Payload: []byte("second")})

	n, err := b.Count(ctx, "job")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 copy, got %d", n)
	}
	got, _ := b.Get(ctx, "job", "e1")
	if string(got) != "first" {
		t.Errorf("expected first copy, got %s", got)
	}
}

func TestRedisBackend_DeleteOlderThan(t *testing.T) {
	b, _ := newTestRedisBackend(t)
	ctx := context.Background()
	now := time.Now()

	b.Put(ctx, Entry{Channel: "job", EventID: "old", Payload: []byte("o"), StoredAt: now.Add(-time.Hour)})
	b.Put(ctx, Entry{Channel: "job", EventID: "new", Payload: []byte("n"), StoredAt: now})
	b.Put(ctx, Entry{Channel: "pipeline", EventID: "older", Payload: []byte("p"), StoredAt: now.Add(-2 * time.Hour)})

	deleted, err := b.DeleteOlderThan(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}
	if _, err := b.Get(ctx, "job", "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old event should be gone, got %v", err)
	}
	if _, err := b.Get(ctx, "job", "new"); err != nil {
		t.Errorf("new event should remain: %v", err)
	}

	deleted, err = b.DeleteAll(ctx)
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
}

func TestRedisBackend_PingAndClose(t *testing.T) {
	b, mr := newTestRedisBackend(t)
	if err := b.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	mr.Close()
	if err := b.Ping(context.Background()); err == nil {
		t.Error("expected ping to fail after server shutdown")
	}
}
