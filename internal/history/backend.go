// Package history keeps a short-lived durable cache of recently published events,
// keyed by channel and event id, so dispatchers can re-fetch them on retry.
package history

import (
	"context"
	"time"
)

// Entry is one stored event.
type Entry struct {
	Channel  string
	EventID  string
	Payload  []byte
	StoredAt time.Time
}

// Backend is the storage engine behind a Store.
// Put must be atomic: a concurrent Get sees the whole payload or ErrNotFound.
// Storing the same channel and event id twice keeps one copy.
type Backend interface {
	Put(ctx context.Context, e Entry) error
	// Get returns ErrNotFound when the event is absent.
	Get(ctx context.Context, channel, eventID string) ([]byte, error)
	Count(ctx context.Context, channel string) (int, error)
	// DeleteOlderThan removes events stored before cutoff and returns how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	DeleteAll(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}
