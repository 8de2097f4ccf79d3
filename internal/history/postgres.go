package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// PostgresBackend stores events in the sse_event_history table.
// The schema is managed by cmd/migrate.
type PostgresBackend struct {
	db *sqlx.DB
}

// NewPostgresBackend opens a pgx-backed connection pool and verifies it.
func NewPostgresBackend(ctx context.Context, dsn string) (*PostgresBackend, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgresBackendFromDB(db), nil
}

// NewPostgresBackendFromDB wraps an existing handle.
func NewPostgresBackendFromDB(db *sqlx.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// DB exposes the handle for pool statistics.
func (p *PostgresBackend) DB() *sqlx.DB { return p.db }

const (
	queryInsertEvent = `INSERT INTO sse_event_history (channel, event_id, payload, stored_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel, event_id) DO NOTHING`
	queryGetEvent    = `SELECT payload FROM sse_event_history WHERE channel = $1 AND event_id = $2`
	queryCountEvents = `SELECT COUNT(*) FROM sse_event_history WHERE channel = $1`
	queryDeleteStale = `DELETE FROM sse_event_history WHERE stored_at < $1`
	queryDeleteAll   = `DELETE FROM sse_event_history`
)

// Put inserts the event. A duplicate channel and event id is ignored.
func (p *PostgresBackend) Put(ctx context.Context, e Entry) error {
	if e.Channel == "" || e.EventID == "" {
		return ErrInvalidName
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	if _, err := p.db.ExecContext(ctx, queryInsertEvent, e.Channel, e.EventID, string(e.Payload), e.StoredAt.UTC()); err != nil {
		return fmt.Errorf("failed to insert event %s/%s: %w", e.Channel, e.EventID, err)
	}
	return nil
}

// Get reads one payload.
func (p *PostgresBackend) Get(ctx context.Context, channel, eventID string) ([]byte, error) {
	var payload string
	if err := p.db.GetContext(ctx, &payload, queryGetEvent, channel, eventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get event %s/%s: %w", channel, eventID, err)
	}
	return []byte(payload), nil
}

// Count returns the number of rows for channel.
func (p *PostgresBackend) Count(ctx context.Context, channel string) (int, error) {
	var n int
	if err := p.db.GetContext(ctx, &n, queryCountEvents, channel); err != nil {
		return 0, fmt.Errorf("failed to count events for %s: %w", channel, err)
	}
	return n, nil
}

// DeleteOlderThan removes rows stored before cutoff.
func (p *PostgresBackend) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return p.exec(ctx, queryDeleteStale, cutoff.UTC())
}

// DeleteAll empties the table.
func (p *PostgresBackend) DeleteAll(ctx context.Context) (int, error) {
	return p.exec(ctx, queryDeleteAll)
}

func (p *PostgresBackend) exec(ctx context.Context, query string, args ...interface{}) (int, error) {
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

// Ping checks connectivity.
func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the pool.
func (p *PostgresBackend) Close() error {
	return p.db.Close()
}
