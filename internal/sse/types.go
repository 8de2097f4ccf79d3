// Package sse implements the gateway core: per-client dispatchers with an
// ordered retry queue, the configuration queue that serializes subscription
// changes, the session registry, and the HTTP transport in front of them.
package sse

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Config holds dispatcher tuning.
type Config struct {
	// RetryLifetime is how old the head of the retry queue may get before the
	// whole queue is discarded. A non-positive value makes every entry stale.
	RetryLifetime time.Duration
	// RetryDelay is the pause before a retry pass. A non-positive value runs the
	// first pass inline.
	RetryDelay time.Duration
	// RetryGrace is how long a missing history entry is waited for before a reload is sent.
	RetryGrace time.Duration
	// FailTimeout is how long writes may keep failing before the client is presumed dead.
	FailTimeout time.Duration
	// ListenTimeout closes streaming sinks so clients reconnect periodically.
	ListenTimeout time.Duration
	// LookupTimeout bounds a single history lookup during a retry pass.
	LookupTimeout time.Duration
	// StateEvents publishes subscribe/unsubscribe diagnostics on the "sse" channel.
	StateEvents bool
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		RetryLifetime: 300 * time.Second,
		RetryDelay:    100 * time.Millisecond,
		RetryGrace:    10 * time.Second,
		FailTimeout:   120 * time.Second,
		ListenTimeout: 30 * time.Second,
		LookupTimeout: 5 * time.Second,
	}
}

// Sink is the live output of a dispatcher.
type Sink interface {
	// WriteEvent writes one framed event.
	WriteEvent(name string, data []byte) error
	// Done is closed when the sink is closed.
	Done() <-chan struct{}
	Close()
}

// NewSink picks a sink implementation by what w supports. Writers that can
// flush get a streamSink that closes itself after timeout.
func NewSink(w http.ResponseWriter, timeout time.Duration) Sink {
	if flusher, ok := w.(http.Flusher); ok {
		return newStreamSink(w, flusher, timeout)
	}
	return newPlainSink(w)
}

// baseSink holds the close state shared by both sinks.
type baseSink struct {
	mu     sync.Mutex
	w      io.Writer
	done   chan struct{}
	closed bool
}

func (s *baseSink) Done() <-chan struct{} { return s.done }

func (s *baseSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *baseSink) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// write frames and writes one event. A failed write closes the sink.
func (s *baseSink) write(name string, data []byte, flush func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	if _, err := io.WriteString(s.w, FormatEvent(name, data)); err != nil {
		s.closeLocked()
		return fmt.Errorf("writing event %s: %w", name, err)
	}
	if flush != nil {
		flush()
	}
	return nil
}

// streamSink writes through an http.Flusher and flushes every frame.
type streamSink struct {
	baseSink
	flusher http.Flusher
	stop    context.CancelFunc
}

func newStreamSink(w io.Writer, flusher http.Flusher, timeout time.Duration) *streamSink {
	s := &streamSink{
		baseSink: baseSink{w: w, done: make(chan struct{})},
		flusher:  flusher,
	}
	if timeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		s.stop = cancel
		go func() {
			select {
			case <-ctx.Done():
				s.Close()
			case <-s.done:
			}
		}()
	}
	return s
}

func (s *streamSink) WriteEvent(name string, data []byte) error {
	return s.write(name, data, s.flusher.Flush)
}

func (s *streamSink) Close() {
	s.baseSink.Close()
	if s.stop != nil {
		s.stop()
	}
}

// plainSink writes frames without flushing and stays open until closed.
type plainSink struct {
	baseSink
}

func newPlainSink(w io.Writer) *plainSink {
	return &plainSink{baseSink: baseSink{w: w, done: make(chan struct{})}}
}

func (s *plainSink) WriteEvent(name string, data []byte) error {
	return s.write(name, data, nil)
}

// FormatEvent formats an event as an SSE frame.
// Format: event: <name>\ndata: <payload>\n\n
func FormatEvent(name string, data []byte) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", name, data)
}
