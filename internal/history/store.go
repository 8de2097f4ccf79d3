package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/welldanyogia/sse-gateway/internal/events"
	"github.com/welldanyogia/sse-gateway/internal/metrics"
	"github.com/welldanyogia/sse-gateway/internal/tracing"
)

// DefaultExpiresAfter is how long events are kept when no expiry is configured.
const DefaultExpiresAfter = time.Minute

// loggerPrincipal is the principal the store subscribes to channels under.
const loggerPrincipal = "history-store"

// Options configures a Store.
type Options struct {
	// ExpiresAfter is the event lifetime. Sweeps run every ExpiresAfter/3.
	ExpiresAfter time.Duration
	Logger       *slog.Logger
}

type channelState struct {
	subscribers int
	// logger is the bus subscription that records the channel. Never removed once set.
	logger func()
}

// Store records events for channels that have subscribers and serves them back
// to dispatcher retry passes.
type Store struct {
	backend      Backend
	bus          events.Bus
	expiresAfter time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu       sync.Mutex
	channels map[string]*channelState

	sweepMu   sync.Mutex
	stopSweep func()
}

// NewStore creates a Store over backend. The bus is where logger subscriptions are installed.
func NewStore(backend Backend, bus events.Bus, opts Options) *Store {
	if opts.ExpiresAfter <= 0 {
		opts.ExpiresAfter = DefaultExpiresAfter
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		backend:      backend,
		bus:          bus,
		expiresAfter: opts.ExpiresAfter,
		logger:       opts.Logger.With(slog.String("component", "history")),
		now:          time.Now,
		channels:     make(map[string]*channelState),
	}
}

// Backend returns the storage engine.
func (s *Store) Backend() Backend { return s.backend }

// ExpiresAfter returns the configured event lifetime.
func (s *Store) ExpiresAfter() time.Duration { return s.expiresAfter }

// SweepInterval is the period of the background sweep.
func (s *Store) SweepInterval() time.Duration {
	interval := s.expiresAfter / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	return interval
}

// OnChannelSubscribe counts a subscriber for channel. The first subscriber
// installs the logger subscription that records the channel's events.
func (s *Store) OnChannelSubscribe(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.channels[channel]
	if !ok {
		st = &channelState{}
		s.channels[channel] = st
	}
	st.subscribers++

	if st.logger != nil || s.bus == nil {
		return
	}
	unsubscribe, err := s.bus.Subscribe(channel, loggerPrincipal, s.onMessage)
	if err != nil {
		// Retried on the next subscribe for this channel.
		s.logger.Error("Failed to install history logger",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	st.logger = unsubscribe
	metrics.HistoryChannelsLogged.Inc()
	s.logger.Debug("History logger installed", slog.String("channel", channel))
}

// OnChannelUnsubscribe releases one subscriber. The logger subscription stays in place.
func (s *Store) OnChannelUnsubscribe(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.channels[channel]
	if !ok || st.subscribers == 0 {
		s.logger.Warn("Unbalanced channel unsubscribe", slog.String("channel", channel))
		return
	}
	st.subscribers--
}

// SubscriberCount returns the current subscriber count for channel.
func (s *Store) SubscriberCount(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.channels[channel]; ok {
		return st.subscribers
	}
	return 0
}

func (s *Store) onMessage(msg events.Message) {
	s.Store(context.Background(), msg)
}

// Store records msg if its channel currently has subscribers.
// Failures are logged; a failed store means the event cannot be retried later.
func (s *Store) Store(ctx context.Context, msg events.Message) {
	channel := msg.Channel()

	s.mu.Lock()
	st, ok := s.channels[channel]
	active := ok && st.subscribers > 0
	s.mu.Unlock()
	if !active {
		return
	}

	defer metrics.TimeQuery("put")()
	err := s.backend.Put(ctx, Entry{
		Channel:  channel,
		EventID:  msg.EventUUID(),
		Payload:  msg.JSON(),
		StoredAt: s.now(),
	})
	if err != nil {
		metrics.HistoryWrites.WithLabelValues("error").Inc()
		s.logger.Error("Failed to store event",
			slog.String("channel", channel),
			slog.String("event_uuid", msg.EventUUID()),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.HistoryWrites.WithLabelValues("ok").Inc()
}

// ChannelEvent fetches a stored event. A missing event returns found=false and no error.
func (s *Store) ChannelEvent(ctx context.Context, channel, eventID string) ([]byte, bool, error) {
	defer metrics.TimeQuery("get")()
	payload, err := s.backend.Get(ctx, channel, eventID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidName) {
			metrics.HistoryLookups.WithLabelValues("miss").Inc()
			return nil, false, nil
		}
		metrics.HistoryLookups.WithLabelValues("error").Inc()
		return nil, false, err
	}
	metrics.HistoryLookups.WithLabelValues("hit").Inc()
	return payload, true, nil
}

// ChannelEventCount returns the number of events stored for channel.
func (s *Store) ChannelEventCount(ctx context.Context, channel string) (int, error) {
	return s.backend.Count(ctx, channel)
}

// DeleteStaleHistory removes events older than the expiry.
func (s *Store) DeleteStaleHistory(ctx context.Context) (int, error) {
	return s.deleteHistory(ctx, "stale", func(ctx context.Context) (int, error) {
		return s.backend.DeleteOlderThan(ctx, s.now().Add(-s.expiresAfter))
	})
}

// DeleteAllHistory removes every stored event.
func (s *Store) DeleteAllHistory(ctx context.Context) (int, error) {
	return s.deleteHistory(ctx, "all", s.backend.DeleteAll)
}

func (s *Store) deleteHistory(ctx context.Context, mode string, del func(context.Context) (int, error)) (int, error) {
	ctx, end := tracing.StartSpan(ctx, "history.sweep", "mode", mode)
	defer end()

	start := time.Now()
	deleted, err := del(ctx)
	metrics.HistorySweepDuration.Observe(time.Since(start).Seconds())
	metrics.HistoryEventsDeleted.Add(float64(deleted))
	if err != nil {
		return deleted, fmt.Errorf("deleting %s history: %w", mode, err)
	}
	if deleted > 0 {
		s.logger.Debug("History swept",
			slog.String("mode", mode),
			slog.Int("deleted", deleted),
		)
	}
	return deleted, nil
}

// Start runs DeleteStaleHistory every ExpiresAfter/3 until Stop. Calling Start twice is a no-op.
func (s *Store) Start() {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	if s.stopSweep != nil {
		return
	}
	interval := s.SweepInterval()
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if _, err := s.DeleteStaleHistory(ctx); err != nil {
					s.logger.Error("History sweep failed", slog.String("error", err.Error()))
				}
				cancel()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	s.stopSweep = func() { close(done) }
	s.logger.Info("History sweep started",
		slog.Duration("expires_after", s.expiresAfter),
		slog.Duration("interval", interval),
	)
}

// Stop halts the background sweep. Calling Stop when not started is a no-op.
func (s *Store) Stop() {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	if s.stopSweep == nil {
		return
	}
	s.stopSweep()
	s.stopSweep = nil
	s.logger.Info("History sweep stopped")
}

// Close stops the sweep and closes the backend.
func (s *Store) Close() error {
	s.Stop()
	return s.backend.Close()
}
