package history

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/welldanyogia/sse-gateway/internal/events"
	"pgregory.net/rapid"
)

// fakeClock is a settable time source for Store.now.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time           { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T, backend Backend, expiresAfter time.Duration) (*Store, *events.InMemoryEventBus, *fakeClock) {
	t.Helper()
	bus := events.NewEventBus()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(backend, bus, Options{ExpiresAfter: expiresAfter})
	s.now = clock.now
	return s, bus, clock
}

func TestStore_OnlyRecordsSubscribedChannels(t *testing.T) {
	s, bus, _ := newTestStore(t, NewMemoryBackend(100), time.Minute)
	ctx := context.Background()

	before := events.NewMessage("job", "created")
	bus.Publish(ctx, before)
	if bus.SubscriberCount("job") != 0 {
		t.Fatal("no logger should exist before the first subscribe")
	}

	s.OnChannelSubscribe("job")
	msg := events.NewMessage("job", "created")
	bus.Publish(ctx, msg)
	bus.Publish(ctx, events.NewMessage("other", "created"))

	if _, found, _ := s.ChannelEvent(ctx, "job", before.EventUUID()); found {
		t.Error("event published before subscribe should not be stored")
	}
	payload, found, err := s.ChannelEvent(ctx, "job", msg.EventUUID())
	if err != nil || !found {
		t.Fatalf("expected stored event, found=%v err=%v", found, err)
	}
	parsed, err := events.ParseMessage(payload)
	if err != nil {
		t.Fatalf("parse stored payload: %v", err)
	}
	if parsed.EventUUID() != msg.EventUUID() || parsed.Event() != "created" {
		t.Errorf("unexpected stored message %s", parsed)
	}
	if n, _ := s.ChannelEventCount(ctx, "other"); n != 0 {
		t.Errorf("unsubscribed channel should have no history, got %d", n)
	}
}

func TestStore_LoggerInstalledOnceAndKept(t *testing.T) {
	s, bus, _ := newTestStore(t, NewMemoryBackend(100), time.Minute)
	ctx := context.Background()

	s.OnChannelSubscribe("job")
	s.OnChannelSubscribe("job")
	if bus.SubscriberCount("job") != 1 {
		t.Fatalf("expected one logger subscription, got %d", bus.SubscriberCount("job"))
	}
	if s.SubscriberCount("job") != 2 {
		t.Fatalf("expected refcount 2, got %d", s.SubscriberCount("job"))
	}

	s.OnChannelUnsubscribe("job")
	s.OnChannelUnsubscribe("job")
	if bus.SubscriberCount("job") != 1 {
		t.Error("logger subscription should stay after the last unsubscribe")
	}

	// With no subscribers the logger ignores new events.
	msg := events.NewMessage("job", "updated")
	bus.Publish(ctx, msg)
	if _, found, _ := s.ChannelEvent(ctx, "job", msg.EventUUID()); found {
		t.Error("event should not be stored when the channel has no subscribers")
	}

	// Extra unsubscribe is tolerated.
	s.OnChannelUnsubscribe("job")
	if s.SubscriberCount("job") != 0 {
		t.Errorf("refcount went negative: %d", s.SubscriberCount("job"))
	}
}

func TestStore_StoreTwiceKeepsOneCopy(t *testing.T) {
	s, _, _ := newTestStore(t, NewMemoryBackend(100), time.Minute)
	ctx := context.Background()
	s.OnChannelSubscribe("job")

	msg := events.NewMessage("job", "created")
	s.Store(ctx, msg)
	s.Store(ctx, msg)

	if n, _ := s.ChannelEventCount(ctx, "job"); n != 1 {
		t.Errorf("expected 1 copy, got %d", n)
	}
}

func TestStore_StaleSweepByAge(t *testing.T) {
	backends := map[string]func(t *testing.T) Backend{
		"memory": func(t *testing.T) Backend { return NewMemoryBackend(100) },
		"file":   func(t *testing.T) Backend { return newTestFileBackend(t) },
	}
	for name, mk := range backends {
		t.Run(name, func(t *testing.T) {
			s, _, clock := newTestStore(t, mk(t), 3*time.Second)
			ctx := context.Background()
			s.OnChannelSubscribe("job")
			t0 := clock.now()

			for i := 0; i < 6; i++ {
				s.Store(ctx, events.NewMessage("job", "tick"))
				clock.advance(time.Second)
			}

			clock.t = t0.Add(7 * time.Second)
			deleted, err := s.DeleteStaleHistory(ctx)
			if err != nil {
				t.Fatalf("sweep: %v", err)
			}
			if deleted != 4 {
				t.Errorf("expected 4 deleted at t0+7s, got %d", deleted)
			}
			if n, _ := s.ChannelEventCount(ctx, "job"); n != 2 {
				t.Errorf("expected 2 remaining, got %d", n)
			}

			clock.t = t0.Add(10 * time.Second)
			if _, err := s.DeleteStaleHistory(ctx); err != nil {
				t.Fatalf("sweep: %v", err)
			}
			if n, _ := s.ChannelEventCount(ctx, "job"); n != 0 {
				t.Errorf("expected all events gone at t0+10s, got %d", n)
			}
		})
	}
}

func TestStore_EventExpiresAfterLifetime(t *testing.T) {
	s, _, clock := newTestStore(t, NewMemoryBackend(100), 3000*time.Millisecond)
	ctx := context.Background()
	s.OnChannelSubscribe("job")

	msg := events.NewMessage("job", "created")
	s.Store(ctx, msg)

	clock.advance(2000 * time.Millisecond)
	s.DeleteStaleHistory(ctx)
	if _, found, _ := s.ChannelEvent(ctx, "job", msg.EventUUID()); !found {
		t.Error("event should still be present after 2000ms")
	}

	clock.advance(1100 * time.Millisecond)
	s.DeleteStaleHistory(ctx)
	if _, found, _ := s.ChannelEvent(ctx, "job", msg.EventUUID()); found {
		t.Error("event should be deleted after 3100ms")
	}
}

func TestStore_DeleteAllHistory(t *testing.T) {
	s, _, _ := newTestStore(t, NewMemoryBackend(100), time.Minute)
	ctx := context.Background()
	s.OnChannelSubscribe("job")
	s.OnChannelSubscribe("pipeline")

	s.Store(ctx, events.NewMessage("job", "a"))
	s.Store(ctx, events.NewMessage("pipeline", "b"))

	deleted, err := s.DeleteAllHistory(ctx)
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}
}

// countingBackend counts DeleteOlderThan calls.
type countingBackend struct {
	*MemoryBackend
	sweeps atomic.Int32
}

func (c *countingBackend) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	c.sweeps.Add(1)
	return c.MemoryBackend.DeleteOlderThan(ctx, cutoff)
}

func TestStore_StartStop(t *testing.T) {
	backend := &countingBackend{MemoryBackend: NewMemoryBackend(10)}
	s := NewStore(backend, nil, Options{ExpiresAfter: 30 * time.Millisecond})

	s.Start()
	s.Start()
	time.Sleep(100 * time.Millisecond)
	s.Stop()
	s.Stop()

	if backend.sweeps.Load() == 0 {
		t.Fatal("expected at least one background sweep")
	}
	after := backend.sweeps.Load()
	time.Sleep(50 * time.Millisecond)
	if backend.sweeps.Load() != after {
		t.Error("sweeps continued after Stop")
	}
}

func TestStore_SweepInterval(t *testing.T) {
	s := NewStore(NewMemoryBackend(1), nil, Options{ExpiresAfter: 3 * time.Second})
	if s.SweepInterval() != time.Second {
		t.Errorf("expected 1s interval, got %v", s.SweepInterval())
	}
	if NewStore(NewMemoryBackend(1), nil, Options{}).ExpiresAfter() != DefaultExpiresAfter {
		t.Error("expected default expiry")
	}
}

// Property 4: Stored events round-trip
// *For any* message on a subscribed channel, ChannelEvent returns a payload that
// parses back to the same properties.
func TestProperty4_StoredEventsRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := NewStore(NewMemoryBackend(100), nil, Options{})
		ctx := context.Background()
		channel := rapid.StringMatching(`[a-z]{1,10}`).Draw(rt, "channel")
		s.OnChannelSubscribe(channel)

		msg := events.NewMessage(channel, rapid.StringMatching(`[a-z]{1,10}`).Draw(rt, "event"))
		n := rapid.IntRange(0, 5).Draw(rt, "props")
		for i := 0; i < n; i++ {
			key := rapid.StringMatching(`[a-z]{1,8}`).Draw(rt, "key")
			msg = msg.With(key, rapid.StringMatching(`[ -~]{0,16}`).Draw(rt, "value"))
		}
		s.Store(ctx, msg)

		payload, found, err := s.ChannelEvent(ctx, channel, msg.EventUUID())
		if err != nil || !found {
			rt.Fatalf("expected stored event, found=%v err=%v", found, err)
		}
		parsed, err := events.ParseMessage(payload)
		if err != nil {
			rt.Fatalf("parse: %v", err)
		}
		if string(parsed.JSON()) != string(msg.JSON()) {
			rt.Fatalf("round trip mismatch:\n got %s\nwant %s", parsed.JSON(), msg.JSON())
		}
	})
}
