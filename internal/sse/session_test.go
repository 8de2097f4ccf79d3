package sse

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/welldanyogia/sse-gateway/internal/events"
)

func newTestSessionManager(timeout time.Duration) (*SessionManager, *events.InMemoryEventBus) {
	bus := events.NewEventBus()
	return NewSessionManager(bus, nil, testConfig(), timeout, nil), bus
}

func TestSession_ConnectCreatesAndReuses(t *testing.T) {
	m, bus := newTestSessionManager(time.Minute)
	defer m.Close()
	s := m.Create()

	d := s.Connect("client-1", "alice")
	d.Subscribe(events.NewEventFilter("job"))

	again := s.Connect("client-1", "alice")
	if again != d {
		t.Fatal("connect with the same principal should reuse the dispatcher")
	}
	if again.SubscriptionCount() != 0 {
		t.Error("reused dispatcher should lose its subscriptions")
	}
	if bus.SubscriberCount("job") != 0 {
		t.Error("bus subscription should be removed on reuse")
	}
	if s.Dispatcher("client-1") != d {
		t.Error("lookup should return the connected dispatcher")
	}
	if s.Dispatcher("unknown") != nil {
		t.Error("unknown dispatcher should be nil")
	}
}

func TestSession_ConnectReplacesOnPrincipalChange(t *testing.T) {
	m, _ := newTestSessionManager(time.Minute)
	defer m.Close()
	s := m.Create()

	d := s.Connect("client-1", "alice")
	sink := newRecordingSink()
	d.Attach(sink)

	replaced := s.Connect("client-1", "bob")
	if replaced == d {
		t.Fatal("expected a new dispatcher for a different principal")
	}
	if replaced.Principal() != "bob" {
		t.Errorf("principal = %q", replaced.Principal())
	}
	select {
	case <-sink.Done():
	default:
		t.Error("the replaced dispatcher's sink should be closed")
	}
}

func TestSession_DestroyTearsDownDispatchers(t *testing.T) {
	m, bus := newTestSessionManager(time.Minute)
	s := m.Create()
	s.Connect("a", "anonymous").Subscribe(events.NewEventFilter("job"))
	s.Connect("b", "anonymous").Subscribe(events.NewEventFilter("job"))

	if !m.Remove(s.ID()) {
		t.Fatal("remove should report the session existed")
	}
	if bus.TotalSubscribers() != 0 {
		t.Errorf("expected no bus subscriptions, got %d", bus.TotalSubscribers())
	}
	if len(s.Dispatchers()) != 0 {
		t.Error("destroyed session should have no dispatchers")
	}
	if m.Remove(s.ID()) {
		t.Error("second remove should report false")
	}
}

func TestSessionManager_GetAndCount(t *testing.T) {
	m, _ := newTestSessionManager(time.Minute)
	defer m.Close()

	s := m.Create()
	if got, ok := m.Get(s.ID()); !ok || got != s {
		t.Fatal("expected to find the created session")
	}
	if _, ok := m.Get(""); ok {
		t.Error("empty token should not resolve")
	}
	if _, ok := m.Get("nope"); ok {
		t.Error("unknown token should not resolve")
	}
	m.Create()
	if m.Count() != 2 {
		t.Errorf("count = %d, want 2", m.Count())
	}
}

func TestSessionToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?sessionId=from-query", nil)
	if got := SessionToken(r); got != "from-query" {
		t.Errorf("query token = %q", got)
	}

	r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "from-cookie"})
	if got := SessionToken(r); got != "from-cookie" {
		t.Errorf("cookie should win, got %q", got)
	}
}

func TestSessionManager_GetOrCreate(t *testing.T) {
	m, _ := newTestSessionManager(time.Minute)
	defer m.Close()

	s, created := m.GetOrCreate(httptest.NewRequest(http.MethodGet, "/x", nil))
	if !created {
		t.Fatal("request without a token should create a session")
	}
	again, created := m.GetOrCreate(httptest.NewRequest(http.MethodGet, "/x?sessionId="+s.ID(), nil))
	if created || again != s {
		t.Error("request with a known token should reuse the session")
	}
}

func TestSessionManager_CleanupIdleSessions(t *testing.T) {
	m, _ := newTestSessionManager(10 * time.Millisecond)
	defer m.Close()

	idle := m.Create()
	listening := m.Create()
	listening.Connect("client-1", "anonymous").Attach(newRecordingSink())

	time.Sleep(30 * time.Millisecond)
	fresh := m.Create()

	if removed := m.CleanupIdleSessions(); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := m.Get(idle.ID()); ok {
		t.Error("idle session should be removed")
	}
	if _, ok := m.Get(listening.ID()); !ok {
		t.Error("session with an open stream should be kept")
	}
	if _, ok := m.Get(fresh.ID()); !ok {
		t.Error("recently active session should be kept")
	}
}

func TestSessionManager_CleanupRoutine(t *testing.T) {
	m, _ := newTestSessionManager(5 * time.Millisecond)
	defer m.Close()
	m.Create()

	stop := m.StartCleanupRoutine(5 * time.Millisecond)
	waitFor(t, 2*time.Second, func() bool { return m.Count() == 0 })
	stop()
	stop()
}
