package sse

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/welldanyogia/sse-gateway/internal/events"
	"github.com/welldanyogia/sse-gateway/internal/metrics"
)

const (
	// SessionCookieName carries the session token between requests.
	SessionCookieName = "SSEGW_SESSION"
	// SessionQueryParam is the fallback for clients that cannot send cookies.
	SessionQueryParam = "sessionId"

	DefaultSessionTimeout = 30 * time.Minute
)

// Session groups the dispatchers of one browser session, keyed by client id.
type Session struct {
	id      string
	bus     events.Bus
	history History
	cfg     Config
	logger  *slog.Logger

	mu          sync.RWMutex
	dispatchers map[string]*Dispatcher
	createdAt   time.Time
	lastSeen    time.Time
}

func newSession(id string, bus events.Bus, history History, cfg Config, logger *slog.Logger) *Session {
	now := time.Now()
	return &Session{
		id:          id,
		bus:         bus,
		history:     history,
		cfg:         cfg,
		logger:      logger.With(slog.String("session_id", id)),
		dispatchers: make(map[string]*Dispatcher),
		createdAt:   now,
		lastSeen:    now,
	}
}

// ID returns the session token.
func (s *Session) ID() string { return s.id }

// Connect returns the dispatcher for clientID, creating it if needed. A reused
// dispatcher loses its subscriptions and retry queue. A dispatcher created for
// another principal is replaced.
func (s *Session) Connect(clientID, principal string) *Dispatcher {
	s.mu.Lock()
	s.lastSeen = time.Now()
	d, ok := s.dispatchers[clientID]
	if ok && d.Principal() == principal {
		s.mu.Unlock()
		d.UnsubscribeAll()
		s.logger.Debug("Dispatcher reused", slog.String("dispatcher_id", clientID))
		return d
	}
	old := d
	d = NewDispatcher(clientID, principal, s.bus, s.history, s.cfg, s.logger)
	s.dispatchers[clientID] = d
	s.mu.Unlock()

	if old != nil {
		old.Destroy()
	}
	s.logger.Debug("Dispatcher created", slog.String("dispatcher_id", clientID))
	return d
}

// Dispatcher returns the dispatcher for clientID, or nil.
func (s *Session) Dispatcher(clientID string) *Dispatcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dispatchers[clientID]
}

// Dispatchers returns a snapshot of the session's dispatchers.
func (s *Session) Dispatchers() []*Dispatcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Dispatcher, 0, len(s.dispatchers))
	for _, d := range s.dispatchers {
		result = append(result, d)
	}
	return result
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns the time of the last recorded activity.
func (s *Session) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// Listening reports whether any dispatcher has a live sink.
func (s *Session) Listening() bool {
	for _, d := range s.Dispatchers() {
		if d.Sink() != nil {
			return true
		}
	}
	return false
}

// Destroy tears down every dispatcher in the session.
func (s *Session) Destroy() {
	s.mu.Lock()
	dispatchers := s.dispatchers
	s.dispatchers = make(map[string]*Dispatcher)
	s.mu.Unlock()

	for _, d := range dispatchers {
		d.Destroy()
	}
}

// SessionManager is the registry of live sessions.
type SessionManager struct {
	bus     events.Bus
	history History
	cfg     Config
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates an empty registry. Sessions idle longer than timeout
// with no open stream are removed by CleanupIdleSessions.
func NewSessionManager(bus events.Bus, history History, cfg Config, timeout time.Duration, logger *slog.Logger) *SessionManager {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		bus:      bus,
		history:  history,
		cfg:      cfg,
		timeout:  timeout,
		logger:   logger.With(slog.String("component", "sessions")),
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session with a fresh token.
func (m *SessionManager) Create() *Session {
	s := newSession(uuid.New().String(), m.bus, m.history, m.cfg, m.logger)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	metrics.SessionsActive.Inc()
	m.logger.Debug("Session created", slog.String("session_id", s.id))
	return s
}

// Get returns the session for id and records activity on it.
func (m *SessionManager) Get(id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		s.Touch()
	}
	return s, ok
}

// FromRequest resolves the session named by the request's cookie or query parameter.
func (m *SessionManager) FromRequest(r *http.Request) (*Session, bool) {
	return m.Get(SessionToken(r))
}

// GetOrCreate returns the request's session, creating one when it has none.
func (m *SessionManager) GetOrCreate(r *http.Request) (s *Session, created bool) {
	if s, ok := m.FromRequest(r); ok {
		return s, false
	}
	return m.Create(), true
}

// Remove destroys the session for id.
func (m *SessionManager) Remove(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return false
	}
	s.Destroy()
	metrics.SessionsActive.Dec()
	return true
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupIdleSessions removes sessions with no open stream and no activity within
// the timeout. It returns the number removed.
func (m *SessionManager) CleanupIdleSessions() int {
	cutoff := time.Now().Add(-m.timeout)

	m.mu.RLock()
	var idle []string
	for id, s := range m.sessions {
		if s.LastSeen().Before(cutoff) && !s.Listening() {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, id := range idle {
		if m.Remove(id) {
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("Idle sessions removed", slog.Int("count", removed))
	}
	return removed
}

// StartCleanupRoutine starts a background goroutine that periodically removes idle sessions.
// Returns a stop function to terminate the cleanup routine.
func (m *SessionManager) StartCleanupRoutine(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				m.CleanupIdleSessions()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

// Close destroys every session.
func (m *SessionManager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Remove(id)
	}
}

// SessionToken extracts the session token from the cookie, falling back to the query string.
func SessionToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get(SessionQueryParam)
}

// SetSessionCookie writes the session cookie.
func SetSessionCookie(w http.ResponseWriter, s *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    s.ID(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
