package history

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultMemoryCapacity bounds the memory backend when no size is given.
const DefaultMemoryCapacity = 10000

type memoryKey struct {
	channel string
	eventID string
}

// MemoryBackend keeps events in process memory. Intended for tests and single-node
// development; contents do not survive a restart.
type MemoryBackend struct {
	mu       sync.RWMutex
	entries  *list.List                  // insertion order, oldest at the front
	index    map[memoryKey]*list.Element // channel+id -> element
	channels map[string]int              // channel -> stored events
	maxSize  int
}

// NewMemoryBackend creates a MemoryBackend holding at most maxSize events.
// When full, the oldest event is evicted.
func NewMemoryBackend(maxSize int) *MemoryBackend {
	if maxSize <= 0 {
		maxSize = DefaultMemoryCapacity
	}
	return &MemoryBackend{
		entries:  list.New(),
		index:    make(map[memoryKey]*list.Element),
		channels: make(map[string]int),
		maxSize:  maxSize,
	}
}

// Put stores e unless an event with the same channel and id is already present.
func (m *MemoryBackend) Put(_ context.Context, e Entry) error {
	if e.Channel == "" || e.EventID == "" {
		return ErrInvalidName
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	// Payload slices are caller-owned.
	e.Payload = append([]byte(nil), e.Payload...)

	m.mu.Lock()
	defer m.mu.Unlock()

	key := memoryKey{e.Channel, e.EventID}
	if _, exists := m.index[key]; exists {
		return nil
	}
	if m.entries.Len() >= m.maxSize {
		m.removeElementLocked(m.entries.Front())
	}
	m.index[key] = m.entries.PushBack(e)
	m.channels[e.Channel]++
	return nil
}

// Get returns a copy of the stored payload.
func (m *MemoryBackend) Get(_ context.Context, channel, eventID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	elem, ok := m.index[memoryKey{channel, eventID}]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), elem.Value.(Entry).Payload...), nil
}

// Count returns the number of events stored for channel.
func (m *MemoryBackend) Count(_ context.Context, channel string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[channel], nil
}

// DeleteOlderThan removes events stored before cutoff.
func (m *MemoryBackend) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for elem := m.entries.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(Entry).StoredAt.Before(cutoff) {
			m.removeElementLocked(elem)
			deleted++
		}
		elem = next
	}
	return deleted, nil
}

// DeleteAll clears the backend.
func (m *MemoryBackend) DeleteAll(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := m.entries.Len()
	m.entries = list.New()
	m.index = make(map[memoryKey]*list.Element)
	m.channels = make(map[string]int)
	return deleted, nil
}

// removeElementLocked removes an element from all indexes. Must be called with lock held.
func (m *MemoryBackend) removeElementLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	e := m.entries.Remove(elem).(Entry)
	delete(m.index, memoryKey{e.Channel, e.EventID})
	if m.channels[e.Channel]--; m.channels[e.Channel] <= 0 {
		delete(m.channels, e.Channel)
	}
}

// Len returns the number of stored events.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries.Len()
}

// Ping always succeeds.
func (m *MemoryBackend) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryBackend) Close() error { return nil }
