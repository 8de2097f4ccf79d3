package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type subscription struct {
	principal string
	handler   Handler
}

// InMemoryEventBus implements Bus inside one process.
// Delivery is synchronous on the publishing goroutine.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]subscription // channel -> subscriptionID -> subscription
}

// NewEventBus creates an empty InMemoryEventBus.
func NewEventBus() *InMemoryEventBus {
	return &InMemoryEventBus{
		subscribers: make(map[string]map[string]subscription),
	}
}

// Publish sends msg to every subscriber of its channel.
func (eb *InMemoryEventBus) Publish(_ context.Context, msg Message) error {
	if msg.Channel() == "" {
		return ErrMissingChannel
	}
	eb.deliver(msg)
	return nil
}

// deliver fans msg out to local handlers.
func (eb *InMemoryEventBus) deliver(msg Message) {
	eb.mu.RLock()
	subs, exists := eb.subscribers[msg.Channel()]
	if !exists || len(subs) == 0 {
		eb.mu.RUnlock()
		return
	}

	// Copy handlers to avoid holding lock during delivery
	handlers := make([]Handler, 0, len(subs))
	for _, sub := range subs {
		handlers = append(handlers, sub.handler)
	}
	eb.mu.RUnlock()

	for _, handler := range handlers {
		handler(msg)
	}
}

// Subscribe registers a handler for a channel.
// Returns an unsubscribe function that removes the subscription.
func (eb *InMemoryEventBus) Subscribe(channel, principal string, handler Handler) (func(), error) {
	if channel == "" {
		return nil, ErrMissingChannel
	}
	unsubscribe, _ := eb.add(channel, principal, handler)
	return unsubscribe, nil
}

// add registers the handler and reports whether it is the first on its channel.
func (eb *InMemoryEventBus) add(channel, principal string, handler Handler) (unsubscribe func(), first bool) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.subscribers[channel] == nil {
		eb.subscribers[channel] = make(map[string]subscription)
		first = true
	}

	subscriptionID := uuid.New().String()
	eb.subscribers[channel][subscriptionID] = subscription{principal: principal, handler: handler}

	var once sync.Once
	return func() {
		once.Do(func() { eb.remove(channel, subscriptionID) })
	}, first
}

// remove drops one subscription and reports whether the channel has none left.
func (eb *InMemoryEventBus) remove(channel, subscriptionID string) (last bool) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs, exists := eb.subscribers[channel]
	if !exists {
		return false
	}
	delete(subs, subscriptionID)
	if len(subs) == 0 {
		delete(eb.subscribers, channel)
		return true
	}
	return false
}

// SubscriberCount returns the number of subscribers for a channel.
func (eb *InMemoryEventBus) SubscriberCount(channel string) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers[channel])
}

// TotalSubscribers returns the number of subscriptions across all channels.
func (eb *InMemoryEventBus) TotalSubscribers() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	total := 0
	for _, subs := range eb.subscribers {
		total += len(subs)
	}
	return total
}

// Close is a no-op for the in-memory bus.
func (eb *InMemoryEventBus) Close() error { return nil }
