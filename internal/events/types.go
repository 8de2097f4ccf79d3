// Package events provides the message model and the pub/sub bus the gateway consumes.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Reserved property keys of the canonical message form.
const (
	ChannelKey   = "sse_channel"
	EventKey     = "sse_event"
	EventUUIDKey = "sse_event_uuid"
)

var (
	// ErrMissingChannel is returned for messages or filters without a channel name.
	ErrMissingChannel = errors.New("message has no channel")

	// ErrMissingEventUUID is returned when a serialized message carries no event id.
	ErrMissingEventUUID = errors.New("message has no event uuid")
)

// Message is an immutable event published on a channel.
// Properties hold every key/value pair, including the reserved keys.
type Message struct {
	props map[string]string
}

// NewMessage creates a message with a fresh event UUID.
func NewMessage(channel, event string) Message {
	return Message{props: map[string]string{
		ChannelKey:   channel,
		EventKey:     event,
		EventUUIDKey: uuid.New().String(),
	}}
}

// ParseMessage decodes the canonical serialized form of a message.
func ParseMessage(data []byte) (Message, error) {
	props := make(map[string]string)
	if err := json.Unmarshal(data, &props); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	if props[ChannelKey] == "" {
		return Message{}, ErrMissingChannel
	}
	if props[EventUUIDKey] == "" {
		return Message{}, ErrMissingEventUUID
	}
	return Message{props: props}, nil
}

// Channel returns the channel the message was published on.
func (m Message) Channel() string { return m.props[ChannelKey] }

// Event returns the event name.
func (m Message) Event() string { return m.props[EventKey] }

// EventUUID returns the globally unique event id.
func (m Message) EventUUID() string { return m.props[EventUUIDKey] }

// Property returns a single property value.
func (m Message) Property(key string) (string, bool) {
	v, ok := m.props[key]
	return v, ok
}

// Properties returns a copy of all properties.
func (m Message) Properties() map[string]string {
	out := make(map[string]string, len(m.props))
	for k, v := range m.props {
		out[k] = v
	}
	return out
}

// With returns a copy of the message with the given key/value pairs set.
// A trailing key without a value is ignored.
func (m Message) With(kv ...string) Message {
	props := m.Properties()
	for i := 0; i+1 < len(kv); i += 2 {
		props[kv[i]] = kv[i+1]
	}
	return Message{props: props}
}

// JSON returns the canonical serialized form: a flat object with sorted keys.
func (m Message) JSON() []byte {
	// encoding/json sorts map keys, a map[string]string cannot fail to encode.
	data, _ := json.Marshal(m.props)
	return data
}

func (m Message) String() string { return string(m.JSON()) }

// EventFilter selects messages on one channel, optionally narrowed by property predicates.
type EventFilter struct {
	Channel    string
	Predicates map[string]string
}

// NewEventFilter creates a filter from a channel and key/value predicate pairs.
func NewEventFilter(channel string, kv ...string) EventFilter {
	f := EventFilter{Channel: channel}
	for i := 0; i+1 < len(kv); i += 2 {
		if f.Predicates == nil {
			f.Predicates = make(map[string]string)
		}
		f.Predicates[kv[i]] = kv[i+1]
	}
	return f
}

// Key returns a canonical string identifying the filter. Equal filters share a key.
func (f EventFilter) Key() string {
	keys := make([]string, 0, len(f.Predicates))
	for k := range f.Predicates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(f.Channel)
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(f.Predicates[k])
	}
	return b.String()
}

// Matches reports whether msg is on the filter's channel and satisfies every predicate.
func (f EventFilter) Matches(msg Message) bool {
	if msg.Channel() != f.Channel {
		return false
	}
	for k, want := range f.Predicates {
		if got, ok := msg.Property(k); !ok || got != want {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the filter as a flat object keyed like a message.
func (f EventFilter) MarshalJSON() ([]byte, error) {
	flat := make(map[string]string, len(f.Predicates)+1)
	for k, v := range f.Predicates {
		flat[k] = v
	}
	flat[ChannelKey] = f.Channel
	return json.Marshal(flat)
}

// UnmarshalJSON decodes the flat object form. Non-string predicate values are rejected.
func (f *EventFilter) UnmarshalJSON(data []byte) error {
	flat := make(map[string]string)
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("decoding event filter: %w", err)
	}
	f.Channel = flat[ChannelKey]
	delete(flat, ChannelKey)
	f.Predicates = nil
	if len(flat) > 0 {
		f.Predicates = flat
	}
	return nil
}

func (f EventFilter) String() string {
	data, _ := f.MarshalJSON()
	return string(data)
}

// Handler receives messages delivered by a Bus.
type Handler func(msg Message)

// Bus is the publish/subscribe transport the gateway consumes from.
type Bus interface {
	// Subscribe registers handler for every message on channel. The principal
	// identifies who the subscription is made for.
	Subscribe(channel, principal string, handler Handler) (unsubscribe func(), err error)
	// Publish delivers msg to the subscribers of its channel.
	Publish(ctx context.Context, msg Message) error
	// Close releases the bus resources.
	Close() error
}
