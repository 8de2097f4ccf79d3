package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is prepended to channel names to form NATS subjects.
const DefaultSubjectPrefix = "sse"

// NATSBus implements Bus on top of a NATS connection. Each channel maps to one
// NATS subscription; local handlers are fanned out in-process.
type NATSBus struct {
	conn   *nats.Conn
	prefix string
	local  *InMemoryEventBus
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription // channel -> NATS subscription
}

// NewNATSBus connects to url. Extra nats.Option values are appended to the defaults.
func NewNATSBus(url, prefix string, logger *slog.Logger, opts ...nats.Option) (*NATSBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	defaults := []nats.Option{
		nats.Name("sse-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSBus{
		conn:   nc,
		prefix: prefix,
		local:  NewEventBus(),
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

func (b *NATSBus) subject(channel string) string {
	return b.prefix + "." + channel
}

// Subscribe registers handler for channel, subscribing on NATS for the first local handler.
func (b *NATSBus) Subscribe(channel, principal string, handler Handler) (func(), error) {
	if channel == "" {
		return nil, ErrMissingChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	unsubscribeLocal, first := b.local.add(channel, principal, handler)
	if first {
		sub, err := b.conn.Subscribe(b.subject(channel), b.onNATSMessage)
		if err != nil {
			unsubscribeLocal()
			return nil, fmt.Errorf("subscribing to %s: %w", b.subject(channel), err)
		}
		// Flush so the subscription is registered before messages from other connections arrive.
		if err := b.conn.Flush(); err != nil {
			_ = sub.Unsubscribe()
			unsubscribeLocal()
			return nil, fmt.Errorf("flushing subscription: %w", err)
		}
		b.subs[channel] = sub
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			unsubscribeLocal()
			if b.local.SubscriberCount(channel) > 0 {
				return
			}
			if sub, ok := b.subs[channel]; ok {
				delete(b.subs, channel)
				if err := sub.Unsubscribe(); err != nil {
					b.logger.Warn("NATS unsubscribe failed",
						slog.String("channel", channel),
						slog.String("error", err.Error()),
					)
				}
			}
		})
	}, nil
}

func (b *NATSBus) onNATSMessage(m *nats.Msg) {
	msg, err := ParseMessage(m.Data)
	if err != nil {
		b.logger.Warn("Dropping undecodable NATS message",
			slog.String("subject", m.Subject),
			slog.String("error", err.Error()),
		)
		return
	}
	b.local.deliver(msg)
}

// Publish sends the canonical form of msg to the channel subject.
func (b *NATSBus) Publish(_ context.Context, msg Message) error {
	if msg.Channel() == "" {
		return ErrMissingChannel
	}
	if err := b.conn.Publish(b.subject(msg.Channel()), msg.JSON()); err != nil {
		return fmt.Errorf("publishing to %s: %w", b.subject(msg.Channel()), err)
	}
	return nil
}

// Connected reports whether the underlying connection is up.
func (b *NATSBus) Connected() bool {
	return b.conn.IsConnected()
}

// Close closes the NATS connection.
func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}
