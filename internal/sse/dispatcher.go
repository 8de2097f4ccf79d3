package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"
	"github.com/welldanyogia/sse-gateway/internal/events"
	"github.com/welldanyogia/sse-gateway/internal/metrics"
)

const (
	instAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	instLength   = 10
)

// History is what a dispatcher needs from the history store.
type History interface {
	// ChannelEvent returns a stored payload. A missing event is found=false with no error.
	ChannelEvent(ctx context.Context, channel, eventID string) (payload []byte, found bool, err error)
	OnChannelSubscribe(channel string)
	OnChannelUnsubscribe(channel string)
}

// Retry references an undelivered event. The payload is re-read from history.
type Retry struct {
	Channel  string
	EventID  string
	Enqueued time.Time
}

type subscription struct {
	filter      events.EventFilter
	refs        int
	unsubscribe func()
}

// Dispatcher delivers the events of one client's subscriptions to its current sink.
// Events are delivered in the order they arrive. Once one is queued for retry,
// later events queue behind it.
type Dispatcher struct {
	id        string
	inst      string
	principal string
	bus       events.Bus
	history   History
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu            sync.Mutex
	pending       []func() // run by unlock after the mutex is released
	sink          Sink
	subscribers   map[string]*subscription
	retryQueue    []Retry
	lastSuccess   time.Time
	processing    bool
	retryTimer    *time.Timer
	reloadPending bool

	destroyOnce sync.Once
}

// NewDispatcher creates a dispatcher for client id acting as principal. history may be nil.
func NewDispatcher(id, principal string, bus events.Bus, history History, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	inst, err := nanoid.Generate(instAlphabet, instLength)
	if err != nil {
		inst = strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	d := &Dispatcher{
		id:          id,
		inst:        inst,
		principal:   principal,
		bus:         bus,
		history:     history,
		cfg:         cfg,
		now:         time.Now,
		subscribers: make(map[string]*subscription),
	}
	d.logger = logger.With(slog.String("dispatcher_id", id), slog.String("dispatcher_inst", inst))
	d.lastSuccess = d.now()
	metrics.DispatchersActive.Inc()
	return d
}

// ID returns the client-chosen dispatcher id.
func (d *Dispatcher) ID() string { return d.id }

// Inst returns the marker that distinguishes this instance from earlier ones with the same id.
func (d *Dispatcher) Inst() string { return d.inst }

// Principal returns the identity the dispatcher subscribes as.
func (d *Dispatcher) Principal() string { return d.principal }

func (d *Dispatcher) String() string { return fmt.Sprintf("%s (%s)", d.id, d.inst) }

// unlock releases the mutex and then runs work deferred while it was held.
func (d *Dispatcher) unlock() {
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (d *Dispatcher) deferLocked(fn func()) {
	d.pending = append(d.pending, fn)
}

// Subscribe adds a reference to filter, registering a bus subscription on first use.
// It returns false when the filter names no channel or the bus refuses the subscription.
func (d *Dispatcher) Subscribe(filter events.EventFilter) bool {
	if filter.Channel == "" {
		d.logger.Error("Invalid subscribe configuration, channel not specified")
		return false
	}
	// Recording starts before the bus subscription so nothing delivered is missing from history.
	if d.history != nil {
		d.history.OnChannelSubscribe(filter.Channel)
	}

	d.mu.Lock()
	key := filter.Key()
	sub, ok := d.subscribers[key]
	if !ok {
		unsubscribe, err := d.bus.Subscribe(filter.Channel, d.principal, d.handlerFor(filter))
		if err != nil {
			d.unlock()
			if d.history != nil {
				d.history.OnChannelUnsubscribe(filter.Channel)
			}
			d.logger.Error("Bus subscription failed",
				slog.String("channel", filter.Channel),
				slog.String("error", err.Error()),
			)
			return false
		}
		sub = &subscription{filter: filter, unsubscribe: unsubscribe}
		d.subscribers[key] = sub
	}
	sub.refs++
	numSubs := len(d.subscribers)
	d.unlock()

	d.publishState(events.StateEventSubscribe, numSubs, filter)
	return true
}

// Unsubscribe drops a reference to filter and removes the bus subscription at zero.
// It returns false when no subscription matches.
func (d *Dispatcher) Unsubscribe(filter events.EventFilter) bool {
	if filter.Channel == "" {
		d.logger.Error("Invalid unsubscribe configuration, channel not specified")
		return false
	}

	d.mu.Lock()
	key := filter.Key()
	sub, ok := d.subscribers[key]
	if !ok {
		d.unlock()
		d.logger.Warn("No active subscription matching filter", slog.String("filter", filter.String()))
		return false
	}
	sub.refs--
	if sub.refs == 0 {
		delete(d.subscribers, key)
		d.deferLocked(sub.unsubscribe)
	}
	numSubs := len(d.subscribers)
	d.unlock()

	if d.history != nil {
		d.history.OnChannelUnsubscribe(filter.Channel)
	}
	d.publishState(events.StateEventUnsubscribe, numSubs, filter)
	return true
}

// UnsubscribeAll removes every subscription, stops retrying and clears the retry queue.
func (d *Dispatcher) UnsubscribeAll() {
	d.mu.Lock()
	d.unsubscribeAllLocked()
	d.clearRetryQueueLocked("unsubscribe_all")
	d.unlock()
}

func (d *Dispatcher) unsubscribeAllLocked() {
	for key, sub := range d.subscribers {
		sub := sub
		d.deferLocked(func() {
			sub.unsubscribe()
			if d.history != nil {
				for i := 0; i < sub.refs; i++ {
					d.history.OnChannelUnsubscribe(sub.filter.Channel)
				}
			}
		})
		delete(d.subscribers, key)
	}
}

// SubscriptionCount returns the number of distinct filters subscribed.
func (d *Dispatcher) SubscriptionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subscribers)
}

// SubscriptionRefs returns the reference count for filter.
func (d *Dispatcher) SubscriptionRefs(filter events.EventFilter) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sub, ok := d.subscribers[filter.Key()]; ok {
		return sub.refs
	}
	return 0
}

// RetryQueue returns a copy of the pending retries, oldest first.
func (d *Dispatcher) RetryQueue() []Retry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Retry(nil), d.retryQueue...)
}

func (d *Dispatcher) publishState(event string, numSubs int, filter events.EventFilter) {
	if !d.cfg.StateEvents || d.bus == nil {
		return
	}
	msg := events.NewMessage(events.StateChannel, event).With(
		events.StatePropNumSubs, strconv.Itoa(numSubs),
		events.StatePropDispatcher, d.id,
		events.StatePropChannelName, filter.Channel,
		events.StatePropFilter, filter.String(),
	)
	if err := d.bus.Publish(context.Background(), msg); err != nil {
		d.logger.Warn("Failed to publish dispatcher state event", slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) handlerFor(filter events.EventFilter) events.Handler {
	return func(msg events.Message) {
		if filter.Matches(msg) {
			d.onMessage(msg)
		}
	}
}

// onMessage is the bus delivery path. It never panics into the bus.
func (d *Dispatcher) onMessage(msg events.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic while dispatching event",
				slog.String("channel", msg.Channel()),
				slog.Any("panic", r),
			)
		}
	}()

	d.mu.Lock()
	defer d.unlock()

	if len(d.retryQueue) > 0 {
		d.addToRetryQueueLocked(msg)
		return
	}
	if d.dispatchLocked(msg.Channel(), d.stamp(msg)) {
		metrics.EventsDispatched.WithLabelValues("live", "ok").Inc()
		return
	}
	metrics.EventsDispatched.WithLabelValues("live", "failed").Inc()
	d.addToRetryQueueLocked(msg)
}

// stamp tags msg with this dispatcher's identity and serializes it.
func (d *Dispatcher) stamp(msg events.Message) []byte {
	return msg.With(events.PropDispatcherID, d.id, events.PropDispatcherInst, d.inst).JSON()
}

// stampPayload re-stamps a stored payload. Payloads that do not parse are sent as stored.
func (d *Dispatcher) stampPayload(payload []byte) []byte {
	msg, err := events.ParseMessage(payload)
	if err != nil {
		return payload
	}
	return d.stamp(msg)
}

// DispatchEvent writes one event to the current sink. It returns false when
// there is no sink or the write fails.
func (d *Dispatcher) DispatchEvent(name string, data []byte) bool {
	d.mu.Lock()
	defer d.unlock()
	return d.dispatchLocked(name, data)
}

func (d *Dispatcher) dispatchLocked(name string, data []byte) bool {
	if d.sink == nil {
		d.failedLocked()
		return false
	}
	if err := d.sink.WriteEvent(name, data); err != nil {
		d.logger.Debug("Event write failed, detaching sink",
			slog.String("event", name),
			slog.String("error", err.Error()),
		)
		d.sink.Close()
		d.sink = nil
		d.failedLocked()
		return false
	}
	d.lastSuccess = d.now()
	return true
}

// failedLocked resets a dispatcher whose writes have failed for longer than FailTimeout.
func (d *Dispatcher) failedLocked() {
	if d.now().Sub(d.lastSuccess) <= d.cfg.FailTimeout {
		return
	}
	d.logger.Warn("Dispatcher presumed dead, dropping subscriptions",
		slog.Duration("since_last_success", d.now().Sub(d.lastSuccess)),
	)
	d.clearRetryQueueLocked("dead_client")
	d.unsubscribeAllLocked()
	d.lastSuccess = d.now()
}

// Attach makes sink the live output, closing any previous one.
func (d *Dispatcher) Attach(sink Sink) {
	d.mu.Lock()
	defer d.unlock()
	d.attachLocked(sink)
}

func (d *Dispatcher) attachLocked(sink Sink) {
	if d.sink != nil && d.sink != sink {
		d.sink.Close()
	}
	d.sink = sink
	d.lastSuccess = d.now()
}

// Detach clears the live output if it is still sink.
func (d *Dispatcher) Detach(sink Sink) {
	d.mu.Lock()
	defer d.unlock()
	if d.sink == sink {
		d.sink = nil
	}
}

// Sink returns the live output, or nil when disconnected.
func (d *Dispatcher) Sink() Sink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink
}

// Stop closes the live output.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.unlock()
	if d.sink != nil {
		d.sink.Close()
		d.sink = nil
	}
}

// Open attaches sink and starts the stream: the open event, any reload that
// could not be sent earlier, then an immediate retry pass.
func (d *Dispatcher) Open(sink Sink) bool {
	d.mu.Lock()
	defer d.unlock()

	d.attachLocked(sink)
	data, _ := json.Marshal(events.OpenEvent{DispatcherID: d.id, DispatcherInst: d.inst})
	if !d.dispatchLocked(events.EventTypeOpen, data) {
		return false
	}
	if d.reloadPending {
		d.sendReloadLocked("pending")
	}
	d.processRetriesLocked()
	return true
}

// Ping writes a pingback event.
func (d *Dispatcher) Ping() bool {
	return d.DispatchEvent(events.EventTypePingback, []byte(events.PingbackData))
}

// Destroy drops all subscriptions and closes the sink. Later calls do nothing.
func (d *Dispatcher) Destroy() {
	d.destroyOnce.Do(func() {
		d.UnsubscribeAll()
		d.Stop()
		metrics.DispatchersActive.Dec()
	})
}
