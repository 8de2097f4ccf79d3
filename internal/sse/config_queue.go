package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/welldanyogia/sse-gateway/internal/events"
	"github.com/welldanyogia/sse-gateway/internal/metrics"
	"github.com/welldanyogia/sse-gateway/internal/tracing"
)

// DefaultQueueCapacity is the configuration queue size when none is configured.
const DefaultQueueCapacity = 1024

// DispatcherLookup resolves dispatcher ids. Session implements it.
type DispatcherLookup interface {
	Dispatcher(id string) *Dispatcher
}

// SubscriptionConfig is one batch of subscription changes for a dispatcher.
type SubscriptionConfig struct {
	BatchID        string
	DispatcherID   string
	Subscribe      []events.EventFilter
	Unsubscribe    []events.EventFilter
	UnsubscribeAll bool

	// Session owns the addressed dispatcher.
	Session DispatcherLookup
}

// HasConfigs reports whether the batch changes anything.
func (c *SubscriptionConfig) HasConfigs() bool {
	return c.UnsubscribeAll || len(c.Subscribe) > 0 || len(c.Unsubscribe) > 0
}

type configRequest struct {
	DispatcherID string               `json:"dispatcherId"`
	Subscribe    []events.EventFilter `json:"subscribe"`
	Unsubscribe  json.RawMessage      `json:"unsubscribe"`
}

// ParseSubscriptionConfig decodes a configure request body. "unsubscribe" may be a
// list of filters or one of the strings "*" and "all".
func ParseSubscriptionConfig(body []byte, batchID string) (*SubscriptionConfig, error) {
	cfg := &SubscriptionConfig{BatchID: batchID}
	if len(bytes.TrimSpace(body)) == 0 {
		return cfg, nil
	}

	var req configRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decoding configuration request: %w", err)
	}
	cfg.DispatcherID = req.DispatcherID
	cfg.Subscribe = req.Subscribe

	raw := bytes.TrimSpace(req.Unsubscribe)
	switch {
	case len(raw) == 0 || string(raw) == "null":
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decoding unsubscribe: %w", err)
		}
		switch strings.ToLower(s) {
		case "*", "all":
			cfg.UnsubscribeAll = true
		default:
			return nil, fmt.Errorf("unsupported unsubscribe value %q", s)
		}
	default:
		if err := json.Unmarshal(raw, &cfg.Unsubscribe); err != nil {
			return nil, fmt.Errorf("decoding unsubscribe: %w", err)
		}
	}
	return cfg, nil
}

// stopSentinel ends the worker when it reaches the head of the queue.
var stopSentinel = &SubscriptionConfig{}

// ConfigQueue applies subscription changes one at a time, in the order they were added,
// across all dispatchers.
type ConfigQueue struct {
	capacity int
	logger   *slog.Logger

	mu      sync.Mutex
	queue   chan *SubscriptionConfig
	running bool
	done    chan struct{}
}

// NewConfigQueue creates a stopped queue.
func NewConfigQueue(capacity int, logger *slog.Logger) *ConfigQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigQueue{
		capacity: capacity,
		logger:   logger.With(slog.String("component", "config_queue")),
	}
}

// Start launches the worker. Calling Start on a running queue is a no-op.
func (q *ConfigQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}
	q.queue = make(chan *SubscriptionConfig, q.capacity)
	q.done = make(chan struct{})
	q.running = true
	go q.worker(q.queue, q.done)
	q.logger.Info("Configuration queue started", slog.Int("capacity", q.capacity))
}

// Stop enqueues the stop sentinel and waits for the worker to drain everything
// queued before it. Calling Stop on a stopped queue is a no-op.
func (q *ConfigQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	queue, done := q.queue, q.done
	q.running = false
	q.queue = nil
	q.mu.Unlock()

	queue <- stopSentinel
	<-done
	q.logger.Info("Configuration queue stopped")
}

// Add queues cfg. It returns false when the queue is stopped or full.
func (q *ConfigQueue) Add(cfg *SubscriptionConfig) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return false
	}
	select {
	case q.queue <- cfg:
		metrics.ConfigQueueDepth.Inc()
		return true
	default:
		q.logger.Warn("Configuration queue full", slog.String("dispatcher_id", cfg.DispatcherID))
		return false
	}
}

// Len returns the number of queued configurations.
func (q *ConfigQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queue == nil {
		return 0
	}
	return len(q.queue)
}

func (q *ConfigQueue) worker(queue <-chan *SubscriptionConfig, done chan<- struct{}) {
	defer close(done)
	for cfg := range queue {
		if cfg == stopSentinel {
			return
		}
		metrics.ConfigQueueDepth.Dec()
		q.apply(cfg)
	}
}

// apply runs one batch: unsubscribe-all, then unsubscribes, then subscribes, then the ACK.
func (q *ConfigQueue) apply(cfg *SubscriptionConfig) {
	_, end := tracing.StartSpan(context.Background(), "config.apply",
		"dispatcher_id", cfg.DispatcherID,
		"batch_id", cfg.BatchID,
	)
	defer end()
	defer func() {
		if r := recover(); r != nil {
			metrics.ConfigsProcessed.WithLabelValues("panic").Inc()
			q.logger.Error("Panic applying configuration",
				slog.String("dispatcher_id", cfg.DispatcherID),
				slog.Any("panic", r),
			)
		}
	}()

	var d *Dispatcher
	if cfg.Session != nil {
		d = cfg.Session.Dispatcher(cfg.DispatcherID)
	}
	if d == nil {
		metrics.ConfigsProcessed.WithLabelValues("unknown_dispatcher").Inc()
		q.logger.Warn("Configuration for unknown dispatcher ignored",
			slog.String("dispatcher_id", cfg.DispatcherID),
			slog.String("batch_id", cfg.BatchID),
		)
		return
	}

	if cfg.UnsubscribeAll {
		d.UnsubscribeAll()
	}
	for _, f := range cfg.Unsubscribe {
		d.Unsubscribe(f)
	}
	for _, f := range cfg.Subscribe {
		d.Subscribe(f)
	}

	if cfg.BatchID != "" {
		data, _ := json.Marshal(events.ConfigureAckEvent{
			BatchID:        cfg.BatchID,
			DispatcherID:   d.ID(),
			DispatcherInst: d.Inst(),
		})
		d.DispatchEvent(events.EventTypeConfigure, data)
	}
	metrics.ConfigsProcessed.WithLabelValues("ok").Inc()
	q.logger.Debug("Configuration applied",
		slog.String("dispatcher_id", cfg.DispatcherID),
		slog.String("batch_id", cfg.BatchID),
		slog.Int("subscribe", len(cfg.Subscribe)),
		slog.Int("unsubscribe", len(cfg.Unsubscribe)),
		slog.Bool("unsubscribe_all", cfg.UnsubscribeAll),
	)
}
