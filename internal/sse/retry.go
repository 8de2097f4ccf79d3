package sse

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/welldanyogia/sse-gateway/internal/events"
	"github.com/welldanyogia/sse-gateway/internal/metrics"
	"github.com/welldanyogia/sse-gateway/internal/tracing"
)

// addToRetryQueueLocked queues msg for redelivery.
func (d *Dispatcher) addToRetryQueueLocked(msg events.Message) {
	if len(d.subscribers) == 0 {
		// Nothing left to deliver for.
		d.clearRetryQueueLocked("no_subscribers")
		return
	}
	if len(d.retryQueue) > 0 && d.staleLocked(d.retryQueue[0]) {
		d.clearRetryQueueLocked("lifetime")
	}

	wasEmpty := len(d.retryQueue) == 0
	d.retryQueue = append(d.retryQueue, Retry{
		Channel:  msg.Channel(),
		EventID:  msg.EventUUID(),
		Enqueued: d.now(),
	})
	metrics.RetryQueued.Inc()

	if !wasEmpty {
		return
	}
	if d.cfg.RetryDelay <= 0 {
		d.processRetriesLocked()
		return
	}
	d.scheduleRetryLocked()
}

func (d *Dispatcher) staleLocked(r Retry) bool {
	return d.cfg.RetryLifetime <= 0 || d.now().Sub(r.Enqueued) > d.cfg.RetryLifetime
}

func (d *Dispatcher) clearRetryQueueLocked(reason string) {
	if d.retryTimer != nil {
		d.retryTimer.Stop()
		d.retryTimer = nil
	}
	if len(d.retryQueue) == 0 {
		return
	}
	d.logger.Debug("Clearing retry queue",
		slog.String("reason", reason),
		slog.Int("size", len(d.retryQueue)),
	)
	d.retryQueue = nil
	metrics.RetryQueueCleared.WithLabelValues(reason).Inc()
}

// scheduleRetryLocked arms the retry timer unless one is already pending.
// Rescheduled passes never run inline, so a non-positive delay falls back to the default.
func (d *Dispatcher) scheduleRetryLocked() {
	if d.retryTimer != nil {
		return
	}
	delay := d.cfg.RetryDelay
	if delay <= 0 {
		delay = DefaultConfig().RetryDelay
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		defer d.unlock()
		if d.retryTimer != timer {
			// Cancelled or superseded while waiting for the lock.
			return
		}
		d.retryTimer = nil
		d.processRetriesLocked()
	})
	d.retryTimer = timer
}

// processRetriesLocked runs one retry pass. Passes do not nest.
func (d *Dispatcher) processRetriesLocked() {
	if d.processing || len(d.retryQueue) == 0 {
		return
	}
	d.processing = true
	defer func() { d.processing = false }()

	if d.staleLocked(d.retryQueue[0]) {
		d.clearRetryQueueLocked("lifetime")
		return
	}

	ctx, end := tracing.StartSpan(context.Background(), "dispatcher.retry",
		"dispatcher_id", d.id,
	)
	defer end()

	if d.sink == nil {
		d.failedLocked()
	} else {
		d.drainRetryQueueLocked(ctx)
	}

	if len(d.retryQueue) > 0 {
		d.scheduleRetryLocked()
	}
}

// drainRetryQueueLocked delivers queued events until one cannot be delivered yet.
func (d *Dispatcher) drainRetryQueueLocked(ctx context.Context) {
	for len(d.retryQueue) > 0 {
		head := d.retryQueue[0]

		payload, found, err := d.lookupLocked(ctx, head)
		if err != nil {
			d.logger.Warn("History lookup failed",
				slog.String("channel", head.Channel),
				slog.String("event_uuid", head.EventID),
				slog.String("error", err.Error()),
			)
			return
		}
		if !found {
			if d.now().Sub(head.Enqueued) <= d.cfg.RetryGrace {
				// Not stored yet. A later pass looks again.
				return
			}
			d.sendReloadLocked("event expired from history")
			d.clearRetryQueueLocked("reload")
			return
		}

		if !d.dispatchLocked(head.Channel, d.stampPayload(payload)) {
			metrics.EventsDispatched.WithLabelValues("retry", "failed").Inc()
			return
		}
		metrics.EventsDispatched.WithLabelValues("retry", "ok").Inc()
		d.retryQueue = d.retryQueue[1:]
	}
	d.retryQueue = nil
}

func (d *Dispatcher) lookupLocked(ctx context.Context, r Retry) ([]byte, bool, error) {
	if d.history == nil {
		return nil, false, nil
	}
	if d.cfg.LookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.LookupTimeout)
		defer cancel()
	}
	return d.history.ChannelEvent(ctx, r.Channel, r.EventID)
}

// sendReloadLocked tells the client to resynchronize. If it cannot be written now
// it is sent after the next open event.
func (d *Dispatcher) sendReloadLocked(reason string) {
	data, _ := json.Marshal(events.ReloadEvent{
		DispatcherID:   d.id,
		DispatcherInst: d.inst,
		Reason:         reason,
	})
	if d.dispatchLocked(events.EventTypeReload, data) {
		d.reloadPending = false
		metrics.ReloadsSent.Inc()
		d.logger.Info("Reload sent", slog.String("reason", reason))
		return
	}
	d.reloadPending = true
}
