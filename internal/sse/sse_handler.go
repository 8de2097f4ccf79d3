package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	appctx "github.com/welldanyogia/sse-gateway/internal/context"
	"github.com/welldanyogia/sse-gateway/internal/events"
	"github.com/welldanyogia/sse-gateway/internal/logger"
	"github.com/welldanyogia/sse-gateway/internal/metrics"
)

const (
	maxConfigureBody = 1 << 20
	maxPublishBody   = 1 << 20
	defaultEventName = "message"
)

// Response is the envelope every JSON endpoint answers with.
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorBody  `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectResponse is returned by the connect endpoint.
type ConnectResponse struct {
	SessionID      string `json:"sessionId"`
	DispatcherID   string `json:"dispatcherId"`
	DispatcherInst string `json:"dispatcherInst"`
}

// ConfigureResponse is returned when a configuration batch is queued.
type ConfigureResponse struct {
	BatchID      string `json:"batchId,omitempty"`
	DispatcherID string `json:"dispatcherId"`
	Queued       bool   `json:"queued"`
}

// PublishResponse is returned when an event is published.
type PublishResponse struct {
	Channel   string `json:"channel"`
	Event     string `json:"event"`
	EventUUID string `json:"eventUuid"`
}

// HandlerOptions configures optional handler behavior.
type HandlerOptions struct {
	// PublishEnabled exposes the publish endpoint.
	PublishEnabled bool
	Logger         *slog.Logger
}

// Handler serves the gateway's HTTP endpoints.
type Handler struct {
	cfg      Config
	sessions *SessionManager
	queue    *ConfigQueue
	bus      events.Bus
	publish  bool
	logger   *slog.Logger
}

// NewHandler creates a new gateway handler.
func NewHandler(cfg Config, sessions *SessionManager, queue *ConfigQueue, bus events.Bus, opts HandlerOptions) *Handler {
	return &Handler{
		cfg:      cfg,
		sessions: sessions,
		queue:    queue,
		bus:      bus,
		publish:  opts.PublishEnabled,
		logger:   logger.Component(opts.Logger, "sse_handler"),
	}
}

func (h *Handler) log(r *http.Request) *slog.Logger {
	return logger.WithCorrelationID(r.Context(), h.logger)
}

// PublishEnabled reports whether the publish endpoint is exposed.
func (h *Handler) PublishEnabled() bool { return h.publish }

// HandleConnect creates or reuses the dispatcher named by clientId in the caller's session.
func (h *Handler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "'clientId' not specified.")
		return
	}

	session, created := h.sessions.GetOrCreate(r)
	if created {
		SetSessionCookie(w, session)
	}
	d := session.Connect(clientID, appctx.PrincipalOrAnonymous(r.Context()))

	h.writeJSON(w, http.StatusOK, ConnectResponse{
		SessionID:      session.ID(),
		DispatcherID:   d.ID(),
		DispatcherInst: d.Inst(),
	})
}

// HandleConfigure validates a subscription batch and queues it.
func (h *Handler) HandleConfigure(w http.ResponseWriter, r *http.Request) {
	session, ok := h.sessions.FromRequest(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "SESSION_NOT_FOUND", ErrSessionNotFound.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigureBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Unable to read request body")
		return
	}
	cfg, err := ParseSubscriptionConfig(body, r.URL.Query().Get("batchId"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if cfg.DispatcherID == "" {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", ReasonMissingDispatcherID)
		return
	}
	if !cfg.HasConfigs() {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", ReasonNoConfigurations)
		return
	}

	cfg.Session = session
	if !h.queue.Add(cfg) {
		h.log(r).Warn("Configuration rejected",
			slog.String("dispatcher_id", cfg.DispatcherID),
			slog.String("error", ErrQueueFull.Error()),
		)
		h.writeError(w, http.StatusBadRequest, "QUEUE_REJECTED", ReasonQueueRejected)
		return
	}

	h.writeJSON(w, http.StatusOK, ConfigureResponse{
		BatchID:      cfg.BatchID,
		DispatcherID: cfg.DispatcherID,
		Queued:       true,
	})
}

// HandleListen streams events for one dispatcher until the client goes away or the
// sink closes.
func (h *Handler) HandleListen(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientId")

	session, ok := h.sessions.FromRequest(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "SESSION_NOT_FOUND", ErrSessionNotFound.Error())
		return
	}
	d := session.Dispatcher(clientID)
	if d == nil {
		h.writeError(w, http.StatusNotFound, "DISPATCHER_NOT_FOUND", ErrDispatcherNotFound.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	sink := NewSink(w, h.cfg.ListenTimeout)
	metrics.SSEConnectionsActive.Inc()
	defer metrics.SSEConnectionsActive.Dec()

	if d.Open(sink) {
		select {
		case <-r.Context().Done():
		case <-sink.Done():
		}
	}

	d.Detach(sink)
	sink.Close()
	session.Touch()
}

// HandlePing writes a pingback to the named dispatcher.
func (h *Handler) HandlePing(w http.ResponseWriter, r *http.Request) {
	dispatcherID := r.URL.Query().Get("dispatcherId")

	var d *Dispatcher
	if session, ok := h.sessions.FromRequest(r); ok {
		d = session.Dispatcher(dispatcherID)
	}
	if d == nil {
		h.log(r).Debug("Ping for unknown dispatcher ignored", slog.String("dispatcher_id", dispatcherID))
		h.writeJSON(w, http.StatusOK, nil)
		return
	}

	if !d.Ping() {
		h.writeError(w, http.StatusInternalServerError, "PINGBACK_FAILED",
			fmt.Sprintf("Failed to send pingback to dispatcher %s.", dispatcherID))
		return
	}
	h.writeJSON(w, http.StatusOK, nil)
}

// HandlePublish publishes a message built from the JSON property object in the body.
// Reserved keys in the body are ignored.
func (h *Handler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if channel == "" {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", events.ErrMissingChannel.Error())
		return
	}
	event := r.URL.Query().Get("event")
	if event == "" {
		event = defaultEventName
	}

	props := make(map[string]string)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Unable to read request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &props); err != nil {
			h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Body must be a JSON object of string values")
			return
		}
	}

	msg := events.NewMessage(channel, event)
	for k, v := range props {
		switch k {
		case events.ChannelKey, events.EventKey, events.EventUUIDKey:
			continue
		}
		msg = msg.With(k, v)
	}

	if err := h.bus.Publish(r.Context(), msg); err != nil {
		h.log(r).Error("Publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		h.writeError(w, http.StatusBadGateway, "PUBLISH_FAILED", "Unable to publish event")
		return
	}

	h.writeJSON(w, http.StatusAccepted, PublishResponse{
		Channel:   channel,
		Event:     event,
		EventUUID: msg.EventUUID(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{
		Success: false,
		Error: &ErrorBody{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	})
}
