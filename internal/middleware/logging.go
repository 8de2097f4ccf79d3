// Package middleware provides the gateway's HTTP middleware: request logging,
// principal resolution and per-IP rate limiting.
package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/welldanyogia/sse-gateway/internal/logger"
)

// Query parameters copied onto request log lines.
var loggedParams = map[string]string{
	"clientId":     "client_id",
	"dispatcherId": "dispatcher_id",
	"batchId":      "batch_id",
}

// Query parameters whose values never reach the log.
var redactedParams = []string{"sessionId", "token"}

// RequestLogger writes one line per request. Event streams get a line when
// they open and another when they close, and pings are logged at debug level.
type RequestLogger struct {
	logger *slog.Logger
}

// NewRequestLogger creates a RequestLogger. A nil log uses slog.Default.
func NewRequestLogger(log *slog.Logger) *RequestLogger {
	if log == nil {
		log = slog.Default()
	}
	return &RequestLogger{logger: log}
}

// Handler is the middleware function.
func (m *RequestLogger) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := middleware.GetReqID(r.Context())
		r = r.WithContext(logger.SetCorrelationID(r.Context(), requestID))

		attrs := []any{
			slog.String("correlation_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr),
		}
		if q := redactQuery(r.URL.Query()); q != "" {
			attrs = append(attrs, slog.String("query", q))
		}
		for param, key := range loggedParams {
			if v := r.URL.Query().Get(param); v != "" {
				attrs = append(attrs, slog.String(key, v))
			}
		}

		stream := isStream(r)
		if stream {
			m.logger.Info("Event stream opened", append(attrs, slog.String("user_agent", r.UserAgent()))...)
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if clientID := chi.URLParam(r, "clientId"); clientID != "" {
			attrs = append(attrs, slog.String("client_id", clientID))
		}
		attrs = append(attrs,
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
		)

		switch {
		case ww.Status() >= 500:
			m.logger.Error("HTTP request failed", attrs...)
		case ww.Status() >= 400:
			m.logger.Warn("HTTP request rejected", attrs...)
		case stream:
			m.logger.Info("Event stream closed", attrs...)
		case strings.HasSuffix(r.URL.Path, "/ping"):
			m.logger.Debug("Ping handled", attrs...)
		default:
			m.logger.Info("HTTP request completed", attrs...)
		}
	})
}

// StructuredLogger returns the request logger as a chi middleware.
func StructuredLogger(log *slog.Logger) func(next http.Handler) http.Handler {
	return NewRequestLogger(log).Handler
}

func isStream(r *http.Request) bool {
	return strings.Contains(r.URL.Path, "/listen/") ||
		strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func redactQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	for _, key := range redactedParams {
		if _, ok := q[key]; ok {
			q.Set(key, "[REDACTED]")
		}
	}
	return q.Encode()
}
