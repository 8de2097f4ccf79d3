// Package tracing wires OpenTelemetry spans around gateway operations.
package tracing

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const tracerName = "sse-gateway"

var enabled atomic.Bool

// Setup configures a global tracer provider when enable is true.
// It returns a shutdown function which should be deferred.
func Setup(enable bool) (func(context.Context) error, error) {
	enabled.Store(enable)
	if !enable {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		enabled.Store(false)
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Enabled reports whether spans are being recorded.
func Enabled() bool { return enabled.Load() }

// StartSpan starts a span if tracing is enabled. Attributes are key/value string pairs.
func StartSpan(ctx context.Context, name string, kv ...string) (context.Context, func()) {
	if !enabled.Load() {
		return ctx, func() {}
	}
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	span.SetAttributes(attrs...)
	return ctx, func() { span.End() }
}
