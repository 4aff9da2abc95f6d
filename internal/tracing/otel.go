package tracing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerConfig controls the process-wide tracer provider.
type TracerConfig struct {
	ServiceName string
	Version     string
	// SampleRatio is the fraction of new traces to record. Values outside
	// (0, 1] fall back to recording everything; sampling decisions made by
	// upstream callers are always honored.
	SampleRatio float64
}

var (
	tracerMu       sync.Mutex
	tracerProvider *sdktrace.TracerProvider
)

// InitTracing installs the global tracer provider for the agent service.
// Calling it again after a successful init is a no-op.
func InitTracing(cfg TracerConfig) error {
	tracerMu.Lock()
	defer tracerMu.Unlock()

	if tracerProvider != nil {
		return nil
	}
	if cfg.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.Version))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return fmt.Errorf("failed to build tracing resource: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	)
	tracerProvider = tp
	otel.SetTracerProvider(tp)
	return nil
}

// ShutdownTracing flushes remaining spans and tears down the provider.
func ShutdownTracing(ctx context.Context) error {
	tracerMu.Lock()
	tp := tracerProvider
	tracerProvider = nil
	tracerMu.Unlock()

	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span, stamps it with the conversation identifiers
// already present in the context and mirrors the OpenTelemetry trace id
// into the logging context when none was assigned yet.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	if key := GetConversationKey(ctx); key != "" {
		attrs = append(attrs, attribute.String("shopclerk.conversation_key", key))
	}
	if turnID := GetTurnID(ctx); turnID != "" {
		attrs = append(attrs, attribute.String("shopclerk.turn_id", turnID))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}
