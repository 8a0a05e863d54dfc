package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer names used across the module.
const (
	TracerAgent   = "datalens.agent"
	TracerTools   = "datalens.tools"
	TracerQueue   = "datalens.queue"
	TracerGateway = "datalens.gateway"
)

// global holds the process tracer provider. Spans are sampled in-process
// and no exporter is attached; they carry trace ids into logs and audit
// lines.
var global struct {
	once sync.Once
	mu   sync.RWMutex
	tp   *sdktrace.TracerProvider
	err  error
}

func newProvider(serviceName, version string) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	), nil
}

// InitOpenTelemetry installs the global tracer provider. Only the first call
// has an effect; later calls return its error.
func InitOpenTelemetry(serviceName, version string) error {
	global.once.Do(func() {
		tp, err := newProvider(serviceName, version)
		if err != nil {
			global.err = err
			return
		}
		global.mu.Lock()
		global.tp = tp
		global.mu.Unlock()
		otel.SetTracerProvider(tp)
	})
	return global.err
}

// ShutdownOpenTelemetry ends the provider installed by InitOpenTelemetry.
func ShutdownOpenTelemetry(ctx context.Context) error {
	global.mu.RLock()
	defer global.mu.RUnlock()
	if global.tp == nil {
		return nil
	}
	return global.tp.Shutdown(ctx)
}

// StartSpan opens a span on the named tracer. A context without a trace id
// adopts the span's, so loggers built from it carry the same id.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if sc := span.SpanContext(); sc.IsValid() && GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, sc.TraceID().String())
	}
	return ctx, span
}
