package tracing

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	// Tracer is the global tracer instance
	Tracer trace.Tracer

	// tracerProvider holds the tracer provider for shutdown
	tracerProvider *tracesdk.TracerProvider
)

// Init initializes OpenTelemetry tracing with OTLP exporter
// endpoint: OTel Collector gRPC endpoint (e.g., "otel-collector:4317")
// sampleRatio: fraction of new root traces recorded; <= 0 or >= 1 samples everything
func Init(serviceName, serviceVersion, endpoint string, sampleRatio float64) error {
	if endpoint == "" {
		// Tracing disabled if no endpoint provided
		return nil
	}

	ctx := context.Background()

	// Spans go to an OTel Collector over gRPC
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // Use TLS in production
	)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := newResource(serviceName, serviceVersion)
	if err != nil {
		return fmt.Errorf("failed to build trace resource: %w", err)
	}

	install(serviceName, tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(sampler(sampleRatio)),
	))
	return nil
}

// newResource describes this process; pod identity comes from the K8s downward API when present
func newResource(serviceName, serviceVersion string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	}
	if v := os.Getenv("POD_NAME"); v != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(v))
	}
	if v := os.Getenv("POD_NAMESPACE"); v != "" {
		attrs = append(attrs, semconv.ServiceNamespace(v))
	}
	if v := os.Getenv("NODE_NAME"); v != "" {
		attrs = append(attrs, semconv.K8SNodeName(v))
	}
	own := resource.NewWithAttributes(semconv.SchemaURL, attrs...)
	res, err := resource.Merge(resource.Default(), own)
	if errors.Is(err, resource.ErrSchemaURLConflict) {
		// SDK defaults use another semconv version; keep our own attributes
		return own, nil
	}
	return res, err
}

func sampler(ratio float64) tracesdk.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return tracesdk.AlwaysSample()
	}
	return tracesdk.ParentBased(tracesdk.TraceIDRatioBased(ratio))
}

// install makes tp the global provider and sets the tracer used by StartSpan
func install(serviceName string, tp *tracesdk.TracerProvider) {
	tracerProvider = tp
	otel.SetTracerProvider(tracerProvider)

	// Set W3C Trace Context propagator (standard for distributed tracing)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, // W3C Trace Context
		propagation.Baggage{},      // W3C Baggage
	))

	Tracer = otel.Tracer(serviceName)
}

// StartSpan starts a new span
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if Tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return Tracer.Start(ctx, name)
}

// SessionAttributes describes a client session on a span
func SessionAttributes(sessionID uint32, zone, node string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.Int64("gateway.session_id", int64(sessionID))}
	if zone != "" {
		attrs = append(attrs, attribute.String("gateway.zone", zone))
	}
	if node != "" {
		attrs = append(attrs, attribute.String("gateway.node", node))
	}
	return attrs
}

// Shutdown gracefully shuts down the tracer provider
func Shutdown(ctx context.Context) error {
	if tracerProvider != nil {
		return tracerProvider.Shutdown(ctx)
	}
	return nil
}
