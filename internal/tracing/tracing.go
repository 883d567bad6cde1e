// Package tracing wires OpenTelemetry for the pipeline. A trace starts when an
// event is published, travels inside message attributes through the broker and
// channel, and continues in the worker that consumes the copy.
package tracing

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/austindbirch/harborpipe/internal/config"
)

// TracerName is the instrumentation name for this application
const TracerName = "github.com/austindbirch/harborpipe"

// Span attribute keys shared by the publish and consume sides.
const (
	AttrConsumer       = attribute.Key("harborpipe.consumer")
	AttrTenant         = attribute.Key("harborpipe.tenant_id")
	AttrEventType      = attribute.Key("harborpipe.event_type")
	AttrIdempotencyKey = attribute.Key("harborpipe.idempotency_key")
	AttrTargets        = attribute.Key("harborpipe.targets")
	AttrReceiveCount   = attribute.Key("messaging.nsq.receive_count")
	AttrMessageID      = attribute.Key("messaging.message.id")
)

// Span events recorded on the consume span.
const (
	EventDuplicate = "idempotency.duplicate"
	EventTakeover  = "idempotency.takeover"
	EventCompleted = "idempotency.completed"
	EventReleased  = "idempotency.released"
)

// Init installs the global tracer provider and propagator. With tracing
// disabled only the propagator is installed, so trace context already carried
// by messages is still forwarded.
func Init(ctx context.Context, serviceName string, cfg config.Tracing) (func(), error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		return func() {}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			attribute.String("service.instance.id", cfg.InstanceID),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(cfg.Endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(Sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	return func() {
		_ = tp.Shutdown(context.WithoutCancel(ctx))
	}, nil
}

// Sampler records ratio of new traces and follows the parent's decision for
// traces continued from a message.
func Sampler(ratio float64) trace.Sampler {
	if ratio >= 1 {
		return trace.ParentBased(trace.AlwaysSample())
	}
	return trace.ParentBased(trace.TraceIDRatioBased(ratio))
}

// endpointHost strips the scheme; otlptracehttp.WithEndpoint wants host:port.
func endpointHost(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimSuffix(endpoint, "/")
}

func Tracer() oteltrace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return Tracer().Start(ctx, spanName, oteltrace.WithAttributes(attrs...))
}

// StartPublishSpan starts a producer span for an event leaving the process.
func StartPublishSpan(ctx context.Context, spanName, eventType, tenantID string) (context.Context, oteltrace.Span) {
	return Tracer().Start(ctx, spanName,
		oteltrace.WithSpanKind(oteltrace.SpanKindProducer),
		oteltrace.WithAttributes(
			attribute.String("messaging.system", "nsq"),
			AttrEventType.String(eventType),
			AttrTenant.String(tenantID),
		),
	)
}

// StartConsumeSpan continues the trace carried in a message's attributes with
// a consumer span for one delivery.
func StartConsumeSpan(ctx context.Context, consumer, messageID string, receiveCount int, attrs map[string]string) (context.Context, oteltrace.Span) {
	ctx = ExtractAttributes(ctx, attrs)
	return Tracer().Start(ctx, consumer+" process",
		oteltrace.WithSpanKind(oteltrace.SpanKindConsumer),
		oteltrace.WithAttributes(
			attribute.String("messaging.system", "nsq"),
			attribute.String("messaging.destination.name", consumer),
			AttrConsumer.String(consumer),
			AttrMessageID.String(messageID),
			AttrReceiveCount.Int(receiveCount),
		),
	)
}

// AddSpanEvent adds an event to the current span
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	oteltrace.SpanFromContext(ctx).AddEvent(name, oteltrace.WithAttributes(attrs...))
}

// SetSpanError records an error on the current span
func SetSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetTraceID returns the trace id of the span in ctx, or "".
func GetTraceID(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// InjectAttributes writes the trace context of ctx into message attributes.
// Existing attributes are kept; a nil map is allocated.
func InjectAttributes(ctx context.Context, attrs map[string]string) map[string]string {
	if attrs == nil {
		attrs = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attrs))
	return attrs
}

// ExtractAttributes restores a trace context carried in message attributes
func ExtractAttributes(ctx context.Context, attrs map[string]string) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(attrs))
}
