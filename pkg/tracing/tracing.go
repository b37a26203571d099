package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "stagewire"

// TracerProvider wraps the OpenTelemetry SDK provider so callers can shut it
// down without importing the SDK.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

type Config struct {
	Enabled     bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	JaegerURL   string  `yaml:"jaeger_url" env:"TRACING_JAEGER_URL"`
	Environment string  `yaml:"environment" env:"TRACING_ENVIRONMENT"`
	SampleRate  float64 `yaml:"sample_rate" env:"TRACING_SAMPLE_RATE"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "stagewire",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// Init installs a global tracer provider exporting to Jaeger. With tracing
// disabled the global no-op provider stays in place.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

var (
	StageIDKey       = attribute.Key("stage.id")
	ParticipantIDKey = attribute.Key("participant.id")
	ProducerIDKey    = attribute.Key("producer.id")
	ConsumerIDKey    = attribute.Key("consumer.id")
	TransportIDKey   = attribute.Key("transport.id")
	MethodKey        = attribute.Key("signal.method")
	EventKey         = attribute.Key("signal.event")
	DurationKey      = attribute.Key("duration_ms")
)

// TraceSignalRequest starts a span around one request/response round-trip.
func TraceSignalRequest(ctx context.Context, method string) (context.Context, trace.Span) {
	return StartSpan(ctx, "signal."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(MethodKey.String(method)),
	)
}

// TraceRelay starts a span for a P2P message forwarded by the signaling server.
func TraceRelay(ctx context.Context, event, fromID, targetID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "relay."+event,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			EventKey.String(event),
			ParticipantIDKey.String(fromID),
			attribute.String("relay.target_id", targetID),
		),
	)
}

func TraceDirectoryOperation(ctx context.Context, operation, stageID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "directory."+operation,
		trace.WithAttributes(
			attribute.String("directory.operation", operation),
			StageIDKey.String(stageID),
		),
	)
}

func MeasureDuration(ctx context.Context, start time.Time) {
	AddSpanAttributes(ctx, DurationKey.Int64(time.Since(start).Milliseconds()))
}
