// Package traces wires OpenTelemetry spans around ledger writes, gateway
// reconciliation, dispute resolution and statement generation.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/creditledger"

// Options configures the exporter. An empty Endpoint disables export.
type Options struct {
	Endpoint    string
	Version     string
	Environment string
	// SampleRatio is the fraction of root spans kept; <= 0 or >= 1 keeps all.
	SampleRatio float64
}

// Init installs the global tracer provider and returns its shutdown func.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("creditledger"),
		semconv.ServiceVersion(version),
		semconv.DeploymentEnvironment(opts.Environment),
	))
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.AlwaysSample()
	if opts.SampleRatio > 0 && opts.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "sample_ratio", opts.SampleRatio)
	return tp.Shutdown, nil
}

// StartSpan starts a span on the service tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Finish records err on span, if any, and ends it.
func Finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func AccountID(id string) attribute.KeyValue {
	return attribute.String("account.id", id)
}

// Amount is a signed amount in minor units.
func Amount(minor int64) attribute.KeyValue {
	return attribute.Int64("amount.minor", minor)
}

func Reference(ref string) attribute.KeyValue {
	return attribute.String("ledger.reference", ref)
}

func DisputeID(id string) attribute.KeyValue {
	return attribute.String("dispute.id", id)
}

func GatewayEventID(id string) attribute.KeyValue {
	return attribute.String("gateway.event_id", id)
}

func Replayed(v bool) attribute.KeyValue {
	return attribute.Bool("idempotency.replayed", v)
}
