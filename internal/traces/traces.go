// Package traces sets up OpenTelemetry tracing for settlement and
// reconciliation work.
package traces

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName  = "github.com/hillside/hillside-escrow"
	serviceName = "hillside-escrow"
)

// Config selects the exporter and sampling.
type Config struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint       string
	ServiceVersion string
	// SampleRatio applies to root spans; children follow their parent.
	// Values outside (0, 1] mean sample everything.
	SampleRatio float64
}

// Init installs the global tracer provider and the W3C trace context
// propagator. The returned function flushes and stops the exporter.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan starts a span on the service tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Finish ends span, marking it failed when err is non-nil.
func Finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func ChainKey(key string) attribute.KeyValue {
	return attribute.String("escrow.chain_key", key)
}

func ReservationID(id string) attribute.KeyValue {
	return attribute.String("escrow.reservation_id", id)
}

func TxHash(hash string) attribute.KeyValue {
	return attribute.String("escrow.tx_hash", hash)
}

func EscrowOp(op string) attribute.KeyValue {
	return attribute.String("escrow.op", op)
}

func Outcome(applied, skipped bool) attribute.KeyValue {
	switch {
	case applied:
		return attribute.String("escrow.outcome", "applied")
	case skipped:
		return attribute.String("escrow.outcome", "skipped")
	default:
		return attribute.String("escrow.outcome", "failed")
	}
}
