// Package tracing wires OpenTelemetry tracing for the gateway: a global
// tracer provider, spans for routing and provider attempts, and HTTP
// middleware that continues incoming W3C trace context.
package tracing

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/allaspectsdev/switchyard/internal/config"
)

const tracerName = "github.com/allaspectsdev/switchyard"

// DefaultServiceName is reported when the config leaves service_name empty.
const DefaultServiceName = "switchyard"

// Span names.
const (
	spanRoute   = "gateway.route"
	spanAttempt = "gateway.attempt"
)

// Tracer returns the tracer used for gateway spans.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

type exporterFactory func(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error)

var exporters = map[string]exporterFactory{
	"stdout": func(context.Context, config.TracingConfig) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	},
	"otlp-grpc": func(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	},
	"otlp-http": func(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
		var opts []otlptracehttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	},
}

// Init registers a global TracerProvider built from cfg and returns its
// shutdown function. When tracing is disabled the global no-op provider is
// left in place and shutdown does nothing.
func Init(ctx context.Context, cfg config.TracingConfig, version string) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	newExp, ok := exporters[cfg.Exporter]
	if !ok {
		return nil, fmt.Errorf("tracing: unknown exporter %q (supported: %s)",
			cfg.Exporter, strings.Join(slices.Sorted(maps.Keys(exporters)), ", "))
	}
	exp, err := newExp(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: creating %s exporter: %w", cfg.Exporter, err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: creating resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// sampler honours an incoming sampling decision and otherwise samples at rate.
func sampler(rate float64) sdktrace.Sampler {
	root := sdktrace.TraceIDRatioBased(rate)
	switch {
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	case rate <= 0:
		root = sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(root)
}

// StartRouteSpan starts the span covering ranking and the failover loop for
// one request.
func StartRouteSpan(ctx context.Context, endpoint, model string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, spanRoute, trace.WithAttributes(
		attribute.String("gateway.endpoint", endpoint),
		attribute.String("gateway.model", model),
	))
}

// StartAttemptSpan starts a child span for one provider attempt. n is
// 1-based.
func StartAttemptSpan(ctx context.Context, provider string, n int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, spanAttempt, trace.WithAttributes(
		attribute.String("attempt.provider", provider),
		attribute.Int("attempt.number", n),
	))
}

// EndAttempt records how the attempt went and ends span.
func EndAttempt(span trace.Span, outcome, admission string, status int, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("attempt.outcome", outcome),
		attribute.String("attempt.admission", admission),
	}
	if status > 0 {
		attrs = append(attrs, attribute.Int("attempt.status_code", status))
	}
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
