package tracing

import (
	"context"
	"slices"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/allaspectsdev/switchyard/internal/config"
)

func resetGlobals(t *testing.T) {
	t.Cleanup(func() {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator())
	})
}

func TestInit_DisabledIsNoop(t *testing.T) {
	resetGlobals(t)
	before := otel.GetTracerProvider()

	shutdown, err := Init(context.Background(), config.TracingConfig{Enabled: false, Exporter: "bogus"}, "1.0.0")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Error("disabled Init replaced the global provider")
	}
}

func TestInit_StdoutSetsPropagator(t *testing.T) {
	resetGlobals(t)

	shutdown, err := Init(context.Background(), config.TracingConfig{Enabled: true, Exporter: "stdout", SampleRate: 1}, "1.0.0")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer shutdown(context.Background())

	if fields := otel.GetTextMapPropagator().Fields(); !slices.Contains(fields, "traceparent") {
		t.Errorf("propagator fields = %v, want traceparent", fields)
	}
	_, span := Tracer().Start(context.Background(), "init-check")
	defer span.End()
	if !span.SpanContext().TraceID().IsValid() {
		t.Error("expected a valid trace id")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	resetGlobals(t)
	if _, err := Init(context.Background(), config.TracingConfig{Enabled: true, Exporter: "zipkin"}, "1.0.0"); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestExporters_OTLP(t *testing.T) {
	for _, name := range []string{"otlp-grpc", "otlp-http"} {
		exp, err := exporters[name](context.Background(), config.TracingConfig{Exporter: name, Endpoint: "localhost:4317", Insecure: true})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if exp == nil {
			t.Fatalf("%s returned nil", name)
		}
	}
}

func TestInit_UnknownExporterListsSupported(t *testing.T) {
	resetGlobals(t)
	_, err := Init(context.Background(), config.TracingConfig{Enabled: true, Exporter: "zipkin"}, "1.0.0")
	if err == nil || !strings.Contains(err.Error(), "otlp-grpc, otlp-http, stdout") {
		t.Fatalf("err = %v, want the sorted exporter list", err)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{rate: 1, want: "AlwaysOnSampler"},
		{rate: 0, want: "AlwaysOffSampler"},
		{rate: 0.25, want: "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		if got := sampler(tt.rate).Description(); !strings.Contains(got, "root:"+tt.want) {
			t.Errorf("sampler(%v) = %q, want root %s", tt.rate, got, tt.want)
		}
	}
}
