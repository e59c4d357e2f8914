// Package metrics records gateway telemetry through the OpenTelemetry
// Metrics API and exposes it for Prometheus scraping. Tests should build
// their own [Metrics] with [NewMetrics] over a manual reader.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/allaspectsdev/switchyard"

// Metrics holds the gateway's instruments. All fields are safe for
// concurrent use.
type Metrics struct {
	// Requests counts routed requests. Attributes: endpoint, model, result.
	Requests metric.Int64Counter

	// RequestDuration is the end-to-end time of the failover loop.
	RequestDuration metric.Float64Histogram

	// Attempts counts provider attempts. Attributes: provider, endpoint,
	// outcome.
	Attempts metric.Int64Counter

	// AttemptDuration is the latency of attempts that reached a provider.
	AttemptDuration metric.Float64Histogram

	// Tokens counts tokens reported by providers. Attributes: provider,
	// direction.
	Tokens metric.Int64Counter

	// BreakerTransitions counts breaker state changes. Attributes: provider,
	// model, to, reason.
	BreakerTransitions metric.Int64Counter

	// ActiveRequests is the number of requests inside the failover loop.
	ActiveRequests metric.Int64UpDownCounter

	// HTTPRequestDuration is the server-side handling time per route.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds sized for LLM calls,
// where a slow completion runs for minutes.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Requests, err = m.Int64Counter("switchyard.requests",
		metric.WithDescription("Routed requests by endpoint, model, and result."),
	); err != nil {
		return nil, err
	}
	if met.RequestDuration, err = m.Float64Histogram("switchyard.request.duration",
		metric.WithDescription("End-to-end routing and failover latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Attempts, err = m.Int64Counter("switchyard.attempts",
		metric.WithDescription("Provider attempts by provider, endpoint, and outcome."),
	); err != nil {
		return nil, err
	}
	if met.AttemptDuration, err = m.Float64Histogram("switchyard.attempt.duration",
		metric.WithDescription("Latency of provider attempts that reached the upstream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Tokens, err = m.Int64Counter("switchyard.tokens",
		metric.WithDescription("Tokens reported by providers by direction."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("switchyard.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRequests, err = m.Int64UpDownCounter("switchyard.active_requests",
		metric.WithDescription("Requests currently inside the failover loop."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("switchyard.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route, and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// RecordRequest counts one finished request. result is "ok" or an error
// code.
func (m *Metrics) RecordRequest(ctx context.Context, endpoint, model, result string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("model", model),
		attribute.String("result", result),
	)
	m.Requests.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, seconds, attrs)
}

// RecordAttempt counts one attempt. seconds is recorded only for attempts
// that called the provider.
func (m *Metrics) RecordAttempt(ctx context.Context, provider, endpoint, outcome string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	)
	m.Attempts.Add(ctx, 1, attrs)
	if seconds > 0 {
		m.AttemptDuration.Record(ctx, seconds, attrs)
	}
}

// RecordTokens adds provider-reported token counts.
func (m *Metrics) RecordTokens(ctx context.Context, provider string, in, out int64) {
	if m == nil {
		return
	}
	if in > 0 {
		m.Tokens.Add(ctx, in, metric.WithAttributes(
			attribute.String("provider", provider), attribute.String("direction", "in")))
	}
	if out > 0 {
		m.Tokens.Add(ctx, out, metric.WithAttributes(
			attribute.String("provider", provider), attribute.String("direction", "out")))
	}
}

// RecordBreakerTransition counts one breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, model, to, reason string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("to", to),
		attribute.String("reason", reason),
	))
}

// TrackActive increments the active request gauge and returns the matching
// decrement.
func (m *Metrics) TrackActive(ctx context.Context) func() {
	if m == nil {
		return func() {}
	}
	m.ActiveRequests.Add(ctx, 1)
	return func() { m.ActiveRequests.Add(ctx, -1) }
}
