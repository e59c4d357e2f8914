package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Request attributes set on server spans.
const (
	AttrRequestID   = attribute.Key("gateway.request_id")
	AttrTeamID      = attribute.Key("gateway.team_id")
	AttrRoutingMode = attribute.Key("gateway.routing_mode")
)

// StartUpstreamSpan starts a client span for an upstream HTTP call.
func StartUpstreamSpan(ctx context.Context, url, provider string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "upstream.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.url", url),
			attribute.String("upstream.provider", provider),
		),
	)
}

// InjectHeaders writes the current trace context into req's headers.
func InjectHeaders(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// SetRequestAttributes adds request-level attributes to the current span.
func SetRequestAttributes(ctx context.Context, requestID, teamID, endpoint, model string, stream bool) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("request.id", requestID),
		attribute.String("request.team_id", teamID),
		attribute.String("request.endpoint", endpoint),
		attribute.String("request.model", model),
		attribute.Bool("request.stream", stream),
	)
}

// SetRouteAttributes adds the ranking summary to the current span.
func SetRouteAttributes(ctx context.Context, priority, mode string, candidates, ranked int) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("route.priority", priority),
		attribute.String("route.mode", mode),
		attribute.Int("route.candidates", candidates),
		attribute.Int("route.ranked", ranked),
	)
}

// SetResponseAttributes adds the final outcome to the current span.
func SetResponseAttributes(ctx context.Context, statusCode int, tokensIn, tokensOut int64, provider string, attempts int) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("response.status_code", statusCode),
		attribute.Int64("response.tokens_in", tokensIn),
		attribute.Int64("response.tokens_out", tokensOut),
		attribute.String("response.provider", provider),
		attribute.Int("response.attempts", attempts),
	)
}

// RecordError records err on the current span.
func RecordError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
