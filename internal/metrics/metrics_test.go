package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumFor(t *testing.T, m metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: data is %T, want Sum[int64]", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestMetrics_RecordRequestAndAttempt(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRequest(ctx, "chat.completions", "gpt-test", "ok", 0.5)
	m.RecordRequest(ctx, "chat.completions", "gpt-test", "all_candidates_failed", 1.5)
	m.RecordAttempt(ctx, "openai", "chat.completions", "error", 0.2)
	m.RecordAttempt(ctx, "openai", "chat.completions", "blocked", 0)
	m.RecordTokens(ctx, "openai", 10, 20)
	m.RecordBreakerTransition(ctx, "openai", "gpt-test", "open", "open_breaker")

	got := collect(t, reader)

	if n := sumFor(t, got["switchyard.requests"], "result", "ok"); n != 1 {
		t.Errorf("ok requests: got %d, want 1", n)
	}
	if n := sumFor(t, got["switchyard.attempts"], "outcome", "blocked"); n != 1 {
		t.Errorf("blocked attempts: got %d, want 1", n)
	}
	if n := sumFor(t, got["switchyard.tokens"], "direction", "out"); n != 20 {
		t.Errorf("tokens out: got %d, want 20", n)
	}
	if n := sumFor(t, got["switchyard.breaker.transitions"], "to", "open"); n != 1 {
		t.Errorf("breaker transitions: got %d, want 1", n)
	}

	hist, ok := got["switchyard.attempt.duration"].Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("attempt.duration: data is %T", got["switchyard.attempt.duration"].Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 1 {
		t.Errorf("attempt.duration count: got %d, want 1 (skipped attempts are not timed)", count)
	}
}

func TestMetrics_TrackActive(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	done := m.TrackActive(ctx)
	m.TrackActive(ctx)
	done()

	got := collect(t, reader)
	sum, ok := got["switchyard.active_requests"].Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("active_requests: data is %T", got["switchyard.active_requests"].Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 1 {
		t.Errorf("active requests: got %d, want 1", total)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordRequest(ctx, "e", "m", "ok", 1)
	m.RecordAttempt(ctx, "p", "e", "ok", 1)
	m.RecordTokens(ctx, "p", 1, 1)
	m.RecordBreakerTransition(ctx, "p", "m", "open", "r")
	m.TrackActive(ctx)()
}

func TestMiddleware_LabelsRoutePattern(t *testing.T) {
	m, reader := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(Middleware(m))
	r.Get("/api/requests/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/requests/abc", nil))

	got := collect(t, reader)
	hist, ok := got["switchyard.http.request.duration"].Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("http.request.duration: got %+v", got["switchyard.http.request.duration"].Data)
	}
	attrs := hist.DataPoints[0].Attributes
	if v, _ := attrs.Value("route"); v.AsString() != "/api/requests/{id}" {
		t.Errorf("route: got %q, want pattern", v.AsString())
	}
	if v, _ := attrs.Value("status"); v.AsString() != "418" {
		t.Errorf("status: got %q, want 418", v.AsString())
	}
}

func TestInitProvider(t *testing.T) {
	p, err := InitProvider(context.Background(), "switchyard-test", "v0.0.0")
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	p.Metrics.RecordRequest(context.Background(), "chat.completions", "gpt-test", "ok", 0.1)

	w := httptest.NewRecorder()
	p.Handler.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("scrape status: got %d", w.Code)
	}
	if body := w.Body.String(); !containsAll(body, "switchyard_requests", "go_goroutines") {
		t.Errorf("scrape output missing expected series:\n%s", body)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
