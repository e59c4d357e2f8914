package health

import (
	"context"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/switchyard/internal/kv"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	mem, err := kv.NewMemory(1000, zerolog.Nop(), kv.WithMemoryClock(clock.Now))
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewStore(mem, zerolog.Nop(), opts...), clock
}

const (
	testEndpoint = "chat.completions"
	testModel    = "gpt-test"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestReadDefaults(t *testing.T) {
	s, _ := newTestStore(t)
	h, err := s.Read(context.Background(), testEndpoint, "openai", testModel)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if h.LatencyEwma60s != DefaultLatencyMs {
		t.Errorf("LatencyEwma60s = %v, want %v", h.LatencyEwma60s, DefaultLatencyMs)
	}
	if h.Breaker != BreakerClosed {
		t.Errorf("Breaker = %q, want closed", h.Breaker)
	}
	if h.ErrorOpenThreshold != 0.5 {
		t.Errorf("ErrorOpenThreshold = %v, want 0.5", h.ErrorOpenThreshold)
	}
	if h.BaseOpenSecs != 30 || h.MaxOpenSecs != 600 {
		t.Errorf("open secs = %v/%v, want 30/600", h.BaseOpenSecs, h.MaxOpenSecs)
	}
}

func TestOnCallEndFirstSampleHasNoWeight(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.OnCallEnd(ctx, testEndpoint, "openai", testModel, Observation{OK: true, LatencyMs: 100}); err != nil {
		t.Fatalf("OnCallEnd: %v", err)
	}
	h, _ := s.Read(ctx, testEndpoint, "openai", testModel)
	if h.LatencyEwma60s != DefaultLatencyMs {
		t.Errorf("LatencyEwma60s = %v, want %v", h.LatencyEwma60s, DefaultLatencyMs)
	}
	if h.RecentTotal60s != 1 || h.RecentOk60s != 1 {
		t.Errorf("recent = %v/%v, want 1/1", h.RecentOk60s, h.RecentTotal60s)
	}
	if h.LastUpdatedMs == 0 {
		t.Error("LastUpdatedMs not set")
	}
}

func TestOnCallEndDecaysTowardSample(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	obs := Observation{OK: true, LatencyMs: 100}

	_ = s.OnCallEnd(ctx, testEndpoint, "openai", testModel, obs)
	clock.Advance(10 * time.Second)
	if err := s.OnCallEnd(ctx, testEndpoint, "openai", testModel, obs); err != nil {
		t.Fatalf("OnCallEnd: %v", err)
	}
	h, _ := s.Read(ctx, testEndpoint, "openai", testModel)

	d10 := math.Exp(-1)
	if want := 800*d10 + (1-d10)*100; !approx(h.LatencyEwma10s, want) {
		t.Errorf("LatencyEwma10s = %v, want %v", h.LatencyEwma10s, want)
	}
	// The slower windows move less for the same gap.
	if !(h.LatencyEwma10s < h.LatencyEwma60s && h.LatencyEwma60s < h.LatencyEwma300s) {
		t.Errorf("expected 10s < 60s < 300s, got %v %v %v", h.LatencyEwma10s, h.LatencyEwma60s, h.LatencyEwma300s)
	}
	if h.LatencyEwma300s >= DefaultLatencyMs {
		t.Errorf("LatencyEwma300s = %v, want below default", h.LatencyEwma300s)
	}
}

func TestOnCallEndErrorAndRate(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = s.OnCallEnd(ctx, testEndpoint, "openai", testModel, Observation{OK: false, LatencyMs: 50})
		clock.Advance(time.Second)
	}
	h, _ := s.Read(ctx, testEndpoint, "openai", testModel)
	if h.ErrorEwma10s <= 0 || h.ErrorEwma10s >= 1 {
		t.Errorf("ErrorEwma10s = %v, want in (0,1)", h.ErrorEwma10s)
	}
	if h.RequestRate60s <= 0 {
		t.Errorf("RequestRate60s = %v, want > 0", h.RequestRate60s)
	}
	if h.RequestRate10s <= h.RequestRate60s {
		t.Errorf("rate_10s = %v should exceed rate_60s = %v for a burst", h.RequestRate10s, h.RequestRate60s)
	}
	if h.RecentOk60s != 0 {
		t.Errorf("RecentOk60s = %v, want 0", h.RecentOk60s)
	}
}

func TestOnCallEndThroughput(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	_ = s.OnCallEnd(ctx, testEndpoint, "openai", testModel, Observation{OK: true, LatencyMs: 100})
	clock.Advance(60 * time.Second)
	_ = s.OnCallEnd(ctx, testEndpoint, "openai", testModel, Observation{
		OK: true, LatencyMs: 1000, GenerationMs: 500, TokensIn: 50, TokensOut: 50,
	})
	h, _ := s.Read(ctx, testEndpoint, "openai", testModel)
	d60 := math.Exp(-1)
	if want := (1 - d60) * 200; !approx(h.ThroughputEwma60s, want) {
		t.Errorf("ThroughputEwma60s = %v, want %v", h.ThroughputEwma60s, want)
	}

	// No generation time leaves throughput untouched.
	clock.Advance(time.Second)
	_ = s.OnCallEnd(ctx, testEndpoint, "openai", testModel, Observation{OK: true, LatencyMs: 10, TokensOut: 10})
	h2, _ := s.Read(ctx, testEndpoint, "openai", testModel)
	if h2.ThroughputEwma60s != h.ThroughputEwma60s {
		t.Errorf("ThroughputEwma60s changed to %v without generation time", h2.ThroughputEwma60s)
	}
}

func TestInflightAndLoad(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.OnCallStart(ctx, testEndpoint, "openai", testModel); err != nil {
			t.Fatalf("OnCallStart: %v", err)
		}
	}
	h, _ := s.Read(ctx, testEndpoint, "openai", testModel)
	if h.Inflight != 5 {
		t.Errorf("Inflight = %d, want 5", h.Inflight)
	}
	if !approx(h.CurrentLoad, 0.1) {
		t.Errorf("CurrentLoad = %v, want 0.1", h.CurrentLoad)
	}

	for i := 0; i < 7; i++ {
		_ = s.OnCallEnd(ctx, testEndpoint, "openai", testModel, Observation{OK: true})
	}
	h, _ = s.Read(ctx, testEndpoint, "openai", testModel)
	if h.Inflight != 0 || h.CurrentLoad != 0 {
		t.Errorf("after release: inflight=%d load=%v, want 0/0", h.Inflight, h.CurrentLoad)
	}
}

func TestLoadSaturates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoadSoftCap = 2
	s, _ := newTestStore(t, WithConfig(cfg))
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = s.OnCallStart(ctx, testEndpoint, "openai", testModel)
	}
	h, _ := s.Read(ctx, testEndpoint, "openai", testModel)
	if h.CurrentLoad != 1 {
		t.Errorf("CurrentLoad = %v, want 1", h.CurrentLoad)
	}
}

func TestConcurrentCallsKeepInflightConsistent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.OnCallStart(ctx, testEndpoint, "openai", testModel)
			_ = s.OnCallEnd(ctx, testEndpoint, "openai", testModel, Observation{OK: true, LatencyMs: 10})
		}()
	}
	wg.Wait()

	h, _ := s.Read(ctx, testEndpoint, "openai", testModel)
	if h.Inflight != 0 {
		t.Errorf("Inflight = %d, want 0", h.Inflight)
	}
	if h.RecentTotal60s != 50 {
		t.Errorf("RecentTotal60s = %v, want 50", h.RecentTotal60s)
	}
}

func TestReadManyIsolatesProviders(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_ = s.OnCallStart(ctx, testEndpoint, "a", testModel)

	got, err := s.ReadMany(ctx, testEndpoint, testModel, []string{"a", "b"})
	if err != nil {
		t.Fatalf("ReadMany: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got["a"].Inflight != 1 || got["b"].Inflight != 0 {
		t.Errorf("inflight a=%d b=%d, want 1/0", got["a"].Inflight, got["b"].Inflight)
	}
	if got["b"].Provider != "b" {
		t.Errorf("Provider = %q, want b", got["b"].Provider)
	}
}

func TestOverridesResolution(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Overrides = map[string]Overrides{"flaky": {ErrorRateOpenThreshold: 0.2, BaseOpenSecs: 10}}
	s, _ := newTestStore(t, WithConfig(cfg))
	ctx := context.Background()

	h, _ := s.Read(ctx, testEndpoint, "flaky", testModel)
	if h.ErrorOpenThreshold != 0.2 || h.BaseOpenSecs != 10 || h.MaxOpenSecs != 600 {
		t.Errorf("configured override: th=%v base=%v max=%v", h.ErrorOpenThreshold, h.BaseOpenSecs, h.MaxOpenSecs)
	}

	if err := s.SetOverrides(ctx, testEndpoint, "flaky", testModel, Overrides{ErrorRateOpenThreshold: 0.9}); err != nil {
		t.Fatalf("SetOverrides: %v", err)
	}
	h, _ = s.Read(ctx, testEndpoint, "flaky", testModel)
	if h.ErrorOpenThreshold != 0.9 {
		t.Errorf("stored override: th=%v, want 0.9", h.ErrorOpenThreshold)
	}
	if h.BaseOpenSecs != 10 {
		t.Errorf("BaseOpenSecs = %v, want configured 10", h.BaseOpenSecs)
	}

	_ = s.SetOverrides(ctx, testEndpoint, "flaky", testModel, Overrides{})
	h, _ = s.Read(ctx, testEndpoint, "flaky", testModel)
	if h.ErrorOpenThreshold != 0.2 {
		t.Errorf("cleared override: th=%v, want 0.2", h.ErrorOpenThreshold)
	}
}

func TestSampleFractionStable(t *testing.T) {
	a := SampleFraction("team", "req-1")
	if a != SampleFraction("team", "req-1") {
		t.Fatal("SampleFraction not deterministic")
	}
	if a < 0 || a > 1 {
		t.Fatalf("SampleFraction = %v, want in [0,1]", a)
	}
	if SampleFraction("team", "req-1") == SampleFraction("team", "req-2") {
		t.Error("different requests hashed identically")
	}
	if IsProbe("team", "req-1", 0) {
		t.Error("ratio 0 admitted a probe")
	}
	if !IsProbe("team", "req-1", 1.01) {
		t.Error("ratio above 1 rejected a probe")
	}
}

func TestSampleFractionDistribution(t *testing.T) {
	const n = 10000
	hits := 0
	for i := 0; i < n; i++ {
		if IsProbe("team", "req-"+strconv.Itoa(i), 0.1) {
			hits++
		}
	}
	if hits < 800 || hits > 1200 {
		t.Errorf("probe hits = %d of %d, want about 1000", hits, n)
	}
}

func TestDecayFactor(t *testing.T) {
	tests := []struct {
		name string
		dt   int64
		want float64
	}{
		{"zero gap", 0, 1},
		{"one tau", 10_000, math.Exp(-1)},
		{"future timestamp", -5_000, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decayFactor(1_000_000, 1_000_000-tt.dt, Tau10s)
			if !approx(got, tt.want) {
				t.Errorf("decayFactor = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestThroughput(t *testing.T) {
	if _, ok := throughput(0, 100); ok {
		t.Error("zero tokens produced a sample")
	}
	if _, ok := throughput(10, 0); ok {
		t.Error("zero generation time produced a sample")
	}
	got, ok := throughput(100, 0.5)
	if !ok || !approx(got, 100_000) {
		t.Errorf("throughput = %v, %v; want 100000 (1ms floor)", got, ok)
	}
}
