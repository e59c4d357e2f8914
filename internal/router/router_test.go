package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/switchyard/internal/health"
	"github.com/allaspectsdev/switchyard/internal/kv"
	"github.com/allaspectsdev/switchyard/internal/pricing"
	"github.com/allaspectsdev/switchyard/internal/provider"
)

type fakeHealth struct {
	m   map[string]health.ProviderHealth
	err error
}

func (f *fakeHealth) ReadMany(_ context.Context, _, _ string, providers []string) (map[string]health.ProviderHealth, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]health.ProviderHealth, len(providers))
	for _, p := range providers {
		h, ok := f.m[p]
		if !ok {
			h = healthy(p)
		}
		out[p] = h
	}
	return out, nil
}

func healthy(id string) health.ProviderHealth {
	return health.ProviderHealth{
		Provider:        id,
		LatencyEwma10s:  health.DefaultLatencyMs,
		LatencyEwma60s:  health.DefaultLatencyMs,
		LatencyEwma300s: health.DefaultLatencyMs,
		Breaker:         health.BreakerClosed,
	}
}

var testNow = time.Unix(1_700_000_000, 0)

func newTestRouter(h HealthReader, opts ...Option) *Router {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(h, zerolog.Nop(), opts...)
}

func cands(ids ...string) []provider.Candidate {
	out := make([]provider.Candidate, len(ids))
	for i, id := range ids {
		out[i] = provider.Candidate{ProviderID: id, Status: provider.StatusActive, Weight: 1}
	}
	return out
}

func ids(ranked []Ranked) []string {
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.Candidate.ProviderID
	}
	return out
}

func baseRequest(requestID string) Request {
	return Request{Endpoint: provider.EndpointChatCompletions, Model: "gpt-4o", TeamID: "team-1", RequestID: requestID}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		model      string
		wantBase   string
		wantPrio   Priority
		wantStrict bool
	}{
		{"gpt-4o", "gpt-4o", PriorityDefault, false},
		{"gpt-4o:fast", "gpt-4o", PriorityFast, true},
		{"gpt-4o:QUICK", "gpt-4o", PriorityQuick, true},
		{"llama-3:nitro", "llama-3", PriorityNitro, true},
		{"gpt-4o:free", "gpt-4o:free", PriorityDefault, false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			base, p, strict := ParsePriority(tt.model)
			if base != tt.wantBase || p != tt.wantPrio || strict != tt.wantStrict {
				t.Errorf("ParsePriority(%q) = %q, %q, %v; want %q, %q, %v", tt.model, base, p, strict, tt.wantBase, tt.wantPrio, tt.wantStrict)
			}
		})
	}
}

func TestPresetFor(t *testing.T) {
	def := PresetFor(PriorityDefault, ModeBalanced)
	if def.WSucc != 0.35 || def.Noise != 0.02 || def.L0 != 800 {
		t.Errorf("default preset = %+v", def)
	}
	price := PresetFor(PriorityFast, ModePrice)
	if price.WPrice != 0.40 || price.WP50 != 0.15 {
		t.Errorf("price weights = %+v", price)
	}
	if price.Noise != 0.005 || price.L0 != 600 {
		t.Errorf("price mode lost tier noise/L0: %+v", price)
	}
	if got := ParseMode("THROUGHPUT"); got != ModeThroughput {
		t.Errorf("ParseMode = %q, want throughput", got)
	}
	if got := ParseMode("cheapest"); got != ModeBalanced {
		t.Errorf("ParseMode(unknown) = %q, want balanced", got)
	}
}

func TestSeededRandReproducible(t *testing.T) {
	a, b := newSeededRand("req:team:model"), newSeededRand("req:team:model")
	for i := 0; i < 100; i++ {
		x, y := a.Float64(), b.Float64()
		if x != y {
			t.Fatalf("draw %d differs: %v vs %v", i, x, y)
		}
		if x < 0 || x >= 1 {
			t.Fatalf("draw %d = %v, out of [0,1)", i, x)
		}
	}
	if hashSeed("a") == hashSeed("b") {
		t.Error("hashSeed collided on distinct keys")
	}
}

func TestRankPoolInvariant(t *testing.T) {
	r := newTestRouter(&fakeHealth{})
	pool := cands("a", "b", "c", "d")
	for i := 0; i < 50; i++ {
		ranked, diag := r.Rank(context.Background(), pool, baseRequest(fmt.Sprintf("req-%d", i)))
		got := ids(ranked)
		sort.Strings(got)
		if !reflect.DeepEqual(got, []string{"a", "b", "c", "d"}) {
			t.Fatalf("ranked = %v, want a permutation of the pool", ids(ranked))
		}
		if diag.FinalCount != 4 {
			t.Fatalf("FinalCount = %d, want 4", diag.FinalCount)
		}
	}
}

func TestRankDeterministic(t *testing.T) {
	r := newTestRouter(&fakeHealth{})
	pool := cands("a", "b", "c", "d", "e")
	first, _ := r.Rank(context.Background(), pool, baseRequest("req-fixed"))
	for i := 0; i < 10; i++ {
		again, _ := r.Rank(context.Background(), pool, baseRequest("req-fixed"))
		if !reflect.DeepEqual(ids(first), ids(again)) {
			t.Fatalf("order changed: %v vs %v", ids(first), ids(again))
		}
	}
}

func TestRankWeightedSamplingFairness(t *testing.T) {
	r := newTestRouter(&fakeHealth{})
	pool := []provider.Candidate{
		{ProviderID: "heavy", Status: provider.StatusActive, Weight: 2},
		{ProviderID: "light", Status: provider.StatusActive, Weight: 1},
	}
	const n = 10_000
	first := map[string]int{}
	for i := 0; i < n; i++ {
		ranked, _ := r.Rank(context.Background(), pool, baseRequest(fmt.Sprintf("req-%d", i)))
		first[ranked[0].Candidate.ProviderID]++
	}
	ratio := float64(first["heavy"]) / float64(first["light"])
	if ratio < 1.8 || ratio > 2.2 {
		t.Errorf("first-place ratio = %.3f (%d:%d), want 2 +/- 10%%", ratio, first["heavy"], first["light"])
	}
}

func TestRankStrictSortsByScore(t *testing.T) {
	slow := healthy("slow")
	slow.LatencyEwma60s, slow.LatencyEwma300s = 3000, 3000
	r := newTestRouter(&fakeHealth{m: map[string]health.ProviderHealth{"slow": slow}})

	req := baseRequest("req-1")
	req.Model = "gpt-4o:fast"
	for i := 0; i < 20; i++ {
		req.RequestID = fmt.Sprintf("req-%d", i)
		ranked, diag := r.Rank(context.Background(), cands("slow", "quick"), req)
		if got := ids(ranked); !reflect.DeepEqual(got, []string{"quick", "slow"}) {
			t.Fatalf("ranked = %v, want [quick slow]", got)
		}
		if !diag.Strict || diag.Priority != PriorityFast {
			t.Fatalf("diag = %+v", diag)
		}
		if ranked[0].Score <= ranked[1].Score {
			t.Fatalf("scores not descending: %v", ranked)
		}
	}
}

func TestRankBreakerGate(t *testing.T) {
	b := healthy("b")
	b.Breaker = health.BreakerOpen
	b.BreakerOpenUntilMs = testNow.Add(60 * time.Second).UnixMilli()
	r := newTestRouter(&fakeHealth{m: map[string]health.ProviderHealth{"b": b}})

	ranked, diag := r.Rank(context.Background(), cands("a", "b"), baseRequest("req-1"))
	if got := ids(ranked); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("ranked = %v, want [a]", got)
	}
	last := diag.Stages[len(diag.Stages)-1]
	if last.Stage != StageHealthBreaker || last.Before != 2 || last.After != 1 {
		t.Fatalf("breaker stage = %+v", last)
	}
	if len(last.Dropped) != 1 || last.Dropped[0] != (Dropped{Provider: "b", Reason: ReasonBreakerOpen}) {
		t.Errorf("dropped = %+v", last.Dropped)
	}
}

func TestRankBreakerFallback(t *testing.T) {
	open := func(id string) health.ProviderHealth {
		h := healthy(id)
		h.Breaker = health.BreakerOpen
		h.BreakerOpenUntilMs = testNow.Add(time.Minute).UnixMilli()
		return h
	}
	r := newTestRouter(&fakeHealth{m: map[string]health.ProviderHealth{"a": open("a"), "b": open("b")}})
	ranked, diag := r.Rank(context.Background(), cands("a", "b"), baseRequest("req-1"))
	if len(ranked) != 2 {
		t.Fatalf("ranked = %v, want both after fallback", ids(ranked))
	}
	if !diag.BreakerFallback {
		t.Error("BreakerFallback not set")
	}
}

// Pool [A healthy, B open until now+60s]: B is excluded until the hold
// expires, then ranked again and admitted through half-open.
func TestRankOpenBreakerRecoveryScenario(t *testing.T) {
	now := testNow
	clock := func() time.Time { return now }
	mem, err := kv.NewMemory(100, zerolog.Nop(), kv.WithMemoryClock(clock))
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	cfg := health.DefaultConfig()
	cfg.BaseOpenSecs = 60
	hs := health.NewStore(mem, zerolog.Nop(), health.WithClock(clock), health.WithConfig(cfg))
	r := New(hs, zerolog.Nop(), WithClock(clock))
	ctx := context.Background()

	if err := hs.OpenBreaker(ctx, provider.EndpointChatCompletions, "b", "gpt-4o"); err != nil {
		t.Fatalf("OpenBreaker: %v", err)
	}

	ranked, _ := r.Rank(ctx, cands("a", "b"), baseRequest("req-1"))
	if got := ids(ranked); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("while open: ranked = %v, want [a]", got)
	}

	now = now.Add(59 * time.Second)
	if ranked, _ = r.Rank(ctx, cands("a", "b"), baseRequest("req-2")); len(ranked) != 1 {
		t.Fatalf("at 59s: ranked = %v, want [a]", ids(ranked))
	}

	now = now.Add(2 * time.Second)
	ranked, _ = r.Rank(ctx, cands("a", "b"), baseRequest("req-3"))
	if len(ranked) != 2 {
		t.Fatalf("after hold: ranked = %v, want both", ids(ranked))
	}
	var snap health.ProviderHealth
	for _, e := range ranked {
		if e.Candidate.ProviderID == "b" {
			snap = e.Health
		}
	}
	adm, err := hs.Admit(ctx, provider.EndpointChatCompletions, "b", "gpt-4o", "team-1", "req-3", &snap)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if adm == health.AdmitClosed {
		t.Errorf("Admit = closed, want probe or blocked")
	}
	h, _ := hs.Read(ctx, provider.EndpointChatCompletions, "b", "gpt-4o")
	if h.Breaker != health.BreakerHalfOpen {
		t.Errorf("Breaker = %q, want half_open", h.Breaker)
	}
}

func TestRankHints(t *testing.T) {
	r := newTestRouter(&fakeHealth{}, WithAliases(func() map[string]string {
		return map[string]string{"google": "google-ai-studio"}
	}))
	pool := cands("openai", "anthropic", "google-ai-studio")

	t.Run("only", func(t *testing.T) {
		req := baseRequest("req-1")
		req.Hints.Only = []string{"Google", "openai"}
		ranked, diag := r.Rank(context.Background(), pool, req)
		got := ids(ranked)
		sort.Strings(got)
		if !reflect.DeepEqual(got, []string{"google-ai-studio", "openai"}) {
			t.Fatalf("ranked = %v", got)
		}
		if diag.Stages[0].Stage != StageHintsOnly || diag.Stages[0].Dropped[0].Reason != ReasonNotInOnly {
			t.Errorf("stage = %+v", diag.Stages[0])
		}
	})

	t.Run("ignore", func(t *testing.T) {
		req := baseRequest("req-1")
		req.Hints.Ignore = []string{"anthropic"}
		ranked, diag := r.Rank(context.Background(), pool, req)
		if len(ranked) != 2 {
			t.Fatalf("ranked = %v", ids(ranked))
		}
		if diag.Stages[0].Dropped[0] != (Dropped{Provider: "anthropic", Reason: ReasonIgnored}) {
			t.Errorf("dropped = %+v", diag.Stages[0].Dropped)
		}
	})

	t.Run("fallback when filters empty the pool", func(t *testing.T) {
		req := baseRequest("req-1")
		req.Hints.Only = []string{"mistral"}
		ranked, diag := r.Rank(context.Background(), pool, req)
		if len(ranked) != 3 || !diag.HintFallback {
			t.Fatalf("ranked = %v, fallback = %v", ids(ranked), diag.HintFallback)
		}
	})

	t.Run("order pins", func(t *testing.T) {
		for _, model := range []string{"gpt-4o", "gpt-4o:nitro"} {
			req := baseRequest("req-1")
			req.Model = model
			req.Hints.Order = []string{"google", "anthropic"}
			ranked, _ := r.Rank(context.Background(), pool, req)
			if got := ids(ranked); !reflect.DeepEqual(got, []string{"google-ai-studio", "anthropic", "openai"}) {
				t.Errorf("%s: ranked = %v", model, got)
			}
		}
	})
}

func TestRankStatusGate(t *testing.T) {
	r := newTestRouter(&fakeHealth{})
	pool := []provider.Candidate{
		{ProviderID: "ga", Status: provider.StatusActive},
		{ProviderID: "b", Status: provider.StatusBeta},
		{ProviderID: "al", Status: provider.StatusAlpha},
		{ProviderID: "nr", Status: provider.StatusNotReady},
	}

	ranked, diag := r.Rank(context.Background(), pool, baseRequest("req-1"))
	if got := ids(ranked); !reflect.DeepEqual(got, []string{"ga"}) {
		t.Fatalf("ranked = %v, want [ga]", got)
	}
	gate := diag.Stages[0]
	want := []Dropped{
		{Provider: "b", Reason: ReasonBetaChannel},
		{Provider: "al", Reason: ReasonAlphaOptIn},
		{Provider: "nr", Reason: ReasonStatusNotReady},
	}
	if gate.Stage != StageStatusGate || !reflect.DeepEqual(gate.Dropped, want) {
		t.Errorf("gate = %+v", gate)
	}

	req := baseRequest("req-1")
	req.BetaChannel = true
	req.Hints.IncludeAlpha = true
	ranked, _ = r.Rank(context.Background(), pool, req)
	if len(ranked) != 3 {
		t.Fatalf("with opt-ins: ranked = %v, want 3", ids(ranked))
	}

	ranked, diag = r.Rank(context.Background(), pool[3:], baseRequest("req-1"))
	if ranked != nil || diag.FinalCount != 0 {
		t.Errorf("not-ready only pool: ranked = %v", ids(ranked))
	}
}

func TestRankRolloutDiscount(t *testing.T) {
	r := newTestRouter(&fakeHealth{})
	req := baseRequest("req-1")
	req.Model = "gpt-4o:fast"
	req.BetaChannel = true
	pool := []provider.Candidate{
		{ProviderID: "beta", Status: provider.StatusBeta},
		{ProviderID: "ga", Status: provider.StatusActive},
	}
	ranked, _ := r.Rank(context.Background(), pool, req)
	if ranked[0].Candidate.ProviderID != "ga" {
		t.Fatalf("ranked = %v, want ga first", ids(ranked))
	}
	if ratio := ranked[1].Score / ranked[0].Score; ratio > 0.06 {
		t.Errorf("beta/ga score ratio = %v, want about 0.05", ratio)
	}
}

func TestRankHealthErrorFailsOpen(t *testing.T) {
	r := newTestRouter(&fakeHealth{err: errors.New("kv down")})
	ranked, _ := r.Rank(context.Background(), cands("a", "b"), baseRequest("req-1"))
	if len(ranked) != 2 {
		t.Fatalf("ranked = %v, want both", ids(ranked))
	}
}

func TestRankPriceMode(t *testing.T) {
	cheap := &pricing.Card{Provider: "cheap", Rules: []pricing.Rule{
		{Meter: pricing.MeterInputTextTokens, UnitSize: 1_000_000, PricePerUnit: 1},
		{Meter: pricing.MeterOutputTextTokens, UnitSize: 1_000_000, PricePerUnit: 2},
	}}
	dear := &pricing.Card{Provider: "dear", Rules: []pricing.Rule{
		{Meter: pricing.MeterInputTextTokens, UnitSize: 1_000_000, PricePerUnit: 10},
		{Meter: pricing.MeterOutputTextTokens, UnitSize: 1_000_000, PricePerUnit: 20},
	}}
	pool := []provider.Candidate{
		{ProviderID: "dear", Status: provider.StatusActive, Pricing: dear},
		{ProviderID: "cheap", Status: provider.StatusActive, Pricing: cheap},
	}
	r := newTestRouter(&fakeHealth{})
	req := baseRequest("req-1")
	req.Model = "gpt-4o:fast"
	req.Mode = "price"
	ranked, diag := r.Rank(context.Background(), pool, req)
	if ranked[0].Candidate.ProviderID != "cheap" {
		t.Fatalf("ranked = %v, want cheap first", ids(ranked))
	}
	if diag.Mode != ModePrice {
		t.Errorf("Mode = %q", diag.Mode)
	}
	if diff := ranked[0].Score - ranked[1].Score; diff < 0.39 {
		t.Errorf("score gap = %v, want about the full price weight", diff)
	}
}

func TestPriceScores(t *testing.T) {
	card := func(meters map[string]float64) *pricing.Card {
		c := &pricing.Card{}
		for m, p := range meters {
			c.Rules = append(c.Rules, pricing.Rule{Meter: m, UnitSize: 1, PricePerUnit: p})
		}
		return c
	}
	tests := []struct {
		name     string
		endpoint string
		cards    []*pricing.Card
		want     []float64
	}{
		{
			"text meters preferred",
			provider.EndpointChatCompletions,
			[]*pricing.Card{
				card(map[string]float64{"input_text_tokens": 1, "output_text_tokens": 1, "requests": 100}),
				card(map[string]float64{"input_text_tokens": 2, "output_text_tokens": 2, "requests": 0}),
				card(map[string]float64{"input_text_tokens": 3, "output_text_tokens": 3, "requests": 50}),
			},
			[]float64{1, 0.5, 0},
		},
		{
			"shared meters on other endpoints",
			provider.EndpointEmbeddings,
			[]*pricing.Card{
				card(map[string]float64{"input_tokens": 4}),
				card(map[string]float64{"input_tokens": 2, "extra": 9}),
			},
			[]float64{0, 1},
		},
		{
			"no shared meters",
			provider.EndpointChatCompletions,
			[]*pricing.Card{card(map[string]float64{"a": 1}), card(map[string]float64{"b": 1})},
			[]float64{0.5, 0.5},
		},
		{
			"missing card",
			provider.EndpointChatCompletions,
			[]*pricing.Card{card(map[string]float64{"a": 1}), nil},
			[]float64{0.5, 0.5},
		},
		{
			"equal prices",
			provider.EndpointEmbeddings,
			[]*pricing.Card{card(map[string]float64{"a": 1}), card(map[string]float64{"a": 1})},
			[]float64{0.5, 0.5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := priceScores(tt.endpoint, tt.cards)
			for i := range tt.want {
				if math.Abs(got[i]-tt.want[i]) > 1e-9 {
					t.Fatalf("priceScores = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestTokenAffinity(t *testing.T) {
	tests := []struct {
		requested, max int64
		want           float64
	}{
		{0, 4096, 0.5},
		{1000, 0, 0.5},
		{1000, 500, 0},
		{1000, 1000, 1},
		{1000, 3000, 0.5},
		{1000, 2000, 0.75},
		{1000, 100_000, 0},
	}
	for _, tt := range tests {
		if got := tokenAffinity(tt.requested, tt.max); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("tokenAffinity(%d, %d) = %v, want %v", tt.requested, tt.max, got, tt.want)
		}
	}
}

func TestParseBody(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantHints Hints
		wantMax   int64
	}{
		{"empty", ``, Hints{}, 0},
		{"malformed", `{`, Hints{}, 0},
		{
			"all hints",
			`{"provider":{"order":["a"],"only":["a","b"],"ignore":["c"],"include_alpha":true},"max_tokens":256}`,
			Hints{Order: []string{"a"}, Only: []string{"a", "b"}, Ignore: []string{"c"}, IncludeAlpha: true},
			256,
		},
		{"camel include alpha", `{"provider":{"includeAlpha":true}}`, Hints{IncludeAlpha: true}, 0},
		{"provider string ignored", `{"provider":"openai","max_output_tokens":100}`, Hints{}, 100},
		{"completion tokens", `{"max_completion_tokens":64}`, Hints{}, 64},
		{"non-positive skipped", `{"max_tokens":0,"max_output_tokens":32}`, Hints{}, 32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, max := ParseBody([]byte(tt.body))
			if !reflect.DeepEqual(h, tt.wantHints) || max != tt.wantMax {
				t.Errorf("ParseBody = %+v, %d; want %+v, %d", h, max, tt.wantHints, tt.wantMax)
			}
		})
	}
}

func TestWeightedOrderKeepsEveryItem(t *testing.T) {
	rnd := newSeededRand("seed")
	items := []int{1, 2, 3, 4, 5}
	got := weightedOrder(items, func(int) float64 { return 0 }, rnd)
	sort.Ints(got)
	if !reflect.DeepEqual(got, items) {
		t.Errorf("weightedOrder = %v, want all items", got)
	}
}
