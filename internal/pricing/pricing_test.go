package pricing

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/switchyard/internal/config"
)

func testCards() []Card {
	return []Card{
		{Provider: "openai", Model: "gpt-4o", Rules: []Rule{
			{Meter: MeterInputTextTokens, UnitSize: 1_000_000, PricePerUnit: 2.5},
			{Meter: MeterOutputTextTokens, UnitSize: 1_000_000, PricePerUnit: 10},
		}},
		{Provider: "openai", Model: "gpt-4o", Capability: "text.embed", Rules: []Rule{
			{Meter: "input_tokens", UnitSize: 1000, PricePerUnit: 0.1},
		}},
		{Provider: "openai", Model: "gpt-4o-mini", Rules: []Rule{
			{Meter: MeterInputTextTokens, UnitSize: 1_000_000, PricePerUnit: 0.15},
		}},
		{Provider: "anthropic", Model: "claude-sonnet-4", Rules: []Rule{
			{Meter: MeterInputTextTokens, UnitSize: 1_000_000, PricePerUnit: 3},
		}},
	}
}

func newTestStatic(t *testing.T) *Static {
	t.Helper()
	s, err := NewStatic(testCards(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	return s
}

func TestLookup(t *testing.T) {
	s := newTestStatic(t)
	tests := []struct {
		name       string
		provider   string
		model      string
		capability string
		wantModel  string
		wantCap    string
		wantNil    bool
	}{
		{"exact capability", "openai", "gpt-4o", "text.embed", "gpt-4o", "text.embed", false},
		{"capability falls back to generic", "openai", "gpt-4o", "text.generate", "gpt-4o", "", false},
		{"dated model uses longest prefix", "openai", "gpt-4o-mini-2024-07-18", "text.generate", "gpt-4o-mini", "", false},
		{"provider is case-insensitive", "Anthropic", "claude-sonnet-4", "", "claude-sonnet-4", "", false},
		{"unknown provider", "mistral", "gpt-4o", "", "", "", true},
		{"unknown model", "anthropic", "claude-opus-4", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := s.Lookup(context.Background(), tt.provider, tt.model, tt.capability)
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if tt.wantNil {
				if c != nil {
					t.Fatalf("Lookup = %+v, want nil", c)
				}
				return
			}
			if c == nil {
				t.Fatal("Lookup = nil, want card")
			}
			if c.Model != tt.wantModel || c.Capability != tt.wantCap {
				t.Errorf("card = %s/%s, want %s/%s", c.Model, c.Capability, tt.wantModel, tt.wantCap)
			}
		})
	}
}

func TestReplaceDropsCache(t *testing.T) {
	s := newTestStatic(t)
	ctx := context.Background()
	if c, _ := s.Lookup(ctx, "mistral", "large", ""); c != nil {
		t.Fatal("unexpected card before replace")
	}
	s.Replace(append(testCards(), Card{Provider: "mistral", Model: "large", Rules: []Rule{{Meter: "x", PricePerUnit: 1}}}))
	if c, _ := s.Lookup(ctx, "mistral", "large", ""); c == nil {
		t.Fatal("cached miss survived Replace")
	}
}

func TestMeterPrices(t *testing.T) {
	c := &Card{Rules: []Rule{
		{Meter: "a", UnitSize: 1000, PricePerUnit: 2},
		{Meter: "a", UnitSize: 1000, PricePerUnit: 1},
		{Meter: "b", UnitSize: 0, PricePerUnit: 3},
		{Meter: "c", UnitSize: 1, PricePerUnit: math.NaN()},
	}}
	got := c.MeterPrices()
	if got["a"] != 0.001 {
		t.Errorf("a = %v, want cheapest 0.001", got["a"])
	}
	if got["b"] != 3 {
		t.Errorf("b = %v, want 3 (unit size defaults to 1)", got["b"])
	}
	if _, ok := got["c"]; ok {
		t.Error("NaN price was kept")
	}
	if n := len((*Card)(nil).MeterPrices()); n != 0 {
		t.Errorf("nil card prices = %d, want 0", n)
	}
}

func TestCost(t *testing.T) {
	c := &testCards()[0]
	got := c.Cost(map[string]int64{MeterInputTextTokens: 1_000_000, MeterOutputTextTokens: 500_000, "unknown": 9})
	if math.Abs(got-7.5) > 1e-9 {
		t.Errorf("Cost = %v, want 7.5", got)
	}
}

func TestFromConfig(t *testing.T) {
	cards := FromConfig([]config.PriceCardConfig{{
		Provider: "openai",
		Model:    "gpt-4o",
		Rules:    []config.PriceRuleConfig{{Meter: MeterInputTextTokens, UnitSize: 1000, PricePerUnit: 0.5}},
	}})
	if len(cards) != 1 {
		t.Fatalf("len = %d, want 1", len(cards))
	}
	if cards[0].Currency != "USD" {
		t.Errorf("Currency = %q, want USD", cards[0].Currency)
	}
	if cards[0].Rules[0].UnitSize != 1000 {
		t.Errorf("UnitSize = %d, want 1000", cards[0].Rules[0].UnitSize)
	}
}
