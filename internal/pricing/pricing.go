// Package pricing holds per-provider price cards and resolves the card that
// bills a (provider, model, capability) triple. A provider with no card must
// not serve traffic.
package pricing

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/allaspectsdev/switchyard/internal/config"
)

// Common meters.
const (
	MeterInputTextTokens  = "input_text_tokens"
	MeterOutputTextTokens = "output_text_tokens"
)

// Rule prices one meter. PricePerUnit is charged per UnitSize units.
type Rule struct {
	Meter        string  `json:"meter"`
	UnitSize     int64   `json:"unit_size"`
	PricePerUnit float64 `json:"price_per_unit"`
}

// Card is the set of pricing rules for one provider and model.
type Card struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Capability string `json:"capability,omitempty"`
	Currency   string `json:"currency"`
	Rules      []Rule `json:"rules"`
}

// MeterPrices returns the cheapest per-unit price for each meter on the card.
// Rules with a non-finite price are skipped.
func (c *Card) MeterPrices() map[string]float64 {
	out := make(map[string]float64)
	if c == nil {
		return out
	}
	for _, r := range c.Rules {
		unit := float64(r.UnitSize)
		if unit <= 0 {
			unit = 1
		}
		if math.IsNaN(r.PricePerUnit) || math.IsInf(r.PricePerUnit, 0) {
			continue
		}
		per := r.PricePerUnit / unit
		if cur, ok := out[r.Meter]; !ok || per < cur {
			out[r.Meter] = per
		}
	}
	return out
}

// Cost prices a usage map of meter to units. Meters without a rule cost
// nothing.
func (c *Card) Cost(usage map[string]int64) float64 {
	prices := c.MeterPrices()
	var total float64
	for meter, n := range usage {
		total += prices[meter] * float64(n)
	}
	return total
}

// Resolver finds the price card for a provider. A nil card with a nil error
// means the provider is not priced for this model.
type Resolver interface {
	Lookup(ctx context.Context, provider, model, capability string) (*Card, error)
}

// Static resolves cards from an in-memory list, normally the [[pricing]]
// section of the configuration. Lookups are cached in an LRU; Replace swaps
// the list and drops the cache.
type Static struct {
	cards  atomic.Pointer[[]Card]
	cache  *lru.Cache[string, *Card]
	logger zerolog.Logger
}

var _ Resolver = (*Static)(nil)

// DefaultCacheSize bounds the number of cached lookups.
const DefaultCacheSize = 4096

// NewStatic creates a Static resolver over cards.
func NewStatic(cards []Card, logger zerolog.Logger) (*Static, error) {
	cache, err := lru.New[string, *Card](DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("pricing: creating cache: %w", err)
	}
	s := &Static{cache: cache, logger: logger.With().Str("component", "pricing").Logger()}
	s.Replace(cards)
	return s, nil
}

// Replace installs a new card list.
func (s *Static) Replace(cards []Card) {
	cp := make([]Card, len(cards))
	copy(cp, cards)
	s.cards.Store(&cp)
	s.cache.Purge()
	s.logger.Debug().Int("cards", len(cp)).Msg("price cards loaded")
}

// Lookup resolves in order: exact model and capability, exact model with no
// capability, then the longest configured model that prefixes the requested
// one (so dated model ids match their base card).
func (s *Static) Lookup(_ context.Context, provider, model, capability string) (*Card, error) {
	key := provider + "|" + model + "|" + capability
	if c, ok := s.cache.Get(key); ok {
		return c, nil
	}

	cards := *s.cards.Load()
	var exact, anyCap, prefix *Card
	for i := range cards {
		c := &cards[i]
		if !strings.EqualFold(c.Provider, provider) {
			continue
		}
		switch {
		case c.Model == model && c.Capability == capability:
			exact = c
		case c.Model == model && c.Capability == "":
			anyCap = c
		case strings.HasPrefix(model, c.Model) && (c.Capability == "" || c.Capability == capability):
			if prefix == nil || len(c.Model) > len(prefix.Model) {
				prefix = c
			}
		}
	}

	found := exact
	if found == nil {
		found = anyCap
	}
	if found == nil {
		found = prefix
	}
	s.cache.Add(key, found)
	return found, nil
}

// FromConfig converts the configured price cards.
func FromConfig(cfgs []config.PriceCardConfig) []Card {
	out := make([]Card, 0, len(cfgs))
	for _, pc := range cfgs {
		c := Card{
			Provider:   pc.Provider,
			Model:      pc.Model,
			Capability: pc.Capability,
			Currency:   pc.Currency,
			Rules:      make([]Rule, 0, len(pc.Rules)),
		}
		if c.Currency == "" {
			c.Currency = "USD"
		}
		for _, r := range pc.Rules {
			c.Rules = append(c.Rules, Rule{Meter: r.Meter, UnitSize: r.UnitSize, PricePerUnit: r.PricePerUnit})
		}
		out = append(out, c)
	}
	return out
}
