// Package router ranks the candidate providers for a request. Ranking runs
// a fixed pipeline (hint filters, status gate, explicit ordering, breaker
// gate, scoring, final ordering) and reports per-stage diagnostics so a
// failed request can be explained without server logs.
package router

import (
	"context"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/switchyard/internal/health"
	"github.com/allaspectsdev/switchyard/internal/pricing"
	"github.com/allaspectsdev/switchyard/internal/provider"
)

// Drop reasons reported in diagnostics.
const (
	ReasonNotInOnly      = "not_in_provider.only"
	ReasonIgnored        = "listed_in_provider.ignore"
	ReasonBetaChannel    = "beta_requires_team_beta_channel"
	ReasonAlphaOptIn     = "alpha_requires_provider.include_alpha"
	ReasonStatusNotReady = "provider_status_not_ready"
	ReasonBreakerOpen    = "breaker_open"
)

// Stage names.
const (
	StageHintsOnly     = "hints.only"
	StageHintsIgnore   = "hints.ignore"
	StageStatusGate    = "status_gate"
	StageHealthBreaker = "health_breaker"
)

// tokenAffinityWeight is the fixed weight of the token affinity term.
const tokenAffinityWeight = 0.10

// HealthReader is the subset of the health store used for ranking.
type HealthReader interface {
	ReadMany(ctx context.Context, endpoint, model string, providers []string) (map[string]health.ProviderHealth, error)
}

// Request carries the routing inputs for one call.
type Request struct {
	Endpoint   string
	Model      string
	Capability string
	TeamID     string
	RequestID  string
	Mode       string
	// BetaChannel admits beta providers.
	BetaChannel        bool
	Hints              Hints
	RequestedMaxTokens int64
}

// Ranked is a candidate with the score and health snapshot it was ranked
// with. The snapshot is reused for admission.
type Ranked struct {
	Candidate provider.Candidate    `json:"candidate"`
	Score     float64               `json:"score"`
	Health    health.ProviderHealth `json:"health"`
}

// Dropped names a provider removed by a stage.
type Dropped struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

// Stage records the effect of one filtering stage.
type Stage struct {
	Stage   string    `json:"stage"`
	Before  int       `json:"before"`
	After   int       `json:"after"`
	Dropped []Dropped `json:"dropped"`
}

// Diagnostics explains a ranking.
type Diagnostics struct {
	Model           string   `json:"model"`
	Endpoint        string   `json:"endpoint"`
	Priority        Priority `json:"priority"`
	Mode            Mode     `json:"routing_mode"`
	Strict          bool     `json:"strict_priority"`
	IncludeAlpha    bool     `json:"include_alpha"`
	BetaChannel     bool     `json:"beta_channel"`
	HintFallback    bool     `json:"hint_fallback,omitempty"`
	BreakerFallback bool     `json:"breaker_fallback,omitempty"`
	Stages          []Stage  `json:"filter_stages"`
	FinalCount      int      `json:"final_candidate_count"`
}

func (d *Diagnostics) push(stage string, before, after []provider.Candidate, reason func(provider.Candidate) string) {
	kept := make(map[string]bool, len(after))
	for _, c := range after {
		kept[c.ProviderID] = true
	}
	s := Stage{Stage: stage, Before: len(before), After: len(after), Dropped: []Dropped{}}
	for _, c := range before {
		if !kept[c.ProviderID] {
			s.Dropped = append(s.Dropped, Dropped{Provider: c.ProviderID, Reason: reason(c)})
		}
	}
	d.Stages = append(d.Stages, s)
}

// Router ranks candidates using live health.
type Router struct {
	health  HealthReader
	pricing pricing.Resolver
	aliases func() map[string]string
	now     func() time.Time
	logger  zerolog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the time source for the breaker gate.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithPricing resolves price cards for candidates that carry none when a
// price-weighted mode is active.
func WithPricing(p pricing.Resolver) Option {
	return func(r *Router) { r.pricing = p }
}

// WithAliases supplies the provider alias table used to normalise hints.
func WithAliases(fn func() map[string]string) Option {
	return func(r *Router) { r.aliases = fn }
}

// New creates a Router.
func New(h HealthReader, logger zerolog.Logger, opts ...Option) *Router {
	r := &Router{
		health:  h,
		aliases: func() map[string]string { return nil },
		now:     time.Now,
		logger:  logger.With().Str("component", "router").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rank orders candidates for req. The result contains every candidate that
// survived the gates, each exactly once; an empty result means no provider
// may serve the request.
func (r *Router) Rank(ctx context.Context, candidates []provider.Candidate, req Request) ([]Ranked, Diagnostics) {
	base, prio, strict := ParsePriority(req.Model)
	mode := ParseMode(req.Mode)
	preset := PresetFor(prio, mode)
	aliases := r.aliases()

	diag := Diagnostics{
		Model:        req.Model,
		Endpoint:     req.Endpoint,
		Priority:     prio,
		Mode:         mode,
		Strict:       strict,
		IncludeAlpha: req.Hints.IncludeAlpha,
		BetaChannel:  req.BetaChannel,
		Stages:       []Stage{},
	}

	pool := candidates
	if only := provider.NormalizeIDs(req.Hints.Only, aliases); len(only) > 0 {
		before := pool
		pool = filter(pool, func(c provider.Candidate) bool { return slices.Contains(only, c.ProviderID) })
		diag.push(StageHintsOnly, before, pool, func(provider.Candidate) string { return ReasonNotInOnly })
	}
	if ignore := provider.NormalizeIDs(req.Hints.Ignore, aliases); len(ignore) > 0 {
		before := pool
		pool = filter(pool, func(c provider.Candidate) bool { return !slices.Contains(ignore, c.ProviderID) })
		diag.push(StageHintsIgnore, before, pool, func(provider.Candidate) string { return ReasonIgnored })
	}
	if len(pool) == 0 {
		pool = candidates
		diag.HintFallback = true
	}

	before := pool
	pool = filter(pool, func(c provider.Candidate) bool {
		switch c.Status {
		case provider.StatusActive:
			return true
		case provider.StatusBeta:
			return req.BetaChannel
		case provider.StatusAlpha:
			return req.Hints.IncludeAlpha
		default:
			return false
		}
	})
	diag.push(StageStatusGate, before, pool, statusReason)
	r.logStage(req, StageStatusGate, len(before), len(pool))

	if len(pool) == 0 {
		r.logger.Info().
			Str("model", req.Model).
			Str("endpoint", req.Endpoint).
			Int("candidates", len(candidates)).
			Msg("provider pool empty")
		return nil, diag
	}

	order := provider.NormalizeIDs(req.Hints.Order, aliases)
	if len(order) > 0 {
		pool = pinFirst(pool, order, func(c provider.Candidate) string { return c.ProviderID })
	}

	ids := make([]string, len(pool))
	for i, c := range pool {
		ids[i] = c.ProviderID
	}
	healths, err := r.health.ReadMany(ctx, req.Endpoint, base, ids)
	if err != nil {
		r.logger.Warn().Err(err).Str("model", base).Str("endpoint", req.Endpoint).Msg("health read failed, ranking without health")
		healths = map[string]health.ProviderHealth{}
	}

	entries := make([]Ranked, len(pool))
	for i, c := range pool {
		h, ok := healths[c.ProviderID]
		if !ok {
			h = health.ProviderHealth{Provider: c.ProviderID, Breaker: health.BreakerClosed}
		}
		entries[i] = Ranked{Candidate: c, Health: h}
	}

	nowMs := r.now().UnixMilli()
	viable := filter(entries, func(e Ranked) bool { return !e.Health.IsOpenAt(nowMs) })
	if len(viable) != len(entries) {
		s := Stage{Stage: StageHealthBreaker, Before: len(entries), Dropped: []Dropped{}}
		for _, e := range entries {
			if e.Health.IsOpenAt(nowMs) {
				s.Dropped = append(s.Dropped, Dropped{Provider: e.Candidate.ProviderID, Reason: ReasonBreakerOpen})
			}
		}
		if len(viable) == 0 {
			diag.BreakerFallback = true
			viable = entries
		}
		s.After = len(viable)
		diag.Stages = append(diag.Stages, s)
		r.logStage(req, StageHealthBreaker, len(entries), len(viable))
	}

	rnd := newSeededRand(req.RequestID + ":" + req.TeamID + ":" + req.Model)
	r.score(ctx, viable, req, base, preset, rnd)

	var ranked []Ranked
	switch {
	case len(order) > 0:
		pinned := pinFirst(viable, order, func(e Ranked) string { return e.Candidate.ProviderID })
		n := countPinned(viable, order)
		rest := slices.Clone(pinned[n:])
		if strict {
			sortByScore(rest)
		} else {
			rest = weightedOrder(rest, func(e Ranked) float64 { return e.Score }, rnd)
		}
		ranked = append(pinned[:n:n], rest...)
	case strict:
		ranked = slices.Clone(viable)
		sortByScore(ranked)
	default:
		ranked = weightedOrder(viable, func(e Ranked) float64 { return e.Score }, rnd)
	}

	diag.FinalCount = len(ranked)
	if e := r.logger.Debug(); e.Enabled() {
		top := ""
		if len(ranked) > 0 {
			top = ranked[0].Candidate.ProviderID
		}
		e.Str("model", req.Model).
			Str("endpoint", req.Endpoint).
			Str("priority", string(prio)).
			Str("mode", string(mode)).
			Int("ranked", len(ranked)).
			Str("top", top).
			Msg("ranked providers")
	}
	return ranked, diag
}

// score fills in Score for each entry. Noise is drawn from rnd in entry
// order, so the sequence is reproducible for a given request.
func (r *Router) score(ctx context.Context, entries []Ranked, req Request, base string, p Preset, rnd *seededRand) {
	minP50, maxP50 := math.Inf(1), math.Inf(-1)
	minTail, maxTail := math.Inf(1), math.Inf(-1)
	minTPS, maxTPS := math.Inf(1), math.Inf(-1)
	for _, e := range entries {
		h := e.Health
		tail := tailLatency(h)
		minP50, maxP50 = math.Min(minP50, h.LatencyEwma60s), math.Max(maxP50, h.LatencyEwma60s)
		minTail, maxTail = math.Min(minTail, tail), math.Max(maxTail, tail)
		minTPS, maxTPS = math.Min(minTPS, h.ThroughputEwma60s), math.Max(maxTPS, h.ThroughputEwma60s)
	}

	prices := make([]float64, len(entries))
	for i := range prices {
		prices[i] = 0.5
	}
	if p.WPrice > 0 {
		cards := make([]*pricing.Card, len(entries))
		for i, e := range entries {
			cards[i] = r.cardFor(ctx, e.Candidate, base, req.Capability)
		}
		prices = priceScores(req.Endpoint, cards)
	}

	for i := range entries {
		e := &entries[i]
		h := e.Health
		weight := e.Candidate.Weight
		if weight <= 0 {
			weight = 1
		}
		succ := 1 - h.ErrorEwma60s
		p50Curve := 1 / (1 + h.LatencyEwma60s/p.L0)
		p50Norm := 1 - normalise(h.LatencyEwma60s, minP50, maxP50)
		tailNorm := 1 - normalise(tailLatency(h), minTail, maxTail)
		tpsNorm := 0.0
		if maxTPS > 0 {
			tpsNorm = normalise(h.ThroughputEwma60s, minTPS, maxTPS)
		}
		affinity := tokenAffinity(req.RequestedMaxTokens, e.Candidate.MaxOutputTokens)

		raw := p.WSucc*succ +
			p.WP50*(0.5*p50Curve+0.5*p50Norm) +
			p.WTail*tailNorm +
			p.WTPS*tpsNorm -
			p.WLoad*h.CurrentLoad +
			p.WPrice*prices[i] +
			tokenAffinityWeight*affinity +
			p.Noise*rnd.Float64()

		e.Score = math.Max(0, raw*math.Max(weight, 0.0001)*e.Candidate.Status.RolloutMultiplier())
	}
}

func (r *Router) cardFor(ctx context.Context, c provider.Candidate, model, capability string) *pricing.Card {
	if c.Pricing != nil || r.pricing == nil {
		return c.Pricing
	}
	card, err := r.pricing.Lookup(ctx, c.ProviderID, model, capability)
	if err != nil {
		r.logger.Debug().Err(err).Str("provider", c.ProviderID).Msg("price lookup failed")
		return nil
	}
	return card
}

func (r *Router) logStage(req Request, stage string, before, after int) {
	r.logger.Debug().
		Str("model", req.Model).
		Str("endpoint", req.Endpoint).
		Str("stage", stage).
		Int("before", before).
		Int("after", after).
		Msg("routing stage")
}

func statusReason(c provider.Candidate) string {
	switch c.Status {
	case provider.StatusBeta:
		return ReasonBetaChannel
	case provider.StatusAlpha:
		return ReasonAlphaOptIn
	case provider.StatusNotReady:
		return ReasonStatusNotReady
	default:
		return "provider_status_" + string(c.Status)
	}
}

// tailLatency approximates a tail percentile from the slow and medium
// windows.
func tailLatency(h health.ProviderHealth) float64 {
	return math.Max(h.LatencyEwma300s, h.LatencyEwma60s*1.6)
}

// normalise maps v into [0, 1] over [lo, hi], or 0.5 when the range is
// empty.
func normalise(v, lo, hi float64) float64 {
	if hi == lo {
		return 0.5
	}
	return clamp01((v - lo) / (hi - lo))
}

func filter[T any](in []T, keep func(T) bool) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// pinFirst moves the items named in order to the front, in that order, and
// keeps the rest in their existing order.
func pinFirst[T any](in []T, order []string, id func(T) string) []T {
	out := make([]T, 0, len(in))
	used := make([]bool, len(in))
	for _, name := range order {
		for i, v := range in {
			if !used[i] && id(v) == name {
				out = append(out, v)
				used[i] = true
				break
			}
		}
	}
	for i, v := range in {
		if !used[i] {
			out = append(out, v)
		}
	}
	return out
}

func countPinned(entries []Ranked, order []string) int {
	n := 0
	for _, e := range entries {
		if slices.Contains(order, e.Candidate.ProviderID) {
			n++
		}
	}
	return n
}

func sortByScore(entries []Ranked) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })
}
