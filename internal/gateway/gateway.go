// Package gateway runs the failover loop: it ranks the candidate pool for a
// request, then tries candidates in order through breaker admission,
// pricing, and the provider executor until one answers or the try budget is
// spent. Every attempt feeds the health store.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/switchyard/internal/health"
	"github.com/allaspectsdev/switchyard/internal/metrics"
	"github.com/allaspectsdev/switchyard/internal/pricing"
	"github.com/allaspectsdev/switchyard/internal/provider"
	"github.com/allaspectsdev/switchyard/internal/router"
	"github.com/allaspectsdev/switchyard/internal/tracing"
)

// DefaultMaxTries caps the number of candidates tried for one request.
const DefaultMaxTries = 5

// CandidateSource supplies the provider pool and executors.
type CandidateSource interface {
	Candidates(endpoint, model string) []provider.Candidate
	Executor(id string) (provider.Executor, error)
}

// Ranker orders a candidate pool.
type Ranker interface {
	Rank(ctx context.Context, candidates []provider.Candidate, req router.Request) ([]router.Ranked, router.Diagnostics)
}

// HealthTracker is the part of the health store driven by the loop.
type HealthTracker interface {
	Admit(ctx context.Context, endpoint, provider, model, teamID, requestID string, snapshot *health.ProviderHealth) (health.Admission, error)
	OnCallStart(ctx context.Context, endpoint, provider, model string) error
	OnCallEnd(ctx context.Context, endpoint, provider, model string, obs health.Observation) error
	ReportProbeResult(ctx context.Context, endpoint, provider, model string, ok bool) error
	MaybeOpenOnRecentErrors(ctx context.Context, endpoint, provider, model string) error
}

// TokenCounter estimates token counts when a provider reports no usage.
type TokenCounter interface {
	CountTokens(model, text string) int
}

// RequestCounter is implemented by token counters that understand request
// bodies rather than counting them as raw text.
type RequestCounter interface {
	CountRequest(model string, body []byte) int
}

// CountInput estimates the prompt tokens of body with tc.
func CountInput(tc TokenCounter, model string, body []byte) int {
	if rc, ok := tc.(RequestCounter); ok {
		return rc.CountRequest(model, body)
	}
	return tc.CountTokens(model, string(body))
}

// Request is one client call to route.
type Request struct {
	Endpoint   string
	Model      string
	Capability string
	Body       []byte
	Header     http.Header
	TeamID     string
	RequestID  string
	// Mode is the routing mode hint; empty uses the configured default.
	Mode        string
	BetaChannel bool
	Stream      bool
}

// Timing splits the wall time of the successful attempt.
type Timing struct {
	// EndToEndMs runs from the start of Execute to the executor's return.
	EndToEndMs float64 `json:"end_to_end_ms"`
	// LatencyMs is the time to first byte: the upstream's own figure when
	// reported, else end-to-end minus generation.
	LatencyMs    float64 `json:"latency_ms"`
	GenerationMs float64 `json:"generation_ms"`
}

// Outcome is the result of a request that reached a provider.
type Outcome struct {
	Result      *provider.Result
	Provider    string
	BaseModel   string
	Probe       bool
	Attempts    []Attempt
	Diagnostics router.Diagnostics
	Timing      Timing

	finish *streamFinish
}

type streamFinish struct {
	once sync.Once
	fn   func(ok bool, usage provider.Usage)
}

// FinishStream reports how a streamed result ended. Health for a stream is
// settled here rather than at response headers, so an upstream that fails
// mid-stream or a relay cut short counts against the provider. Only the first
// call has effect; it is a no-op for completed results.
func (o *Outcome) FinishStream(ok bool, usage provider.Usage) {
	if o == nil || o.finish == nil {
		return
	}
	o.finish.once.Do(func() { o.finish.fn(ok, usage) })
}

// Gateway executes requests against the ranked pool.
type Gateway struct {
	source      CandidateSource
	ranker      Ranker
	health      HealthTracker
	pricing     pricing.Resolver
	tokens      TokenCounter
	maxTries    func() int
	defaultMode func() string
	metrics     *metrics.Metrics
	collector   *metrics.Collector
	now         func() time.Time
	logger      zerolog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock overrides the time source used for attempt timing.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithPricing resolves price cards for candidates that carry none.
func WithPricing(p pricing.Resolver) Option {
	return func(g *Gateway) { g.pricing = p }
}

// WithTokenCounter estimates usage for completed calls that report none.
func WithTokenCounter(tc TokenCounter) Option {
	return func(g *Gateway) { g.tokens = tc }
}

// WithMaxTries reads the try budget on every request.
func WithMaxTries(fn func() int) Option {
	return func(g *Gateway) { g.maxTries = fn }
}

// WithDefaultMode reads the routing mode used when a request names none.
func WithDefaultMode(fn func() string) Option {
	return func(g *Gateway) { g.defaultMode = fn }
}

// WithMetrics records OpenTelemetry request and attempt metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithCollector feeds the in-memory stats collector.
func WithCollector(c *metrics.Collector) Option {
	return func(g *Gateway) { g.collector = c }
}

// New creates a Gateway.
func New(source CandidateSource, ranker Ranker, h HealthTracker, logger zerolog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		source:      source,
		ranker:      ranker,
		health:      h,
		maxTries:    func() int { return DefaultMaxTries },
		defaultMode: func() string { return string(router.ModeBalanced) },
		now:         time.Now,
		logger:      logger.With().Str("component", "gateway").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Execute routes req. It returns an Outcome when a provider produced a
// response, including non-2xx responses that are not failover statuses,
// and a *Error otherwise.
func (g *Gateway) Execute(ctx context.Context, req Request) (*Outcome, error) {
	start := g.now()
	if g.collector != nil {
		g.collector.IncrementActive()
		defer g.collector.DecrementActive()
	}
	defer g.metrics.TrackActive(ctx)()

	ctx, span := tracing.StartRouteSpan(ctx, req.Endpoint, req.Model)
	defer span.End()
	tracing.SetRequestAttributes(ctx, req.RequestID, req.TeamID, req.Endpoint, req.Model, req.Stream)

	logger := g.logger.With().
		Str("request_id", req.RequestID).
		Str("endpoint", req.Endpoint).
		Str("model", req.Model).
		Logger()

	base := router.BaseModel(req.Model)
	candidates := g.source.Candidates(req.Endpoint, base)
	if len(candidates) == 0 {
		return nil, g.fail(ctx, start, req, base, newError(CodeUnsupported, req), 0)
	}

	candidates, priced := g.resolvePricing(ctx, candidates, base, req.Capability)
	if !priced {
		e := newError(CodePricingNotConfigured, req)
		e.Details.Reason = "no_provider_pricing"
		return nil, g.fail(ctx, start, req, base, e, 0)
	}

	hints, requested := router.ParseBody(req.Body)
	mode := req.Mode
	if mode == "" {
		mode = g.defaultMode()
	}
	ranked, diag := g.ranker.Rank(ctx, candidates, router.Request{
		Endpoint:           req.Endpoint,
		Model:              req.Model,
		Capability:         req.Capability,
		TeamID:             req.TeamID,
		RequestID:          req.RequestID,
		Mode:               mode,
		BetaChannel:        req.BetaChannel,
		Hints:              hints,
		RequestedMaxTokens: requested,
	})
	tracing.SetRouteAttributes(ctx, string(diag.Priority), string(diag.Mode), len(candidates), len(ranked))
	if len(ranked) == 0 {
		e := newError(CodeNoViableProviders, req)
		e.Details.Diagnostics = &diag
		return nil, g.fail(ctx, start, req, base, e, 0)
	}

	run := &attemptRun{req: req, base: base, start: start, logger: logger}
	tries := min(max(g.maxTries(), 1), len(ranked))
	for i := 0; i < tries; i++ {
		if err := ctx.Err(); err != nil {
			logger.Info().Err(err).Int("attempts", len(run.attempts)).Msg("request cancelled, stopping failover")
			break
		}
		if out := g.attempt(ctx, run, ranked[i], i+1); out != nil {
			out.Diagnostics = diag
			g.finish(ctx, start, req, base, out)
			return out, nil
		}
	}

	var e *Error
	if run.onlySkippedForPricing() {
		e = newError(CodePricingNotConfigured, req)
		e.Details.Reason = "no_provider_pricing"
		e.Details.AttemptCount = len(run.attempts)
		e.Details.Diagnostics = &diag
	} else {
		e = allFailed(req, run.attempts, diag)
	}
	logger.Warn().
		Int("attempts", len(run.attempts)).
		Strs("failed_providers", e.Details.FailedProviders).
		Msg("all candidates failed")
	return nil, g.fail(ctx, start, req, base, e, len(run.attempts))
}

// resolvePricing fills in price cards from the resolver and reports whether
// any candidate is priced.
func (g *Gateway) resolvePricing(ctx context.Context, candidates []provider.Candidate, model, capability string) ([]provider.Candidate, bool) {
	priced := false
	for i := range candidates {
		c := &candidates[i]
		if c.Pricing == nil && g.pricing != nil {
			card, err := g.pricing.Lookup(ctx, c.ProviderID, model, capability)
			if err != nil {
				g.logger.Warn().Err(err).Str("provider", c.ProviderID).Str("model", model).Msg("price lookup failed")
			}
			c.Pricing = card
		}
		if c.Pricing != nil {
			priced = true
		}
	}
	return candidates, priced
}

func (g *Gateway) finish(ctx context.Context, start time.Time, req Request, base string, out *Outcome) {
	res := out.Result
	elapsed := g.now().Sub(start).Seconds()
	g.metrics.RecordRequest(ctx, req.Endpoint, base, "ok", elapsed)
	g.metrics.RecordTokens(ctx, out.Provider, res.Usage.TokensIn, res.Usage.TokensOut)
	if g.collector != nil {
		g.collector.RecordRequest(true, len(out.Attempts), res.Usage.TokensIn, res.Usage.TokensOut)
	}
	tracing.SetResponseAttributes(ctx, res.StatusCode, res.Usage.TokensIn, res.Usage.TokensOut, out.Provider, len(out.Attempts))
}

func (g *Gateway) fail(ctx context.Context, start time.Time, req Request, base string, e *Error, attempts int) error {
	g.metrics.RecordRequest(ctx, req.Endpoint, base, string(e.Code), g.now().Sub(start).Seconds())
	if g.collector != nil {
		g.collector.RecordRequest(false, attempts, 0, 0)
	}
	tracing.RecordError(ctx, e)
	tracing.SetResponseAttributes(ctx, e.Status, 0, 0, "", attempts)
	if errors.Is(e, ErrNoCandidates) {
		g.logger.Info().
			Str("request_id", req.RequestID).
			Str("model", req.Model).
			Str("endpoint", req.Endpoint).
			Str("code", string(e.Code)).
			Msg("no candidates for request")
	}
	return e
}
