package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/allaspectsdev/switchyard/internal/health"
	"github.com/allaspectsdev/switchyard/internal/provider"
	"github.com/allaspectsdev/switchyard/internal/router"
	"github.com/allaspectsdev/switchyard/internal/tracing"
)

// AttemptType classifies one entry of the attempt log.
type AttemptType string

const (
	AttemptBlocked       AttemptType = "blocked"
	AttemptNoPricing     AttemptType = "no_pricing"
	AttemptNoExecutor    AttemptType = "unsupported_executor"
	AttemptError         AttemptType = "error"
	AttemptUpstreamNon2x AttemptType = "upstream_non_2xx"
	AttemptOK            AttemptType = "ok"
)

// Attempt is one entry of the attempt log.
type Attempt struct {
	Provider  string      `json:"provider"`
	Type      AttemptType `json:"type"`
	Status    int         `json:"status,omitempty"`
	Message   string      `json:"message,omitempty"`
	Probe     bool        `json:"probe,omitempty"`
	LatencyMs float64     `json:"latency_ms,omitempty"`
}

// Failed reports whether the attempt counts against the provider.
func (a Attempt) Failed() bool {
	return a.Type != AttemptOK
}

// bodyPreviewLen bounds the upstream body kept in an attempt message.
const bodyPreviewLen = 300

type attemptRun struct {
	req      Request
	base     string
	start    time.Time
	attempts []Attempt
	logger   zerolog.Logger
}

func (r *attemptRun) record(a Attempt) {
	r.attempts = append(r.attempts, a)
}

func (r *attemptRun) onlySkippedForPricing() bool {
	if len(r.attempts) == 0 {
		return false
	}
	for _, a := range r.attempts {
		if a.Type != AttemptNoPricing {
			return false
		}
	}
	return true
}

// attempt tries one ranked candidate. It returns a non-nil Outcome when the
// provider answered with a response the caller should see.
func (g *Gateway) attempt(ctx context.Context, run *attemptRun, rc router.Ranked, n int) *Outcome {
	c := rc.Candidate
	req := run.req
	// Health bookkeeping must land even when the caller has gone away.
	hctx := context.WithoutCancel(ctx)

	actx, span := tracing.StartAttemptSpan(ctx, c.ProviderID, n)
	defer span.End()

	logger := run.logger.With().Str("provider", c.ProviderID).Int("attempt", n).Logger()

	adm, err := g.health.Admit(hctx, req.Endpoint, c.ProviderID, run.base, req.TeamID, req.RequestID, &rc.Health)
	if err != nil {
		logger.Warn().Err(err).Msg("breaker admission failed, admitting")
		adm = health.AdmitClosed
	}
	if adm == health.AdmitBlocked {
		g.skip(ctx, run, span, Attempt{Provider: c.ProviderID, Type: AttemptBlocked}, string(adm))
		logger.Debug().Msg("breaker blocked attempt")
		return nil
	}
	probe := adm == health.AdmitProbe

	if c.Pricing == nil {
		g.skip(ctx, run, span, Attempt{Provider: c.ProviderID, Type: AttemptNoPricing, Probe: probe}, string(adm))
		logger.Debug().Msg("no price card, skipping")
		return nil
	}

	ex, err := g.source.Executor(c.ProviderID)
	if err != nil {
		g.skip(ctx, run, span, Attempt{Provider: c.ProviderID, Type: AttemptNoExecutor, Message: err.Error(), Probe: probe}, string(adm))
		logger.Warn().Err(err).Msg("no executor for provider")
		return nil
	}

	if err := g.health.OnCallStart(hctx, req.Endpoint, c.ProviderID, run.base); err != nil {
		logger.Warn().Err(err).Msg("health call start failed")
	}

	upstream := c.UpstreamModel
	if upstream == "" {
		upstream = run.base
	}
	callStart := g.now()
	res, err := ex.Execute(actx, provider.Request{
		Endpoint:      req.Endpoint,
		Model:         run.base,
		UpstreamModel: upstream,
		Body:          req.Body,
		Header:        req.Header,
		TeamID:        req.TeamID,
		RequestID:     req.RequestID,
		ProviderID:    c.ProviderID,
		Pricing:       c.Pricing,
		Stream:        req.Stream,
	})
	end := g.now()
	duration := msBetween(callStart, end)
	endToEnd := msBetween(run.start, end)

	if err != nil {
		g.settle(hctx, logger, req.Endpoint, c.ProviderID, run.base, probe, health.Observation{
			OK:           false,
			LatencyMs:    endToEnd,
			GenerationMs: duration,
		})
		status := provider.StatusOf(err)
		a := Attempt{Provider: c.ProviderID, Type: AttemptError, Status: status, Message: err.Error(), Probe: probe, LatencyMs: endToEnd}
		run.record(a)
		g.countAttempt(ctx, req.Endpoint, a, duration)
		tracing.EndAttempt(span, string(a.Type), string(adm), status, err)
		logger.Warn().Err(err).Int("status", status).Bool("probe", probe).Msg("attempt failed")
		return nil
	}

	generation := generationMs(res, duration)
	g.estimateUsage(run.base, req.Body, res)
	var finish *streamFinish
	if res.Kind == provider.KindStream && res.OK() {
		endpoint, providerID, model := req.Endpoint, c.ProviderID, run.base
		finish = &streamFinish{fn: func(ok bool, usage provider.Usage) {
			g.settle(hctx, logger, endpoint, providerID, model, probe, health.Observation{
				OK:           ok,
				LatencyMs:    endToEnd,
				GenerationMs: msBetween(end, g.now()),
				TokensIn:     usage.TokensIn,
				TokensOut:    usage.TokensOut,
			})
		}}
	} else {
		healthy := res.OK() || !provider.ShouldFailover(res.StatusCode)
		g.settle(hctx, logger, req.Endpoint, c.ProviderID, run.base, probe, health.Observation{
			OK:           healthy,
			LatencyMs:    endToEnd,
			GenerationMs: generation,
			TokensIn:     res.Usage.TokensIn,
			TokensOut:    res.Usage.TokensOut,
		})
	}

	a := Attempt{Provider: c.ProviderID, Type: AttemptOK, Status: res.StatusCode, Probe: probe, LatencyMs: endToEnd}
	if !res.OK() {
		a.Type = AttemptUpstreamNon2x
		a.Message = preview(res.Body)
	}
	run.record(a)
	g.countAttempt(ctx, req.Endpoint, a, duration)
	tracing.EndAttempt(span, string(a.Type), string(adm), res.StatusCode, nil)

	latency := res.LatencyMs
	if latency <= 0 {
		latency = max(0, endToEnd-generation)
	}
	logger.Debug().
		Int("status", res.StatusCode).
		Float64("end_to_end_ms", endToEnd).
		Bool("probe", probe).
		Msg("attempt completed")

	return &Outcome{
		Result:    res,
		Provider:  c.ProviderID,
		BaseModel: run.base,
		Probe:     probe,
		Attempts:  run.attempts,
		Timing: Timing{
			EndToEndMs:   endToEnd,
			LatencyMs:    latency,
			GenerationMs: generation,
		},
		finish: finish,
	}
}

// skip records an attempt that never reached the provider.
func (g *Gateway) skip(ctx context.Context, run *attemptRun, span trace.Span, a Attempt, admission string) {
	run.record(a)
	g.countAttempt(ctx, run.req.Endpoint, a, 0)
	tracing.EndAttempt(span, string(a.Type), admission, 0, nil)
}

func (g *Gateway) countAttempt(ctx context.Context, endpoint string, a Attempt, durationMs float64) {
	g.metrics.RecordAttempt(ctx, a.Provider, endpoint, string(a.Type), durationMs/1000)
	if g.collector != nil {
		g.collector.RecordAttempt(a.Provider, string(a.Type), a.Probe)
	}
}

// settle feeds the observation to the health store, then either resolves
// the probe or checks whether recent errors should open the breaker.
func (g *Gateway) settle(ctx context.Context, logger zerolog.Logger, endpoint, providerID, model string, probe bool, obs health.Observation) {
	if err := g.health.OnCallEnd(ctx, endpoint, providerID, model, obs); err != nil {
		logger.Warn().Err(err).Msg("health call end failed")
	}
	if probe {
		if err := g.health.ReportProbeResult(ctx, endpoint, providerID, model, obs.OK); err != nil {
			logger.Warn().Err(err).Msg("probe report failed")
		}
		return
	}
	if err := g.health.MaybeOpenOnRecentErrors(ctx, endpoint, providerID, model); err != nil {
		logger.Warn().Err(err).Msg("breaker check failed")
	}
}

// estimateUsage fills zero usage on completed results from the tokenizer.
func (g *Gateway) estimateUsage(model string, body []byte, res *provider.Result) {
	if g.tokens == nil || res.Kind != provider.KindCompleted {
		return
	}
	if res.Usage.TokensIn == 0 && len(body) > 0 {
		res.Usage.TokensIn = int64(CountInput(g.tokens, model, body))
	}
	if res.Usage.TokensOut == 0 && len(res.Body) > 0 && res.OK() {
		res.Usage.TokensOut = int64(g.tokens.CountTokens(model, string(res.Body)))
	}
}

// generationMs prefers the upstream's own split of the call duration.
func generationMs(res *provider.Result, durationMs float64) float64 {
	switch {
	case res.GenerationMs > 0:
		return res.GenerationMs
	case res.LatencyMs > 0:
		return max(0, durationMs-res.LatencyMs)
	default:
		return durationMs
	}
}

func msBetween(from, to time.Time) float64 {
	return float64(to.Sub(from).Microseconds()) / 1000
}

func preview(body []byte) string {
	if len(body) > bodyPreviewLen {
		return string(body[:bodyPreviewLen]) + "..."
	}
	return string(body)
}
