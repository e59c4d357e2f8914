// Package health tracks exponentially decayed call metrics per
// (endpoint, model, provider) and runs the circuit breaker that gates
// admission to each provider.
//
// All state lives in a kv.Store: one JSON field map per (endpoint, model)
// holding "<provider>::<metric>" entries, plus a short-lived half-open probe
// map per (endpoint, model, provider). Decay is applied lazily whenever a
// metric is written, so no background ticker is needed.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/switchyard/internal/audit"
	"github.com/allaspectsdev/switchyard/internal/kv"
)

// BreakerState is the circuit breaker state of one provider.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

func parseBreakerState(s string) BreakerState {
	switch BreakerState(s) {
	case BreakerOpen, BreakerHalfOpen:
		return BreakerState(s)
	default:
		return BreakerClosed
	}
}

// ProviderHealth is the decoded view of one provider's entries in the field
// map. Zero-valued fields have been replaced by their defaults.
type ProviderHealth struct {
	Provider string `json:"provider"`

	LatencyEwma10s  float64 `json:"lat_ewma_10s"`
	LatencyEwma60s  float64 `json:"lat_ewma_60s"`
	LatencyEwma300s float64 `json:"lat_ewma_300s"`

	ErrorEwma10s  float64 `json:"err_ewma_10s"`
	ErrorEwma60s  float64 `json:"err_ewma_60s"`
	ErrorEwma300s float64 `json:"err_ewma_300s"`

	RequestRate10s float64 `json:"rate_10s"`
	RequestRate60s float64 `json:"rate_60s"`

	ThroughputEwma60s float64 `json:"tp_ewma_60s"`

	RecentOk60s    float64 `json:"rec_ok_ew_60s"`
	RecentTotal60s float64 `json:"rec_tot_ew_60s"`

	Inflight    int64   `json:"inflight"`
	CurrentLoad float64 `json:"current_load"`

	Breaker             BreakerState `json:"breaker"`
	BreakerOpenUntilMs  int64        `json:"breaker_until_ms"`
	BreakerOpenAttempts int          `json:"breaker_attempts"`

	LastTs10s     int64 `json:"last_ts_10s"`
	LastTs60s     int64 `json:"last_ts_60s"`
	LastTs300s    int64 `json:"last_ts_300s"`
	LastUpdatedMs int64 `json:"last_updated"`

	ErrorOpenThreshold float64 `json:"err_open_th"`
	BaseOpenSecs       float64 `json:"base_open_secs"`
	MaxOpenSecs        float64 `json:"max_open_secs"`
	LoadSoftCap        float64 `json:"load_soft_cap"`
}

// IsOpenAt reports whether the breaker is open and still holding at nowMs.
func (h ProviderHealth) IsOpenAt(nowMs int64) bool {
	return h.Breaker == BreakerOpen && h.BreakerOpenUntilMs > nowMs
}

// Observation is the outcome of one provider call.
type Observation struct {
	OK           bool
	LatencyMs    float64
	GenerationMs float64
	TokensIn     int64
	TokensOut    int64
}

// Transition describes a breaker state change.
type Transition struct {
	Endpoint    string
	Model       string
	Provider    string
	From        BreakerState
	To          BreakerState
	OpenUntilMs int64
	Attempts    int
	Reason      string
	At          time.Time
}

// Store reads and updates provider health. It holds no in-process state
// beyond its collaborators; every method is safe for concurrent use.
type Store struct {
	kv           kv.Store
	config       func() Config
	now          func() time.Time
	recorder     audit.Recorder
	onTransition func(Transition)
	logger       zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithConfig fixes the tunables.
func WithConfig(c Config) Option {
	return func(s *Store) { s.config = func() Config { return c } }
}

// WithConfigSource reads the tunables on every operation, so reloaded
// configuration applies without rebuilding the Store.
func WithConfigSource(fn func() Config) Option {
	return func(s *Store) { s.config = fn }
}

// WithRecorder mirrors breaker transitions into an audit recorder.
func WithRecorder(r audit.Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithTransitionHook calls fn after every committed breaker transition.
func WithTransitionHook(fn func(Transition)) Option {
	return func(s *Store) { s.onTransition = fn }
}

// NewStore creates a Store over backing.
func NewStore(backing kv.Store, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		kv:       backing,
		config:   DefaultConfig,
		now:      time.Now,
		recorder: audit.Discard,
		logger:   logger.With().Str("component", "health").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }

func healthKey(endpoint, model string) string {
	return "health:" + endpoint + ":" + model
}

func halfOpenKey(endpoint, model, provider string) string {
	return "health_half:" + endpoint + ":" + model + ":" + provider
}

// fieldMap is the decoded per-(endpoint, model) health map.
type fieldMap map[string]string

func field(provider, metric string) string {
	return provider + "::" + metric
}

func decodeFieldMap(raw []byte) (fieldMap, error) {
	m := fieldMap{}
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("health: decode field map: %w", err)
	}
	return m, nil
}

func (m fieldMap) encode() ([]byte, error) {
	return json.Marshal(map[string]string(m))
}

// num returns the numeric field or def when absent or unparsable.
func (m fieldMap) num(provider, metric string, def float64) float64 {
	v, ok := m[field(provider, metric)]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return def
	}
	return f
}

func (m fieldMap) setNum(provider, metric string, v float64) {
	m[field(provider, metric)] = strconv.FormatFloat(v, 'f', -1, 64)
}

func (m fieldMap) setInt(provider, metric string, v int64) {
	m[field(provider, metric)] = strconv.FormatInt(v, 10)
}

func (m fieldMap) breaker(provider string) BreakerState {
	return parseBreakerState(m[field(provider, "breaker")])
}

// tunable resolves a per-provider setting: stored value, then configured
// default. Non-positive stored values are ignored.
func (m fieldMap) tunable(provider, metric string, def float64) float64 {
	if v := m.num(provider, metric, 0); v > 0 {
		return v
	}
	return def
}

// decode builds the ProviderHealth for provider from the map.
func (m fieldMap) decode(provider string, cfg Config) ProviderHealth {
	d := cfg.providerDefaults(provider)
	return ProviderHealth{
		Provider:            provider,
		LatencyEwma10s:      m.num(provider, "lat_ewma_10s", DefaultLatencyMs),
		LatencyEwma60s:      m.num(provider, "lat_ewma_60s", DefaultLatencyMs),
		LatencyEwma300s:     m.num(provider, "lat_ewma_300s", DefaultLatencyMs),
		ErrorEwma10s:        m.num(provider, "err_ewma_10s", 0),
		ErrorEwma60s:        m.num(provider, "err_ewma_60s", 0),
		ErrorEwma300s:       m.num(provider, "err_ewma_300s", 0),
		RequestRate10s:      m.num(provider, "rate_10s", 0),
		RequestRate60s:      m.num(provider, "rate_60s", 0),
		ThroughputEwma60s:   m.num(provider, "tp_ewma_60s", 0),
		RecentOk60s:         m.num(provider, "rec_ok_ew_60s", 0),
		RecentTotal60s:      m.num(provider, "rec_tot_ew_60s", 0),
		Inflight:            int64(m.num(provider, "inflight", 0)),
		CurrentLoad:         m.num(provider, "current_load", 0),
		Breaker:             m.breaker(provider),
		BreakerOpenUntilMs:  int64(m.num(provider, "breaker_until_ms", 0)),
		BreakerOpenAttempts: int(m.num(provider, "breaker_attempts", 0)),
		LastTs10s:           int64(m.num(provider, "last_ts_10s", 0)),
		LastTs60s:           int64(m.num(provider, "last_ts_60s", 0)),
		LastTs300s:          int64(m.num(provider, "last_ts_300s", 0)),
		LastUpdatedMs:       int64(m.num(provider, "last_updated", 0)),
		ErrorOpenThreshold:  m.tunable(provider, "err_open_th", d.ErrorRateOpenThreshold),
		BaseOpenSecs:        m.tunable(provider, "base_open_secs", d.BaseOpenSecs),
		MaxOpenSecs:         m.tunable(provider, "max_open_secs", d.MaxOpenSecs),
		LoadSoftCap:         m.tunable(provider, "load_soft_cap", d.LoadSoftCap),
	}
}

func (s *Store) loadMap(ctx context.Context, endpoint, model string) (fieldMap, error) {
	raw, err := s.kv.Get(ctx, healthKey(endpoint, model))
	if errors.Is(err, kv.ErrNotFound) {
		return fieldMap{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("health: load %s/%s: %w", endpoint, model, err)
	}
	return decodeFieldMap(raw)
}

// updateMap applies fn to the field map inside one atomic kv update. fn
// returns false to leave the map unchanged.
func (s *Store) updateMap(ctx context.Context, endpoint, model string, fn func(m fieldMap) (bool, error)) error {
	_, err := s.kv.Update(ctx, healthKey(endpoint, model), s.config().StateTTL, func(cur []byte, _ bool) ([]byte, error) {
		m, err := decodeFieldMap(cur)
		if err != nil {
			return nil, err
		}
		changed, err := fn(m)
		if err != nil || !changed {
			return nil, err
		}
		return m.encode()
	})
	if err != nil {
		return fmt.Errorf("health: update %s/%s: %w", endpoint, model, err)
	}
	return nil
}

// Read returns the health of one provider, with defaults if nothing has been
// recorded.
func (s *Store) Read(ctx context.Context, endpoint, provider, model string) (ProviderHealth, error) {
	m, err := s.loadMap(ctx, endpoint, model)
	if err != nil {
		return ProviderHealth{}, err
	}
	return m.decode(provider, s.config()), nil
}

// ReadMany returns the health of each provider with a single store read.
func (s *Store) ReadMany(ctx context.Context, endpoint, model string, providers []string) (map[string]ProviderHealth, error) {
	m, err := s.loadMap(ctx, endpoint, model)
	if err != nil {
		return nil, err
	}
	cfg := s.config()
	out := make(map[string]ProviderHealth, len(providers))
	for _, p := range providers {
		out[p] = m.decode(p, cfg)
	}
	return out, nil
}

// OnCallStart counts a call as in flight and refreshes the load estimate.
func (s *Store) OnCallStart(ctx context.Context, endpoint, provider, model string) error {
	cfg := s.config()
	return s.updateMap(ctx, endpoint, model, func(m fieldMap) (bool, error) {
		softCap := m.tunable(provider, "load_soft_cap", cfg.providerDefaults(provider).LoadSoftCap)
		inflight := int64(m.num(provider, "inflight", 0)) + 1
		m.setInt(provider, "inflight", inflight)
		m.setNum(provider, "current_load", math.Min(1, float64(inflight)/math.Max(softCap, 1)))
		return true, nil
	})
}

// OnCallEnd folds one call outcome into every decayed metric and releases
// the in-flight slot taken by OnCallStart.
func (s *Store) OnCallEnd(ctx context.Context, endpoint, provider, model string, obs Observation) error {
	cfg := s.config()
	now := s.nowMs()
	return s.updateMap(ctx, endpoint, model, func(m fieldMap) (bool, error) {
		last := func(metric string) int64 {
			if v := int64(m.num(provider, metric, 0)); v > 0 {
				return v
			}
			return now
		}
		d10 := decayFactor(now, last("last_ts_10s"), Tau10s)
		d60 := decayFactor(now, last("last_ts_60s"), Tau60s)
		d300 := decayFactor(now, last("last_ts_300s"), Tau300s)

		lat := math.Max(obs.LatencyMs, 0)
		m.setNum(provider, "lat_ewma_10s", ewma(m.num(provider, "lat_ewma_10s", DefaultLatencyMs), lat, d10))
		m.setNum(provider, "lat_ewma_60s", ewma(m.num(provider, "lat_ewma_60s", DefaultLatencyMs), lat, d60))
		m.setNum(provider, "lat_ewma_300s", ewma(m.num(provider, "lat_ewma_300s", DefaultLatencyMs), lat, d300))

		errSample, okSample := 1.0, 0.0
		if obs.OK {
			errSample, okSample = 0, 1
		}
		m.setNum(provider, "err_ewma_10s", ewma(m.num(provider, "err_ewma_10s", 0), errSample, d10))
		m.setNum(provider, "err_ewma_60s", ewma(m.num(provider, "err_ewma_60s", 0), errSample, d60))
		m.setNum(provider, "err_ewma_300s", ewma(m.num(provider, "err_ewma_300s", 0), errSample, d300))

		m.setNum(provider, "rate_10s", rate(m.num(provider, "rate_10s", 0), d10, Tau10s))
		m.setNum(provider, "rate_60s", rate(m.num(provider, "rate_60s", 0), d60, Tau60s))

		if tps, ok := throughput(float64(obs.TokensIn+obs.TokensOut), obs.GenerationMs); ok {
			m.setNum(provider, "tp_ewma_60s", ewma(m.num(provider, "tp_ewma_60s", 0), tps, d60))
		}

		m.setNum(provider, "rec_ok_ew_60s", decayedCount(m.num(provider, "rec_ok_ew_60s", 0), okSample, d60))
		m.setNum(provider, "rec_tot_ew_60s", decayedCount(m.num(provider, "rec_tot_ew_60s", 0), 1, d60))

		softCap := m.tunable(provider, "load_soft_cap", cfg.providerDefaults(provider).LoadSoftCap)
		inflight := int64(m.num(provider, "inflight", 0)) - 1
		if inflight < 0 {
			inflight = 0
		}
		m.setInt(provider, "inflight", inflight)
		m.setNum(provider, "current_load", math.Min(1, float64(inflight)/math.Max(softCap, 1)))

		m.setInt(provider, "last_ts_10s", now)
		m.setInt(provider, "last_ts_60s", now)
		m.setInt(provider, "last_ts_300s", now)
		m.setInt(provider, "last_updated", now)
		return true, nil
	})
}

// SetOverrides stores per-provider tunables in the field map, where they take
// precedence over configured defaults. Zero fields remove the stored value.
func (s *Store) SetOverrides(ctx context.Context, endpoint, provider, model string, o Overrides) error {
	return s.updateMap(ctx, endpoint, model, func(m fieldMap) (bool, error) {
		set := func(metric string, v float64) {
			if v > 0 {
				m.setNum(provider, metric, v)
			} else {
				delete(m, field(provider, metric))
			}
		}
		set("err_open_th", o.ErrorRateOpenThreshold)
		set("base_open_secs", o.BaseOpenSecs)
		set("max_open_secs", o.MaxOpenSecs)
		set("load_soft_cap", o.LoadSoftCap)
		return true, nil
	})
}
