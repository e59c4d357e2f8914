package health

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/allaspectsdev/switchyard/internal/audit"
)

// Admission is the breaker's verdict for one call.
type Admission string

const (
	// AdmitClosed lets the call proceed normally.
	AdmitClosed Admission = "closed"
	// AdmitProbe lets the call proceed as a half-open recovery probe.
	AdmitProbe Admission = "probe"
	// AdmitBlocked rejects the call.
	AdmitBlocked Admission = "blocked"
)

// Transition reasons.
const (
	ReasonOpen           = "open_breaker"
	ReasonClose          = "close_breaker"
	ReasonOpenToHalfOpen = "open_to_half_open"
	ReasonManualReset    = "manual_reset"
)

// halfOpenState is the probe bookkeeping kept while a breaker is half-open.
type halfOpenState struct {
	Ratio float64 `json:"p"`
	OK    int     `json:"ok"`
	Count int     `json:"cnt"`
}

// OpenDuration returns the open period after the given number of
// consecutive opens: base doubled per extra attempt, capped at max.
func OpenDuration(attempts int, baseSecs, maxSecs float64) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	secs := baseSecs * math.Pow(2, float64(attempts-1))
	if secs > maxSecs || math.IsInf(secs, 1) {
		secs = maxSecs
	}
	return time.Duration(secs * float64(time.Second))
}

// Admit decides whether a call to provider may proceed. An open breaker whose
// hold has expired is moved to half-open first. In half-open, a fixed
// fraction of (teamID, requestID) pairs is admitted as probes; the choice is
// a pure function of the ids, so retries of a request get the same verdict.
//
// snapshot, when non-nil, is used instead of reading the store.
func (s *Store) Admit(ctx context.Context, endpoint, provider, model, teamID, requestID string, snapshot *ProviderHealth) (Admission, error) {
	var h ProviderHealth
	if snapshot != nil {
		h = *snapshot
	} else {
		var err error
		if h, err = s.Read(ctx, endpoint, provider, model); err != nil {
			return AdmitClosed, err
		}
	}

	now := s.nowMs()
	switch h.Breaker {
	case BreakerOpen:
		if now < h.BreakerOpenUntilMs {
			return AdmitBlocked, nil
		}
		if err := s.toHalfOpen(ctx, endpoint, provider, model); err != nil {
			return AdmitBlocked, err
		}
		return s.sampleHalfOpen(ctx, endpoint, provider, model, teamID, requestID)
	case BreakerHalfOpen:
		return s.sampleHalfOpen(ctx, endpoint, provider, model, teamID, requestID)
	default:
		return AdmitClosed, nil
	}
}

func (s *Store) sampleHalfOpen(ctx context.Context, endpoint, provider, model, teamID, requestID string) (Admission, error) {
	ratio, err := s.ensureHalfOpen(ctx, endpoint, provider, model)
	if err != nil {
		return AdmitBlocked, err
	}
	if IsProbe(teamID, requestID, ratio) {
		return AdmitProbe, nil
	}
	return AdmitBlocked, nil
}

// ensureHalfOpen creates the probe map if missing and returns its ratio.
func (s *Store) ensureHalfOpen(ctx context.Context, endpoint, provider, model string) (float64, error) {
	cfg := s.config()
	raw, err := s.kv.Update(ctx, halfOpenKey(endpoint, model, provider), cfg.halfOpenTTL(), func(cur []byte, found bool) ([]byte, error) {
		if found {
			return nil, nil
		}
		return json.Marshal(halfOpenState{Ratio: cfg.HalfOpenProbeRatio})
	})
	if err != nil {
		return 0, fmt.Errorf("health: ensure half-open %s/%s/%s: %w", endpoint, model, provider, err)
	}
	var st halfOpenState
	if err := json.Unmarshal(raw, &st); err != nil {
		return 0, fmt.Errorf("health: decode half-open state: %w", err)
	}
	return st.Ratio, nil
}

// toHalfOpen flips an expired open breaker to half-open. A concurrent caller
// that already flipped it makes this a no-op.
func (s *Store) toHalfOpen(ctx context.Context, endpoint, provider, model string) error {
	var tr *Transition
	now := s.nowMs()
	err := s.updateMap(ctx, endpoint, model, func(m fieldMap) (bool, error) {
		tr = nil
		if m.breaker(provider) != BreakerOpen || now < int64(m.num(provider, "breaker_until_ms", 0)) {
			return false, nil
		}
		m[field(provider, "breaker")] = string(BreakerHalfOpen)
		tr = &Transition{
			From:        BreakerOpen,
			To:          BreakerHalfOpen,
			OpenUntilMs: int64(m.num(provider, "breaker_until_ms", 0)),
			Attempts:    int(m.num(provider, "breaker_attempts", 0)),
			Reason:      ReasonOpenToHalfOpen,
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	s.emit(endpoint, provider, model, tr)
	return nil
}

// OpenBreaker opens the breaker with exponential backoff, whatever its
// current state.
func (s *Store) OpenBreaker(ctx context.Context, endpoint, provider, model string) error {
	_, err := s.openBreaker(ctx, endpoint, provider, model)
	return err
}

// openBreaker opens the breaker if its current state is one of from (any
// state when from is empty). It reports whether a transition happened.
func (s *Store) openBreaker(ctx context.Context, endpoint, provider, model string, from ...BreakerState) (bool, error) {
	cfg := s.config()
	now := s.nowMs()
	var tr *Transition
	err := s.updateMap(ctx, endpoint, model, func(m fieldMap) (bool, error) {
		tr = nil
		cur := m.breaker(provider)
		if len(from) > 0 && !slices.Contains(from, cur) {
			return false, nil
		}
		d := cfg.providerDefaults(provider)
		base := m.tunable(provider, "base_open_secs", d.BaseOpenSecs)
		max := math.Max(m.tunable(provider, "max_open_secs", d.MaxOpenSecs), base)
		attempts := int(m.num(provider, "breaker_attempts", 0)) + 1
		until := now + OpenDuration(attempts, base, max).Milliseconds()

		m[field(provider, "breaker")] = string(BreakerOpen)
		m.setInt(provider, "breaker_attempts", int64(attempts))
		m.setInt(provider, "breaker_until_ms", until)
		tr = &Transition{From: cur, To: BreakerOpen, OpenUntilMs: until, Attempts: attempts, Reason: ReasonOpen}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if tr == nil {
		return false, nil
	}
	if err := s.kv.Delete(ctx, halfOpenKey(endpoint, model, provider)); err != nil {
		s.logger.Warn().Err(err).Str("provider", provider).Str("model", model).Msg("delete half-open state failed")
	}
	s.emit(endpoint, provider, model, tr)
	return true, nil
}

// CloseBreaker closes the breaker, resets its backoff, and clears the recent
// outcome counts so the error-rate check starts from a fresh window.
func (s *Store) CloseBreaker(ctx context.Context, endpoint, provider, model string) error {
	return s.closeBreaker(ctx, endpoint, provider, model, ReasonClose)
}

// Reset force-closes the breaker.
func (s *Store) Reset(ctx context.Context, endpoint, provider, model string) error {
	return s.closeBreaker(ctx, endpoint, provider, model, ReasonManualReset)
}

// closeBreaker closes the breaker if its current state is one of from (any
// state when from is empty).
func (s *Store) closeBreaker(ctx context.Context, endpoint, provider, model, reason string, from ...BreakerState) error {
	var tr *Transition
	err := s.updateMap(ctx, endpoint, model, func(m fieldMap) (bool, error) {
		tr = nil
		cur := m.breaker(provider)
		if len(from) > 0 && !slices.Contains(from, cur) {
			return false, nil
		}
		tr = &Transition{From: cur, To: BreakerClosed, Reason: reason}
		m[field(provider, "breaker")] = string(BreakerClosed)
		m.setInt(provider, "breaker_attempts", 0)
		m.setInt(provider, "breaker_until_ms", 0)
		m.setNum(provider, "rec_ok_ew_60s", 0)
		m.setNum(provider, "rec_tot_ew_60s", 0)
		return true, nil
	})
	if err != nil {
		return err
	}
	if tr == nil {
		return nil
	}
	if err := s.kv.Delete(ctx, halfOpenKey(endpoint, model, provider)); err != nil {
		s.logger.Warn().Err(err).Str("provider", provider).Str("model", model).Msg("delete half-open state failed")
	}
	s.emit(endpoint, provider, model, tr)
	return nil
}

// ReportProbeResult records a half-open probe outcome. Results that arrive
// when no probe window exists are dropped. Once enough probes have run, the
// breaker closes if all succeeded, re-opens if the error rate reaches the
// threshold, and otherwise stays half-open. Neither happens unless the
// breaker is still half-open.
func (s *Store) ReportProbeResult(ctx context.Context, endpoint, provider, model string, ok bool) error {
	cfg := s.config()
	raw, err := s.kv.Update(ctx, halfOpenKey(endpoint, model, provider), cfg.halfOpenTTL(), func(cur []byte, found bool) ([]byte, error) {
		if !found {
			return nil, nil
		}
		var st halfOpenState
		if err := json.Unmarshal(cur, &st); err != nil {
			return nil, fmt.Errorf("health: decode half-open state: %w", err)
		}
		st.Count++
		if ok {
			st.OK++
		}
		return json.Marshal(st)
	})
	if err != nil {
		return fmt.Errorf("health: report probe %s/%s/%s: %w", endpoint, model, provider, err)
	}
	if len(raw) == 0 {
		// No probe window: the breaker already closed or re-opened.
		return nil
	}
	var st halfOpenState
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("health: decode half-open state: %w", err)
	}
	if st.Count < cfg.HalfOpenMinProbes {
		return nil
	}
	if st.OK == st.Count {
		return s.closeBreaker(ctx, endpoint, provider, model, ReasonClose, BreakerHalfOpen)
	}

	h, err := s.Read(ctx, endpoint, provider, model)
	if err != nil {
		return err
	}
	errRate := 1 - float64(st.OK)/float64(st.Count)
	if errRate >= h.ErrorOpenThreshold {
		_, err := s.openBreaker(ctx, endpoint, provider, model, BreakerHalfOpen)
		return err
	}
	return nil
}

// MaybeOpenOnRecentErrors opens a closed breaker when the decayed outcome
// count over the last minute is large enough to trust and its error rate
// reaches the threshold. The minimum count is the larger of a fixed floor and
// a fraction of the calls the 60s request rate predicts.
func (s *Store) MaybeOpenOnRecentErrors(ctx context.Context, endpoint, provider, model string) error {
	h, err := s.Read(ctx, endpoint, provider, model)
	if err != nil {
		return err
	}
	if h.Breaker != BreakerClosed {
		return nil
	}
	cfg := s.config()
	expected := h.RequestRate60s * 60
	minNeeded := math.Max(cfg.OpenMinTotalFloor, cfg.OpenMinTotalFrac*expected)
	if h.RecentTotal60s < minNeeded {
		return nil
	}
	errRate := 1 - h.RecentOk60s/math.Max(h.RecentTotal60s, 1)
	if errRate < h.ErrorOpenThreshold {
		return nil
	}
	_, err = s.openBreaker(ctx, endpoint, provider, model, BreakerClosed)
	return err
}

// emit logs a committed transition and mirrors it to the recorder and hook.
func (s *Store) emit(endpoint, provider, model string, tr *Transition) {
	if tr == nil {
		return
	}
	tr.Endpoint, tr.Provider, tr.Model = endpoint, provider, model
	tr.At = s.now()

	s.logger.Info().
		Str("endpoint", endpoint).
		Str("provider", provider).
		Str("model", model).
		Str("from", string(tr.From)).
		Str("to", string(tr.To)).
		Int64("open_until_ms", tr.OpenUntilMs).
		Int("attempts", tr.Attempts).
		Str("reason", tr.Reason).
		Msg("breaker transition")

	s.recorder.Record(audit.BreakerEvent{
		ProviderID:   provider,
		Model:        model,
		Endpoint:     endpoint,
		State:        string(tr.To),
		OpenUntilMs:  tr.OpenUntilMs,
		Reason:       tr.Reason,
		TransitionAt: tr.At,
	})
	if s.onTransition != nil {
		s.onTransition(*tr)
	}
}
