// Package audit mirrors circuit-breaker transitions into durable sinks for
// dashboards. Delivery is best effort: sink failures are logged and never
// reach the request path.
package audit

import "time"

// BreakerEvent describes one breaker state transition for an
// (endpoint, model, provider) triple.
type BreakerEvent struct {
	ID           string    `json:"id"`
	ProviderID   string    `json:"provider_id"`
	Model        string    `json:"model_id"`
	Endpoint     string    `json:"endpoint"`
	State        string    `json:"breaker_state"`
	OpenUntilMs  int64     `json:"open_until_ms"`
	Reason       string    `json:"last_reason"`
	TransitionAt time.Time `json:"last_transition_at"`
}

// Deranked reports whether the provider is excluded from routing as of the
// transition: open with an expiry still in the future.
func (e BreakerEvent) Deranked() bool {
	return e.State == "open" && e.OpenUntilMs > e.TransitionAt.UnixMilli()
}

// OpenUntil returns the open-until instant, or nil when the breaker is not
// holding an expiry.
func (e BreakerEvent) OpenUntil() *time.Time {
	if e.OpenUntilMs <= 0 {
		return nil
	}
	t := time.UnixMilli(e.OpenUntilMs).UTC()
	return &t
}
