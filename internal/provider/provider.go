// Package provider defines the routable candidate, the executor contract the
// failover loop calls, and the registry that turns configuration into the
// candidate pool for a model.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/allaspectsdev/switchyard/internal/pricing"
)

// Status is the rollout stage of a provider for a model.
type Status string

const (
	StatusActive   Status = "active"
	StatusBeta     Status = "beta"
	StatusAlpha    Status = "alpha"
	StatusNotReady Status = "not_ready"
)

// NormalizeStatus maps free-form status strings onto a Status. Unknown
// values are treated as active.
func NormalizeStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "beta":
		return StatusBeta
	case "alpha":
		return StatusAlpha
	case "not_ready", "notready", "not ready":
		return StatusNotReady
	default:
		return StatusActive
	}
}

// RolloutMultiplier discounts pre-release providers so they stay eligible
// but rarely win.
func (s Status) RolloutMultiplier() float64 {
	switch s {
	case StatusBeta:
		return 0.05
	case StatusAlpha:
		return 0.03
	default:
		return 1
	}
}

// Candidate is one provider able to serve a model.
type Candidate struct {
	ProviderID string
	Status     Status
	// Weight scales the routing score. Non-positive means 1.
	Weight float64
	// MaxOutputTokens is the provider's output ceiling, 0 when unknown.
	MaxOutputTokens int64
	// UpstreamModel is the model id sent to the provider.
	UpstreamModel string
	// Pricing, when already resolved, saves a lookup at attempt time.
	Pricing *pricing.Card
}

// Kind tells whether a Result carries a buffered body or a stream.
type Kind string

const (
	KindCompleted Kind = "completed"
	KindStream    Kind = "stream"
)

// Usage is the token accounting of one call.
type Usage struct {
	TokensIn  int64 `json:"tokens_in"`
	TokensOut int64 `json:"tokens_out"`
}

// Request is the envelope handed to an Executor.
type Request struct {
	Endpoint      string
	Model         string
	UpstreamModel string
	Body          []byte
	Header        http.Header
	TeamID        string
	RequestID     string
	ProviderID    string
	Pricing       *pricing.Card
	Stream        bool
}

// Result is what an Executor returns for a call that reached the provider.
type Result struct {
	Kind       Kind
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
	Usage      Usage
	// LatencyMs is the upstream time to first byte, 0 when not reported.
	LatencyMs float64
	// GenerationMs is the time from first byte to completion, 0 when not
	// reported.
	GenerationMs float64
	KeySource    string
}

// OK reports whether the upstream answered with a 2xx status.
func (r *Result) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Executor performs one upstream call. An error means the attempt failed
// and the next candidate should be tried.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (*Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// UpstreamError is a provider-side failure carrying the HTTP status.
type UpstreamError struct {
	Provider string
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("provider %s: upstream status %d: %s", e.Provider, e.Status, body)
}

// ShouldFailover reports whether a status from a provider means the next
// candidate should be tried: auth failures, timeouts, rate limits, and
// server errors.
func ShouldFailover(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

// StatusOf extracts the upstream status from err, or 0.
func StatusOf(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Status
	}
	return 0
}
