package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/allaspectsdev/switchyard/internal/router"
)

// ErrNoCandidates is wrapped by every *Error raised before any provider was
// called because the pool was empty.
var ErrNoCandidates = errors.New("gateway: no candidates")

// Code identifies a request-visible failure.
type Code string

const (
	CodeUnsupported          Code = "unsupported_model_or_endpoint"
	CodeNoViableProviders    Code = "no_viable_providers"
	CodePricingNotConfigured Code = "pricing_not_configured"
	CodeAllCandidatesFailed  Code = "all_candidates_failed"
)

// failureSampleSize bounds Details.FailureSample.
const failureSampleSize = 3

// Details is the diagnostic payload of an Error.
type Details struct {
	Reason          string              `json:"reason,omitempty"`
	Description     string              `json:"description,omitempty"`
	Model           string              `json:"model"`
	Endpoint        string              `json:"endpoint"`
	RequestID       string              `json:"request_id"`
	AttemptCount    int                 `json:"attempt_count,omitempty"`
	FailedProviders []string            `json:"failed_providers,omitempty"`
	FailedStatuses  []int               `json:"failed_statuses,omitempty"`
	FailureSample   []Attempt           `json:"failure_sample,omitempty"`
	Diagnostics     *router.Diagnostics `json:"routing_diagnostics,omitempty"`
}

// Error is a request-visible routing failure.
type Error struct {
	Code    Code
	Status  int
	Details Details
}

func (e *Error) Error() string {
	if e.Details.Reason != "" {
		return fmt.Sprintf("gateway: %s (%s) for model %q on %s", e.Code, e.Details.Reason, e.Details.Model, e.Details.Endpoint)
	}
	return fmt.Sprintf("gateway: %s for model %q on %s", e.Code, e.Details.Model, e.Details.Endpoint)
}

// Unwrap exposes ErrNoCandidates for empty-pool failures.
func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeUnsupported, CodeNoViableProviders:
		return ErrNoCandidates
	}
	return nil
}

func newError(code Code, req Request) *Error {
	status := http.StatusServiceUnavailable
	switch code {
	case CodeUnsupported:
		status = http.StatusNotFound
	case CodeAllCandidatesFailed:
		status = http.StatusBadGateway
	}
	return &Error{
		Code:   code,
		Status: status,
		Details: Details{
			Model:     req.Model,
			Endpoint:  req.Endpoint,
			RequestID: req.RequestID,
		},
	}
}

// allFailed aggregates the attempt log into an all_candidates_failed error.
func allFailed(req Request, attempts []Attempt, diag router.Diagnostics) *Error {
	e := newError(CodeAllCandidatesFailed, req)
	e.Details.Reason = string(CodeAllCandidatesFailed)
	e.Details.Description = "All provider candidates failed. Inspect failure_sample for upstream diagnostics."
	e.Details.AttemptCount = len(attempts)
	e.Details.Diagnostics = &diag
	for _, a := range attempts {
		if a.Provider != "" && !slices.Contains(e.Details.FailedProviders, a.Provider) {
			e.Details.FailedProviders = append(e.Details.FailedProviders, a.Provider)
		}
		if a.Status > 0 && !slices.Contains(e.Details.FailedStatuses, a.Status) {
			e.Details.FailedStatuses = append(e.Details.FailedStatuses, a.Status)
		}
	}
	e.Details.FailureSample = slices.Clone(attempts[:min(failureSampleSize, len(attempts))])
	return e
}
