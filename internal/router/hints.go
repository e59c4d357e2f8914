package router

import (
	"encoding/json"
	"math"
)

// Hints are the client's provider preferences from the "provider" object of
// the request body.
type Hints struct {
	Order        []string `json:"order,omitempty"`
	Only         []string `json:"only,omitempty"`
	Ignore       []string `json:"ignore,omitempty"`
	IncludeAlpha bool     `json:"include_alpha,omitempty"`
}

// requestFields are the routing-relevant fields of a request body.
type requestFields struct {
	Provider            json.RawMessage `json:"provider"`
	MaxTokens           *float64        `json:"max_tokens"`
	MaxOutputTokens     *float64        `json:"max_output_tokens"`
	MaxCompletionTokens *float64        `json:"max_completion_tokens"`
}

type rawHints struct {
	Order             []string `json:"order"`
	Only              []string `json:"only"`
	Ignore            []string `json:"ignore"`
	IncludeAlpha      *bool    `json:"include_alpha"`
	IncludeAlphaCamel *bool    `json:"includeAlpha"`
}

// ParseBody extracts provider hints and the requested output token limit
// from a JSON request body. Malformed or missing fields yield zero values.
func ParseBody(body []byte) (Hints, int64) {
	var f requestFields
	if len(body) == 0 || json.Unmarshal(body, &f) != nil {
		return Hints{}, 0
	}

	var h Hints
	var rh rawHints
	if len(f.Provider) > 0 && json.Unmarshal(f.Provider, &rh) == nil {
		h.Order, h.Only, h.Ignore = rh.Order, rh.Only, rh.Ignore
		switch {
		case rh.IncludeAlpha != nil:
			h.IncludeAlpha = *rh.IncludeAlpha
		case rh.IncludeAlphaCamel != nil:
			h.IncludeAlpha = *rh.IncludeAlphaCamel
		}
	}

	var requested int64
	for _, v := range []*float64{f.MaxTokens, f.MaxOutputTokens, f.MaxCompletionTokens} {
		if v != nil && *v > 0 && !math.IsInf(*v, 0) {
			requested = int64(*v)
			break
		}
	}
	return h, requested
}

// tokenAffinity scores how closely a provider's output ceiling fits the
// requested limit: 1 for an exact fit, falling linearly to 0.5 at twice the
// request in headroom, 0.5 when either side is unknown, and 0 when the
// provider cannot serve the request.
func tokenAffinity(requested, providerMax int64) float64 {
	if requested <= 0 || providerMax <= 0 {
		return 0.5
	}
	if providerMax < requested {
		return 0
	}
	headroom := providerMax - requested
	if headroom == 0 {
		return 1
	}
	return clamp01(1 - float64(headroom)/float64(requested*4))
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
