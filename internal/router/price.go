package router

import (
	"math"

	"github.com/allaspectsdev/switchyard/internal/pricing"
	"github.com/allaspectsdev/switchyard/internal/provider"
)

var textEndpoints = map[string]bool{
	provider.EndpointResponses:       true,
	provider.EndpointChatCompletions: true,
	provider.EndpointMessages:        true,
}

var textMeters = []string{pricing.MeterInputTextTokens, pricing.MeterOutputTextTokens}

// priceMeters picks the meters to compare: the text token pair on text
// endpoints when every candidate prices both, else every meter shared by
// all candidates.
func priceMeters(endpoint string, maps []map[string]float64) []string {
	if len(maps) == 0 {
		return nil
	}
	var shared []string
	for meter := range maps[0] {
		inAll := true
		for _, m := range maps[1:] {
			if _, ok := m[meter]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			shared = append(shared, meter)
		}
	}
	if len(shared) == 0 {
		return nil
	}
	if textEndpoints[endpoint] {
		all := true
		for _, m := range maps {
			for _, meter := range textMeters {
				if _, ok := m[meter]; !ok {
					all = false
				}
			}
		}
		if all {
			return textMeters
		}
	}
	return shared
}

// priceScores returns a score in [0, 1] per candidate index: 1 for the
// cheapest, 0 for the most expensive, 0.5 when prices cannot be compared.
func priceScores(endpoint string, cards []*pricing.Card) []float64 {
	scores := make([]float64, len(cards))
	for i := range scores {
		scores[i] = 0.5
	}
	maps := make([]map[string]float64, len(cards))
	for i, c := range cards {
		maps[i] = c.MeterPrices()
	}
	meters := priceMeters(endpoint, maps)
	if len(meters) == 0 {
		return scores
	}

	prices := make([]float64, len(cards))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, m := range maps {
		for _, meter := range meters {
			prices[i] += m[meter]
		}
		lo = math.Min(lo, prices[i])
		hi = math.Max(hi, prices[i])
	}
	if hi-lo == 0 {
		return scores
	}
	for i, p := range prices {
		scores[i] = 1 - (p-lo)/(hi-lo)
	}
	return scores
}
