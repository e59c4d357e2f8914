package router

import "strings"

// Priority is the latency tier requested with a model suffix.
type Priority string

const (
	PriorityDefault Priority = "default"
	PriorityFast    Priority = "fast"
	PriorityQuick   Priority = "quick"
	PriorityNitro   Priority = "nitro"
)

// Mode overrides the preset weights wholesale.
type Mode string

const (
	ModeBalanced   Mode = "balanced"
	ModePrice      Mode = "price"
	ModeLatency    Mode = "latency"
	ModeThroughput Mode = "throughput"
)

// Preset is the set of scoring weights for one priority tier.
type Preset struct {
	WSucc  float64 `json:"w_succ"`
	WP50   float64 `json:"w_p50"`
	WTail  float64 `json:"w_tail"`
	WTPS   float64 `json:"w_tps"`
	WLoad  float64 `json:"w_load"`
	WPrice float64 `json:"w_price"`
	Noise  float64 `json:"noise"`
	// L0 is the latency in ms at which the p50 curve reaches one half.
	L0 float64 `json:"l0"`
}

var presets = map[Priority]Preset{
	PriorityDefault: {WSucc: 0.35, WP50: 0.35, WTail: 0.15, WTPS: 0.10, WLoad: 0.05, Noise: 0.02, L0: 800},
	PriorityFast:    {WSucc: 0.30, WP50: 0.50, WTail: 0.15, WTPS: 0.03, WLoad: 0.02, Noise: 0.005, L0: 600},
	PriorityQuick:   {WSucc: 0.25, WP50: 0.45, WTail: 0.20, WTPS: 0.08, WLoad: 0.02, Noise: 0.015, L0: 500},
	PriorityNitro:   {WSucc: 0.24, WP50: 0.10, WTail: 0.06, WTPS: 0.55, WLoad: 0.05, Noise: 0.001, L0: 500},
}

// ParsePriority strips a :fast, :quick or :nitro suffix from model. Any
// suffixed tier is strict: candidates are ordered by score alone.
func ParsePriority(model string) (base string, p Priority, strict bool) {
	lower := strings.ToLower(model)
	for _, tier := range []Priority{PriorityNitro, PriorityFast, PriorityQuick} {
		suffix := ":" + string(tier)
		if strings.HasSuffix(lower, suffix) {
			return model[:len(model)-len(suffix)], tier, true
		}
	}
	return model, PriorityDefault, false
}

// BaseModel returns model without its priority suffix.
func BaseModel(model string) string {
	base, _, _ := ParsePriority(model)
	return base
}

// ParseMode maps a routing mode hint onto a Mode. Unknown values are
// balanced.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePrice:
		return ModePrice
	case ModeLatency:
		return ModeLatency
	case ModeThroughput:
		return ModeThroughput
	default:
		return ModeBalanced
	}
}

// PresetFor returns the weights for a tier with the mode applied. Modes
// replace the six weights and keep the tier's noise and L0.
func PresetFor(p Priority, m Mode) Preset {
	ps, ok := presets[p]
	if !ok {
		ps = presets[PriorityDefault]
	}
	switch m {
	case ModePrice:
		ps.WSucc, ps.WP50, ps.WTail, ps.WTPS, ps.WLoad, ps.WPrice = 0.25, 0.15, 0.10, 0.05, 0.05, 0.40
	case ModeLatency:
		ps.WSucc, ps.WP50, ps.WTail, ps.WTPS, ps.WLoad, ps.WPrice = 0.25, 0.55, 0.15, 0.02, 0.03, 0
	case ModeThroughput:
		ps.WSucc, ps.WP50, ps.WTail, ps.WTPS, ps.WLoad, ps.WPrice = 0.20, 0.20, 0.10, 0.40, 0.10, 0
	}
	return ps
}
