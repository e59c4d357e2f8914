package health

import (
	"math"
	"time"
)

// decayFactor returns exp(-(now-last)/tau). A last timestamp in the future
// is treated as now.
func decayFactor(nowMs, lastMs int64, tau time.Duration) float64 {
	dt := nowMs - lastMs
	if dt < 0 {
		dt = 0
	}
	return math.Exp(-float64(dt) / float64(tau.Milliseconds()))
}

// ewma blends sample into prev with weight 1-d.
func ewma(prev, sample, d float64) float64 {
	return prev*d + (1-d)*sample
}

// rate advances an arrival-rate estimator by one event.
func rate(prev, d float64, tau time.Duration) float64 {
	return prev*d + 1000/float64(tau.Milliseconds())
}

// decayedCount advances a decayed event count by sample.
func decayedCount(prev, sample, d float64) float64 {
	return prev*d + sample
}

// throughput returns tokens per second of generation time, or false when
// either input is missing.
func throughput(tokens, generationMs float64) (float64, bool) {
	if tokens <= 0 || generationMs <= 0 {
		return 0, false
	}
	return tokens / math.Max(generationMs/1000, 0.001), true
}
