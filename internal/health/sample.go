package health

import (
	"hash/fnv"
	"math"
)

// SampleFraction maps (teamID, requestID) to a stable value in [0, 1] using
// 32-bit FNV-1a over "teamID|requestID".
func SampleFraction(teamID, requestID string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(teamID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(requestID))
	return float64(h.Sum32()) / float64(math.MaxUint32)
}

// IsProbe reports whether the request falls inside the probe fraction.
func IsProbe(teamID, requestID string, ratio float64) bool {
	return SampleFraction(teamID, requestID) < ratio
}
