package health

import (
	"time"

	"github.com/allaspectsdev/switchyard/internal/config"
)

// Decay windows.
const (
	Tau10s  = 10 * time.Second
	Tau60s  = 60 * time.Second
	Tau300s = 300 * time.Second
)

// DefaultLatencyMs seeds latency EWMAs for providers with no history.
const DefaultLatencyMs = 800.0

// Config holds the tunables for decay, load, and the breaker.
type Config struct {
	ErrorRateOpenThreshold float64
	BaseOpenSecs           float64
	MaxOpenSecs            float64
	LoadSoftCap            float64
	HalfOpenProbeRatio     float64
	HalfOpenMinProbes      int
	HalfOpenTestSecs       int
	OpenMinTotalFloor      float64
	OpenMinTotalFrac       float64
	StateTTL               time.Duration
	Overrides              map[string]Overrides
}

// Overrides replaces individual defaults for one provider. Zero fields are
// not overridden.
type Overrides struct {
	ErrorRateOpenThreshold float64 `json:"err_open_th,omitempty"`
	BaseOpenSecs           float64 `json:"base_open_secs,omitempty"`
	MaxOpenSecs            float64 `json:"max_open_secs,omitempty"`
	LoadSoftCap            float64 `json:"load_soft_cap,omitempty"`
}

// DefaultConfig returns the built-in tunables.
func DefaultConfig() Config {
	return FromConfig(config.DefaultConfig().Health)
}

// FromConfig converts the file configuration section.
func FromConfig(h config.HealthConfig) Config {
	c := Config{
		ErrorRateOpenThreshold: h.ErrorRateOpenThreshold,
		BaseOpenSecs:           float64(h.BaseOpenSecs),
		MaxOpenSecs:            float64(h.MaxOpenSecs),
		LoadSoftCap:            float64(h.LoadSoftCap),
		HalfOpenProbeRatio:     h.HalfOpenProbeRatio,
		HalfOpenMinProbes:      h.HalfOpenMinProbes,
		HalfOpenTestSecs:       h.HalfOpenTestSecs,
		OpenMinTotalFloor:      h.OpenMinTotalFloor,
		OpenMinTotalFrac:       h.OpenMinTotalFrac,
		StateTTL:               h.StateTTL(),
		Overrides:              make(map[string]Overrides, len(h.Overrides)),
	}
	for id, o := range h.Overrides {
		c.Overrides[id] = Overrides{
			ErrorRateOpenThreshold: o.ErrorRateOpenThreshold,
			BaseOpenSecs:           float64(o.BaseOpenSecs),
			MaxOpenSecs:            float64(o.MaxOpenSecs),
			LoadSoftCap:            float64(o.LoadSoftCap),
		}
	}
	return c
}

// providerDefaults resolves the per-provider tunables before any values
// stored in the field map are applied.
func (c Config) providerDefaults(provider string) Overrides {
	d := Overrides{
		ErrorRateOpenThreshold: c.ErrorRateOpenThreshold,
		BaseOpenSecs:           c.BaseOpenSecs,
		MaxOpenSecs:            c.MaxOpenSecs,
		LoadSoftCap:            c.LoadSoftCap,
	}
	o, ok := c.Overrides[provider]
	if !ok {
		return d
	}
	if o.ErrorRateOpenThreshold > 0 {
		d.ErrorRateOpenThreshold = o.ErrorRateOpenThreshold
	}
	if o.BaseOpenSecs > 0 {
		d.BaseOpenSecs = o.BaseOpenSecs
	}
	if o.MaxOpenSecs > 0 {
		d.MaxOpenSecs = o.MaxOpenSecs
	}
	if o.LoadSoftCap > 0 {
		d.LoadSoftCap = o.LoadSoftCap
	}
	return d
}

func (c Config) halfOpenTTL() time.Duration {
	return time.Duration(c.HalfOpenTestSecs) * time.Second
}
