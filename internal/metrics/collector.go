package metrics

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Collector keeps an in-memory running view of gateway traffic for the
// admin stats endpoint. Counters are lock-free; the per-provider table takes
// a mutex only when a provider is seen for the first time.
type Collector struct {
	totalRequests  atomic.Int64
	failedRequests atomic.Int64
	failovers      atomic.Int64
	blocked        atomic.Int64
	probes         atomic.Int64
	tokensIn       atomic.Int64
	tokensOut      atomic.Int64
	activeRequests atomic.Int64

	mu        sync.Mutex
	providers map[string]*providerCounters

	startTime time.Time
}

type providerCounters struct {
	attempts atomic.Int64
	failures atomic.Int64
}

// Stats is a point-in-time snapshot of the collector.
type Stats struct {
	Uptime         string                   `json:"uptime"`
	TotalRequests  int64                    `json:"total_requests"`
	FailedRequests int64                    `json:"failed_requests"`
	Failovers      int64                    `json:"failovers"`
	Blocked        int64                    `json:"blocked_attempts"`
	Probes         int64                    `json:"probe_attempts"`
	TokensIn       int64                    `json:"tokens_in"`
	TokensOut      int64                    `json:"tokens_out"`
	SuccessRate    float64                  `json:"success_rate"`
	ActiveRequests int64                    `json:"active_requests"`
	Providers      map[string]ProviderStats `json:"providers"`
}

// ProviderStats counts attempts for one provider.
type ProviderStats struct {
	Attempts int64 `json:"attempts"`
	Failures int64 `json:"failures"`
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		providers: make(map[string]*providerCounters),
		startTime: time.Now(),
	}
}

func (c *Collector) provider(id string) *providerCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.providers[id]
	if !ok {
		p = &providerCounters{}
		c.providers[id] = p
	}
	return p
}

// RecordAttempt counts one provider attempt. outcome is the attempt type
// ("ok", "error", "blocked", ...).
func (c *Collector) RecordAttempt(provider, outcome string, probe bool) {
	p := c.provider(provider)
	p.attempts.Add(1)
	switch outcome {
	case "ok":
	case "blocked":
		c.blocked.Add(1)
	default:
		p.failures.Add(1)
	}
	if probe {
		c.probes.Add(1)
	}
}

// RecordRequest counts one finished request. attempts is the number of
// candidates tried.
func (c *Collector) RecordRequest(ok bool, attempts int, tokensIn, tokensOut int64) {
	c.totalRequests.Add(1)
	if !ok {
		c.failedRequests.Add(1)
	}
	if attempts > 1 {
		c.failovers.Add(int64(attempts - 1))
	}
	c.tokensIn.Add(tokensIn)
	c.tokensOut.Add(tokensOut)
}

// IncrementActive marks a request as entering the failover loop.
func (c *Collector) IncrementActive() {
	c.activeRequests.Add(1)
}

// DecrementActive marks a request as done.
func (c *Collector) DecrementActive() {
	c.activeRequests.Add(-1)
}

// Stats returns a snapshot of every counter.
func (c *Collector) Stats() *Stats {
	total := c.totalRequests.Load()
	failed := c.failedRequests.Load()

	var rate float64
	if total > 0 {
		rate = float64(total-failed) / float64(total) * 100
	}

	c.mu.Lock()
	providers := make(map[string]ProviderStats, len(c.providers))
	for id, p := range c.providers {
		providers[id] = ProviderStats{Attempts: p.attempts.Load(), Failures: p.failures.Load()}
	}
	c.mu.Unlock()

	return &Stats{
		Uptime:         formatDuration(time.Since(c.startTime)),
		TotalRequests:  total,
		FailedRequests: failed,
		Failovers:      c.failovers.Load(),
		Blocked:        c.blocked.Load(),
		Probes:         c.probes.Load(),
		TokensIn:       c.tokensIn.Load(),
		TokensOut:      c.tokensOut.Load(),
		SuccessRate:    rate,
		ActiveRequests: c.activeRequests.Load(),
		Providers:      providers,
	}
}

// formatDuration renders d as a compact string like "2d 5h 32m".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	var s string
	add := func(v int, unit string) {
		if v <= 0 {
			return
		}
		if s != "" {
			s += " "
		}
		s += strconv.Itoa(v) + unit
	}
	add(days, "d")
	add(hours, "h")
	add(minutes, "m")
	if s == "" {
		return "0m"
	}
	return s
}
