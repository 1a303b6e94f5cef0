// Package monitoring watches the per-preset counters and circuit breakers
// and posts alerts to a webhook when a preset degrades.
package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metadata-extractor/internal/model"
	"github.com/sells-group/metadata-extractor/internal/resilience"
)

// StatsLister reads the accumulated preset counters.
type StatsLister interface {
	ListPresetStats(ctx context.Context) ([]model.PresetStats, error)
}

// BreakerStates reports the circuit state of each preset.
type BreakerStates interface {
	States() map[string]resilience.CircuitState
}

// PresetSnapshot is the counter movement of one preset over a window.
type PresetSnapshot struct {
	Preset      string  `json:"preset"`
	Requests    int64   `json:"requests"`
	Succeeded   int64   `json:"succeeded"`
	Failed      int64   `json:"failed"`
	RetryErrors int64   `json:"retry_errors"`
	FailureRate float64 `json:"failure_rate"`
	RetryRate   float64 `json:"retry_rate"` // retry errors per finished request
}

// MetricsSnapshot is a point-in-time view of extraction health.
type MetricsSnapshot struct {
	Presets      []PresetSnapshot `json:"presets"`
	OpenCircuits []string         `json:"open_circuits,omitempty"`
	Window       time.Duration    `json:"window"`
	CollectedAt  time.Time        `json:"collected_at"`
}

// Collector turns cumulative counters into per-window snapshots.
type Collector struct {
	stats    StatsLister
	breakers BreakerStates

	mu   sync.Mutex
	prev map[string]model.PresetStats
	last time.Time
	now  func() time.Time
}

// NewCollector creates a collector. breakers may be nil.
func NewCollector(stats StatsLister, breakers BreakerStates) *Collector {
	return &Collector{
		stats:    stats,
		breakers: breakers,
		now:      time.Now,
	}
}

// Collect returns the counter movement since the previous call. The first
// call covers everything recorded so far.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	stats, err := c.stats.ListPresetStats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list preset stats")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	snap := &MetricsSnapshot{CollectedAt: now}
	if !c.last.IsZero() {
		snap.Window = now.Sub(c.last)
	}

	next := make(map[string]model.PresetStats, len(stats))
	for _, s := range stats {
		next[s.Preset] = s
		p := c.prev[s.Preset]

		ps := PresetSnapshot{
			Preset:      s.Preset,
			Succeeded:   s.SuccessCount - p.SuccessCount,
			Failed:      s.FailureCount - p.FailureCount,
			RetryErrors: s.RetryErrorCount - p.RetryErrorCount,
		}
		ps.Requests = ps.Succeeded + ps.Failed
		if ps.Requests > 0 {
			ps.FailureRate = float64(ps.Failed) / float64(ps.Requests)
			ps.RetryRate = float64(ps.RetryErrors) / float64(ps.Requests)
		}
		snap.Presets = append(snap.Presets, ps)
	}
	c.prev = next
	c.last = now

	if c.breakers != nil {
		for preset, state := range c.breakers.States() {
			if state == resilience.CircuitOpen {
				snap.OpenCircuits = append(snap.OpenCircuits, preset)
			}
		}
		sort.Strings(snap.OpenCircuits)
	}
	return snap, nil
}
