// Package metrics provides in-process operational metrics for a
// simulation run: how many epochs, circuits, guards, streams, packets,
// and trace rows it has processed, plus the per-epoch wall-clock time
// it took. The atomic Counter/Gauge/Histogram primitives are unchanged
// from the teacher's metrics package; only the field set they're
// assembled into is specific to this simulator.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects counters and gauges for one simulation run.
type Metrics struct {
	// Epoch progress
	EpochsProcessed *Counter
	EpochDuration   *Histogram

	// Circuit metrics
	CircuitsBuilt    *Counter
	CircuitsReused   *Counter
	CircuitBuildFail *Counter
	ActiveCircuits   *Gauge

	// Guard metrics
	GuardsSampled   *Counter
	GuardsConfirmed *Counter
	GuardsRemoved   *Counter
	ActiveGuards    *Gauge

	// Stream / request metrics
	StreamsStarted   *Counter
	StreamsRejected  *Counter
	PacketsEmitted   *Counter
	TraceRowsWritten *Counter

	// System metrics
	Uptime      *Gauge
	startTime   time.Time
	startTimeMu sync.RWMutex
}

// New creates a new metrics instance.
func New() *Metrics {
	return &Metrics{
		EpochsProcessed: NewCounter(),
		EpochDuration:   NewHistogram(),

		CircuitsBuilt:    NewCounter(),
		CircuitsReused:   NewCounter(),
		CircuitBuildFail: NewCounter(),
		ActiveCircuits:   NewGauge(),

		GuardsSampled:   NewCounter(),
		GuardsConfirmed: NewCounter(),
		GuardsRemoved:   NewCounter(),
		ActiveGuards:    NewGauge(),

		StreamsStarted:   NewCounter(),
		StreamsRejected:  NewCounter(),
		PacketsEmitted:   NewCounter(),
		TraceRowsWritten: NewCounter(),

		Uptime:    NewGauge(),
		startTime: time.Now(),
	}
}

// RecordEpoch records the wall-clock duration of one processed epoch.
func (m *Metrics) RecordEpoch(duration time.Duration) {
	m.EpochsProcessed.Inc()
	m.EpochDuration.Observe(duration)
}

// RecordCircuitBuild records a circuit build attempt and its outcome.
func (m *Metrics) RecordCircuitBuild(success, reused bool) {
	if !success {
		m.CircuitBuildFail.Inc()
		return
	}
	if reused {
		m.CircuitsReused.Inc()
	} else {
		m.CircuitsBuilt.Inc()
	}
}

// RecordStream records one dispatched request and its response packets.
func (m *Metrics) RecordStream(accepted bool, packetCount int) {
	if !accepted {
		m.StreamsRejected.Inc()
		return
	}
	m.StreamsStarted.Inc()
	m.PacketsEmitted.Add(int64(packetCount))
}

// UpdateUptime updates the uptime gauge to the elapsed time since New.
func (m *Metrics) UpdateUptime() {
	m.startTimeMu.RLock()
	defer m.startTimeMu.RUnlock()
	m.Uptime.Set(int64(time.Since(m.startTime).Seconds()))
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() *Snapshot {
	m.UpdateUptime()
	return &Snapshot{
		EpochsProcessed:  m.EpochsProcessed.Value(),
		EpochDurationAvg: m.EpochDuration.Mean(),
		EpochDurationP95: m.EpochDuration.Percentile(0.95),

		CircuitsBuilt:    m.CircuitsBuilt.Value(),
		CircuitsReused:   m.CircuitsReused.Value(),
		CircuitBuildFail: m.CircuitBuildFail.Value(),
		ActiveCircuits:   m.ActiveCircuits.Value(),

		GuardsSampled:   m.GuardsSampled.Value(),
		GuardsConfirmed: m.GuardsConfirmed.Value(),
		GuardsRemoved:   m.GuardsRemoved.Value(),
		ActiveGuards:    m.ActiveGuards.Value(),

		StreamsStarted:   m.StreamsStarted.Value(),
		StreamsRejected:  m.StreamsRejected.Value(),
		PacketsEmitted:   m.PacketsEmitted.Value(),
		TraceRowsWritten: m.TraceRowsWritten.Value(),

		UptimeSeconds: m.Uptime.Value(),
	}
}

// Snapshot represents a point-in-time snapshot of metrics.
type Snapshot struct {
	EpochsProcessed  int64
	EpochDurationAvg time.Duration
	EpochDurationP95 time.Duration

	CircuitsBuilt    int64
	CircuitsReused   int64
	CircuitBuildFail int64
	ActiveCircuits   int64

	GuardsSampled   int64
	GuardsConfirmed int64
	GuardsRemoved   int64
	ActiveGuards    int64

	StreamsStarted   int64
	StreamsRejected  int64
	PacketsEmitted   int64
	TraceRowsWritten int64

	UptimeSeconds int64
}

// Counter is a monotonically increasing counter.
type Counter struct {
	value int64
}

// NewCounter creates a new counter.
func NewCounter() *Counter {
	return &Counter{}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	atomic.AddInt64(&c.value, 1)
}

// Add adds n to the counter.
func (c *Counter) Add(n int64) {
	atomic.AddInt64(&c.value, n)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Gauge is a value that can go up or down.
type Gauge struct {
	value int64
}

// NewGauge creates a new gauge.
func NewGauge() *Gauge {
	return &Gauge{}
}

// Set sets the gauge to a specific value.
func (g *Gauge) Set(value int64) {
	atomic.StoreInt64(&g.value, value)
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	atomic.AddInt64(&g.value, 1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	atomic.AddInt64(&g.value, -1)
}

// Add adds n to the gauge.
func (g *Gauge) Add(n int64) {
	atomic.AddInt64(&g.value, n)
}

// Value returns the current gauge value.
func (g *Gauge) Value() int64 {
	return atomic.LoadInt64(&g.value)
}

// Histogram tracks the distribution of durations.
type Histogram struct {
	observations []time.Duration
	mu           sync.RWMutex
}

// NewHistogram creates a new histogram.
func NewHistogram() *Histogram {
	return &Histogram{
		observations: make([]time.Duration, 0, 1000),
	}
}

// Observe adds a new observation to the histogram.
func (h *Histogram) Observe(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.observations) >= 1000 {
		h.observations = h.observations[1:]
	}
	h.observations = append(h.observations, d)
}

// Mean returns the mean of all observations.
func (h *Histogram) Mean() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.observations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range h.observations {
		sum += d
	}
	return sum / time.Duration(len(h.observations))
}

// Percentile returns the nth percentile (0.0 to 1.0).
func (h *Histogram) Percentile(p float64) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.observations) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(h.observations))
	copy(sorted, h.observations)

	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i] > sorted[j] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	index := int(float64(len(sorted)-1) * p)
	return sorted[index]
}

// Count returns the number of observations.
func (h *Histogram) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observations)
}
