package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HealthStatus enumerates a component or overall status.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

var healthRank = map[HealthStatus]int{HealthHealthy: 0, HealthDegraded: 1, HealthUnhealthy: 2}

// worse returns the more severe of a, b, honoring healthy<degraded<unhealthy (P9).
func worse(a, b HealthStatus) HealthStatus {
	if healthRank[b] > healthRank[a] {
		return b
	}
	return a
}

// Thresholds configures the health rollup and derived-rate boundaries.
// Per §9 open question (ii): circuit-open rate uses a separate threshold
// (unhealthy at >=0.5) for the local health rollup than the alert-rule-configurable
// threshold (0.3) used by C10 — they are independent by design.
type Thresholds struct {
	ErrorRateDegraded    float64
	ErrorRateUnhealthy   float64
	TimeoutRateDegraded  float64
	TimeoutRateUnhealthy float64
	CircuitOpenUnhealthy float64 // 0.5
	RewardFailDegraded   float64
	RewardFailUnhealthy  float64
}

// DefaultThresholds are reasonable operator defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRateDegraded:    0.05,
		ErrorRateUnhealthy:   0.2,
		TimeoutRateDegraded:  0.05,
		TimeoutRateUnhealthy: 0.2,
		CircuitOpenUnhealthy: 0.5,
		RewardFailDegraded:   0.1,
		RewardFailUnhealthy:  0.3,
	}
}

// Snapshot is the immutable result of one Collect() tick.
type Snapshot struct {
	Timestamp time.Time
	Latency   LatencyStats

	ErrorRate          *float64
	DegradationRate    *float64
	TimeoutRate        *float64
	CircuitOpenRate    *float64
	RewardFailureRate  *float64

	DecisionHealth HealthStatus
	CircuitHealth  HealthStatus
	RewardHealth   HealthStatus
	OverallHealth  HealthStatus
}

// Collector is C9.
type Collector struct {
	window     *Window
	thresholds Thresholds

	success      atomic.Int64
	errorCount   atomic.Int64
	degradation  atomic.Int64
	timeout      atomic.Int64
	circuitOpen  atomic.Int64
	circuitCheck atomic.Int64
	rewardOK     atomic.Int64
	rewardFail   atomic.Int64
	backpressure atomic.Int64

	promLatency     prometheus.Histogram
	promCounters    *prometheus.CounterVec
	promErrorRate   prometheus.Gauge
	promCircuitRate prometheus.Gauge
	promHealth      *prometheus.GaugeVec
}

// New builds a Collector with the given window capacity, registering its
// Prometheus collectors against reg (pass prometheus.NewRegistry() in
// tests to avoid the global default registry).
func New(windowCapacity int, thresholds Thresholds, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		window:     NewWindow(windowCapacity),
		thresholds: thresholds,
		promLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "amas_decision_latency_ms",
			Help:    "Decision pipeline latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),
		promCounters: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "amas_decision_events_total",
			Help: "Decision pipeline outcome counters.",
		}, []string{"outcome"}),
		promErrorRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "amas_decision_error_rate",
			Help: "Decision error rate over the last collection tick.",
		}),
		promCircuitRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "amas_circuit_open_rate",
			Help: "Circuit-open rate over the last collection tick.",
		}),
		promHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "amas_health_status",
			Help: "Component health as an enum (0=healthy,1=degraded,2=unhealthy).",
		}, []string{"component"}),
	}
}

func (c *Collector) ObserveDecisionLatency(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	c.window.Add(ms)
	c.promLatency.Observe(ms)
}

func (c *Collector) IncSuccess()     { c.success.Add(1); c.promCounters.WithLabelValues("success").Inc() }
func (c *Collector) IncError()       { c.errorCount.Add(1); c.promCounters.WithLabelValues("error").Inc() }
func (c *Collector) IncDegradation() { c.degradation.Add(1); c.promCounters.WithLabelValues("degradation").Inc() }
func (c *Collector) IncTimeout()     { c.timeout.Add(1); c.promCounters.WithLabelValues("timeout").Inc() }
func (c *Collector) IncCircuitOpen() { c.circuitOpen.Add(1); c.promCounters.WithLabelValues("circuit_open").Inc() }
func (c *Collector) IncCircuitCheck() {
	c.circuitCheck.Add(1)
	c.promCounters.WithLabelValues("circuit_check").Inc()
}
func (c *Collector) IncRewardSuccess() {
	c.rewardOK.Add(1)
	c.promCounters.WithLabelValues("reward_success").Inc()
}
func (c *Collector) IncRewardFailure() {
	c.rewardFail.Add(1)
	c.promCounters.WithLabelValues("reward_failure").Inc()
}
func (c *Collector) IncBackpressureTimeout() {
	c.backpressure.Add(1)
	c.promCounters.WithLabelValues("backpressure_timeout").Inc()
}

func ratio(num, den int64) *float64 {
	if den == 0 {
		return nil
	}
	v := float64(num) / float64(den)
	return &v
}

// Collect computes the current Snapshot: derived rates with zero-denominator
// omission (P8), and the three-component health rollup (P9).
func (c *Collector) Collect() Snapshot {
	success := c.success.Load()
	errs := c.errorCount.Load()
	degr := c.degradation.Load()
	timeouts := c.timeout.Load()
	circOpen := c.circuitOpen.Load()
	circCheck := c.circuitCheck.Load()
	rwFail := c.rewardFail.Load()
	rwOK := c.rewardOK.Load()

	snap := Snapshot{
		Timestamp:         time.Now(),
		Latency:           c.window.Stats(),
		ErrorRate:         ratio(errs, success+errs),
		DegradationRate:   ratio(degr, success+errs),
		TimeoutRate:       ratio(timeouts, success+errs),
		CircuitOpenRate:   ratio(circOpen, circCheck),
		RewardFailureRate: ratio(rwFail, rwOK+rwFail),
	}

	snap.DecisionHealth = HealthHealthy
	if snap.ErrorRate != nil {
		if *snap.ErrorRate >= c.thresholds.ErrorRateUnhealthy {
			snap.DecisionHealth = HealthUnhealthy
		} else if *snap.ErrorRate >= c.thresholds.ErrorRateDegraded {
			snap.DecisionHealth = HealthDegraded
		}
	}
	if snap.TimeoutRate != nil {
		if *snap.TimeoutRate >= c.thresholds.TimeoutRateUnhealthy {
			snap.DecisionHealth = worse(snap.DecisionHealth, HealthUnhealthy)
		} else if *snap.TimeoutRate >= c.thresholds.TimeoutRateDegraded {
			snap.DecisionHealth = worse(snap.DecisionHealth, HealthDegraded)
		}
	}

	snap.CircuitHealth = HealthHealthy
	if snap.CircuitOpenRate != nil && *snap.CircuitOpenRate >= c.thresholds.CircuitOpenUnhealthy {
		snap.CircuitHealth = HealthUnhealthy
	}

	snap.RewardHealth = HealthHealthy
	if snap.RewardFailureRate != nil {
		if *snap.RewardFailureRate >= c.thresholds.RewardFailUnhealthy {
			snap.RewardHealth = HealthUnhealthy
		} else if *snap.RewardFailureRate >= c.thresholds.RewardFailDegraded {
			snap.RewardHealth = HealthDegraded
		}
	}

	snap.OverallHealth = worse(worse(snap.DecisionHealth, snap.CircuitHealth), snap.RewardHealth)

	if snap.ErrorRate != nil {
		c.promErrorRate.Set(*snap.ErrorRate)
	}
	if snap.CircuitOpenRate != nil {
		c.promCircuitRate.Set(*snap.CircuitOpenRate)
	}
	c.promHealth.WithLabelValues("decision").Set(float64(healthRank[snap.DecisionHealth]))
	c.promHealth.WithLabelValues("circuit").Set(float64(healthRank[snap.CircuitHealth]))
	c.promHealth.WithLabelValues("reward").Set(float64(healthRank[snap.RewardHealth]))
	c.promHealth.WithLabelValues("overall").Set(float64(healthRank[snap.OverallHealth]))

	return snap
}

// Reset zeroes all counters and the latency window. Used only by tests.
func (c *Collector) Reset() {
	c.success.Store(0)
	c.errorCount.Store(0)
	c.degradation.Store(0)
	c.timeout.Store(0)
	c.circuitOpen.Store(0)
	c.circuitCheck.Store(0)
	c.rewardOK.Store(0)
	c.rewardFail.Store(0)
	c.backpressure.Store(0)
	c.window = NewWindow(len(c.window.buf))
}

// RunTicker periodically calls Collect and forwards the snapshot to sink
// until ctx is cancelled.
func (c *Collector) RunTicker(ctx context.Context, interval time.Duration, sink func(Snapshot)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sink(c.Collect())
		}
	}
}
