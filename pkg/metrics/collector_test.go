package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector() *Collector {
	return New(100, DefaultThresholds(), prometheus.NewRegistry())
}

func TestCollectOmitsRatesWithZeroDenominator(t *testing.T) {
	c := newTestCollector()
	snap := c.Collect()
	assert.Nil(t, snap.ErrorRate)
	assert.Nil(t, snap.CircuitOpenRate)
	assert.Nil(t, snap.RewardFailureRate)
	assert.Equal(t, HealthHealthy, snap.OverallHealth)
}

func TestCollectComputesErrorRate(t *testing.T) {
	c := newTestCollector()
	for i := 0; i < 9; i++ {
		c.IncSuccess()
	}
	c.IncError()
	snap := c.Collect()
	require.NotNil(t, snap.ErrorRate)
	assert.InDelta(t, 0.1, *snap.ErrorRate, 1e-9)
}

func TestHealthRollupTakesWorstOfThree(t *testing.T) {
	c := newTestCollector()
	// Push reward-failure-rate well past "unhealthy" while decision/circuit
	// stay healthy.
	c.IncRewardSuccess()
	for i := 0; i < 9; i++ {
		c.IncRewardFailure()
	}
	snap := c.Collect()
	assert.Equal(t, HealthUnhealthy, snap.RewardHealth)
	assert.Equal(t, HealthHealthy, snap.DecisionHealth)
	assert.Equal(t, HealthUnhealthy, snap.OverallHealth, "overall health must be the max severity across components (P9)")
}

func TestWorseOrdering(t *testing.T) {
	assert.Equal(t, HealthDegraded, worse(HealthHealthy, HealthDegraded))
	assert.Equal(t, HealthUnhealthy, worse(HealthDegraded, HealthUnhealthy))
	assert.Equal(t, HealthUnhealthy, worse(HealthUnhealthy, HealthHealthy))
}

func TestResetClearsCounters(t *testing.T) {
	c := newTestCollector()
	c.IncSuccess()
	c.IncError()
	c.Reset()
	snap := c.Collect()
	assert.Nil(t, snap.ErrorRate)
}
