package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWindowStatsEmpty(t *testing.T) {
	w := NewWindow(10)
	stats := w.Stats()
	assert.Equal(t, 0, stats.Count)
	assert.Equal(t, 0.0, stats.Mean)
}

func TestWindowPercentiles(t *testing.T) {
	w := NewWindow(100)
	for i := 1; i <= 100; i++ {
		w.Add(float64(i))
	}
	stats := w.Stats()
	assert.Equal(t, 100, stats.Count)
	assert.Equal(t, 50.5, stats.Mean)
	assert.Equal(t, 51.0, stats.P50) // index floor(0.5*100)=50 -> sorted[50]=51
	assert.Equal(t, 96.0, stats.P95)
	assert.Equal(t, 100.0, stats.P99)
}

func TestWindowOverwritesOldestOnceFull(t *testing.T) {
	w := NewWindow(3)
	w.Add(1)
	w.Add(2)
	w.Add(3)
	w.Add(4) // overwrites 1
	stats := w.Stats()
	assert.Equal(t, 3, stats.Count)
	assert.InDelta(t, 3.0, stats.Mean, 1e-9) // (2+3+4)/3
}
