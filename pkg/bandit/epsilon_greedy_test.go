package bandit

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amas-core/amas/pkg/models"
)

func sampleFeatures(vals ...float64) models.FeatureVector {
	for len(vals) < 12 {
		vals = append(vals, 0)
	}
	return models.FeatureVector{Version: 1, Values: vals}
}

func TestPredictClassifyPhaseIsUniformRandom(t *testing.T) {
	b := NewEpsilonGreedy(1)
	ctx := context.Background()
	seen := map[models.Difficulty]bool{}
	for i := 0; i < 50; i++ {
		res, err := b.Predict(ctx, sampleFeatures(), models.PhaseClassify)
		require.NoError(t, err)
		seen[res.Action.Difficulty] = true
	}
	assert.NotEmpty(t, seen)
}

func TestPredictDeterministicWithFixedSeed(t *testing.T) {
	b1 := NewEpsilonGreedy(42)
	b2 := NewEpsilonGreedy(42)
	ctx := context.Background()
	fv := sampleFeatures(0.5, 0.5, 0.5)

	r1, err := b1.Predict(ctx, fv, models.PhaseNormal)
	require.NoError(t, err)
	r2, err := b2.Predict(ctx, fv, models.PhaseNormal)
	require.NoError(t, err)
	assert.Equal(t, r1.Action, r2.Action)
}

func TestUpdateRealtimeMovesWeightsTowardReward(t *testing.T) {
	b := NewEpsilonGreedy(7)
	ctx := context.Background()
	fv := sampleFeatures(1, 1, 1)

	pred, err := b.Predict(ctx, fv, models.PhaseNormal)
	require.NoError(t, err)

	before := b.scoreAll(fv.Values)[actionFromStrategy(pred.Action).key()]
	require.NoError(t, b.UpdateRealtime(ctx, fv, pred.Action, 1.0))
	after := b.scoreAll(fv.Values)[actionFromStrategy(pred.Action).key()]

	assert.Greater(t, after, before)
}

func TestUpdateRealtimeRejectsNonFiniteReward(t *testing.T) {
	b := NewEpsilonGreedy(1)
	ctx := context.Background()
	fv := sampleFeatures()
	sp := defaultActionSpace()[0].toStrategy()

	err := b.UpdateRealtime(ctx, fv, sp, math.NaN())
	require.Error(t, err)
}

func TestUpdateDelayedIdempotent(t *testing.T) {
	b := NewEpsilonGreedy(3)
	ctx := context.Background()
	fv := sampleFeatures(0.2, 0.3)

	out1, err := b.UpdateDelayed(ctx, fv, 0.9, "key-1")
	require.NoError(t, err)
	assert.True(t, out1.Applied)

	out2, err := b.UpdateDelayed(ctx, fv, 0.9, "key-1")
	require.NoError(t, err)
	assert.False(t, out2.Applied, "a repeated idempotency key must be a no-op (P3)")
}

func TestUpdateDelayedClampsRewardRange(t *testing.T) {
	b := NewEpsilonGreedy(3)
	ctx := context.Background()
	fv := sampleFeatures(0.2, 0.3)

	out, err := b.UpdateDelayed(ctx, fv, 50.0, "key-huge")
	require.NoError(t, err)
	assert.True(t, out.Applied)
}

func TestActionSpaceHas12Actions(t *testing.T) {
	assert.Len(t, defaultActionSpace(), 12)
}
