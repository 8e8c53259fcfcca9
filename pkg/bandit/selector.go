// Package bandit implements the strategy selector: a contextual-bandit
// wrapper producing an action + confidence from a feature vector, with
// distinct cold-start phases and separate real-time / delayed update paths.
package bandit

import (
	"context"

	"github.com/amas-core/amas/pkg/models"
)

// Selector is the capability-set polymorphism boundary for strategy
// selection: Predict/UpdateRealtime/UpdateDelayed, the only shape the
// decision pipeline depends on, per the design note that models this and
// the store as the system's two dynamic-dispatch boundaries.
type Selector interface {
	// Predict returns the chosen action, its confidence, and (for
	// explainability/tracing) the weight snapshot used to pick it.
	Predict(ctx context.Context, features models.FeatureVector, phase models.Phase) (PredictResult, error)
	// UpdateRealtime applies one immediate-reward gradient step against the
	// action that was actually selected for this event.
	UpdateRealtime(ctx context.Context, features models.FeatureVector, selected models.StrategyParams, reward float64) error
	// UpdateDelayed applies a delayed-reward correction, idempotent per
	// idempotencyKey: a second call with the same key is a no-op.
	UpdateDelayed(ctx context.Context, features models.FeatureVector, reward float64, idempotencyKey string) (DelayedUpdateOutcome, error)
}

// PredictResult is what Predict returns.
type PredictResult struct {
	Action          models.StrategyParams
	Confidence      float64
	WeightsSnapshot map[string]float64
	Explanation     string
}

// DelayedUpdateOutcome reports what UpdateDelayed actually did.
type DelayedUpdateOutcome struct {
	Applied bool // false if this idempotencyKey was already processed
}

// PhaseConfig configures the cold-start phase thresholds.
type PhaseConfig struct {
	ClassifyCount int // default 15
	ExploreCount  int // default 15 (applies after ClassifyCount)
}

// DefaultPhaseConfig returns the spec defaults: 15 classify, 15 explore.
func DefaultPhaseConfig() PhaseConfig {
	return PhaseConfig{ClassifyCount: 15, ExploreCount: 15}
}

// Phase derives the cold-start phase from interactionCount, a pure function
// of the count and the configured thresholds.
func Phase(interactionCount int, cfg PhaseConfig) models.Phase {
	switch {
	case interactionCount < cfg.ClassifyCount:
		return models.PhaseClassify
	case interactionCount < cfg.ClassifyCount+cfg.ExploreCount:
		return models.PhaseExplore
	default:
		return models.PhaseNormal
	}
}
