package bandit

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/amas-core/amas/pkg/apperrors"
	"github.com/amas-core/amas/pkg/models"
)

// action is one point in the discrete action space the bandit chooses
// over: a (difficulty, batchSize, hintLevel) combination. intervalScale and
// newRatio are derived deterministically from the chosen difficulty.
type action struct {
	difficulty models.Difficulty
	batchSize  int
	hintLevel  int
}

func (a action) key() string {
	return fmt.Sprintf("%s:%d:%d", a.difficulty, a.batchSize, a.hintLevel)
}

func (a action) toStrategy() models.StrategyParams {
	var interval, ratio float64
	switch a.difficulty {
	case models.DifficultyEasy:
		interval, ratio = 1.0, 0.5
	case models.DifficultyMid:
		interval, ratio = 1.5, 0.3
	default:
		interval, ratio = 2.0, 0.15
	}
	return models.StrategyParams{
		IntervalScale: interval,
		NewRatio:      ratio,
		Difficulty:    a.difficulty,
		BatchSize:     a.batchSize,
		HintLevel:     a.hintLevel,
	}
}

func defaultActionSpace() []action {
	var out []action
	for _, d := range []models.Difficulty{models.DifficultyEasy, models.DifficultyMid, models.DifficultyHard} {
		for _, b := range []int{5, 10} {
			for _, h := range []int{0, 1} {
				out = append(out, action{difficulty: d, batchSize: b, hintLevel: h})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

// EpsilonGreedy is a linear contextual bandit: one weight vector per
// action, chosen by phase-dependent exploration over a dot-product score.
type EpsilonGreedy struct {
	mu        sync.Mutex
	weights   map[string][]float64
	actions   []action
	rng       *rand.Rand
	processed map[string]bool // idempotencyKey -> applied, for UpdateDelayed
	learnRate float64
}

// NewEpsilonGreedy returns a selector with zeroed weights over the default
// action space. seed makes exploration deterministic for tests; production
// callers should seed from crypto/rand or time.
func NewEpsilonGreedy(seed int64) *EpsilonGreedy {
	actions := defaultActionSpace()
	weights := make(map[string][]float64, len(actions))
	for _, a := range actions {
		weights[a.key()] = make([]float64, 12) // matches features.SchemaVersion's 12 slots
	}
	return &EpsilonGreedy{
		weights:   weights,
		actions:   actions,
		rng:       rand.New(rand.NewSource(seed)),
		processed: make(map[string]bool),
		learnRate: 0.05,
	}
}

func dot(w, x []float64) float64 {
	n := len(w)
	if len(x) < n {
		n = len(x)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += w[i] * x[i]
	}
	return sum
}

func (b *EpsilonGreedy) scoreAll(x []float64) map[string]float64 {
	out := make(map[string]float64, len(b.actions))
	for _, a := range b.actions {
		out[a.key()] = dot(b.weights[a.key()], x)
	}
	return out
}

func (b *EpsilonGreedy) bestAction(scores map[string]float64) action {
	best := b.actions[0]
	bestScore := math.Inf(-1)
	for _, a := range b.actions {
		if s := scores[a.key()]; s > bestScore {
			bestScore = s
			best = a
		}
	}
	return best
}

// Predict chooses an action per the cold-start phase: classify explores
// uniformly at random, explore uses epsilon=0.2 epsilon-greedy, normal is
// greedy with a small residual exploration rate (0.05) standing in for an
// upper-confidence-bound bonus.
func (b *EpsilonGreedy) Predict(ctx context.Context, features models.FeatureVector, phase models.Phase) (PredictResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	scores := b.scoreAll(features.Values)
	var chosen action
	explanation := ""

	switch phase {
	case models.PhaseClassify:
		chosen = b.actions[b.rng.Intn(len(b.actions))]
		explanation = "classify phase: uniform random exploration"
	case models.PhaseExplore:
		if b.rng.Float64() < 0.2 {
			chosen = b.actions[b.rng.Intn(len(b.actions))]
			explanation = "explore phase: epsilon=0.2 random draw"
		} else {
			chosen = b.bestAction(scores)
			explanation = "explore phase: epsilon=0.2 greedy draw"
		}
	default:
		if b.rng.Float64() < 0.05 {
			chosen = b.actions[b.rng.Intn(len(b.actions))]
			explanation = "normal phase: exploration bonus draw"
		} else {
			chosen = b.bestAction(scores)
			explanation = "normal phase: greedy"
		}
	}

	confidence := sigmoid(scores[chosen.key()])
	return PredictResult{
		Action:          chosen.toStrategy(),
		Confidence:      confidence,
		WeightsSnapshot: scores,
		Explanation:     explanation,
	}, nil
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func actionFromStrategy(sp models.StrategyParams) action {
	return action{difficulty: sp.Difficulty, batchSize: sp.BatchSize, hintLevel: sp.HintLevel}
}

// UpdateRealtime performs one gradient step toward reward against the
// action that was actually selected for this event (not necessarily the
// argmax — exploration may have picked a different one).
func (b *EpsilonGreedy) UpdateRealtime(ctx context.Context, features models.FeatureVector, selected models.StrategyParams, reward float64) error {
	if math.IsNaN(reward) || math.IsInf(reward, 0) {
		return apperrors.New(apperrors.KindInvalidInput, "reward must be finite")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gradientStep(actionFromStrategy(selected).key(), features.Values, reward)
	return nil
}

func (b *EpsilonGreedy) gradientStep(key string, x []float64, reward float64) {
	w := b.weights[key]
	if w == nil {
		return
	}
	pred := dot(w, x)
	err := reward - pred
	n := len(w)
	if len(x) < n {
		n = len(x)
	}
	for i := 0; i < n; i++ {
		w[i] += b.learnRate * err * x[i]
	}
}

// UpdateDelayed applies a delayed-reward correction, idempotent per
// idempotencyKey via a processed-marker set (P3's exactly-once model
// application under at-least-once delivery).
func (b *EpsilonGreedy) UpdateDelayed(ctx context.Context, features models.FeatureVector, reward float64, idempotencyKey string) (DelayedUpdateOutcome, error) {
	clamped := reward
	if math.IsNaN(reward) || math.IsInf(reward, 0) {
		return DelayedUpdateOutcome{}, apperrors.New(apperrors.KindInvalidInput, "reward must be finite")
	}
	if clamped > 1 {
		clamped = 1
	} else if clamped < -1 {
		clamped = -1
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.processed[idempotencyKey] {
		return DelayedUpdateOutcome{Applied: false}, nil
	}
	best := b.bestAction(b.scoreAll(features.Values))
	b.gradientStep(best.key(), features.Values, clamped)
	b.processed[idempotencyKey] = true
	return DelayedUpdateOutcome{Applied: true}, nil
}
