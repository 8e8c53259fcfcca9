// Package decision implements C6, the per-event decision pipeline: it
// orchestrates state load/update/persist (cognition), feature extraction
// (features), strategy selection (bandit), immediate reward computation,
// and scheduling of the delayed-reward task and decision trace — all under
// per-user serialization, with every step recorded as a named trace stage.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/amas-core/amas/pkg/apperrors"
	"github.com/amas-core/amas/pkg/bandit"
	"github.com/amas-core/amas/pkg/clockid"
	"github.com/amas-core/amas/pkg/cognition"
	"github.com/amas-core/amas/pkg/features"
	"github.com/amas-core/amas/pkg/keyedmutex"
	"github.com/amas-core/amas/pkg/models"
	"github.com/amas-core/amas/pkg/store"
)

// Immediate-reward weights: r = 0.5·(2·isCorrect−1) + 0.3·speedScore +
// 0.2·stabilityDelta, clamped to [−1,1]. The separate four-term scoring
// table (accuracy/speed/stability/proficiency) is not computed anywhere in
// this package (see DESIGN.md open-question log).
const (
	WeightAccuracy  = 0.5
	WeightSpeed     = 0.3
	WeightStability = 0.2
)

// StatsWindow is how many recent answer records feed UserStats.
const StatsWindow = 20

// RewardScheduler is C7's enqueue contract, as seen by the decision
// pipeline.
type RewardScheduler interface {
	Schedule(ctx context.Context, task models.DelayedRewardTask) error
}

// TraceRecorder is C8's enqueue contract, as seen by the decision
// pipeline.
type TraceRecorder interface {
	Record(ctx context.Context, trace models.DecisionTrace) error
}

// MetricsSink receives decision-latency and outcome samples; nil is a
// valid no-op sink.
type MetricsSink interface {
	ObserveDecisionLatency(d time.Duration)
	IncSuccess()
	IncError()
	IncTimeout()
}

// Config configures the pipeline's tunable defaults.
type Config struct {
	Phase               bandit.PhaseConfig
	StrategyTTL         time.Duration
	MinRewardDelay      time.Duration // default 60s
	DefaultRewardDelay  time.Duration // used when no interval signal exists
	MaxEventSkewFuture  time.Duration // default 1h
	MaxEventSkewPast    time.Duration // default 24h
	ShouldBreakFatigue  float64       // default 0.8
	ShouldBreakAccuracy float64       // default 0.3
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		Phase:               bandit.DefaultPhaseConfig(),
		StrategyTTL:         bandit.DefaultTTL,
		MinRewardDelay:      60 * time.Second,
		DefaultRewardDelay:  60 * time.Second,
		MaxEventSkewFuture:  1 * time.Hour,
		MaxEventSkewPast:    24 * time.Hour,
		ShouldBreakFatigue:  0.8,
		ShouldBreakAccuracy: 0.3,
	}
}

// Pipeline is C6.
type Pipeline struct {
	cfg       Config
	store     store.Store
	cognition *cognition.Store
	features  *features.Store
	selector  bandit.Selector
	cache     *bandit.Cache
	rewards   RewardScheduler
	traces    TraceRecorder
	metrics   MetricsSink
	clock     clockid.Clock
	locks     keyedmutex.Mutex
}

// New constructs a Pipeline. rewards/traces/metrics may be nil (no-op).
func New(cfg Config, backing store.Store, selector bandit.Selector, rewards RewardScheduler, traces TraceRecorder, metrics MetricsSink, clock clockid.Clock) *Pipeline {
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	return &Pipeline{
		cfg:       cfg,
		store:     backing,
		cognition: cognition.New(backing),
		features:  features.New(backing),
		selector:  selector,
		cache:     bandit.NewCache(cfg.StrategyTTL),
		rewards:   rewards,
		traces:    traces,
		metrics:   metrics,
		clock:     clock,
	}
}

type stageRecorder struct {
	stages []models.TraceStage
}

func (r *stageRecorder) run(name string, fn func() error) error {
	stage := models.TraceStage{Stage: name, Status: "ok", StartedAt: time.Now()}
	err := fn()
	stage.EndedAt = time.Now()
	stage.DurationMs = stage.EndedAt.Sub(stage.StartedAt).Milliseconds()
	if err != nil {
		stage.Status = "error"
		stage.Error = err.Error()
	}
	r.stages = append(r.stages, stage)
	return err
}

// ProcessEvent implements C6's full per-event pipeline.
func (p *Pipeline) ProcessEvent(ctx context.Context, userID string, ev models.RawEvent, sessionID string) (result models.ProcessResult, retErr error) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.ObserveDecisionLatency(time.Since(start))
			if retErr != nil {
				p.metrics.IncError()
			} else {
				p.metrics.IncSuccess()
			}
		}
	}()

	if err := validateEvent(ev, p.clock.Now(), p.cfg); err != nil {
		return models.ProcessResult{}, err
	}

	unlock := p.locks.Lock(userID)
	defer unlock()

	rec := &stageRecorder{}
	decisionID := clockid.NewID()
	now := p.clock.Now()

	var (
		prevState models.UserState
		stats     models.UserStats
		newState  models.UserState
		fv        models.FeatureVector
		pred      bandit.PredictResult
		reward    float64
	)

	err := p.store.Transact(ctx, func(txCtx context.Context) error {
		if err := rec.run("load_state", func() error {
			var e error
			prevState, e = p.cognition.LoadOrInit(txCtx, userID, now)
			return e
		}); err != nil {
			return apperrors.Wrap(apperrors.KindDependency, "load state", err)
		}

		if err := rec.run("derive_stats", func() error {
			var e error
			stats, e = p.cognition.Stats(txCtx, userID, StatsWindow)
			return e
		}); err != nil {
			return apperrors.Wrap(apperrors.KindDependency, "derive stats", err)
		}

		if err := rec.run("update_state", func() error {
			newState = cognition.UpdateState(prevState, ev, stats, now)
			return nil
		}); err != nil {
			return err
		}

		if err := rec.run("extract_features", func() error {
			fv = features.Extract(newState, ev, stats, sessionID, now)
			return nil
		}); err != nil {
			return err
		}

		phase := bandit.Phase(stats.InteractionCount, p.cfg.Phase)

		if err := rec.run("select_strategy", func() error {
			var e error
			pred, e = p.selector.Predict(txCtx, fv, phase)
			return e
		}); err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "select strategy", err)
		}

		speedScore := speedScoreOf(ev.ResponseTimeMs)
		stabilityDelta := newState.CStab - prevState.CStab
		accuracy := 0.0
		if ev.IsCorrect {
			accuracy = 1.0
		}
		reward = clampReward(WeightAccuracy*(2*accuracy-1) + WeightSpeed*speedScore + WeightStability*stabilityDelta)

		if err := rec.run("update_realtime", func() error {
			return p.selector.UpdateRealtime(txCtx, fv, pred.Action, reward)
		}); err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "realtime update", err)
		}

		if err := rec.run("persist_state", func() error {
			if sessionID != "" {
				if e := p.features.Persist(txCtx, fv); e != nil {
					return e
				}
			}
			return p.cognition.Save(txCtx, newState, ev, now)
		}); err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "persist state", err)
		}

		return nil
	})
	// §5 cancellation: a caller deadline that expires by (or during) the
	// transaction is surfaced as KindTimeout, not the dependency/internal
	// kind the failing step would otherwise carry, and no ProcessResult is
	// returned. pgstore's Transact rolls back its writes when a step fails
	// on the context error; memstore has no rollback, so writes it already
	// applied stay in place.
	if ctxErr := ctx.Err(); ctxErr != nil {
		if p.metrics != nil {
			p.metrics.IncTimeout()
		}
		return models.ProcessResult{}, apperrors.Wrap(apperrors.KindTimeout, "decision pipeline deadline exceeded", ctxErr)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			if p.metrics != nil {
				p.metrics.IncTimeout()
			}
			return models.ProcessResult{}, apperrors.Wrap(apperrors.KindTimeout, "decision pipeline deadline exceeded", err)
		}
		return models.ProcessResult{}, err
	}

	p.cache.Put(userID, pred.Action, now)

	shouldBreak := newState.F > p.cfg.ShouldBreakFatigue || stats.RecentAccuracy < p.cfg.ShouldBreakAccuracy

	result = models.ProcessResult{
		State:         newState,
		Strategy:      pred.Action,
		Reward:        reward,
		ShouldBreak:   shouldBreak,
		Explanation:   pred.Explanation,
	}
	if sessionID != "" {
		result.FeatureVector = &fv
	}

	// Scheduling failures (reward task, trace) are logged and swallowed:
	// the primary ProcessResult always wins (§4.1 failure semantics).
	p.scheduleDelayedReward(ctx, userID, ev, sessionID, reward, now)
	p.recordTrace(ctx, decisionID, sessionID, pred, reward, rec.stages)

	return result, nil
}

func (p *Pipeline) scheduleDelayedReward(ctx context.Context, userID string, ev models.RawEvent, sessionID string, reward float64, now time.Time) {
	if p.rewards == nil {
		return
	}
	due := computeDue(now, p.cfg.DefaultRewardDelay, p.cfg.MinRewardDelay)
	task := models.DelayedRewardTask{
		UserID:         userID,
		SessionID:      sessionID,
		DueTs:          due,
		Reward:         reward,
		IdempotencyKey: clockid.NewIdempotencyKey(userID, ev.WordID, ev.Timestamp),
		CreatedAt:      now,
	}
	if err := p.rewards.Schedule(ctx, task); err != nil {
		// Logged and swallowed; the primary result is unaffected.
		slog.Warn("decision: schedule delayed reward failed", "user_id", userID, "error", err)
	}
}

func (p *Pipeline) recordTrace(ctx context.Context, decisionID, sessionID string, pred bandit.PredictResult, reward float64, stages []models.TraceStage) {
	if p.traces == nil {
		return
	}
	r := reward
	trace := models.DecisionTrace{
		DecisionID:      decisionID,
		SessionID:       sessionID,
		Timestamp:       time.Now(),
		DecisionSource:  "bandit",
		WeightsSnapshot: pred.WeightsSnapshot,
		SelectedAction:  pred.Action,
		Confidence:      pred.Confidence,
		Reward:          &r,
		Stages:          stages,
		IngestionStatus: models.IngestionSuccess,
	}
	if err := p.traces.Record(ctx, trace); err != nil {
		slog.Warn("decision: record trace failed", "decision_id", decisionID, "error", err)
	}
}

// computeDue picks the delayed-reward due time: the spec's priority order
// (explicit next-review-date, then a scheduled interval) depends on
// wordbook-scheduling data this core does not own; absent that signal, the
// configured default delay is used, floored at minDelay (see DESIGN.md).
func computeDue(now time.Time, defaultDelay, minDelay time.Duration) time.Time {
	delay := defaultDelay
	if delay < minDelay {
		delay = minDelay
	}
	return now.Add(delay)
}

func speedScoreOf(responseTimeMs float64) float64 {
	switch {
	case responseTimeMs <= 3000:
		return 1.0
	case responseTimeMs <= 5000:
		return 0.75
	case responseTimeMs <= 10000:
		return 0.5
	default:
		return 0.25
	}
}

func clampReward(r float64) float64 {
	if r > 1 {
		return 1
	}
	if r < -1 {
		return -1
	}
	return r
}

func validateEvent(ev models.RawEvent, now time.Time, cfg Config) error {
	if ev.ResponseTimeMs <= 0 {
		return apperrors.NewValidationError("responseTimeMs", "must be > 0")
	}
	if ev.DwellTimeMs < 0 {
		return apperrors.NewValidationError("dwellTimeMs", "must be >= 0")
	}
	if ev.FocusLossMs < 0 {
		return apperrors.NewValidationError("focusLossMs", "must be >= 0")
	}
	if ev.InteractionDensity <= 0 {
		return apperrors.NewValidationError("interactionDensity", "must be > 0")
	}
	if ev.Timestamp.IsZero() {
		return apperrors.NewValidationError("timestamp", "required")
	}
	if ev.Timestamp.Before(now.Add(-cfg.MaxEventSkewPast)) || ev.Timestamp.After(now.Add(cfg.MaxEventSkewFuture)) {
		return apperrors.NewValidationError("timestamp", fmt.Sprintf("outside acceptable skew window [now-%s, now+%s]", cfg.MaxEventSkewPast, cfg.MaxEventSkewFuture))
	}
	if math.IsNaN(ev.ResponseTimeMs) || math.IsInf(ev.ResponseTimeMs, 0) {
		return apperrors.NewValidationError("responseTimeMs", "must be finite")
	}
	return nil
}
