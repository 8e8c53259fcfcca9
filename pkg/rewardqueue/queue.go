// Package rewardqueue implements C7, the delayed-reward queue: idempotent
// durable enqueue, due-time claiming via conditional row updates, and a
// worker loop with exponential backoff and bounded retries, modeled
// directly on the teacher's claim-based session worker (poll, claim with
// FOR UPDATE SKIP LOCKED, heartbeat-free since tasks are short here, retry
// with backoff, orphan recovery).
package rewardqueue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/amas-core/amas/pkg/apperrors"
	"github.com/amas-core/amas/pkg/bandit"
	"github.com/amas-core/amas/pkg/clockid"
	"github.com/amas-core/amas/pkg/features"
	"github.com/amas-core/amas/pkg/models"
	"github.com/amas-core/amas/pkg/store"
	"github.com/amas-core/amas/pkg/wakeup"
)

// Config configures C7's tunables; all defaults match §4.3.
type Config struct {
	MinDelay        time.Duration // 60s
	TickInterval    time.Duration // 60s
	BatchSize       int           // B
	MaxAttempts     int           // 5
	BackoffBase     time.Duration // 50ms
	BackoffMax      time.Duration // configurable cap
	TaskTimeout     time.Duration // 10s
	OrphanThreshold time.Duration // how stale a PROCESSING row must be to reclaim
	OrphanInterval  time.Duration
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		MinDelay:        60 * time.Second,
		TickInterval:    60 * time.Second,
		BatchSize:       20,
		MaxAttempts:     5,
		BackoffBase:     50 * time.Millisecond,
		BackoffMax:      5 * time.Minute,
		TaskTimeout:     10 * time.Second,
		OrphanThreshold: 5 * time.Minute,
		OrphanInterval:  1 * time.Minute,
	}
}

// Queue is C7: the enqueue half. The worker loop lives in Worker.
type Queue struct {
	cfg     Config
	backing store.Store
	clock   clockid.Clock
	wake    *wakeup.Signal
	log     *slog.Logger
}

// New constructs a Queue backed by backing, waking wake after every
// successful enqueue.
func New(cfg Config, backing store.Store, clock clockid.Clock, wake *wakeup.Signal, log *slog.Logger) *Queue {
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{cfg: cfg, backing: backing, clock: clock, wake: wake, log: log}
}

// Schedule is the decision pipeline's enqueue contract (decision.RewardScheduler).
func (q *Queue) Schedule(ctx context.Context, task models.DelayedRewardTask) error {
	_, _, err := q.Enqueue(ctx, task)
	return err
}

// Enqueue inserts task, or returns the existing row unchanged if its
// idempotencyKey already has one (P3). Reward must be finite; a dueTs
// earlier than now+MinDelay is raised to now+MinDelay.
func (q *Queue) Enqueue(ctx context.Context, task models.DelayedRewardTask) (models.DelayedRewardTask, bool, error) {
	if math.IsNaN(task.Reward) || math.IsInf(task.Reward, 0) {
		return models.DelayedRewardTask{}, false, apperrors.New(apperrors.KindInvalidInput, "reward must be finite")
	}
	if task.IdempotencyKey == "" {
		return models.DelayedRewardTask{}, false, apperrors.New(apperrors.KindInvalidInput, "idempotencyKey is required")
	}
	now := q.clock.Now()
	minDue := now.Add(q.cfg.MinDelay)
	if task.DueTs.Before(minDue) {
		task.DueTs = minDue
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	row, created, err := q.backing.EnqueueRewardTask(ctx, task)
	if err != nil {
		return models.DelayedRewardTask{}, false, apperrors.Wrap(apperrors.KindDependency, "enqueue reward task", err)
	}
	if created && q.wake != nil {
		q.wake.Notify()
	}
	return row, created, nil
}

// RewardMetricsSink receives delayed-reward task outcomes; nil is a valid
// no-op sink. Satisfied by *metrics.Collector.
type RewardMetricsSink interface {
	IncRewardSuccess()
	IncRewardFailure()
}

// Handler resolves a claimed task's feature vector and applies the delayed
// update to the strategy selector.
type Handler struct {
	features *features.Store
	selector bandit.Selector
}

// NewHandler builds the delayed-reward handler C7 invokes per claimed task.
func NewHandler(featureStore *features.Store, selector bandit.Selector) *Handler {
	return &Handler{features: featureStore, selector: selector}
}

// Apply resolves task's feature vector and calls UpdateDelayed. A reward
// outside [-1,1] is logged as a warning here and clamped inside
// UpdateDelayed; a non-finite reward was already rejected at enqueue.
func (h *Handler) Apply(ctx context.Context, task models.DelayedRewardTask) error {
	if task.SessionID == "" {
		// No session tracking requested for this event; nothing to
		// correct against a stored feature vector.
		return nil
	}
	fv, ok, err := h.features.LatestForSession(ctx, task.SessionID)
	if err != nil {
		return fmt.Errorf("resolve feature vector: %w", err)
	}
	if !ok {
		return apperrors.New(apperrors.KindInvalidInput, "no feature vector recorded for session "+task.SessionID)
	}
	if task.Reward > 1 || task.Reward < -1 {
		slog.Warn("reward queue: delayed reward outside [-1,1], clamping", "task_id", task.ID, "reward", task.Reward)
	}
	_, err = h.selector.UpdateDelayed(ctx, fv, task.Reward, task.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("apply delayed reward: %w", err)
	}
	return nil
}

// jitteredBackoff returns base*2^attempts capped at max, plus up to 50%
// jitter.
func jitteredBackoff(base, max time.Duration, attempts int) time.Duration {
	backoff := time.Duration(math.Min(float64(max), float64(base)*math.Pow(2, float64(attempts))))
	if backoff <= 0 {
		return base
	}
	jitter := time.Duration(rand.Int63n(int64(backoff/2 + 1)))
	return backoff + jitter
}
