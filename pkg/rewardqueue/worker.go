package rewardqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/amas-core/amas/pkg/models"
	"github.com/amas-core/amas/pkg/store"
	"github.com/amas-core/amas/pkg/wakeup"
)

// Worker is the single leader goroutine that drains due delayed-reward
// tasks: claim batch, apply handler, mark DONE/retry/FAILED — directly
// modeled on the teacher's queue worker run loop, minus the per-session
// heartbeat (a reward-task apply is a single bounded handler call, not a
// long-lived session).
type Worker struct {
	cfg     Config
	backing store.Store
	handler *Handler
	wake    *wakeup.Signal
	clock   clock
	metrics RewardMetricsSink
	log     *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type clock interface{ Now() time.Time }

// NewWorker builds a Worker. wake lets Queue.Enqueue short-circuit the
// next idle tick. metrics may be nil (no-op); otherwise every task that
// reaches a terminal state (DONE or FAILED) increments exactly one of
// IncRewardSuccess/IncRewardFailure, feeding §4.5's reward_failure_rate.
func NewWorker(cfg Config, backing store.Store, handler *Handler, wake *wakeup.Signal, clk clock, metrics RewardMetricsSink, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:     cfg,
		backing: backing,
		handler: handler,
		wake:    wake,
		clock:   clk,
		metrics: metrics,
		log:     log,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the claim/apply loop and the orphan-recovery sweep.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(2)
	go w.runClaimLoop(ctx)
	go w.runOrphanSweep(ctx)
}

// Stop signals both loops to exit and waits for them.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) runClaimLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()
	var wakeC <-chan struct{}
	if w.wake != nil {
		wakeC = w.wake.C()
	}
	for {
		w.drainDue(ctx)
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wakeC:
		}
	}
}

func (w *Worker) drainDue(ctx context.Context) {
	now := w.clock.Now()
	tasks, err := w.backing.ClaimDueRewardTasks(ctx, w.cfg.BatchSize, now)
	if err != nil {
		w.log.Error("reward queue: claim failed", "error", err)
		return
	}
	for _, t := range tasks {
		w.processOne(ctx, t)
	}
}

func (w *Worker) processOne(ctx context.Context, t models.DelayedRewardTask) {
	taskCtx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
	defer cancel()

	err := w.handler.Apply(taskCtx, t)
	if err == nil {
		if uerr := w.backing.UpdateRewardTaskStatus(ctx, t.ID, models.RewardDone, "", time.Time{}); uerr != nil {
			w.log.Error("reward queue: mark done failed", "task_id", t.ID, "error", uerr)
		}
		if w.metrics != nil {
			w.metrics.IncRewardSuccess()
		}
		return
	}

	w.log.Warn("reward queue: handler failed", "task_id", t.ID, "attempt", t.Attempts, "error", err)
	if t.Attempts >= w.cfg.MaxAttempts {
		if uerr := w.backing.UpdateRewardTaskStatus(ctx, t.ID, models.RewardFailed, err.Error(), time.Time{}); uerr != nil {
			w.log.Error("reward queue: mark failed failed", "task_id", t.ID, "error", uerr)
		}
		if w.metrics != nil {
			w.metrics.IncRewardFailure()
		}
		return
	}
	next := w.clock.Now().Add(jitteredBackoff(w.cfg.BackoffBase, w.cfg.BackoffMax, t.Attempts))
	if uerr := w.backing.UpdateRewardTaskStatus(ctx, t.ID, models.RewardPending, err.Error(), next); uerr != nil {
		w.log.Error("reward queue: requeue failed", "task_id", t.ID, "error", uerr)
	}
}

func (w *Worker) runOrphanSweep(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.OrphanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			threshold := w.clock.Now().Add(-w.cfg.OrphanThreshold)
			n, err := w.backing.ReclaimStaleProcessing(ctx, threshold)
			if err != nil {
				w.log.Error("reward queue: orphan sweep failed", "error", err)
				continue
			}
			if n > 0 {
				w.log.Info("reward queue: reclaimed stale tasks", "count", n)
			}
		}
	}
}
