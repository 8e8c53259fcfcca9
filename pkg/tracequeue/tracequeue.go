// Package tracequeue implements C8, the decision-trace recorder: a bounded
// in-memory queue with a timed backpressure wait (never blocking the
// decision pipeline past the configured timeout), and a periodic +
// immediate-after-enqueue flush loop that batches persistence with
// per-trace retry and a durable failure marker on retry exhaustion.
package tracequeue

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/amas-core/amas/pkg/models"
	"github.com/amas-core/amas/pkg/store"
	"github.com/amas-core/amas/pkg/wakeup"
)

// Config configures C8's tunables; defaults per §4.4.
type Config struct {
	Capacity           int           // Q, default 1000
	BackpressureTimeout time.Duration // T, default 5s
	FlushInterval      time.Duration // default 1s
	MaxBatch           int           // default 20
	RetryAttempts      int           // default 3
	RetryBase          time.Duration // default 50ms
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:            1000,
		BackpressureTimeout: 5 * time.Second,
		FlushInterval:       1 * time.Second,
		MaxBatch:            20,
		RetryAttempts:       3,
		RetryBase:           50 * time.Millisecond,
	}
}

// DroppedCounter receives backpressure-drop notifications for metrics.
type DroppedCounter interface {
	IncBackpressureTimeout()
}

// Recorder is C8.
type Recorder struct {
	cfg     Config
	backing store.Store
	dropped DroppedCounter
	log     *slog.Logger
	wake    *wakeup.Signal

	mu       sync.Mutex
	q        []models.DecisionTrace
	notFull  chan struct{} // closed+replaced whenever the queue has room
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Recorder.
func New(cfg Config, backing store.Store, dropped DroppedCounter, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		cfg:     cfg,
		backing: backing,
		dropped: dropped,
		log:     log,
		wake:    wakeup.New(),
		notFull: make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the periodic + wakeup-driven flush loop.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.runFlushLoop()
}

// Stop halts the flush loop and performs a final drain-flush.
func (r *Recorder) Stop(ctx context.Context) {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	for {
		n := r.flushOnce(ctx)
		if n == 0 {
			return
		}
	}
}

// Record enqueues trace, waiting up to BackpressureTimeout if the queue is
// full before dropping it (P5). Never blocks the caller past that timeout.
func (r *Recorder) Record(ctx context.Context, trace models.DecisionTrace) error {
	deadline := time.NewTimer(r.cfg.BackpressureTimeout)
	defer deadline.Stop()
	for {
		r.mu.Lock()
		if len(r.q) < r.cfg.Capacity {
			r.q = append(r.q, trace)
			r.mu.Unlock()
			r.wake.Notify()
			return nil
		}
		waitCh := r.notFull
		r.mu.Unlock()

		select {
		case <-waitCh:
			continue
		case <-deadline.C:
			if r.dropped != nil {
				r.dropped.IncBackpressureTimeout()
			}
			r.log.Warn("tracequeue: dropped trace on backpressure timeout", "decision_id", trace.DecisionID)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Recorder) runFlushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		r.flushOnce(ctx)
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		case <-r.wake.C():
		}
	}
}

// flushOnce drains up to MaxBatch traces and persists each with retry,
// returning how many were processed.
func (r *Recorder) flushOnce(ctx context.Context) int {
	r.mu.Lock()
	n := len(r.q)
	if n > r.cfg.MaxBatch {
		n = r.cfg.MaxBatch
	}
	batch := make([]models.DecisionTrace, n)
	copy(batch, r.q[:n])
	r.q = r.q[n:]
	if n > 0 {
		close(r.notFull)
		r.notFull = make(chan struct{})
	}
	r.mu.Unlock()

	// §4.4: the batch persists in parallel, not one retry-laden trace at a
	// time — a handful of failing traces would otherwise serialize the
	// whole flush behind RetryAttempts backoffs each.
	var wg sync.WaitGroup
	wg.Add(len(batch))
	for _, t := range batch {
		t := t
		go func() {
			defer wg.Done()
			r.persistWithRetry(ctx, t)
		}()
	}
	wg.Wait()
	return n
}

func (r *Recorder) persistWithRetry(ctx context.Context, trace models.DecisionTrace) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.RetryAttempts; attempt++ {
		if err := r.backing.UpsertDecisionTrace(ctx, trace); err != nil {
			lastErr = err
			backoff := time.Duration(float64(r.cfg.RetryBase) * math.Pow(2, float64(attempt)))
			time.Sleep(backoff)
			continue
		}
		return
	}
	r.log.Error("tracequeue: persist retries exhausted, writing failure marker", "decision_id", trace.DecisionID, "error", lastErr)
	failure := trace
	failure.IngestionStatus = models.IngestionFailed
	failure.SelectedAction = models.StrategyParams{}
	if err := r.backing.UpsertDecisionTrace(ctx, failure); err != nil {
		r.log.Error("tracequeue: failed to persist failure marker", "decision_id", trace.DecisionID, "error", err)
	}
}
