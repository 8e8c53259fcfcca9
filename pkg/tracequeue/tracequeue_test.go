package tracequeue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amas-core/amas/pkg/models"
	"github.com/amas-core/amas/pkg/store/memstore"
)

type countingDropped struct{ n atomic.Int64 }

func (c *countingDropped) IncBackpressureTimeout() { c.n.Add(1) }

func TestRecordAndFlush(t *testing.T) {
	backing := memstore.New()
	cfg := DefaultConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	r := New(cfg, backing, nil, nil)
	r.Start()
	defer r.Stop(context.Background())

	trace := models.DecisionTrace{DecisionID: "d1", Timestamp: time.Now()}
	require.NoError(t, r.Record(context.Background(), trace))

	require.Eventually(t, func() bool {
		_, ok := backing.Trace("d1")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestRecordBackpressureDropsAfterTimeout(t *testing.T) {
	backing := memstore.New()
	cfg := DefaultConfig()
	cfg.Capacity = 1
	cfg.BackpressureTimeout = 20 * time.Millisecond
	cfg.FlushInterval = time.Hour // never flushes on its own during this test
	dropped := &countingDropped{}
	r := New(cfg, backing, dropped, nil)
	// Deliberately never call Start(): the queue fills and stays full so
	// the second Record call must time out and drop.

	require.NoError(t, r.Record(context.Background(), models.DecisionTrace{DecisionID: "d1"}))
	err := r.Record(context.Background(), models.DecisionTrace{DecisionID: "d2"})
	require.NoError(t, err, "a dropped trace is not an error to the caller")
	assert.Equal(t, int64(1), dropped.n.Load())
}

func TestFlushOnceRespectsMaxBatch(t *testing.T) {
	backing := memstore.New()
	cfg := DefaultConfig()
	cfg.MaxBatch = 2
	cfg.Capacity = 10
	r := New(cfg, backing, nil, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Record(context.Background(), models.DecisionTrace{DecisionID: string(rune('a' + i))}))
	}
	n := r.flushOnce(context.Background())
	assert.Equal(t, 2, n)
}

type failingStore struct {
	*memstore.Store
	failUntil int
	calls     atomic.Int64
}

func (f *failingStore) UpsertDecisionTrace(ctx context.Context, trace models.DecisionTrace) error {
	n := f.calls.Add(1)
	if int(n) <= f.failUntil {
		return errors.New("simulated transient failure")
	}
	return f.Store.UpsertDecisionTrace(ctx, trace)
}

func TestPersistWithRetryWritesFailureMarkerOnExhaustion(t *testing.T) {
	backing := &failingStore{Store: memstore.New(), failUntil: 100}
	cfg := DefaultConfig()
	cfg.RetryAttempts = 2
	cfg.RetryBase = time.Millisecond
	r := New(cfg, backing, nil, nil)

	r.persistWithRetry(context.Background(), models.DecisionTrace{DecisionID: "d1"})

	trace, ok := backing.Trace("d1")
	require.True(t, ok)
	assert.Equal(t, models.IngestionFailed, trace.IngestionStatus)
	assert.Equal(t, models.StrategyParams{}, trace.SelectedAction)
}

type slowStore struct {
	*memstore.Store
	delay time.Duration
}

func (s *slowStore) UpsertDecisionTrace(ctx context.Context, trace models.DecisionTrace) error {
	time.Sleep(s.delay)
	return s.Store.UpsertDecisionTrace(ctx, trace)
}

// Scenario: a batch of slow-to-persist traces must flush concurrently, not
// serialize one after another (§4.4).
func TestFlushOnceProcessesBatchConcurrently(t *testing.T) {
	backing := &slowStore{Store: memstore.New(), delay: 50 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.MaxBatch = 10
	cfg.Capacity = 10
	r := New(cfg, backing, nil, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, r.Record(context.Background(), models.DecisionTrace{DecisionID: string(rune('a' + i))}))
	}

	start := time.Now()
	n := r.flushOnce(context.Background())
	elapsed := time.Since(start)

	assert.Equal(t, 10, n)
	assert.Less(t, elapsed, 5*50*time.Millisecond, "10 traces at 50ms each must not serialize to ~500ms")
}

func TestPersistWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	backing := &failingStore{Store: memstore.New(), failUntil: 1}
	cfg := DefaultConfig()
	cfg.RetryAttempts = 3
	cfg.RetryBase = time.Millisecond
	r := New(cfg, backing, nil, nil)

	r.persistWithRetry(context.Background(), models.DecisionTrace{DecisionID: "d1", IngestionStatus: models.IngestionSuccess})

	trace, ok := backing.Trace("d1")
	require.True(t, ok)
	assert.Equal(t, models.IngestionSuccess, trace.IngestionStatus)
}
