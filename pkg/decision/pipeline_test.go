package decision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amas-core/amas/pkg/apperrors"
	"github.com/amas-core/amas/pkg/bandit"
	"github.com/amas-core/amas/pkg/clockid"
	"github.com/amas-core/amas/pkg/models"
	"github.com/amas-core/amas/pkg/store/memstore"
)

type fakeScheduler struct {
	tasks []models.DelayedRewardTask
}

func (f *fakeScheduler) Schedule(ctx context.Context, task models.DelayedRewardTask) error {
	f.tasks = append(f.tasks, task)
	return nil
}

type fakeTraces struct {
	traces []models.DecisionTrace
}

func (f *fakeTraces) Record(ctx context.Context, trace models.DecisionTrace) error {
	f.traces = append(f.traces, trace)
	return nil
}

type fakeMetrics struct {
	successes, errors, timeouts int
	latencies                   []time.Duration
}

func (f *fakeMetrics) ObserveDecisionLatency(d time.Duration) { f.latencies = append(f.latencies, d) }
func (f *fakeMetrics) IncSuccess()                            { f.successes++ }
func (f *fakeMetrics) IncError()                              { f.errors++ }
func (f *fakeMetrics) IncTimeout()                            { f.timeouts++ }

func newTestPipeline(t *testing.T) (*Pipeline, *fakeScheduler, *fakeTraces, *fakeMetrics, *clockid.OffsetClock) {
	t.Helper()
	backing := memstore.New()
	selector := bandit.NewEpsilonGreedy(1)
	sched := &fakeScheduler{}
	traces := &fakeTraces{}
	metrics := &fakeMetrics{}
	clock := clockid.NewOffsetClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p := New(DefaultConfig(), backing, selector, sched, traces, metrics, clock)
	return p, sched, traces, metrics, clock
}

func validEvent(now time.Time) models.RawEvent {
	return models.RawEvent{
		WordID: "w1", IsCorrect: true, ResponseTimeMs: 2000,
		InteractionDensity: 1.0, Timestamp: now,
	}
}

// Scenario: happy-path decision.
func TestProcessEventHappyPath(t *testing.T) {
	p, sched, traces, metrics, clock := newTestPipeline(t)
	ctx := context.Background()
	now := clock.Now()

	result, err := p.ProcessEvent(ctx, "user-1", validEvent(now), "session-1")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, result.Reward, -1.0)
	assert.LessOrEqual(t, result.Reward, 1.0)
	assert.NotEmpty(t, result.Strategy.Difficulty)
	require.NotNil(t, result.FeatureVector)
	assert.Len(t, result.FeatureVector.Values, 12)

	assert.Len(t, sched.tasks, 1, "a delayed-reward task must be scheduled")
	assert.Len(t, traces.traces, 1, "a decision trace must be recorded")
	assert.Equal(t, models.IngestionSuccess, traces.traces[0].IngestionStatus)
	assert.Equal(t, 1, metrics.successes)
	assert.Equal(t, 0, metrics.errors)
}

func TestProcessEventRejectsInvalidEvent(t *testing.T) {
	p, _, _, _, clock := newTestPipeline(t)
	ev := validEvent(clock.Now())
	ev.ResponseTimeMs = 0

	_, err := p.ProcessEvent(context.Background(), "user-1", ev, "session-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationError(err))
}

func TestProcessEventRejectsFutureSkewedTimestamp(t *testing.T) {
	p, _, _, _, clock := newTestPipeline(t)
	ev := validEvent(clock.Now().Add(2 * time.Hour))

	_, err := p.ProcessEvent(context.Background(), "user-1", ev, "session-1")
	require.Error(t, err)
}

// Scenario: caller deadline already expired when the pipeline runs — §5
// requires a Timeout error, a timeout-metric increment, and no persisted
// state rather than the dependency/internal kind the failing load step
// would otherwise carry.
func TestProcessEventClassifiesExpiredDeadlineAsTimeout(t *testing.T) {
	p, _, _, metrics, clock := newTestPipeline(t)
	ev := validEvent(clock.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := p.ProcessEvent(ctx, "timeout-user", ev, "session-1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindTimeout))
	assert.Equal(t, 1, metrics.timeouts)
}

func TestProcessEventShouldBreakOnHighFatigue(t *testing.T) {
	p, _, _, _, clock := newTestPipeline(t)
	ctx := context.Background()

	// Drive fatigue up by feeding a run of slow, retry-heavy events.
	var result models.ProcessResult
	var err error
	for i := 0; i < 60; i++ {
		now := clock.Advance(time.Minute)
		ev := models.RawEvent{
			WordID: "w1", IsCorrect: false, ResponseTimeMs: 20000,
			RetryCount: 3, PauseCount: 3, InteractionDensity: 1.0, Timestamp: now,
		}
		result, err = p.ProcessEvent(ctx, "fatigued-user", ev, "")
		require.NoError(t, err)
	}
	assert.True(t, result.State.F > 0.8 || result.ShouldBreak, "sustained high-fatigue events should eventually trip shouldBreak")
}

func TestProcessEventSerializesPerUser(t *testing.T) {
	p, _, _, _, clock := newTestPipeline(t)
	ctx := context.Background()
	now := clock.Now()

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := p.ProcessEvent(ctx, "same-user", validEvent(now), "")
			done <- err
		}()
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-done)
	}
}
