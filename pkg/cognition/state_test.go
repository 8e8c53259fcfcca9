package cognition

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amas-core/amas/pkg/models"
	"github.com/amas-core/amas/pkg/store/memstore"
)

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.5))
	assert.Equal(t, 1.0, Clamp01(1.5))
	assert.Equal(t, 0.42, Clamp01(0.42))
}

func TestUpdateStateClampsAllAxes(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := models.UserState{UserID: "u1", A: 0.99, F: 0.99, M: 0.99, CMem: 0.99, CSpeed: 0.99, CStab: 0.99}
	ev := models.RawEvent{
		WordID: "w1", IsCorrect: true, ResponseTimeMs: 1000, Timestamp: now,
	}
	stats := models.UserStats{InteractionCount: 5, RecentAccuracy: 0.9}

	next := UpdateState(prev, ev, stats, now)

	for _, v := range []float64{next.A, next.F, next.M, next.CMem, next.CSpeed, next.CStab} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
	assert.Equal(t, "u1", next.UserID)
	assert.Equal(t, now, next.UpdatedAt)
}

func TestUpdateStateDeterministic(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := models.DefaultUserState("u1", now)
	ev := models.RawEvent{WordID: "w1", IsCorrect: false, ResponseTimeMs: 12000, Timestamp: now, SwitchCount: 2, FocusLossMs: 5000}
	stats := models.UserStats{InteractionCount: 3, RecentAccuracy: 0.5}

	a := UpdateState(prev, ev, stats, now)
	b := UpdateState(prev, ev, stats, now)

	assert.Equal(t, a, b, "UpdateState must be a pure function of its inputs")
}

func TestUpdateStateIncorrectAnswerLowersAttentionAndMotivation(t *testing.T) {
	now := time.Now().UTC()
	prev := models.DefaultUserState("u1", now)
	stats := models.UserStats{}

	wrong := UpdateState(prev, models.RawEvent{WordID: "w1", IsCorrect: false, ResponseTimeMs: 2000, Timestamp: now}, stats, now)
	right := UpdateState(prev, models.RawEvent{WordID: "w1", IsCorrect: true, ResponseTimeMs: 2000, Timestamp: now}, stats, now)

	assert.Less(t, wrong.A, right.A)
	assert.Less(t, wrong.M, right.M)
}

func TestStoreLoadOrInitDefaultsForNewUser(t *testing.T) {
	backing := memstore.New()
	s := New(backing)
	now := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

	st, err := s.LoadOrInit(context.Background(), "new-user", now)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultUserState("new-user", now), st)
}

func TestStoreSaveRoundTrip(t *testing.T) {
	backing := memstore.New()
	s := New(backing)
	ctx := context.Background()
	now := time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC)

	st := models.DefaultUserState("u1", now)
	st.A = 0.8
	ev := models.RawEvent{WordID: "w1", IsCorrect: true, ResponseTimeMs: 2000, Timestamp: now}

	require.NoError(t, backing.Transact(ctx, func(txCtx context.Context) error {
		return s.Save(txCtx, st, ev, now)
	}))

	loaded, err := s.LoadOrInit(ctx, "u1", now)
	require.NoError(t, err)
	assert.Equal(t, 0.8, loaded.A)

	stats, err := s.Stats(ctx, "u1", 20)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.InteractionCount)
	assert.Equal(t, 1.0, stats.RecentAccuracy)
}

func TestDailyHistoryEMABlendsRepeatedSameDayWrites(t *testing.T) {
	backing := memstore.New()
	ctx := context.Background()
	day := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, backing.UpsertStateHistoryEMA(ctx, models.StateHistory{UserID: "u1", Date: day, A: 1.0}, DailyHistoryAlpha))
	require.NoError(t, backing.UpsertStateHistoryEMA(ctx, models.StateHistory{UserID: "u1", Date: day, A: 0.0}, DailyHistoryAlpha))

	// Second write blends: alpha*next + (1-alpha)*prev = 0.3*0 + 0.7*1 = 0.7.
	row, ok := backing.History("u1", day)
	require.True(t, ok)
	assert.InDelta(t, 0.7, row.A, 1e-9)
}
