package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amas-core/amas/pkg/models"
)

func TestUserStateRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	_, ok, err := s.GetUserState(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	st := models.DefaultUserState("u1", now)
	require.NoError(t, s.PutUserState(ctx, st))

	got, ok, err := s.GetUserState(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, st, got)
}

func TestUserStatsWindowsMostRecent(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 25; i++ {
		require.NoError(t, s.AppendAnswerRecord(ctx, models.AnswerRecord{
			UserID: "u1", IsCorrect: i >= 20, Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	stats, err := s.UserStats(ctx, "u1", 20)
	require.NoError(t, err)
	assert.Equal(t, 25, stats.InteractionCount)
	// The 20 most recent (by timestamp desc) are indices 5..24: 5 of them
	// (20-24) are correct.
	assert.InDelta(t, 5.0/20.0, stats.RecentAccuracy, 1e-9)
}

func TestEnqueueRewardTaskIdempotency(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := models.DelayedRewardTask{UserID: "u1", IdempotencyKey: "k1", Reward: 0.5}

	row1, created1, err := s.EnqueueRewardTask(ctx, task)
	require.NoError(t, err)
	assert.True(t, created1)

	row2, created2, err := s.EnqueueRewardTask(ctx, task)
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, row1.ID, row2.ID)
}

func TestClaimDueRewardTasksOrdersByDueThenCreated(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, _, err := s.EnqueueRewardTask(ctx, models.DelayedRewardTask{
		IdempotencyKey: "k2", DueTs: base, CreatedAt: base.Add(time.Minute),
	})
	require.NoError(t, err)
	_, _, err = s.EnqueueRewardTask(ctx, models.DelayedRewardTask{
		IdempotencyKey: "k1", DueTs: base, CreatedAt: base,
	})
	require.NoError(t, err)
	_, _, err = s.EnqueueRewardTask(ctx, models.DelayedRewardTask{
		IdempotencyKey: "k3", DueTs: base.Add(time.Hour), CreatedAt: base,
	})
	require.NoError(t, err)

	claimed, err := s.ClaimDueRewardTasks(ctx, 10, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "k1", claimed[0].IdempotencyKey)
	assert.Equal(t, "k2", claimed[1].IdempotencyKey)
	assert.Equal(t, models.RewardProcessing, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempts)
}

func TestDeleteRewardTasksBeforeOnlyTouchesTerminalRows(t *testing.T) {
	s := New()
	ctx := context.Background()
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	done, _, err := s.EnqueueRewardTask(ctx, models.DelayedRewardTask{IdempotencyKey: "done", CreatedAt: old})
	require.NoError(t, err)
	require.NoError(t, s.UpdateRewardTaskStatus(ctx, done.ID, models.RewardDone, "", time.Time{}))

	pending, _, err := s.EnqueueRewardTask(ctx, models.DelayedRewardTask{IdempotencyKey: "pending", CreatedAt: old})
	require.NoError(t, err)

	n, err := s.DeleteRewardTasksBefore(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := s.Task(done.ID)
	assert.False(t, ok)
	_, ok = s.Task(pending.ID)
	assert.True(t, ok, "non-terminal rows must survive the sweep regardless of age")
}

func TestTransactRunsFnWithEmbeddedContext(t *testing.T) {
	s := New()
	called := false
	err := s.Transact(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}
