// Package cognition owns the per-user cognitive state: the deterministic
// update operator (pure function of prior state, the raw event, and derived
// stats) and the store wrapper that loads, updates, and persists state plus
// its daily EMA rollup in one transaction.
package cognition

import (
	"context"
	"fmt"
	"time"

	"github.com/amas-core/amas/pkg/models"
	"github.com/amas-core/amas/pkg/store"
)

// Clamp01 clamps v to the [0,1] interval, per P1.
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// EMAAlpha is the blend weight used for the C.mem/C.speed/C.stability
// rolling update within a single event (distinct from the daily
// StateHistory EMA, which uses its own alpha in Store.Save).
const EMAAlpha = 0.2

// speedScore maps a response time to a 0..1 score via the thresholds in
// the external-interfaces scoring design: excellent/good/average/slow.
func speedScore(responseTimeMs float64) float64 {
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

// UpdateState is the deterministic update operator: a pure function of
// (prev, ev, stats), reproducible byte-for-byte given the same inputs.
func UpdateState(prev models.UserState, ev models.RawEvent, stats models.UserStats, now time.Time) models.UserState {
	next := prev
	next.UserID = prev.UserID

	correctSignal := -0.03
	if ev.IsCorrect {
		correctSignal = 0.05
	}
	fatigueDrag := 0.02 * prev.F
	next.A = Clamp01(prev.A + correctSignal - fatigueDrag)

	fatigueDelta := 0.01 + (speedScoreFatigue(ev.ResponseTimeMs) * 0.04) + float64(ev.PauseCount)*0.005 + float64(ev.RetryCount)*0.01
	next.F = Clamp01(prev.F + fatigueDelta)

	motivationDelta := -0.04
	if ev.IsCorrect {
		motivationDelta = 0.03
	}
	next.M = Clamp01(prev.M + motivationDelta)

	memSignal := 0.0
	if ev.IsCorrect {
		memSignal = 1.0
	}
	next.CMem = Clamp01(EMAAlpha*memSignal + (1-EMAAlpha)*prev.CMem)

	speedSignal := speedScore(ev.ResponseTimeMs)
	next.CSpeed = Clamp01(EMAAlpha*speedSignal + (1-EMAAlpha)*prev.CSpeed)

	stabilitySignal := stabilitySignalFor(ev, stats)
	next.CStab = Clamp01(EMAAlpha*stabilitySignal + (1-EMAAlpha)*prev.CStab)

	next.Trend = trendFor(prev, next)
	next.UpdatedAt = now
	return next
}

func speedScoreFatigue(responseTimeMs float64) float64 {
	// Slower responses contribute more to fatigue accrual; inverse of the
	// reward speedScore so a "slow" event (0.25 reward score) contributes
	// the most fatigue (0.75 on this 0..1 scale).
	return 1 - speedScore(responseTimeMs)
}

func stabilitySignalFor(ev models.RawEvent, stats models.UserStats) float64 {
	switchPenalty := float64(ev.SwitchCount) * 0.1
	focusPenalty := 0.0
	if ev.FocusLossMs > 0 {
		focusPenalty = Clamp01(ev.FocusLossMs / 30000)
	}
	base := stats.RecentAccuracy
	return Clamp01(base - switchPenalty - focusPenalty)
}

func trendFor(prev, next models.UserState) string {
	prevAvg := (prev.CMem + prev.CSpeed + prev.CStab) / 3
	nextAvg := (next.CMem + next.CSpeed + next.CStab) / 3
	switch {
	case nextAvg-prevAvg > 0.01:
		return "improving"
	case prevAvg-nextAvg > 0.01:
		return "declining"
	default:
		return "stable"
	}
}

// Store wraps a store.Store with the cognition-specific read/update/persist
// operations C6 needs.
type Store struct {
	backing store.Store
}

// New wraps backing.
func New(backing store.Store) *Store {
	return &Store{backing: backing}
}

// LoadOrInit returns the user's live state, or the documented defaults if
// none exists yet.
func (s *Store) LoadOrInit(ctx context.Context, userID string, now time.Time) (models.UserState, error) {
	st, ok, err := s.backing.GetUserState(ctx, userID)
	if err != nil {
		return models.UserState{}, fmt.Errorf("cognition: load state: %w", err)
	}
	if !ok {
		return models.DefaultUserState(userID, now), nil
	}
	return st, nil
}

// Stats derives UserStats for userID over the most recent window events.
func (s *Store) Stats(ctx context.Context, userID string, window int) (models.UserStats, error) {
	return s.backing.UserStats(ctx, userID, window)
}

// DailyHistoryAlpha is the EMA weight applied to repeated same-day writes.
const DailyHistoryAlpha = 0.3

// Save persists the new state and appends/blends today's StateHistory row,
// plus the triggering answer record, all within ctx's active transaction.
func (s *Store) Save(ctx context.Context, st models.UserState, ev models.RawEvent, now time.Time) error {
	if err := s.backing.PutUserState(ctx, st); err != nil {
		return fmt.Errorf("cognition: put state: %w", err)
	}
	history := models.StateHistory{
		UserID: st.UserID,
		Date:   now.UTC().Truncate(24 * time.Hour),
		A:      st.A, F: st.F, M: st.M,
		CMem: st.CMem, CSpeed: st.CSpeed, CStab: st.CStab,
		Trend: st.Trend,
	}
	if err := s.backing.UpsertStateHistoryEMA(ctx, history, DailyHistoryAlpha); err != nil {
		return fmt.Errorf("cognition: upsert history: %w", err)
	}
	if err := s.backing.AppendAnswerRecord(ctx, models.AnswerRecord{
		UserID: st.UserID, WordID: ev.WordID, IsCorrect: ev.IsCorrect,
		ResponseTimeMs: ev.ResponseTimeMs, Timestamp: ev.Timestamp,
	}); err != nil {
		return fmt.Errorf("cognition: append answer record: %w", err)
	}
	return nil
}
