// Package memstore is an in-process implementation of store.Store, used so
// unit tests for the decision pipeline, reward queue, and trace recorder can
// run without a Postgres instance. It honors the same idempotency
// contracts as store/pgstore, without durability; Transact does not roll
// back (see Transact).
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amas-core/amas/pkg/clockid"
	"github.com/amas-core/amas/pkg/models"
)

type ctxKey struct{}

// Store is a mutex-guarded in-memory Store.
type Store struct {
	mu sync.Mutex

	states    map[string]models.UserState
	histories map[string]models.StateHistory // key userID+date
	answers   map[string][]models.AnswerRecord
	features  map[string]map[int]models.FeatureVector // sessionID -> version -> vector
	tasks     map[string]models.DelayedRewardTask
	idemIndex map[string]string // idempotencyKey -> task id
	traces    map[string]models.DecisionTrace

	seq int
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		states:    make(map[string]models.UserState),
		histories: make(map[string]models.StateHistory),
		answers:   make(map[string][]models.AnswerRecord),
		features:  make(map[string]map[int]models.FeatureVector),
		tasks:     make(map[string]models.DelayedRewardTask),
		idemIndex: make(map[string]string),
		traces:    make(map[string]models.DecisionTrace),
	}
}

// Transact runs fn directly and retries nothing. Each store call takes the
// single mutex on its own and its write applies immediately, so an error
// returned by fn does not undo writes fn already made.
func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	txCtx := context.WithValue(ctx, ctxKey{}, true)
	return fn(txCtx)
}

func (s *Store) HealthCheck(ctx context.Context) error { return nil }

func (s *Store) GetUserState(ctx context.Context, userID string) (models.UserState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[userID]
	return st, ok, nil
}

func (s *Store) PutUserState(ctx context.Context, state models.UserState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.UserID] = state
	return nil
}

func historyKey(userID string, date time.Time) string {
	return userID + "|" + date.Format("2006-01-02")
}

func (s *Store) UpsertStateHistoryEMA(ctx context.Context, row models.StateHistory, alpha float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := row.Date.Truncate(24 * time.Hour)
	row.Date = day
	key := historyKey(row.UserID, day)
	if prev, ok := s.histories[key]; ok {
		row.A = ema(prev.A, row.A, alpha)
		row.F = ema(prev.F, row.F, alpha)
		row.M = ema(prev.M, row.M, alpha)
		row.CMem = ema(prev.CMem, row.CMem, alpha)
		row.CSpeed = ema(prev.CSpeed, row.CSpeed, alpha)
		row.CStab = ema(prev.CStab, row.CStab, alpha)
	}
	s.histories[key] = row
	return nil
}

func ema(prev, next, alpha float64) float64 {
	return alpha*next + (1-alpha)*prev
}

func (s *Store) AppendAnswerRecord(ctx context.Context, rec models.AnswerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[rec.UserID] = append(s.answers[rec.UserID], rec)
	return nil
}

func (s *Store) UserStats(ctx context.Context, userID string, window int) (models.UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.answers[userID]
	sorted := make([]models.AnswerRecord, len(recs))
	copy(sorted, recs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.After(sorted[j].Timestamp) })
	if len(sorted) > window {
		sorted = sorted[:window]
	}
	stats := models.UserStats{InteractionCount: len(recs)}
	if len(sorted) == 0 {
		return stats, nil
	}
	correct := 0
	for _, r := range sorted {
		if r.IsCorrect {
			correct++
		}
	}
	stats.RecentAccuracy = float64(correct) / float64(len(sorted))
	return stats, nil
}

func (s *Store) PutFeatureVector(ctx context.Context, fv models.FeatureVector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.features[fv.SessionID]; !ok {
		s.features[fv.SessionID] = make(map[int]models.FeatureVector)
	}
	s.features[fv.SessionID][fv.Version] = fv
	return nil
}

func (s *Store) GetFeatureVector(ctx context.Context, sessionID string, version int) (models.FeatureVector, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byVersion, ok := s.features[sessionID]
	if !ok {
		return models.FeatureVector{}, false, nil
	}
	fv, ok := byVersion[version]
	return fv, ok, nil
}

func (s *Store) LatestFeatureVector(ctx context.Context, sessionID string) (models.FeatureVector, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byVersion, ok := s.features[sessionID]
	if !ok || len(byVersion) == 0 {
		return models.FeatureVector{}, false, nil
	}
	best := -1
	for v := range byVersion {
		if v > best {
			best = v
		}
	}
	return byVersion[best], true, nil
}

func (s *Store) EnqueueRewardTask(ctx context.Context, task models.DelayedRewardTask) (models.DelayedRewardTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.idemIndex[task.IdempotencyKey]; ok {
		return s.tasks[id], false, nil
	}
	if task.ID == "" {
		task.ID = clockid.NewID()
	}
	if task.Status == "" {
		task.Status = models.RewardPending
	}
	s.tasks[task.ID] = task
	s.idemIndex[task.IdempotencyKey] = task.ID
	return task, true, nil
}

func (s *Store) ClaimDueRewardTasks(ctx context.Context, limit int, now time.Time) ([]models.DelayedRewardTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []models.DelayedRewardTask
	for _, t := range s.tasks {
		if t.Status == models.RewardPending && !t.DueTs.After(now) {
			candidates = append(candidates, t)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].DueTs.Equal(candidates[j].DueTs) {
			return candidates[i].DueTs.Before(candidates[j].DueTs)
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for i := range candidates {
		candidates[i].Status = models.RewardProcessing
		candidates[i].Attempts++
		s.tasks[candidates[i].ID] = candidates[i]
	}
	return candidates, nil
}

func (s *Store) UpdateRewardTaskStatus(ctx context.Context, id string, status models.RewardTaskStatus, lastErr string, nextDue time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("memstore: reward task %s not found", id)
	}
	t.Status = status
	t.LastError = lastErr
	if !nextDue.IsZero() {
		t.DueTs = nextDue
	}
	s.tasks[id] = t
	return nil
}

func (s *Store) ReclaimStaleProcessing(ctx context.Context, threshold time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tasks {
		if t.Status == models.RewardProcessing && t.CreatedAt.Before(threshold) {
			t.Status = models.RewardPending
			s.tasks[id] = t
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteRewardTasksBefore(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tasks {
		if (t.Status == models.RewardDone || t.Status == models.RewardFailed) && t.CreatedAt.Before(before) {
			delete(s.tasks, id)
			delete(s.idemIndex, t.IdempotencyKey)
			n++
		}
	}
	return n, nil
}

func (s *Store) UpsertDecisionTrace(ctx context.Context, trace models.DecisionTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[trace.DecisionID] = trace
	return nil
}

func (s *Store) DeleteDecisionTracesBefore(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.traces {
		if t.IngestionStatus == models.IngestionSuccess && t.Timestamp.Before(before) {
			delete(s.traces, id)
			n++
		}
	}
	return n, nil
}

// Trace returns a stored trace by decision ID, for test assertions.
func (s *Store) Trace(decisionID string) (models.DecisionTrace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traces[decisionID]
	return t, ok
}

// Task returns a stored reward task by ID, for test assertions.
func (s *Store) Task(id string) (models.DelayedRewardTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// History returns the stored StateHistory row for (userID, date), for test
// assertions.
func (s *Store) History(userID string, date time.Time) (models.StateHistory, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.histories[historyKey(userID, date.Truncate(24*time.Hour))]
	return h, ok
}
