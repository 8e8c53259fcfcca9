// Package pgstore implements store.Store directly on pgx's database/sql
// driver (no ORM): one table per entity, transactions demarcated with
// database/sql, and row-level conditional updates for the delayed-reward
// claim loop (SELECT ... FOR UPDATE SKIP LOCKED), the pattern the teacher
// used underneath its generated client for exactly this kind of
// claim-based worker queue.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/amas-core/amas/pkg/apperrors"
	"github.com/amas-core/amas/pkg/clockid"
	"github.com/amas-core/amas/pkg/models"
)

type ctxKey struct{}

// Store is a *sql.DB-backed store.Store implementation.
type Store struct {
	db *sql.DB

	// RetryBase/RetryMax/RetryAttempts configure the backoff applied to
	// transient transaction failures inside Transact.
	RetryBase     time.Duration
	RetryMax      time.Duration
	RetryAttempts int
}

// New wraps db. Callers own db's lifecycle (see pkg/database.Client).
func New(db *sql.DB) *Store {
	return &Store{
		db:            db,
		RetryBase:     50 * time.Millisecond,
		RetryMax:      2 * time.Second,
		RetryAttempts: 5,
	}
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(ctxKey{}).(*sql.Tx); ok && tx != nil {
		return tx
	}
	return s.db
}

// Transact runs fn inside a transaction, retrying transient failures
// (serialization_failure 40001, deadlock_detected 40P01, query_canceled
// 57014, sql.ErrConnDone) with exponential backoff before surfacing
// apperrors.KindTransient. Waiting on the connection pool is not
// classified as transient.
func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < s.RetryAttempts; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return err
		}
		backoff := time.Duration(math.Min(float64(s.RetryMax), float64(s.RetryBase)*math.Pow(2, float64(attempt))))
		jitter := time.Duration(rand.Int63n(int64(backoff/2 + 1)))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.KindTimeout, "transact cancelled during backoff", ctx.Err())
		}
	}
	return apperrors.Wrap(apperrors.KindTransient, "transaction retries exhausted", lastErr)
}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txCtx := context.WithValue(ctx, ctxKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57014":
			return true
		}
	}
	return errors.Is(err, sql.ErrConnDone)
}

func (s *Store) GetUserState(ctx context.Context, userID string) (models.UserState, bool, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT user_id, a, f, m, c_mem, c_speed, c_stab, trend, updated_at
		FROM user_states WHERE user_id = $1`, userID)
	var st models.UserState
	err := row.Scan(&st.UserID, &st.A, &st.F, &st.M, &st.CMem, &st.CSpeed, &st.CStab, &st.Trend, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UserState{}, false, nil
	}
	if err != nil {
		return models.UserState{}, false, fmt.Errorf("get user state: %w", err)
	}
	return st, true, nil
}

func (s *Store) PutUserState(ctx context.Context, st models.UserState) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO user_states (user_id, a, f, m, c_mem, c_speed, c_stab, trend, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (user_id) DO UPDATE SET
			a=$2, f=$3, m=$4, c_mem=$5, c_speed=$6, c_stab=$7, trend=$8, updated_at=$9`,
		st.UserID, st.A, st.F, st.M, st.CMem, st.CSpeed, st.CStab, st.Trend, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put user state: %w", err)
	}
	return nil
}

func (s *Store) UpsertStateHistoryEMA(ctx context.Context, row models.StateHistory, alpha float64) error {
	day := row.Date.Truncate(24 * time.Hour)
	var existing models.StateHistory
	found := false
	r := s.q(ctx).QueryRowContext(ctx, `
		SELECT a, f, m, c_mem, c_speed, c_stab FROM state_history WHERE user_id=$1 AND date=$2`,
		row.UserID, day)
	if err := r.Scan(&existing.A, &existing.F, &existing.M, &existing.CMem, &existing.CSpeed, &existing.CStab); err == nil {
		found = true
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read state history: %w", err)
	}
	if found {
		row.A = alpha*row.A + (1-alpha)*existing.A
		row.F = alpha*row.F + (1-alpha)*existing.F
		row.M = alpha*row.M + (1-alpha)*existing.M
		row.CMem = alpha*row.CMem + (1-alpha)*existing.CMem
		row.CSpeed = alpha*row.CSpeed + (1-alpha)*existing.CSpeed
		row.CStab = alpha*row.CStab + (1-alpha)*existing.CStab
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO state_history (user_id, date, a, f, m, c_mem, c_speed, c_stab, trend)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (user_id, date) DO UPDATE SET
			a=$3, f=$4, m=$5, c_mem=$6, c_speed=$7, c_stab=$8, trend=$9`,
		row.UserID, day, row.A, row.F, row.M, row.CMem, row.CSpeed, row.CStab, row.Trend)
	if err != nil {
		return fmt.Errorf("upsert state history: %w", err)
	}
	return nil
}

func (s *Store) AppendAnswerRecord(ctx context.Context, rec models.AnswerRecord) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO answer_records (user_id, word_id, is_correct, response_time_ms, timestamp)
		VALUES ($1,$2,$3,$4,$5)`, rec.UserID, rec.WordID, rec.IsCorrect, rec.ResponseTimeMs, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("append answer record: %w", err)
	}
	return nil
}

func (s *Store) UserStats(ctx context.Context, userID string, window int) (models.UserStats, error) {
	var total int
	if err := s.q(ctx).QueryRowContext(ctx, `SELECT count(*) FROM answer_records WHERE user_id=$1`, userID).Scan(&total); err != nil {
		return models.UserStats{}, fmt.Errorf("count answer records: %w", err)
	}
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT is_correct FROM answer_records WHERE user_id=$1 ORDER BY timestamp DESC LIMIT $2`, userID, window)
	if err != nil {
		return models.UserStats{}, fmt.Errorf("range answer records: %w", err)
	}
	defer rows.Close()
	var correct, n int
	for rows.Next() {
		var isCorrect bool
		if err := rows.Scan(&isCorrect); err != nil {
			return models.UserStats{}, fmt.Errorf("scan answer record: %w", err)
		}
		n++
		if isCorrect {
			correct++
		}
	}
	stats := models.UserStats{InteractionCount: total}
	if n > 0 {
		stats.RecentAccuracy = float64(correct) / float64(n)
	}
	return stats, nil
}

func (s *Store) PutFeatureVector(ctx context.Context, fv models.FeatureVector) error {
	values, err := json.Marshal(fv.Values)
	if err != nil {
		return fmt.Errorf("marshal values: %w", err)
	}
	labels, err := json.Marshal(fv.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO feature_vectors (session_id, version, values, labels, norm_method, ts)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (session_id, version) DO UPDATE SET values=$3, labels=$4, norm_method=$5, ts=$6`,
		fv.SessionID, fv.Version, values, labels, fv.NormMethod, fv.Ts)
	if err != nil {
		return fmt.Errorf("put feature vector: %w", err)
	}
	return nil
}

func (s *Store) scanFeatureVector(row *sql.Row) (models.FeatureVector, bool, error) {
	var fv models.FeatureVector
	var values, labels []byte
	err := row.Scan(&fv.SessionID, &fv.Version, &values, &labels, &fv.NormMethod, &fv.Ts)
	if errors.Is(err, sql.ErrNoRows) {
		return models.FeatureVector{}, false, nil
	}
	if err != nil {
		return models.FeatureVector{}, false, fmt.Errorf("scan feature vector: %w", err)
	}
	if err := json.Unmarshal(values, &fv.Values); err != nil {
		return models.FeatureVector{}, false, fmt.Errorf("unmarshal values: %w", err)
	}
	if err := json.Unmarshal(labels, &fv.Labels); err != nil {
		return models.FeatureVector{}, false, fmt.Errorf("unmarshal labels: %w", err)
	}
	return fv, true, nil
}

func (s *Store) GetFeatureVector(ctx context.Context, sessionID string, version int) (models.FeatureVector, bool, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT session_id, version, values, labels, norm_method, ts
		FROM feature_vectors WHERE session_id=$1 AND version=$2`, sessionID, version)
	return s.scanFeatureVector(row)
}

func (s *Store) LatestFeatureVector(ctx context.Context, sessionID string) (models.FeatureVector, bool, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT session_id, version, values, labels, norm_method, ts
		FROM feature_vectors WHERE session_id=$1 ORDER BY version DESC LIMIT 1`, sessionID)
	return s.scanFeatureVector(row)
}

func (s *Store) EnqueueRewardTask(ctx context.Context, task models.DelayedRewardTask) (models.DelayedRewardTask, bool, error) {
	if task.ID == "" {
		task.ID = clockid.NewID()
	}
	if task.Status == "" {
		task.Status = models.RewardPending
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO delayed_reward_tasks (id, user_id, session_id, due_ts, reward, idempotency_key, status, attempts, last_error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,0,'',$8)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		task.ID, task.UserID, task.SessionID, task.DueTs, task.Reward, task.IdempotencyKey, task.Status, task.CreatedAt)
	if err != nil {
		return models.DelayedRewardTask{}, false, fmt.Errorf("enqueue reward task: %w", err)
	}
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, user_id, session_id, due_ts, reward, idempotency_key, status, attempts, last_error, created_at
		FROM delayed_reward_tasks WHERE idempotency_key=$1`, task.IdempotencyKey)
	var got models.DelayedRewardTask
	if err := row.Scan(&got.ID, &got.UserID, &got.SessionID, &got.DueTs, &got.Reward, &got.IdempotencyKey,
		&got.Status, &got.Attempts, &got.LastError, &got.CreatedAt); err != nil {
		return models.DelayedRewardTask{}, false, fmt.Errorf("read enqueued reward task: %w", err)
	}
	return got, got.ID == task.ID, nil
}

func (s *Store) ClaimDueRewardTasks(ctx context.Context, limit int, now time.Time) ([]models.DelayedRewardTask, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		UPDATE delayed_reward_tasks
		SET status='PROCESSING', attempts=attempts+1
		WHERE id IN (
			SELECT id FROM delayed_reward_tasks
			WHERE status='PENDING' AND due_ts <= $1
			ORDER BY due_ts ASC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, user_id, session_id, due_ts, reward, idempotency_key, status, attempts, last_error, created_at`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim reward tasks: %w", err)
	}
	defer rows.Close()
	var out []models.DelayedRewardTask
	for rows.Next() {
		var t models.DelayedRewardTask
		if err := rows.Scan(&t.ID, &t.UserID, &t.SessionID, &t.DueTs, &t.Reward, &t.IdempotencyKey,
			&t.Status, &t.Attempts, &t.LastError, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan claimed reward task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRewardTaskStatus(ctx context.Context, id string, status models.RewardTaskStatus, lastErr string, nextDue time.Time) error {
	if nextDue.IsZero() {
		_, err := s.q(ctx).ExecContext(ctx, `
			UPDATE delayed_reward_tasks SET status=$2, last_error=$3 WHERE id=$1`, id, status, lastErr)
		if err != nil {
			return fmt.Errorf("update reward task status: %w", err)
		}
		return nil
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE delayed_reward_tasks SET status=$2, last_error=$3, due_ts=$4 WHERE id=$1`,
		id, status, lastErr, nextDue)
	if err != nil {
		return fmt.Errorf("update reward task status: %w", err)
	}
	return nil
}

func (s *Store) ReclaimStaleProcessing(ctx context.Context, threshold time.Time) (int, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE delayed_reward_tasks SET status='PENDING'
		WHERE status='PROCESSING' AND created_at < $1`, threshold)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale reward tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) DeleteRewardTasksBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		DELETE FROM delayed_reward_tasks WHERE status IN ('DONE','FAILED') AND created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete old reward tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) UpsertDecisionTrace(ctx context.Context, trace models.DecisionTrace) error {
	weights, _ := json.Marshal(trace.WeightsSnapshot)
	votes, _ := json.Marshal(trace.MemberVotes)
	action, err := json.Marshal(trace.SelectedAction)
	if err != nil {
		return fmt.Errorf("marshal selected action: %w", err)
	}
	stages, err := json.Marshal(trace.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	var reward sql.NullFloat64
	if trace.Reward != nil {
		reward = sql.NullFloat64{Float64: *trace.Reward, Valid: true}
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO decision_traces (decision_id, answer_record_id, session_id, timestamp, decision_source,
			weights_snapshot, member_votes, selected_action, confidence, reward, stages, ingestion_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (decision_id) DO UPDATE SET
			answer_record_id=$2, session_id=$3, timestamp=$4, decision_source=$5,
			weights_snapshot=$6, member_votes=$7, selected_action=$8, confidence=$9,
			reward=$10, stages=$11, ingestion_status=$12`,
		trace.DecisionID, trace.AnswerRecordID, trace.SessionID, trace.Timestamp, trace.DecisionSource,
		weights, votes, action, trace.Confidence, reward, stages, trace.IngestionStatus)
	if err != nil {
		return fmt.Errorf("upsert decision trace: %w", err)
	}
	return nil
}

func (s *Store) DeleteDecisionTracesBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		DELETE FROM decision_traces WHERE ingestion_status='SUCCESS' AND timestamp < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete old decision traces: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
