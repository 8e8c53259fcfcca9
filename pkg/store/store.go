// Package store defines the AMAS core's single persistence boundary: a
// transactional KV + indexed-range interface, made of per-entity
// sub-interfaces plus Transact, with concrete variants injected at
// supervisor startup. Two implementations
// exist: store/pgstore (Postgres, via pkg/database) for production, and
// store/memstore (in-process) for fast unit tests.
package store

import (
	"context"
	"time"

	"github.com/amas-core/amas/pkg/models"
)

// Store is the full persistence surface the AMAS core requires. All writes
// that must be atomic together are performed inside Transact; callers
// outside a transaction get single-statement autocommit semantics.
type Store interface {
	// Transact runs fn with a context carrying an active transaction. All
	// Store calls made with that context participate in the transaction.
	// In pgstore, fn's error triggers a rollback, nil triggers a commit, and
	// transient failures (serialization conflict, deadlock, query cancel)
	// are retried with backoff before being surfaced as
	// apperrors.KindTransient. memstore neither rolls back nor retries.
	Transact(ctx context.Context, fn func(ctx context.Context) error) error

	// HealthCheck reports whether the store is reachable.
	HealthCheck(ctx context.Context) error

	UserStateStore
	StateHistoryStore
	AnswerRecordStore
	FeatureVectorStore
	RewardTaskStore
	DecisionTraceStore
}

// UserStateStore owns the single live cognitive-state row per user.
type UserStateStore interface {
	GetUserState(ctx context.Context, userID string) (models.UserState, bool, error)
	PutUserState(ctx context.Context, state models.UserState) error
}

// StateHistoryStore owns the daily EMA rollup.
type StateHistoryStore interface {
	// UpsertStateHistoryEMA writes row for (userID, date); if a row already
	// exists for that day, each scalar is blended with EMA weight alpha
	// instead of overwritten.
	UpsertStateHistoryEMA(ctx context.Context, row models.StateHistory, alpha float64) error
}

// AnswerRecordStore is the append-only scored-event log used to derive
// UserStats.
type AnswerRecordStore interface {
	AppendAnswerRecord(ctx context.Context, rec models.AnswerRecord) error
	// UserStats scans up to window most-recent records for userID
	// (ordered by timestamp desc) and derives interaction count + accuracy.
	UserStats(ctx context.Context, userID string, window int) (models.UserStats, error)
}

// FeatureVectorStore persists feature vectors keyed by (sessionID, version).
type FeatureVectorStore interface {
	PutFeatureVector(ctx context.Context, fv models.FeatureVector) error
	// GetFeatureVector returns the vector stored under exactly (sessionID,
	// version); LatestFeatureVector returns the newest version instead.
	GetFeatureVector(ctx context.Context, sessionID string, version int) (models.FeatureVector, bool, error)
	LatestFeatureVector(ctx context.Context, sessionID string) (models.FeatureVector, bool, error)
}

// RewardTaskStore owns the delayed-reward queue's durable rows.
type RewardTaskStore interface {
	// EnqueueRewardTask inserts a new task, or returns the existing row
	// unchanged (created=false) if idempotencyKey already has a row.
	EnqueueRewardTask(ctx context.Context, task models.DelayedRewardTask) (row models.DelayedRewardTask, created bool, err error)
	// ClaimDueRewardTasks atomically claims up to limit PENDING tasks whose
	// dueTs <= now, ordered by dueTs asc then createdAt asc, flipping them
	// to PROCESSING and incrementing attempts.
	ClaimDueRewardTasks(ctx context.Context, limit int, now time.Time) ([]models.DelayedRewardTask, error)
	// UpdateRewardTaskStatus records the outcome of a claimed task.
	UpdateRewardTaskStatus(ctx context.Context, id string, status models.RewardTaskStatus, lastErr string, nextDue time.Time) error
	// ReclaimStaleProcessing returns PROCESSING rows untouched since before
	// threshold back to PENDING (crash/timeout recovery).
	ReclaimStaleProcessing(ctx context.Context, threshold time.Time) (int, error)
	// DeleteRewardTasksBefore hard-deletes DONE/FAILED rows older than
	// before, for retention sweeps.
	DeleteRewardTasksBefore(ctx context.Context, before time.Time) (int, error)
}

// DecisionTraceStore owns decision-trace persistence.
type DecisionTraceStore interface {
	// UpsertDecisionTrace replaces the row for trace.DecisionID (stages are
	// always fully replaced, never merged).
	UpsertDecisionTrace(ctx context.Context, trace models.DecisionTrace) error
	DeleteDecisionTracesBefore(ctx context.Context, before time.Time) (int, error)
}
