// Package models holds the entities shared across the AMAS core: the
// per-user cognitive state, the raw interaction event, feature vectors,
// strategy parameters, the delayed-reward task, the decision trace, and the
// monitoring/alerting entities. These are plain data structures; behavior
// lives in the owning packages (cognition, bandit, decision, rewardqueue,
// tracequeue, metrics, alerting).
package models

import "time"

// Cognition defaults, per the decision-pipeline spec for a brand-new user.
const (
	DefaultAttention  = 0.7
	DefaultFatigue    = 0.2
	DefaultMotivation = 0.6
	DefaultMemory     = 0.5
	DefaultSpeed      = 0.5
	DefaultStability  = 0.5
)

// UserState is the single live cognitive-state row per user.
type UserState struct {
	UserID    string
	A         float64 // attention
	F         float64 // fatigue
	M         float64 // motivation
	CMem      float64
	CSpeed    float64
	CStab     float64
	Trend     string
	UpdatedAt time.Time
}

// DefaultUserState returns the seed state for a user with no prior history.
func DefaultUserState(userID string, now time.Time) UserState {
	return UserState{
		UserID:    userID,
		A:         DefaultAttention,
		F:         DefaultFatigue,
		M:         DefaultMotivation,
		CMem:      DefaultMemory,
		CSpeed:    DefaultSpeed,
		CStab:     DefaultStability,
		Trend:     "stable",
		UpdatedAt: now,
	}
}

// StateHistory is one per (userID, date) daily EMA rollup row.
type StateHistory struct {
	UserID string
	Date   time.Time // truncated to UTC day
	A      float64
	F      float64
	M      float64
	CMem   float64
	CSpeed float64
	CStab  float64
	Trend  string
}

// RawEvent is the transient per-interaction input to the decision pipeline.
// It is never stored as such; it is consumed into UserState/FeatureVector.
type RawEvent struct {
	WordID            string
	IsCorrect         bool
	ResponseTimeMs    float64
	DwellTimeMs       float64
	PauseCount        int
	SwitchCount       int
	RetryCount        int
	FocusLossMs       float64
	InteractionDensity float64
	Timestamp         time.Time
}

// UserStats are derived, read-only statistics used by the update operator
// and the strategy selector.
type UserStats struct {
	InteractionCount int
	RecentAccuracy   float64 // over the last 20 events
}

// AnswerRecord is the append-only log of scored events a user has produced,
// indexed by (userID, timestamp desc) and used only to derive UserStats.
type AnswerRecord struct {
	UserID         string
	WordID         string
	IsCorrect      bool
	ResponseTimeMs float64
	Timestamp      time.Time
}

// FeatureVector is the deterministic, fixed-length vectorization of a
// (state, event, stats) triple for a given schema version.
type FeatureVector struct {
	SessionID  string
	Version    int
	Values     []float64
	Labels     []string
	NormMethod string
	Ts         time.Time
}

// Difficulty enumerates the discrete difficulty levels a strategy may pick.
type Difficulty string

const (
	DifficultyEasy Difficulty = "easy"
	DifficultyMid  Difficulty = "mid"
	DifficultyHard Difficulty = "hard"
)

// StrategyParams is the action emitted by the strategy selector.
type StrategyParams struct {
	IntervalScale float64
	NewRatio      float64
	Difficulty    Difficulty
	BatchSize     int
	HintLevel     int
}

// Phase is the cold-start phase label, derived purely from interaction count.
type Phase string

const (
	PhaseClassify Phase = "classify"
	PhaseExplore  Phase = "explore"
	PhaseNormal   Phase = "normal"
)

// ProcessResult is the synchronous output of the decision pipeline.
type ProcessResult struct {
	State         UserState
	Strategy      StrategyParams
	Reward        float64
	FeatureVector *FeatureVector
	ShouldBreak   bool
	Explanation   string
}

// RewardTaskStatus enumerates the DelayedRewardTask lifecycle.
type RewardTaskStatus string

const (
	RewardPending    RewardTaskStatus = "PENDING"
	RewardProcessing RewardTaskStatus = "PROCESSING"
	RewardDone       RewardTaskStatus = "DONE"
	RewardFailed     RewardTaskStatus = "FAILED"
)

// DelayedRewardTask is a durable, idempotent, at-least-once unit of delayed
// model-update work.
type DelayedRewardTask struct {
	ID             string
	UserID         string
	SessionID      string
	DueTs          time.Time
	Reward         float64
	IdempotencyKey string
	Status         RewardTaskStatus
	Attempts       int
	LastError      string
	CreatedAt      time.Time
}

// TraceStage is one named step of a decision, timed for observability.
type TraceStage struct {
	Stage      string
	Status     string
	StartedAt  time.Time
	EndedAt    time.Time
	DurationMs int64
	Error      string
}

// IngestionStatus enumerates whether a decision trace made it to durable
// storage.
type IngestionStatus string

const (
	IngestionSuccess IngestionStatus = "SUCCESS"
	IngestionFailed  IngestionStatus = "FAILED"
)

// DecisionTrace is the full observability record of one decision-pipeline
// invocation.
type DecisionTrace struct {
	DecisionID       string
	AnswerRecordID   string
	SessionID        string
	Timestamp        time.Time
	DecisionSource   string
	WeightsSnapshot  map[string]float64
	MemberVotes      map[string]float64
	SelectedAction   StrategyParams
	Confidence       float64
	Reward           *float64
	Stages           []TraceStage
	IngestionStatus  IngestionStatus
}

// MetricSample is one labeled metric observation.
type MetricSample struct {
	Metric    string
	Value     float64
	Timestamp time.Time
	Labels    map[string]string
}

// CompareOp enumerates the operators an AlertRule may use.
type CompareOp string

const (
	OpGT CompareOp = ">"
	OpGE CompareOp = ">="
	OpLT CompareOp = "<"
	OpLE CompareOp = "<="
	OpEQ CompareOp = "=="
	OpNE CompareOp = "!="
)

// Severity enumerates alert severities, most to least severe.
type Severity string

const (
	SeverityP0 Severity = "P0"
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
)

var severityRank = map[Severity]int{
	SeverityP0: 0,
	SeverityP1: 1,
	SeverityP2: 2,
	SeverityP3: 3,
}

// AtLeastAsSevereAs reports whether s is at least as severe as min
// (lower rank is more severe; P0 is the most severe).
func (s Severity) AtLeastAsSevereAs(min Severity) bool {
	return severityRank[s] <= severityRank[min]
}

// AlertRule is a static, config-loaded threshold rule.
type AlertRule struct {
	Name               string
	Metric             string
	Operator           CompareOp
	Threshold          float64
	Duration           time.Duration
	Cooldown           time.Duration
	Severity           Severity
	Enabled            bool
	Labels             map[string]string
	MessageTemplate    string
	ConsecutivePeriods int
}

// AlertStatus enumerates the Alert lifecycle.
type AlertStatus string

const (
	AlertPending  AlertStatus = "pending"
	AlertFiring   AlertStatus = "firing"
	AlertResolved AlertStatus = "resolved"
)

// Alert is one incident instance of a rule.
type Alert struct {
	ID           string
	RuleName     string
	Severity     Severity
	Status       AlertStatus
	Value        float64
	Threshold    float64
	FiredAt      time.Time
	ResolvedAt   time.Time
	LastUpdateAt time.Time
	Message      string
}
