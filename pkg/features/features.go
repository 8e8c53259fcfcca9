// Package features turns a (state, event, stats) triple into the fixed
// schema feature vector the strategy selector consumes, and persists it
// keyed by (sessionId, version) so the delayed-reward worker can later
// resolve the exact vector a decision was made from.
package features

import (
	"context"
	"fmt"
	"time"

	"github.com/amas-core/amas/pkg/models"
	"github.com/amas-core/amas/pkg/store"
)

// SchemaVersion is the current feature-vector schema. Bump it whenever the
// slot layout below changes; old rows remain readable by their own
// recorded version.
const SchemaVersion = 1

const normMethod = "minmax-v1"

var labels = []string{
	"attention", "fatigue", "motivation", "c_mem", "c_speed", "c_stability",
	"is_correct", "speed_norm", "switch_norm", "focus_loss_norm",
	"interaction_count_bucket", "recent_accuracy",
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Extract deterministically vectorizes state/event/stats into a
// SchemaVersion-shaped, minmax-normalized feature vector.
func Extract(state models.UserState, ev models.RawEvent, stats models.UserStats, sessionID string, ts time.Time) models.FeatureVector {
	isCorrect := 0.0
	if ev.IsCorrect {
		isCorrect = 1.0
	}
	speedNorm := clamp01(1 - ev.ResponseTimeMs/15000)
	switchNorm := clamp01(float64(ev.SwitchCount) / 10)
	focusNorm := clamp01(ev.FocusLossMs / 30000)
	countBucket := clamp01(float64(stats.InteractionCount) / 200)

	values := []float64{
		state.A, state.F, state.M, state.CMem, state.CSpeed, state.CStab,
		isCorrect, speedNorm, switchNorm, focusNorm,
		countBucket, stats.RecentAccuracy,
	}

	return models.FeatureVector{
		SessionID:  sessionID,
		Version:    SchemaVersion,
		Values:     values,
		Labels:     append([]string(nil), labels...),
		NormMethod: normMethod,
		Ts:         ts,
	}
}

// Store wraps store.Store for feature-vector persistence and the
// legacy/current shape round trip required by L1/L2.
type Store struct {
	backing store.Store
}

// New wraps backing.
func New(backing store.Store) *Store {
	return &Store{backing: backing}
}

// Persist writes fv, a no-op if sessionID is empty (no session tracking
// requested for this event).
func (s *Store) Persist(ctx context.Context, fv models.FeatureVector) error {
	if fv.SessionID == "" {
		return nil
	}
	if err := s.backing.PutFeatureVector(ctx, fv); err != nil {
		return fmt.Errorf("features: persist: %w", err)
	}
	return nil
}

// Load returns the vector for (sessionID, version). If the stored row
// predates labeling (an empty Labels slice — the "legacy bare array"
// shape) it is migrated: the current shape is derived and written back so
// subsequent loads return the same Values under the current shape, per L2.
func (s *Store) Load(ctx context.Context, sessionID string, version int) (models.FeatureVector, bool, error) {
	fv, ok, err := s.backing.GetFeatureVector(ctx, sessionID, version)
	if err != nil {
		return models.FeatureVector{}, false, fmt.Errorf("features: load: %w", err)
	}
	if !ok {
		return models.FeatureVector{}, false, nil
	}
	if len(fv.Labels) == 0 && len(fv.Values) > 0 {
		fv.Labels = defaultLabelsFor(len(fv.Values))
		fv.NormMethod = normMethod
		if err := s.backing.PutFeatureVector(ctx, fv); err != nil {
			return models.FeatureVector{}, false, fmt.Errorf("features: migrate legacy vector: %w", err)
		}
	}
	return fv, true, nil
}

// LatestForSession returns the newest vector recorded for sessionID,
// regardless of version — used by the delayed-reward handler.
func (s *Store) LatestForSession(ctx context.Context, sessionID string) (models.FeatureVector, bool, error) {
	fv, ok, err := s.backing.LatestFeatureVector(ctx, sessionID)
	if err != nil {
		return models.FeatureVector{}, false, fmt.Errorf("features: latest: %w", err)
	}
	if !ok {
		return models.FeatureVector{}, false, nil
	}
	if len(fv.Labels) == 0 && len(fv.Values) > 0 {
		fv.Labels = defaultLabelsFor(len(fv.Values))
		fv.NormMethod = normMethod
		if err := s.backing.PutFeatureVector(ctx, fv); err != nil {
			return models.FeatureVector{}, false, fmt.Errorf("features: migrate legacy vector: %w", err)
		}
	}
	return fv, true, nil
}

func defaultLabelsFor(n int) []string {
	out := make([]string, n)
	for i := range out {
		if i < len(labels) {
			out[i] = labels[i]
		} else {
			out[i] = fmt.Sprintf("f%d", i)
		}
	}
	return out
}
