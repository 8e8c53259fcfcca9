// Package alerting implements C10: threshold rule evaluation with
// duration/cooldown semantics, the pending→firing→resolved alert FSM, and
// rate-limited multi-channel notification dispatch — grounded on the
// evaluation-loop/ticker/mutex-guarded-active-alerts shape found in the
// corpus's standalone alerting engine, adapted to the spec's exact FSM and
// cooldown rules.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/amas-core/amas/pkg/clockid"
	"github.com/amas-core/amas/pkg/models"
)

type ruleState struct {
	rule           models.AlertRule
	active         *models.Alert
	exceedDuration time.Duration
	lastFiredAt    time.Time
	lastCheckAt    time.Time
}

// Engine is C10.
type Engine struct {
	mu       sync.Mutex
	rules    map[string]*ruleState
	history  []models.Alert
	channels []Channel
	clock    clockid.Clock
	log      *slog.Logger

	maxHistory int
}

// New constructs an Engine over the given rules and notification channels.
func New(rules []models.AlertRule, channels []Channel, clock clockid.Clock, log *slog.Logger) *Engine {
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	states := make(map[string]*ruleState, len(rules))
	for _, r := range rules {
		states[r.Name] = &ruleState{rule: r}
	}
	return &Engine{rules: states, channels: channels, clock: clock, log: log, maxHistory: 500}
}

func compare(value float64, op models.CompareOp, threshold float64) bool {
	switch op {
	case models.OpGT:
		return value > threshold
	case models.OpGE:
		return value >= threshold
	case models.OpLT:
		return value < threshold
	case models.OpLE:
		return value <= threshold
	case models.OpEQ:
		return value == threshold
	case models.OpNE:
		return value != threshold
	default:
		return false
	}
}

// Observe evaluates sample against any enabled rule matching its metric
// name.
func (e *Engine) Observe(ctx context.Context, sample models.MetricSample) {
	e.mu.Lock()
	var matches []*ruleState
	for _, rs := range e.rules {
		if rs.rule.Enabled && rs.rule.Metric == sample.Metric {
			matches = append(matches, rs)
		}
	}
	e.mu.Unlock()
	for _, rs := range matches {
		e.evaluate(ctx, rs, sample.Value)
	}
}

// Evaluate re-checks every enabled rule against the value currentValues
// holds for its metric (rules whose metric is absent are skipped),
// advancing exceedDuration by the clock time elapsed since the rule's last
// check — used by a periodic tick independent of new samples arriving.
func (e *Engine) Evaluate(ctx context.Context, currentValues map[string]float64) {
	e.mu.Lock()
	var toCheck []*ruleState
	var values []float64
	for _, rs := range e.rules {
		if !rs.rule.Enabled {
			continue
		}
		v, ok := currentValues[rs.rule.Metric]
		if !ok {
			continue
		}
		toCheck = append(toCheck, rs)
		values = append(values, v)
	}
	e.mu.Unlock()
	for i, rs := range toCheck {
		e.evaluate(ctx, rs, values[i])
	}
}

func (e *Engine) evaluate(ctx context.Context, rs *ruleState, value float64) {
	e.mu.Lock()
	now := e.clock.Now()
	if rs.lastCheckAt.IsZero() {
		rs.lastCheckAt = now
	}
	elapsed := now.Sub(rs.lastCheckAt)
	exceeded := compare(value, rs.rule.Operator, rs.rule.Threshold)

	var toDispatch *models.Alert
	var resolved *models.Alert

	if exceeded {
		rs.exceedDuration += elapsed
		if rs.active == nil && rs.exceedDuration >= rs.rule.Duration && now.Sub(rs.lastFiredAt) >= rs.rule.Cooldown {
			alert := models.Alert{
				ID:           clockid.NewID(),
				RuleName:     rs.rule.Name,
				Severity:     rs.rule.Severity,
				Status:       models.AlertFiring,
				Value:        value,
				Threshold:    rs.rule.Threshold,
				FiredAt:      now,
				LastUpdateAt: now,
				Message:      formatMessage(rs.rule, value),
			}
			rs.active = &alert
			rs.lastFiredAt = now
			e.history = append(e.history, alert)
			e.trimHistory()
			toDispatch = &alert
		}
	} else {
		rs.exceedDuration = 0
		if rs.active != nil {
			rs.active.Status = models.AlertResolved
			rs.active.ResolvedAt = now
			rs.active.LastUpdateAt = now
			e.appendHistory(*rs.active)
			resolved = rs.active
			rs.active = nil
		}
	}
	rs.lastCheckAt = now
	e.mu.Unlock()

	if toDispatch != nil {
		e.dispatch(ctx, *toDispatch)
	}
	if resolved != nil {
		e.dispatch(ctx, *resolved)
	}
}

func (e *Engine) appendHistory(a models.Alert) {
	e.history = append(e.history, a)
	e.trimHistory()
}

func (e *Engine) trimHistory() {
	if len(e.history) > e.maxHistory {
		e.history = e.history[len(e.history)-e.maxHistory:]
	}
}

func formatMessage(rule models.AlertRule, value float64) string {
	if rule.MessageTemplate != "" {
		return fmt.Sprintf(rule.MessageTemplate, value, rule.Threshold)
	}
	return fmt.Sprintf("%s: %s %v %s %v", rule.Name, rule.Metric, value, rule.Operator, rule.Threshold)
}

func (e *Engine) dispatch(ctx context.Context, alert models.Alert) {
	for _, ch := range e.channels {
		ch.Send(ctx, alert)
	}
}

// ActiveAlerts returns the currently firing alerts. A rule whose threshold
// is exceeded but whose Duration has not yet elapsed has no alert object.
func (e *Engine) ActiveAlerts() []models.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.Alert
	for _, rs := range e.rules {
		if rs.active != nil {
			out = append(out, *rs.active)
		}
	}
	return out
}

// History returns the alert history ring, oldest first.
func (e *Engine) History() []models.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Alert, len(e.history))
	copy(out, e.history)
	return out
}
