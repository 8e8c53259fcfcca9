// Package supervisor implements C11: start-order orchestration, the
// leader-flag gate on background workers, and graceful shutdown with
// flush, mirroring the teacher's Start/Stop sync.Once + WaitGroup pattern
// used by its worker pool and cleanup service.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/amas-core/amas/pkg/alerting"
	"github.com/amas-core/amas/pkg/bandit"
	"github.com/amas-core/amas/pkg/clockid"
	"github.com/amas-core/amas/pkg/config"
	"github.com/amas-core/amas/pkg/decision"
	"github.com/amas-core/amas/pkg/features"
	"github.com/amas-core/amas/pkg/metrics"
	"github.com/amas-core/amas/pkg/models"
	"github.com/amas-core/amas/pkg/retention"
	"github.com/amas-core/amas/pkg/rewardqueue"
	"github.com/amas-core/amas/pkg/store"
	"github.com/amas-core/amas/pkg/tracequeue"
	"github.com/amas-core/amas/pkg/wakeup"
	"github.com/prometheus/client_golang/prometheus"
)

// Supervisor owns every singleton the leader process hosts and wires their
// start/stop order.
type Supervisor struct {
	cfg   config.Config
	log   *slog.Logger
	store store.Store

	Pipeline  *decision.Pipeline
	Metrics   *metrics.Collector
	Alerting  *alerting.Engine
	reward    *rewardqueue.Queue
	rewardW   *rewardqueue.Worker
	traces    *tracequeue.Recorder
	retention *retention.Service

	rules []models.AlertRule

	cancelBackground context.CancelFunc
}

// New constructs a Supervisor. selector and rules come from the caller so
// tests can inject fakes/fixtures; reg is the Prometheus registerer (pass
// a fresh prometheus.NewRegistry() outside of production `main`).
func New(cfg config.Config, backing store.Store, selector bandit.Selector, rules []models.AlertRule, reg prometheus.Registerer, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	wake := wakeup.New()
	rewardQueue := rewardqueue.New(cfg.Reward, backing, clockid.SystemClock{}, wake, log)
	collector := metrics.New(1000, cfg.Metrics, reg)
	traceRecorder := tracequeue.New(cfg.Trace, backing, collector, log)

	handler := rewardqueue.NewHandler(features.New(backing), selector)
	worker := rewardqueue.NewWorker(cfg.Reward, backing, handler, wake, clockid.SystemClock{}, collector, log)

	pipeline := decision.New(cfg.Decision, backing, selector, rewardQueue, traceRecorder, collector, clockid.SystemClock{})

	engine := alerting.New(rules, cfg.BuildChannels(), clockid.SystemClock{}, log)

	return &Supervisor{
		cfg:       cfg,
		log:       log,
		store:     backing,
		Pipeline:  pipeline,
		Metrics:   collector,
		Alerting:  engine,
		reward:    rewardQueue,
		rewardW:   worker,
		traces:    traceRecorder,
		retention: retention.New(retention.Config{Interval: cfg.RetentionInterval, TTL: cfg.RetentionTTL}, backing, log),
		rules:     rules,
	}
}

// Start brings up components in the order store → cache → decision
// pipeline → (if leader) reward worker, metrics collector, alert engine.
// The decision pipeline and its cache are constructed eagerly in New; here
// we only launch background goroutines.
func (s *Supervisor) Start(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	s.cancelBackground = cancel

	s.traces.Start()

	if !s.cfg.Leader {
		s.log.Info("supervisor: starting in non-leader mode, background workers disabled")
		return
	}

	s.rewardW.Start(bgCtx)
	s.retention.Start(bgCtx)
	go s.runMetricsAlertLoop(bgCtx)
	s.log.Info("supervisor: leader mode, background workers started")
}

func (s *Supervisor) runMetricsAlertLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.Metrics.Collect()
			values := map[string]float64{
				"amas.decision.latency_p99":  snap.Latency.P99,
				"amas.decision.latency_p95":  snap.Latency.P95,
				"amas.decision.latency_mean": snap.Latency.Mean,
			}
			if snap.ErrorRate != nil {
				values["amas.decision.error_rate"] = *snap.ErrorRate
			}
			if snap.CircuitOpenRate != nil {
				values["amas.circuit.open_rate"] = *snap.CircuitOpenRate
			}
			if snap.RewardFailureRate != nil {
				values["amas.reward.failure_rate"] = *snap.RewardFailureRate
			}
			s.Alerting.Evaluate(ctx, values)
		}
	}
}

// Stop performs graceful shutdown: stop accepting (caller's responsibility
// via its own HTTP server) → stop workers → flush traces → close store is
// left to the caller, which owns the store's lifecycle.
func (s *Supervisor) Stop(ctx context.Context) {
	if s.cfg.Leader {
		s.rewardW.Stop()
		s.retention.Stop()
	}
	if s.cancelBackground != nil {
		s.cancelBackground()
	}
	s.traces.Stop(ctx)
	s.log.Info("supervisor: shutdown complete")
}

// HealthStatus mirrors the store's pool health plus the metrics collector's
// rollup, for the operator /health endpoint.
func (s *Supervisor) HealthStatus(ctx context.Context) (storeHealthy bool, overall metrics.HealthStatus) {
	err := s.store.HealthCheck(ctx)
	snap := s.Metrics.Collect()
	return err == nil, snap.OverallHealth
}
