// Package retention runs the periodic cleanup sweep that hard-deletes
// terminal delayed-reward tasks and successfully ingested decision traces
// past a configurable TTL, grounded on the teacher's cleanup.Service
// (guarded single-start, immediate run then ticker loop, structured
// logging of swept counts). StateHistory is never swept, per §3.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/amas-core/amas/pkg/store"
)

// Config configures the retention sweep.
type Config struct {
	Interval time.Duration
	TTL      time.Duration
}

// DefaultConfig sweeps hourly, retaining 30 days.
func DefaultConfig() Config {
	return Config{Interval: time.Hour, TTL: 30 * 24 * time.Hour}
}

// Service is the retention sweep background loop.
type Service struct {
	cfg     Config
	backing store.Store
	log     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// New constructs a retention Service.
func New(cfg Config, backing store.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{cfg: cfg, backing: backing, log: log}
}

// Start launches the sweep loop. Calling Start twice without an
// intervening Stop is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	s.runAll(ctx)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	before := time.Now().Add(-s.cfg.TTL)

	n, err := s.backing.DeleteRewardTasksBefore(ctx, before)
	if err != nil {
		s.log.Error("retention: reward task sweep failed", "error", err)
	} else if n > 0 {
		s.log.Info("retention: swept reward tasks", "count", n)
	}

	n, err = s.backing.DeleteDecisionTracesBefore(ctx, before)
	if err != nil {
		s.log.Error("retention: decision trace sweep failed", "error", err)
	} else if n > 0 {
		s.log.Info("retention: swept decision traces", "count", n)
	}
}
