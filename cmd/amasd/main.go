// Command amasd is the AMAS core's entrypoint: it loads configuration,
// opens the store, wires the supervisor, and serves the minimal operator
// HTTP surface (/health, /metrics-snapshot), mirroring the teacher's
// cmd/tarsy/main.go shape (env loading, client construction with deferred
// close, gin router, graceful SIGINT/SIGTERM shutdown).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amas-core/amas/pkg/bandit"
	"github.com/amas-core/amas/pkg/config"
	"github.com/amas-core/amas/pkg/database"
	"github.com/amas-core/amas/pkg/models"
	"github.com/amas-core/amas/pkg/store/pgstore"
	"github.com/amas-core/amas/pkg/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Warn("no .env file loaded", "error", err)
	}

	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return 1
	}
	defer dbClient.Close()

	backing := pgstore.New(dbClient.DB)
	selector := bandit.NewEpsilonGreedy(time.Now().UnixNano())
	reg := prometheus.NewRegistry()
	rules := defaultAlertRules()

	sup := supervisor.New(cfg, backing, selector, rules, reg, logger)
	sup.Start(ctx)

	router := gin.Default()
	router.GET("/health", func(c *gin.Context) {
		storeHealthy, overall := sup.HealthStatus(c.Request.Context())
		status := http.StatusOK
		if !storeHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"storeHealthy": storeHealthy,
			"overallHealth": overall,
		})
	})
	router.GET("/metrics-snapshot", func(c *gin.Context) {
		snap := sup.Metrics.Collect()
		c.JSON(http.StatusOK, gin.H{
			"snapshot":      snap,
			"activeAlerts":  sup.Alerting.ActiveAlerts(),
			"alertHistory":  sup.Alerting.History(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()
	logger.Info("amasd started", "port", cfg.HTTPPort, "leader", cfg.Leader)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	sup.Stop(shutdownCtx)

	fmt.Fprintln(os.Stderr, "amasd exited cleanly")
	return 0
}

func defaultAlertRules() []models.AlertRule {
	return []models.AlertRule{
		{
			Name:      "decision-latency-p99",
			Metric:    "amas.decision.latency_p99",
			Operator:  models.OpGT,
			Threshold: 200,
			Duration:  120 * time.Second,
			Cooldown:  300 * time.Second,
			Severity:  models.SeverityP1,
			Enabled:   true,
		},
		{
			Name:      "reward-failure-rate",
			Metric:    "amas.reward.failure_rate",
			Operator:  models.OpGT,
			Threshold: 0.3,
			Duration:  60 * time.Second,
			Cooldown:  300 * time.Second,
			Severity:  models.SeverityP2,
			Enabled:   true,
		},
		{
			Name:      "circuit-open-rate",
			Metric:    "amas.circuit.open_rate",
			Operator:  models.OpGT,
			Threshold: 0.3,
			Duration:  60 * time.Second,
			Cooldown:  300 * time.Second,
			Severity:  models.SeverityP1,
			Enabled:   true,
		},
	}
}
