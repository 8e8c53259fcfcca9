// Package config loads the AMAS core's environment-variable configuration
// into typed structs, mirroring the teacher's env-var-with-validation
// pattern (getEnvOrDefault + strconv/time.ParseDuration + Validate()).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/amas-core/amas/pkg/alerting"
	"github.com/amas-core/amas/pkg/bandit"
	"github.com/amas-core/amas/pkg/database"
	"github.com/amas-core/amas/pkg/decision"
	"github.com/amas-core/amas/pkg/metrics"
	"github.com/amas-core/amas/pkg/models"
	"github.com/amas-core/amas/pkg/rewardqueue"
	"github.com/amas-core/amas/pkg/tracequeue"
)

// Config is the supervisor's full, validated configuration surface.
type Config struct {
	Leader            bool
	HTTPPort          string
	AlertWebhookURL   string
	MetricsInterval   time.Duration
	RetentionInterval time.Duration
	RetentionTTL      time.Duration

	Database  database.Config
	Decision  decision.Config
	Phase     bandit.PhaseConfig
	Reward    rewardqueue.Config
	Trace     tracequeue.Config
	Metrics   metrics.Thresholds
	Severity  alertSeverityConfig
}

type alertSeverityConfig struct {
	ConsoleMinSeverity string
	WebhookMinSeverity string
	WebhookRatePerMin  int
}

// LoadFromEnv reads the full configuration from environment variables.
func LoadFromEnv() Config {
	delayMs := getEnvIntOrDefault("DELAYED_REWARD_DELAY_MS", 60000)

	reward := rewardqueue.DefaultConfig()
	reward.MinDelay = time.Duration(max(delayMs, 60000)) * time.Millisecond
	reward.DefaultRewardDelay = reward.MinDelay

	dec := decision.DefaultConfig()
	dec.MinRewardDelay = reward.MinDelay
	dec.DefaultRewardDelay = reward.DefaultRewardDelay

	return Config{
		Leader:            getEnvBoolOrDefault("LEADER", false),
		HTTPPort:          getEnvOrDefault("PORT", "8080"),
		AlertWebhookURL:   os.Getenv("ALERT_WEBHOOK_URL"),
		MetricsInterval:   getEnvDurationOrDefault("METRICS_COLLECTION_INTERVAL", 60*time.Second),
		RetentionInterval: getEnvDurationOrDefault("RETENTION_SWEEP_INTERVAL", 1*time.Hour),
		RetentionTTL:      getEnvDurationOrDefault("RETENTION_TTL", 30*24*time.Hour),
		Database:          database.LoadConfigFromEnv(),
		Decision:          dec,
		Phase:             bandit.DefaultPhaseConfig(),
		Reward:            reward,
		Trace:             tracequeue.DefaultConfig(),
		Metrics:           metrics.DefaultThresholds(),
		Severity: alertSeverityConfig{
			ConsoleMinSeverity: getEnvOrDefault("ALERT_CONSOLE_MIN_SEVERITY", string(models.SeverityP3)),
			WebhookMinSeverity: getEnvOrDefault("ALERT_WEBHOOK_MIN_SEVERITY", string(models.SeverityP2)),
			WebhookRatePerMin:  getEnvIntOrDefault("ALERT_WEBHOOK_RATE_PER_MIN", 12),
		},
	}
}

// Validate reports a configuration error before the supervisor starts.
func (c Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if c.Reward.MinDelay < 60*time.Second {
		return fmt.Errorf("config: DELAYED_REWARD_DELAY_MS must be >= 60000")
	}
	return nil
}

// BuildChannels builds the alerting channel set this config implies: a
// console channel always, plus a webhook channel when ALERT_WEBHOOK_URL is
// set.
func (c Config) BuildChannels() []alerting.Channel {
	channels := []alerting.Channel{
		alerting.NewConsoleChannel(models.Severity(c.Severity.ConsoleMinSeverity), nil),
	}
	if c.AlertWebhookURL != "" {
		channels = append(channels, alerting.NewWebhookChannel(c.AlertWebhookURL, models.Severity(c.Severity.WebhookMinSeverity), c.Severity.WebhookRatePerMin, nil))
	}
	return channels
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBoolOrDefault(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDurationOrDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
