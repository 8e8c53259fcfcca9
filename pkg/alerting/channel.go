package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/amas-core/amas/pkg/models"
)

// Channel is a notification sink filtered by minimum severity.
type Channel interface {
	// Send dispatches alert if it meets the channel's severity floor. Send
	// must not block the caller on the notification itself — a channel
	// backed by network I/O queues internally and dispatches off a worker
	// goroutine.
	Send(ctx context.Context, alert models.Alert)
}

// severityColor maps severity to an ANSI color code for console output.
var severityColor = map[models.Severity]string{
	models.SeverityP0: "\x1b[31m", // red
	models.SeverityP1: "\x1b[33m", // yellow
	models.SeverityP2: "\x1b[36m", // cyan
	models.SeverityP3: "\x1b[37m", // white
}

const ansiReset = "\x1b[0m"

// ConsoleChannel writes alerts as a color-coded stderr line.
type ConsoleChannel struct {
	MinSeverity models.Severity
	log         *slog.Logger
}

// NewConsoleChannel builds a ConsoleChannel.
func NewConsoleChannel(minSeverity models.Severity, log *slog.Logger) *ConsoleChannel {
	if log == nil {
		log = slog.Default()
	}
	return &ConsoleChannel{MinSeverity: minSeverity, log: log}
}

func (c *ConsoleChannel) Send(ctx context.Context, alert models.Alert) {
	if !alert.Severity.AtLeastAsSevereAs(c.MinSeverity) {
		return
	}
	color := severityColor[alert.Severity]
	fmt.Fprintf(os.Stderr, "%s[%s] %s %s: %s%s\n", color, alert.Severity, alert.Status, alert.RuleName, alert.Message, ansiReset)
}

// webhookPayload is the JSON body POSTed to the webhook sink.
type webhookPayload struct {
	ID         string            `json:"id"`
	RuleName   string            `json:"ruleName"`
	Severity   models.Severity   `json:"severity"`
	Status     models.AlertStatus `json:"status"`
	Message    string            `json:"message"`
	Value      float64           `json:"value"`
	Threshold  float64           `json:"threshold"`
	Labels     map[string]string `json:"labels,omitempty"`
	FiredAt    string            `json:"firedAt,omitempty"`
	ResolvedAt string            `json:"resolvedAt,omitempty"`
}

// WebhookChannel POSTs alert JSON to a fixed URL, rate-limited per channel
// via go-catrate and retried off a buffered dispatch queue so a slow or
// stuck endpoint never blocks rule evaluation.
type WebhookChannel struct {
	MinSeverity models.Severity
	URL         string
	httpClient  *http.Client
	limiter     *catrate.Limiter
	log         *slog.Logger

	queue chan models.Alert
	done  chan struct{}
}

// NewWebhookChannel builds a WebhookChannel posting to url, rate-limited to
// ratePerMinute notifications per minute (default 12/min per §4.6).
func NewWebhookChannel(url string, minSeverity models.Severity, ratePerMinute int, log *slog.Logger) *WebhookChannel {
	if log == nil {
		log = slog.Default()
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 12
	}
	w := &WebhookChannel{
		MinSeverity: minSeverity,
		URL:         url,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		limiter:     catrate.NewLimiter(map[time.Duration]int{time.Minute: ratePerMinute}),
		log:         log,
		queue:       make(chan models.Alert, 256),
		done:        make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *WebhookChannel) Send(ctx context.Context, alert models.Alert) {
	if !alert.Severity.AtLeastAsSevereAs(w.MinSeverity) {
		return
	}
	select {
	case w.queue <- alert:
	default:
		w.log.Warn("alerting: webhook dispatch queue full, dropping notification", "alert_id", alert.ID)
	}
}

// Stop drains the dispatch worker.
func (w *WebhookChannel) Stop() {
	close(w.queue)
	<-w.done
}

func (w *WebhookChannel) run() {
	defer close(w.done)
	for alert := range w.queue {
		if _, ok := w.limiter.Allow(w.URL); !ok {
			w.log.Warn("alerting: webhook rate-limited, dropping notification", "alert_id", alert.ID)
			continue
		}
		w.postWithRetry(alert)
	}
}

func (w *WebhookChannel) postWithRetry(alert models.Alert) {
	payload := webhookPayload{
		ID: alert.ID, RuleName: alert.RuleName, Severity: alert.Severity, Status: alert.Status,
		Message: alert.Message, Value: alert.Value, Threshold: alert.Threshold,
	}
	if !alert.FiredAt.IsZero() {
		payload.FiredAt = alert.FiredAt.Format(time.RFC3339)
	}
	if !alert.ResolvedAt.IsZero() {
		payload.ResolvedAt = alert.ResolvedAt.Format(time.RFC3339)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		w.log.Error("alerting: marshal webhook payload", "error", err)
		return
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequest(http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			break
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.httpClient.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * 200 * time.Millisecond)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
		time.Sleep(time.Duration(attempt+1) * 200 * time.Millisecond)
	}
	w.log.Error("alerting: webhook delivery failed after retries", "alert_id", alert.ID, "error", lastErr)
}
