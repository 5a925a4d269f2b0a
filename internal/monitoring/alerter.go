package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/breakwater-travel/intake-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailedTasks    AlertType = "failed_tasks"
	AlertPendingBacklog AlertType = "pending_backlog"
	AlertStaleQueue     AlertType = "stale_queue"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a QueueSnapshot against configured thresholds and sends
// alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitorConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitor config.
func NewAlerter(cfg config.MonitorConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *QueueSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if a.cfg.MaxFailedTasks > 0 && snap.FailedTasks >= a.cfg.MaxFailedTasks {
		alerts = append(alerts, Alert{
			Type:     AlertFailedTasks,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d tasks in terminal failed state (threshold %d); operator requeue needed",
				snap.FailedTasks, a.cfg.MaxFailedTasks,
			),
			Details: map[string]any{
				"failed":    snap.FailedTasks,
				"threshold": a.cfg.MaxFailedTasks,
			},
			Timestamp: now,
		})
	}

	if a.cfg.MaxPendingTasks > 0 && snap.PendingTasks >= a.cfg.MaxPendingTasks {
		alerts = append(alerts, Alert{
			Type:     AlertPendingBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"queue backlog at %d pending tasks (threshold %d); workers may be undersized",
				snap.PendingTasks, a.cfg.MaxPendingTasks,
			),
			Details: map[string]any{
				"pending":   snap.PendingTasks,
				"due_now":   snap.DueNowTasks,
				"threshold": a.cfg.MaxPendingTasks,
			},
			Timestamp: now,
		})
	}

	maxAge := time.Duration(a.cfg.MaxOldestDueMins) * time.Minute
	if maxAge > 0 && snap.OldestDueAge >= maxAge {
		alerts = append(alerts, Alert{
			Type:     AlertStaleQueue,
			Severity: "high",
			Message: fmt.Sprintf(
				"oldest due task has waited %s (threshold %s); workers may be down",
				snap.OldestDueAge.Round(time.Second), maxAge,
			),
			Details: map[string]any{
				"oldest_due_age_secs": int(snap.OldestDueAge.Seconds()),
				"threshold_secs":      int(maxAge.Seconds()),
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
