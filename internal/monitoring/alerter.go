package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mof-screen/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertItemFailureRate AlertType = "item_failure_rate"
	AlertStuckBatches    AlertType = "stuck_batches"
)

// minFinishedItems is the sample size below which the failure rate is not
// alerted on.
const minFinishedItems = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *resty.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: resty.New().SetTimeout(10 * time.Second),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.ItemsCompleted + snap.ItemsFailed + snap.ItemsFilteredOut
	if finished >= minFinishedItems && a.cfg.FailureRateThreshold > 0 && snap.ItemFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertItemFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Item failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.ItemFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.ItemsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.ItemFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.ItemsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if len(snap.StuckBatches) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStuckBatches,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d batch(es) still running after %dh",
				len(snap.StuckBatches), snap.StuckAfterHours,
			),
			Details: map[string]any{
				"batch_ids":      snap.StuckBatches,
				"active_batches": snap.ActiveBatches,
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
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(alert).
		Post(a.cfg.WebhookURL)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	if resp.StatusCode() >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode())
	}
	return nil
}
