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

	"github.com/sells-group/metadata-extractor/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate AlertType = "preset_failure_rate"
	AlertRetryRate   AlertType = "preset_retry_rate"
	AlertCircuitOpen AlertType = "circuit_open"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Preset    string         `json:"preset"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// Presets that finished fewer than MinRequests requests in the window are
// not rated.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	for _, p := range snap.Presets {
		if p.Requests == 0 || p.Requests < a.cfg.MinRequests {
			continue
		}
		if a.cfg.FailureRateThreshold > 0 && p.FailureRate > a.cfg.FailureRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertFailureRate,
				Severity: "high",
				Preset:   p.Preset,
				Message: fmt.Sprintf("Preset %s failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
					p.Preset, p.FailureRate*100, a.cfg.FailureRateThreshold*100, p.Failed, p.Requests),
				Details: map[string]any{
					"failure_rate": p.FailureRate,
					"threshold":    a.cfg.FailureRateThreshold,
					"failed":       p.Failed,
					"finished":     p.Requests,
				},
				Timestamp: now,
			})
		}
		if a.cfg.RetryRateThreshold > 0 && p.RetryRate > a.cfg.RetryRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertRetryRate,
				Severity: "medium",
				Preset:   p.Preset,
				Message: fmt.Sprintf("Preset %s averages %.2f failed attempts per request (threshold %.2f)",
					p.Preset, p.RetryRate, a.cfg.RetryRateThreshold),
				Details: map[string]any{
					"retry_rate":   p.RetryRate,
					"threshold":    a.cfg.RetryRateThreshold,
					"retry_errors": p.RetryErrors,
					"finished":     p.Requests,
				},
				Timestamp: now,
			})
		}
	}

	for _, preset := range snap.OpenCircuits {
		alerts = append(alerts, Alert{
			Type:      AlertCircuitOpen,
			Severity:  "high",
			Preset:    preset,
			Message:   fmt.Sprintf("Circuit breaker for preset %s is open", preset),
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
				zap.String("preset", alert.Preset),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("preset", alert.Preset),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

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
