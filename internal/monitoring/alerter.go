package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coach-insights/internal/config"
	"github.com/sells-group/coach-insights/internal/model"
	"github.com/sells-group/coach-insights/internal/resilience"
)

// Notification is the webhook payload for any alert.
type Notification struct {
	Kind      string              `json:"kind"`
	ID        string              `json:"id"`
	Type      string              `json:"type"`
	Severity  model.AlertSeverity `json:"severity"`
	OrgID     string              `json:"org_id,omitempty"`
	Message   string              `json:"message"`
	Details   map[string]any      `json:"details,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// FromPipelineAlert builds a Notification for a pipeline alert.
func FromPipelineAlert(a *model.PipelineAlert) Notification {
	return Notification{
		Kind:      "pipeline",
		ID:        a.ID,
		Type:      string(a.Type),
		Severity:  a.Severity,
		Message:   a.Message,
		Details:   a.Details,
		Timestamp: a.CreatedAt,
	}
}

// FromCostAlert builds a Notification for a budget alert.
func FromCostAlert(a *model.CostAlert) Notification {
	return Notification{
		Kind:     "cost",
		ID:       a.ID,
		Type:     string(a.Type),
		Severity: a.Severity,
		OrgID:    a.OrgID,
		Message:  a.Message,
		Details: map[string]any{
			"spend_usd":  a.SpendUSD,
			"budget_usd": a.BudgetUSD,
			"percent":    a.Percent,
		},
		Timestamp: a.CreatedAt,
	}
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and delivers alerts to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	if cfg.MinFinished <= 0 {
		cfg.MinFinished = 5
	}
	retry := resilience.FromRetryConfig(cfg.WebhookAttempts, cfg.WebhookBackoffMs)
	retry.OnRetry = resilience.RetryLogger("monitoring.alerter", "webhook")
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
	}
}

func newPipelineAlert(typ model.PipelineAlertType, sev model.AlertSeverity, msg string, details map[string]any, now time.Time) model.PipelineAlert {
	return model.PipelineAlert{
		ID:        uuid.NewString(),
		Type:      typ,
		Severity:  sev,
		Message:   msg,
		Details:   details,
		CreatedAt: now,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []model.PipelineAlert {
	var alerts []model.PipelineAlert
	now := snap.CollectedAt

	finished := snap.Finished()
	if finished >= a.cfg.MinFinished && snap.FailureRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, newPipelineAlert(model.AlertFailureRate, model.AlertHigh,
			fmt.Sprintf(
				"Artifact failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dm)",
				snap.FailureRate*100, a.cfg.FailureRateThreshold*100,
				snap.Failed, finished, snap.LookbackMinutes,
			),
			map[string]any{
				"failure_rate": snap.FailureRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.Failed,
				"finished":     finished,
			}, now))
	}

	for _, h := range snap.Breakers {
		alerts = append(alerts, newPipelineAlert(model.AlertCircuitBreakerOpen, model.AlertCritical,
			fmt.Sprintf("Circuit breaker for %s is %s (%d recent failures)", h.Provider, h.State, h.FailureCount),
			map[string]any{
				"provider":      h.Provider,
				"state":         string(h.State),
				"failure_count": h.FailureCount,
			}, now))
	}

	if a.cfg.QueueDepthThreshold > 0 && snap.QueueDepth > a.cfg.QueueDepthThreshold {
		alerts = append(alerts, newPipelineAlert(model.AlertQueueDepth, model.AlertWarning,
			fmt.Sprintf("%d artifacts waiting, threshold %d", snap.QueueDepth, a.cfg.QueueDepthThreshold),
			map[string]any{"queue_depth": snap.QueueDepth, "threshold": a.cfg.QueueDepthThreshold},
			now))
	}

	if a.cfg.BacklogThreshold > 0 && snap.AmbiguousBacklog > a.cfg.BacklogThreshold {
		alerts = append(alerts, newPipelineAlert(model.AlertDisambiguationBacklog, model.AlertWarning,
			fmt.Sprintf("%d claims awaiting disambiguation, threshold %d", snap.AmbiguousBacklog, a.cfg.BacklogThreshold),
			map[string]any{"backlog": snap.AmbiguousBacklog, "threshold": a.cfg.BacklogThreshold},
			now))
	}

	// Inactivity only counts when there was traffic in the prior day.
	if a.cfg.InactivityMinutes > 0 && snap.LatestArtifactAt != nil {
		idle := now.Sub(*snap.LatestArtifactAt)
		if idle > time.Duration(a.cfg.InactivityMinutes)*time.Minute && idle < 24*time.Hour {
			alerts = append(alerts, newPipelineAlert(model.AlertInactivity, model.AlertWarning,
				fmt.Sprintf("No artifacts received for %d minutes", int(idle/time.Minute)),
				map[string]any{"last_artifact_at": snap.LatestArtifactAt.UTC().Format(time.RFC3339)},
				now))
		}
	}

	return alerts
}

// SendAlerts delivers notifications to the configured webhook URL.
// Returns the number of notifications successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, notes []Notification) int {
	if a.cfg.WebhookURL == "" || len(notes) == 0 {
		return 0
	}

	sent := 0
	for _, n := range notes {
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.sendWebhook(ctx, n)
		})
		if err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", n.Type),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", n.Type),
			zap.String("severity", string(n.Severity)),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single notification. 429 and 5xx responses are
// transient.
func (a *Alerter) sendWebhook(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
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
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
