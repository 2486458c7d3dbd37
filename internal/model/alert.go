package model

import "time"

// AlertSeverity is how urgent an alert is.
type AlertSeverity string

const (
	AlertWarning  AlertSeverity = "warning"
	AlertHigh     AlertSeverity = "high"
	AlertCritical AlertSeverity = "critical"
)

// CostAlertType names the budget window an alert refers to.
type CostAlertType string

const (
	CostAlertDaily   CostAlertType = "daily_budget"
	CostAlertMonthly CostAlertType = "monthly_budget"
)

// OrgBudget is an organization's spend ceiling.
type OrgBudget struct {
	OrgID             string  `json:"org_id"`
	DailyLimitUSD     float64 `json:"daily_limit_usd"`
	MonthlyLimitUSD   float64 `json:"monthly_limit_usd"`
	AlertThresholdPct float64 `json:"alert_threshold_pct"`
	Enabled           bool    `json:"enabled"`
}

// CostAlert is an immutable record of a budget threshold being crossed.
type CostAlert struct {
	ID           string        `json:"id"`
	OrgID        string        `json:"org_id"`
	Type         CostAlertType `json:"alert_type"`
	Severity     AlertSeverity `json:"severity"`
	SpendUSD     float64       `json:"spend_usd"`
	BudgetUSD    float64       `json:"budget_usd"`
	Percent      float64       `json:"percent"`
	Message      string        `json:"message"`
	Acknowledged bool          `json:"acknowledged"`
	CreatedAt    time.Time     `json:"created_at"`
}

// PipelineAlertType identifies a pipeline health condition.
type PipelineAlertType string

const (
	AlertFailureRate           PipelineAlertType = "high_failure_rate"
	AlertCircuitBreakerOpen    PipelineAlertType = "circuit_breaker_open"
	AlertQueueDepth            PipelineAlertType = "queue_depth"
	AlertDisambiguationBacklog PipelineAlertType = "disambiguation_backlog"
	AlertInactivity            PipelineAlertType = "pipeline_inactive"
)

// PipelineAlert is a platform-level warning about pipeline health.
type PipelineAlert struct {
	ID           string            `json:"id"`
	Type         PipelineAlertType `json:"alert_type"`
	Severity     AlertSeverity     `json:"severity"`
	Message      string            `json:"message"`
	Details      map[string]any    `json:"details,omitempty"`
	Acknowledged bool              `json:"acknowledged"`
	CreatedAt    time.Time         `json:"created_at"`
}
