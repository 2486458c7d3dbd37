package model

import "time"

// CircuitState is the breaker position for one provider.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// HealthStatus is derived from CircuitState and never stored on its own.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// Health maps a circuit state onto a health status.
func (s CircuitState) Health() HealthStatus {
	switch s {
	case CircuitOpen:
		return HealthDown
	case CircuitHalfOpen:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// ServiceHealth is the single health record kept per provider.
type ServiceHealth struct {
	Provider       string       `json:"provider"`
	State          CircuitState `json:"circuit_state"`
	FailureCount   int          `json:"failure_count"`
	LastSuccessAt  *time.Time   `json:"last_success_at,omitempty"`
	LastFailureAt  *time.Time   `json:"last_failure_at,omitempty"`
	LastCheckedAt  time.Time    `json:"last_checked_at"`
	ProbeStartedAt *time.Time   `json:"probe_started_at,omitempty"`
}

// Status returns the health derived from the circuit state.
func (h *ServiceHealth) Status() HealthStatus {
	if h == nil {
		return HealthHealthy
	}
	return h.State.Health()
}
