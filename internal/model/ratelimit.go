package model

import (
	"strings"
	"time"
)

// LimitScope is the level a rate limit applies at.
type LimitScope string

const (
	ScopePlatform     LimitScope = "platform"
	ScopeOrganization LimitScope = "organization"
)

// PlatformScopeID is the scope id used by every platform-wide row.
const PlatformScopeID = "platform"

// ReasonPrefix is the prefix used in rate-limit rejection reasons.
func (s LimitScope) ReasonPrefix() string {
	if s == ScopePlatform {
		return "platform"
	}
	return "org"
}

// LimitType is what a rate limit row counts and over which window.
type LimitType string

const (
	LimitMessagesPerHour LimitType = "messages_per_hour"
	LimitMessagesPerDay  LimitType = "messages_per_day"
	LimitCostPerHour     LimitType = "cost_per_hour"
	LimitCostPerDay      LimitType = "cost_per_day"
)

// AllLimitTypes returns every limit type.
func AllLimitTypes() []LimitType {
	return []LimitType{LimitMessagesPerHour, LimitMessagesPerDay, LimitCostPerHour, LimitCostPerDay}
}

// Valid reports whether t is a known limit type.
func (t LimitType) Valid() bool {
	for _, known := range AllLimitTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// IsCost reports whether the ceiling is in dollars rather than messages.
func (t LimitType) IsCost() bool {
	return strings.HasPrefix(string(t), "cost_")
}

// Window returns the length of one window for the type.
func (t LimitType) Window() time.Duration {
	if strings.HasSuffix(string(t), "_per_hour") {
		return time.Hour
	}
	return 24 * time.Hour
}

// RateLimit is one ceiling for one scope and type, with usage in the
// current window.
type RateLimit struct {
	ID           string     `json:"id"`
	Scope        LimitScope `json:"scope"`
	ScopeID      string     `json:"scope_id"`
	Type         LimitType  `json:"limit_type"`
	Limit        float64    `json:"limit_value"`
	CurrentCount int        `json:"current_count"`
	CurrentCost  float64    `json:"current_cost"`
	WindowStart  time.Time  `json:"window_start"`
	WindowEnd    time.Time  `json:"window_end"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Key identifies the row for serialized access.
func (r *RateLimit) Key() string {
	return "ratelimit:" + string(r.Scope) + ":" + r.ScopeID + ":" + string(r.Type)
}

// Expired reports whether the window has closed and awaits renewal.
func (r *RateLimit) Expired(now time.Time) bool {
	return !r.WindowEnd.After(now)
}

// Exceeded reports whether the current usage has hit the ceiling.
func (r *RateLimit) Exceeded() bool {
	if r.Type.IsCost() {
		return r.CurrentCost >= r.Limit
	}
	return float64(r.CurrentCount) >= r.Limit
}

// UsageRecord is one successful provider call attributed to an org.
type UsageRecord struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"org_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Operation    string    `json:"operation"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}
