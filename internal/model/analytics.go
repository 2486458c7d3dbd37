package model

import "time"

// OverrideAction is one coach (or engine) action against a draft.
type OverrideAction string

const (
	ActionApply        OverrideAction = "apply"
	ActionDismiss      OverrideAction = "dismiss"
	ActionEdit         OverrideAction = "edit"
	ActionSnooze       OverrideAction = "snooze"
	ActionBatchApply   OverrideAction = "batch_apply"
	ActionBatchDismiss OverrideAction = "batch_dismiss"
	ActionAutoApply    OverrideAction = "auto_apply"
)

// IsVerdict reports whether the action is a coach accept or reject.
func (a OverrideAction) IsVerdict() bool {
	switch a {
	case ActionApply, ActionBatchApply, ActionEdit, ActionDismiss, ActionBatchDismiss:
		return true
	default:
		return false
	}
}

// IsApproval reports whether the coach accepted the draft unchanged.
func (a OverrideAction) IsApproval() bool {
	return a == ActionApply || a == ActionBatchApply
}

// IsDismissal reports whether the coach rejected the draft.
func (a OverrideAction) IsDismissal() bool {
	return a == ActionDismiss || a == ActionBatchDismiss
}

// OverrideEvent is an append-only record of one action on a draft.
type OverrideEvent struct {
	ID           string         `json:"id"`
	DraftID      string         `json:"draft_id"`
	CoachID      string         `json:"coach_id"`
	OrgID        string         `json:"org_id"`
	Action       OverrideAction `json:"action"`
	Category     Sensitivity    `json:"category"`
	Topic        Topic          `json:"topic"`
	Confidence   float64        `json:"confidence"`
	WasCandidate bool           `json:"was_candidate"` // draft's wouldAutoApply flag
	CreatedAt    time.Time      `json:"created_at"`
}

// TrustLevel is a coach's earned automation level, 0 through 3.
type TrustLevel int

const (
	TrustLevelNone TrustLevel = iota
	TrustLevelLearning
	TrustLevelTrusted
	TrustLevelExpert
)

// LevelChange records one movement of a coach's trust level.
type LevelChange struct {
	From   TrustLevel `json:"from"`
	To     TrustLevel `json:"to"`
	Reason string     `json:"reason"`
	At     time.Time  `json:"at"`
}

// TrustProfile holds a coach's adapted and preferred automation settings.
type TrustProfile struct {
	CoachID              string                  `json:"coach_id"`
	Level                TrustLevel              `json:"level"`
	PreferredLevel       *TrustLevel             `json:"preferred_level,omitempty"`
	Thresholds           map[Sensitivity]float64 `json:"thresholds,omitempty"`
	PreferredThresholds  map[Sensitivity]float64 `json:"preferred_thresholds,omitempty"`
	TotalApprovals       int                     `json:"total_approvals"`
	TotalSuppressed      int                     `json:"total_suppressed"`
	ConsecutiveApprovals int                     `json:"consecutive_approvals"`
	LevelHistory         []LevelChange           `json:"level_history,omitempty"`
	LastAdaptedAt        *time.Time              `json:"last_adapted_at,omitempty"`
	UpdatedAt            time.Time               `json:"updated_at"`
}

// NewTrustProfile returns an empty profile for a coach.
func NewTrustProfile(coachID string) *TrustProfile {
	return &TrustProfile{
		CoachID:             coachID,
		Thresholds:          map[Sensitivity]float64{},
		PreferredThresholds: map[Sensitivity]float64{},
	}
}

// EffectiveThreshold returns the coach-set value when present, then the
// adapted value, then def.
func (p *TrustProfile) EffectiveThreshold(cat Sensitivity, def float64) float64 {
	if p == nil {
		return def
	}
	if v, ok := p.PreferredThresholds[cat]; ok {
		return v
	}
	if v, ok := p.Thresholds[cat]; ok {
		return v
	}
	return def
}

// EffectiveLevel caps the earned level at the coach's preferred level.
func (p *TrustProfile) EffectiveLevel() TrustLevel {
	if p == nil {
		return TrustLevelNone
	}
	if p.PreferredLevel != nil && *p.PreferredLevel < p.Level {
		return *p.PreferredLevel
	}
	return p.Level
}

// VerdictCounts are a coach's lifetime verdict totals. Approvals include
// edits; dismissals include batch dismissals.
type VerdictCounts struct {
	Approvals  int `json:"approvals"`
	Dismissals int `json:"dismissals"`
}

// SuppressionRate is dismissals over all verdicts, 0 with none.
func (v VerdictCounts) SuppressionRate() float64 {
	total := v.Approvals + v.Dismissals
	if total == 0 {
		return 0
	}
	return float64(v.Dismissals) / float64(total)
}
