package model

import (
	"encoding/json"
	"time"
)

// DecisionOutcome is the decision engine's verdict for one claim.
type DecisionOutcome string

const (
	OutcomeAutoApply DecisionOutcome = "auto_apply"
	OutcomeReview    DecisionOutcome = "review"
	OutcomeBlock     DecisionOutcome = "block"
)

// DraftStatus is the lifecycle state of an insight draft.
type DraftStatus string

const (
	DraftPending   DraftStatus = "pending"
	DraftConfirmed DraftStatus = "confirmed"
	DraftRejected  DraftStatus = "rejected"
	DraftApplied   DraftStatus = "applied"
)

// Terminal reports whether the draft accepts no further transitions.
func (s DraftStatus) Terminal() bool {
	return s == DraftApplied || s == DraftRejected
}

// CanTransitionTo reports whether next follows s. Verdicts move pending
// drafts to confirmed or rejected; confirmed drafts are then applied.
func (s DraftStatus) CanTransitionTo(next DraftStatus) bool {
	switch s {
	case DraftPending:
		return next == DraftConfirmed || next == DraftRejected
	case DraftConfirmed:
		return next == DraftApplied
	default:
		return false
	}
}

// InsightDraft is one proposed update to a player or team record.
type InsightDraft struct {
	ID                   string          `json:"id"`
	ArtifactID           string          `json:"artifact_id"`
	ClaimID              string          `json:"claim_id"`
	ResolutionID         string          `json:"resolution_id,omitempty"`
	OrgID                string          `json:"org_id"`
	CoachID              string          `json:"coach_id"`
	EntityID             string          `json:"entity_id,omitempty"`
	EntityKind           EntityKind      `json:"entity_kind,omitempty"`
	Title                string          `json:"title"`
	Description          string          `json:"description,omitempty"`
	Payload              json.RawMessage `json:"payload"`
	AppliedPayload       json.RawMessage `json:"applied_payload,omitempty"`
	Category             Sensitivity     `json:"category"`
	Topic                Topic           `json:"topic"`
	AIConfidence         float64         `json:"ai_confidence"`
	ResolutionConfidence float64         `json:"resolution_confidence"`
	Confidence           float64         `json:"confidence"`
	Threshold            float64         `json:"threshold"`
	WouldAutoApply       bool            `json:"would_auto_apply"`
	Outcome              DecisionOutcome `json:"outcome"`
	Status               DraftStatus     `json:"status"`
	AutoApplied          bool            `json:"auto_applied"`
	Edited               bool            `json:"edited"`
	SnoozedUntil         *time.Time      `json:"snoozed_until,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	ConfirmedAt          *time.Time      `json:"confirmed_at,omitempty"`
	AppliedAt            *time.Time      `json:"applied_at,omitempty"`
	RejectedAt           *time.Time      `json:"rejected_at,omitempty"`
	EditedAt             *time.Time      `json:"edited_at,omitempty"`
}

// FinalPayload returns the payload that was (or will be) written on apply.
func (d *InsightDraft) FinalPayload() json.RawMessage {
	if len(d.AppliedPayload) > 0 {
		return d.AppliedPayload
	}
	return d.Payload
}

// DraftTransition describes one compare-and-set on a draft's status along
// with the analytics event written in the same transaction. Event is nil
// for the confirmed→applied commit.
type DraftTransition struct {
	DraftID        string
	From           DraftStatus
	To             DraftStatus
	At             time.Time
	AppliedPayload json.RawMessage
	Edited         bool
	AutoApplied    bool
	Event          *OverrideEvent
}

// RecordUpdate is the write applied to a player or team record when a
// draft is applied. One per draft.
type RecordUpdate struct {
	ID         string          `json:"id"`
	DraftID    string          `json:"draft_id"`
	OrgID      string          `json:"org_id"`
	EntityID   string          `json:"entity_id"`
	EntityKind EntityKind      `json:"entity_kind"`
	Topic      Topic           `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	AppliedBy  string          `json:"applied_by"`
	AppliedAt  time.Time       `json:"applied_at"`
}
