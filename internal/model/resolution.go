package model

import "time"

// EntityKind distinguishes players from teams on a roster.
type EntityKind string

const (
	EntityPlayer EntityKind = "player"
	EntityTeam   EntityKind = "team"
)

// RosterEntry is one player or team an organization knows about.
type RosterEntry struct {
	ID       string     `json:"id"`
	OrgID    string     `json:"org_id"`
	Kind     EntityKind `json:"kind"`
	Name     string     `json:"name"`
	Aliases  []string   `json:"aliases,omitempty"`
	Position string     `json:"position,omitempty"`
}

// ResolutionStatus is the outcome of binding a claim subject to an entity.
type ResolutionStatus string

const (
	ResolutionResolved   ResolutionStatus = "resolved"
	ResolutionAmbiguous  ResolutionStatus = "ambiguous"
	ResolutionUnresolved ResolutionStatus = "unresolved"
)

// ResolutionSource records who produced a resolution.
type ResolutionSource string

const (
	SourceFuzzy ResolutionSource = "fuzzy"
	SourceAI    ResolutionSource = "ai"
	SourceCoach ResolutionSource = "coach"
)

// ResolutionCandidate is one roster entry that plausibly matches a subject.
type ResolutionCandidate struct {
	EntityID string  `json:"entity_id"`
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
}

// EntityResolution binds a claim's subject to a roster entity. Corrections
// are stored as new rows pointing at the one they supersede.
type EntityResolution struct {
	ID         string                `json:"id"`
	ClaimID    string                `json:"claim_id"`
	EntityID   string                `json:"entity_id,omitempty"`
	EntityKind EntityKind            `json:"entity_kind,omitempty"`
	EntityName string                `json:"entity_name,omitempty"`
	Confidence float64               `json:"confidence"`
	Status     ResolutionStatus      `json:"status"`
	Candidates []ResolutionCandidate `json:"candidates,omitempty"`
	Source     ResolutionSource      `json:"source"`
	Supersedes string                `json:"supersedes,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
}

// Resolved reports whether the resolution names a concrete entity.
func (r *EntityResolution) Resolved() bool {
	return r != nil && r.Status == ResolutionResolved && r.EntityID != ""
}
