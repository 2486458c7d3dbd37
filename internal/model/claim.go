package model

import (
	"strings"
	"time"
)

// Topic is the subject area of an extracted claim.
type Topic string

const (
	TopicInjury               Topic = "injury"
	TopicSkillRating          Topic = "skill_rating"
	TopicSkillProgress        Topic = "skill_progress"
	TopicBehavior             Topic = "behavior"
	TopicPerformance          Topic = "performance"
	TopicAttendance           Topic = "attendance"
	TopicWellbeing            Topic = "wellbeing"
	TopicRecovery             Topic = "recovery"
	TopicDevelopmentMilestone Topic = "development_milestone"
	TopicPhysicalDevelopment  Topic = "physical_development"
	TopicParentCommunication  Topic = "parent_communication"
	TopicTactical             Topic = "tactical"
	TopicTeamCulture          Topic = "team_culture"
	TopicTodo                 Topic = "todo"
	TopicSessionPlan          Topic = "session_plan"
)

// AllTopics returns every known claim topic.
func AllTopics() []Topic {
	return []Topic{
		TopicInjury, TopicSkillRating, TopicSkillProgress, TopicBehavior,
		TopicPerformance, TopicAttendance, TopicWellbeing, TopicRecovery,
		TopicDevelopmentMilestone, TopicPhysicalDevelopment, TopicParentCommunication,
		TopicTactical, TopicTeamCulture, TopicTodo, TopicSessionPlan,
	}
}

// ParseTopic normalizes s into a known topic.
func ParseTopic(s string) (Topic, bool) {
	t := Topic(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllTopics() {
		if t == known {
			return t, true
		}
	}
	return "", false
}

// Sensitivity maps a topic onto the category it implies on its own.
func (t Topic) Sensitivity() Sensitivity {
	switch t {
	case TopicInjury, TopicWellbeing, TopicRecovery:
		return SensitivityInjury
	case TopicBehavior:
		return SensitivityBehavior
	default:
		return SensitivityNormal
	}
}

// Sensitivity gates whether a claim may ever be auto-applied.
type Sensitivity string

const (
	SensitivityNormal   Sensitivity = "normal"
	SensitivityInjury   Sensitivity = "injury"
	SensitivityBehavior Sensitivity = "behavior"
)

// AllSensitivities returns every category.
func AllSensitivities() []Sensitivity {
	return []Sensitivity{SensitivityNormal, SensitivityInjury, SensitivityBehavior}
}

// ParseSensitivity normalizes s into a known category.
func ParseSensitivity(s string) (Sensitivity, bool) {
	c := Sensitivity(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllSensitivities() {
		if c == known {
			return c, true
		}
	}
	return "", false
}

// RequiresReview reports whether the category always needs a human.
func (s Sensitivity) RequiresReview() bool {
	return s == SensitivityInjury || s == SensitivityBehavior
}

// Severity is the urgency a coach attached to a claim.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// MentionType classifies an entity mention inside a claim.
type MentionType string

const (
	MentionPlayer MentionType = "player_name"
	MentionTeam   MentionType = "team_name"
	MentionGroup  MentionType = "group_reference"
	MentionCoach  MentionType = "coach_name"
)

// EntityMention is a raw reference to a person or team in a claim.
type EntityMention struct {
	Text string      `json:"text"`
	Type MentionType `json:"type"`
}

// Claim is one atomic factual statement extracted from a transcript.
type Claim struct {
	ID                string          `json:"id"`
	ArtifactID        string          `json:"artifact_id"`
	TranscriptID      string          `json:"transcript_id"`
	OrgID             string          `json:"org_id"`
	SourceText        string          `json:"source_text"`
	Subject           string          `json:"subject,omitempty"`
	Topic             Topic           `json:"topic"`
	Title             string          `json:"title"`
	Description       string          `json:"description,omitempty"`
	RecommendedAction string          `json:"recommended_action,omitempty"`
	Mentions          []EntityMention `json:"mentions,omitempty"`
	Severity          Severity        `json:"severity,omitempty"`
	Sentiment         string          `json:"sentiment,omitempty"`
	SkillName         string          `json:"skill_name,omitempty"`
	SkillRating       *int            `json:"skill_rating,omitempty"`
	Confidence        float64         `json:"confidence"`
	CreatedAt         time.Time       `json:"created_at"`
}

// TargetKind reports which roster the claim's subject should resolve against.
func (c *Claim) TargetKind() EntityKind {
	for _, m := range c.Mentions {
		if m.Type == MentionPlayer {
			return EntityPlayer
		}
		if m.Type == MentionTeam {
			return EntityTeam
		}
	}
	if c.Topic == TopicTeamCulture {
		return EntityTeam
	}
	return EntityPlayer
}
