// Package claims turns a transcript into atomic, attributable claims.
package claims

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coach-insights/internal/gateway"
	"github.com/sells-group/coach-insights/internal/model"
)

// Operation is the gateway operation name for extraction calls.
const Operation = "extract_claims"

// Store persists extracted claims.
type Store interface {
	SaveClaims(ctx context.Context, claims []model.Claim) error
	ListClaims(ctx context.Context, artifactID string) ([]model.Claim, error)
}

// Completer sends a prompt and decodes the JSON reply.
type Completer interface {
	CompleteJSON(ctx context.Context, req gateway.Request, out any) (*gateway.Response, error)
}

const systemPrompt = `You analyze youth sports coach notes and extract atomic claims.

Rules:
1. One claim per entity. "John and Sarah both played well" is two claims.
2. Each claim is one observation about one player, team, or coach.
3. source_text is the exact transcript quote for that claim.

Topics: injury, skill_rating, skill_progress, behavior, performance, attendance,
wellbeing, recovery, development_milestone, physical_development,
parent_communication, tactical, team_culture, todo, session_plan.
- injury and wellbeing carry a severity: low, medium, high, critical.
- skill_rating carries skill_name and skill_rating from 1 to 5.
- team_culture is team-wide; todo is an action for a coach.

Titles name the player for player topics ("Niamh's Tackling Improvement").

entity_mentions lists every player_name, team_name, group_reference, or
coach_name the claim refers to, with the raw text.

Respond with JSON only:
{"summary": "...", "claims": [{"source_text": "...", "topic": "...", "title": "...",
"description": "...", "recommended_action": null, "entity_mentions": [{"mention_type": "player_name", "raw_text": "..."}],
"severity": null, "sentiment": null, "skill_name": null, "skill_rating": null,
"player_name": null, "team_name": null, "extraction_confidence": 0.0}]}`

type extraction struct {
	Summary string      `json:"summary"`
	Claims  []wireClaim `json:"claims"`
}

type wireClaim struct {
	SourceText        string        `json:"source_text"`
	Topic             string        `json:"topic"`
	Title             string        `json:"title"`
	Description       string        `json:"description"`
	RecommendedAction *string       `json:"recommended_action"`
	Mentions          []wireMention `json:"entity_mentions"`
	Severity          *string       `json:"severity"`
	Sentiment         *string       `json:"sentiment"`
	SkillName         *string       `json:"skill_name"`
	SkillRating       *float64      `json:"skill_rating"`
	PlayerName        *string       `json:"player_name"`
	TeamName          *string       `json:"team_name"`
	Confidence        float64       `json:"extraction_confidence"`
}

type wireMention struct {
	Type string `json:"mention_type"`
	Text string `json:"raw_text"`
}

type rosterHint struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// Extractor calls the provider to split a transcript into claims.
type Extractor struct {
	gw  Completer
	log *zap.Logger

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewExtractor creates an Extractor.
func NewExtractor(gw Completer) *Extractor {
	return &Extractor{
		gw:      gw,
		log:     zap.L().With(zap.String("component", "claims")),
		nowFunc: time.Now,
	}
}

// Extract returns the claims found in the transcript. The roster is passed
// to the model as naming context only; resolution happens later.
func (e *Extractor) Extract(ctx context.Context, orgID string, t *model.Transcript, roster []model.RosterEntry) ([]model.Claim, error) {
	if t == nil || strings.TrimSpace(t.Text) == "" {
		return nil, model.NewValidationError("transcript", "empty transcript")
	}

	hints := make([]rosterHint, 0, len(roster))
	for _, r := range roster {
		hints = append(hints, rosterHint{Kind: string(r.Kind), Name: r.Name})
	}
	rosterJSON, err := json.Marshal(hints)
	if err != nil {
		return nil, eris.Wrap(err, "claims: marshal roster")
	}

	var out extraction
	_, err = e.gw.CompleteJSON(ctx, gateway.Request{
		OrgID:     orgID,
		Operation: Operation,
		System:    systemPrompt,
		Prompt:    fmt.Sprintf("Roster (JSON):\n%s\n\nTranscript:\n%s", rosterJSON, t.Text),
	}, &out)
	if err != nil {
		return nil, eris.Wrap(err, "claims: extract")
	}

	now := e.nowFunc().UTC()
	claims := make([]model.Claim, 0, len(out.Claims))
	dropped := 0
	for _, w := range out.Claims {
		c, ok := normalize(w)
		if !ok {
			dropped++
			continue
		}
		c.ID = uuid.NewString()
		c.ArtifactID = t.ArtifactID
		c.TranscriptID = t.ID
		c.OrgID = orgID
		c.CreatedAt = now
		claims = append(claims, c)
	}

	e.log.Info("claims extracted",
		zap.String("artifact_id", t.ArtifactID),
		zap.String("org_id", orgID),
		zap.Int("claims", len(claims)),
		zap.Int("dropped", dropped),
	)
	return claims, nil
}

// normalize converts a wire claim into a model claim. Claims without a
// source quote are dropped.
func normalize(w wireClaim) (model.Claim, bool) {
	source := strings.TrimSpace(w.SourceText)
	if source == "" {
		return model.Claim{}, false
	}

	topic, ok := model.ParseTopic(w.Topic)
	if !ok {
		topic = model.TopicPerformance
	}

	c := model.Claim{
		SourceText:  source,
		Topic:       topic,
		Title:       strings.TrimSpace(w.Title),
		Description: strings.TrimSpace(w.Description),
		Confidence:  clamp01(w.Confidence),
	}
	if c.Title == "" {
		c.Title = truncate(source, 60)
	}
	if w.RecommendedAction != nil {
		c.RecommendedAction = strings.TrimSpace(*w.RecommendedAction)
	}
	if w.Severity != nil {
		switch s := model.Severity(strings.ToLower(strings.TrimSpace(*w.Severity))); s {
		case model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical:
			c.Severity = s
		}
	}
	if w.Sentiment != nil {
		c.Sentiment = strings.ToLower(strings.TrimSpace(*w.Sentiment))
	}
	if w.SkillName != nil {
		c.SkillName = strings.TrimSpace(*w.SkillName)
	}
	if w.SkillRating != nil && *w.SkillRating >= 1 && *w.SkillRating <= 5 {
		r := int(*w.SkillRating + 0.5)
		c.SkillRating = &r
	}

	for _, m := range w.Mentions {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		switch mt := model.MentionType(m.Type); mt {
		case model.MentionPlayer, model.MentionTeam, model.MentionGroup, model.MentionCoach:
			c.Mentions = append(c.Mentions, model.EntityMention{Text: text, Type: mt})
		}
	}

	c.Subject = subject(w, c.Mentions)
	return c, true
}

// subject picks the name the resolver should match: the player name, then
// the team name, then the first mention.
func subject(w wireClaim, mentions []model.EntityMention) string {
	if w.PlayerName != nil && strings.TrimSpace(*w.PlayerName) != "" {
		return strings.TrimSpace(*w.PlayerName)
	}
	if w.TeamName != nil && strings.TrimSpace(*w.TeamName) != "" {
		return strings.TrimSpace(*w.TeamName)
	}
	if len(mentions) > 0 {
		return mentions[0].Text
	}
	return ""
}

func clamp01(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
