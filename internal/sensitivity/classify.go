// Package sensitivity labels claims NORMAL, INJURY, or BEHAVIOR. The
// labels gate auto-apply, so any injury or behavior signal wins over a
// NORMAL reading.
package sensitivity

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coach-insights/internal/gateway"
	"github.com/sells-group/coach-insights/internal/model"
)

// Operation is the gateway operation name for classification calls.
const Operation = "classify_sensitivity"

// Completer sends a prompt and decodes the JSON reply.
type Completer interface {
	CompleteJSON(ctx context.Context, req gateway.Request, out any) (*gateway.Response, error)
}

// Source says which stage produced a classification.
type Source string

const (
	SourceHeuristic Source = "heuristic"
	SourceAI        Source = "ai"
)

// Classification is the label for one claim.
type Classification struct {
	Category   model.Sensitivity `json:"category"`
	Confidence float64           `json:"confidence"`
	Source     Source            `json:"source"`
	Signals    []string          `json:"signals,omitempty"`
}

var (
	injuryTerms = regexp.MustCompile(`(?i)\b(injur\w*|pain\w*|hurt\w*|sore\w*|ache\w*|aching|sprain\w*|strain\w*|twist\w*|pull(ed)? (a |her |his |their )?(muscle|hamstring|groin)|hamstring\w*|groin|ankle\w*|knee\w*|concuss\w*|head knock|took a knock|knock(ed)? (on|to) the head|fractur\w*|broke(n)?|bleed\w*|blood\w*|limp\w*|swell\w*|swollen|bruis\w*|physio\w*|rehab\w*|dizz\w*|faint\w*|ill|illness|sick\w*|vomit\w*|asthma\w*|anxi\w*|stress\w*|panic\w*|depress\w*|self[- ]harm\w*|crying|cried|upset)\b`)

	behaviorTerms = regexp.MustCompile(`(?i)\b(disciplin\w*|misbehav\w*|behaviou?r(al)? (issue|problem)s?|fight\w*|fought|punch\w*|kick(ed)? out at|argu\w*|swear\w*|swore|curs(e|ed|ing)|disrespect\w*|rude\w*|aggress\w*|bull(y|ied|ying)|sent off|red card|suspend\w*|suspension|tantrum\w*|temper|lash(ed)? out|attitude problem|refus(ed|es|ing) to|walked off|insult\w*|spat|spit(ting)?)\b`)
)

// Heuristic scans a claim for injury or behavior signals. It returns false
// when nothing was found.
func Heuristic(c *model.Claim) (Classification, bool) {
	text := strings.Join([]string{c.SourceText, c.Title, c.Description}, " ")

	var injury, behavior []string
	switch c.Topic.Sensitivity() {
	case model.SensitivityInjury:
		injury = append(injury, "topic:"+string(c.Topic))
	case model.SensitivityBehavior:
		behavior = append(behavior, "topic:"+string(c.Topic))
	}
	for _, m := range injuryTerms.FindAllString(text, -1) {
		injury = append(injury, strings.ToLower(m))
	}
	for _, m := range behaviorTerms.FindAllString(text, -1) {
		behavior = append(behavior, strings.ToLower(m))
	}

	switch {
	case len(injury) > 0:
		return Classification{Category: model.SensitivityInjury, Confidence: 1, Source: SourceHeuristic, Signals: injury}, true
	case len(behavior) > 0:
		return Classification{Category: model.SensitivityBehavior, Confidence: 1, Source: SourceHeuristic, Signals: behavior}, true
	default:
		return Classification{}, false
	}
}

const systemPrompt = `You label youth sports coach observations for privacy review.
Categories:
- injury: any physical injury, pain, illness, medical or mental health concern.
- behavior: discipline, conduct, attitude, or conflict issues.
- normal: everything else.
When in doubt between normal and another category, choose the other category.
Respond with JSON only: {"category": "normal|injury|behavior", "confidence": <0.0-1.0>}`

// category decodes a sensitivity label and rejects unknown values, which
// makes the gateway count the reply as malformed.
type category model.Sensitivity

func (c *category) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, ok := model.ParseSensitivity(s)
	if !ok {
		return eris.Errorf("unknown sensitivity category %q", s)
	}
	*c = category(v)
	return nil
}

type aiLabel struct {
	Category   category `json:"category"`
	Confidence float64  `json:"confidence"`
}

// Classifier labels claims with the heuristic first and the provider second.
type Classifier struct {
	gw  Completer
	log *zap.Logger
}

// NewClassifier creates a Classifier.
func NewClassifier(gw Completer) *Classifier {
	return &Classifier{gw: gw, log: zap.L().With(zap.String("component", "sensitivity"))}
}

// Classify labels one claim. A heuristic hit skips the provider call.
func (c *Classifier) Classify(ctx context.Context, orgID string, claim *model.Claim) (Classification, error) {
	if claim == nil || strings.TrimSpace(claim.SourceText) == "" {
		return Classification{}, model.NewValidationError("claim", "nothing to classify")
	}
	if cl, ok := Heuristic(claim); ok {
		c.log.Debug("classified by heuristic",
			zap.String("claim_id", claim.ID),
			zap.String("category", string(cl.Category)),
			zap.Strings("signals", cl.Signals),
		)
		return cl, nil
	}

	var label aiLabel
	if _, err := c.gw.CompleteJSON(ctx, gateway.Request{
		OrgID:     orgID,
		Operation: Operation,
		System:    systemPrompt,
		Prompt:    fmt.Sprintf("Topic: %s\nTitle: %s\nObservation: %s", claim.Topic, claim.Title, claim.SourceText),
		MaxTokens: 128,
	}, &label); err != nil {
		return Classification{}, eris.Wrapf(err, "sensitivity: classify claim %s", claim.ID)
	}

	conf := label.Confidence
	if conf < 0 || conf != conf {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return Classification{
		Category:   model.Sensitivity(label.Category),
		Confidence: conf,
		Source:     SourceAI,
	}, nil
}
