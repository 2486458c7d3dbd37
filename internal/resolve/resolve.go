// Package resolve binds claim subjects to roster entities. Fuzzy name
// matching settles clear cases; the provider disambiguates the rest, and
// anything still unclear is returned as ambiguous for a coach to settle.
package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coach-insights/internal/gateway"
	"github.com/sells-group/coach-insights/internal/model"
)

// Operation is the gateway operation name for disambiguation calls.
const Operation = "resolve_entity"

// Store persists rosters and resolutions.
type Store interface {
	ListRoster(ctx context.Context, orgID string, kind model.EntityKind) ([]model.RosterEntry, error)
	UpsertRosterEntry(ctx context.Context, e *model.RosterEntry) error
	SaveResolution(ctx context.Context, r *model.EntityResolution) error
	// GetResolution returns the latest resolution for a claim.
	GetResolution(ctx context.Context, claimID string) (*model.EntityResolution, error)
}

// Completer sends a prompt and decodes the JSON reply.
type Completer interface {
	CompleteJSON(ctx context.Context, req gateway.Request, out any) (*gateway.Response, error)
}

// Config tunes matching.
type Config struct {
	// AutoThreshold is the score at or above which a match resolves.
	AutoThreshold float64
	// CandidateFloor is the minimum score for an entry to be a candidate.
	CandidateFloor float64
	// Margin is the lead the top candidate needs over the runner-up.
	Margin float64
	// MaxAIRoster caps how many roster entries are sent to the provider
	// when fuzzy matching found no candidates.
	MaxAIRoster int
}

// DefaultConfig returns the standard matching settings.
func DefaultConfig() Config {
	return Config{AutoThreshold: 0.9, CandidateFloor: 0.8, Margin: 0.05, MaxAIRoster: 40}
}

const disambiguatePrompt = `A youth sports coach wrote: %q
The note refers to %q. Which of these %ss is meant?
%s
Answer with JSON only: {"entity_id": "<id or null>", "confidence": <0.0-1.0>}.
Use null when none of them clearly fits.`

type aiPick struct {
	EntityID   *string `json:"entity_id"`
	Confidence float64 `json:"confidence"`
}

type choice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Resolver binds claims to roster entries.
type Resolver struct {
	gw  Completer
	cfg Config
	log *zap.Logger

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewResolver creates a Resolver. Zero config fields take defaults.
func NewResolver(gw Completer, cfg Config) *Resolver {
	def := DefaultConfig()
	if cfg.AutoThreshold <= 0 {
		cfg.AutoThreshold = def.AutoThreshold
	}
	if cfg.CandidateFloor <= 0 {
		cfg.CandidateFloor = def.CandidateFloor
	}
	if cfg.Margin < 0 {
		cfg.Margin = def.Margin
	}
	if cfg.MaxAIRoster <= 0 {
		cfg.MaxAIRoster = def.MaxAIRoster
	}
	return &Resolver{
		gw:      gw,
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "resolve")),
		nowFunc: time.Now,
	}
}

// Candidates scores every roster entry of the given kind against subject
// and returns those at or above the candidate floor, best first.
func (r *Resolver) Candidates(subject string, kind model.EntityKind, roster []model.RosterEntry) []model.ResolutionCandidate {
	var out []model.ResolutionCandidate
	for _, e := range roster {
		if e.Kind != kind {
			continue
		}
		score := nameScore(subject, e.Name, e.Aliases)
		if score >= r.cfg.CandidateFloor {
			out = append(out, model.ResolutionCandidate{EntityID: e.ID, Name: e.Name, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Resolve binds claim to an entry of roster. Subjects without a clear
// winner come back ambiguous; subjects matching nothing come back
// unresolved.
func (r *Resolver) Resolve(ctx context.Context, orgID string, claim *model.Claim, roster []model.RosterEntry) (*model.EntityResolution, error) {
	if claim == nil {
		return nil, model.NewValidationError("claim", "required")
	}
	kind := claim.TargetKind()
	res := &model.EntityResolution{
		ID:         uuid.NewString(),
		ClaimID:    claim.ID,
		EntityKind: kind,
		Status:     model.ResolutionUnresolved,
		Source:     model.SourceFuzzy,
		CreatedAt:  r.nowFunc().UTC(),
	}

	subject := strings.TrimSpace(claim.Subject)
	if subject == "" {
		return res, nil
	}

	cands := r.Candidates(subject, kind, roster)
	res.Candidates = cands
	if len(cands) > 0 {
		res.Confidence = cands[0].Score
		res.Status = model.ResolutionAmbiguous
		if r.clearWinner(cands) {
			r.bind(res, cands[0].EntityID, cands[0].Name, cands[0].Score)
			return res, nil
		}
	}

	choices := make([]choice, 0, len(cands))
	for _, c := range cands {
		choices = append(choices, choice{ID: c.EntityID, Name: c.Name})
	}
	if len(choices) == 0 {
		for _, e := range roster {
			if e.Kind == kind {
				choices = append(choices, choice{ID: e.ID, Name: e.Name})
			}
		}
		if len(choices) == 0 || len(choices) > r.cfg.MaxAIRoster {
			return res, nil
		}
	}

	if err := r.disambiguate(ctx, orgID, claim, subject, kind, choices, res); err != nil {
		return nil, err
	}
	r.log.Debug("entity resolved",
		zap.String("claim_id", claim.ID),
		zap.String("status", string(res.Status)),
		zap.String("source", string(res.Source)),
		zap.Float64("confidence", res.Confidence),
	)
	return res, nil
}

func (r *Resolver) clearWinner(cands []model.ResolutionCandidate) bool {
	if cands[0].Score < r.cfg.AutoThreshold {
		return false
	}
	return len(cands) == 1 || cands[0].Score-cands[1].Score >= r.cfg.Margin
}

func (r *Resolver) bind(res *model.EntityResolution, id, name string, confidence float64) {
	res.EntityID = id
	res.EntityName = name
	res.Confidence = confidence
	res.Status = model.ResolutionResolved
}

func (r *Resolver) disambiguate(ctx context.Context, orgID string, claim *model.Claim, subject string, kind model.EntityKind, choices []choice, res *model.EntityResolution) error {
	list, err := json.Marshal(choices)
	if err != nil {
		return eris.Wrap(err, "resolve: marshal choices")
	}

	var pick aiPick
	if _, err := r.gw.CompleteJSON(ctx, gateway.Request{
		OrgID:     orgID,
		Operation: Operation,
		Prompt:    fmt.Sprintf(disambiguatePrompt, claim.SourceText, subject, kind, list),
		MaxTokens: 256,
	}, &pick); err != nil {
		return eris.Wrapf(err, "resolve: disambiguate claim %s", claim.ID)
	}

	if pick.EntityID == nil {
		return nil
	}
	var picked *choice
	for i := range choices {
		if choices[i].ID == *pick.EntityID {
			picked = &choices[i]
			break
		}
	}
	if picked == nil {
		r.log.Warn("provider picked an entity outside the candidate list",
			zap.String("claim_id", claim.ID),
			zap.String("entity_id", *pick.EntityID),
		)
		return nil
	}

	conf := pick.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	res.Source = model.SourceAI
	if conf >= r.cfg.AutoThreshold {
		r.bind(res, picked.ID, picked.Name, conf)
		return nil
	}

	if len(res.Candidates) == 0 {
		res.Candidates = []model.ResolutionCandidate{{EntityID: picked.ID, Name: picked.Name, Score: conf}}
	}
	res.Status = model.ResolutionAmbiguous
	res.Confidence = conf
	return nil
}

// Manual records a coach's choice of entity for a claim. It supersedes
// prior rather than changing it.
func Manual(claimID string, prior *model.EntityResolution, entry model.RosterEntry, at time.Time) *model.EntityResolution {
	res := &model.EntityResolution{
		ID:         uuid.NewString(),
		ClaimID:    claimID,
		EntityID:   entry.ID,
		EntityKind: entry.Kind,
		EntityName: entry.Name,
		Confidence: 1,
		Status:     model.ResolutionResolved,
		Source:     model.SourceCoach,
		CreatedAt:  at.UTC(),
	}
	if prior != nil {
		res.Supersedes = prior.ID
	}
	return res
}
