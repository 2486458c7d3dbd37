// Package pipeline runs one artifact from received to completed: transcript,
// claims, resolution, sensitivity, decision and drafts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/coach-insights/internal/decision"
	"github.com/sells-group/coach-insights/internal/model"
	"github.com/sells-group/coach-insights/internal/ratelimit"
	"github.com/sells-group/coach-insights/internal/resilience"
	"github.com/sells-group/coach-insights/internal/sensitivity"
	"github.com/sells-group/coach-insights/internal/telemetry"
)

// Artifacts drives artifact status.
type Artifacts interface {
	Get(ctx context.Context, id string) (*model.Artifact, error)
	Transition(ctx context.Context, id string, from, to model.ArtifactStatus) error
	AttachTranscript(ctx context.Context, id, text string) (*model.Transcript, error)
	AssignOrg(ctx context.Context, id string) (string, error)
	Fail(ctx context.Context, id, reason string) error
}

// Transcriber turns an audio artifact into text.
type Transcriber interface {
	Transcribe(ctx context.Context, a *model.Artifact) (string, error)
}

// Extractor finds claims in a transcript.
type Extractor interface {
	Extract(ctx context.Context, orgID string, t *model.Transcript, roster []model.RosterEntry) ([]model.Claim, error)
}

// Resolver binds a claim to a roster entity.
type Resolver interface {
	Resolve(ctx context.Context, orgID string, claim *model.Claim, roster []model.RosterEntry) (*model.EntityResolution, error)
}

// Classifier assigns a sensitivity category.
type Classifier interface {
	Classify(ctx context.Context, orgID string, claim *model.Claim) (sensitivity.Classification, error)
}

// Drafts creates and auto-applies drafts.
type Drafts interface {
	Create(ctx context.Context, claim *model.Claim, res *model.EntityResolution, category model.Sensitivity, d decision.Decision, coachID string) (*model.InsightDraft, error)
	AutoApply(ctx context.Context, id string) error
}

// Profiles loads a coach's trust profile.
type Profiles interface {
	Profile(ctx context.Context, coachID string) (*model.TrustProfile, error)
}

// Store persists claims and resolutions and reads rosters.
type Store interface {
	SaveClaims(ctx context.Context, claims []model.Claim) error
	ListRoster(ctx context.Context, orgID string, kind model.EntityKind) ([]model.RosterEntry, error)
	SaveResolution(ctx context.Context, r *model.EntityResolution) error
}

// Deps are the collaborators a Pipeline runs.
type Deps struct {
	Artifacts   Artifacts
	Transcriber Transcriber
	Extractor   Extractor
	Resolver    Resolver
	Classifier  Classifier
	Engine      *decision.Engine
	Drafts      Drafts
	Profiles    Profiles
	Store       Store
}

// Config tunes processing.
type Config struct {
	// ClaimConcurrency bounds per-claim work within one artifact.
	ClaimConcurrency int
	// StageTimeout bounds each external stage. Zero means no timeout.
	StageTimeout time.Duration
}

// Result summarizes one Process call.
type Result struct {
	ArtifactID    string               `json:"artifact_id"`
	OrgID         string               `json:"org_id,omitempty"`
	Status        model.ArtifactStatus `json:"status"`
	Claims        int                  `json:"claims"`
	AutoApplied   int                  `json:"auto_applied"`
	Review        int                  `json:"review"`
	Blocked       int                  `json:"blocked"`
	Ambiguous     int                  `json:"ambiguous"`
	DraftIDs      []string             `json:"draft_ids,omitempty"`
	FailedStage   model.ArtifactStatus `json:"failed_stage,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
	Duration      time.Duration        `json:"duration"`
}

// Pipeline processes artifacts.
type Pipeline struct {
	deps   Deps
	cfg    Config
	inst   *telemetry.Instruments
	tracer trace.Tracer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithInstruments records decisions and artifact outcomes into inst.
func WithInstruments(inst *telemetry.Instruments) Option {
	return func(p *Pipeline) { p.inst = inst }
}

// New creates a Pipeline.
func New(deps Deps, cfg Config, opts ...Option) *Pipeline {
	if cfg.ClaimConcurrency <= 0 {
		cfg.ClaimConcurrency = 4
	}
	if deps.Engine == nil {
		deps.Engine = decision.NewEngine(decision.DefaultThreshold)
	}
	p := &Pipeline{
		deps:   deps,
		cfg:    cfg,
		tracer: telemetry.Tracer(telemetry.InstrumentationName),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pipeline) stageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.StageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.StageTimeout)
}

// Process runs a received artifact to completion. Any stage error fails
// the artifact and is returned with a Result describing the failure.
// Artifacts not in the received status are left alone.
func (p *Pipeline) Process(ctx context.Context, artifactID string) (*Result, error) {
	start := time.Now()
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("artifact_id", artifactID))
	ctx, span := p.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("artifact.id", artifactID),
	))
	defer span.End()

	result := &Result{ArtifactID: artifactID}

	a, err := p.deps.Artifacts.Get(ctx, artifactID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load artifact")
	}
	if a.Status != model.ArtifactReceived {
		return nil, eris.Wrapf(model.ErrInvalidTransition, "pipeline: artifact %s is %s", artifactID, a.Status)
	}

	stage := model.ArtifactReceived
	runErr := p.run(ctx, a, result, &stage, log)
	result.Duration = time.Since(start)

	if runErr != nil {
		reason := failureReason(stage, runErr)
		// Record the failure even when the caller's context is done.
		if err := p.deps.Artifacts.Fail(context.WithoutCancel(ctx), artifactID, reason); err != nil {
			log.Error("pipeline: failed to record artifact failure", zap.Error(err))
		}
		result.Status = model.ArtifactFailed
		result.FailedStage = stage
		result.FailureReason = reason
		p.inst.ArtifactFinished(ctx, string(model.ArtifactFailed), string(stage))
		span.RecordError(runErr)
		span.SetStatus(codes.Error, reason)
		log.Error("pipeline: artifact failed",
			zap.String("stage", string(stage)),
			zap.String("reason", reason),
			zap.Duration("elapsed", result.Duration),
			zap.Error(runErr),
		)
		return result, runErr
	}

	result.Status = model.ArtifactCompleted
	p.inst.ArtifactFinished(ctx, string(model.ArtifactCompleted), "")
	span.SetAttributes(
		attribute.Int("claims", result.Claims),
		attribute.Int("auto_applied", result.AutoApplied),
		attribute.Int("review", result.Review),
	)
	log.Info("pipeline: artifact completed",
		zap.String("org_id", result.OrgID),
		zap.Int("claims", result.Claims),
		zap.Int("auto_applied", result.AutoApplied),
		zap.Int("review", result.Review),
		zap.Int("blocked", result.Blocked),
		zap.Duration("elapsed", result.Duration),
	)
	return result, nil
}

func (p *Pipeline) advance(ctx context.Context, id string, stage *model.ArtifactStatus, to model.ArtifactStatus) error {
	if err := p.deps.Artifacts.Transition(ctx, id, *stage, to); err != nil {
		return err
	}
	*stage = to
	return nil
}

func (p *Pipeline) run(ctx context.Context, a *model.Artifact, result *Result, stage *model.ArtifactStatus, log *zap.Logger) error {
	// Transcript.
	if err := p.advance(ctx, a.ID, stage, model.ArtifactTranscribing); err != nil {
		return err
	}
	text, err := p.transcribe(ctx, a)
	if err != nil {
		return err
	}
	transcript, err := p.deps.Artifacts.AttachTranscript(ctx, a.ID, text)
	if err != nil {
		return err
	}
	if err := p.advance(ctx, a.ID, stage, model.ArtifactTranscribed); err != nil {
		return err
	}

	// Org, roster and profile.
	if err := p.advance(ctx, a.ID, stage, model.ArtifactProcessing); err != nil {
		return err
	}
	orgID, err := p.deps.Artifacts.AssignOrg(ctx, a.ID)
	if err != nil {
		return err
	}
	result.OrgID = orgID

	rosters := map[model.EntityKind][]model.RosterEntry{}
	var all []model.RosterEntry
	for _, kind := range []model.EntityKind{model.EntityPlayer, model.EntityTeam} {
		entries, err := p.deps.Store.ListRoster(ctx, orgID, kind)
		if err != nil {
			return eris.Wrapf(err, "pipeline: list %s roster", kind)
		}
		rosters[kind] = entries
		all = append(all, entries...)
	}
	profile, err := p.deps.Profiles.Profile(ctx, a.CoachID)
	if err != nil {
		return eris.Wrap(err, "pipeline: load trust profile")
	}

	// Claims.
	sctx, cancel := p.stageCtx(ctx)
	claims, err := p.deps.Extractor.Extract(sctx, orgID, transcript, all)
	cancel()
	if err != nil {
		return err
	}
	if len(claims) > 0 {
		if err := p.deps.Store.SaveClaims(ctx, claims); err != nil {
			return eris.Wrap(err, "pipeline: save claims")
		}
	}
	result.Claims = len(claims)
	log.Debug("pipeline: claims extracted", zap.Int("claims", len(claims)))

	// Per-claim resolve, classify, decide and draft. Nothing is applied
	// until every claim has been decided, so a failed artifact leaves no
	// record updates behind for its resubmission to repeat.
	outs := make([]claimOutcome, len(claims))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.ClaimConcurrency)
	for i := range claims {
		claim := &claims[i]
		g.Go(func() error {
			out, err := p.processClaim(gctx, a.CoachID, orgID, claim, rosters[claim.TargetKind()], profile)
			if err != nil {
				return err
			}
			outs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, out := range outs {
		if out.outcome == model.OutcomeAutoApply && out.draftID != "" {
			if err := p.deps.Drafts.AutoApply(ctx, out.draftID); err != nil {
				return err
			}
		}
		switch out.outcome {
		case model.OutcomeAutoApply:
			result.AutoApplied++
		case model.OutcomeReview:
			result.Review++
		case model.OutcomeBlock:
			result.Blocked++
		}
		if out.ambiguous {
			result.Ambiguous++
		}
		if out.draftID != "" {
			result.DraftIDs = append(result.DraftIDs, out.draftID)
		}
	}

	return p.advance(ctx, a.ID, stage, model.ArtifactCompleted)
}

func (p *Pipeline) transcribe(ctx context.Context, a *model.Artifact) (string, error) {
	if !a.Channel.IsAudio() {
		if a.RawText == "" {
			return "", model.NewValidationError("raw_text", "typed note is empty")
		}
		return a.RawText, nil
	}
	if p.deps.Transcriber == nil {
		return "", eris.New("pipeline: no transcriber configured for audio artifacts")
	}
	sctx, cancel := p.stageCtx(ctx)
	defer cancel()
	text, err := p.deps.Transcriber.Transcribe(sctx, a)
	if err != nil {
		return "", eris.Wrap(err, "pipeline: transcribe")
	}
	if text == "" {
		return "", model.NewValidationError("transcript", "transcription returned no text")
	}
	return text, nil
}

type claimOutcome struct {
	outcome   model.DecisionOutcome
	draftID   string
	ambiguous bool
}

func (p *Pipeline) processClaim(ctx context.Context, coachID, orgID string, claim *model.Claim, roster []model.RosterEntry, profile *model.TrustProfile) (claimOutcome, error) {
	sctx, cancel := p.stageCtx(ctx)
	defer cancel()

	res, err := p.deps.Resolver.Resolve(sctx, orgID, claim, roster)
	if err != nil {
		return claimOutcome{}, err
	}
	if res != nil {
		if err := p.deps.Store.SaveResolution(ctx, res); err != nil {
			return claimOutcome{}, eris.Wrapf(err, "pipeline: save resolution for claim %s", claim.ID)
		}
	}

	cls, err := p.deps.Classifier.Classify(sctx, orgID, claim)
	if err != nil {
		return claimOutcome{}, err
	}

	d := p.deps.Engine.Decide(decision.Input{
		Claim:      claim,
		Resolution: res,
		Category:   cls.Category,
		Profile:    profile,
	})
	p.inst.Decision(ctx, string(d.Outcome), string(cls.Category), d.WouldAutoApply)

	out := claimOutcome{
		outcome:   d.Outcome,
		ambiguous: res != nil && res.Status == model.ResolutionAmbiguous,
	}
	if d.Outcome == model.OutcomeBlock {
		return out, nil
	}

	draft, err := p.deps.Drafts.Create(ctx, claim, res, cls.Category, d, coachID)
	if err != nil {
		return claimOutcome{}, err
	}
	out.draftID = draft.ID
	return out, nil
}

// failureReason turns a stage error into a message for the artifact.
func failureReason(stage model.ArtifactStatus, err error) string {
	var (
		ve       *model.ValidationError
		exceeded *ratelimit.ExceededError
		pe       *resilience.ProviderError
	)
	switch {
	case errors.As(err, &ve):
		return fmt.Sprintf("%s: invalid input: %s", stage, ve.Msg)
	case errors.As(err, &exceeded):
		return fmt.Sprintf("%s: rate limit exceeded (%s)", stage, exceeded.Reason)
	case errors.Is(err, resilience.ErrCircuitOpen):
		return fmt.Sprintf("%s: AI provider unavailable", stage)
	case errors.As(err, &pe) && pe.Malformed:
		return fmt.Sprintf("%s: AI provider returned a malformed response", stage)
	case errors.As(err, &pe):
		return fmt.Sprintf("%s: AI provider error", stage)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("%s: timed out", stage)
	default:
		return fmt.Sprintf("%s: %v", stage, err)
	}
}
