// Package drafts manages insight drafts from decision to terminal outcome.
//
// A verdict moves a pending draft to confirmed or rejected and appends its
// analytics event in the same transaction. A confirmed draft is then
// applied: the record update and the applied status are written together.
// A crash between the two steps leaves a confirmed draft that Reconcile
// applies later, so an approved update is never lost.
package drafts

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coach-insights/internal/decision"
	"github.com/sells-group/coach-insights/internal/lock"
	"github.com/sells-group/coach-insights/internal/model"
	"github.com/sells-group/coach-insights/internal/resolve"
	"github.com/sells-group/coach-insights/internal/telemetry"
)

// AppliedByEngine is recorded on record updates made by the auto-apply path.
const AppliedByEngine = "auto"

// Store persists drafts, their events, and record updates.
type Store interface {
	CreateDraft(ctx context.Context, d *model.InsightDraft) error
	GetDraft(ctx context.Context, id string) (*model.InsightDraft, error)
	// TransitionDraft applies t as a compare-and-set on t.From and writes
	// t.Event in the same transaction.
	TransitionDraft(ctx context.Context, t model.DraftTransition) error
	// ApplyDraft moves a confirmed draft to applied and inserts u in one
	// transaction.
	ApplyDraft(ctx context.Context, id string, u *model.RecordUpdate, at time.Time) error
	// SnoozeDraft sets snoozed_until on a pending draft and writes ev.
	SnoozeDraft(ctx context.Context, id string, until time.Time, ev *model.OverrideEvent) error
	// RetargetDraft saves res and points the pending draft at its entity.
	RetargetDraft(ctx context.Context, id string, res *model.EntityResolution, at time.Time) error
	ListDraftsByArtifact(ctx context.Context, artifactID string) ([]model.InsightDraft, error)
	ListPendingDrafts(ctx context.Context, coachID string, since, now time.Time) ([]model.InsightDraft, error)
	ListStaleConfirmed(ctx context.Context, before time.Time) ([]model.InsightDraft, error)

	GetResolution(ctx context.Context, claimID string) (*model.EntityResolution, error)
	GetRosterEntry(ctx context.Context, orgID, id string) (*model.RosterEntry, error)
}

// Service applies draft lifecycle rules on top of a Store.
type Service struct {
	store         Store
	locker        lock.Locker
	pendingWindow time.Duration
	inst          *telemetry.Instruments
	log           *zap.Logger

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithInstruments records draft transitions into inst.
func WithInstruments(inst *telemetry.Instruments) Option {
	return func(s *Service) { s.inst = inst }
}

// NewService creates a Service. ListPending returns drafts created within
// pendingWindow.
func NewService(store Store, locker lock.Locker, pendingWindow time.Duration, opts ...Option) *Service {
	if pendingWindow <= 0 {
		pendingWindow = 7 * 24 * time.Hour
	}
	s := &Service{
		store:         store,
		locker:        locker,
		pendingWindow: pendingWindow,
		log:           zap.L().With(zap.String("component", "drafts")),
		nowFunc:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func key(id string) string { return "draft:" + id }

func (s *Service) locked(ctx context.Context, id string, fn func() error) error {
	unlock, err := s.locker.Lock(ctx, key(id))
	if err != nil {
		return eris.Wrapf(err, "drafts: lock %s", id)
	}
	defer unlock()
	return fn()
}

// updatePayload is the recommended record update carried by a draft.
type updatePayload struct {
	Topic             model.Topic    `json:"topic"`
	Title             string         `json:"title"`
	Description       string         `json:"description,omitempty"`
	SourceText        string         `json:"source_text"`
	RecommendedAction string         `json:"recommended_action,omitempty"`
	Severity          model.Severity `json:"severity,omitempty"`
	Sentiment         string         `json:"sentiment,omitempty"`
	SkillName         string         `json:"skill_name,omitempty"`
	SkillRating       *int           `json:"skill_rating,omitempty"`
}

// Create stores a pending draft for a decided claim. Blocked decisions do
// not produce drafts.
func (s *Service) Create(ctx context.Context, claim *model.Claim, res *model.EntityResolution, category model.Sensitivity, d decision.Decision, coachID string) (*model.InsightDraft, error) {
	if claim == nil {
		return nil, model.NewValidationError("claim", "required")
	}
	if d.Outcome == model.OutcomeBlock || d.Outcome == "" {
		return nil, model.NewValidationError("decision", "blocked decisions do not create drafts")
	}

	payload, err := json.Marshal(updatePayload{
		Topic:             claim.Topic,
		Title:             claim.Title,
		Description:       claim.Description,
		SourceText:        claim.SourceText,
		RecommendedAction: claim.RecommendedAction,
		Severity:          claim.Severity,
		Sentiment:         claim.Sentiment,
		SkillName:         claim.SkillName,
		SkillRating:       claim.SkillRating,
	})
	if err != nil {
		return nil, eris.Wrap(err, "drafts: marshal payload")
	}

	now := s.nowFunc().UTC()
	draft := &model.InsightDraft{
		ID:             uuid.NewString(),
		ArtifactID:     claim.ArtifactID,
		ClaimID:        claim.ID,
		OrgID:          claim.OrgID,
		CoachID:        coachID,
		Title:          claim.Title,
		Description:    claim.Description,
		Payload:        payload,
		Category:       category,
		Topic:          claim.Topic,
		AIConfidence:   claim.Confidence,
		Confidence:     d.Confidence,
		Threshold:      d.Threshold,
		WouldAutoApply: d.WouldAutoApply,
		Outcome:        d.Outcome,
		Status:         model.DraftPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if res != nil {
		draft.ResolutionID = res.ID
		draft.ResolutionConfidence = res.Confidence
		draft.EntityKind = res.EntityKind
		if res.Resolved() {
			draft.EntityID = res.EntityID
		}
	}

	if err := s.store.CreateDraft(ctx, draft); err != nil {
		return nil, eris.Wrap(err, "drafts: create")
	}
	return draft, nil
}

// Get returns one draft.
func (s *Service) Get(ctx context.Context, id string) (*model.InsightDraft, error) {
	d, err := s.store.GetDraft(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "drafts: get %s", id)
	}
	return d, nil
}

func event(d *model.InsightDraft, coachID string, action model.OverrideAction, at time.Time) *model.OverrideEvent {
	if coachID == "" {
		coachID = d.CoachID
	}
	return &model.OverrideEvent{
		ID:           uuid.NewString(),
		DraftID:      d.ID,
		CoachID:      coachID,
		OrgID:        d.OrgID,
		Action:       action,
		Category:     d.Category,
		Topic:        d.Topic,
		Confidence:   d.Confidence,
		WasCandidate: d.WouldAutoApply,
		CreatedAt:    at,
	}
}

type verdict struct {
	coachID string
	to      model.DraftStatus
	action  model.OverrideAction
	payload json.RawMessage
	// skip makes a non-pending draft a no-op instead of an error.
	skip bool
}

// decide writes a verdict on a pending draft. It returns false when the
// draft was skipped.
func (s *Service) decide(ctx context.Context, id string, v verdict) (bool, error) {
	applied := false
	err := s.locked(ctx, id, func() error {
		d, err := s.store.GetDraft(ctx, id)
		if err != nil {
			return eris.Wrapf(err, "drafts: get %s", id)
		}
		if d.Status != model.DraftPending {
			if v.skip {
				return nil
			}
			return eris.Wrapf(model.ErrInvalidTransition, "draft %s: %s -> %s", id, d.Status, v.to)
		}
		if v.to == model.DraftConfirmed && d.EntityID == "" {
			if v.skip {
				return nil
			}
			return model.NewValidationError("entity_id", "draft has no target entity; reassign it first")
		}

		now := s.nowFunc().UTC()
		t := model.DraftTransition{
			DraftID:     id,
			From:        model.DraftPending,
			To:          v.to,
			At:          now,
			AutoApplied: v.action == model.ActionAutoApply,
			Event:       event(d, v.coachID, v.action, now),
		}
		if v.action == model.ActionEdit {
			t.AppliedPayload = v.payload
			t.Edited = true
		}
		if err := s.store.TransitionDraft(ctx, t); err != nil {
			return eris.Wrapf(err, "drafts: %s %s", v.action, id)
		}
		applied = true
		s.inst.DraftTransition(ctx, string(model.DraftPending), string(v.to), string(v.action))
		s.log.Info("draft verdict",
			zap.String("draft_id", id),
			zap.String("action", string(v.action)),
			zap.String("category", string(d.Category)),
			zap.Bool("was_candidate", d.WouldAutoApply),
		)
		return nil
	})
	return applied, err
}

// AutoApply confirms and applies a draft the engine approved.
func (s *Service) AutoApply(ctx context.Context, id string) error {
	if _, err := s.decide(ctx, id, verdict{to: model.DraftConfirmed, action: model.ActionAutoApply}); err != nil {
		return err
	}
	return s.Apply(ctx, id)
}

// Confirm records a coach approval and applies the draft.
func (s *Service) Confirm(ctx context.Context, id, coachID string, batch bool) error {
	action := model.ActionApply
	if batch {
		action = model.ActionBatchApply
	}
	if _, err := s.decide(ctx, id, verdict{coachID: coachID, to: model.DraftConfirmed, action: action}); err != nil {
		return err
	}
	return s.Apply(ctx, id)
}

// Edit records a coach approval with a changed payload and applies it.
func (s *Service) Edit(ctx context.Context, id, coachID string, payload json.RawMessage) error {
	if len(payload) == 0 || !json.Valid(payload) {
		return model.NewValidationError("payload", "edited payload must be valid JSON")
	}
	if _, err := s.decide(ctx, id, verdict{coachID: coachID, to: model.DraftConfirmed, action: model.ActionEdit, payload: payload}); err != nil {
		return err
	}
	return s.Apply(ctx, id)
}

// Reject records a coach dismissal. Rejected drafts are terminal.
func (s *Service) Reject(ctx context.Context, id, coachID string, batch bool) error {
	action := model.ActionDismiss
	if batch {
		action = model.ActionBatchDismiss
	}
	_, err := s.decide(ctx, id, verdict{coachID: coachID, to: model.DraftRejected, action: action})
	return err
}

// Snooze hides a pending draft from the pending list until the given time.
func (s *Service) Snooze(ctx context.Context, id, coachID string, until time.Time) error {
	now := s.nowFunc().UTC()
	if !until.After(now) {
		return model.NewValidationError("until", "snooze must end in the future")
	}
	return s.locked(ctx, id, func() error {
		d, err := s.store.GetDraft(ctx, id)
		if err != nil {
			return eris.Wrapf(err, "drafts: get %s", id)
		}
		if d.Status != model.DraftPending {
			return eris.Wrapf(model.ErrInvalidTransition, "draft %s: snooze in status %s", id, d.Status)
		}
		if err := s.store.SnoozeDraft(ctx, id, until.UTC(), event(d, coachID, model.ActionSnooze, now)); err != nil {
			return eris.Wrapf(err, "drafts: snooze %s", id)
		}
		return nil
	})
}

// Apply writes the record update for a confirmed draft. Applying an
// applied draft is a no-op.
func (s *Service) Apply(ctx context.Context, id string) error {
	return s.locked(ctx, id, func() error {
		d, err := s.store.GetDraft(ctx, id)
		if err != nil {
			return eris.Wrapf(err, "drafts: get %s", id)
		}
		switch d.Status {
		case model.DraftApplied:
			return nil
		case model.DraftConfirmed:
		default:
			return eris.Wrapf(model.ErrInvalidTransition, "draft %s: apply in status %s", id, d.Status)
		}

		now := s.nowFunc().UTC()
		appliedBy := d.CoachID
		if d.AutoApplied {
			appliedBy = AppliedByEngine
		}
		u := &model.RecordUpdate{
			ID:         uuid.NewString(),
			DraftID:    d.ID,
			OrgID:      d.OrgID,
			EntityID:   d.EntityID,
			EntityKind: d.EntityKind,
			Topic:      d.Topic,
			Payload:    d.FinalPayload(),
			AppliedBy:  appliedBy,
			AppliedAt:  now,
		}
		if err := s.store.ApplyDraft(ctx, id, u, now); err != nil {
			return eris.Wrapf(err, "drafts: apply %s", id)
		}
		s.inst.DraftTransition(ctx, string(model.DraftConfirmed), string(model.DraftApplied), "apply")
		s.log.Info("draft applied",
			zap.String("draft_id", id),
			zap.String("entity_id", d.EntityID),
			zap.String("applied_by", appliedBy),
			zap.Bool("edited", d.Edited),
		)
		return nil
	})
}

// Reassign points a pending draft at a different roster entity chosen by
// the coach. The coach's choice is recorded as a new resolution.
func (s *Service) Reassign(ctx context.Context, id, coachID, entityID string) error {
	return s.locked(ctx, id, func() error {
		d, err := s.store.GetDraft(ctx, id)
		if err != nil {
			return eris.Wrapf(err, "drafts: get %s", id)
		}
		if d.Status != model.DraftPending {
			return eris.Wrapf(model.ErrInvalidTransition, "draft %s: reassign in status %s", id, d.Status)
		}
		entry, err := s.store.GetRosterEntry(ctx, d.OrgID, entityID)
		if err != nil {
			if model.IsNotFound(err) {
				return model.NewValidationError("entity_id", "unknown roster entity "+entityID)
			}
			return eris.Wrapf(err, "drafts: get roster entry %s", entityID)
		}
		prior, err := s.store.GetResolution(ctx, d.ClaimID)
		if err != nil && !model.IsNotFound(err) {
			return eris.Wrapf(err, "drafts: get resolution for claim %s", d.ClaimID)
		}

		now := s.nowFunc().UTC()
		res := resolve.Manual(d.ClaimID, prior, *entry, now)
		if err := s.store.RetargetDraft(ctx, id, res, now); err != nil {
			return eris.Wrapf(err, "drafts: retarget %s", id)
		}
		s.log.Info("draft reassigned",
			zap.String("draft_id", id),
			zap.String("coach_id", coachID),
			zap.String("entity_id", entityID),
		)
		return nil
	})
}

// BatchResult counts the drafts a batch verdict touched.
type BatchResult struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
}

// ConfirmAll approves and applies every pending draft of an artifact that
// has a target entity. Others are skipped.
func (s *Service) ConfirmAll(ctx context.Context, artifactID, coachID string) (BatchResult, error) {
	return s.batch(ctx, artifactID, coachID, model.DraftConfirmed, model.ActionBatchApply)
}

// RejectAll dismisses every pending draft of an artifact.
func (s *Service) RejectAll(ctx context.Context, artifactID, coachID string) (BatchResult, error) {
	return s.batch(ctx, artifactID, coachID, model.DraftRejected, model.ActionBatchDismiss)
}

func (s *Service) batch(ctx context.Context, artifactID, coachID string, to model.DraftStatus, action model.OverrideAction) (BatchResult, error) {
	var out BatchResult
	drafts, err := s.store.ListDraftsByArtifact(ctx, artifactID)
	if err != nil {
		return out, eris.Wrapf(err, "drafts: list for artifact %s", artifactID)
	}
	for _, d := range drafts {
		if d.Status != model.DraftPending {
			continue
		}
		ok, err := s.decide(ctx, d.ID, verdict{coachID: coachID, to: to, action: action, skip: true})
		if err != nil {
			return out, err
		}
		if !ok {
			out.Skipped++
			continue
		}
		if to == model.DraftConfirmed {
			if err := s.Apply(ctx, d.ID); err != nil {
				return out, err
			}
		}
		out.Processed++
	}
	return out, nil
}

// ListPending returns a coach's pending, unsnoozed drafts from the pending
// window.
func (s *Service) ListPending(ctx context.Context, coachID string) ([]model.InsightDraft, error) {
	now := s.nowFunc().UTC()
	drafts, err := s.store.ListPendingDrafts(ctx, coachID, now.Add(-s.pendingWindow), now)
	if err != nil {
		return nil, eris.Wrapf(err, "drafts: list pending for coach %s", coachID)
	}
	return drafts, nil
}

// ListByArtifact returns every draft produced from an artifact.
func (s *Service) ListByArtifact(ctx context.Context, artifactID string) ([]model.InsightDraft, error) {
	drafts, err := s.store.ListDraftsByArtifact(ctx, artifactID)
	if err != nil {
		return nil, eris.Wrapf(err, "drafts: list for artifact %s", artifactID)
	}
	return drafts, nil
}

// Reconcile applies drafts that were confirmed at least olderThan ago but
// never applied. It returns how many it applied.
func (s *Service) Reconcile(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := s.store.ListStaleConfirmed(ctx, s.nowFunc().UTC().Add(-olderThan))
	if err != nil {
		return 0, eris.Wrap(err, "drafts: list stale confirmed")
	}
	applied := 0
	for _, d := range stale {
		if err := s.Apply(ctx, d.ID); err != nil {
			s.log.Error("reconcile apply failed", zap.String("draft_id", d.ID), zap.Error(err))
			continue
		}
		applied++
	}
	if applied > 0 {
		s.log.Info("reconciled confirmed drafts", zap.Int("applied", applied), zap.Int("found", len(stale)))
	}
	return applied, nil
}
