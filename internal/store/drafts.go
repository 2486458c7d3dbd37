package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/coach-insights/internal/db"
	"github.com/sells-group/coach-insights/internal/model"
)

const (
	draftCols = `id, artifact_id, claim_id, resolution_id, org_id, coach_id, entity_id, entity_kind, title,
	description, payload, applied_payload, category, topic, ai_confidence, resolution_confidence, confidence,
	threshold, would_auto_apply, outcome, status, auto_applied, edited, snoozed_until, created_at, updated_at,
	confirmed_at, applied_at, rejected_at, edited_at`

	qInsertDraft = `INSERT INTO drafts (` + draftCols + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
	$21, $22, $23, $24, $25, $26, $27, $28, $29, $30)`
	qGetDraft = `SELECT ` + draftCols + ` FROM drafts WHERE id = $1`

	eventCols = `id, draft_id, coach_id, org_id, action, category, topic, confidence, was_candidate, created_at`

	qInsertEvent = `INSERT INTO override_events (` + eventCols + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	qCountVerdicts = `SELECT
	COALESCE(SUM(CASE WHEN action IN ('apply', 'batch_apply', 'edit') THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN action IN ('dismiss', 'batch_dismiss') THEN 1 ELSE 0 END), 0)
	FROM override_events WHERE coach_id = $1`

	trustCols = `coach_id, level, preferred_level, thresholds, preferred_thresholds, total_approvals,
	total_suppressed, consecutive_approvals, level_history, last_adapted_at, updated_at`
)

var upsertTrustSQL = db.MustUpsertSQL(db.UpsertConfig{
	Table: "trust_profiles",
	Columns: []string{
		"coach_id", "level", "preferred_level", "thresholds", "preferred_thresholds", "total_approvals",
		"total_suppressed", "consecutive_approvals", "level_history", "last_adapted_at", "updated_at",
	},
	ConflictKeys: []string{"coach_id"},
})

// --- Drafts ---

func (s *sqlStore) CreateDraft(ctx context.Context, d *model.InsightDraft) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := s.c.exec(ctx, qInsertDraft,
		d.ID, d.ArtifactID, d.ClaimID, d.ResolutionID, d.OrgID, d.CoachID, d.EntityID, string(d.EntityKind), d.Title,
		d.Description, rawJSON(d.Payload), rawJSON(d.AppliedPayload), string(d.Category), string(d.Topic),
		d.AIConfidence, d.ResolutionConfidence, d.Confidence, d.Threshold, d.WouldAutoApply, string(d.Outcome),
		string(d.Status), d.AutoApplied, d.Edited, d.SnoozedUntil, d.CreatedAt, d.UpdatedAt,
		d.ConfirmedAt, d.AppliedAt, d.RejectedAt, d.EditedAt,
	)
	return eris.Wrapf(err, "store: create draft %s", d.ID)
}

func (s *sqlStore) GetDraft(ctx context.Context, id string) (*model.InsightDraft, error) {
	d, err := scanDraft(s.c.queryRow(ctx, qGetDraft, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "store: draft %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get draft %s", id)
	}
	return d, nil
}

func scanDraft(r row) (*model.InsightDraft, error) {
	var d model.InsightDraft
	var kind, category, topic, outcome, status string
	var payload, applied []byte
	err := r.Scan(&d.ID, &d.ArtifactID, &d.ClaimID, &d.ResolutionID, &d.OrgID, &d.CoachID, &d.EntityID, &kind,
		&d.Title, &d.Description, &payload, &applied, &category, &topic, &d.AIConfidence, &d.ResolutionConfidence,
		&d.Confidence, &d.Threshold, &d.WouldAutoApply, &outcome, &status, &d.AutoApplied, &d.Edited,
		&d.SnoozedUntil, &d.CreatedAt, &d.UpdatedAt, &d.ConfirmedAt, &d.AppliedAt, &d.RejectedAt, &d.EditedAt)
	if err != nil {
		return nil, err
	}
	d.EntityKind = model.EntityKind(kind)
	d.Category = model.Sensitivity(category)
	d.Topic = model.Topic(topic)
	d.Outcome = model.DecisionOutcome(outcome)
	d.Status = model.DraftStatus(status)
	if len(payload) > 0 {
		d.Payload = append([]byte(nil), payload...)
	}
	if len(applied) > 0 {
		d.AppliedPayload = append([]byte(nil), applied...)
	}
	return &d, nil
}

func (s *sqlStore) listDrafts(ctx context.Context, where string, args ...any) ([]model.InsightDraft, error) {
	r, err := s.c.query(ctx, `SELECT `+draftCols+` FROM drafts WHERE `+where, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list drafts")
	}
	return collect(r, func(r row) (model.InsightDraft, error) {
		d, err := scanDraft(r)
		if err != nil {
			return model.InsightDraft{}, eris.Wrap(err, "store: scan draft")
		}
		return *d, nil
	})
}

// TransitionDraft is a compare-and-set on t.From. The verdict timestamps
// and t.Event are written in the same transaction.
func (s *sqlStore) TransitionDraft(ctx context.Context, t model.DraftTransition) error {
	var args argList
	q := `UPDATE drafts SET status = ` + args.add(string(t.To))
	at := args.add(t.At)
	q += `, updated_at = ` + at
	switch t.To {
	case model.DraftConfirmed:
		q += `, confirmed_at = ` + at
	case model.DraftRejected:
		q += `, rejected_at = ` + at
	}
	if len(t.AppliedPayload) > 0 {
		q += `, applied_payload = ` + args.add([]byte(t.AppliedPayload))
	}
	if t.Edited {
		q += `, edited = ` + args.add(true) + `, edited_at = ` + at
	}
	if t.AutoApplied {
		q += `, auto_applied = ` + args.add(true)
	}
	q += ` WHERE id = ` + args.add(t.DraftID) + ` AND status = ` + args.add(string(t.From))

	return s.c.inTx(ctx, func(tx querier) error {
		n, err := tx.exec(ctx, q, args...)
		if err != nil {
			return eris.Wrapf(err, "store: transition draft %s", t.DraftID)
		}
		if n == 0 {
			return notFoundOr(ctx, tx, "drafts", t.DraftID, model.ErrInvalidTransition)
		}
		if t.Event != nil {
			return insertEvent(ctx, tx, t.Event)
		}
		return nil
	})
}

// ApplyDraft moves a confirmed draft to applied and records the update.
// record_updates.draft_id is unique, so a draft is applied at most once.
func (s *sqlStore) ApplyDraft(ctx context.Context, id string, u *model.RecordUpdate, at time.Time) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return s.c.inTx(ctx, func(tx querier) error {
		n, err := tx.exec(ctx,
			`UPDATE drafts SET status = 'applied', applied_at = $1, updated_at = $1 WHERE id = $2 AND status = 'confirmed'`,
			at, id)
		if err != nil {
			return eris.Wrapf(err, "store: apply draft %s", id)
		}
		if n == 0 {
			return notFoundOr(ctx, tx, "drafts", id, model.ErrInvalidTransition)
		}
		_, err = tx.exec(ctx, `INSERT INTO record_updates
			(id, draft_id, org_id, entity_id, entity_kind, topic, payload, applied_by, applied_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			u.ID, id, u.OrgID, u.EntityID, string(u.EntityKind), string(u.Topic), rawJSON(u.Payload), u.AppliedBy, u.AppliedAt,
		)
		return eris.Wrapf(err, "store: insert record update for %s", id)
	})
}

func (s *sqlStore) SnoozeDraft(ctx context.Context, id string, until time.Time, ev *model.OverrideEvent) error {
	return s.c.inTx(ctx, func(tx querier) error {
		n, err := tx.exec(ctx,
			`UPDATE drafts SET snoozed_until = $1, updated_at = $2 WHERE id = $3 AND status = 'pending'`,
			until, ev.CreatedAt, id)
		if err != nil {
			return eris.Wrapf(err, "store: snooze draft %s", id)
		}
		if n == 0 {
			return notFoundOr(ctx, tx, "drafts", id, model.ErrInvalidTransition)
		}
		return insertEvent(ctx, tx, ev)
	})
}

func (s *sqlStore) RetargetDraft(ctx context.Context, id string, res *model.EntityResolution, at time.Time) error {
	return s.c.inTx(ctx, func(tx querier) error {
		if err := insertResolution(ctx, tx, res); err != nil {
			return err
		}
		n, err := tx.exec(ctx, `UPDATE drafts SET entity_id = $1, entity_kind = $2, resolution_id = $3,
			resolution_confidence = $4, updated_at = $5 WHERE id = $6 AND status = 'pending'`,
			res.EntityID, string(res.EntityKind), res.ID, res.Confidence, at, id)
		if err != nil {
			return eris.Wrapf(err, "store: retarget draft %s", id)
		}
		if n == 0 {
			return notFoundOr(ctx, tx, "drafts", id, model.ErrInvalidTransition)
		}
		return nil
	})
}

func (s *sqlStore) ListDraftsByArtifact(ctx context.Context, artifactID string) ([]model.InsightDraft, error) {
	return s.listDrafts(ctx, `artifact_id = $1 ORDER BY created_at, id`, artifactID)
}

// ListPendingDrafts returns a coach's pending drafts created since since
// that are not snoozed past now, newest first. Drafts of failed artifacts
// are left out; a resubmission produces its own.
func (s *sqlStore) ListPendingDrafts(ctx context.Context, coachID string, since, now time.Time) ([]model.InsightDraft, error) {
	return s.listDrafts(ctx, `coach_id = $1 AND status = 'pending' AND created_at >= $2
		AND (snoozed_until IS NULL OR snoozed_until <= $3)
		AND artifact_id NOT IN (SELECT id FROM artifacts WHERE status = 'failed')
		ORDER BY created_at DESC, id`, coachID, since, now)
}

func (s *sqlStore) ListStaleConfirmed(ctx context.Context, before time.Time) ([]model.InsightDraft, error) {
	return s.listDrafts(ctx, `status = 'confirmed' AND confirmed_at <= $1 ORDER BY confirmed_at, id`, before)
}

// --- Override events ---

func insertEvent(ctx context.Context, q querier, ev *model.OverrideEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err := q.exec(ctx, qInsertEvent,
		ev.ID, ev.DraftID, ev.CoachID, ev.OrgID, string(ev.Action), string(ev.Category), string(ev.Topic),
		ev.Confidence, ev.WasCandidate, ev.CreatedAt,
	)
	return eris.Wrapf(err, "store: insert override event for %s", ev.DraftID)
}

func (s *sqlStore) ListOverrideEvents(ctx context.Context, coachID string, since time.Time) ([]model.OverrideEvent, error) {
	r, err := s.c.query(ctx, `SELECT `+eventCols+` FROM override_events
		WHERE coach_id = $1 AND created_at > $2 ORDER BY created_at, id`, coachID, since)
	if err != nil {
		return nil, eris.Wrapf(err, "store: list override events for %s", coachID)
	}
	return collect(r, func(r row) (model.OverrideEvent, error) {
		var ev model.OverrideEvent
		var action, category, topic string
		err := r.Scan(&ev.ID, &ev.DraftID, &ev.CoachID, &ev.OrgID, &action, &category, &topic,
			&ev.Confidence, &ev.WasCandidate, &ev.CreatedAt)
		if err != nil {
			return ev, eris.Wrap(err, "store: scan override event")
		}
		ev.Action = model.OverrideAction(action)
		ev.Category = model.Sensitivity(category)
		ev.Topic = model.Topic(topic)
		return ev, nil
	})
}

func (s *sqlStore) CountCoachVerdicts(ctx context.Context, coachID string) (model.VerdictCounts, error) {
	var v model.VerdictCounts
	if err := s.c.queryRow(ctx, qCountVerdicts, coachID).Scan(&v.Approvals, &v.Dismissals); err != nil {
		return v, eris.Wrapf(err, "store: count verdicts for %s", coachID)
	}
	return v, nil
}

// --- Trust profiles ---

func (s *sqlStore) GetTrustProfile(ctx context.Context, coachID string) (*model.TrustProfile, error) {
	var (
		p                          model.TrustProfile
		level                      int
		preferred                  *int
		thresholds, prefs, history []byte
	)
	err := s.c.queryRow(ctx, `SELECT `+trustCols+` FROM trust_profiles WHERE coach_id = $1`, coachID).Scan(
		&p.CoachID, &level, &preferred, &thresholds, &prefs, &p.TotalApprovals, &p.TotalSuppressed,
		&p.ConsecutiveApprovals, &history, &p.LastAdaptedAt, &p.UpdatedAt)
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "store: trust profile %s", coachID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get trust profile %s", coachID)
	}
	p.Level = model.TrustLevel(level)
	if preferred != nil {
		pl := model.TrustLevel(*preferred)
		p.PreferredLevel = &pl
	}
	p.Thresholds = map[model.Sensitivity]float64{}
	p.PreferredThresholds = map[model.Sensitivity]float64{}
	if err := unmarshalJSON(thresholds, &p.Thresholds); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(prefs, &p.PreferredThresholds); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(history, &p.LevelHistory); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *sqlStore) SaveTrustProfile(ctx context.Context, p *model.TrustProfile) error {
	thresholds, err := marshalJSON(orEmptyMap(p.Thresholds))
	if err != nil {
		return err
	}
	prefs, err := marshalJSON(orEmptyMap(p.PreferredThresholds))
	if err != nil {
		return err
	}
	history, err := marshalJSON(orEmpty(p.LevelHistory))
	if err != nil {
		return err
	}
	var preferred *int
	if p.PreferredLevel != nil {
		v := int(*p.PreferredLevel)
		preferred = &v
	}
	_, err = s.c.exec(ctx, upsertTrustSQL,
		p.CoachID, int(p.Level), preferred, thresholds, prefs, p.TotalApprovals, p.TotalSuppressed,
		p.ConsecutiveApprovals, history, p.LastAdaptedAt, p.UpdatedAt,
	)
	return eris.Wrapf(err, "store: save trust profile %s", p.CoachID)
}

// ListCoachIDs returns every coach with recorded actions or a profile.
func (s *sqlStore) ListCoachIDs(ctx context.Context) ([]string, error) {
	r, err := s.c.query(ctx,
		`SELECT coach_id FROM override_events UNION SELECT coach_id FROM trust_profiles ORDER BY 1`)
	if err != nil {
		return nil, eris.Wrap(err, "store: list coach ids")
	}
	return collect(r, func(r row) (string, error) {
		var id string
		if err := r.Scan(&id); err != nil {
			return "", eris.Wrap(err, "store: scan coach id")
		}
		return id, nil
	})
}

func orEmptyMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return m
}
