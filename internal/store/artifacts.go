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
	artifactCols = `id, channel, sender_id, coach_id, org_candidates, org_id, status, media_url, raw_text,
	transcript_id, failed_stage, failure_reason, retry_of, created_at, updated_at`

	qInsertArtifact = `INSERT INTO artifacts (` + artifactCols + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	qGetArtifact        = `SELECT ` + artifactCols + ` FROM artifacts WHERE id = $1`
	qTransitionArtifact = `UPDATE artifacts SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`
	qFailArtifact       = `UPDATE artifacts SET status = 'failed', failed_stage = $1, failure_reason = $2, updated_at = $3
	WHERE id = $4 AND status = $1`

	claimCols = `id, artifact_id, transcript_id, org_id, source_text, subject, topic, title, description,
	recommended_action, mentions, severity, sentiment, skill_name, skill_rating, confidence, created_at`

	rosterCols = `id, org_id, kind, name, aliases, position`

	resolutionCols = `id, claim_id, entity_id, entity_kind, entity_name, confidence, status, candidates,
	source, supersedes, created_at`

	qInsertResolution = `INSERT INTO entity_resolutions (` + resolutionCols + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
)

var upsertRosterSQL = db.MustUpsertSQL(db.UpsertConfig{
	Table:        "roster_entries",
	Columns:      []string{"id", "org_id", "kind", "name", "aliases", "position"},
	ConflictKeys: []string{"id"},
})

// --- Artifacts ---

func (s *sqlStore) CreateArtifact(ctx context.Context, a *model.Artifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	cands, err := marshalJSON(orEmpty(a.OrgCandidates))
	if err != nil {
		return err
	}
	_, err = s.c.exec(ctx, qInsertArtifact,
		a.ID, string(a.Channel), a.SenderID, a.CoachID, cands, a.OrgID, string(a.Status), a.MediaURL, a.RawText,
		a.TranscriptID, string(a.FailedStage), a.FailureReason, a.RetryOf, a.CreatedAt, a.UpdatedAt,
	)
	return eris.Wrapf(err, "store: create artifact %s", a.ID)
}

func (s *sqlStore) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	a, err := scanArtifact(s.c.queryRow(ctx, qGetArtifact, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "store: artifact %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get artifact %s", id)
	}
	return a, nil
}

func scanArtifact(r row) (*model.Artifact, error) {
	var a model.Artifact
	var channel, status, failedAt string
	var cands []byte
	err := r.Scan(&a.ID, &channel, &a.SenderID, &a.CoachID, &cands, &a.OrgID, &status, &a.MediaURL, &a.RawText,
		&a.TranscriptID, &failedAt, &a.FailureReason, &a.RetryOf, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Channel = model.SourceChannel(channel)
	a.Status = model.ArtifactStatus(status)
	a.FailedStage = model.ArtifactStatus(failedAt)
	if err := unmarshalJSON(cands, &a.OrgCandidates); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *sqlStore) TransitionArtifact(ctx context.Context, id string, from, to model.ArtifactStatus, at time.Time) error {
	n, err := s.c.exec(ctx, qTransitionArtifact, string(to), at, id, string(from))
	if err != nil {
		return eris.Wrapf(err, "store: transition artifact %s", id)
	}
	if n == 0 {
		return notFoundOr(ctx, s.c, "artifacts", id, model.ErrInvalidTransition)
	}
	return nil
}

func (s *sqlStore) SetArtifactOrg(ctx context.Context, id, orgID string, at time.Time) (bool, error) {
	n, err := s.c.exec(ctx,
		`UPDATE artifacts SET org_id = $1, updated_at = $2 WHERE id = $3 AND org_id = ''`, orgID, at, id)
	if err != nil {
		return false, eris.Wrapf(err, "store: set artifact org %s", id)
	}
	if n == 0 {
		// nil fallback: an existing artifact with an org is not an error.
		return false, notFoundOr(ctx, s.c, "artifacts", id, nil)
	}
	return true, nil
}

func (s *sqlStore) AttachTranscript(ctx context.Context, t *model.Transcript) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return s.c.inTx(ctx, func(q querier) error {
		n, err := q.exec(ctx,
			`UPDATE artifacts SET transcript_id = $1 WHERE id = $2 AND transcript_id = ''`, t.ID, t.ArtifactID)
		if err != nil {
			return eris.Wrapf(err, "store: link transcript to %s", t.ArtifactID)
		}
		if n == 0 {
			return notFoundOr(ctx, q, "artifacts", t.ArtifactID, model.ErrInvalidTransition)
		}
		_, err = q.exec(ctx, `INSERT INTO transcripts (id, artifact_id, text, created_at) VALUES ($1, $2, $3, $4)`,
			t.ID, t.ArtifactID, t.Text, t.CreatedAt)
		return eris.Wrapf(err, "store: insert transcript %s", t.ID)
	})
}

func (s *sqlStore) GetTranscript(ctx context.Context, artifactID string) (*model.Transcript, error) {
	var t model.Transcript
	err := s.c.queryRow(ctx,
		`SELECT id, artifact_id, text, created_at FROM transcripts WHERE artifact_id = $1`, artifactID,
	).Scan(&t.ID, &t.ArtifactID, &t.Text, &t.CreatedAt)
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "store: transcript for %s", artifactID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get transcript for %s", artifactID)
	}
	return &t, nil
}

func (s *sqlStore) FailArtifact(ctx context.Context, id string, from model.ArtifactStatus, reason string, at time.Time) error {
	n, err := s.c.exec(ctx, qFailArtifact, string(from), reason, at, id)
	if err != nil {
		return eris.Wrapf(err, "store: fail artifact %s", id)
	}
	if n == 0 {
		return notFoundOr(ctx, s.c, "artifacts", id, model.ErrInvalidTransition)
	}
	return nil
}

// --- Claims ---

func (s *sqlStore) SaveClaims(ctx context.Context, claims []model.Claim) error {
	if len(claims) == 0 {
		return nil
	}
	return s.c.inTx(ctx, func(q querier) error {
		for i := range claims {
			c := &claims[i]
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			mentions, err := marshalJSON(orEmpty(c.Mentions))
			if err != nil {
				return err
			}
			_, err = q.exec(ctx, `INSERT INTO claims (`+claimCols+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
				c.ID, c.ArtifactID, c.TranscriptID, c.OrgID, c.SourceText, c.Subject, string(c.Topic), c.Title,
				c.Description, c.RecommendedAction, mentions, string(c.Severity), c.Sentiment, c.SkillName,
				c.SkillRating, c.Confidence, c.CreatedAt,
			)
			if err != nil {
				return eris.Wrapf(err, "store: insert claim %s", c.ID)
			}
		}
		return nil
	})
}

func (s *sqlStore) ListClaims(ctx context.Context, artifactID string) ([]model.Claim, error) {
	r, err := s.c.query(ctx, `SELECT `+claimCols+` FROM claims WHERE artifact_id = $1 ORDER BY created_at, id`, artifactID)
	if err != nil {
		return nil, eris.Wrapf(err, "store: list claims for %s", artifactID)
	}
	return collect(r, func(r row) (model.Claim, error) {
		var c model.Claim
		var topic, severity string
		var mentions []byte
		err := r.Scan(&c.ID, &c.ArtifactID, &c.TranscriptID, &c.OrgID, &c.SourceText, &c.Subject, &topic, &c.Title,
			&c.Description, &c.RecommendedAction, &mentions, &severity, &c.Sentiment, &c.SkillName,
			&c.SkillRating, &c.Confidence, &c.CreatedAt)
		if err != nil {
			return c, eris.Wrap(err, "store: scan claim")
		}
		c.Topic = model.Topic(topic)
		c.Severity = model.Severity(severity)
		return c, unmarshalJSON(mentions, &c.Mentions)
	})
}

// --- Roster ---

func (s *sqlStore) ListRoster(ctx context.Context, orgID string, kind model.EntityKind) ([]model.RosterEntry, error) {
	r, err := s.c.query(ctx,
		`SELECT `+rosterCols+` FROM roster_entries WHERE org_id = $1 AND kind = $2 ORDER BY name, id`,
		orgID, string(kind))
	if err != nil {
		return nil, eris.Wrapf(err, "store: list roster %s/%s", orgID, kind)
	}
	return collect(r, func(r row) (model.RosterEntry, error) {
		e, err := scanRosterEntry(r)
		if err != nil {
			return model.RosterEntry{}, err
		}
		return *e, nil
	})
}

func (s *sqlStore) GetRosterEntry(ctx context.Context, orgID, id string) (*model.RosterEntry, error) {
	e, err := scanRosterEntry(s.c.queryRow(ctx,
		`SELECT `+rosterCols+` FROM roster_entries WHERE org_id = $1 AND id = $2`, orgID, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "store: roster entry %s/%s", orgID, id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get roster entry %s", id)
	}
	return e, nil
}

func scanRosterEntry(r row) (*model.RosterEntry, error) {
	var (
		e       model.RosterEntry
		kind    string
		aliases []byte
	)
	if err := r.Scan(&e.ID, &e.OrgID, &kind, &e.Name, &aliases, &e.Position); err != nil {
		return nil, err
	}
	e.Kind = model.EntityKind(kind)
	if err := unmarshalJSON(aliases, &e.Aliases); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *sqlStore) UpsertRosterEntry(ctx context.Context, e *model.RosterEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	aliases, err := marshalJSON(orEmpty(e.Aliases))
	if err != nil {
		return err
	}
	_, err = s.c.exec(ctx, upsertRosterSQL, e.ID, e.OrgID, string(e.Kind), e.Name, aliases, e.Position)
	return eris.Wrapf(err, "store: upsert roster entry %s", e.ID)
}

// --- Resolutions ---

func (s *sqlStore) SaveResolution(ctx context.Context, r *model.EntityResolution) error {
	return insertResolution(ctx, s.c, r)
}

func insertResolution(ctx context.Context, q querier, r *model.EntityResolution) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	cands, err := marshalJSON(orEmpty(r.Candidates))
	if err != nil {
		return err
	}
	_, err = q.exec(ctx, qInsertResolution,
		r.ID, r.ClaimID, r.EntityID, string(r.EntityKind), r.EntityName, r.Confidence, string(r.Status), cands,
		string(r.Source), r.Supersedes, r.CreatedAt,
	)
	return eris.Wrapf(err, "store: insert resolution %s", r.ID)
}

func (s *sqlStore) GetResolution(ctx context.Context, claimID string) (*model.EntityResolution, error) {
	var (
		r                    model.EntityResolution
		kind, status, source string
		cands                []byte
	)
	err := s.c.queryRow(ctx, `SELECT `+resolutionCols+` FROM entity_resolutions
		WHERE claim_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, claimID,
	).Scan(&r.ID, &r.ClaimID, &r.EntityID, &kind, &r.EntityName, &r.Confidence, &status, &cands,
		&source, &r.Supersedes, &r.CreatedAt)
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "store: resolution for claim %s", claimID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get resolution for claim %s", claimID)
	}
	r.EntityKind = model.EntityKind(kind)
	r.Status = model.ResolutionStatus(status)
	r.Source = model.ResolutionSource(source)
	if err := unmarshalJSON(cands, &r.Candidates); err != nil {
		return nil, err
	}
	return &r, nil
}

// orEmpty keeps nil slices out of JSON columns.
func orEmpty[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
