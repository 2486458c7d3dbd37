// Package artifact owns the lifecycle of inbound coach notes. Every status
// change is a compare-and-set on the expected prior status, taken while
// holding the artifact's key lock.
package artifact

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coach-insights/internal/lock"
	"github.com/sells-group/coach-insights/internal/model"
)

// Store persists artifacts and transcripts.
type Store interface {
	CreateArtifact(ctx context.Context, a *model.Artifact) error
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)
	// TransitionArtifact moves the artifact from one status to another. It
	// returns model.ErrInvalidTransition when the stored status is not from.
	TransitionArtifact(ctx context.Context, id string, from, to model.ArtifactStatus, at time.Time) error
	// SetArtifactOrg assigns the org only when none is set yet and reports
	// whether this call set it.
	SetArtifactOrg(ctx context.Context, id, orgID string, at time.Time) (bool, error)
	// AttachTranscript inserts the transcript and links it to an artifact
	// that has none. A second attach returns model.ErrInvalidTransition.
	AttachTranscript(ctx context.Context, t *model.Transcript) error
	GetTranscript(ctx context.Context, artifactID string) (*model.Transcript, error)
	// FailArtifact moves the artifact from its current status to failed.
	FailArtifact(ctx context.Context, id string, from model.ArtifactStatus, reason string, at time.Time) error
}

// NewArtifact is the input to Ingest.
type NewArtifact struct {
	Channel       model.SourceChannel  `json:"channel"`
	SenderID      string               `json:"sender_id"`
	CoachID       string               `json:"coach_id"`
	OrgCandidates []model.OrgCandidate `json:"org_candidates"`
	MediaURL      string               `json:"media_url,omitempty"`
	RawText       string               `json:"raw_text,omitempty"`
}

// Validate checks the note before anything is stored.
func (n *NewArtifact) Validate() error {
	if !n.Channel.Valid() {
		return model.NewValidationError("channel", "unknown source channel "+string(n.Channel))
	}
	if strings.TrimSpace(n.SenderID) == "" {
		return model.NewValidationError("sender_id", "required")
	}
	if strings.TrimSpace(n.CoachID) == "" {
		return model.NewValidationError("coach_id", "required")
	}
	if len(n.OrgCandidates) == 0 {
		return model.NewValidationError("org_candidates", "at least one candidate org is required")
	}
	for _, c := range n.OrgCandidates {
		if strings.TrimSpace(c.OrgID) == "" {
			return model.NewValidationError("org_candidates", "candidate org id is empty")
		}
		if c.Confidence < 0 || c.Confidence > 1 {
			return model.NewValidationError("org_candidates", "candidate confidence must be within [0,1]")
		}
	}
	if n.Channel.IsAudio() {
		if strings.TrimSpace(n.MediaURL) == "" {
			return model.NewValidationError("media_url", "audio notes need a media url")
		}
	} else if strings.TrimSpace(n.RawText) == "" {
		return model.NewValidationError("raw_text", "typed notes need text")
	}
	return nil
}

// Service applies lifecycle rules on top of a Store.
type Service struct {
	store         Store
	locker        lock.Locker
	maxTranscript int
	log           *zap.Logger

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewService creates a Service. A maxTranscript of zero disables the
// transcript length check.
func NewService(store Store, locker lock.Locker, maxTranscript int) *Service {
	return &Service{
		store:         store,
		locker:        locker,
		maxTranscript: maxTranscript,
		log:           zap.L().With(zap.String("component", "artifact")),
		nowFunc:       time.Now,
	}
}

func key(id string) string { return "artifact:" + id }

func (s *Service) locked(ctx context.Context, id string, fn func() error) error {
	unlock, err := s.locker.Lock(ctx, key(id))
	if err != nil {
		return eris.Wrapf(err, "artifact: lock %s", id)
	}
	defer unlock()
	return fn()
}

// Ingest stores a new note with status received.
func (s *Service) Ingest(ctx context.Context, in NewArtifact) (*model.Artifact, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return s.create(ctx, in, "")
}

func (s *Service) create(ctx context.Context, in NewArtifact, retryOf string) (*model.Artifact, error) {
	now := s.nowFunc().UTC()
	a := &model.Artifact{
		ID:            uuid.NewString(),
		Channel:       in.Channel,
		SenderID:      strings.TrimSpace(in.SenderID),
		CoachID:       strings.TrimSpace(in.CoachID),
		OrgCandidates: append([]model.OrgCandidate(nil), in.OrgCandidates...),
		Status:        model.ArtifactReceived,
		MediaURL:      strings.TrimSpace(in.MediaURL),
		RawText:       in.RawText,
		RetryOf:       retryOf,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateArtifact(ctx, a); err != nil {
		return nil, eris.Wrap(err, "artifact: create")
	}
	s.log.Info("artifact received",
		zap.String("artifact_id", a.ID),
		zap.String("channel", string(a.Channel)),
		zap.String("coach_id", a.CoachID),
		zap.Int("org_candidates", len(a.OrgCandidates)),
	)
	return a, nil
}

// Get returns one artifact.
func (s *Service) Get(ctx context.Context, id string) (*model.Artifact, error) {
	a, err := s.store.GetArtifact(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: get %s", id)
	}
	return a, nil
}

// Transcript returns the transcript attached to an artifact.
func (s *Service) Transcript(ctx context.Context, id string) (*model.Transcript, error) {
	t, err := s.store.GetTranscript(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: get transcript %s", id)
	}
	return t, nil
}

// Transition moves the artifact one step. Steps the lifecycle does not
// allow, and lost races, return model.ErrInvalidTransition.
func (s *Service) Transition(ctx context.Context, id string, from, to model.ArtifactStatus) error {
	if !from.CanTransitionTo(to) {
		return eris.Wrapf(model.ErrInvalidTransition, "artifact %s: %s -> %s", id, from, to)
	}
	return s.locked(ctx, id, func() error {
		if err := s.store.TransitionArtifact(ctx, id, from, to, s.nowFunc().UTC()); err != nil {
			return eris.Wrapf(err, "artifact %s: %s -> %s", id, from, to)
		}
		s.log.Debug("artifact transition",
			zap.String("artifact_id", id),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return nil
	})
}

// AssignOrg settles the artifact's organization on its best candidate.
// Once set, the org never changes; later calls return the stored value.
func (s *Service) AssignOrg(ctx context.Context, id string) (string, error) {
	var orgID string
	err := s.locked(ctx, id, func() error {
		a, err := s.store.GetArtifact(ctx, id)
		if err != nil {
			return eris.Wrapf(err, "artifact: get %s", id)
		}
		if a.OrgID != "" {
			orgID = a.OrgID
			return nil
		}
		best, ok := a.BestOrgCandidate()
		if !ok {
			return model.NewValidationError("org_candidates", "artifact has no candidate org")
		}
		set, err := s.store.SetArtifactOrg(ctx, id, best.OrgID, s.nowFunc().UTC())
		if err != nil {
			return eris.Wrapf(err, "artifact: assign org %s", id)
		}
		if !set {
			current, err := s.store.GetArtifact(ctx, id)
			if err != nil {
				return eris.Wrapf(err, "artifact: reload %s", id)
			}
			orgID = current.OrgID
			return nil
		}
		orgID = best.OrgID
		s.log.Info("artifact org assigned",
			zap.String("artifact_id", id),
			zap.String("org_id", orgID),
			zap.Float64("confidence", best.Confidence),
		)
		return nil
	})
	return orgID, err
}

// AttachTranscript stores the transcript for an artifact being
// transcribed. An artifact gets at most one transcript.
func (s *Service) AttachTranscript(ctx context.Context, id, text string) (*model.Transcript, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, model.NewValidationError("transcript", "empty transcript")
	}
	if s.maxTranscript > 0 && len(text) > s.maxTranscript {
		return nil, model.NewValidationError("transcript", "transcript exceeds maximum length")
	}

	var t *model.Transcript
	err := s.locked(ctx, id, func() error {
		a, err := s.store.GetArtifact(ctx, id)
		if err != nil {
			return eris.Wrapf(err, "artifact: get %s", id)
		}
		if a.Status != model.ArtifactTranscribing {
			return eris.Wrapf(model.ErrInvalidTransition, "artifact %s: attach transcript in status %s", id, a.Status)
		}
		if a.TranscriptID != "" {
			return eris.Wrapf(model.ErrInvalidTransition, "artifact %s: transcript already attached", id)
		}
		t = &model.Transcript{
			ID:         uuid.NewString(),
			ArtifactID: id,
			Text:       text,
			CreatedAt:  s.nowFunc().UTC(),
		}
		if err := s.store.AttachTranscript(ctx, t); err != nil {
			return eris.Wrapf(err, "artifact: attach transcript %s", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Fail moves a non-terminal artifact to failed and records the status it
// had reached. Failing a completed or failed artifact does nothing.
func (s *Service) Fail(ctx context.Context, id, reason string) error {
	return s.locked(ctx, id, func() error {
		a, err := s.store.GetArtifact(ctx, id)
		if err != nil {
			return eris.Wrapf(err, "artifact: get %s", id)
		}
		if a.Status.Terminal() {
			return nil
		}
		if err := s.store.FailArtifact(ctx, id, a.Status, reason, s.nowFunc().UTC()); err != nil {
			return eris.Wrapf(err, "artifact: fail %s", id)
		}
		s.log.Warn("artifact failed",
			zap.String("artifact_id", id),
			zap.String("stage", string(a.Status)),
			zap.String("reason", reason),
		)
		return nil
	})
}

// Resubmit starts a new run for a failed artifact. The failed artifact is
// left as is; the new one points back at it.
func (s *Service) Resubmit(ctx context.Context, id string) (*model.Artifact, error) {
	a, err := s.store.GetArtifact(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: get %s", id)
	}
	if a.Status != model.ArtifactFailed {
		return nil, eris.Wrapf(model.ErrInvalidTransition, "artifact %s: resubmit from status %s", id, a.Status)
	}
	return s.create(ctx, NewArtifact{
		Channel:       a.Channel,
		SenderID:      a.SenderID,
		CoachID:       a.CoachID,
		OrgCandidates: a.OrgCandidates,
		MediaURL:      a.MediaURL,
		RawText:       a.RawText,
	}, a.ID)
}
