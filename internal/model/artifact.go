package model

import "time"

// SourceChannel identifies how a note reached the system.
type SourceChannel string

const (
	ChannelWhatsAppAudio SourceChannel = "whatsapp_audio"
	ChannelWhatsAppText  SourceChannel = "whatsapp_text"
	ChannelAppRecorded   SourceChannel = "app_recorded"
	ChannelAppTyped      SourceChannel = "app_typed"
)

// AllSourceChannels returns every supported source channel.
func AllSourceChannels() []SourceChannel {
	return []SourceChannel{ChannelWhatsAppAudio, ChannelWhatsAppText, ChannelAppRecorded, ChannelAppTyped}
}

// Valid reports whether c is a known channel.
func (c SourceChannel) Valid() bool {
	for _, known := range AllSourceChannels() {
		if c == known {
			return true
		}
	}
	return false
}

// IsAudio reports whether notes on this channel need transcription.
func (c SourceChannel) IsAudio() bool {
	return c == ChannelWhatsAppAudio || c == ChannelAppRecorded
}

// ArtifactStatus is the pipeline state of an artifact.
type ArtifactStatus string

const (
	ArtifactReceived     ArtifactStatus = "received"
	ArtifactTranscribing ArtifactStatus = "transcribing"
	ArtifactTranscribed  ArtifactStatus = "transcribed"
	ArtifactProcessing   ArtifactStatus = "processing"
	ArtifactCompleted    ArtifactStatus = "completed"
	ArtifactFailed       ArtifactStatus = "failed"
)

// artifactOrder ranks the forward path. Failed sits outside it.
var artifactOrder = map[ArtifactStatus]int{
	ArtifactReceived:     0,
	ArtifactTranscribing: 1,
	ArtifactTranscribed:  2,
	ArtifactProcessing:   3,
	ArtifactCompleted:    4,
}

// Terminal reports whether no further transitions are allowed.
func (s ArtifactStatus) Terminal() bool {
	return s == ArtifactCompleted || s == ArtifactFailed
}

// Valid reports whether s is a known status.
func (s ArtifactStatus) Valid() bool {
	_, ok := artifactOrder[s]
	return ok || s == ArtifactFailed
}

// CanTransitionTo reports whether next is reachable from s in one step.
// The forward path advances exactly one stage; failed is reachable from
// any non-terminal status.
func (s ArtifactStatus) CanTransitionTo(next ArtifactStatus) bool {
	if s.Terminal() || !s.Valid() {
		return false
	}
	if next == ArtifactFailed {
		return true
	}
	cur, ok := artifactOrder[s]
	if !ok {
		return false
	}
	nxt, ok := artifactOrder[next]
	if !ok {
		return false
	}
	return nxt == cur+1
}

// OrgCandidate is one organization a note might belong to.
type OrgCandidate struct {
	OrgID      string  `json:"org_id"`
	Confidence float64 `json:"confidence"`
}

// Artifact is one inbound coach note and its pipeline state.
type Artifact struct {
	ID            string         `json:"id"`
	Channel       SourceChannel  `json:"channel"`
	SenderID      string         `json:"sender_id"`
	CoachID       string         `json:"coach_id"`
	OrgCandidates []OrgCandidate `json:"org_candidates"`
	OrgID         string         `json:"org_id,omitempty"`
	Status        ArtifactStatus `json:"status"`
	MediaURL      string         `json:"media_url,omitempty"`
	RawText       string         `json:"raw_text,omitempty"`
	TranscriptID  string         `json:"transcript_id,omitempty"`
	FailedStage   ArtifactStatus `json:"failed_stage,omitempty"` // last status reached before failing
	FailureReason string         `json:"failure_reason,omitempty"`
	RetryOf       string         `json:"retry_of,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// BestOrgCandidate returns the highest-confidence org candidate. Ties keep
// the earliest listed candidate.
func (a *Artifact) BestOrgCandidate() (OrgCandidate, bool) {
	var best OrgCandidate
	found := false
	for _, c := range a.OrgCandidates {
		if c.OrgID == "" {
			continue
		}
		if !found || c.Confidence > best.Confidence {
			best = c
			found = true
		}
	}
	return best, found
}

// Transcript is the text derived from an artifact. Never mutated.
type Transcript struct {
	ID         string    `json:"id"`
	ArtifactID string    `json:"artifact_id"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}
