package store

import (
	"context"
	"time"

	"github.com/sells-group/coach-insights/internal/model"
)

// Store defines the persistence interface for the insight pipeline. Each
// service declares the subset it needs; both backends implement all of it.
type Store interface {
	// Artifacts
	CreateArtifact(ctx context.Context, a *model.Artifact) error
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)
	TransitionArtifact(ctx context.Context, id string, from, to model.ArtifactStatus, at time.Time) error
	SetArtifactOrg(ctx context.Context, id, orgID string, at time.Time) (bool, error)
	AttachTranscript(ctx context.Context, t *model.Transcript) error
	GetTranscript(ctx context.Context, artifactID string) (*model.Transcript, error)
	FailArtifact(ctx context.Context, id string, from model.ArtifactStatus, reason string, at time.Time) error

	// Claims
	SaveClaims(ctx context.Context, claims []model.Claim) error
	ListClaims(ctx context.Context, artifactID string) ([]model.Claim, error)

	// Roster and resolutions
	ListRoster(ctx context.Context, orgID string, kind model.EntityKind) ([]model.RosterEntry, error)
	GetRosterEntry(ctx context.Context, orgID, id string) (*model.RosterEntry, error)
	UpsertRosterEntry(ctx context.Context, e *model.RosterEntry) error
	SaveResolution(ctx context.Context, r *model.EntityResolution) error
	GetResolution(ctx context.Context, claimID string) (*model.EntityResolution, error)

	// Drafts
	CreateDraft(ctx context.Context, d *model.InsightDraft) error
	GetDraft(ctx context.Context, id string) (*model.InsightDraft, error)
	TransitionDraft(ctx context.Context, t model.DraftTransition) error
	ApplyDraft(ctx context.Context, id string, u *model.RecordUpdate, at time.Time) error
	SnoozeDraft(ctx context.Context, id string, until time.Time, ev *model.OverrideEvent) error
	RetargetDraft(ctx context.Context, id string, res *model.EntityResolution, at time.Time) error
	ListDraftsByArtifact(ctx context.Context, artifactID string) ([]model.InsightDraft, error)
	ListPendingDrafts(ctx context.Context, coachID string, since, now time.Time) ([]model.InsightDraft, error)
	ListStaleConfirmed(ctx context.Context, before time.Time) ([]model.InsightDraft, error)

	// Override events and trust
	ListOverrideEvents(ctx context.Context, coachID string, since time.Time) ([]model.OverrideEvent, error)
	CountCoachVerdicts(ctx context.Context, coachID string) (model.VerdictCounts, error)
	GetTrustProfile(ctx context.Context, coachID string) (*model.TrustProfile, error)
	SaveTrustProfile(ctx context.Context, p *model.TrustProfile) error
	ListCoachIDs(ctx context.Context) ([]string, error)

	// Provider health
	GetServiceHealth(ctx context.Context, provider string) (*model.ServiceHealth, error)
	SaveServiceHealth(ctx context.Context, h *model.ServiceHealth) error
	ListServiceHealth(ctx context.Context) ([]model.ServiceHealth, error)

	// Rate limits and usage
	ListRateLimits(ctx context.Context, scope model.LimitScope, scopeID string) ([]model.RateLimit, error)
	AdjustRateLimit(ctx context.Context, id string, windowStart time.Time, deltaCount int, deltaCost float64, now time.Time) (bool, error)
	ListExpiredRateLimits(ctx context.Context, now time.Time) ([]model.RateLimit, error)
	RenewRateLimitWindow(ctx context.Context, id string, prevEnd, start, end time.Time) (bool, error)
	UpsertRateLimit(ctx context.Context, r *model.RateLimit) error
	InsertUsage(ctx context.Context, u *model.UsageRecord) error
	SumUsage(ctx context.Context, orgID string, since time.Time) (float64, error)

	// Budgets and alerts
	ListBudgets(ctx context.Context) ([]model.OrgBudget, error)
	UpsertBudget(ctx context.Context, b *model.OrgBudget) error
	HasCostAlertSince(ctx context.Context, orgID string, typ model.CostAlertType, sev model.AlertSeverity, since time.Time) (bool, error)
	InsertCostAlert(ctx context.Context, a *model.CostAlert) error
	HasOpenPipelineAlert(ctx context.Context, typ model.PipelineAlertType) (bool, error)
	InsertPipelineAlert(ctx context.Context, a *model.PipelineAlert) error
	AcknowledgePipelineAlert(ctx context.Context, id string, at time.Time) error

	// Health metrics
	CountArtifactsByStatus(ctx context.Context, since time.Time) (map[model.ArtifactStatus]int, error)
	CountQueued(ctx context.Context) (int, error)
	CountAmbiguousBacklog(ctx context.Context) (int, error)
	LatestArtifactAt(ctx context.Context) (*time.Time, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
