package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/coach-insights/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedArtifact(t *testing.T, st *SQLiteStore, id string, status model.ArtifactStatus, at time.Time) *model.Artifact {
	t.Helper()
	a := &model.Artifact{
		ID:            id,
		Channel:       model.ChannelAppTyped,
		SenderID:      "+15550100",
		CoachID:       "coach-1",
		OrgCandidates: []model.OrgCandidate{{OrgID: "org-1", Confidence: 0.9}},
		Status:        status,
		RawText:       "Emma made a great tackle",
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	require.NoError(t, st.CreateArtifact(context.Background(), a))
	return a
}

func seedDraft(t *testing.T, st *SQLiteStore, id string, at time.Time) *model.InsightDraft {
	t.Helper()
	d := &model.InsightDraft{
		ID:                   id,
		ArtifactID:           "art-1",
		ClaimID:              "claim-" + id,
		ResolutionID:         "res-" + id,
		OrgID:                "org-1",
		CoachID:              "coach-1",
		EntityID:             "player-emma",
		EntityKind:           model.EntityPlayer,
		Title:                "Great tackle",
		Payload:              json.RawMessage(`{"topic":"performance"}`),
		Category:             model.SensitivityNormal,
		Topic:                model.TopicPerformance,
		AIConfidence:         0.95,
		ResolutionConfidence: 0.9,
		Confidence:           0.855,
		Threshold:            0.85,
		WouldAutoApply:       true,
		Outcome:              model.OutcomeReview,
		Status:               model.DraftPending,
		CreatedAt:            at,
		UpdatedAt:            at,
	}
	require.NoError(t, st.CreateDraft(context.Background(), d))
	return d
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

// --- Artifacts ---

func TestSQLite_Artifact_CreateAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedArtifact(t, st, "art-1", model.ArtifactReceived, t0)

	got, err := st.GetArtifact(ctx, "art-1")
	require.NoError(t, err)
	assert.Equal(t, model.ChannelAppTyped, got.Channel)
	assert.Equal(t, model.ArtifactReceived, got.Status)
	assert.Equal(t, []model.OrgCandidate{{OrgID: "org-1", Confidence: 0.9}}, got.OrgCandidates)
	assert.True(t, got.CreatedAt.Equal(t0))

	_, err = st.GetArtifact(ctx, "missing")
	assert.True(t, model.IsNotFound(err))
}

func TestSQLite_Artifact_Transition(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedArtifact(t, st, "art-1", model.ArtifactReceived, t0)

	require.NoError(t, st.TransitionArtifact(ctx, "art-1", model.ArtifactReceived, model.ArtifactTranscribed, t0.Add(time.Second)))

	err := st.TransitionArtifact(ctx, "art-1", model.ArtifactReceived, model.ArtifactTranscribed, t0.Add(2*time.Second))
	assert.True(t, model.IsInvalidTransition(err))

	err = st.TransitionArtifact(ctx, "missing", model.ArtifactReceived, model.ArtifactTranscribed, t0)
	assert.True(t, model.IsNotFound(err))

	require.NoError(t, st.FailArtifact(ctx, "art-1", model.ArtifactTranscribed, "timed out", t0.Add(3*time.Second)))
	got, err := st.GetArtifact(ctx, "art-1")
	require.NoError(t, err)
	assert.Equal(t, model.ArtifactFailed, got.Status)
	assert.Equal(t, model.ArtifactTranscribed, got.FailedStage)
	assert.Equal(t, "timed out", got.FailureReason)
}

func TestSQLite_Artifact_SetOrgOnce(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedArtifact(t, st, "art-1", model.ArtifactReceived, t0)

	set, err := st.SetArtifactOrg(ctx, "art-1", "org-1", t0)
	require.NoError(t, err)
	assert.True(t, set)

	set, err = st.SetArtifactOrg(ctx, "art-1", "org-2", t0)
	require.NoError(t, err)
	assert.False(t, set)

	_, err = st.SetArtifactOrg(ctx, "missing", "org-1", t0)
	assert.True(t, model.IsNotFound(err))

	got, err := st.GetArtifact(ctx, "art-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", got.OrgID)
}

func TestSQLite_Artifact_AttachTranscriptOnce(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedArtifact(t, st, "art-1", model.ArtifactTranscribing, t0)

	require.NoError(t, st.AttachTranscript(ctx, &model.Transcript{ID: "tr-1", ArtifactID: "art-1", Text: "hello", CreatedAt: t0}))
	err := st.AttachTranscript(ctx, &model.Transcript{ID: "tr-2", ArtifactID: "art-1", Text: "again", CreatedAt: t0})
	assert.True(t, model.IsInvalidTransition(err))

	tr, err := st.GetTranscript(ctx, "art-1")
	require.NoError(t, err)
	assert.Equal(t, "tr-1", tr.ID)
	assert.Equal(t, "hello", tr.Text)

	a, err := st.GetArtifact(ctx, "art-1")
	require.NoError(t, err)
	assert.Equal(t, "tr-1", a.TranscriptID)

	_, err = st.GetTranscript(ctx, "art-2")
	assert.True(t, model.IsNotFound(err))
}

// --- Claims, roster, resolutions ---

func TestSQLite_Claims_SaveAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	rating := 4

	claims := []model.Claim{
		{ArtifactID: "art-1", OrgID: "org-1", Topic: model.TopicSkillRating, Title: "Passing", SkillName: "passing",
			SkillRating: &rating, Mentions: []model.EntityMention{{Text: "Emma", Type: model.MentionPlayer}},
			Confidence: 0.9, CreatedAt: t0},
		{ArtifactID: "art-1", OrgID: "org-1", Topic: model.TopicInjury, Title: "Ankle", Severity: model.SeverityHigh,
			Confidence: 0.8, CreatedAt: t0.Add(time.Second)},
	}
	require.NoError(t, st.SaveClaims(ctx, claims))
	assert.NotEmpty(t, claims[0].ID)

	got, err := st.ListClaims(ctx, "art-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.NotNil(t, got[0].SkillRating)
	assert.Equal(t, 4, *got[0].SkillRating)
	assert.Equal(t, []model.EntityMention{{Text: "Emma", Type: model.MentionPlayer}}, got[0].Mentions)
	assert.Nil(t, got[1].SkillRating)
	assert.Equal(t, model.SeverityHigh, got[1].Severity)
}

func TestSQLite_Roster(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertRosterEntry(ctx, &model.RosterEntry{ID: "p-2", OrgID: "org-1", Kind: model.EntityPlayer, Name: "Zoë"}))
	require.NoError(t, st.UpsertRosterEntry(ctx, &model.RosterEntry{ID: "p-1", OrgID: "org-1", Kind: model.EntityPlayer, Name: "Emma", Aliases: []string{"Em"}}))
	require.NoError(t, st.UpsertRosterEntry(ctx, &model.RosterEntry{ID: "t-1", OrgID: "org-1", Kind: model.EntityTeam, Name: "U12 Girls"}))
	require.NoError(t, st.UpsertRosterEntry(ctx, &model.RosterEntry{ID: "p-1", OrgID: "org-1", Kind: model.EntityPlayer, Name: "Emma", Position: "defender"}))

	players, err := st.ListRoster(ctx, "org-1", model.EntityPlayer)
	require.NoError(t, err)
	require.Len(t, players, 2)
	assert.Equal(t, "Emma", players[0].Name)
	assert.Equal(t, "defender", players[0].Position)
	assert.Empty(t, players[0].Aliases)

	e, err := st.GetRosterEntry(ctx, "org-1", "t-1")
	require.NoError(t, err)
	assert.Equal(t, model.EntityTeam, e.Kind)

	_, err = st.GetRosterEntry(ctx, "org-2", "t-1")
	assert.True(t, model.IsNotFound(err))
}

func TestSQLite_Resolution_Latest(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveResolution(ctx, &model.EntityResolution{
		ID: "res-1", ClaimID: "claim-1", Confidence: 0.6, Status: model.ResolutionAmbiguous, Source: model.SourceFuzzy,
		Candidates: []model.ResolutionCandidate{{EntityID: "p-1", Name: "Emma", Score: 0.6}}, CreatedAt: t0,
	}))
	require.NoError(t, st.SaveResolution(ctx, &model.EntityResolution{
		ID: "res-2", ClaimID: "claim-1", EntityID: "p-1", EntityKind: model.EntityPlayer, EntityName: "Emma",
		Confidence: 1, Status: model.ResolutionResolved, Source: model.SourceCoach, Supersedes: "res-1",
		CreatedAt: t0.Add(time.Minute),
	}))

	r, err := st.GetResolution(ctx, "claim-1")
	require.NoError(t, err)
	assert.Equal(t, "res-2", r.ID)
	assert.Equal(t, "res-1", r.Supersedes)
	assert.True(t, r.Resolved())

	_, err = st.GetResolution(ctx, "claim-2")
	assert.True(t, model.IsNotFound(err))
}

// --- Drafts ---

func TestSQLite_Draft_ConfirmAndApply(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedDraft(t, st, "d-1", t0)

	at := t0.Add(time.Minute)
	err := st.TransitionDraft(ctx, model.DraftTransition{
		DraftID: "d-1", From: model.DraftPending, To: model.DraftConfirmed, At: at,
		AppliedPayload: json.RawMessage(`{"topic":"performance","title":"Edited"}`), Edited: true,
		Event: &model.OverrideEvent{DraftID: "d-1", CoachID: "coach-1", OrgID: "org-1", Action: model.ActionEdit,
			Category: model.SensitivityNormal, Topic: model.TopicPerformance, Confidence: 0.855, WasCandidate: true, CreatedAt: at},
	})
	require.NoError(t, err)

	// A second verdict loses the compare-and-set.
	err = st.TransitionDraft(ctx, model.DraftTransition{DraftID: "d-1", From: model.DraftPending, To: model.DraftRejected, At: at})
	assert.True(t, model.IsInvalidTransition(err))

	d, err := st.GetDraft(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, model.DraftConfirmed, d.Status)
	assert.True(t, d.Edited)
	require.NotNil(t, d.ConfirmedAt)
	assert.True(t, d.ConfirmedAt.Equal(at))
	require.NotNil(t, d.EditedAt)
	assert.Nil(t, d.RejectedAt)
	assert.JSONEq(t, `{"topic":"performance","title":"Edited"}`, string(d.FinalPayload()))

	stale, err := st.ListStaleConfirmed(ctx, at)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	u := &model.RecordUpdate{DraftID: "d-1", OrgID: "org-1", EntityID: "player-emma", EntityKind: model.EntityPlayer,
		Topic: model.TopicPerformance, Payload: d.FinalPayload(), AppliedBy: "coach-1", AppliedAt: at}
	require.NoError(t, st.ApplyDraft(ctx, "d-1", u, at))

	err = st.ApplyDraft(ctx, "d-1", &model.RecordUpdate{DraftID: "d-1", Payload: d.FinalPayload(), AppliedAt: at}, at)
	assert.True(t, model.IsInvalidTransition(err))

	err = st.ApplyDraft(ctx, "missing", &model.RecordUpdate{Payload: d.FinalPayload(), AppliedAt: at}, at)
	assert.True(t, model.IsNotFound(err))

	d, err = st.GetDraft(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, model.DraftApplied, d.Status)
	require.NotNil(t, d.AppliedAt)

	stale, err = st.ListStaleConfirmed(ctx, at)
	require.NoError(t, err)
	assert.Empty(t, stale)

	events, err := st.ListOverrideEvents(ctx, "coach-1", t0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.ActionEdit, events[0].Action)
	assert.True(t, events[0].WasCandidate)
}

func TestSQLite_Draft_PendingWindowAndSnooze(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := t0.Add(8 * 24 * time.Hour)
	seedDraft(t, st, "old", t0)
	seedDraft(t, st, "recent", now.Add(-time.Hour))
	seedDraft(t, st, "snoozed", now.Add(-2*time.Hour))

	require.NoError(t, st.SnoozeDraft(ctx, "snoozed", now.Add(time.Hour), &model.OverrideEvent{
		DraftID: "snoozed", CoachID: "coach-1", OrgID: "org-1", Action: model.ActionSnooze, CreatedAt: now,
	}))

	since := now.Add(-7 * 24 * time.Hour)
	pending, err := st.ListPendingDrafts(ctx, "coach-1", since, now)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "recent", pending[0].ID)

	// Once the snooze passes the draft is listed again, newest first.
	pending, err = st.ListPendingDrafts(ctx, "coach-1", since, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "recent", pending[0].ID)
	assert.Equal(t, "snoozed", pending[1].ID)

	require.NoError(t, st.TransitionDraft(ctx, model.DraftTransition{DraftID: "recent", From: model.DraftPending, To: model.DraftRejected, At: now}))
	err = st.SnoozeDraft(ctx, "recent", now.Add(time.Hour), &model.OverrideEvent{DraftID: "recent", CreatedAt: now})
	assert.True(t, model.IsInvalidTransition(err))
}

func TestSQLite_Draft_PendingSkipsFailedArtifacts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedArtifact(t, st, "art-1", model.ArtifactProcessing, t0)
	seedDraft(t, st, "d-1", t0.Add(time.Minute))

	now := t0.Add(time.Hour)
	pending, err := st.ListPendingDrafts(ctx, "coach-1", t0, now)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, st.FailArtifact(ctx, "art-1", model.ArtifactProcessing, "processing: AI provider error", now))
	pending, err = st.ListPendingDrafts(ctx, "coach-1", t0, now)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSQLite_Draft_Retarget(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	d := seedDraft(t, st, "d-1", t0)

	res := &model.EntityResolution{ClaimID: d.ClaimID, EntityID: "player-zoe", EntityKind: model.EntityPlayer,
		EntityName: "Zoë", Confidence: 1, Status: model.ResolutionResolved, Source: model.SourceCoach,
		Supersedes: d.ResolutionID, CreatedAt: t0.Add(time.Minute)}
	require.NoError(t, st.RetargetDraft(ctx, "d-1", res, t0.Add(time.Minute)))

	got, err := st.GetDraft(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, "player-zoe", got.EntityID)
	assert.Equal(t, res.ID, got.ResolutionID)
	assert.InDelta(t, 1.0, got.ResolutionConfidence, 1e-9)

	latest, err := st.GetResolution(ctx, d.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, latest.ID)

	byArtifact, err := st.ListDraftsByArtifact(ctx, "art-1")
	require.NoError(t, err)
	assert.Len(t, byArtifact, 1)
}

// --- Trust ---

func TestSQLite_VerdictCountsAndCoaches(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	actions := []model.OverrideAction{
		model.ActionApply, model.ActionBatchApply, model.ActionEdit, model.ActionDismiss,
		model.ActionSnooze, model.ActionAutoApply,
	}
	for i, a := range actions {
		require.NoError(t, insertEvent(ctx, st.c, &model.OverrideEvent{
			DraftID: "d-1", CoachID: "coach-1", OrgID: "org-1", Action: a,
			CreatedAt: t0.Add(time.Duration(i) * time.Second),
		}))
	}

	counts, err := st.CountCoachVerdicts(ctx, "coach-1")
	require.NoError(t, err)
	assert.Equal(t, model.VerdictCounts{Approvals: 3, Dismissals: 1}, counts)

	require.NoError(t, st.SaveTrustProfile(ctx, model.NewTrustProfile("coach-2")))
	ids, err := st.ListCoachIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"coach-1", "coach-2"}, ids)
}

func TestSQLite_TrustProfile_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.GetTrustProfile(ctx, "coach-1")
	assert.True(t, model.IsNotFound(err))

	p := model.NewTrustProfile("coach-1")
	p.Level = model.TrustLevelTrusted
	pref := model.TrustLevelLearning
	p.PreferredLevel = &pref
	p.Thresholds[model.SensitivityNormal] = 0.8
	p.PreferredThresholds[model.SensitivityInjury] = 0.97
	p.TotalApprovals = 60
	p.LevelHistory = []model.LevelChange{{From: 1, To: 2, Reason: "50 approvals", At: t0}}
	p.LastAdaptedAt = &t0
	p.UpdatedAt = t0
	require.NoError(t, st.SaveTrustProfile(ctx, p))

	p.TotalApprovals = 61
	require.NoError(t, st.SaveTrustProfile(ctx, p))

	got, err := st.GetTrustProfile(ctx, "coach-1")
	require.NoError(t, err)
	assert.Equal(t, model.TrustLevelTrusted, got.Level)
	require.NotNil(t, got.PreferredLevel)
	assert.Equal(t, model.TrustLevelLearning, *got.PreferredLevel)
	assert.InDelta(t, 0.8, got.Thresholds[model.SensitivityNormal], 1e-9)
	assert.InDelta(t, 0.97, got.PreferredThresholds[model.SensitivityInjury], 1e-9)
	assert.Equal(t, 61, got.TotalApprovals)
	require.Len(t, got.LevelHistory, 1)
	assert.Equal(t, "50 approvals", got.LevelHistory[0].Reason)
	require.NotNil(t, got.LastAdaptedAt)
	assert.True(t, got.LastAdaptedAt.Equal(t0))
}

// --- Provider health, rate limits, usage ---

func TestSQLite_ServiceHealth(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.GetServiceHealth(ctx, "anthropic")
	assert.True(t, model.IsNotFound(err))

	failed := t0.Add(-time.Minute)
	require.NoError(t, st.SaveServiceHealth(ctx, &model.ServiceHealth{
		Provider: "anthropic", State: model.CircuitOpen, FailureCount: 5, LastFailureAt: &failed, LastCheckedAt: t0,
	}))

	h, err := st.GetServiceHealth(ctx, "anthropic")
	require.NoError(t, err)
	assert.Equal(t, model.CircuitOpen, h.State)
	assert.Equal(t, 5, h.FailureCount)
	assert.Nil(t, h.LastSuccessAt)
	require.NotNil(t, h.LastFailureAt)
	assert.True(t, h.LastFailureAt.Equal(failed))

	h.State = model.CircuitClosed
	h.FailureCount = 0
	require.NoError(t, st.SaveServiceHealth(ctx, h))
	all, err := st.ListServiceHealth(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.CircuitClosed, all[0].State)
}

func TestSQLite_RateLimits(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	end := t0.Add(time.Hour)

	r := &model.RateLimit{Scope: model.ScopeOrganization, ScopeID: "org-1", Type: model.LimitMessagesPerHour,
		Limit: 10, WindowStart: t0, WindowEnd: end, UpdatedAt: t0}
	require.NoError(t, st.UpsertRateLimit(ctx, r))

	ok, err := st.AdjustRateLimit(ctx, r.ID, t0, 3, 0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// Refunds never take the count below zero.
	ok, err = st.AdjustRateLimit(ctx, r.ID, t0, -5, 0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// A stale window start matches nothing.
	ok, err = st.AdjustRateLimit(ctx, r.ID, t0.Add(-time.Hour), 1, 0, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	// Reconfiguring changes the ceiling and keeps the window.
	require.NoError(t, st.UpsertRateLimit(ctx, &model.RateLimit{Scope: model.ScopeOrganization, ScopeID: "org-1",
		Type: model.LimitMessagesPerHour, Limit: 20, WindowStart: t0.Add(time.Minute), WindowEnd: end.Add(time.Minute), UpdatedAt: t0}))

	rows, err := st.ListRateLimits(ctx, model.ScopeOrganization, "org-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, r.ID, rows[0].ID)
	assert.InDelta(t, 20.0, rows[0].Limit, 1e-9)
	assert.Equal(t, 0, rows[0].CurrentCount)
	assert.True(t, rows[0].WindowStart.Equal(t0))

	expired, err := st.ListExpiredRateLimits(ctx, end.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, expired)
	expired, err = st.ListExpiredRateLimits(ctx, end)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	renewed, err := st.RenewRateLimitWindow(ctx, r.ID, end, end, end.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, renewed)
	renewed, err = st.RenewRateLimitWindow(ctx, r.ID, end, end, end.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, renewed)
}

func TestSQLite_UsageAndBudgets(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	total, err := st.SumUsage(ctx, "org-1", t0)
	require.NoError(t, err)
	assert.Zero(t, total)

	for i, cost := range []float64{0.25, 0.5, 1.0} {
		require.NoError(t, st.InsertUsage(ctx, &model.UsageRecord{OrgID: "org-1", Provider: "anthropic", Model: "claude-haiku-4-5",
			Operation: "extract", InputTokens: 1000, OutputTokens: 200, CostUSD: cost, CreatedAt: t0.Add(time.Duration(i) * time.Hour)}))
	}
	total, err = st.SumUsage(ctx, "org-1", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 1.5, total, 1e-9)

	require.NoError(t, st.UpsertBudget(ctx, &model.OrgBudget{OrgID: "org-1", DailyLimitUSD: 10, MonthlyLimitUSD: 200, AlertThresholdPct: 80, Enabled: true}))
	require.NoError(t, st.UpsertBudget(ctx, &model.OrgBudget{OrgID: "org-1", DailyLimitUSD: 12, MonthlyLimitUSD: 200, AlertThresholdPct: 80, Enabled: true}))
	budgets, err := st.ListBudgets(ctx)
	require.NoError(t, err)
	require.Len(t, budgets, 1)
	assert.InDelta(t, 12.0, budgets[0].DailyLimitUSD, 1e-9)
	assert.True(t, budgets[0].Enabled)
}

// --- Alerts and health metrics ---

func TestSQLite_CostAlertDedupe(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertCostAlert(ctx, &model.CostAlert{OrgID: "org-1", Type: model.CostAlertDaily,
		Severity: model.AlertWarning, SpendUSD: 8.5, BudgetUSD: 10, Percent: 85, Message: "Daily spend", CreatedAt: t0}))

	found, err := st.HasCostAlertSince(ctx, "org-1", model.CostAlertDaily, model.AlertWarning, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, found)

	found, err = st.HasCostAlertSince(ctx, "org-1", model.CostAlertDaily, model.AlertCritical, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, found)

	found, err = st.HasCostAlertSince(ctx, "org-1", model.CostAlertDaily, model.AlertWarning, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSQLite_PipelineAlerts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := &model.PipelineAlert{Type: model.AlertQueueDepth, Severity: model.AlertWarning, Message: "queue depth 80",
		Details: map[string]any{"queue_depth": 80}, CreatedAt: t0}
	require.NoError(t, st.InsertPipelineAlert(ctx, a))

	open, err := st.HasOpenPipelineAlert(ctx, model.AlertQueueDepth)
	require.NoError(t, err)
	assert.True(t, open)

	require.NoError(t, st.AcknowledgePipelineAlert(ctx, a.ID, t0.Add(time.Minute)))
	open, err = st.HasOpenPipelineAlert(ctx, model.AlertQueueDepth)
	require.NoError(t, err)
	assert.False(t, open)

	err = st.AcknowledgePipelineAlert(ctx, "missing", t0)
	assert.True(t, model.IsNotFound(err))
}

func TestSQLite_HealthMetrics(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	latest, err := st.LatestArtifactAt(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	seedArtifact(t, st, "a-1", model.ArtifactCompleted, t0)
	seedArtifact(t, st, "a-2", model.ArtifactFailed, t0.Add(time.Minute))
	seedArtifact(t, st, "a-3", model.ArtifactProcessing, t0.Add(2*time.Minute))
	seedArtifact(t, st, "a-4", model.ArtifactCompleted, t0.Add(-2*time.Hour))

	counts, err := st.CountArtifactsByStatus(ctx, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.ArtifactCompleted])
	assert.Equal(t, 1, counts[model.ArtifactFailed])
	assert.Equal(t, 1, counts[model.ArtifactProcessing])

	queued, err := st.CountQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	latest, err = st.LatestArtifactAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Equal(t0.Add(2*time.Minute)))

	d := seedDraft(t, st, "d-1", t0)
	require.NoError(t, st.SaveResolution(ctx, &model.EntityResolution{ID: d.ResolutionID, ClaimID: d.ClaimID,
		Confidence: 0.6, Status: model.ResolutionAmbiguous, Source: model.SourceFuzzy, CreatedAt: t0}))
	backlog, err := st.CountAmbiguousBacklog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, backlog)
}
