package trust

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/coach-insights/internal/lock"
	"github.com/sells-group/coach-insights/internal/model"
)

type memStore struct {
	mu       sync.Mutex
	profiles map[string]*model.TrustProfile
	events   map[string][]model.OverrideEvent
	counts   map[string]model.VerdictCounts
	listErr  error
}

func newMemStore() *memStore {
	return &memStore{
		profiles: map[string]*model.TrustProfile{},
		events:   map[string][]model.OverrideEvent{},
		counts:   map[string]model.VerdictCounts{},
	}
}

func (m *memStore) GetTrustProfile(_ context.Context, coachID string) (*model.TrustProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[coachID]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *p
	cp.Thresholds = map[model.Sensitivity]float64{}
	for k, v := range p.Thresholds {
		cp.Thresholds[k] = v
	}
	cp.PreferredThresholds = map[model.Sensitivity]float64{}
	for k, v := range p.PreferredThresholds {
		cp.PreferredThresholds[k] = v
	}
	return &cp, nil
}

func (m *memStore) SaveTrustProfile(_ context.Context, p *model.TrustProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.profiles[p.CoachID] = &cp
	return nil
}

func (m *memStore) ListCoachIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var ids []string
	for id := range m.counts {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memStore) ListOverrideEvents(_ context.Context, coachID string, since time.Time) ([]model.OverrideEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.OverrideEvent
	for _, ev := range m.events[coachID] {
		if ev.CreatedAt.After(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memStore) CountCoachVerdicts(_ context.Context, coachID string) (model.VerdictCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[coachID], nil
}

var now = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

// addCandidates appends n candidate verdicts of the given action.
func (m *memStore) addCandidates(coachID string, cat model.Sensitivity, action model.OverrideAction, n int) {
	for i := 0; i < n; i++ {
		m.events[coachID] = append(m.events[coachID], model.OverrideEvent{
			ID:           fmt.Sprintf("%s-%s-%d", coachID, action, len(m.events[coachID])),
			CoachID:      coachID,
			Action:       action,
			Category:     cat,
			WasCandidate: true,
			CreatedAt:    now.Add(-time.Duration(len(m.events[coachID])+1) * time.Minute),
		})
	}
}

func newTestAdapter(store *memStore) *Adapter {
	a := NewAdapter(store, lock.NewKeyedMutex(), DefaultConfig())
	a.nowFunc = func() time.Time { return now }
	return a
}

func TestRecompute_NeedsEvidence(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.addCandidates("coach-1", model.SensitivityNormal, model.ActionDismiss, 9)

	p, err := newTestAdapter(store).Recompute(context.Background(), "coach-1")
	require.NoError(t, err)
	assert.Empty(t, p.Thresholds)
	assert.Nil(t, p.LastAdaptedAt)
}

func TestRecompute_RaisesOnOverrides(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.addCandidates("coach-1", model.SensitivityNormal, model.ActionApply, 6)
	store.addCandidates("coach-1", model.SensitivityNormal, model.ActionEdit, 4)

	p, err := newTestAdapter(store).Recompute(context.Background(), "coach-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.90, p.Thresholds[model.SensitivityNormal], 1e-9)
	require.NotNil(t, p.LastAdaptedAt)
}

func TestRecompute_LowersOnAgreement(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.addCandidates("coach-1", model.SensitivityNormal, model.ActionApply, 12)

	p, err := newTestAdapter(store).Recompute(context.Background(), "coach-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.83, p.Thresholds[model.SensitivityNormal], 1e-9)
}

func TestRecompute_Holds(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	// 9/10 agreement: overrides present but agreement above the raise bar.
	store.addCandidates("coach-1", model.SensitivityNormal, model.ActionApply, 9)
	store.addCandidates("coach-1", model.SensitivityNormal, model.ActionDismiss, 1)

	p, err := newTestAdapter(store).Recompute(context.Background(), "coach-1")
	require.NoError(t, err)
	_, ok := p.Thresholds[model.SensitivityNormal]
	assert.False(t, ok)
}

func TestRecompute_OncePerInterval(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.addCandidates("coach-1", model.SensitivityNormal, model.ActionDismiss, 10)
	a := newTestAdapter(store)

	p, err := a.Recompute(context.Background(), "coach-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.90, p.Thresholds[model.SensitivityNormal], 1e-9)

	a.nowFunc = func() time.Time { return now.Add(time.Hour) }
	p, err = a.Recompute(context.Background(), "coach-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.90, p.Thresholds[model.SensitivityNormal], 1e-9)

	a.nowFunc = func() time.Time { return now.Add(25 * time.Hour) }
	p, err = a.Recompute(context.Background(), "coach-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.95, p.Thresholds[model.SensitivityNormal], 1e-9)
}

func TestRecompute_Bounds(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.profiles["coach-1"] = &model.TrustProfile{
		CoachID:    "coach-1",
		Thresholds: map[model.Sensitivity]float64{model.SensitivityNormal: 0.97},
	}
	store.profiles["coach-2"] = &model.TrustProfile{
		CoachID:    "coach-2",
		Thresholds: map[model.Sensitivity]float64{model.SensitivityNormal: 0.71},
	}
	store.addCandidates("coach-1", model.SensitivityNormal, model.ActionDismiss, 10)
	store.addCandidates("coach-2", model.SensitivityNormal, model.ActionApply, 10)
	a := newTestAdapter(store)

	p, err := a.Recompute(context.Background(), "coach-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.99, p.Thresholds[model.SensitivityNormal], 1e-9)

	p, err = a.Recompute(context.Background(), "coach-2")
	require.NoError(t, err)
	assert.InDelta(t, 0.70, p.Thresholds[model.SensitivityNormal], 1e-9)
}

func TestRecompute_PreferredWins(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.addCandidates("coach-1", model.SensitivityNormal, model.ActionDismiss, 10)
	a := newTestAdapter(store)

	pref := 0.75
	_, err := a.SetPreferredThreshold(context.Background(), "coach-1", model.SensitivityNormal, &pref)
	require.NoError(t, err)

	p, err := a.Recompute(context.Background(), "coach-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.90, p.Thresholds[model.SensitivityNormal], 1e-9)
	assert.InDelta(t, 0.75, p.EffectiveThreshold(model.SensitivityNormal, 0.85), 1e-9)

	_, err = a.SetPreferredThreshold(context.Background(), "coach-1", model.SensitivityNormal, nil)
	require.NoError(t, err)
	p, err = a.Profile(context.Background(), "coach-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.90, p.EffectiveThreshold(model.SensitivityNormal, 0.85), 1e-9)
}

func TestSetPreferred_Validation(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(newMemStore())

	bad := 1.5
	_, err := a.SetPreferredThreshold(context.Background(), "coach-1", model.SensitivityNormal, &bad)
	assert.True(t, model.IsValidation(err))

	ok := 0.9
	_, err = a.SetPreferredThreshold(context.Background(), "coach-1", model.Sensitivity("mood"), &ok)
	assert.True(t, model.IsValidation(err))

	level := model.TrustLevel(7)
	_, err = a.SetPreferredLevel(context.Background(), "coach-1", &level)
	assert.True(t, model.IsValidation(err))
}

func TestEarnedLevel(t *testing.T) {
	t.Parallel()

	expert := model.TrustLevelExpert
	tests := []struct {
		name      string
		counts    model.VerdictCounts
		preferred *model.TrustLevel
		want      model.TrustLevel
	}{
		{"new coach", model.VerdictCounts{Approvals: 3}, nil, model.TrustLevelNone},
		{"learning", model.VerdictCounts{Approvals: 10, Dismissals: 10}, nil, model.TrustLevelLearning},
		{"trusted", model.VerdictCounts{Approvals: 60, Dismissals: 5}, nil, model.TrustLevelTrusted},
		{"too many suppressed", model.VerdictCounts{Approvals: 60, Dismissals: 10}, nil, model.TrustLevelLearning},
		{"expert needs opt-in", model.VerdictCounts{Approvals: 250}, nil, model.TrustLevelTrusted},
		{"expert", model.VerdictCounts{Approvals: 250, Dismissals: 2}, &expert, model.TrustLevelExpert},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, EarnedLevel(tt.counts, tt.preferred))
		})
	}
}

func TestRecompute_LevelHistory(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.counts["coach-1"] = model.VerdictCounts{Approvals: 55, Dismissals: 1}
	a := newTestAdapter(store)

	p, err := a.Recompute(context.Background(), "coach-1")
	require.NoError(t, err)
	assert.Equal(t, model.TrustLevelTrusted, p.Level)
	require.Len(t, p.LevelHistory, 1)
	assert.Equal(t, model.TrustLevelNone, p.LevelHistory[0].From)
	assert.Contains(t, p.LevelHistory[0].Reason, "55 approvals")

	capped := model.TrustLevelLearning
	p, err = a.SetPreferredLevel(context.Background(), "coach-1", &capped)
	require.NoError(t, err)
	assert.Equal(t, model.TrustLevelLearning, p.EffectiveLevel())

	// Unchanged counts append nothing.
	p, err = a.Recompute(context.Background(), "coach-1")
	require.NoError(t, err)
	assert.Len(t, p.LevelHistory, 1)
}

func TestRecompute_ConsecutiveApprovals(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	// Newest first: 3 approvals, then a dismissal, then more approvals.
	store.addCandidates("coach-1", model.SensitivityNormal, model.ActionApply, 3)
	store.addCandidates("coach-1", model.SensitivityNormal, model.ActionDismiss, 1)
	store.addCandidates("coach-1", model.SensitivityNormal, model.ActionApply, 4)

	p, err := newTestAdapter(store).Recompute(context.Background(), "coach-1")
	require.NoError(t, err)
	assert.Equal(t, 3, p.ConsecutiveApprovals)
}

func TestRecomputeAll(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.counts["coach-1"] = model.VerdictCounts{Approvals: 12}
	store.counts["coach-2"] = model.VerdictCounts{}

	n, err := newTestAdapter(store).RecomputeAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, model.TrustLevelLearning, store.profiles["coach-1"].Level)

	store.listErr = assert.AnError
	_, err = newTestAdapter(store).RecomputeAll(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}
