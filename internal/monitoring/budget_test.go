package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/coach-insights/internal/config"
	"github.com/sells-group/coach-insights/internal/lock"
	"github.com/sells-group/coach-insights/internal/model"
)

var sweepNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func TestBand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		spend   float64
		limit   float64
		wantSev model.AlertSeverity
		wantHit bool
	}{
		{"below threshold", 70, 100, "", false},
		{"at threshold", 80, 100, model.AlertWarning, true},
		{"warning band", 85, 100, model.AlertWarning, true},
		{"just below critical", 99.99, 100, model.AlertWarning, true},
		{"at budget", 100, 100, model.AlertCritical, true},
		{"over budget", 150, 100, model.AlertCritical, true},
		{"no limit", 50, 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sev, _, hit := Band(tt.spend, tt.limit, 80)
			assert.Equal(t, tt.wantHit, hit)
			assert.Equal(t, tt.wantSev, sev)
		})
	}
}

func newSweeper(store *memStore) *BudgetSweeper {
	return NewBudgetSweeper(store, lock.NewKeyedMutex(), config.BudgetConfig{DefaultThresholdPct: 80, DedupeMinutes: 60})
}

func spend(store *memStore, org string, usd float64, at time.Time) {
	store.usage[org] = append(store.usage[org], model.UsageRecord{OrgID: org, CostUSD: usd, CreatedAt: at})
}

func TestSweep_WarningOnce(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.budgets = []model.OrgBudget{{OrgID: "org-1", DailyLimitUSD: 10, MonthlyLimitUSD: 1000, Enabled: true}}
	spend(store, "org-1", 8.5, sweepNow.Add(-time.Hour))
	s := newSweeper(store)

	alerts, err := s.Sweep(context.Background(), sweepNow)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.CostAlertDaily, alerts[0].Type)
	assert.Equal(t, model.AlertWarning, alerts[0].Severity)
	assert.InDelta(t, 85.0, alerts[0].Percent, 1e-9)
	assert.Contains(t, alerts[0].Message, "85.0%")

	// Second sweep inside the dedupe window at 90%.
	spend(store, "org-1", 0.5, sweepNow.Add(10*time.Minute))
	alerts, err = s.Sweep(context.Background(), sweepNow.Add(20*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Len(t, store.costAlerts, 1)

	// After the window the warning can fire again.
	alerts, err = s.Sweep(context.Background(), sweepNow.Add(61*time.Minute))
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestSweep_CriticalIsSeparateKey(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.budgets = []model.OrgBudget{{OrgID: "org-1", DailyLimitUSD: 10, Enabled: true}}
	spend(store, "org-1", 9, sweepNow.Add(-time.Hour))
	s := newSweeper(store)

	_, err := s.Sweep(context.Background(), sweepNow)
	require.NoError(t, err)

	spend(store, "org-1", 2, sweepNow.Add(time.Minute))
	alerts, err := s.Sweep(context.Background(), sweepNow.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertCritical, alerts[0].Severity)
}

func TestSweep_DailyAndMonthly(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.budgets = []model.OrgBudget{
		{OrgID: "org-1", DailyLimitUSD: 10, MonthlyLimitUSD: 100, AlertThresholdPct: 50, Enabled: true},
		{OrgID: "org-2", DailyLimitUSD: 1, MonthlyLimitUSD: 1, Enabled: false},
	}
	spend(store, "org-1", 95, sweepNow.Add(-10*24*time.Hour))
	spend(store, "org-1", 6, sweepNow.Add(-time.Hour))
	spend(store, "org-2", 50, sweepNow.Add(-time.Hour))

	alerts, err := newSweeper(store).Sweep(context.Background(), sweepNow)
	require.NoError(t, err)
	require.Len(t, alerts, 2)

	byType := map[model.CostAlertType]model.AlertSeverity{}
	for _, a := range alerts {
		assert.Equal(t, "org-1", a.OrgID)
		byType[a.Type] = a.Severity
	}
	assert.Equal(t, model.AlertWarning, byType[model.CostAlertDaily])
	assert.Equal(t, model.AlertCritical, byType[model.CostAlertMonthly])
}
