package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/coach-insights/internal/model"
)

// memStore implements every store interface the package uses.
type memStore struct {
	mu sync.Mutex

	budgets    []model.OrgBudget
	usage      map[string][]model.UsageRecord
	costAlerts []model.CostAlert

	statusCounts map[model.ArtifactStatus]int
	queued       int
	backlog      int
	latest       *time.Time
	health       []model.ServiceHealth
	countErr     error

	pipelineAlerts []model.PipelineAlert
}

func newMemStore() *memStore {
	return &memStore{
		usage:        map[string][]model.UsageRecord{},
		statusCounts: map[model.ArtifactStatus]int{},
	}
}

func (m *memStore) ListBudgets(context.Context) ([]model.OrgBudget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.OrgBudget(nil), m.budgets...), nil
}

func (m *memStore) SumUsage(_ context.Context, orgID string, since time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, u := range m.usage[orgID] {
		if !u.CreatedAt.Before(since) {
			total += u.CostUSD
		}
	}
	return total, nil
}

func (m *memStore) HasCostAlertSince(_ context.Context, orgID string, typ model.CostAlertType, sev model.AlertSeverity, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.costAlerts {
		if a.OrgID == orgID && a.Type == typ && a.Severity == sev && !a.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) InsertCostAlert(_ context.Context, a *model.CostAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.costAlerts = append(m.costAlerts, *a)
	return nil
}

func (m *memStore) CountArtifactsByStatus(context.Context, time.Time) (map[model.ArtifactStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErr != nil {
		return nil, m.countErr
	}
	out := map[model.ArtifactStatus]int{}
	for k, v := range m.statusCounts {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) CountQueued(context.Context) (int, error)           { return m.queued, nil }
func (m *memStore) CountAmbiguousBacklog(context.Context) (int, error) { return m.backlog, nil }
func (m *memStore) LatestArtifactAt(context.Context) (*time.Time, error) {
	return m.latest, nil
}

func (m *memStore) ListServiceHealth(context.Context) ([]model.ServiceHealth, error) {
	return m.health, nil
}

func (m *memStore) HasOpenPipelineAlert(_ context.Context, typ model.PipelineAlertType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.pipelineAlerts {
		if a.Type == typ && !a.Acknowledged {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) InsertPipelineAlert(_ context.Context, a *model.PipelineAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelineAlerts = append(m.pipelineAlerts, *a)
	return nil
}

func (m *memStore) AcknowledgePipelineAlert(_ context.Context, id string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pipelineAlerts {
		if m.pipelineAlerts[i].ID == id {
			m.pipelineAlerts[i].Acknowledged = true
			return nil
		}
	}
	return model.ErrNotFound
}
