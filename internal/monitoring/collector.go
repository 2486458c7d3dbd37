package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/coach-insights/internal/model"
)

// HealthStore reads the pipeline state the collector summarizes.
type HealthStore interface {
	CountArtifactsByStatus(ctx context.Context, since time.Time) (map[model.ArtifactStatus]int, error)
	CountQueued(ctx context.Context) (int, error)
	CountAmbiguousBacklog(ctx context.Context) (int, error)
	LatestArtifactAt(ctx context.Context) (*time.Time, error)
	ListServiceHealth(ctx context.Context) ([]model.ServiceHealth, error)
}

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Artifacts finished within the lookback window.
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	FailureRate float64 `json:"failure_rate"`

	// Non-terminal artifacts across all time.
	QueueDepth int `json:"queue_depth"`
	// Claims whose latest resolution is ambiguous and whose draft is pending.
	AmbiguousBacklog int `json:"ambiguous_backlog"`

	// Providers whose breaker is not closed.
	Breakers []model.ServiceHealth `json:"breakers,omitempty"`

	LatestArtifactAt *time.Time `json:"latest_artifact_at,omitempty"`

	LookbackMinutes int       `json:"lookback_minutes"`
	CollectedAt     time.Time `json:"collected_at"`
}

// Finished is the number of terminal artifacts in the window.
func (s *MetricsSnapshot) Finished() int {
	return s.Completed + s.Failed
}

// Collector gathers a MetricsSnapshot from the store.
type Collector struct {
	store HealthStore
}

// NewCollector creates a new metrics collector.
func NewCollector(st HealthStore) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, now time.Time, lookback time.Duration) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackMinutes: int(lookback / time.Minute),
		CollectedAt:     now.UTC(),
	}

	counts, err := c.store.CountArtifactsByStatus(ctx, now.Add(-lookback))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count artifacts")
	}
	snap.Completed = counts[model.ArtifactCompleted]
	snap.Failed = counts[model.ArtifactFailed]
	if finished := snap.Finished(); finished > 0 {
		snap.FailureRate = float64(snap.Failed) / float64(finished)
	}

	if snap.QueueDepth, err = c.store.CountQueued(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: count queued")
	}
	if snap.AmbiguousBacklog, err = c.store.CountAmbiguousBacklog(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: count ambiguous backlog")
	}
	if snap.LatestArtifactAt, err = c.store.LatestArtifactAt(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: latest artifact")
	}

	health, err := c.store.ListServiceHealth(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list service health")
	}
	for _, h := range health {
		if h.State != model.CircuitClosed && h.State != "" {
			snap.Breakers = append(snap.Breakers, h)
		}
	}
	return snap, nil
}
