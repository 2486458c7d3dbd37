package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coach-insights/internal/config"
	"github.com/sells-group/coach-insights/internal/lock"
	"github.com/sells-group/coach-insights/internal/model"
	"github.com/sells-group/coach-insights/internal/telemetry"
)

// AlertStore persists pipeline alerts.
type AlertStore interface {
	HasOpenPipelineAlert(ctx context.Context, typ model.PipelineAlertType) (bool, error)
	InsertPipelineAlert(ctx context.Context, a *model.PipelineAlert) error
	AcknowledgePipelineAlert(ctx context.Context, id string, at time.Time) error
}

// Checker collects a snapshot, raises new pipeline alerts and delivers
// them. An unacknowledged alert of the same type suppresses a new one.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	store     AlertStore
	locker    lock.Locker
	lookback  time.Duration
	inst      *telemetry.Instruments
	log       *zap.Logger
}

// NewChecker creates a pipeline health checker.
func NewChecker(collector *Collector, alerter *Alerter, store AlertStore, locker lock.Locker, cfg config.MonitoringConfig, inst *telemetry.Instruments) *Checker {
	lookback := time.Duration(cfg.LookbackMinutes) * time.Minute
	if lookback <= 0 {
		lookback = time.Hour
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		store:     store,
		locker:    locker,
		lookback:  lookback,
		inst:      inst,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
	}
}

// Check runs one health check and returns the alerts it created.
func (c *Checker) Check(ctx context.Context, now time.Time) ([]model.PipelineAlert, error) {
	snap, err := c.collector.Collect(ctx, now, c.lookback)
	if err != nil {
		return nil, err
	}

	candidates := c.alerter.Evaluate(snap)
	if len(candidates) == 0 {
		c.log.Debug("monitoring: no alerts triggered")
		return nil, nil
	}

	var created []model.PipelineAlert
	seen := map[model.PipelineAlertType]bool{}
	for i := range candidates {
		a := &candidates[i]
		// One alert per type per check, even with several open breakers.
		if seen[a.Type] {
			continue
		}
		seen[a.Type] = true

		ok, err := c.raise(ctx, a)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, *a)
		}
	}

	notes := make([]Notification, 0, len(created))
	for i := range created {
		notes = append(notes, FromPipelineAlert(&created[i]))
	}
	sent := c.alerter.SendAlerts(ctx, notes)
	c.log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(candidates)),
		zap.Int("alerts_created", len(created)),
		zap.Int("alerts_sent", sent),
	)
	return created, nil
}

func (c *Checker) raise(ctx context.Context, a *model.PipelineAlert) (bool, error) {
	key := "pipelinealert:" + string(a.Type)
	unlock, err := c.locker.Lock(ctx, key)
	if err != nil {
		return false, eris.Wrapf(err, "monitoring: lock %s", key)
	}
	defer unlock()

	open, err := c.store.HasOpenPipelineAlert(ctx, a.Type)
	if err != nil {
		return false, eris.Wrapf(err, "monitoring: check open %s alert", a.Type)
	}
	if open {
		return false, nil
	}
	if err := c.store.InsertPipelineAlert(ctx, a); err != nil {
		return false, eris.Wrapf(err, "monitoring: insert %s alert", a.Type)
	}
	c.inst.AlertRaised(ctx, string(a.Type), string(a.Severity))
	return true, nil
}

// Acknowledge marks a pipeline alert handled so the condition can alert
// again.
func (c *Checker) Acknowledge(ctx context.Context, id string, now time.Time) error {
	if err := c.store.AcknowledgePipelineAlert(ctx, id, now.UTC()); err != nil {
		return eris.Wrapf(err, "monitoring: acknowledge alert %s", id)
	}
	return nil
}
