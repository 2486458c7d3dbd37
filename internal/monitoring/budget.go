package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coach-insights/internal/config"
	"github.com/sells-group/coach-insights/internal/lock"
	"github.com/sells-group/coach-insights/internal/model"
	"github.com/sells-group/coach-insights/internal/telemetry"
)

// Budget windows are rolling.
const (
	dailyWindow   = 24 * time.Hour
	monthlyWindow = 30 * 24 * time.Hour
)

// BudgetStore reads budgets and spend and records cost alerts.
type BudgetStore interface {
	ListBudgets(ctx context.Context) ([]model.OrgBudget, error)
	SumUsage(ctx context.Context, orgID string, since time.Time) (float64, error)
	HasCostAlertSince(ctx context.Context, orgID string, typ model.CostAlertType, sev model.AlertSeverity, since time.Time) (bool, error)
	InsertCostAlert(ctx context.Context, a *model.CostAlert) error
}

// BudgetSweeper raises cost alerts when an org's spend crosses its budget.
type BudgetSweeper struct {
	store      BudgetStore
	locker     lock.Locker
	dedupe     time.Duration
	defaultPct float64
	alerter    *Alerter
	inst       *telemetry.Instruments
	log        *zap.Logger
}

// BudgetOption configures a BudgetSweeper.
type BudgetOption func(*BudgetSweeper)

// WithBudgetAlerter delivers new cost alerts through a.
func WithBudgetAlerter(a *Alerter) BudgetOption {
	return func(s *BudgetSweeper) { s.alerter = a }
}

// WithBudgetInstruments counts raised alerts.
func WithBudgetInstruments(inst *telemetry.Instruments) BudgetOption {
	return func(s *BudgetSweeper) { s.inst = inst }
}

// NewBudgetSweeper creates a BudgetSweeper.
func NewBudgetSweeper(store BudgetStore, locker lock.Locker, cfg config.BudgetConfig, opts ...BudgetOption) *BudgetSweeper {
	dedupe := time.Duration(cfg.DedupeMinutes) * time.Minute
	if dedupe <= 0 {
		dedupe = 60 * time.Minute
	}
	pct := cfg.DefaultThresholdPct
	if pct <= 0 {
		pct = 80
	}
	s := &BudgetSweeper{
		store:      store,
		locker:     locker,
		dedupe:     dedupe,
		defaultPct: pct,
		log:        zap.L().With(zap.String("component", "monitoring.budget")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Band returns the severity spend falls into for a budget, or false when it
// is below the warning threshold. The bands do not overlap.
func Band(spend, limit, thresholdPct float64) (model.AlertSeverity, float64, bool) {
	if limit <= 0 {
		return "", 0, false
	}
	pct := spend / limit * 100
	switch {
	case pct >= 100:
		return model.AlertCritical, pct, true
	case pct >= thresholdPct:
		return model.AlertWarning, pct, true
	default:
		return "", pct, false
	}
}

type budgetCheck struct {
	typ    model.CostAlertType
	window time.Duration
	limit  float64
}

// Sweep evaluates every enabled budget and returns the alerts it created.
// Each org gets a daily and a monthly check with warning and critical
// bands. An alert already raised for the same org, type and severity
// within the dedupe window suppresses a new one.
func (s *BudgetSweeper) Sweep(ctx context.Context, now time.Time) ([]model.CostAlert, error) {
	now = now.UTC()
	budgets, err := s.store.ListBudgets(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list budgets")
	}

	var created []model.CostAlert
	for _, b := range budgets {
		if !b.Enabled {
			continue
		}
		pct := b.AlertThresholdPct
		if pct <= 0 {
			pct = s.defaultPct
		}
		checks := []budgetCheck{
			{model.CostAlertDaily, dailyWindow, b.DailyLimitUSD},
			{model.CostAlertMonthly, monthlyWindow, b.MonthlyLimitUSD},
		}
		for _, c := range checks {
			if c.limit <= 0 {
				continue
			}
			spend, err := s.store.SumUsage(ctx, b.OrgID, now.Add(-c.window))
			if err != nil {
				return created, eris.Wrapf(err, "monitoring: sum usage for org %s", b.OrgID)
			}
			sev, percent, hit := Band(spend, c.limit, pct)
			if !hit {
				continue
			}
			alert, err := s.raise(ctx, b.OrgID, c, sev, spend, percent, now)
			if err != nil {
				return created, err
			}
			if alert != nil {
				created = append(created, *alert)
			}
		}
	}

	if len(created) > 0 && s.alerter != nil {
		notes := make([]Notification, 0, len(created))
		for i := range created {
			notes = append(notes, FromCostAlert(&created[i]))
		}
		s.alerter.SendAlerts(ctx, notes)
	}
	return created, nil
}

func (s *BudgetSweeper) raise(ctx context.Context, orgID string, c budgetCheck, sev model.AlertSeverity, spend, pct float64, now time.Time) (*model.CostAlert, error) {
	key := fmt.Sprintf("costalert:%s:%s:%s", orgID, c.typ, sev)
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: lock %s", key)
	}
	defer unlock()

	exists, err := s.store.HasCostAlertSince(ctx, orgID, c.typ, sev, now.Add(-s.dedupe))
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: check recent alerts for %s", key)
	}
	if exists {
		return nil, nil
	}

	label := "Daily"
	if c.typ == model.CostAlertMonthly {
		label = "Monthly"
	}
	alert := &model.CostAlert{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		Type:      c.typ,
		Severity:  sev,
		SpendUSD:  spend,
		BudgetUSD: c.limit,
		Percent:   pct,
		Message:   fmt.Sprintf("%s spend $%.2f is %.1f%% of the $%.2f budget", label, spend, pct, c.limit),
		CreatedAt: now,
	}
	if err := s.store.InsertCostAlert(ctx, alert); err != nil {
		return nil, eris.Wrapf(err, "monitoring: insert cost alert %s", key)
	}
	s.inst.AlertRaised(ctx, string(c.typ), string(sev))
	s.log.Warn("budget alert raised",
		zap.String("org_id", orgID),
		zap.String("type", string(c.typ)),
		zap.String("severity", string(sev)),
		zap.Float64("spend_usd", spend),
		zap.Float64("percent", pct),
	)
	return alert, nil
}
