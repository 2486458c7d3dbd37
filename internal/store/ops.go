package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/coach-insights/internal/db"
	"github.com/sells-group/coach-insights/internal/model"
)

const (
	healthCols = `provider, circuit_state, failure_count, last_success_at, last_failure_at, last_checked_at, probe_started_at`

	qGetServiceHealth = `SELECT ` + healthCols + ` FROM service_health WHERE provider = $1`

	rateLimitCols = `id, scope, scope_id, limit_type, limit_value, current_count, current_cost,
	window_start, window_end, updated_at`

	qListRateLimits = `SELECT ` + rateLimitCols + ` FROM rate_limits WHERE scope = $1 AND scope_id = $2 ORDER BY limit_type`

	qAdjustRateLimit = `UPDATE rate_limits SET
	current_count = CASE WHEN current_count + $1 < 0 THEN 0 ELSE current_count + $1 END,
	current_cost = CASE WHEN current_cost + $2 < 0 THEN 0 ELSE current_cost + $2 END,
	updated_at = $3
	WHERE id = $4 AND window_start = $5`

	qRenewRateLimit = `UPDATE rate_limits SET current_count = 0, current_cost = 0, window_start = $1, window_end = $2,
	updated_at = $1 WHERE id = $3 AND window_end = $4`

	qInsertUsage = `INSERT INTO usage_records
	(id, org_id, provider, model, operation, input_tokens, output_tokens, cost_usd, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	qSumUsage = `SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records WHERE org_id = $1 AND created_at >= $2`
)

var (
	upsertHealthSQL = db.MustUpsertSQL(db.UpsertConfig{
		Table: "service_health",
		Columns: []string{
			"provider", "circuit_state", "failure_count", "last_success_at", "last_failure_at",
			"last_checked_at", "probe_started_at",
		},
		ConflictKeys: []string{"provider"},
	})

	upsertRateLimitSQL = db.MustUpsertSQL(db.UpsertConfig{
		Table: "rate_limits",
		Columns: []string{
			"id", "scope", "scope_id", "limit_type", "limit_value", "current_count", "current_cost",
			"window_start", "window_end", "updated_at",
		},
		ConflictKeys: []string{"scope", "scope_id", "limit_type"},
		UpdateCols:   []string{"limit_value", "updated_at"},
	})

	upsertBudgetSQL = db.MustUpsertSQL(db.UpsertConfig{
		Table:        "org_budgets",
		Columns:      []string{"org_id", "daily_limit_usd", "monthly_limit_usd", "alert_threshold_pct", "enabled"},
		ConflictKeys: []string{"org_id"},
	})
)

// --- Provider health ---

func (s *sqlStore) GetServiceHealth(ctx context.Context, provider string) (*model.ServiceHealth, error) {
	h, err := scanHealth(s.c.queryRow(ctx, qGetServiceHealth, provider))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "store: service health %s", provider)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get service health %s", provider)
	}
	return h, nil
}

func scanHealth(r row) (*model.ServiceHealth, error) {
	var h model.ServiceHealth
	var state string
	err := r.Scan(&h.Provider, &state, &h.FailureCount, &h.LastSuccessAt, &h.LastFailureAt,
		&h.LastCheckedAt, &h.ProbeStartedAt)
	if err != nil {
		return nil, err
	}
	h.State = model.CircuitState(state)
	return &h, nil
}

func (s *sqlStore) SaveServiceHealth(ctx context.Context, h *model.ServiceHealth) error {
	_, err := s.c.exec(ctx, upsertHealthSQL,
		h.Provider, string(h.State), h.FailureCount, h.LastSuccessAt, h.LastFailureAt, h.LastCheckedAt, h.ProbeStartedAt)
	return eris.Wrapf(err, "store: save service health %s", h.Provider)
}

func (s *sqlStore) ListServiceHealth(ctx context.Context) ([]model.ServiceHealth, error) {
	r, err := s.c.query(ctx, `SELECT `+healthCols+` FROM service_health ORDER BY provider`)
	if err != nil {
		return nil, eris.Wrap(err, "store: list service health")
	}
	return collect(r, func(r row) (model.ServiceHealth, error) {
		h, err := scanHealth(r)
		if err != nil {
			return model.ServiceHealth{}, eris.Wrap(err, "store: scan service health")
		}
		return *h, nil
	})
}

// --- Rate limits ---

func scanRateLimit(r row) (model.RateLimit, error) {
	var rl model.RateLimit
	var scope, typ string
	err := r.Scan(&rl.ID, &scope, &rl.ScopeID, &typ, &rl.Limit, &rl.CurrentCount, &rl.CurrentCost,
		&rl.WindowStart, &rl.WindowEnd, &rl.UpdatedAt)
	if err != nil {
		return rl, eris.Wrap(err, "store: scan rate limit")
	}
	rl.Scope = model.LimitScope(scope)
	rl.Type = model.LimitType(typ)
	return rl, nil
}

func (s *sqlStore) ListRateLimits(ctx context.Context, scope model.LimitScope, scopeID string) ([]model.RateLimit, error) {
	r, err := s.c.query(ctx, qListRateLimits, string(scope), scopeID)
	if err != nil {
		return nil, eris.Wrapf(err, "store: list rate limits %s/%s", scope, scopeID)
	}
	return collect(r, scanRateLimit)
}

// AdjustRateLimit adds the deltas to the row while its window still starts
// at windowStart. Neither counter drops below zero.
func (s *sqlStore) AdjustRateLimit(ctx context.Context, id string, windowStart time.Time, deltaCount int, deltaCost float64, now time.Time) (bool, error) {
	n, err := s.c.exec(ctx, qAdjustRateLimit, deltaCount, deltaCost, now, id, windowStart)
	if err != nil {
		return false, eris.Wrapf(err, "store: adjust rate limit %s", id)
	}
	return n > 0, nil
}

func (s *sqlStore) ListExpiredRateLimits(ctx context.Context, now time.Time) ([]model.RateLimit, error) {
	r, err := s.c.query(ctx, `SELECT `+rateLimitCols+` FROM rate_limits WHERE window_end <= $1 ORDER BY window_end, id`, now)
	if err != nil {
		return nil, eris.Wrap(err, "store: list expired rate limits")
	}
	return collect(r, scanRateLimit)
}

func (s *sqlStore) RenewRateLimitWindow(ctx context.Context, id string, prevEnd, start, end time.Time) (bool, error) {
	n, err := s.c.exec(ctx, qRenewRateLimit, start, end, id, prevEnd)
	if err != nil {
		return false, eris.Wrapf(err, "store: renew rate limit %s", id)
	}
	return n > 0, nil
}

// UpsertRateLimit inserts the row or, when one exists for the scope and
// type, changes only its ceiling. Usage in the open window is kept.
func (s *sqlStore) UpsertRateLimit(ctx context.Context, r *model.RateLimit) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.c.exec(ctx, upsertRateLimitSQL,
		r.ID, string(r.Scope), r.ScopeID, string(r.Type), r.Limit, r.CurrentCount, r.CurrentCost,
		r.WindowStart, r.WindowEnd, r.UpdatedAt)
	return eris.Wrapf(err, "store: upsert rate limit %s", r.Key())
}

// --- Usage ---

func (s *sqlStore) InsertUsage(ctx context.Context, u *model.UsageRecord) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	_, err := s.c.exec(ctx, qInsertUsage,
		u.ID, u.OrgID, u.Provider, u.Model, u.Operation, u.InputTokens, u.OutputTokens, u.CostUSD, u.CreatedAt)
	return eris.Wrapf(err, "store: insert usage %s", u.ID)
}

func (s *sqlStore) SumUsage(ctx context.Context, orgID string, since time.Time) (float64, error) {
	var total float64
	if err := s.c.queryRow(ctx, qSumUsage, orgID, since).Scan(&total); err != nil {
		return 0, eris.Wrapf(err, "store: sum usage for %s", orgID)
	}
	return total, nil
}

// --- Budgets and cost alerts ---

func (s *sqlStore) ListBudgets(ctx context.Context) ([]model.OrgBudget, error) {
	r, err := s.c.query(ctx, `SELECT org_id, daily_limit_usd, monthly_limit_usd, alert_threshold_pct, enabled
		FROM org_budgets ORDER BY org_id`)
	if err != nil {
		return nil, eris.Wrap(err, "store: list budgets")
	}
	return collect(r, func(r row) (model.OrgBudget, error) {
		var b model.OrgBudget
		err := r.Scan(&b.OrgID, &b.DailyLimitUSD, &b.MonthlyLimitUSD, &b.AlertThresholdPct, &b.Enabled)
		return b, eris.Wrap(err, "store: scan budget")
	})
}

func (s *sqlStore) UpsertBudget(ctx context.Context, b *model.OrgBudget) error {
	_, err := s.c.exec(ctx, upsertBudgetSQL, b.OrgID, b.DailyLimitUSD, b.MonthlyLimitUSD, b.AlertThresholdPct, b.Enabled)
	return eris.Wrapf(err, "store: upsert budget %s", b.OrgID)
}

func (s *sqlStore) HasCostAlertSince(ctx context.Context, orgID string, typ model.CostAlertType, sev model.AlertSeverity, since time.Time) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM cost_alerts
		WHERE org_id = $1 AND alert_type = $2 AND severity = $3 AND created_at >= $4`,
		orgID, string(typ), string(sev), since)
}

func (s *sqlStore) InsertCostAlert(ctx context.Context, a *model.CostAlert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.c.exec(ctx, `INSERT INTO cost_alerts
		(id, org_id, alert_type, severity, spend_usd, budget_usd, percent, message, acknowledged, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.OrgID, string(a.Type), string(a.Severity), a.SpendUSD, a.BudgetUSD, a.Percent, a.Message,
		a.Acknowledged, a.CreatedAt)
	return eris.Wrapf(err, "store: insert cost alert %s", a.ID)
}

// --- Pipeline alerts ---

func (s *sqlStore) HasOpenPipelineAlert(ctx context.Context, typ model.PipelineAlertType) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM pipeline_alerts WHERE alert_type = $1 AND acknowledged = false`, string(typ))
}

func (s *sqlStore) InsertPipelineAlert(ctx context.Context, a *model.PipelineAlert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	details, err := marshalJSON(orEmptyMap(a.Details))
	if err != nil {
		return err
	}
	_, err = s.c.exec(ctx, `INSERT INTO pipeline_alerts
		(id, alert_type, severity, message, details, acknowledged, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, string(a.Type), string(a.Severity), a.Message, details, a.Acknowledged, a.CreatedAt)
	return eris.Wrapf(err, "store: insert pipeline alert %s", a.ID)
}

func (s *sqlStore) AcknowledgePipelineAlert(ctx context.Context, id string, at time.Time) error {
	n, err := s.c.exec(ctx,
		`UPDATE pipeline_alerts SET acknowledged = true, acknowledged_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return eris.Wrapf(err, "store: acknowledge pipeline alert %s", id)
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "store: pipeline alert %s", id)
	}
	return nil
}

// --- Health metrics ---

func (s *sqlStore) CountArtifactsByStatus(ctx context.Context, since time.Time) (map[model.ArtifactStatus]int, error) {
	r, err := s.c.query(ctx,
		`SELECT status, COUNT(*) FROM artifacts WHERE updated_at >= $1 GROUP BY status`, since)
	if err != nil {
		return nil, eris.Wrap(err, "store: count artifacts by status")
	}
	type statusCount struct {
		status string
		n      int
	}
	counts, err := collect(r, func(r row) (statusCount, error) {
		var c statusCount
		if err := r.Scan(&c.status, &c.n); err != nil {
			return c, eris.Wrap(err, "store: scan status count")
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[model.ArtifactStatus]int, len(counts))
	for _, c := range counts {
		out[model.ArtifactStatus(c.status)] = c.n
	}
	return out, nil
}

// CountQueued counts artifacts that have not reached a terminal status.
func (s *sqlStore) CountQueued(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM artifacts WHERE status NOT IN ('completed', 'failed')`)
}

// CountAmbiguousBacklog counts pending drafts still bound to an ambiguous
// resolution.
func (s *sqlStore) CountAmbiguousBacklog(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM drafts d
		JOIN entity_resolutions r ON r.id = d.resolution_id
		WHERE d.status = 'pending' AND r.status = 'ambiguous'`)
}

func (s *sqlStore) LatestArtifactAt(ctx context.Context) (*time.Time, error) {
	var at *time.Time
	if err := s.c.queryRow(ctx, `SELECT MAX(created_at) FROM artifacts`).Scan(&at); err != nil {
		return nil, eris.Wrap(err, "store: latest artifact")
	}
	return at, nil
}
