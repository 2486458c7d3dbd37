// Package ratelimit enforces message and cost ceilings at platform and
// organization scope. Rows live in the store; every read-modify-write of a
// row holds its lock key.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coach-insights/internal/lock"
	"github.com/sells-group/coach-insights/internal/model"
)

// ReasonWithinLimits is the reason reported by a passing check.
const ReasonWithinLimits = "within_limits"

// Store persists rate-limit rows.
type Store interface {
	ListRateLimits(ctx context.Context, scope model.LimitScope, scopeID string) ([]model.RateLimit, error)
	// AdjustRateLimit adds the deltas to a row whose window still starts at
	// windowStart. The count never drops below zero. It reports whether the
	// row was updated.
	AdjustRateLimit(ctx context.Context, id string, windowStart time.Time, deltaCount int, deltaCost float64, now time.Time) (bool, error)
	ListExpiredRateLimits(ctx context.Context, now time.Time) ([]model.RateLimit, error)
	// RenewRateLimitWindow zeroes the counters and moves the window when the
	// row still ends at prevEnd. It reports whether the row was renewed.
	RenewRateLimitWindow(ctx context.Context, id string, prevEnd, start, end time.Time) (bool, error)
	UpsertRateLimit(ctx context.Context, r *model.RateLimit) error
}

// Check is the outcome of evaluating the active limits for an org.
type Check struct {
	Allowed   bool             `json:"allowed"`
	Reason    string           `json:"reason"`
	Scope     model.LimitScope `json:"scope,omitempty"`
	Type      model.LimitType  `json:"limit_type,omitempty"`
	ResetAt   *time.Time       `json:"reset_at,omitempty"`
	Remaining *int             `json:"remaining_messages,omitempty"`
}

// ExceededError is returned when a limit denies a call.
type ExceededError struct {
	Scope   model.LimitScope
	Type    model.LimitType
	Reason  string
	ResetAt time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s (resets %s)", e.Reason, e.ResetAt.Format(time.RFC3339))
}

// Evaluate applies the limits in order: every platform row, then every org
// row. Expired windows are skipped. The first violated row denies.
func Evaluate(platform, org []model.RateLimit, now time.Time) Check {
	for _, group := range [][]model.RateLimit{platform, org} {
		for i := range group {
			r := &group[i]
			if r.Expired(now) || !r.Type.Valid() || !r.Exceeded() {
				continue
			}
			resetAt := r.WindowEnd
			c := Check{
				Allowed: false,
				Reason:  fmt.Sprintf("%s_%s_exceeded", r.Scope.ReasonPrefix(), r.Type),
				Scope:   r.Scope,
				Type:    r.Type,
				ResetAt: &resetAt,
			}
			if !r.Type.IsCost() {
				zero := 0
				c.Remaining = &zero
			}
			return c
		}
	}

	var remaining *int
	for _, group := range [][]model.RateLimit{platform, org} {
		for i := range group {
			r := &group[i]
			if r.Expired(now) || !r.Type.Valid() || r.Type.IsCost() {
				continue
			}
			left := int(math.Floor(r.Limit)) - r.CurrentCount
			if remaining == nil || left < *remaining {
				remaining = &left
			}
		}
	}
	return Check{Allowed: true, Reason: ReasonWithinLimits, Remaining: remaining}
}

// Err returns the ExceededError for a denied check, or nil.
func (c Check) Err() error {
	if c.Allowed {
		return nil
	}
	e := &ExceededError{Scope: c.Scope, Type: c.Type, Reason: c.Reason}
	if c.ResetAt != nil {
		e.ResetAt = *c.ResetAt
	}
	return e
}

// Limiter checks and accounts provider usage against the stored limits.
type Limiter struct {
	store  Store
	locker lock.Locker
	log    *zap.Logger

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewLimiter creates a Limiter.
func NewLimiter(store Store, locker lock.Locker) *Limiter {
	return &Limiter{
		store:   store,
		locker:  locker,
		log:     zap.L().With(zap.String("component", "ratelimit")),
		nowFunc: time.Now,
	}
}

func (l *Limiter) load(ctx context.Context, orgID string) (platform, org []model.RateLimit, err error) {
	platform, err = l.store.ListRateLimits(ctx, model.ScopePlatform, model.PlatformScopeID)
	if err != nil {
		return nil, nil, eris.Wrap(err, "ratelimit: list platform limits")
	}
	org, err = l.store.ListRateLimits(ctx, model.ScopeOrganization, orgID)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "ratelimit: list limits for org %s", orgID)
	}
	sortRows(platform)
	sortRows(org)
	return platform, org, nil
}

func sortRows(rows []model.RateLimit) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Type < rows[j].Type })
}

func activeRows(now time.Time, groups ...[]model.RateLimit) []model.RateLimit {
	var out []model.RateLimit
	for _, g := range groups {
		for _, r := range g {
			if !r.Expired(now) && r.Type.Valid() {
				out = append(out, r)
			}
		}
	}
	return out
}

func rowKeys(rows []model.RateLimit) []string {
	keys := make([]string, len(rows))
	for i := range rows {
		keys[i] = rows[i].Key()
	}
	return keys
}

// CheckRateLimit evaluates the limits for orgID without changing them.
func (l *Limiter) CheckRateLimit(ctx context.Context, orgID string) (Check, error) {
	platform, org, err := l.load(ctx, orgID)
	if err != nil {
		return Check{}, err
	}
	return Evaluate(platform, org, l.nowFunc().UTC()), nil
}

// IncrementRateLimit adds one message and cost to every active row in both
// scopes. It is the after-success half of check-then-increment.
func (l *Limiter) IncrementRateLimit(ctx context.Context, orgID string, cost float64) error {
	platform, org, err := l.load(ctx, orgID)
	if err != nil {
		return err
	}
	now := l.nowFunc().UTC()
	rows := activeRows(now, platform, org)

	unlock, err := lock.LockAll(ctx, l.locker, rowKeys(rows)...)
	if err != nil {
		return eris.Wrap(err, "ratelimit: lock rows")
	}
	defer unlock()

	for _, r := range rows {
		if _, err := l.store.AdjustRateLimit(ctx, r.ID, r.WindowStart, 1, cost, now); err != nil {
			return eris.Wrapf(err, "ratelimit: increment %s", r.Key())
		}
	}
	return nil
}

// Reservation holds one message unit on each active row until the call it
// guards finishes.
type Reservation struct {
	limiter *Limiter
	rows    []model.RateLimit
	done    bool
}

// Reserve checks the limits for orgID and, when allowed, takes one message
// unit on every active row while holding their locks. A denied check returns
// an ExceededError alongside the check.
func (l *Limiter) Reserve(ctx context.Context, orgID string) (*Reservation, Check, error) {
	const maxAttempts = 3

	for attempt := 0; attempt < maxAttempts; attempt++ {
		platform, org, err := l.load(ctx, orgID)
		if err != nil {
			return nil, Check{}, err
		}
		keys := rowKeys(activeRows(l.nowFunc().UTC(), platform, org))

		unlock, err := lock.LockAll(ctx, l.locker, keys...)
		if err != nil {
			return nil, Check{}, eris.Wrap(err, "ratelimit: lock rows")
		}

		res, check, retry, err := l.reserveLocked(ctx, orgID, keys)
		unlock()
		if retry {
			continue
		}
		return res, check, err
	}
	return nil, Check{}, eris.Errorf("ratelimit: limits for org %s kept changing during reserve", orgID)
}

func (l *Limiter) reserveLocked(ctx context.Context, orgID string, locked []string) (*Reservation, Check, bool, error) {
	platform, org, err := l.load(ctx, orgID)
	if err != nil {
		return nil, Check{}, false, err
	}
	now := l.nowFunc().UTC()
	rows := activeRows(now, platform, org)

	held := make(map[string]bool, len(locked))
	for _, k := range locked {
		held[k] = true
	}
	for _, r := range rows {
		if !held[r.Key()] {
			return nil, Check{}, true, nil
		}
	}

	check := Evaluate(platform, org, now)
	if !check.Allowed {
		l.log.Info("rate limit denied",
			zap.String("org_id", orgID),
			zap.String("reason", check.Reason),
		)
		return nil, check, false, check.Err()
	}

	res := &Reservation{limiter: l}
	for _, r := range rows {
		ok, err := l.store.AdjustRateLimit(ctx, r.ID, r.WindowStart, 1, 0, now)
		if err != nil {
			res.Release(ctx)
			return nil, Check{}, false, eris.Wrapf(err, "ratelimit: reserve %s", r.Key())
		}
		if ok {
			res.rows = append(res.rows, r)
		}
	}
	return res, check, false, nil
}

// Commit adds cost to the reserved rows. The reserved message unit stays.
func (r *Reservation) Commit(ctx context.Context, cost float64) error {
	if r == nil || r.done {
		return nil
	}
	r.done = true
	if cost == 0 {
		return nil
	}
	now := r.limiter.nowFunc().UTC()
	for _, row := range r.rows {
		if _, err := r.limiter.store.AdjustRateLimit(ctx, row.ID, row.WindowStart, 0, cost, now); err != nil {
			return eris.Wrapf(err, "ratelimit: commit %s", row.Key())
		}
	}
	return nil
}

// Release returns the reserved message unit. Rows whose window has since
// been renewed are left alone.
func (r *Reservation) Release(ctx context.Context) {
	if r == nil || r.done {
		return
	}
	r.done = true
	now := r.limiter.nowFunc().UTC()
	for _, row := range r.rows {
		if _, err := r.limiter.store.AdjustRateLimit(ctx, row.ID, row.WindowStart, -1, 0, now); err != nil {
			r.limiter.log.Error("release reservation", zap.String("key", row.Key()), zap.Error(err))
		}
	}
}

// ResetWindows renews every expired row: counters go to zero and the window
// restarts at now for one hour or one day by type. Running it twice renews
// nothing the second time.
func (l *Limiter) ResetWindows(ctx context.Context) (int, error) {
	now := l.nowFunc().UTC()
	rows, err := l.store.ListExpiredRateLimits(ctx, now)
	if err != nil {
		return 0, eris.Wrap(err, "ratelimit: list expired")
	}

	renewed := 0
	for _, r := range rows {
		unlock, err := l.locker.Lock(ctx, r.Key())
		if err != nil {
			return renewed, eris.Wrapf(err, "ratelimit: lock %s", r.Key())
		}
		ok, err := l.store.RenewRateLimitWindow(ctx, r.ID, r.WindowEnd, now, now.Add(r.Type.Window()))
		unlock()
		if err != nil {
			return renewed, eris.Wrapf(err, "ratelimit: renew %s", r.Key())
		}
		if ok {
			renewed++
		}
	}

	if renewed > 0 {
		l.log.Info("rate limit windows renewed", zap.Int("count", renewed))
	}
	return renewed, nil
}

// Spec configures one limit row.
type Spec struct {
	Scope   model.LimitScope `yaml:"scope" json:"scope"`
	ScopeID string           `yaml:"scope_id" json:"scope_id"`
	Type    model.LimitType  `yaml:"type" json:"limit_type"`
	Limit   float64          `yaml:"limit" json:"limit_value"`
}

// Validate checks a spec before it is stored.
func (s *Spec) Validate() error {
	switch s.Scope {
	case model.ScopePlatform:
		s.ScopeID = model.PlatformScopeID
	case model.ScopeOrganization:
		if s.ScopeID == "" {
			return model.NewValidationError("scope_id", "required for organization scope")
		}
	default:
		return model.NewValidationError("scope", fmt.Sprintf("unknown scope %q", s.Scope))
	}
	if !s.Type.Valid() {
		return model.NewValidationError("type", fmt.Sprintf("unknown limit type %q", s.Type))
	}
	if s.Limit < 0 || math.IsNaN(s.Limit) {
		return model.NewValidationError("limit", "must be >= 0")
	}
	return nil
}

// Configure upserts a row per spec. Existing rows keep their counters and
// window; only the ceiling changes.
func (l *Limiter) Configure(ctx context.Context, specs []Spec) error {
	now := l.nowFunc().UTC()
	for i := range specs {
		s := specs[i]
		if err := s.Validate(); err != nil {
			return err
		}
		r := &model.RateLimit{
			Scope:       s.Scope,
			ScopeID:     s.ScopeID,
			Type:        s.Type,
			Limit:       s.Limit,
			WindowStart: now,
			WindowEnd:   now.Add(s.Type.Window()),
			UpdatedAt:   now,
		}
		unlock, err := l.locker.Lock(ctx, r.Key())
		if err != nil {
			return eris.Wrapf(err, "ratelimit: lock %s", r.Key())
		}
		err = l.store.UpsertRateLimit(ctx, r)
		unlock()
		if err != nil {
			return eris.Wrapf(err, "ratelimit: upsert %s", r.Key())
		}
	}
	return nil
}

// Limits returns the stored rows for both scopes of orgID.
func (l *Limiter) Limits(ctx context.Context, orgID string) ([]model.RateLimit, error) {
	platform, org, err := l.load(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return append(platform, org...), nil
}
