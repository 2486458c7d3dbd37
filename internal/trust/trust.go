// Package trust adapts per-coach auto-apply thresholds and trust levels
// from windowed override evidence.
package trust

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coach-insights/internal/analytics"
	"github.com/sells-group/coach-insights/internal/lock"
	"github.com/sells-group/coach-insights/internal/model"
)

// Store persists trust profiles and reads the evidence they adapt from.
type Store interface {
	GetTrustProfile(ctx context.Context, coachID string) (*model.TrustProfile, error)
	SaveTrustProfile(ctx context.Context, p *model.TrustProfile) error
	ListCoachIDs(ctx context.Context) ([]string, error)
	ListOverrideEvents(ctx context.Context, coachID string, since time.Time) ([]model.OverrideEvent, error)
	CountCoachVerdicts(ctx context.Context, coachID string) (model.VerdictCounts, error)
}

// Config tunes threshold adaptation.
type Config struct {
	Window           time.Duration
	MinEvidence      int
	AdaptInterval    time.Duration
	RaiseStep        float64
	LowerStep        float64
	Floor            float64
	Ceiling          float64
	RaiseBelow       float64
	LowerAbove       float64
	DefaultThreshold float64
}

// DefaultConfig returns the standard adaptation settings.
func DefaultConfig() Config {
	return Config{
		Window:           30 * 24 * time.Hour,
		MinEvidence:      10,
		AdaptInterval:    24 * time.Hour,
		RaiseStep:        0.05,
		LowerStep:        0.02,
		Floor:            0.7,
		Ceiling:          0.99,
		RaiseBelow:       0.8,
		LowerAbove:       0.95,
		DefaultThreshold: 0.85,
	}
}

// Level requirements.
const (
	learningApprovals    = 10
	trustedApprovals     = 50
	trustedMaxSuppressed = 0.10
	expertApprovals      = 200
)

// Adapter recomputes trust profiles.
type Adapter struct {
	store  Store
	locker lock.Locker
	cfg    Config
	log    *zap.Logger

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewAdapter creates an Adapter. Zero config fields take defaults.
func NewAdapter(store Store, locker lock.Locker, cfg Config) *Adapter {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinEvidence <= 0 {
		cfg.MinEvidence = def.MinEvidence
	}
	if cfg.AdaptInterval <= 0 {
		cfg.AdaptInterval = def.AdaptInterval
	}
	if cfg.RaiseStep <= 0 {
		cfg.RaiseStep = def.RaiseStep
	}
	if cfg.LowerStep <= 0 {
		cfg.LowerStep = def.LowerStep
	}
	if cfg.Floor <= 0 {
		cfg.Floor = def.Floor
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = def.Ceiling
	}
	if cfg.RaiseBelow <= 0 {
		cfg.RaiseBelow = def.RaiseBelow
	}
	if cfg.LowerAbove <= 0 {
		cfg.LowerAbove = def.LowerAbove
	}
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = def.DefaultThreshold
	}
	return &Adapter{
		store:   store,
		locker:  locker,
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "trust")),
		nowFunc: time.Now,
	}
}

func key(coachID string) string { return "trust:" + coachID }

// Profile returns a coach's profile, or an empty one when none is stored.
func (a *Adapter) Profile(ctx context.Context, coachID string) (*model.TrustProfile, error) {
	p, err := a.store.GetTrustProfile(ctx, coachID)
	if err != nil {
		if model.IsNotFound(err) {
			return model.NewTrustProfile(coachID), nil
		}
		return nil, eris.Wrapf(err, "trust: get profile %s", coachID)
	}
	if p.Thresholds == nil {
		p.Thresholds = map[model.Sensitivity]float64{}
	}
	if p.PreferredThresholds == nil {
		p.PreferredThresholds = map[model.Sensitivity]float64{}
	}
	return p, nil
}

func (a *Adapter) update(ctx context.Context, coachID string, fn func(p *model.TrustProfile, now time.Time) error) (*model.TrustProfile, error) {
	if coachID == "" {
		return nil, model.NewValidationError("coach_id", "required")
	}
	unlock, err := a.locker.Lock(ctx, key(coachID))
	if err != nil {
		return nil, eris.Wrapf(err, "trust: lock %s", coachID)
	}
	defer unlock()

	p, err := a.Profile(ctx, coachID)
	if err != nil {
		return nil, err
	}
	now := a.nowFunc().UTC()
	if err := fn(p, now); err != nil {
		return nil, err
	}
	p.UpdatedAt = now
	if err := a.store.SaveTrustProfile(ctx, p); err != nil {
		return nil, eris.Wrapf(err, "trust: save profile %s", coachID)
	}
	return p, nil
}

// SetPreferredThreshold stores a coach-chosen threshold for a category.
// A nil value clears it.
func (a *Adapter) SetPreferredThreshold(ctx context.Context, coachID string, cat model.Sensitivity, value *float64) (*model.TrustProfile, error) {
	switch cat {
	case model.SensitivityNormal, model.SensitivityInjury, model.SensitivityBehavior:
	default:
		return nil, model.NewValidationError("category", fmt.Sprintf("unknown category %q", cat))
	}
	if value != nil && (math.IsNaN(*value) || *value <= 0 || *value > 1) {
		return nil, model.NewValidationError("threshold", "must be in (0, 1]")
	}
	return a.update(ctx, coachID, func(p *model.TrustProfile, _ time.Time) error {
		if value == nil {
			delete(p.PreferredThresholds, cat)
			return nil
		}
		p.PreferredThresholds[cat] = *value
		return nil
	})
}

// SetPreferredLevel caps the coach's effective level. Level 3 is only
// reachable when the coach prefers it. A nil value clears the preference.
func (a *Adapter) SetPreferredLevel(ctx context.Context, coachID string, level *model.TrustLevel) (*model.TrustProfile, error) {
	if level != nil && (*level < model.TrustLevelNone || *level > model.TrustLevelExpert) {
		return nil, model.NewValidationError("preferred_level", "must be between 0 and 3")
	}
	return a.update(ctx, coachID, func(p *model.TrustProfile, _ time.Time) error {
		p.PreferredLevel = level
		return nil
	})
}

// Recompute refreshes counters, adapts thresholds and re-derives the
// coach's earned level.
func (a *Adapter) Recompute(ctx context.Context, coachID string) (*model.TrustProfile, error) {
	return a.update(ctx, coachID, func(p *model.TrustProfile, now time.Time) error {
		counts, err := a.store.CountCoachVerdicts(ctx, coachID)
		if err != nil {
			return eris.Wrapf(err, "trust: count verdicts for %s", coachID)
		}
		events, err := a.store.ListOverrideEvents(ctx, coachID, now.Add(-a.cfg.Window))
		if err != nil {
			return eris.Wrapf(err, "trust: list events for %s", coachID)
		}
		sum := analytics.Summarize(events, now, a.cfg.Window)

		p.TotalApprovals = counts.Approvals
		p.TotalSuppressed = counts.Dismissals
		p.ConsecutiveApprovals = consecutiveApprovals(events)

		if p.LastAdaptedAt == nil || now.Sub(*p.LastAdaptedAt) >= a.cfg.AdaptInterval {
			if a.adaptThresholds(p, &sum) {
				p.LastAdaptedAt = &now
			}
		}

		earned := EarnedLevel(counts, p.PreferredLevel)
		if earned != p.Level {
			p.LevelHistory = append(p.LevelHistory, model.LevelChange{
				From:   p.Level,
				To:     earned,
				Reason: levelReason(earned, counts),
				At:     now,
			})
			a.log.Info("trust level changed",
				zap.String("coach_id", coachID),
				zap.Int("from", int(p.Level)),
				zap.Int("to", int(earned)),
			)
			p.Level = earned
		}
		return nil
	})
}

// adaptThresholds moves each category's adapted threshold one step when
// the category has enough reviewed candidates. It reports whether any
// threshold changed.
func (a *Adapter) adaptThresholds(p *model.TrustProfile, sum *analytics.Summary) bool {
	changed := false
	for _, cat := range sum.SortedCategories() {
		cs := sum.Categories[cat]
		if cs.Reviewed < a.cfg.MinEvidence || cs.Agreement == nil {
			continue
		}
		cur, ok := p.Thresholds[cat]
		if !ok {
			cur = a.cfg.DefaultThreshold
		}
		next := cur
		switch {
		case cs.Overridden > 0 && *cs.Agreement < a.cfg.RaiseBelow:
			next = math.Min(cur+a.cfg.RaiseStep, a.cfg.Ceiling)
		case cs.Overridden == 0 && *cs.Agreement >= a.cfg.LowerAbove:
			next = math.Max(cur-a.cfg.LowerStep, a.cfg.Floor)
		}
		next = round4(next)
		if next == round4(cur) {
			continue
		}
		p.Thresholds[cat] = next
		changed = true
		a.log.Info("threshold adapted",
			zap.String("coach_id", p.CoachID),
			zap.String("category", string(cat)),
			zap.Float64("from", cur),
			zap.Float64("to", next),
			zap.Int("reviewed", cs.Reviewed),
			zap.Float64("agreement", *cs.Agreement),
		)
	}
	return changed
}

// RecomputeAll recomputes every coach with stored activity. Failures for
// one coach are logged and do not stop the rest.
func (a *Adapter) RecomputeAll(ctx context.Context) (int, error) {
	ids, err := a.store.ListCoachIDs(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "trust: list coaches")
	}
	done := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return done, eris.Wrap(err, "trust: recompute all")
		}
		if _, err := a.Recompute(ctx, id); err != nil {
			a.log.Error("recompute failed", zap.String("coach_id", id), zap.Error(err))
			continue
		}
		done++
	}
	return done, nil
}

// EarnedLevel derives the level a coach's lifetime verdicts earn. Level 3
// also needs the coach to prefer it.
func EarnedLevel(c model.VerdictCounts, preferred *model.TrustLevel) model.TrustLevel {
	switch {
	case c.Approvals >= expertApprovals && c.SuppressionRate() < trustedMaxSuppressed &&
		preferred != nil && *preferred == model.TrustLevelExpert:
		return model.TrustLevelExpert
	case c.Approvals >= trustedApprovals && c.SuppressionRate() < trustedMaxSuppressed:
		return model.TrustLevelTrusted
	case c.Approvals >= learningApprovals:
		return model.TrustLevelLearning
	default:
		return model.TrustLevelNone
	}
}

func levelReason(l model.TrustLevel, c model.VerdictCounts) string {
	return fmt.Sprintf("level %d: %d approvals, %.1f%% suppressed", l, c.Approvals, c.SuppressionRate()*100)
}

// consecutiveApprovals counts approvals since the most recent dismissal.
func consecutiveApprovals(events []model.OverrideEvent) int {
	sorted := make([]model.OverrideEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })

	n := 0
	for _, ev := range sorted {
		switch {
		case ev.Action.IsDismissal():
			return n
		case ev.Action.IsApproval() || ev.Action == model.ActionEdit:
			n++
		}
	}
	return n
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
