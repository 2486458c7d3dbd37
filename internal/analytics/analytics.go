// Package analytics summarizes coach verdicts on insight drafts.
package analytics

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/coach-insights/internal/model"
)

// DefaultWindow is the trailing window summaries cover.
const DefaultWindow = 30 * 24 * time.Hour

// Store reads override events.
type Store interface {
	ListOverrideEvents(ctx context.Context, coachID string, since time.Time) ([]model.OverrideEvent, error)
}

// CategoryStats describes coach verdicts on auto-apply candidates in one
// sensitivity category.
type CategoryStats struct {
	Reviewed     int      `json:"reviewed"`
	Applied      int      `json:"applied"`
	Overridden   int      `json:"overridden"`
	OverrideRate float64  `json:"override_rate"`
	Agreement    *float64 `json:"agreement,omitempty"`
}

// Summary aggregates a coach's actions over a window.
type Summary struct {
	CoachID     string    `json:"coach_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	Applied      int `json:"applied"`
	Dismissed    int `json:"dismissed"`
	Edited       int `json:"edited"`
	Snoozed      int `json:"snoozed"`
	AutoApplied  int `json:"auto_applied"`
	BatchActions int `json:"batch_actions"`

	CandidatesReviewed int `json:"candidates_reviewed"`
	CandidatesApplied  int `json:"candidates_applied"`
	// Agreement is CandidatesApplied / CandidatesReviewed, nil with no
	// reviewed candidates.
	Agreement *float64 `json:"agreement,omitempty"`

	Categories map[model.Sensitivity]*CategoryStats `json:"categories"`
}

// Overrides returns how many reviewed candidates the coach did not accept
// unchanged.
func (s *Summary) Overrides() int {
	return s.CandidatesReviewed - s.CandidatesApplied
}

func ratio(n, d int) *float64 {
	if d == 0 {
		return nil
	}
	v := float64(n) / float64(d)
	return &v
}

// Summarize aggregates events created in (now-window, now]. Only coach
// verdicts count toward agreement; an edit is an override.
func Summarize(events []model.OverrideEvent, now time.Time, window time.Duration) Summary {
	if window <= 0 {
		window = DefaultWindow
	}
	start := now.Add(-window)
	out := Summary{
		WindowStart: start,
		WindowEnd:   now,
		Categories:  map[model.Sensitivity]*CategoryStats{},
	}

	for _, ev := range events {
		if !ev.CreatedAt.After(start) || ev.CreatedAt.After(now) {
			continue
		}
		if out.CoachID == "" {
			out.CoachID = ev.CoachID
		}

		switch ev.Action {
		case model.ActionApply, model.ActionBatchApply:
			out.Applied++
		case model.ActionDismiss, model.ActionBatchDismiss:
			out.Dismissed++
		case model.ActionEdit:
			out.Edited++
		case model.ActionSnooze:
			out.Snoozed++
		case model.ActionAutoApply:
			out.AutoApplied++
		}
		if ev.Action == model.ActionBatchApply || ev.Action == model.ActionBatchDismiss {
			out.BatchActions++
		}

		if !ev.WasCandidate || !ev.Action.IsVerdict() {
			continue
		}
		cat := ev.Category
		if cat == "" {
			cat = model.SensitivityNormal
		}
		cs, ok := out.Categories[cat]
		if !ok {
			cs = &CategoryStats{}
			out.Categories[cat] = cs
		}
		out.CandidatesReviewed++
		cs.Reviewed++
		if ev.Action.IsApproval() {
			out.CandidatesApplied++
			cs.Applied++
		} else {
			cs.Overridden++
		}
	}

	out.Agreement = ratio(out.CandidatesApplied, out.CandidatesReviewed)
	for _, cs := range out.Categories {
		cs.Agreement = ratio(cs.Applied, cs.Reviewed)
		if cs.Reviewed > 0 {
			cs.OverrideRate = float64(cs.Overridden) / float64(cs.Reviewed)
		}
	}
	return out
}

// SortedCategories returns the summary's categories in a stable order.
func (s *Summary) SortedCategories() []model.Sensitivity {
	cats := make([]model.Sensitivity, 0, len(s.Categories))
	for c := range s.Categories {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}

// Service loads and summarizes events.
type Service struct {
	store  Store
	window time.Duration

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewService creates a Service over a trailing window.
func NewService(store Store, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{store: store, window: window, nowFunc: time.Now}
}

// ForCoach summarizes one coach's trailing window.
func (s *Service) ForCoach(ctx context.Context, coachID string) (Summary, error) {
	now := s.nowFunc().UTC()
	events, err := s.store.ListOverrideEvents(ctx, coachID, now.Add(-s.window))
	if err != nil {
		return Summary{}, eris.Wrapf(err, "analytics: list events for coach %s", coachID)
	}
	sum := Summarize(events, now, s.window)
	sum.CoachID = coachID
	return sum, nil
}
