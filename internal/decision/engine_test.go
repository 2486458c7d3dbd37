package decision

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/coach-insights/internal/model"
)

func resolved(conf float64) *model.EntityResolution {
	return &model.EntityResolution{EntityID: "p1", Status: model.ResolutionResolved, Confidence: conf}
}

func profileWith(threshold float64) *model.TrustProfile {
	p := model.NewTrustProfile("coach-1")
	p.Thresholds[model.SensitivityNormal] = threshold
	return p
}

func TestDecide_Scenarios(t *testing.T) {
	t.Parallel()
	e := NewEngine(DefaultThreshold)

	tests := []struct {
		name        string
		in          Input
		wantOutcome model.DecisionOutcome
		wantWould   bool
		wantReason  string
	}{
		{
			name: "confident normal claim auto-applies",
			in: Input{
				Claim:      &model.Claim{Confidence: 0.9},
				Resolution: resolved(0.95),
				Category:   model.SensitivityNormal,
				Profile:    profileWith(0.8),
			},
			wantOutcome: model.OutcomeAutoApply, wantWould: true, wantReason: ReasonConfident,
		},
		{
			name: "injury goes to review but keeps the shadow flag",
			in: Input{
				Claim:      &model.Claim{Confidence: 0.99},
				Resolution: resolved(0.95),
				Category:   model.SensitivityInjury,
				Profile:    profileWith(0.8),
			},
			wantOutcome: model.OutcomeReview, wantWould: true, wantReason: ReasonSensitive,
		},
		{
			name: "ambiguous subject goes to review",
			in: Input{
				Claim:      &model.Claim{Confidence: 1},
				Resolution: &model.EntityResolution{Status: model.ResolutionAmbiguous, Confidence: 1},
				Category:   model.SensitivityNormal,
				Profile:    profileWith(0.8),
			},
			wantOutcome: model.OutcomeReview, wantWould: true, wantReason: ReasonUnresolved,
		},
		{
			name: "missing resolution goes to review with zero confidence",
			in: Input{
				Claim:    &model.Claim{Confidence: 1},
				Category: model.SensitivityNormal,
			},
			wantOutcome: model.OutcomeReview, wantWould: false, wantReason: ReasonUnresolved,
		},
		{
			name: "below threshold goes to review",
			in: Input{
				Claim:      &model.Claim{Confidence: 0.8},
				Resolution: resolved(0.9),
				Category:   model.SensitivityNormal,
			},
			wantOutcome: model.OutcomeReview, wantWould: false, wantReason: ReasonBelowThresh,
		},
		{
			name: "nil claim blocks",
			in: Input{
				Category: model.SensitivityNormal,
			},
			wantOutcome: model.OutcomeBlock, wantReason: ReasonInvalidInput,
		},
		{
			name: "NaN confidence blocks",
			in: Input{
				Claim:      &model.Claim{Confidence: math.NaN()},
				Resolution: resolved(1),
				Category:   model.SensitivityNormal,
			},
			wantOutcome: model.OutcomeBlock, wantReason: ReasonInvalidInput,
		},
		{
			name: "out of range resolution blocks",
			in: Input{
				Claim:      &model.Claim{Confidence: 0.9},
				Resolution: resolved(1.2),
				Category:   model.SensitivityNormal,
			},
			wantOutcome: model.OutcomeBlock, wantReason: ReasonInvalidInput,
		},
		{
			name: "unknown category blocks",
			in: Input{
				Claim:      &model.Claim{Confidence: 0.9},
				Resolution: resolved(1),
				Category:   "medical",
			},
			wantOutcome: model.OutcomeBlock, wantReason: ReasonInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := e.Decide(tt.in)
			assert.Equal(t, tt.wantOutcome, d.Outcome)
			assert.Equal(t, tt.wantWould, d.WouldAutoApply)
			assert.Equal(t, tt.wantReason, d.Reason)
		})
	}
}

func TestDecide_SensitiveNeverAutoApplies(t *testing.T) {
	t.Parallel()
	e := NewEngine(DefaultThreshold)

	for _, cat := range []model.Sensitivity{model.SensitivityInjury, model.SensitivityBehavior} {
		for _, threshold := range []float64{0.01, 0.5, 0.85, 1} {
			for conf := 0.0; conf <= 1.0; conf += 0.05 {
				d := e.Decide(Input{
					Claim:      &model.Claim{Confidence: conf},
					Resolution: resolved(1),
					Category:   cat,
					Profile:    profileWith(threshold),
				})
				assert.NotEqual(t, model.OutcomeAutoApply, d.Outcome, "category %s conf %.2f threshold %.2f", cat, conf, threshold)
			}
			d := e.Decide(Input{Claim: &model.Claim{Confidence: 1}, Resolution: resolved(1), Category: cat, Profile: profileWith(threshold)})
			assert.Equal(t, model.OutcomeReview, d.Outcome)
			assert.True(t, d.WouldAutoApply)
		}
	}
}

func TestDecide_UnresolvedNeverAutoApplies(t *testing.T) {
	t.Parallel()
	e := NewEngine(DefaultThreshold)

	for _, status := range []model.ResolutionStatus{model.ResolutionAmbiguous, model.ResolutionUnresolved} {
		d := e.Decide(Input{
			Claim:      &model.Claim{Confidence: 1},
			Resolution: &model.EntityResolution{Status: status, EntityID: "p1", Confidence: 1},
			Category:   model.SensitivityNormal,
			Profile:    profileWith(0.01),
		})
		assert.Equal(t, model.OutcomeReview, d.Outcome)
	}
}

func TestThreshold_PreferredWins(t *testing.T) {
	t.Parallel()
	e := NewEngine(0)
	assert.InDelta(t, DefaultThreshold, e.Threshold(nil), 1e-9)

	p := profileWith(0.75)
	assert.InDelta(t, 0.75, e.Threshold(p), 1e-9)
	p.PreferredThresholds[model.SensitivityNormal] = 0.95
	assert.InDelta(t, 0.95, e.Threshold(p), 1e-9)

	d := e.Decide(Input{Claim: &model.Claim{Confidence: 0.9}, Resolution: resolved(1), Category: model.SensitivityNormal, Profile: p})
	assert.Equal(t, model.OutcomeReview, d.Outcome)
	assert.False(t, d.WouldAutoApply)
}

func TestDecide_TrustLevelDoesNotGate(t *testing.T) {
	t.Parallel()
	e := NewEngine(DefaultThreshold)

	for _, level := range []model.TrustLevel{model.TrustLevelNone, model.TrustLevelLearning, model.TrustLevelExpert} {
		p := profileWith(0.8)
		p.Level = level
		d := e.Decide(Input{Claim: &model.Claim{Confidence: 0.9}, Resolution: resolved(0.95), Category: model.SensitivityNormal, Profile: p})
		assert.Equal(t, model.OutcomeAutoApply, d.Outcome, "level %d", level)
		assert.True(t, d.WouldAutoApply)
	}
}
