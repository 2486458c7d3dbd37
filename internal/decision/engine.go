// Package decision gates each claim between auto-apply and coach review.
//
// The engine computes its verdict in two explicit steps. First the
// optimistic confidence check alone sets WouldAutoApply. Then the safety
// rules pick the outcome. WouldAutoApply is stored on the draft untouched
// by the safety rules, so override analytics can score the confidence
// check on its own.
package decision

import (
	"math"

	"github.com/sells-group/coach-insights/internal/model"
)

// DefaultThreshold is the platform NORMAL threshold for coaches without an
// adapted or preferred value.
const DefaultThreshold = 0.85

// Reasons reported on a Decision.
const (
	ReasonSensitive    = "sensitive_category"
	ReasonUnresolved   = "entity_not_resolved"
	ReasonConfident    = "confidence_above_threshold"
	ReasonBelowThresh  = "confidence_below_threshold"
	ReasonInvalidInput = "invalid_input"
)

// Input is everything the engine needs for one claim.
type Input struct {
	Claim      *model.Claim
	Resolution *model.EntityResolution
	Category   model.Sensitivity
	Profile    *model.TrustProfile
}

// Decision is the engine's verdict for one claim.
type Decision struct {
	Outcome        model.DecisionOutcome `json:"outcome"`
	WouldAutoApply bool                  `json:"would_auto_apply"`
	Confidence     float64               `json:"confidence"`
	Threshold      float64               `json:"threshold"`
	Reason         string                `json:"reason"`
}

// Engine applies the decision rules.
type Engine struct {
	defaultThreshold float64
}

// NewEngine creates an Engine. A threshold outside (0,1] falls back to
// DefaultThreshold.
func NewEngine(defaultThreshold float64) *Engine {
	if defaultThreshold <= 0 || defaultThreshold > 1 || math.IsNaN(defaultThreshold) {
		defaultThreshold = DefaultThreshold
	}
	return &Engine{defaultThreshold: defaultThreshold}
}

// Threshold returns the coach's effective NORMAL threshold.
func (e *Engine) Threshold(p *model.TrustProfile) float64 {
	return p.EffectiveThreshold(model.SensitivityNormal, e.defaultThreshold)
}

// Confidence combines extraction and resolution confidence. A claim with no
// resolution has no confidence.
func Confidence(c *model.Claim, r *model.EntityResolution) float64 {
	if c == nil || r == nil {
		return 0
	}
	return c.Confidence * r.Confidence
}

func validUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// WouldAutoApply is the optimistic check: confidence against the NORMAL
// threshold, ignoring category and resolution status.
func WouldAutoApply(confidence, threshold float64) bool {
	return confidence >= threshold
}

// Decide returns the verdict for one claim. Rules in order:
//  1. INJURY or BEHAVIOR: review.
//  2. entity not resolved: review.
//  3. NORMAL at or above the threshold: auto-apply.
//  4. otherwise: review.
//
// Malformed input is blocked and produces no draft. The profile's trust
// level is not consulted; only its thresholds gate auto-apply.
func (e *Engine) Decide(in Input) Decision {
	threshold := e.Threshold(in.Profile)

	if in.Claim == nil || !validUnit(in.Claim.Confidence) {
		return Decision{Outcome: model.OutcomeBlock, Threshold: threshold, Reason: ReasonInvalidInput}
	}
	if in.Resolution != nil && !validUnit(in.Resolution.Confidence) {
		return Decision{Outcome: model.OutcomeBlock, Threshold: threshold, Reason: ReasonInvalidInput}
	}
	category := in.Category
	if _, ok := model.ParseSensitivity(string(category)); !ok {
		return Decision{Outcome: model.OutcomeBlock, Threshold: threshold, Reason: ReasonInvalidInput}
	}

	confidence := Confidence(in.Claim, in.Resolution)
	d := Decision{
		Confidence:     confidence,
		Threshold:      threshold,
		WouldAutoApply: WouldAutoApply(confidence, threshold),
	}

	switch {
	case category.RequiresReview():
		d.Outcome, d.Reason = model.OutcomeReview, ReasonSensitive
	case !in.Resolution.Resolved():
		d.Outcome, d.Reason = model.OutcomeReview, ReasonUnresolved
	case d.WouldAutoApply:
		d.Outcome, d.Reason = model.OutcomeAutoApply, ReasonConfident
	default:
		d.Outcome, d.Reason = model.OutcomeReview, ReasonBelowThresh
	}
	return d
}
