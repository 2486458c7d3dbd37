package telemetry

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments holds the counters and histograms recorded by the pipeline.
// A nil *Instruments records nothing.
type Instruments struct {
	gatewayCalls     metric.Int64Counter
	gatewayCost      metric.Float64Counter
	gatewayLatency   metric.Float64Histogram
	breakerChanges   metric.Int64Counter
	rateLimitDenials metric.Int64Counter
	decisions        metric.Int64Counter
	draftTransitions metric.Int64Counter
	artifacts        metric.Int64Counter
	alerts           metric.Int64Counter
}

// NewInstruments creates the instruments on m.
func NewInstruments(m metric.Meter) (*Instruments, error) {
	var (
		i   Instruments
		err error
	)
	if i.gatewayCalls, err = m.Int64Counter("insights.gateway.calls",
		metric.WithDescription("Provider calls by operation and outcome")); err != nil {
		return nil, eris.Wrap(err, "telemetry: gateway calls counter")
	}
	if i.gatewayCost, err = m.Float64Counter("insights.gateway.cost",
		metric.WithDescription("Provider spend"), metric.WithUnit("USD")); err != nil {
		return nil, eris.Wrap(err, "telemetry: gateway cost counter")
	}
	if i.gatewayLatency, err = m.Float64Histogram("insights.gateway.latency",
		metric.WithDescription("Provider call latency"), metric.WithUnit("ms")); err != nil {
		return nil, eris.Wrap(err, "telemetry: gateway latency histogram")
	}
	if i.breakerChanges, err = m.Int64Counter("insights.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes")); err != nil {
		return nil, eris.Wrap(err, "telemetry: breaker counter")
	}
	if i.rateLimitDenials, err = m.Int64Counter("insights.ratelimit.denials",
		metric.WithDescription("Calls denied by a rate or cost limit")); err != nil {
		return nil, eris.Wrap(err, "telemetry: ratelimit counter")
	}
	if i.decisions, err = m.Int64Counter("insights.decisions",
		metric.WithDescription("Decision outcomes by category")); err != nil {
		return nil, eris.Wrap(err, "telemetry: decisions counter")
	}
	if i.draftTransitions, err = m.Int64Counter("insights.drafts.transitions",
		metric.WithDescription("Draft status changes")); err != nil {
		return nil, eris.Wrap(err, "telemetry: drafts counter")
	}
	if i.artifacts, err = m.Int64Counter("insights.artifacts",
		metric.WithDescription("Artifacts finished by final status")); err != nil {
		return nil, eris.Wrap(err, "telemetry: artifacts counter")
	}
	if i.alerts, err = m.Int64Counter("insights.alerts",
		metric.WithDescription("Alerts raised by type and severity")); err != nil {
		return nil, eris.Wrap(err, "telemetry: alerts counter")
	}
	return &i, nil
}

// GatewayCall records one provider call.
func (i *Instruments) GatewayCall(ctx context.Context, op, outcome string, elapsed time.Duration, costUSD float64) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("operation", op), attribute.String("outcome", outcome))
	i.gatewayCalls.Add(ctx, 1, attrs)
	i.gatewayLatency.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	if costUSD > 0 {
		i.gatewayCost.Add(ctx, costUSD, metric.WithAttributes(attribute.String("operation", op)))
	}
}

// BreakerTransition records a circuit state change.
func (i *Instruments) BreakerTransition(ctx context.Context, provider, from, to string) {
	if i == nil {
		return
	}
	i.breakerChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RateLimitDenied records a denial by reason.
func (i *Instruments) RateLimitDenied(ctx context.Context, reason string) {
	if i == nil {
		return
	}
	i.rateLimitDenials.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Decision records a decision outcome.
func (i *Instruments) Decision(ctx context.Context, outcome, category string, wouldAutoApply bool) {
	if i == nil {
		return
	}
	i.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("category", category),
		attribute.Bool("would_auto_apply", wouldAutoApply),
	))
}

// DraftTransition records a draft status change.
func (i *Instruments) DraftTransition(ctx context.Context, from, to, action string) {
	if i == nil {
		return
	}
	i.draftTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("action", action),
	))
}

// ArtifactFinished records an artifact reaching a terminal status.
func (i *Instruments) ArtifactFinished(ctx context.Context, status, failedStage string) {
	if i == nil {
		return
	}
	i.artifacts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("failed_stage", failedStage),
	))
}

// AlertRaised records a new alert.
func (i *Instruments) AlertRaised(ctx context.Context, kind, severity string) {
	if i == nil {
		return
	}
	i.alerts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", kind),
		attribute.String("severity", severity),
	))
}
