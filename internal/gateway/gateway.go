// Package gateway is the single path from the pipeline to the text
// generation provider. Every call passes the rate/cost limiter and the
// circuit breaker, and every success is billed to the calling org.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/coach-insights/internal/cost"
	"github.com/sells-group/coach-insights/internal/model"
	"github.com/sells-group/coach-insights/internal/ratelimit"
	"github.com/sells-group/coach-insights/internal/resilience"
	"github.com/sells-group/coach-insights/internal/telemetry"
	"github.com/sells-group/coach-insights/pkg/anthropic"
)

// Provider is the name under which breaker health and usage are recorded.
const Provider = "anthropic"

// settleTimeout bounds the breaker, quota and usage writes that follow a
// call. They run detached from the caller so an expired deadline still
// gets counted and refunded.
const settleTimeout = 5 * time.Second

// UsageStore appends usage ledger rows.
type UsageStore interface {
	InsertUsage(ctx context.Context, u *model.UsageRecord) error
}

// Config holds the provider defaults and client-side throttle.
type Config struct {
	Model             string
	MaxTokens         int64
	RequestsPerSecond float64
	Burst             int
}

// Request is one structured prompt.
type Request struct {
	OrgID     string
	Operation string
	System    string
	Prompt    string
	MaxTokens int64

	// ExpectJSON makes a response without a JSON payload a provider failure.
	ExpectJSON bool
	// Into, when set, receives the decoded payload. A payload that does not
	// decode is a provider failure.
	Into any
}

// Response is the outcome of a successful call.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Elapsed      time.Duration
}

// Gateway wraps the provider client with limiter, breaker, throttle, and
// cost accounting.
type Gateway struct {
	client   anthropic.Client
	limiter  *ratelimit.Limiter
	breaker  *resilience.Breaker
	throttle *rate.Limiter
	calc     *cost.Calculator
	usage    UsageStore
	inst     *telemetry.Instruments
	tracer   trace.Tracer
	cfg      Config
	log      *zap.Logger
	nowFunc  func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithInstruments records call metrics into inst.
func WithInstruments(inst *telemetry.Instruments) Option {
	return func(g *Gateway) { g.inst = inst }
}

// New builds a Gateway.
func New(client anthropic.Client, limiter *ratelimit.Limiter, breaker *resilience.Breaker, calc *cost.Calculator, usage UsageStore, cfg Config, opts ...Option) *Gateway {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	g := &Gateway{
		client:   client,
		limiter:  limiter,
		breaker:  breaker,
		throttle: rate.NewLimiter(limit, burst),
		calc:     calc,
		usage:    usage,
		tracer:   telemetry.Tracer(telemetry.InstrumentationName),
		cfg:      cfg,
		log:      zap.L().With(zap.String("component", "gateway")),
		nowFunc:  time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (r *Request) validate() error {
	if strings.TrimSpace(r.OrgID) == "" {
		return model.NewValidationError("org_id", "required")
	}
	if strings.TrimSpace(r.Operation) == "" {
		return model.NewValidationError("operation", "required")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return model.NewValidationError("prompt", "empty")
	}
	return nil
}

// Complete sends one request. Order: validate, reserve quota, breaker
// admission, throttle, provider call, payload check, then billing.
func (g *Gateway) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	ctx, span := g.tracer.Start(ctx, "gateway.complete", trace.WithAttributes(
		attribute.String("operation", req.Operation),
		attribute.String("org_id", req.OrgID),
	))
	defer span.End()

	log := g.log.With(zap.String("operation", req.Operation), zap.String("org_id", req.OrgID))

	res, _, err := g.limiter.Reserve(ctx, req.OrgID)
	if err != nil {
		var exceeded *ratelimit.ExceededError
		if errors.As(err, &exceeded) {
			g.inst.RateLimitDenied(ctx, exceeded.Reason)
			g.inst.GatewayCall(ctx, req.Operation, "rate_limited", 0, 0)
			span.SetStatus(codes.Error, exceeded.Reason)
		}
		return nil, err
	}

	ticket, err := g.breaker.Allow(ctx)
	if err != nil {
		settle, cancel := settleContext(ctx)
		defer cancel()
		res.Release(settle)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			g.inst.GatewayCall(ctx, req.Operation, "circuit_open", 0, 0)
			span.SetStatus(codes.Error, "circuit open")
		}
		return nil, err
	}

	if err := g.throttle.Wait(ctx); err != nil {
		settle, cancel := settleContext(ctx)
		defer cancel()
		if aerr := g.breaker.Abandon(settle, ticket); aerr != nil {
			log.Warn("gateway: abandon breaker ticket", zap.Error(aerr))
		}
		res.Release(settle)
		return nil, eris.Wrap(err, "gateway: throttle")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.cfg.MaxTokens
	}
	started := g.nowFunc()
	msg, err := g.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     g.cfg.Model,
		MaxTokens: maxTokens,
		System:    anthropic.BuildCachedSystemBlocks(req.System),
		Messages:  []anthropic.Message{{Role: "user", Content: req.Prompt}},
	})
	elapsed := g.nowFunc().Sub(started)

	settle, cancel := settleContext(ctx)
	defer cancel()

	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, g.abandon(settle, span, log, ticket, res, req.Operation, err, elapsed)
		}
		return nil, g.fail(settle, span, log, ticket, res, &resilience.ProviderError{
			Provider:   Provider,
			Op:         req.Operation,
			StatusCode: anthropic.StatusCode(err),
			Err:        err,
		}, elapsed)
	}

	text := msg.Text()
	if req.ExpectJSON || req.Into != nil {
		payload := CleanJSON(text)
		if !json.Valid([]byte(payload)) {
			return nil, g.fail(settle, span, log, ticket, res, &resilience.ProviderError{
				Provider:  Provider,
				Op:        req.Operation,
				Malformed: true,
				Err:       eris.New("response contains no JSON payload"),
			}, elapsed)
		}
		if req.Into != nil {
			if err := json.Unmarshal([]byte(payload), req.Into); err != nil {
				return nil, g.fail(settle, span, log, ticket, res, &resilience.ProviderError{
					Provider:  Provider,
					Op:        req.Operation,
					Malformed: true,
					Err:       err,
				}, elapsed)
			}
		}
		text = payload
	}

	if err := g.breaker.Record(settle, ticket, true); err != nil {
		log.Warn("gateway: record breaker success", zap.Error(err))
	}

	modelName := msg.Model
	if modelName == "" {
		modelName = g.cfg.Model
	}
	spend := g.calc.Claude(modelName,
		msg.Usage.InputTokens, msg.Usage.OutputTokens,
		msg.Usage.CacheCreationInputTokens, msg.Usage.CacheReadInputTokens,
	)
	if err := res.Commit(settle, spend); err != nil {
		log.Error("gateway: commit spend", zap.Error(err), zap.Float64("cost_usd", spend))
	}
	if err := g.usage.InsertUsage(settle, &model.UsageRecord{
		ID:           uuid.NewString(),
		OrgID:        req.OrgID,
		Provider:     Provider,
		Model:        modelName,
		Operation:    req.Operation,
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
		CostUSD:      spend,
		CreatedAt:    g.nowFunc().UTC(),
	}); err != nil {
		log.Error("gateway: insert usage", zap.Error(err), zap.Float64("cost_usd", spend))
	}

	g.inst.GatewayCall(ctx, req.Operation, "success", elapsed, spend)
	span.SetAttributes(
		attribute.Int64("input_tokens", msg.Usage.InputTokens),
		attribute.Int64("output_tokens", msg.Usage.OutputTokens),
		attribute.Float64("cost_usd", spend),
	)
	log.Debug("provider call complete",
		zap.String("model", modelName),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
		zap.Float64("cost_usd", spend),
		zap.Duration("elapsed", elapsed),
	)

	return &Response{
		Text:         text,
		Model:        modelName,
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
		CostUSD:      spend,
		Elapsed:      elapsed,
	}, nil
}

// CompleteJSON sends req and decodes the JSON payload of the reply into out.
func (g *Gateway) CompleteJSON(ctx context.Context, req Request, out any) (*Response, error) {
	req.ExpectJSON = true
	req.Into = out
	return g.Complete(ctx, req)
}

func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// abandon handles a call the caller cancelled, typically a sibling claim
// failing first. It is not a provider outcome: the ticket is handed back
// uncounted and the reserved unit is returned.
func (g *Gateway) abandon(ctx context.Context, span trace.Span, log *zap.Logger, ticket resilience.Ticket, res *ratelimit.Reservation, op string, cause error, elapsed time.Duration) error {
	if err := g.breaker.Abandon(ctx, ticket); err != nil {
		log.Warn("gateway: abandon breaker ticket", zap.Error(err))
	}
	res.Release(ctx)

	g.inst.GatewayCall(ctx, op, "canceled", elapsed, 0)
	span.SetStatus(codes.Error, "canceled")
	log.Debug("provider call canceled", zap.Duration("elapsed", elapsed))
	return eris.Wrap(cause, "gateway: call canceled")
}

func (g *Gateway) fail(ctx context.Context, span trace.Span, log *zap.Logger, ticket resilience.Ticket, res *ratelimit.Reservation, perr *resilience.ProviderError, elapsed time.Duration) error {
	if err := g.breaker.Record(ctx, ticket, false); err != nil {
		log.Warn("gateway: record breaker failure", zap.Error(err))
	}
	res.Release(ctx)

	outcome := "provider_error"
	if perr.Malformed {
		outcome = "malformed"
	}
	g.inst.GatewayCall(ctx, perr.Op, outcome, elapsed, 0)
	span.RecordError(perr)
	span.SetStatus(codes.Error, outcome)
	log.Warn("provider call failed",
		zap.Int("status_code", perr.StatusCode),
		zap.Bool("malformed", perr.Malformed),
		zap.Error(perr.Err),
	)
	return perr
}

// CleanJSON extracts a JSON object or array from model output that may be
// wrapped in markdown code fences or prose.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return strings.TrimSpace(text)
	}
	closer := "}"
	if text[start] == '[' {
		closer = "]"
	}
	if end := strings.LastIndex(text, closer); end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
