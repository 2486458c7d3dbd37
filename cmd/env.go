package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coach-insights/internal/analytics"
	"github.com/sells-group/coach-insights/internal/artifact"
	"github.com/sells-group/coach-insights/internal/claims"
	"github.com/sells-group/coach-insights/internal/config"
	"github.com/sells-group/coach-insights/internal/cost"
	"github.com/sells-group/coach-insights/internal/decision"
	"github.com/sells-group/coach-insights/internal/drafts"
	"github.com/sells-group/coach-insights/internal/gateway"
	"github.com/sells-group/coach-insights/internal/lock"
	"github.com/sells-group/coach-insights/internal/model"
	"github.com/sells-group/coach-insights/internal/monitoring"
	"github.com/sells-group/coach-insights/internal/pipeline"
	"github.com/sells-group/coach-insights/internal/ratelimit"
	"github.com/sells-group/coach-insights/internal/resilience"
	"github.com/sells-group/coach-insights/internal/resolve"
	"github.com/sells-group/coach-insights/internal/sensitivity"
	"github.com/sells-group/coach-insights/internal/store"
	"github.com/sells-group/coach-insights/internal/telemetry"
	"github.com/sells-group/coach-insights/internal/trust"
	anthropicpkg "github.com/sells-group/coach-insights/pkg/anthropic"
	"github.com/sells-group/coach-insights/pkg/transcribe"
)

// Command modes passed to config.Validate. Only modePipeline builds the
// provider gateway and the pipeline.
const (
	modePipeline = "pipeline"
	modeStore    = "store"
)

// appEnv holds the store, lock backend and services built from cfg.
type appEnv struct {
	Store     store.Store
	Locker    lock.Locker
	Inst      *telemetry.Instruments
	Limiter   *ratelimit.Limiter
	Artifacts *artifact.Service
	Drafts    *drafts.Service
	Analytics *analytics.Service
	Trust     *trust.Adapter
	Budgets   *monitoring.BudgetSweeper
	Checker   *monitoring.Checker

	// Set in pipeline mode only.
	Breaker  *resilience.Breaker
	Gateway  *gateway.Gateway
	Pipeline *pipeline.Pipeline

	redis *lock.RedisLocker
}

// Close releases the store and the Redis connection.
func (e *appEnv) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, eris.Wrap(err, "init postgres store")
		}
		return st, nil
	case "sqlite":
		st, err := store.NewSQLite(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "init sqlite store")
		}
		return st, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initLocker returns a Redis locker when redis.url is set and an
// in-process keyed mutex otherwise.
func initLocker(ctx context.Context) (lock.Locker, *lock.RedisLocker, error) {
	if cfg.Redis.URL == "" {
		zap.L().Debug("redis not configured, using in-process locks")
		return lock.NewKeyedMutex(), nil, nil
	}
	rl, err := lock.NewRedisLocker(cfg.Redis.URL,
		lock.WithTTL(time.Duration(cfg.Redis.LockTTLMs)*time.Millisecond),
		lock.WithWait(time.Duration(cfg.Redis.LockWaitMs)*time.Millisecond),
		lock.WithPrefix("insights:lock:"),
	)
	if err != nil {
		return nil, nil, err
	}
	if err := rl.Ping(ctx); err != nil {
		_ = rl.Close()
		return nil, nil, err
	}
	zap.L().Info("redis locks enabled")
	return rl, rl, nil
}

// costRates layers configured pricing over the defaults.
func costRates(p config.PricingConfig) cost.Rates {
	over := make(map[string]cost.ModelRate, len(p.Anthropic))
	for name, mp := range p.Anthropic {
		over[name] = cost.ModelRate{
			Input:         mp.Input,
			Output:        mp.Output,
			CacheWriteMul: mp.CacheWriteMul,
			CacheReadMul:  mp.CacheReadMul,
		}
	}
	return cost.DefaultRates().WithOverrides(over)
}

func trustConfig(c config.TrustConfig, defaultThreshold float64) trust.Config {
	return trust.Config{
		Window:           time.Duration(c.WindowDays) * 24 * time.Hour,
		MinEvidence:      c.MinEvidence,
		AdaptInterval:    time.Duration(c.AdaptIntervalHours) * time.Hour,
		RaiseStep:        c.RaiseStep,
		LowerStep:        c.LowerStep,
		Floor:            c.Floor,
		Ceiling:          c.Ceiling,
		RaiseBelow:       c.RaiseBelowAgreement,
		LowerAbove:       c.LowerAboveAgreement,
		DefaultThreshold: defaultThreshold,
	}
}

// mediaTranscriber adapts the speech-to-text client to the pipeline.
type mediaTranscriber struct {
	client transcribe.Client
}

func (t mediaTranscriber) Transcribe(ctx context.Context, a *model.Artifact) (string, error) {
	res, err := t.client.Transcribe(ctx, a.MediaURL)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func initTranscriber() pipeline.Transcriber {
	if cfg.Transcribe.URL == "" {
		zap.L().Warn("transcribe.url not set, audio notes will fail at transcription")
		return nil
	}
	return mediaTranscriber{client: transcribe.NewClient(cfg.Transcribe.URL, cfg.Transcribe.Key,
		transcribe.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Transcribe.TimeoutSecs) * time.Second}))}
}

// initApp validates cfg for mode, opens and migrates the store, and builds
// the services. Callers should defer env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	locker, rl, err := initLocker(ctx)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init locker")
	}

	env := &appEnv{Store: st, Locker: locker, redis: rl}

	inst, err := telemetry.NewInstruments(telemetry.Meter(telemetry.InstrumentationName))
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "init instruments")
	}
	env.Inst = inst

	pendingWindow := time.Duration(cfg.Pipeline.PendingWindowDays) * 24 * time.Hour
	env.Limiter = ratelimit.NewLimiter(st, locker)
	env.Artifacts = artifact.NewService(st, locker, cfg.Pipeline.MaxTranscriptLength)
	env.Drafts = drafts.NewService(st, locker, pendingWindow, drafts.WithInstruments(inst))
	env.Analytics = analytics.NewService(st, time.Duration(cfg.Trust.WindowDays)*24*time.Hour)
	env.Trust = trust.NewAdapter(st, locker, trustConfig(cfg.Trust, cfg.Decision.DefaultThreshold))

	alerter := monitoring.NewAlerter(cfg.Monitoring)
	env.Budgets = monitoring.NewBudgetSweeper(st, locker, cfg.Budget,
		monitoring.WithBudgetAlerter(alerter),
		monitoring.WithBudgetInstruments(inst),
	)
	env.Checker = monitoring.NewChecker(monitoring.NewCollector(st), alerter, st, locker, cfg.Monitoring, inst)

	if mode != modePipeline {
		return env, nil
	}

	env.Breaker = resilience.NewBreaker(gateway.Provider, st, locker,
		resilience.FromBreakerConfig(cfg.Breaker.FailureThreshold, cfg.Breaker.WindowSecs, cfg.Breaker.CooldownSecs))
	env.Breaker.OnStateChange = func(provider string, from, to model.CircuitState) {
		inst.BreakerTransition(context.Background(), provider, string(from), string(to))
	}

	client := anthropicpkg.NewClient(cfg.Anthropic.Key,
		anthropicpkg.WithBaseURL(cfg.Anthropic.BaseURL),
		anthropicpkg.WithTimeout(time.Duration(cfg.Anthropic.TimeoutSecs)*time.Second),
	)
	env.Gateway = gateway.New(client, env.Limiter, env.Breaker, cost.NewCalculator(costRates(cfg.Pricing)), st,
		gateway.Config{
			Model:             cfg.Anthropic.Model,
			MaxTokens:         cfg.Anthropic.MaxTokens,
			RequestsPerSecond: cfg.Anthropic.RequestsPerSecond,
			Burst:             cfg.Anthropic.Burst,
		},
		gateway.WithInstruments(inst),
	)

	env.Pipeline = pipeline.New(pipeline.Deps{
		Artifacts:   env.Artifacts,
		Transcriber: initTranscriber(),
		Extractor:   claims.NewExtractor(env.Gateway),
		Resolver: resolve.NewResolver(env.Gateway, resolve.Config{
			AutoThreshold:  cfg.Resolve.AutoThreshold,
			CandidateFloor: cfg.Resolve.CandidateFloor,
			Margin:         cfg.Resolve.Margin,
			MaxAIRoster:    cfg.Resolve.MaxAIRoster,
		}),
		Classifier: sensitivity.NewClassifier(env.Gateway),
		Engine:     decision.NewEngine(cfg.Decision.DefaultThreshold),
		Drafts:     env.Drafts,
		Profiles:   env.Trust,
		Store:      st,
	}, pipeline.Config{
		ClaimConcurrency: cfg.Pipeline.ClaimConcurrency,
		StageTimeout:     time.Duration(cfg.Pipeline.StageTimeoutSecs) * time.Second,
	}, pipeline.WithInstruments(inst))

	zap.L().Info("pipeline ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("model", cfg.Anthropic.Model),
		zap.Bool("redis_locks", rl != nil),
	)
	return env, nil
}
