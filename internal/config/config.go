package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Breaker    BreakerConfig    `yaml:"breaker" mapstructure:"breaker"`
	Decision   DecisionConfig   `yaml:"decision" mapstructure:"decision"`
	Resolve    ResolveConfig    `yaml:"resolve" mapstructure:"resolve"`
	Trust      TrustConfig      `yaml:"trust" mapstructure:"trust"`
	Budget     BudgetConfig     `yaml:"budget" mapstructure:"budget"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Schedule   ScheduleConfig   `yaml:"schedule" mapstructure:"schedule"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Transcribe TranscribeConfig `yaml:"transcribe" mapstructure:"transcribe"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" mapstructure:"telemetry"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the shared lock backend. An empty URL keeps
// locks in-process.
type RedisConfig struct {
	URL        string `yaml:"url" mapstructure:"url"`
	LockTTLMs  int    `yaml:"lock_ttl_ms" mapstructure:"lock_ttl_ms"`
	LockWaitMs int    `yaml:"lock_wait_ms" mapstructure:"lock_wait_ms"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	Model             string  `yaml:"model" mapstructure:"model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// PricingConfig holds per-model token pricing overrides.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// BreakerConfig configures the provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	WindowSecs       int `yaml:"window_secs" mapstructure:"window_secs"`
	CooldownSecs     int `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
}

// DecisionConfig configures the auto-apply gate.
type DecisionConfig struct {
	DefaultThreshold float64 `yaml:"default_threshold" mapstructure:"default_threshold"`
}

// ResolveConfig configures entity resolution.
type ResolveConfig struct {
	AutoThreshold  float64 `yaml:"auto_threshold" mapstructure:"auto_threshold"`
	CandidateFloor float64 `yaml:"candidate_floor" mapstructure:"candidate_floor"`
	Margin         float64 `yaml:"margin" mapstructure:"margin"`
	MaxAIRoster    int     `yaml:"max_ai_roster" mapstructure:"max_ai_roster"`
}

// TrustConfig configures threshold adaptation.
type TrustConfig struct {
	WindowDays          int     `yaml:"window_days" mapstructure:"window_days"`
	MinEvidence         int     `yaml:"min_evidence" mapstructure:"min_evidence"`
	AdaptIntervalHours  int     `yaml:"adapt_interval_hours" mapstructure:"adapt_interval_hours"`
	RaiseStep           float64 `yaml:"raise_step" mapstructure:"raise_step"`
	LowerStep           float64 `yaml:"lower_step" mapstructure:"lower_step"`
	Floor               float64 `yaml:"floor" mapstructure:"floor"`
	Ceiling             float64 `yaml:"ceiling" mapstructure:"ceiling"`
	RaiseBelowAgreement float64 `yaml:"raise_below_agreement" mapstructure:"raise_below_agreement"`
	LowerAboveAgreement float64 `yaml:"lower_above_agreement" mapstructure:"lower_above_agreement"`
}

// BudgetConfig configures budget alerting.
type BudgetConfig struct {
	DefaultThresholdPct float64 `yaml:"default_threshold_pct" mapstructure:"default_threshold_pct"`
	DedupeMinutes       int     `yaml:"dedupe_minutes" mapstructure:"dedupe_minutes"`
}

// MonitoringConfig configures pipeline health checks and alert delivery.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	LookbackMinutes      int     `yaml:"lookback_minutes" mapstructure:"lookback_minutes"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinFinished          int     `yaml:"min_finished" mapstructure:"min_finished"`
	QueueDepthThreshold  int     `yaml:"queue_depth_threshold" mapstructure:"queue_depth_threshold"`
	BacklogThreshold     int     `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`
	InactivityMinutes    int     `yaml:"inactivity_minutes" mapstructure:"inactivity_minutes"`
	WebhookAttempts      int     `yaml:"webhook_attempts" mapstructure:"webhook_attempts"`
	WebhookBackoffMs     int     `yaml:"webhook_backoff_ms" mapstructure:"webhook_backoff_ms"`
}

// ScheduleConfig holds cron specs for the in-process scheduler.
type ScheduleConfig struct {
	Enabled        bool   `yaml:"enabled" mapstructure:"enabled"`
	BudgetSweep    string `yaml:"budget_sweep" mapstructure:"budget_sweep"`
	WindowReset    string `yaml:"window_reset" mapstructure:"window_reset"`
	HealthCheck    string `yaml:"health_check" mapstructure:"health_check"`
	Reconcile      string `yaml:"reconcile" mapstructure:"reconcile"`
	TrustRecompute string `yaml:"trust_recompute" mapstructure:"trust_recompute"`
}

// PipelineConfig configures artifact processing.
type PipelineConfig struct {
	ClaimConcurrency    int `yaml:"claim_concurrency" mapstructure:"claim_concurrency"`
	StageTimeoutSecs    int `yaml:"stage_timeout_secs" mapstructure:"stage_timeout_secs"`
	ReconcileAfterMins  int `yaml:"reconcile_after_mins" mapstructure:"reconcile_after_mins"`
	PendingWindowDays   int `yaml:"pending_window_days" mapstructure:"pending_window_days"`
	MaxTranscriptLength int `yaml:"max_transcript_length" mapstructure:"max_transcript_length"`
}

// TranscribeConfig configures the speech-to-text service used for voice
// notes. An empty URL leaves audio artifacts unprocessable.
type TranscribeConfig struct {
	URL         string `yaml:"url" mapstructure:"url"`
	Key         string `yaml:"key" mapstructure:"key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure    bool   `yaml:"insecure" mapstructure:"insecure"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INSIGHTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("redis.lock_ttl_ms", 10000)
	v.SetDefault("redis.lock_wait_ms", 5000)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.timeout_secs", 45)
	v.SetDefault("anthropic.requests_per_second", 5.0)
	v.SetDefault("anthropic.burst", 5)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.window_secs", 300)
	v.SetDefault("breaker.cooldown_secs", 60)
	v.SetDefault("decision.default_threshold", 0.85)
	v.SetDefault("resolve.auto_threshold", 0.9)
	v.SetDefault("resolve.candidate_floor", 0.8)
	v.SetDefault("resolve.margin", 0.05)
	v.SetDefault("resolve.max_ai_roster", 40)
	v.SetDefault("trust.window_days", 30)
	v.SetDefault("trust.min_evidence", 10)
	v.SetDefault("trust.adapt_interval_hours", 24)
	v.SetDefault("trust.raise_step", 0.05)
	v.SetDefault("trust.lower_step", 0.02)
	v.SetDefault("trust.floor", 0.7)
	v.SetDefault("trust.ceiling", 0.99)
	v.SetDefault("trust.raise_below_agreement", 0.8)
	v.SetDefault("trust.lower_above_agreement", 0.95)
	v.SetDefault("budget.default_threshold_pct", 80.0)
	v.SetDefault("budget.dedupe_minutes", 60)
	v.SetDefault("monitoring.lookback_minutes", 60)
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.min_finished", 5)
	v.SetDefault("monitoring.queue_depth_threshold", 50)
	v.SetDefault("monitoring.backlog_threshold", 100)
	v.SetDefault("monitoring.inactivity_minutes", 60)
	v.SetDefault("monitoring.webhook_attempts", 3)
	v.SetDefault("monitoring.webhook_backoff_ms", 500)
	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.budget_sweep", "*/10 * * * *")
	v.SetDefault("schedule.window_reset", "*/5 * * * *")
	v.SetDefault("schedule.health_check", "*/5 * * * *")
	v.SetDefault("schedule.reconcile", "*/15 * * * *")
	v.SetDefault("schedule.trust_recompute", "0 3 * * *")
	v.SetDefault("pipeline.claim_concurrency", 4)
	v.SetDefault("pipeline.stage_timeout_secs", 60)
	v.SetDefault("pipeline.reconcile_after_mins", 5)
	v.SetDefault("pipeline.pending_window_days", 7)
	v.SetDefault("pipeline.max_transcript_length", 20000)
	v.SetDefault("transcribe.timeout_secs", 120)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("telemetry.service_name", "coach-insights")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the keys required by a command mode. "pipeline" needs a
// provider key and a store; "store" needs only a store.
func (c *Config) Validate(mode string) error {
	var missing []string

	switch c.Store.Driver {
	case "postgres", "sqlite":
		if c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url")
		}
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}

	if mode == "pipeline" && c.Anthropic.Key == "" {
		missing = append(missing, "anthropic.key")
	}

	if len(missing) > 0 {
		return eris.Errorf("config: missing required keys for %s: %s", mode, strings.Join(missing, ", "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
