package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// No config.yaml in the temp dir
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 300, cfg.Breaker.WindowSecs)
	assert.Equal(t, 60, cfg.Breaker.CooldownSecs)
	assert.InDelta(t, 0.85, cfg.Decision.DefaultThreshold, 0.001)
	assert.InDelta(t, 0.9, cfg.Resolve.AutoThreshold, 0.001)
	assert.InDelta(t, 0.8, cfg.Resolve.CandidateFloor, 0.001)
	assert.Equal(t, 10, cfg.Trust.MinEvidence)
	assert.InDelta(t, 0.05, cfg.Trust.RaiseStep, 0.001)
	assert.InDelta(t, 0.7, cfg.Trust.Floor, 0.001)
	assert.InDelta(t, 0.99, cfg.Trust.Ceiling, 0.001)
	assert.InDelta(t, 80.0, cfg.Budget.DefaultThresholdPct, 0.001)
	assert.Equal(t, 60, cfg.Budget.DedupeMinutes)
	assert.Equal(t, 50, cfg.Monitoring.QueueDepthThreshold)
	assert.Equal(t, 100, cfg.Monitoring.BacklogThreshold)
	assert.Equal(t, 3, cfg.Monitoring.WebhookAttempts)
	assert.Equal(t, 500, cfg.Monitoring.WebhookBackoffMs)
	assert.Equal(t, 4, cfg.Pipeline.ClaimConcurrency)
	assert.Equal(t, 7, cfg.Pipeline.PendingWindowDays)
	assert.Equal(t, 120, cfg.Transcribe.TimeoutSecs)
	assert.Empty(t, cfg.Transcribe.URL)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, "coach-insights", cfg.Telemetry.ServiceName)
	assert.False(t, cfg.Schedule.Enabled)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: insights.db
log:
  level: debug
  format: console
server:
  port: 9090
trust:
  min_evidence: 20
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "insights.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 20, cfg.Trust.MinEvidence)
	// Defaults still apply for unset values
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("INSIGHTS_STORE_DRIVER", "postgres")
	t.Setenv("INSIGHTS_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("INSIGHTS_SERVER_PORT", "3000")
	t.Setenv("INSIGHTS_DECISION_DEFAULT_THRESHOLD", "0.9")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.InDelta(t, 0.9, cfg.Decision.DefaultThreshold, 0.001)
}

func TestLoadMalformedYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		mode    string
		wantErr string
	}{
		{
			name: "pipeline ok",
			cfg: Config{
				Store:     StoreConfig{Driver: "postgres", DatabaseURL: "postgres://localhost/test"},
				Anthropic: AnthropicConfig{Key: "sk-ant"},
			},
			mode: "pipeline",
		},
		{
			name:    "pipeline missing key",
			cfg:     Config{Store: StoreConfig{Driver: "postgres", DatabaseURL: "postgres://localhost/test"}},
			mode:    "pipeline",
			wantErr: "anthropic.key",
		},
		{
			name: "store mode ignores provider key",
			cfg:  Config{Store: StoreConfig{Driver: "sqlite", DatabaseURL: "file.db"}},
			mode: "store",
		},
		{
			name:    "missing database url",
			cfg:     Config{Store: StoreConfig{Driver: "sqlite"}},
			mode:    "store",
			wantErr: "store.database_url",
		},
		{
			name:    "unknown driver",
			cfg:     Config{Store: StoreConfig{Driver: "mysql", DatabaseURL: "x"}},
			mode:    "store",
			wantErr: "unknown store driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate(tt.mode)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
