package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quickRetry(attempts int) RetryConfig {
	return RetryConfig{Attempts: attempts, Base: time.Millisecond, Cap: 4 * time.Millisecond}
}

func TestDo(t *testing.T) {
	transient := NewTransientError(errors.New("upstream 503"), 503)
	permanent := errors.New("bad request")

	tests := []struct {
		name      string
		cfg       RetryConfig
		failures  []error
		wantCalls int
		wantErr   bool
	}{
		{name: "first try", cfg: quickRetry(3), wantCalls: 1},
		{name: "transient then ok", cfg: quickRetry(3), failures: []error{transient, transient}, wantCalls: 3},
		{name: "out of attempts", cfg: quickRetry(2), failures: []error{transient, transient, transient}, wantCalls: 2, wantErr: true},
		{name: "permanent stops", cfg: quickRetry(3), failures: []error{permanent}, wantCalls: 1, wantErr: true},
		{
			name:      "custom retryable",
			cfg:       RetryConfig{Attempts: 3, Base: time.Millisecond, Retryable: func(error) bool { return true }},
			failures:  []error{permanent, permanent},
			wantCalls: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			err := Do(context.Background(), tt.cfg, func(_ context.Context) error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDo_OnRetryAttempts(t *testing.T) {
	t.Parallel()

	var seen []int
	cfg := quickRetry(3)
	cfg.OnRetry = func(attempt int, _ error) { seen = append(seen, attempt) }

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		return NewTransientError(errors.New("timeout"), 504)
	})
	require.Error(t, err)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDo_StopsWhenContextEnds(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := RetryConfig{Attempts: 5, Base: time.Second}

	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		cancel()
		return NewTransientError(errors.New("temporary"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryConfig_Delay(t *testing.T) {
	t.Parallel()

	cfg := RetryConfig{Base: 100 * time.Millisecond, Cap: time.Second}.normalized()
	cfg.Jitter = 0
	assert.Equal(t, 100*time.Millisecond, cfg.delay(1))
	assert.Equal(t, 200*time.Millisecond, cfg.delay(2))
	assert.Equal(t, 400*time.Millisecond, cfg.delay(3))
	assert.Equal(t, time.Second, cfg.delay(12))

	cfg.Jitter = 0.5
	for range 50 {
		d := cfg.delay(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestRetryConfig_Normalized(t *testing.T) {
	t.Parallel()

	c := RetryConfig{Jitter: 3}.normalized()
	assert.Equal(t, 3, c.Attempts)
	assert.Equal(t, 500*time.Millisecond, c.Base)
	assert.Equal(t, 30*time.Second, c.Cap)
	assert.Zero(t, c.Jitter)
	assert.NotNil(t, c.Retryable)
}

func TestFromRetryConfig(t *testing.T) {
	t.Parallel()

	c := FromRetryConfig(5, 250)
	assert.Equal(t, 5, c.Attempts)
	assert.Equal(t, 250*time.Millisecond, c.Base)

	d := FromRetryConfig(0, 0)
	assert.Equal(t, DefaultRetryConfig().Attempts, d.Attempts)
	assert.Equal(t, DefaultRetryConfig().Base, d.Base)
}

func TestRetryLogger(t *testing.T) {
	t.Parallel()

	fn := RetryLogger("monitoring.alerter", "webhook")
	assert.NotPanics(t, func() { fn(1, errors.New("boom")) })
}
