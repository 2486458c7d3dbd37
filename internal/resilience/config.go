package resilience

import "time"

// FromRetryConfig builds a delivery RetryConfig from config values. Zero
// values keep the defaults.
func FromRetryConfig(attempts, backoffMs int) RetryConfig {
	cfg := DefaultRetryConfig()
	if attempts > 0 {
		cfg.Attempts = attempts
	}
	if backoffMs > 0 {
		cfg.Base = time.Duration(backoffMs) * time.Millisecond
	}
	return cfg
}

// FromBreakerConfig builds a BreakerConfig from config values. Zero values
// keep the defaults.
func FromBreakerConfig(failureThreshold, windowSecs, cooldownSecs int) BreakerConfig {
	cfg := DefaultBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if windowSecs > 0 {
		cfg.Window = time.Duration(windowSecs) * time.Second
	}
	if cooldownSecs > 0 {
		cfg.Cooldown = time.Duration(cooldownSecs) * time.Second
	}
	return cfg
}
