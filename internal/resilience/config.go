package resilience

import "time"

// StorageRetryConfig returns the retry policy for store calls made by the
// ingest pipeline. attempts <= 0 keeps the default.
func StorageRetryConfig(attempts int) RetryConfig {
	cfg := RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
	if attempts > 0 {
		cfg.MaxAttempts = attempts
	}
	return cfg
}
