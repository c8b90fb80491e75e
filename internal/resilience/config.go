package resilience

import "time"

// GuardFromConfig converts flat config values into a Guard. Zero values
// fall back to defaults; failureThreshold < 0 disables the breaker.
func GuardFromConfig(maxAttempts, initialBackoffMs, maxBackoffMs, failureThreshold, resetTimeoutSecs int) *Guard {
	retry := DefaultRetryConfig()
	if maxAttempts > 0 {
		retry.MaxAttempts = maxAttempts
	}
	if initialBackoffMs > 0 {
		retry.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		retry.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	retry.OnRetry = RetryLogger("amocrm", "request")

	if failureThreshold < 0 {
		return NewGuard(retry, nil)
	}
	breaker := NewBreaker(BreakerConfig{
		FailureThreshold: failureThreshold,
		ResetTimeout:     time.Duration(resetTimeoutSecs) * time.Second,
	})
	return NewGuard(retry, breaker)
}
