package worker

import "time"

// Backoff returns base * 2^attempts, capped at maxDelay.
func Backoff(base, maxDelay time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= 62 {
		return maxDelay
	}
	d := base << attempts
	if d <= 0 || (maxDelay > 0 && d > maxDelay) {
		return maxDelay
	}
	return d
}
