// Package retry holds the pure retry decision. No I/O, no clock.
package retry

import "time"

// Policy decides whether and when a failed execution is retried.
type Policy struct {
	MaxDelay time.Duration // cap on the exponential backoff; 0 = uncapped
}

// ShouldRetry authorizes another attempt. A failure flagged non-retriable
// by the job body short-circuits regardless of remaining budget.
func (p Policy) ShouldRetry(retryCount, maxRetries int, retriable bool) bool {
	if !retriable {
		return false
	}
	return retryCount < maxRetries
}

// Backoff returns base * 2^(attempt-1), capped at MaxDelay. Attempt is
// 1-based: the first retry waits exactly base.
func (p Policy) Backoff(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
