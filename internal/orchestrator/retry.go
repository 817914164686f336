package orchestrator

import "time"

const (
	// jitterDivisor yields 10% jitter on each computed delay.
	jitterDivisor = 10

	// maxRetryDelay caps exponential growth.
	maxRetryDelay = time.Minute
)

// RetryDelay calculates exponential backoff for the given attempt number
// (1-based), doubling the base delay per attempt with 10% jitter.
func RetryDelay(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt <= 0 {
		return base
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
			break
		}
	}

	// 10% jitter, centered on the computed delay.
	jitterRange := delay / jitterDivisor
	if jitterRange > 0 {
		jitter := time.Duration(time.Now().UnixNano() % int64(jitterRange))
		delay += jitter - jitterRange/2
	}
	return delay
}
