package control

import "time"

// Policy configures how the poll loop reacts to repeated failures.
type Policy struct {
	BreakerThreshold int
	BreakerCooldown  time.Duration
	MaxBackoff       time.Duration
}

// DefaultPolicy returns the poll-loop policy used by the relay.
func DefaultPolicy() Policy {
	return Policy{
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		MaxBackoff:       30 * time.Second,
	}
}

// RetryBackoffSeconds computes exponential backoff with a fixed cap.
func RetryBackoffSeconds(attempt int) int {
	if attempt <= 0 {
		return 0
	}
	if attempt > 6 {
		return 30
	}
	seconds := 1 << (attempt - 1)
	if seconds > 30 {
		return 30
	}
	return seconds
}

// Backoff returns the wait before the next attempt, never below floor and
// never above p.MaxBackoff.
func (p Policy) Backoff(attempt int, floor time.Duration) time.Duration {
	d := time.Duration(RetryBackoffSeconds(attempt)) * time.Second
	if d < floor {
		d = floor
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}
