package analysis

import "time"

// Backoff returns the delay before retry number attempt (1-based):
// 2^(attempt-1)*base plus a random value in [0, jitter) drawn from rnd.
func Backoff(attempt int, base, jitter time.Duration, rnd func(n int64) int64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base * time.Duration(int64(1)<<(attempt-1))
	if jitter > 0 && rnd != nil {
		delay += time.Duration(rnd(int64(jitter)))
	}
	return delay
}
