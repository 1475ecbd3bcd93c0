// backoff.go provides the retry schedule used for sell placements and
// other per-tick retries: exponential from 500ms with full jitter, capped
// at 60s. Attempt counts persist across ticks so a stuck sell does not
// hammer the exchange.
package exchange

import (
	"math/rand"
	"time"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 60 * time.Second
)

// Backoff returns the wait before retry number attempt (0-based), with
// jitter in [delay/2, delay).
func Backoff(attempt int) time.Duration {
	delay := backoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= backoffCap {
			delay = backoffCap
			break
		}
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}

// RetryAt computes the earliest time a retry should happen given when the
// last attempt was made.
func RetryAt(lastAttempt time.Time, attempt int) time.Time {
	return lastAttempt.Add(Backoff(attempt))
}
