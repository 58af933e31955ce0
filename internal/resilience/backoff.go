// Package resilience holds the fault-tolerance utilities the engine layers
// over flaky external dependencies: jittered exponential backoff and a
// closed/open/half-open circuit breaker.
package resilience

import (
	"math/rand"
	"time"
)

const (
	// backoffBase is the wait before the first retry.
	backoffBase = 1000 * time.Millisecond
	// backoffCap bounds the exponential component.
	backoffCap = 30000 * time.Millisecond
	// backoffJitter is the exclusive upper bound of the random jitter.
	backoffJitter = 500 * time.Millisecond
)

// Backoff maps a retry attempt number (0-based) to a wait duration:
// min(1s * 2^attempt, 30s) plus uniform jitter in [0, 500ms). Ignoring
// jitter the result is monotonic non-decreasing in attempt.
func Backoff(attempt int) time.Duration {
	d := backoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	return d + time.Duration(rand.Int63n(int64(backoffJitter)))
}
