package queue

import (
	"math"
	"time"

	"insight-pipeline/internal/models"
)

// Backoff returns 2^attempt * base. The result saturates at the largest representable
// duration instead of overflowing, and is capped at max when max > 0.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	ceiling := time.Duration(math.MaxInt64)
	wait := ceiling
	if attempt < 63 && base <= ceiling>>uint(attempt) {
		wait = base << uint(attempt)
	}
	if max > 0 && wait > max {
		wait = max
	}
	return wait
}

// RetryPolicy decides whether a failed attempt may be retried. Returning false fails the
// job immediately, with attempts raised to max_attempts.
type RetryPolicy func(job models.Job, err error) bool

// RetryAlways retries every failure until max_attempts is reached.
func RetryAlways(models.Job, error) bool { return true }
