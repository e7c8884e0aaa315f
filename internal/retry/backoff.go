package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff returns an exponential delay (base * 2^attempt, capped at max) with
// full jitter applied, so concurrent retriers spread out.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	return time.Duration(rand.Float64() * float64(ceiling(attempt, base, max)))
}

// EqualJitter keeps half of the exponential delay and jitters the other half,
// so the result is never shorter than ceiling/2.
func EqualJitter(attempt int, base, max time.Duration) time.Duration {
	full := ceiling(attempt, base, max)
	half := full / 2
	return half + time.Duration(rand.Float64()*float64(full-half))
}

func ceiling(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 60 * time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	backoff := float64(base) * math.Pow(2, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	return time.Duration(backoff)
}

// Sleep waits for d or until ctx is done. It reports false when ctx ended first.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
