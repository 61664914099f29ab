package session

import (
	"math/rand"
	"time"
)

// Delay returns how long to wait before connect attempt n (1-based). The
// first attempt waits InitialDelay unjittered. Later attempts grow by
// Multiplier up to MaxDelay and, with Jitter set, are scaled by a factor in
// [0.5, 1.5). A nil rng scales by 0.5.
func (b BackoffConfig) Delay(n int, rng *rand.Rand) time.Duration {
	if n <= 1 || b.InitialDelay <= 0 {
		return max(b.InitialDelay, 0)
	}
	growth := max(b.Multiplier, 1.0)
	d := float64(b.InitialDelay)
	for i := 1; i < n; i++ {
		d *= growth
		if b.MaxDelay > 0 && d >= float64(b.MaxDelay) {
			d = float64(b.MaxDelay)
			break
		}
	}
	if b.Jitter {
		scale := 0.5
		if rng != nil {
			scale += rng.Float64()
		}
		d *= scale
	}
	return time.Duration(d)
}
