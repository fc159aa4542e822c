package submission

import (
	"math/rand"
	"time"
)

// backoffDelay returns the wait before the next submission attempt. Delays
// double per attempt, stay under max, and carry up to 20% jitter so a fleet
// of stuck documents does not hammer the authority in lockstep.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	if rand.Intn(2) == 0 {
		jitter = -jitter
	}
	d += jitter
	if d > max {
		d = max
	}
	if d < base/2 {
		d = base / 2
	}
	return d
}
