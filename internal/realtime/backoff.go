package realtime

import (
	"math/rand/v2"
	"time"
)

// backoff returns the wait before reconnect attempt n (1-based): initial
// doubled per attempt, capped at ceiling, with ±20% jitter.
func backoff(n int, initial, ceiling time.Duration, jitter func() float64) time.Duration {
	d := initial
	for i := 1; i < n && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	if jitter == nil {
		jitter = rand.Float64
	}
	factor := 0.8 + 0.4*jitter()
	return time.Duration(float64(d) * factor)
}
