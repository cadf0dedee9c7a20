package queue

import (
	"math"
	"math/rand"
	"time"
)

// BackoffFunc returns the delay before retrying a message that has failed
// the given number of times (attempts >= 1).
type BackoffFunc func(attempts int) time.Duration

// Defaults match the historical policy: 20s, 40s, 80s ... capped at 5m.
const (
	defaultBackoffBase   = 20 * time.Second
	defaultBackoffFactor = 2.0
	defaultBackoffCap    = 5 * time.Minute
)

// ExponentialBackoff builds a backoff policy of
// min(cap, base * factor^(attempts-1)) plus a random jitter of 10-30% of
// the computed delay. Jitter keeps a burst of simultaneous failures from
// retrying in lockstep.
func ExponentialBackoff(base time.Duration, factor float64, cap time.Duration) BackoffFunc {
	return func(attempts int) time.Duration {
		if attempts < 1 {
			attempts = 1
		}
		d := time.Duration(float64(base) * math.Pow(factor, float64(attempts-1)))
		if d > cap || d <= 0 {
			d = cap
		}
		jitter := time.Duration((0.10 + 0.20*rand.Float64()) * float64(d))
		return d + jitter
	}
}

// DefaultBackoff is the policy used unless Client.SetBackoff overrides it.
var DefaultBackoff = ExponentialBackoff(defaultBackoffBase, defaultBackoffFactor, defaultBackoffCap)
