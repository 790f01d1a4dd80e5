package reconciler

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays for consecutive failures: exponential
// doubling from Base, plus up to JitterFraction of the delay, capped at Cap.
// With JitterFraction 0 the sequence is deterministic, which the tests rely
// on.
type Backoff struct {
	Base           time.Duration
	Cap            time.Duration
	JitterFraction float64
}

// Delay returns the wait before the next attempt after `failures`
// consecutive failures (failures >= 1). The returned delay never exceeds
// Cap and never decreases as failures grows.
func (b Backoff) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}

	d := b.Base
	for i := 1; i < failures; i++ {
		d *= 2
		if d <= 0 || d >= b.Cap {
			// Overflow or past the cap; no point doubling further.
			d = b.Cap
			break
		}
	}
	if d > b.Cap {
		d = b.Cap
	}

	if b.JitterFraction > 0 {
		d += time.Duration(rand.Float64() * b.JitterFraction * float64(d))
		if d > b.Cap {
			d = b.Cap
		}
	}
	return d
}
