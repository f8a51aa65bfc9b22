// Package retry implements the exponential-backoff-with-jitter helper
// shared by the Outbound Wave Scheduler (C9) and the Call-Log Writer
// (C11), ported from the teacher's sip/trunk.go registration backoff.
package retry

import (
	"math/rand/v2"
	"time"
)

// Backoff computes exponentially increasing delays with ±20% jitter,
// capped at MaxDelay.
type Backoff struct {
	attempt   int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// New returns a Backoff with the given base and max delay.
func New(base, max time.Duration) *Backoff {
	return &Backoff{BaseDelay: base, MaxDelay: max}
}

// Next returns the delay for the current attempt and advances the
// attempt counter.
func (b *Backoff) Next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *Backoff) current() time.Duration {
	d := b.BaseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.MaxDelay {
			d = b.MaxDelay
			break
		}
	}
	// ±20% jitter to prevent thundering herd when many retries fire together.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.BaseDelay
	}
	return d
}

// Reset clears the attempt counter.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of times Next has been called.
func (b *Backoff) Attempt() int {
	return b.attempt
}
