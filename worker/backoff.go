package worker

import (
	"time"

	"github.com/cenkalti/backoff"
)

// Backoff is the delay between empty polls. It starts at the initial delay,
// doubles on every consecutive empty poll up to the cap, and returns to the
// initial delay after any successful claim.
type Backoff struct {
	exp *backoff.ExponentialBackOff
}

func NewBackoff(initial, max time.Duration) *Backoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxInterval = max
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &Backoff{exp: exp}
}

// Next returns the delay before the next poll and advances the sequence.
func (b *Backoff) Next() time.Duration {
	return b.exp.NextBackOff()
}

func (b *Backoff) Reset() {
	b.exp.Reset()
}
