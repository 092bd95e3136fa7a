// Package retry computes when a failed publish may be attempted again.
package retry

import (
	"math/rand/v2"
	"time"
)

// Policy is capped exponential backoff with symmetric jitter.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      float64 // fraction of the delay, e.g. 0.2 for +/-20%
	MaxAttempts int

	// rand returns a value in [0, 1). Nil uses math/rand/v2.
	rand func() float64
}

func NewPolicy(base, max time.Duration, jitter float64, maxAttempts int) Policy {
	return Policy{Base: base, Max: max, Jitter: jitter, MaxAttempts: maxAttempts}
}

// WithRand returns a copy of p drawing jitter from fn.
func (p Policy) WithRand(fn func() float64) Policy {
	p.rand = fn
	return p
}

// NextRetryDelay returns min(Base * 2^(attempts-1), Max) with jitter applied.
// attempts is the number of attempts made so far (at least 1). The result
// is never negative.
func (p Policy) NextRetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := p.Base
	for i := 1; i < attempts && delay < p.Max; i++ {
		delay *= 2
	}
	if delay > p.Max || delay <= 0 {
		delay = p.Max
	}

	if p.Jitter > 0 {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		factor := 1 + p.Jitter*(2*r()-1)
		delay = time.Duration(float64(delay) * factor)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// ShouldRetry reports whether another attempt is allowed after attempts
// have been made.
func (p Policy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}
