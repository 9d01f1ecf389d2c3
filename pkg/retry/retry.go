// Package retry implements a small multiplicative backoff policy for
// reconnect loops: delay grows by a factor per attempt, capped at a
// maximum, and resets on success.
package retry

import "time"

// Policy tracks consecutive failed attempts and yields the next delay.
// Not safe for concurrent use; each reconnect loop owns its policy.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64

	attempts int
}

// NewPolicy returns a policy with sane fallbacks for zero values.
func NewPolicy(base, max time.Duration, factor float64) *Policy {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if factor < 1 {
		factor = 2
	}
	return &Policy{Base: base, Max: max, Factor: factor}
}

// Next records a failed attempt and returns how long to wait before the
// next one.
func (p *Policy) Next() time.Duration {
	d := p.Base
	for i := 0; i < p.attempts; i++ {
		d = time.Duration(float64(d) * p.Factor)
		if d >= p.Max {
			d = p.Max
			break
		}
	}
	p.attempts++
	return d
}

// Reset clears the attempt counter after a successful connect.
func (p *Policy) Reset() {
	p.attempts = 0
}

// Attempts returns the number of consecutive failures so far.
func (p *Policy) Attempts() int {
	return p.attempts
}
