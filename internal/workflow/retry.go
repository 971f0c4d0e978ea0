package workflow

import (
	"math/rand/v2"
	"time"

	"engraver/internal/config"
)

// RetryPolicy computes the delay before a failed attempt is retried:
// Base * 2^(attempt-1), capped at Max, then spread by ±Jitter.
type RetryPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// rand returns a value in [0, 1); nil uses math/rand.
	rand func() float64
}

// RetryPolicyFromConfig builds the policy from the [engraving] section.
func RetryPolicyFromConfig(cfg config.Engraving) RetryPolicy {
	return RetryPolicy{
		Base:   time.Duration(cfg.RetryBackoff) * time.Second,
		Max:    time.Duration(cfg.RetryBackoffMax) * time.Second,
		Jitter: cfg.RetryJitter,
	}
}

// Delay returns the wait after the given 1-based failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.Max > 0 && delay >= p.Max {
			break
		}
	}
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	if p.Jitter > 0 {
		jitter := min(p.Jitter, 1)
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		factor := 1 - jitter + r()*2*jitter
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}
