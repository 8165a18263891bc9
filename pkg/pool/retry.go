package pool

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/relayforge/maestro/pkg/config"
	"github.com/relayforge/maestro/pkg/llm"
)

// RetryDecision is the outcome of the retry policy for one failed attempt.
type RetryDecision struct {
	// Retry is true when another attempt (on a different account) should run.
	Retry bool
	// Backoff is the sleep before the next attempt.
	Backoff time.Duration
	// CoolAccount is true when the failed account should be put in cooling.
	CoolAccount bool
	// OpenBreaker is true when the failure should immediately open the
	// account's breaker (auth failures).
	OpenBreaker bool
}

// RetryPolicy decides, purely from (attempt, error), whether to fail over to
// another account. Kept free of clocks and I/O so tests can feed error
// sequences and assert the decisions.
type RetryPolicy struct {
	cfg *config.PoolConfig
	// rng is the jitter source; tests may replace it for determinism.
	rng func() float64
}

// NewRetryPolicy creates a policy from pool configuration.
func NewRetryPolicy(cfg *config.PoolConfig) *RetryPolicy {
	return &RetryPolicy{cfg: cfg, rng: rand.Float64}
}

// Decide classifies the error from attempt (0-based) and returns the decision.
func (p *RetryPolicy) Decide(attempt int, err error) RetryDecision {
	exhausted := attempt+1 >= p.cfg.MaxAttempts

	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.RateLimited():
			return RetryDecision{
				Retry:       !exhausted,
				Backoff:     p.backoff(attempt),
				CoolAccount: true,
			}
		case pe.Transient():
			return RetryDecision{
				Retry:   !exhausted,
				Backoff: p.backoff(attempt),
			}
		case pe.AuthFailure():
			return RetryDecision{OpenBreaker: true}
		}
	}
	// Schema errors, context errors, anything unclassified: no retry.
	return RetryDecision{}
}

// backoff computes base * factor^attempt, capped, with ± jitter.
func (p *RetryPolicy) backoff(attempt int) time.Duration {
	d := float64(p.cfg.BackoffBase)
	for i := 0; i < attempt; i++ {
		d *= p.cfg.BackoffFactor
	}
	if d > float64(p.cfg.BackoffCap) {
		d = float64(p.cfg.BackoffCap)
	}
	if j := p.cfg.JitterFraction; j > 0 {
		// Uniform in [1-j, 1+j].
		d *= 1 - j + 2*j*p.rng()
	}
	return time.Duration(d)
}
