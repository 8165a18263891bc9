package config

import (
	"fmt"
	"time"
)

// SelectionPolicy names an account selection strategy.
type SelectionPolicy string

const (
	PolicyLeastLoaded   SelectionPolicy = "least-loaded"
	PolicyRoundRobin    SelectionPolicy = "round-robin"
	PolicyTierPreferred SelectionPolicy = "tier-preferred"
)

// PoolConfig tunes the provider account pool: selection, retry, and the
// per-account circuit breaker.
type PoolConfig struct {
	// Policy is the default selection policy (tenants may override).
	Policy SelectionPolicy `yaml:"policy"`

	// SelectionTimeout bounds how long a request may wait for a usable account.
	SelectionTimeout time.Duration `yaml:"selection_timeout"`

	// MaxAttempts is the total number of provider calls per request,
	// across distinct accounts.
	MaxAttempts int `yaml:"max_attempts"`

	// Backoff between attempts: base * factor^attempt, capped, with jitter.
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	BackoffCap    time.Duration `yaml:"backoff_cap"`
	// JitterFraction is the ± jitter applied to each backoff (0.2 = ±20%).
	JitterFraction float64 `yaml:"jitter_fraction"`

	// BreakerThreshold is the consecutive-failure count that opens a breaker.
	BreakerThreshold int `yaml:"breaker_threshold"`
	// CooldownBase is the first open-state cooldown; repeated opens double it
	// up to CooldownCap.
	CooldownBase time.Duration `yaml:"cooldown_base"`
	CooldownCap  time.Duration `yaml:"cooldown_cap"`

	// CounterRefresh is the consistency window for cross-process capacity
	// counters in the ephemeral tier.
	CounterRefresh time.Duration `yaml:"counter_refresh"`
}

// DefaultPoolConfig returns the built-in pool defaults.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Policy:           PolicyLeastLoaded,
		SelectionTimeout: 5 * time.Second,
		MaxAttempts:      3,
		BackoffBase:      1 * time.Second,
		BackoffFactor:    2,
		BackoffCap:       10 * time.Second,
		JitterFraction:   0.2,
		BreakerThreshold: 5,
		CooldownBase:     5 * time.Minute,
		CooldownCap:      30 * time.Minute,
		CounterRefresh:   1 * time.Second,
	}
}

// Validate checks pool configuration invariants.
func (c *PoolConfig) Validate() error {
	switch c.Policy {
	case PolicyLeastLoaded, PolicyRoundRobin, PolicyTierPreferred:
	default:
		return fmt.Errorf("pool: unknown selection policy %q", c.Policy)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("pool: max_attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("pool: backoff_factor must be >= 1, got %v", c.BackoffFactor)
	}
	if c.JitterFraction < 0 || c.JitterFraction >= 1 {
		return fmt.Errorf("pool: jitter_fraction must be in [0,1), got %v", c.JitterFraction)
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("pool: breaker_threshold must be >= 1, got %d", c.BreakerThreshold)
	}
	if c.CooldownCap < c.CooldownBase {
		return fmt.Errorf("pool: cooldown_cap %v is below cooldown_base %v", c.CooldownCap, c.CooldownBase)
	}
	return nil
}
