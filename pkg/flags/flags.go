// Package flags evaluates feature flags. Evaluation is pure given the flag
// configuration; the service wraps a store with a short-TTL LRU cache so the
// hot path never queries the relational tier per request.
package flags

import (
	"context"
	"hash/fnv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/relayforge/maestro/pkg/models"
)

// FlagConfig is the full configuration of one flag: the flag row, its rules,
// and any per-tenant overrides.
type FlagConfig struct {
	Flag      models.FeatureFlag
	Rules     []models.FlagRule
	Overrides []models.FlagOverride
}

// Evaluate decides a flag for a tenant. Pure: same inputs, same answer.
// Precedence: unexpired override > blocklist > allowlist > percentage >
// global bit. A flag disabled globally is off regardless of rules.
func Evaluate(cfg FlagConfig, tenantID string, now time.Time) bool {
	for _, o := range cfg.Overrides {
		if o.TenantID != tenantID {
			continue
		}
		if o.ExpiresAt != nil && now.After(*o.ExpiresAt) {
			continue
		}
		return o.Enabled
	}

	if !cfg.Flag.Enabled {
		return false
	}

	hasAllowlist := false
	allowed := false
	outsideBucket := false
	for _, r := range cfg.Rules {
		switch r.Type {
		case models.FlagRuleBlocklist:
			for _, id := range r.TenantIDs {
				if id == tenantID {
					return false
				}
			}
		case models.FlagRuleAllowlist:
			hasAllowlist = true
			for _, id := range r.TenantIDs {
				if id == tenantID {
					allowed = true
				}
			}
		case models.FlagRulePercentage:
			if bucket(cfg.Flag.Key, tenantID) >= r.Percentage {
				outsideBucket = true
			}
		}
	}
	// The allowlist outranks the percentage rollout: an allowlisted tenant
	// is in regardless of its bucket, and one outside the allowlist is out.
	if hasAllowlist {
		return allowed
	}
	return !outsideBucket
}

// bucket deterministically maps (flag, tenant) into [0,100).
func bucket(flagKey, tenantID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(flagKey))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(tenantID))
	return int(h.Sum32() % 100)
}

// Store loads flag configuration. Implemented by the flag service against
// the relational tier.
type Store interface {
	GetFlagConfig(ctx context.Context, key string) (*FlagConfig, error)
}

// cached pairs a config with its load time.
type cached struct {
	cfg      *FlagConfig
	loadedAt time.Time
}

// Service evaluates flags with a read-through cache.
type Service struct {
	store Store
	cache *lru.Cache[string, cached]
	ttl   time.Duration
	now   func() time.Time
}

// NewService creates a flag service. cacheTTL bounds staleness after config
// changes.
func NewService(store Store, cacheTTL time.Duration) *Service {
	cache, _ := lru.New[string, cached](256)
	return &Service{store: store, cache: cache, ttl: cacheTTL, now: time.Now}
}

// IsEnabled evaluates a flag for a tenant. Unknown flags and load failures
// evaluate to false (fail closed).
func (s *Service) IsEnabled(ctx context.Context, key, tenantID string) bool {
	now := s.now()
	if c, ok := s.cache.Get(key); ok && now.Sub(c.loadedAt) < s.ttl {
		return Evaluate(*c.cfg, tenantID, now)
	}
	cfg, err := s.store.GetFlagConfig(ctx, key)
	if err != nil || cfg == nil {
		return false
	}
	s.cache.Add(key, cached{cfg: cfg, loadedAt: now})
	return Evaluate(*cfg, tenantID, now)
}
