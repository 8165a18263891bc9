package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relayforge/maestro/pkg/config"
	"github.com/relayforge/maestro/pkg/models"
)

// selector picks the next account for an attempt under the configured policy.
// An account is usable iff it is active, its breaker admits a call, the
// projected request fits its capacity window, and it was not already used in
// this retry sequence.
type selector struct {
	policy   config.SelectionPolicy
	counters *Counters
	breakers *BreakerSet

	mu       sync.Mutex
	lastUsed map[string]time.Time // round-robin recency
}

func newSelector(policy config.SelectionPolicy, counters *Counters, breakers *BreakerSet) *selector {
	return &selector{
		policy:   policy,
		counters: counters,
		breakers: breakers,
		lastUsed: make(map[string]time.Time),
	}
}

// pick returns the chosen account, or nil when no account is usable.
func (s *selector) pick(ctx context.Context, accounts []*models.ProviderAccount, used map[string]bool, inputTokens int) *models.ProviderAccount {
	usable := make([]*models.ProviderAccount, 0, len(accounts))
	for _, a := range accounts {
		if a.Status == models.AccountStatusDisabled {
			continue
		}
		if used[a.ID] {
			continue
		}
		// Cooling accounts become usable again once their cool-off passed.
		if a.Status == models.AccountStatusRateLimited && time.Now().Before(a.CoolUntil) {
			continue
		}
		if !s.breakers.Usable(a.ID) {
			continue
		}
		if !s.counters.WithinLimits(ctx, a, inputTokens) {
			continue
		}
		usable = append(usable, a)
	}
	if len(usable) == 0 {
		return nil
	}

	switch s.policy {
	case config.PolicyRoundRobin:
		s.mu.Lock()
		sort.Slice(usable, func(i, j int) bool {
			ti, tj := s.lastUsed[usable[i].ID], s.lastUsed[usable[j].ID]
			if ti.Equal(tj) {
				return usable[i].ID < usable[j].ID
			}
			return ti.Before(tj)
		})
		s.mu.Unlock()
	case config.PolicyTierPreferred:
		sort.Slice(usable, func(i, j int) bool {
			ri, rj := usable[i].Tier.Rank(), usable[j].Tier.Rank()
			if ri == rj {
				return usable[i].ID < usable[j].ID
			}
			return ri > rj
		})
	default: // least-loaded
		loads := make(map[string]float64, len(usable))
		for _, a := range usable {
			loads[a.ID] = s.counters.Usage(ctx, a.ID).LoadFraction(a.Limits)
		}
		sort.Slice(usable, func(i, j int) bool {
			li, lj := loads[usable[i].ID], loads[usable[j].ID]
			if li == lj {
				return usable[i].ID < usable[j].ID
			}
			return li < lj
		})
	}

	chosen := usable[0]
	s.mu.Lock()
	s.lastUsed[chosen.ID] = time.Now()
	s.mu.Unlock()
	return chosen
}
