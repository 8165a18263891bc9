// Package patterns supplies approved pattern suggestions: tenant- and
// agent-scoped guidance that the dispatcher prepends to an agent's system
// prompt when confidence clears the threshold. The content is opaque to the
// orchestrator; this is a cached read-through.
package patterns

import (
	"context"
	"log/slog"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/relayforge/maestro/pkg/models"
)

// MinConfidence is the inclusion threshold for suggestions.
const MinConfidence = 0.8

// MaxSuggestions caps how many suggestions reach a prompt.
const MaxSuggestions = 5

// Store loads suggestions. Implemented by the pattern service against the
// relational tier.
type Store interface {
	ListSuggestions(ctx context.Context, tenantID, agentType string) ([]*models.PatternSuggestion, error)
}

type cached struct {
	suggestions []*models.PatternSuggestion
	loadedAt    time.Time
}

// Service is the cached suggestion reader.
type Service struct {
	store Store
	cache *lru.Cache[string, cached]
	ttl   time.Duration
}

// NewService creates a pattern service with the given cache staleness bound.
func NewService(store Store, cacheTTL time.Duration) *Service {
	cache, _ := lru.New[string, cached](512)
	return &Service{store: store, cache: cache, ttl: cacheTTL}
}

// ForAgent returns up to MaxSuggestions suggestions for (tenant, agent) with
// confidence ≥ MinConfidence, ranked by relevance. Failures degrade to no
// suggestions — prompts are poorer, dispatches continue.
func (s *Service) ForAgent(ctx context.Context, tenantID, agentType string) []*models.PatternSuggestion {
	key := tenantID + ":" + agentType
	var all []*models.PatternSuggestion
	if c, ok := s.cache.Get(key); ok && time.Since(c.loadedAt) < s.ttl {
		all = c.suggestions
	} else {
		loaded, err := s.store.ListSuggestions(ctx, tenantID, agentType)
		if err != nil {
			slog.Warn("Failed to load pattern suggestions",
				"tenant_id", tenantID, "agent_type", agentType, "error", err)
			return nil
		}
		s.cache.Add(key, cached{suggestions: loaded, loadedAt: time.Now()})
		all = loaded
	}

	eligible := make([]*models.PatternSuggestion, 0, len(all))
	for _, p := range all {
		if p.Confidence >= MinConfidence {
			eligible = append(eligible, p)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Relevance == eligible[j].Relevance {
			return eligible[i].ID < eligible[j].ID
		}
		return eligible[i].Relevance > eligible[j].Relevance
	})
	if len(eligible) > MaxSuggestions {
		eligible = eligible[:MaxSuggestions]
	}
	return eligible
}
