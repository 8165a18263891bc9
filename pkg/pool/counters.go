package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relayforge/maestro/pkg/ephemeral"
	"github.com/relayforge/maestro/pkg/models"
	"golang.org/x/time/rate"
)

// Counter field names inside an account's minute bucket hash.
const (
	fieldRequests    = "req"
	fieldTokens      = "tok"
	fieldInputTokens = "itok"
)

// CapacityUse is an account's consumption in the current minute window.
type CapacityUse struct {
	Requests    int
	Tokens      int
	InputTokens int
}

// LoadFraction returns the account's request load relative to its RPM limit,
// used by the least-loaded policy.
func (u CapacityUse) LoadFraction(limits models.CapacityLimits) float64 {
	if limits.RequestsPerMinute <= 0 {
		return 0
	}
	return float64(u.Requests) / float64(limits.RequestsPerMinute)
}

// Counters tracks per-account capacity in minute windows. The shared truth
// lives in the ephemeral tier (hash per account per minute, expiring after
// two windows); a local x/time rate limiter guards each account within this
// process so a redis outage cannot turn off rate limiting entirely.
type Counters struct {
	eph *ephemeral.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	// local fallback counts, used when the ephemeral tier is unavailable
	local       map[string]*CapacityUse
	localMinute int64

	now func() time.Time
}

// NewCounters creates the capacity counter tracker.
func NewCounters(eph *ephemeral.Client) *Counters {
	return &Counters{
		eph:      eph,
		limiters: make(map[string]*rate.Limiter),
		local:    make(map[string]*CapacityUse),
		now:      time.Now,
	}
}

// Usage reads an account's consumption in the current minute window.
func (c *Counters) Usage(ctx context.Context, accountID string) CapacityUse {
	minute := c.now().Unix() / 60
	if c.eph != nil {
		vals, err := c.eph.Redis().HGetAll(ctx, ephemeral.CounterKey(accountID, minute)).Result()
		if err == nil {
			return CapacityUse{
				Requests:    atoi(vals[fieldRequests]),
				Tokens:      atoi(vals[fieldTokens]),
				InputTokens: atoi(vals[fieldInputTokens]),
			}
		}
		if err != redis.Nil {
			slog.Warn("Failed to read capacity counters, using local fallback",
				"account_id", accountID, "error", err)
		}
	}
	return c.localUsage(accountID, minute)
}

// WithinLimits reports whether one more request of the projected token cost
// fits the account's limits in the current window.
func (c *Counters) WithinLimits(ctx context.Context, acct *models.ProviderAccount, inputTokens int) bool {
	use := c.Usage(ctx, acct.ID)
	lim := acct.Limits
	if lim.RequestsPerMinute > 0 && use.Requests+1 > lim.RequestsPerMinute {
		return false
	}
	if lim.TokensPerMinute > 0 && use.Tokens+inputTokens > lim.TokensPerMinute {
		return false
	}
	if lim.InputTokensPerMinute > 0 && use.InputTokens+inputTokens > lim.InputTokensPerMinute {
		return false
	}
	// In-process guard, sized at the account's RPM.
	return c.limiter(acct).Allow()
}

// RecordRequest charges a request and its projected input tokens against the
// account's window. Called when the request is committed to the account, not
// on completion, so failed and rate-limited calls still consume capacity.
func (c *Counters) RecordRequest(ctx context.Context, accountID string, inputTokens int) {
	c.record(ctx, accountID, 1, inputTokens, inputTokens)
}

// RecordOutput charges the completion tokens of a finished call on top of the
// input already recorded at acquisition.
func (c *Counters) RecordOutput(ctx context.Context, accountID string, outputTokens int) {
	if outputTokens <= 0 {
		return
	}
	c.record(ctx, accountID, 0, outputTokens, 0)
}

func (c *Counters) record(ctx context.Context, accountID string, requests, totalTokens, inputTokens int) {
	minute := c.now().Unix() / 60
	if c.eph != nil {
		key := ephemeral.CounterKey(accountID, minute)
		pipe := c.eph.Redis().Pipeline()
		if requests > 0 {
			pipe.HIncrBy(ctx, key, fieldRequests, int64(requests))
		}
		pipe.HIncrBy(ctx, key, fieldTokens, int64(totalTokens))
		if inputTokens > 0 {
			pipe.HIncrBy(ctx, key, fieldInputTokens, int64(inputTokens))
		}
		pipe.Expire(ctx, key, 2*time.Minute)
		if _, err := pipe.Exec(ctx); err != nil {
			slog.Warn("Failed to record capacity counters",
				"account_id", accountID, "error", err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocalWindow(minute)
	use := c.localGet(accountID)
	use.Requests += requests
	use.Tokens += totalTokens
	use.InputTokens += inputTokens
}

// limiter returns the per-account in-process rate limiter.
func (c *Counters) limiter(acct *models.ProviderAccount) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[acct.ID]
	if !ok {
		rpm := acct.Limits.RequestsPerMinute
		if rpm <= 0 {
			rpm = 600
		}
		l = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
		c.limiters[acct.ID] = l
	}
	return l
}

func (c *Counters) localUsage(accountID string, minute int64) CapacityUse {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocalWindow(minute)
	return *c.localGet(accountID)
}

// rollLocalWindow resets local counts when the minute advances. Caller holds
// the lock.
func (c *Counters) rollLocalWindow(minute int64) {
	if minute != c.localMinute {
		c.local = make(map[string]*CapacityUse)
		c.localMinute = minute
	}
}

// localGet returns the local count record for an account. Caller holds the lock.
func (c *Counters) localGet(accountID string) *CapacityUse {
	u, ok := c.local[accountID]
	if !ok {
		u = &CapacityUse{}
		c.local[accountID] = u
	}
	return u
}

func atoi(s string) int {
	var n int
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}
