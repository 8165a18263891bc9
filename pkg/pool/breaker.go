package pool

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/relayforge/maestro/pkg/ephemeral"
	"github.com/relayforge/maestro/pkg/models"
)

// breakerState is the in-memory circuit state for one account. Transitions
// use a generation counter as compare-and-set: a stale observer cannot
// reopen a breaker that was closed by a newer transition.
type breakerState struct {
	state      models.CircuitState
	failures   int
	coolUntil  time.Time
	openCount  int // consecutive opens, grows the cooldown
	generation uint64
	probing    bool // a half-open probe call is in flight
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	Threshold    int
	CooldownBase time.Duration
	CooldownCap  time.Duration
}

// Checkpointer persists breaker transitions so restarts see consistent
// state. Implemented by the account service against the relational tier.
type Checkpointer interface {
	CheckpointBreaker(ctx context.Context, accountID string, state models.CircuitState, failures int, coolUntil time.Time) error
}

// BreakerSet manages circuit breakers for all accounts seen by this process.
// State is authoritative in memory, checkpointed to the ephemeral tier and
// (via the Checkpointer) the relational tier on every transition.
type BreakerSet struct {
	mu     sync.Mutex
	states map[string]*breakerState
	cfg    BreakerConfig
	eph    *ephemeral.Client
	check  Checkpointer
	now    func() time.Time
}

// NewBreakerSet creates a breaker set. eph and check may be nil in tests.
func NewBreakerSet(cfg BreakerConfig, eph *ephemeral.Client, check Checkpointer) *BreakerSet {
	return &BreakerSet{
		states: make(map[string]*breakerState),
		cfg:    cfg,
		eph:    eph,
		check:  check,
		now:    time.Now,
	}
}

// Hydrate seeds a breaker from a persisted account row. Called when an
// account is first seen; an existing in-memory state wins.
func (b *BreakerSet) Hydrate(acct *models.ProviderAccount) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.states[acct.ID]; ok {
		return
	}
	b.states[acct.ID] = &breakerState{
		state:     acct.CircuitState,
		failures:  acct.ConsecutiveFailures,
		coolUntil: acct.CoolUntil,
	}
}

// Usable reports whether the breaker would admit a call for the account.
// Read-only: selection filters may evaluate any number of accounts without
// claiming the half-open probe slot. Claiming happens in Acquire.
func (b *BreakerSet) Usable(accountID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.get(accountID)
	switch st.state {
	case models.CircuitClosed:
		return true
	case models.CircuitOpen:
		return b.now().After(st.coolUntil)
	case models.CircuitHalfOpen:
		return !st.probing
	}
	return false
}

// Acquire claims permission to call through the breaker for the selected
// account, moving open → half-open when the cooldown has elapsed. Half-open
// admits one probe call at a time; the returned generation ties the eventual
// RecordSuccess or RecordFailure back to this claim. A claim whose call never
// happens must be returned with Release.
func (b *BreakerSet) Acquire(accountID string) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.get(accountID)
	switch st.state {
	case models.CircuitClosed:
		return st.generation, true
	case models.CircuitOpen:
		if b.now().After(st.coolUntil) {
			st.state = models.CircuitHalfOpen
			st.generation++
			st.probing = true
			return st.generation, true
		}
		return 0, false
	case models.CircuitHalfOpen:
		if st.probing {
			return 0, false
		}
		st.probing = true
		return st.generation, true
	}
	return 0, false
}

// Release frees the probe slot claimed by Acquire when the call it was
// claimed for was never made.
func (b *BreakerSet) Release(accountID string, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.get(accountID)
	if st.generation == gen {
		st.probing = false
	}
}

// State returns the current circuit state and generation for an account.
func (b *BreakerSet) State(accountID string) (models.CircuitState, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.get(accountID)
	return st.state, st.generation
}

// Failures returns the consecutive failure count for an account.
func (b *BreakerSet) Failures(accountID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(accountID).failures
}

// RecordSuccess resets the failure count and closes a half-open breaker.
// The generation guards against a stale success (from a call that started
// before a newer transition) closing a breaker it no longer owns.
func (b *BreakerSet) RecordSuccess(ctx context.Context, accountID string, gen uint64) {
	b.mu.Lock()
	st := b.get(accountID)
	if st.generation != gen {
		b.mu.Unlock()
		return
	}
	st.failures = 0
	st.probing = false
	if st.state == models.CircuitHalfOpen {
		st.state = models.CircuitClosed
		st.openCount = 0
		st.generation++
	}
	snapshot := *st
	b.mu.Unlock()
	b.persist(ctx, accountID, snapshot)
}

// RecordFailure increments the failure count and opens the breaker at the
// threshold. A failed half-open probe reopens with a doubled cooldown.
func (b *BreakerSet) RecordFailure(ctx context.Context, accountID string, gen uint64) {
	b.mu.Lock()
	st := b.get(accountID)
	if st.generation != gen {
		b.mu.Unlock()
		return
	}
	st.failures++
	st.probing = false
	reopen := st.state == models.CircuitHalfOpen
	if reopen || st.failures >= b.cfg.Threshold {
		b.open(st)
	}
	snapshot := *st
	b.mu.Unlock()
	b.persist(ctx, accountID, snapshot)
}

// ForceOpen opens the breaker immediately (auth failures).
func (b *BreakerSet) ForceOpen(ctx context.Context, accountID string) {
	b.mu.Lock()
	st := b.get(accountID)
	st.failures = b.cfg.Threshold
	b.open(st)
	snapshot := *st
	b.mu.Unlock()
	b.persist(ctx, accountID, snapshot)
}

// open transitions to the open state. Caller holds the lock.
func (b *BreakerSet) open(st *breakerState) {
	st.state = models.CircuitOpen
	st.probing = false
	st.openCount++
	cooldown := b.cfg.CooldownBase
	for i := 1; i < st.openCount; i++ {
		cooldown *= 2
		if cooldown >= b.cfg.CooldownCap {
			cooldown = b.cfg.CooldownCap
			break
		}
	}
	st.coolUntil = b.now().Add(cooldown)
	st.generation++
}

// get returns the state for an account, creating a closed one on first use.
// Caller holds the lock.
func (b *BreakerSet) get(accountID string) *breakerState {
	st, ok := b.states[accountID]
	if !ok {
		st = &breakerState{state: models.CircuitClosed}
		b.states[accountID] = st
	}
	return st
}

// breakerCheckpoint is the small record written to the ephemeral tier.
type breakerCheckpoint struct {
	State     models.CircuitState `json:"state"`
	Failures  int                 `json:"failures"`
	CoolUntil time.Time           `json:"cool_until"`
}

// persist checkpoints a transition to both tiers. Best-effort: a checkpoint
// failure never blocks the request path.
func (b *BreakerSet) persist(ctx context.Context, accountID string, st breakerState) {
	if b.eph != nil {
		cp, _ := json.Marshal(breakerCheckpoint{State: st.state, Failures: st.failures, CoolUntil: st.coolUntil})
		if err := b.eph.Redis().Set(ctx, ephemeral.BreakerKey(accountID), cp, 0).Err(); err != nil {
			slog.Warn("Failed to checkpoint breaker to ephemeral tier",
				"account_id", accountID, "error", err)
		}
	}
	if b.check != nil {
		if err := b.check.CheckpointBreaker(ctx, accountID, st.state, st.failures, st.coolUntil); err != nil {
			slog.Warn("Failed to checkpoint breaker to relational tier",
				"account_id", accountID, "error", err)
		}
	}
}
