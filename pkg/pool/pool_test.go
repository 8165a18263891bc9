package pool

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/maestro/pkg/config"
	"github.com/relayforge/maestro/pkg/llm"
	"github.com/relayforge/maestro/pkg/models"
	"github.com/relayforge/maestro/pkg/oerr"
	"github.com/relayforge/maestro/pkg/secrets"
)

func testPoolConfig() *config.PoolConfig {
	cfg := config.DefaultPoolConfig()
	cfg.SelectionTimeout = 50 * time.Millisecond
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 5 * time.Millisecond
	cfg.BreakerThreshold = 2
	cfg.CooldownBase = time.Minute
	cfg.CooldownCap = 4 * time.Minute
	return cfg
}

func testCipher(t *testing.T) *secrets.Cipher {
	t.Helper()
	c, err := secrets.NewCipher(strings.Repeat("ab", 32))
	require.NoError(t, err)
	return c
}

type fakeSource struct {
	accounts []*models.ProviderAccount
	cooled   []string
}

func (f *fakeSource) ListAccounts(context.Context, string) ([]*models.ProviderAccount, error) {
	return f.accounts, nil
}

func (f *fakeSource) MarkCooling(_ context.Context, accountID string, _ time.Time) error {
	f.cooled = append(f.cooled, accountID)
	return nil
}

func (f *fakeSource) CheckpointBreaker(context.Context, string, models.CircuitState, int, time.Time) error {
	return nil
}

// fakeClient scripts one outcome per credential, recording call order.
type fakeClient struct {
	errs  map[string]error // revealed credential -> error, nil means success
	calls []string
}

func (f *fakeClient) Complete(_ context.Context, _ *llm.Request, cred secrets.DecryptedSecret) (*llm.Response, error) {
	key := cred.Reveal()
	f.calls = append(f.calls, key)
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	return &llm.Response{Text: "ok", Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}}, nil
}

func account(t *testing.T, cipher *secrets.Cipher, id, key string) *models.ProviderAccount {
	t.Helper()
	enc, err := cipher.Encrypt(key)
	require.NoError(t, err)
	return &models.ProviderAccount{
		ID:              id,
		TenantID:        "t1",
		EncryptedSecret: enc,
		Tier:            models.TierBuild,
		Status:          models.AccountStatusActive,
		CircuitState:    models.CircuitClosed,
		Limits:          models.CapacityLimits{RequestsPerMinute: 100},
	}
}

func newTestPool(t *testing.T, cfg *config.PoolConfig, source *fakeSource, client llm.Client, ambient string) *Pool {
	t.Helper()
	p := New(cfg, source, client, testCipher(t), nil, ambient)
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func TestRetryPolicyDecide(t *testing.T) {
	cfg := testPoolConfig()
	policy := NewRetryPolicy(cfg)
	policy.rng = func() float64 { return 0.5 } // jitter factor exactly 1

	t.Run("rate limit retries and cools the account", func(t *testing.T) {
		d := policy.Decide(0, &llm.ProviderError{StatusCode: 429})
		assert.True(t, d.Retry)
		assert.True(t, d.CoolAccount)
		assert.False(t, d.OpenBreaker)
		assert.Equal(t, cfg.BackoffBase, d.Backoff)
	})

	t.Run("transient retries without cooling", func(t *testing.T) {
		d := policy.Decide(1, &llm.ProviderError{StatusCode: 503})
		assert.True(t, d.Retry)
		assert.False(t, d.CoolAccount)
		assert.Equal(t, 2*cfg.BackoffBase, d.Backoff)
	})

	t.Run("auth failure opens the breaker immediately", func(t *testing.T) {
		d := policy.Decide(0, &llm.ProviderError{StatusCode: 401})
		assert.False(t, d.Retry)
		assert.True(t, d.OpenBreaker)
	})

	t.Run("last attempt never retries", func(t *testing.T) {
		d := policy.Decide(cfg.MaxAttempts-1, &llm.ProviderError{StatusCode: 503})
		assert.False(t, d.Retry)
	})

	t.Run("unclassified errors do not retry", func(t *testing.T) {
		d := policy.Decide(0, errors.New("parse failure"))
		assert.False(t, d.Retry)
		assert.False(t, d.OpenBreaker)
	})

	t.Run("backoff is capped", func(t *testing.T) {
		d := policy.Decide(1, &llm.ProviderError{StatusCode: 503})
		require.True(t, d.Retry)
		big := policy.backoff(20)
		assert.Equal(t, cfg.BackoffCap, big)
	})
}

func TestBreakerTransitions(t *testing.T) {
	cfg := testPoolConfig()
	b := NewBreakerSet(BreakerConfig{
		Threshold:    cfg.BreakerThreshold,
		CooldownBase: cfg.CooldownBase,
		CooldownCap:  cfg.CooldownCap,
	}, nil, nil)
	now := time.Now()
	b.now = func() time.Time { return now }
	ctx := context.Background()

	require.True(t, b.Usable("a1"))
	gen, ok := b.Acquire("a1")
	require.True(t, ok)

	b.RecordFailure(ctx, "a1", gen)
	assert.True(t, b.Usable("a1"), "below threshold stays closed")

	gen, ok = b.Acquire("a1")
	require.True(t, ok)
	b.RecordFailure(ctx, "a1", gen)
	state, _ := b.State("a1")
	assert.Equal(t, models.CircuitOpen, state)
	assert.False(t, b.Usable("a1"))
	_, ok = b.Acquire("a1")
	assert.False(t, ok)

	// Cooldown elapses: one half-open call is admitted, a second is not.
	now = now.Add(cfg.CooldownBase + time.Second)
	assert.True(t, b.Usable("a1"))
	gen, ok = b.Acquire("a1")
	require.True(t, ok)
	_, second := b.Acquire("a1")
	assert.False(t, second)

	// The half-open call fails: reopen with a doubled cooldown.
	b.RecordFailure(ctx, "a1", gen)
	state, _ = b.State("a1")
	assert.Equal(t, models.CircuitOpen, state)
	now = now.Add(cfg.CooldownBase + time.Second)
	assert.False(t, b.Usable("a1"), "doubled cooldown not yet elapsed")
	now = now.Add(cfg.CooldownBase)
	assert.True(t, b.Usable("a1"))

	// A successful half-open call closes the breaker and resets failures.
	gen, ok = b.Acquire("a1")
	require.True(t, ok)
	b.RecordSuccess(ctx, "a1", gen)
	state, _ = b.State("a1")
	assert.Equal(t, models.CircuitClosed, state)
	assert.Zero(t, b.Failures("a1"))
}

func TestBreakerFilterReadsKeepRecoveringAccountUsable(t *testing.T) {
	b := NewBreakerSet(BreakerConfig{Threshold: 1, CooldownBase: time.Minute, CooldownCap: time.Minute}, nil, nil)
	now := time.Now()
	b.now = func() time.Time { return now }
	ctx := context.Background()

	gen, ok := b.Acquire("a1")
	require.True(t, ok)
	b.RecordFailure(ctx, "a1", gen)

	now = now.Add(time.Minute + time.Second)

	// Selection evaluates a recovering account any number of times without
	// consuming its single half-open slot or transitioning its state.
	for i := 0; i < 5; i++ {
		assert.True(t, b.Usable("a1"))
	}
	state, _ := b.State("a1")
	assert.Equal(t, models.CircuitOpen, state)

	// Only an actual claim consumes the slot.
	gen, ok = b.Acquire("a1")
	require.True(t, ok)
	assert.False(t, b.Usable("a1"))
	_, ok = b.Acquire("a1")
	assert.False(t, ok)

	// A claim whose call was never made is returned; the account does not
	// get stuck half-open.
	b.Release("a1", gen)
	assert.True(t, b.Usable("a1"))
	gen, ok = b.Acquire("a1")
	require.True(t, ok)
	b.RecordSuccess(ctx, "a1", gen)
	state, _ = b.State("a1")
	assert.Equal(t, models.CircuitClosed, state)
}

func TestBreakerStaleGenerationIgnored(t *testing.T) {
	b := NewBreakerSet(BreakerConfig{Threshold: 1, CooldownBase: time.Minute, CooldownCap: time.Minute}, nil, nil)
	ctx := context.Background()

	_, stale := b.State("a1")
	b.RecordFailure(ctx, "a1", stale) // opens, bumps the generation

	b.RecordSuccess(ctx, "a1", stale)
	state, _ := b.State("a1")
	assert.Equal(t, models.CircuitOpen, state, "stale success must not close the breaker")
}

func TestBreakerHydrateKeepsInMemoryState(t *testing.T) {
	b := NewBreakerSet(BreakerConfig{Threshold: 1, CooldownBase: time.Minute, CooldownCap: time.Minute}, nil, nil)
	ctx := context.Background()

	_, gen := b.State("a1")
	b.RecordFailure(ctx, "a1", gen)

	b.Hydrate(&models.ProviderAccount{ID: "a1", CircuitState: models.CircuitClosed})
	state, _ := b.State("a1")
	assert.Equal(t, models.CircuitOpen, state)

	b.Hydrate(&models.ProviderAccount{ID: "a2", CircuitState: models.CircuitOpen, CoolUntil: time.Now().Add(time.Hour)})
	assert.False(t, b.Usable("a2"))
}

func TestCountersLocalWindow(t *testing.T) {
	ctx := context.Background()
	c := NewCounters(nil)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.RecordRequest(ctx, "a1", 100)
	c.RecordOutput(ctx, "a1", 50)
	c.RecordRequest(ctx, "a1", 50)
	c.RecordOutput(ctx, "a1", 30)
	use := c.Usage(ctx, "a1")
	assert.Equal(t, 2, use.Requests)
	assert.Equal(t, 230, use.Tokens)
	assert.Equal(t, 150, use.InputTokens)

	// Next minute resets the window.
	base = base.Add(time.Minute)
	use = c.Usage(ctx, "a1")
	assert.Zero(t, use.Requests)
}

func TestCountersWithinLimits(t *testing.T) {
	ctx := context.Background()
	c := NewCounters(nil)

	acct := &models.ProviderAccount{ID: "a1", Limits: models.CapacityLimits{
		RequestsPerMinute: 2,
		TokensPerMinute:   1000,
	}}
	assert.True(t, c.WithinLimits(ctx, acct, 100))
	c.RecordRequest(ctx, "a1", 100)
	c.RecordRequest(ctx, "a1", 100)
	assert.False(t, c.WithinLimits(ctx, acct, 100), "request ceiling reached")

	tight := &models.ProviderAccount{ID: "a2", Limits: models.CapacityLimits{
		RequestsPerMinute: 100,
		TokensPerMinute:   500,
	}}
	c.RecordRequest(ctx, "a2", 400)
	c.RecordOutput(ctx, "a2", 50)
	assert.False(t, c.WithinLimits(ctx, tight, 100), "projected tokens exceed the window")
	assert.True(t, c.WithinLimits(ctx, tight, 10))
}

func TestSelectorPolicies(t *testing.T) {
	ctx := context.Background()
	counters := NewCounters(nil)
	breakers := NewBreakerSet(BreakerConfig{Threshold: 5, CooldownBase: time.Minute, CooldownCap: time.Minute}, nil, nil)

	accounts := []*models.ProviderAccount{
		{ID: "a-free", Status: models.AccountStatusActive, Tier: models.TierFree, Limits: models.CapacityLimits{RequestsPerMinute: 100}},
		{ID: "b-scale", Status: models.AccountStatusActive, Tier: models.TierScale, Limits: models.CapacityLimits{RequestsPerMinute: 100}},
		{ID: "c-build", Status: models.AccountStatusActive, Tier: models.TierBuild, Limits: models.CapacityLimits{RequestsPerMinute: 100}},
	}

	t.Run("tier-preferred picks the highest tier", func(t *testing.T) {
		s := newSelector(config.PolicyTierPreferred, counters, breakers)
		chosen := s.pick(ctx, accounts, map[string]bool{}, 10)
		require.NotNil(t, chosen)
		assert.Equal(t, "b-scale", chosen.ID)
	})

	t.Run("least-loaded prefers the idle account", func(t *testing.T) {
		counters.RecordRequest(ctx, "a-free", 10)
		counters.RecordRequest(ctx, "b-scale", 10)
		s := newSelector(config.PolicyLeastLoaded, counters, breakers)
		chosen := s.pick(ctx, accounts, map[string]bool{}, 10)
		require.NotNil(t, chosen)
		assert.Equal(t, "c-build", chosen.ID)
	})

	t.Run("round-robin rotates across picks", func(t *testing.T) {
		s := newSelector(config.PolicyRoundRobin, counters, breakers)
		seen := map[string]bool{}
		for i := 0; i < 3; i++ {
			chosen := s.pick(ctx, accounts, map[string]bool{}, 10)
			require.NotNil(t, chosen)
			seen[chosen.ID] = true
			time.Sleep(time.Millisecond)
		}
		assert.Len(t, seen, 3)
	})

	t.Run("disabled and already-used accounts are skipped", func(t *testing.T) {
		s := newSelector(config.PolicyTierPreferred, counters, breakers)
		disabled := []*models.ProviderAccount{
			{ID: "d1", Status: models.AccountStatusDisabled},
			{ID: "d2", Status: models.AccountStatusActive, Limits: models.CapacityLimits{RequestsPerMinute: 100}},
		}
		chosen := s.pick(ctx, disabled, map[string]bool{"d2": true}, 10)
		assert.Nil(t, chosen)
	})

	t.Run("cooling account is usable after its cool-off", func(t *testing.T) {
		s := newSelector(config.PolicyTierPreferred, counters, breakers)
		cooling := []*models.ProviderAccount{{
			ID:        "cool1",
			Status:    models.AccountStatusRateLimited,
			CoolUntil: time.Now().Add(-time.Second),
			Limits:    models.CapacityLimits{RequestsPerMinute: 100},
		}}
		chosen := s.pick(ctx, cooling, map[string]bool{}, 10)
		require.NotNil(t, chosen)
		assert.Equal(t, "cool1", chosen.ID)
	})
}

func TestInvokeFailsOverAcrossAccounts(t *testing.T) {
	cfg := testPoolConfig()
	cipher := testCipher(t)
	source := &fakeSource{}
	p := New(cfg, source, nil, cipher, nil, "")
	p.sleep = func(context.Context, time.Duration) error { return nil }

	source.accounts = []*models.ProviderAccount{
		account(t, p.cipher, "a1", "key-a"),
		account(t, p.cipher, "a2", "key-b"),
	}
	client := &fakeClient{errs: map[string]error{
		"key-a": &llm.ProviderError{StatusCode: 503, Message: "upstream down"},
	}}
	p.client = client

	resp, stats, err := p.Invoke(context.Background(), "t1", &llm.Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, []string{"key-a", "key-b"}, client.calls)
	assert.Equal(t, []string{"a1", "a2"}, stats.AccountsUsed)
	assert.Equal(t, 1, stats.RetryCount)
	assert.Equal(t, 10, stats.Usage.InputTokens)
}

func TestInvokeRateLimitCoolsAccount(t *testing.T) {
	cfg := testPoolConfig()
	source := &fakeSource{}
	p := newTestPool(t, cfg, source, nil, "")
	source.accounts = []*models.ProviderAccount{
		account(t, p.cipher, "a1", "key-a"),
		account(t, p.cipher, "a2", "key-b"),
	}
	client := &fakeClient{errs: map[string]error{
		"key-a": &llm.ProviderError{StatusCode: 429, Message: "slow down"},
	}}
	p.client = client

	_, _, err := p.Invoke(context.Background(), "t1", &llm.Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, source.cooled)
	assert.Equal(t, models.AccountStatusRateLimited, source.accounts[0].Status)
}

func TestInvokeFailedCallChargesCapacityWindow(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxAttempts = 1
	source := &fakeSource{}
	p := newTestPool(t, cfg, source, nil, "")
	source.accounts = []*models.ProviderAccount{account(t, p.cipher, "a1", "key-a")}
	p.client = &fakeClient{errs: map[string]error{
		"key-a": &llm.ProviderError{StatusCode: 429, Message: "slow down"},
	}}

	_, _, err := p.Invoke(context.Background(), "t1", &llm.Request{Model: "m"})
	require.Error(t, err)

	// The rejected call still counts: capacity is charged when the request
	// is committed to the account, not when it succeeds.
	use := p.counters.Usage(context.Background(), "a1")
	assert.Equal(t, 1, use.Requests)
}

func TestInvokeAuthFailureOpensBreaker(t *testing.T) {
	cfg := testPoolConfig()
	source := &fakeSource{}
	p := newTestPool(t, cfg, source, nil, "")
	source.accounts = []*models.ProviderAccount{account(t, p.cipher, "a1", "key-a")}
	p.client = &fakeClient{errs: map[string]error{
		"key-a": &llm.ProviderError{StatusCode: 401, Message: "bad key"},
	}}

	_, _, err := p.Invoke(context.Background(), "t1", &llm.Request{Model: "m"})
	require.Error(t, err)
	assert.True(t, oerr.IsKind(err, oerr.KindAuth))
	state, _ := p.breakers.State("a1")
	assert.Equal(t, models.CircuitOpen, state)
}

func TestInvokeExhaustsAttempts(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxAttempts = 2
	source := &fakeSource{}
	p := newTestPool(t, cfg, source, nil, "")
	source.accounts = []*models.ProviderAccount{
		account(t, p.cipher, "a1", "key-a"),
		account(t, p.cipher, "a2", "key-b"),
		account(t, p.cipher, "a3", "key-c"),
	}
	transient := &llm.ProviderError{StatusCode: 502, Message: "gateway"}
	client := &fakeClient{errs: map[string]error{
		"key-a": transient, "key-b": transient, "key-c": transient,
	}}
	p.client = client

	_, stats, err := p.Invoke(context.Background(), "t1", &llm.Request{Model: "m"})
	require.Error(t, err)
	assert.True(t, oerr.IsKind(err, oerr.KindProviderTransient))
	assert.Len(t, client.calls, 2, "attempts are capped")
	assert.Equal(t, 1, stats.RetryCount)
}

func TestInvokeNoUsableAccount(t *testing.T) {
	cfg := testPoolConfig()
	cfg.SelectionTimeout = time.Millisecond
	source := &fakeSource{accounts: []*models.ProviderAccount{
		{ID: "a1", Status: models.AccountStatusDisabled},
	}}
	p := newTestPool(t, cfg, source, &fakeClient{}, "")

	_, _, err := p.Invoke(context.Background(), "t1", &llm.Request{Model: "m"})
	require.Error(t, err)
	assert.True(t, oerr.IsKind(err, oerr.KindNoAccountAvailable))
}

func TestInvokeAmbientFallback(t *testing.T) {
	cfg := testPoolConfig()

	t.Run("no accounts uses the ambient credential", func(t *testing.T) {
		client := &fakeClient{}
		p := newTestPool(t, cfg, &fakeSource{}, client, "ambient-key")
		resp, stats, err := p.Invoke(context.Background(), "t1", &llm.Request{Model: "m"})
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Text)
		assert.Equal(t, []string{"ambient-key"}, client.calls)
		assert.Empty(t, stats.AccountsUsed)
	})

	t.Run("no accounts and no ambient credential fails", func(t *testing.T) {
		p := newTestPool(t, cfg, &fakeSource{}, &fakeClient{}, "")
		_, _, err := p.Invoke(context.Background(), "t1", &llm.Request{Model: "m"})
		require.Error(t, err)
		assert.True(t, oerr.IsKind(err, oerr.KindNoAccountAvailable))
	})
}
