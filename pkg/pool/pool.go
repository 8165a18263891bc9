// Package pool manages the LLM provider credentials for each tenant: account
// selection under capacity limits, per-account circuit breaking, and retry
// with failover across accounts. It is the only caller of the provider
// client.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/relayforge/maestro/pkg/config"
	"github.com/relayforge/maestro/pkg/ephemeral"
	"github.com/relayforge/maestro/pkg/llm"
	"github.com/relayforge/maestro/pkg/models"
	"github.com/relayforge/maestro/pkg/oerr"
	"github.com/relayforge/maestro/pkg/secrets"
)

// AccountSource supplies provider accounts and persists their state.
// Implemented by the account service against the relational tier.
type AccountSource interface {
	Checkpointer
	// ListAccounts returns all provider accounts for a tenant.
	ListAccounts(ctx context.Context, tenantID string) ([]*models.ProviderAccount, error)
	// MarkCooling puts an account into rate-limited cooling until the given time.
	MarkCooling(ctx context.Context, accountID string, until time.Time) error
}

// InvokeStats is the retry/usage metadata for one pool invocation, surfaced
// to the dispatcher for the execution audit row.
type InvokeStats struct {
	AccountsUsed []string
	RetryCount   int
	Usage        llm.Usage
}

// Pool selects accounts and invokes the provider with retry and failover.
type Pool struct {
	cfg      *config.PoolConfig
	source   AccountSource
	client   llm.Client
	cipher   *secrets.Cipher
	counters *Counters
	breakers *BreakerSet
	selector *selector
	policy   *RetryPolicy

	// ambient is the process-level credential for tenants with no accounts.
	ambient secrets.DecryptedSecret

	sleep func(context.Context, time.Duration) error
}

// New creates the account pool.
func New(cfg *config.PoolConfig, source AccountSource, client llm.Client, cipher *secrets.Cipher, eph *ephemeral.Client, ambientKey string) *Pool {
	counters := NewCounters(eph)
	breakers := NewBreakerSet(BreakerConfig{
		Threshold:    cfg.BreakerThreshold,
		CooldownBase: cfg.CooldownBase,
		CooldownCap:  cfg.CooldownCap,
	}, eph, source)
	return &Pool{
		cfg:      cfg,
		source:   source,
		client:   client,
		cipher:   cipher,
		counters: counters,
		breakers: breakers,
		selector: newSelector(cfg.Policy, counters, breakers),
		policy:   NewRetryPolicy(cfg),
		ambient:  secrets.Ambient(ambientKey),
		sleep:    sleepCtx,
	}
}

// Breakers exposes the breaker set (read by health/debug surfaces and tests).
func (p *Pool) Breakers() *BreakerSet { return p.breakers }

// Invoke sends a request through the best usable account for the tenant,
// failing over across accounts on transient errors. At most MaxAttempts
// provider calls are made, each against a distinct account.
func (p *Pool) Invoke(ctx context.Context, tenantID string, req *llm.Request) (*llm.Response, *InvokeStats, error) {
	stats := &InvokeStats{}

	accounts, err := p.source.ListAccounts(ctx, tenantID)
	if err != nil {
		return nil, stats, oerr.Wrap(oerr.KindInternal, "failed to list provider accounts", err)
	}

	// Legacy mode: no accounts configured for this tenant. Use the ambient
	// credential directly, skipping selection and retry.
	if len(accounts) == 0 {
		if p.ambient.Empty() {
			return nil, stats, oerr.New(oerr.KindNoAccountAvailable, "no provider accounts configured and no ambient credential")
		}
		resp, err := p.client.Complete(ctx, req, p.ambient)
		if err != nil {
			return nil, stats, classifyFinal(err)
		}
		stats.Usage = resp.Usage
		return resp, stats, nil
	}

	for _, a := range accounts {
		p.breakers.Hydrate(a)
	}

	inputTokens := llm.EstimateRequestTokens(req)
	used := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		acct, err := p.acquire(ctx, accounts, used, inputTokens)
		if err != nil {
			if lastErr != nil {
				return nil, stats, classifyFinal(lastErr)
			}
			return nil, stats, err
		}
		used[acct.ID] = true
		stats.AccountsUsed = append(stats.AccountsUsed, acct.ID)

		// Claim the breaker for the account we will actually call. A
		// half-open account admits one probe; if the call below never
		// happens the claim is released so the probe slot is not burned.
		gen, ok := p.breakers.Acquire(acct.ID)
		if !ok {
			continue
		}

		credential, err := p.cipher.Decrypt(acct.EncryptedSecret)
		if err != nil {
			slog.Error("Failed to decrypt account credential",
				"account_id", acct.ID, "error", err)
			p.breakers.Release(acct.ID, gen)
			lastErr = err
			continue
		}

		// The request counts against the window at acquisition so failed
		// and rate-limited calls still consume RPM.
		p.counters.RecordRequest(ctx, acct.ID, inputTokens)

		resp, callErr := p.client.Complete(ctx, req, credential)
		if callErr == nil {
			p.breakers.RecordSuccess(ctx, acct.ID, gen)
			p.counters.RecordOutput(ctx, acct.ID, resp.Usage.OutputTokens)
			stats.Usage = resp.Usage
			return resp, stats, nil
		}
		lastErr = callErr

		decision := p.policy.Decide(attempt, callErr)
		if decision.OpenBreaker {
			p.breakers.ForceOpen(ctx, acct.ID)
			slog.Error("Provider auth failure, breaker opened",
				"account_id", acct.ID, "error", callErr)
			return nil, stats, classifyFinal(callErr)
		}

		p.breakers.RecordFailure(ctx, acct.ID, gen)
		if decision.CoolAccount {
			until := time.Now().Add(p.cfg.CooldownBase)
			if err := p.source.MarkCooling(ctx, acct.ID, until); err != nil {
				slog.Warn("Failed to mark account cooling", "account_id", acct.ID, "error", err)
			}
			acct.Status = models.AccountStatusRateLimited
			acct.CoolUntil = until
		}

		if !decision.Retry {
			return nil, stats, classifyFinal(callErr)
		}
		stats.RetryCount++

		slog.Warn("Provider call failed, failing over",
			"account_id", acct.ID,
			"attempt", attempt+1,
			"backoff", decision.Backoff,
			"error", callErr)

		if err := p.sleep(ctx, decision.Backoff); err != nil {
			return nil, stats, oerr.Wrap(oerr.KindDeadlineExceeded, "deadline during retry backoff", err)
		}
	}

	return nil, stats, classifyFinal(lastErr)
}

// acquire waits up to the selection timeout for a usable account.
func (p *Pool) acquire(ctx context.Context, accounts []*models.ProviderAccount, used map[string]bool, inputTokens int) (*models.ProviderAccount, error) {
	deadline := time.Now().Add(p.cfg.SelectionTimeout)
	for {
		if acct := p.selector.pick(ctx, accounts, used, inputTokens); acct != nil {
			return acct, nil
		}
		if time.Now().After(deadline) {
			return nil, oerr.New(oerr.KindNoAccountAvailable, "no usable provider account within selection timeout")
		}
		if err := p.sleep(ctx, 100*time.Millisecond); err != nil {
			return nil, oerr.Wrap(oerr.KindDeadlineExceeded, "deadline during account selection", err)
		}
	}
}

// classifyFinal maps a provider error surviving all retries to its typed kind.
func classifyFinal(err error) error {
	if err == nil {
		return oerr.New(oerr.KindInternal, "provider call failed with no recorded error")
	}
	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.RateLimited():
			return oerr.Wrap(oerr.KindRateLimited, "provider rate limit persisted across retries", err)
		case pe.AuthFailure():
			return oerr.Wrap(oerr.KindAuth, "provider rejected credential", err)
		case pe.Transient():
			return oerr.Wrap(oerr.KindProviderTransient, "provider unavailable after retries", err)
		default:
			return oerr.Wrap(oerr.KindInternal, "provider call failed", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return oerr.Wrap(oerr.KindInternal, "provider call failed", err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
