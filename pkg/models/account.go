package models

import "time"

// AccountStatus is the administrative state of a provider account.
type AccountStatus string

const (
	AccountStatusActive      AccountStatus = "active"
	AccountStatusRateLimited AccountStatus = "rate_limited"
	AccountStatusDisabled    AccountStatus = "disabled"
)

// CircuitState is the breaker state of a provider account.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// AccountTier is the quota class of a provider account. Higher tiers carry
// larger per-minute limits.
type AccountTier string

const (
	TierFree  AccountTier = "free"
	TierBuild AccountTier = "build"
	TierScale AccountTier = "scale"
)

// tierRank orders tiers for the tier-preferred selection policy.
var tierRank = map[AccountTier]int{TierFree: 0, TierBuild: 1, TierScale: 2}

// Rank returns the ordering value of a tier (unknown tiers rank lowest).
func (t AccountTier) Rank() int { return tierRank[t] }

// CapacityLimits are the per-minute capacity ceilings for an account.
type CapacityLimits struct {
	RequestsPerMinute    int `json:"rpm"`
	TokensPerMinute      int `json:"tpm"`
	InputTokensPerMinute int `json:"itpm"`
}

// ProviderAccount is one LLM provider credential with its capacity and
// breaker state. EncryptedSecret is only ever decrypted inside the provider
// client.
type ProviderAccount struct {
	ID                  string         `json:"id"`
	TenantID            string         `json:"tenant_id"`
	DisplayName         string         `json:"display_name"`
	EncryptedSecret     string         `json:"-"`
	Tier                AccountTier    `json:"tier"`
	Status              AccountStatus  `json:"status"`
	CircuitState        CircuitState   `json:"circuit_state"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	CoolUntil           time.Time      `json:"cool_until,omitempty"`
	Limits              CapacityLimits `json:"limits"`
}
