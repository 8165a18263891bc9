package models

import "time"

// FlagRuleType enumerates the supported feature flag rule kinds.
type FlagRuleType string

const (
	FlagRuleAllowlist  FlagRuleType = "allowlist"
	FlagRuleBlocklist  FlagRuleType = "blocklist"
	FlagRulePercentage FlagRuleType = "percentage"
)

// FeatureFlag is a named toggle with a global enabled bit.
type FeatureFlag struct {
	Key       string    `json:"key"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// FlagRule refines a flag's applicability. Percentage rollouts hash the
// tenant ID deterministically so evaluation is stable across processes.
type FlagRule struct {
	FlagKey string       `json:"flag_key"`
	Type    FlagRuleType `json:"type"`
	// TenantIDs applies to allowlist/blocklist rules.
	TenantIDs []string `json:"tenant_ids,omitempty"`
	// Percentage applies to percentage rules (0-100).
	Percentage int `json:"percentage,omitempty"`
}

// FlagOverride pins a flag's value for one tenant, optionally until an expiry.
type FlagOverride struct {
	FlagKey   string     `json:"flag_key"`
	TenantID  string     `json:"tenant_id"`
	Enabled   bool       `json:"enabled"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
