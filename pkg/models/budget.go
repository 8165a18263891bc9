package models

import "time"

// BudgetWindow is the rolling window a budget applies to.
type BudgetWindow string

const (
	BudgetWindowDaily   BudgetWindow = "daily"
	BudgetWindowMonthly BudgetWindow = "monthly"
)

// Budget caps AI spend for a tenant (and optionally a single user) within a
// rolling window. Units are abstract cost units derived from token estimates.
type Budget struct {
	ID            string       `json:"id"`
	TenantID      string       `json:"tenant_id"`
	UserID        string       `json:"user_id,omitempty"`
	Window        BudgetWindow `json:"window"`
	LimitUnits    int64        `json:"limit_units"`
	ConsumedUnits int64        `json:"consumed_units"`
	ResetAt       time.Time    `json:"reset_at"`
}

// Remaining returns the unconsumed units (never negative).
func (b Budget) Remaining() int64 {
	if b.ConsumedUnits >= b.LimitUnits {
		return 0
	}
	return b.LimitUnits - b.ConsumedUnits
}
