// Package budget enforces per-tenant (and optional per-user) caps on AI
// spend. The gate runs before account selection so a refused request never
// consumes an account slot.
package budget

import (
	"context"
	"log/slog"
	"time"

	"github.com/relayforge/maestro/pkg/models"
	"github.com/relayforge/maestro/pkg/oerr"
)

// Store is the persistence surface for budgets. Implemented by the budget
// service against the relational tier.
type Store interface {
	// ActiveBudgets returns the budgets applying to (tenant, user): the
	// tenant-wide ones and any user-scoped ones. Expired windows must be
	// rolled over (consumed reset, reset_at advanced) before returning.
	ActiveBudgets(ctx context.Context, tenantID, userID string) ([]*models.Budget, error)
	// AddConsumed records spend against a budget.
	AddConsumed(ctx context.Context, budgetID string, tenantID string, units int64) error
}

// Gate checks projected cost against remaining budget.
type Gate struct {
	store Store
}

// NewGate creates a budget gate.
func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

// Check fails with BudgetExhausted when the projected cost would cross any
// applicable limit. A tenant with no budgets configured is unlimited.
func (g *Gate) Check(ctx context.Context, tenantID, userID string, projectedUnits int64) error {
	budgets, err := g.store.ActiveBudgets(ctx, tenantID, userID)
	if err != nil {
		return oerr.Wrap(oerr.KindInternal, "failed to load budgets", err)
	}
	for _, b := range budgets {
		if projectedUnits > b.Remaining() {
			return oerr.Newf(oerr.KindBudgetExhausted,
				"projected cost %d exceeds remaining %s budget %d",
				projectedUnits, b.Window, b.Remaining())
		}
	}
	return nil
}

// Consume records actual spend after a dispatch completes. Best-effort:
// failures are logged, not returned, since the work already happened.
func (g *Gate) Consume(ctx context.Context, tenantID, userID string, units int64) {
	budgets, err := g.store.ActiveBudgets(ctx, tenantID, userID)
	if err != nil {
		slog.Warn("Failed to load budgets for consumption", "tenant_id", tenantID, "error", err)
		return
	}
	for _, b := range budgets {
		if err := g.store.AddConsumed(ctx, b.ID, tenantID, units); err != nil {
			slog.Warn("Failed to record budget consumption",
				"tenant_id", tenantID, "budget_id", b.ID, "error", err)
		}
	}
}

// NextReset returns the reset boundary following now for a window kind.
func NextReset(window models.BudgetWindow, now time.Time) time.Time {
	switch window {
	case models.BudgetWindowDaily:
		y, m, d := now.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	case models.BudgetWindowMonthly:
		y, m, _ := now.UTC().Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	}
	return now.Add(24 * time.Hour)
}
