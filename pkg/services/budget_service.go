package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/relayforge/maestro/pkg/budget"
	"github.com/relayforge/maestro/pkg/database"
	"github.com/relayforge/maestro/pkg/models"
)

// BudgetService persists spend budgets. Expired windows are rolled over
// lazily on read: the first load after a reset boundary zeroes consumption
// and advances reset_at.
type BudgetService struct {
	db  *database.Client
	now func() time.Time
}

// NewBudgetService creates a new BudgetService
func NewBudgetService(db *database.Client) *BudgetService {
	return &BudgetService{db: db, now: time.Now}
}

// UpsertBudget creates or replaces the budget for (tenant, user, window).
func (s *BudgetService) UpsertBudget(ctx context.Context, b *models.Budget) error {
	if b.ID == "" {
		return NewValidationError("budget_id", "required")
	}
	if b.TenantID == "" {
		return NewValidationError("tenant_id", "required")
	}
	if b.Window != models.BudgetWindowDaily && b.Window != models.BudgetWindowMonthly {
		return NewValidationError("window", "must be daily or monthly")
	}
	if b.LimitUnits <= 0 {
		return NewValidationError("limit_units", "must be positive")
	}

	resetAt := b.ResetAt
	if resetAt.IsZero() {
		resetAt = budget.NextReset(b.Window, s.now())
	}
	_, err := s.db.Pool().Exec(ctx,
		`INSERT INTO budgets (budget_id, tenant_id, user_id, window_kind, limit_units, consumed_units, reset_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6)
		 ON CONFLICT (tenant_id, user_id, window_kind) DO UPDATE SET
		   limit_units = EXCLUDED.limit_units`,
		b.ID, b.TenantID, b.UserID, string(b.Window), b.LimitUnits, resetAt)
	if err != nil {
		return fmt.Errorf("failed to upsert budget: %w", err)
	}
	return nil
}

// ActiveBudgets returns the budgets applying to (tenant, user): the
// tenant-wide ones and any scoped to this user. Expired windows are rolled
// over before returning.
func (s *BudgetService) ActiveBudgets(ctx context.Context, tenantID, userID string) ([]*models.Budget, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT budget_id, tenant_id, user_id, window_kind, limit_units, consumed_units, reset_at
		 FROM budgets
		 WHERE tenant_id = $1 AND (user_id = '' OR user_id = $2)`,
		tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list budgets: %w", err)
	}
	defer rows.Close()

	var out []*models.Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := s.now()
	for _, b := range out {
		if now.Before(b.ResetAt) {
			continue
		}
		if err := s.rollover(ctx, b, now); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AddConsumed records spend against a budget.
func (s *BudgetService) AddConsumed(ctx context.Context, budgetID string, tenantID string, units int64) error {
	if units < 0 {
		return NewValidationError("units", "must be non-negative")
	}
	tag, err := s.db.Pool().Exec(ctx,
		`UPDATE budgets SET consumed_units = consumed_units + $3
		 WHERE tenant_id = $1 AND budget_id = $2`,
		tenantID, budgetID, units)
	if err != nil {
		return fmt.Errorf("failed to record budget consumption: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// rollover zeroes consumption and advances reset_at past now. The WHERE
// clause on the old reset_at makes concurrent rollovers idempotent.
func (s *BudgetService) rollover(ctx context.Context, b *models.Budget, now time.Time) error {
	next := b.ResetAt
	for !next.After(now) {
		next = budget.NextReset(b.Window, next)
	}
	_, err := s.db.Pool().Exec(ctx,
		`UPDATE budgets SET consumed_units = 0, reset_at = $3
		 WHERE budget_id = $1 AND reset_at = $2`,
		b.ID, b.ResetAt, next)
	if err != nil {
		return fmt.Errorf("failed to roll over budget window: %w", err)
	}
	b.ConsumedUnits = 0
	b.ResetAt = next
	return nil
}

func scanBudget(row pgx.Row) (*models.Budget, error) {
	var b models.Budget
	var window string
	err := row.Scan(&b.ID, &b.TenantID, &b.UserID, &window, &b.LimitUnits, &b.ConsumedUnits, &b.ResetAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan budget: %w", err)
	}
	b.Window = models.BudgetWindow(window)
	return &b, nil
}
