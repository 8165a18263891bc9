package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/relayforge/maestro/pkg/database"
	"github.com/relayforge/maestro/pkg/models"
	"github.com/relayforge/maestro/pkg/secrets"
)

// AccountService persists provider accounts and their breaker state. It is
// the account pool's source of truth across restarts.
type AccountService struct {
	db     *database.Client
	cipher *secrets.Cipher
}

// NewAccountService creates a new AccountService
func NewAccountService(db *database.Client, cipher *secrets.Cipher) *AccountService {
	return &AccountService{db: db, cipher: cipher}
}

const accountColumns = `account_id, tenant_id, display_name, encrypted_secret, tier, status,
	circuit_state, consecutive_failures, cool_until, rpm_limit, tpm_limit, itpm_limit`

// CreateAccount encrypts the plaintext secret and inserts the account row.
// The plaintext never leaves this call.
func (s *AccountService) CreateAccount(ctx context.Context, acct *models.ProviderAccount, plaintextSecret string) error {
	if acct.ID == "" {
		return NewValidationError("account_id", "required")
	}
	if acct.TenantID == "" {
		return NewValidationError("tenant_id", "required")
	}
	if plaintextSecret == "" {
		return NewValidationError("secret", "required")
	}

	sealed, err := s.cipher.Encrypt(plaintextSecret)
	if err != nil {
		return fmt.Errorf("failed to encrypt account secret: %w", err)
	}
	if acct.Tier == "" {
		acct.Tier = models.TierFree
	}
	if acct.Status == "" {
		acct.Status = models.AccountStatusActive
	}

	_, err = s.db.Pool().Exec(ctx,
		`INSERT INTO provider_accounts
		   (account_id, tenant_id, display_name, encrypted_secret, tier, status,
		    circuit_state, consecutive_failures, cool_until, rpm_limit, tpm_limit, itpm_limit)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, NULL, $8, $9, $10)`,
		acct.ID, acct.TenantID, acct.DisplayName, sealed, string(acct.Tier), string(acct.Status),
		string(models.CircuitClosed),
		acct.Limits.RequestsPerMinute, acct.Limits.TokensPerMinute, acct.Limits.InputTokensPerMinute)
	if err != nil {
		return fmt.Errorf("failed to create provider account: %w", err)
	}
	return nil
}

// ListAccounts returns all provider accounts for a tenant.
func (s *AccountService) ListAccounts(ctx context.Context, tenantID string) ([]*models.ProviderAccount, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT `+accountColumns+` FROM provider_accounts WHERE tenant_id = $1 ORDER BY account_id`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider accounts: %w", err)
	}
	defer rows.Close()

	var out []*models.ProviderAccount
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

// GetAccount returns one account scoped to the tenant.
func (s *AccountService) GetAccount(ctx context.Context, tenantID, accountID string) (*models.ProviderAccount, error) {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT `+accountColumns+` FROM provider_accounts WHERE tenant_id = $1 AND account_id = $2`,
		tenantID, accountID)
	acct, err := scanAccount(row)
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// SetStatus changes the administrative status of an account.
func (s *AccountService) SetStatus(ctx context.Context, tenantID, accountID string, status models.AccountStatus) error {
	tag, err := s.db.Pool().Exec(ctx,
		`UPDATE provider_accounts SET status = $3 WHERE tenant_id = $1 AND account_id = $2`,
		tenantID, accountID, string(status))
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCooling puts an account into rate-limited cooling until the given time.
func (s *AccountService) MarkCooling(ctx context.Context, accountID string, until time.Time) error {
	_, err := s.db.Pool().Exec(ctx,
		`UPDATE provider_accounts SET status = $2, cool_until = $3 WHERE account_id = $1`,
		accountID, string(models.AccountStatusRateLimited), until)
	if err != nil {
		return fmt.Errorf("failed to mark account cooling: %w", err)
	}
	return nil
}

// CheckpointBreaker persists a breaker transition so a restarted process
// rehydrates the same state.
func (s *AccountService) CheckpointBreaker(ctx context.Context, accountID string, state models.CircuitState, failures int, coolUntil time.Time) error {
	var cool any
	if !coolUntil.IsZero() {
		cool = coolUntil
	}
	_, err := s.db.Pool().Exec(ctx,
		`UPDATE provider_accounts SET circuit_state = $2, consecutive_failures = $3, cool_until = $4
		 WHERE account_id = $1`,
		accountID, string(state), failures, cool)
	if err != nil {
		return fmt.Errorf("failed to checkpoint breaker: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (*models.ProviderAccount, error) {
	var acct models.ProviderAccount
	var tier, status, circuit string
	var coolUntil *time.Time
	err := row.Scan(&acct.ID, &acct.TenantID, &acct.DisplayName, &acct.EncryptedSecret,
		&tier, &status, &circuit, &acct.ConsecutiveFailures, &coolUntil,
		&acct.Limits.RequestsPerMinute, &acct.Limits.TokensPerMinute, &acct.Limits.InputTokensPerMinute)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan provider account: %w", err)
	}
	acct.Tier = models.AccountTier(tier)
	acct.Status = models.AccountStatus(status)
	acct.CircuitState = models.CircuitState(circuit)
	if coolUntil != nil {
		acct.CoolUntil = *coolUntil
	}
	return &acct, nil
}
