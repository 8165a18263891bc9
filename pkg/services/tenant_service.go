package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/relayforge/maestro/pkg/database"
	"github.com/relayforge/maestro/pkg/models"
)

// TenantService persists tenants, users, and the chat-platform memberships
// that map external identities onto them.
type TenantService struct {
	db *database.Client
}

// NewTenantService creates a new TenantService
func NewTenantService(db *database.Client) *TenantService {
	return &TenantService{db: db}
}

// GetTenant returns one tenant.
func (s *TenantService) GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.Pool().QueryRow(ctx,
		`SELECT tenant_id, name, language, created_at FROM tenants WHERE tenant_id = $1`,
		tenantID).Scan(&t.ID, &t.Name, &t.Language, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}
	return &t, nil
}

// CreateTenant inserts a tenant row.
func (s *TenantService) CreateTenant(ctx context.Context, t *models.Tenant) error {
	if t.ID == "" {
		return NewValidationError("tenant_id", "required")
	}
	if t.Name == "" {
		return NewValidationError("name", "required")
	}
	lang := t.Language
	if lang == "" {
		lang = "en"
	}
	_, err := s.db.Pool().Exec(ctx,
		`INSERT INTO tenants (tenant_id, name, language) VALUES ($1, $2, $3)`,
		t.ID, t.Name, lang)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

// CreateUser inserts a user row.
func (s *TenantService) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == "" {
		return NewValidationError("user_id", "required")
	}
	if u.TenantID == "" {
		return NewValidationError("tenant_id", "required")
	}
	_, err := s.db.Pool().Exec(ctx,
		`INSERT INTO users (user_id, tenant_id, display_name, email) VALUES ($1, $2, $3, $4)`,
		u.ID, u.TenantID, u.DisplayName, u.Email)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// LinkMembership maps an external chat identity onto an internal user.
func (s *TenantService) LinkMembership(ctx context.Context, m models.Membership) error {
	if m.Platform == "" {
		return NewValidationError("platform", "required")
	}
	if m.ExternalID == "" {
		return NewValidationError("external_id", "required")
	}
	_, err := s.db.Pool().Exec(ctx,
		`INSERT INTO memberships (tenant_id, user_id, platform, external_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, platform, external_id) DO UPDATE SET user_id = EXCLUDED.user_id`,
		m.TenantID, m.UserID, m.Platform, m.ExternalID)
	if err != nil {
		return fmt.Errorf("failed to link membership: %w", err)
	}
	return nil
}

// ResolveMembership finds the (tenant, user) behind an external chat
// identity. Chat ingress calls this per inbound event.
func (s *TenantService) ResolveMembership(ctx context.Context, platform, externalID string) (*models.Membership, error) {
	var m models.Membership
	err := s.db.Pool().QueryRow(ctx,
		`SELECT tenant_id, user_id, platform, external_id FROM memberships
		 WHERE platform = $1 AND external_id = $2`,
		platform, externalID).Scan(&m.TenantID, &m.UserID, &m.Platform, &m.ExternalID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve membership: %w", err)
	}
	return &m, nil
}

// TenantLanguage returns the tenant's preferred language, defaulting to "en".
func (s *TenantService) TenantLanguage(ctx context.Context, tenantID string) string {
	t, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return "en"
	}
	if t.Language == "" {
		return "en"
	}
	return t.Language
}
