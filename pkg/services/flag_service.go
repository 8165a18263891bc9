package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/relayforge/maestro/pkg/database"
	"github.com/relayforge/maestro/pkg/flags"
	"github.com/relayforge/maestro/pkg/models"
)

// FlagService loads feature flag configuration. The flags package caches on
// top of this; evaluation itself is pure.
type FlagService struct {
	db *database.Client
}

// NewFlagService creates a new FlagService
func NewFlagService(db *database.Client) *FlagService {
	return &FlagService{db: db}
}

// GetFlagConfig returns one flag with its rules and overrides, or nil when
// the flag does not exist.
func (s *FlagService) GetFlagConfig(ctx context.Context, key string) (*flags.FlagConfig, error) {
	var cfg flags.FlagConfig
	err := s.db.Pool().QueryRow(ctx,
		`SELECT flag_key, enabled, created_at FROM feature_flags WHERE flag_key = $1`,
		key).Scan(&cfg.Flag.Key, &cfg.Flag.Enabled, &cfg.Flag.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load feature flag: %w", err)
	}

	rows, err := s.db.Pool().Query(ctx,
		`SELECT rule_type, tenant_ids, percentage FROM flag_rules WHERE flag_key = $1`,
		key)
	if err != nil {
		return nil, fmt.Errorf("failed to load flag rules: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rule models.FlagRule
		var ruleType string
		var tenantIDs []byte
		if err := rows.Scan(&ruleType, &tenantIDs, &rule.Percentage); err != nil {
			return nil, fmt.Errorf("failed to scan flag rule: %w", err)
		}
		rule.FlagKey = key
		rule.Type = models.FlagRuleType(ruleType)
		if err := json.Unmarshal(tenantIDs, &rule.TenantIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flag rule tenants: %w", err)
		}
		cfg.Rules = append(cfg.Rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	oRows, err := s.db.Pool().Query(ctx,
		`SELECT tenant_id, enabled, expires_at FROM flag_overrides WHERE flag_key = $1`,
		key)
	if err != nil {
		return nil, fmt.Errorf("failed to load flag overrides: %w", err)
	}
	defer oRows.Close()
	for oRows.Next() {
		o := models.FlagOverride{FlagKey: key}
		if err := oRows.Scan(&o.TenantID, &o.Enabled, &o.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan flag override: %w", err)
		}
		cfg.Overrides = append(cfg.Overrides, o)
	}
	if err := oRows.Err(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SetFlag creates or updates a flag's global bit.
func (s *FlagService) SetFlag(ctx context.Context, key string, enabled bool) error {
	if key == "" {
		return NewValidationError("flag_key", "required")
	}
	_, err := s.db.Pool().Exec(ctx,
		`INSERT INTO feature_flags (flag_key, enabled) VALUES ($1, $2)
		 ON CONFLICT (flag_key) DO UPDATE SET enabled = EXCLUDED.enabled`,
		key, enabled)
	if err != nil {
		return fmt.Errorf("failed to set feature flag: %w", err)
	}
	return nil
}

// SetOverride pins a flag's value for one tenant.
func (s *FlagService) SetOverride(ctx context.Context, o models.FlagOverride) error {
	if o.FlagKey == "" {
		return NewValidationError("flag_key", "required")
	}
	if o.TenantID == "" {
		return NewValidationError("tenant_id", "required")
	}
	_, err := s.db.Pool().Exec(ctx,
		`INSERT INTO flag_overrides (flag_key, tenant_id, enabled, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (flag_key, tenant_id) DO UPDATE SET
		   enabled = EXCLUDED.enabled, expires_at = EXCLUDED.expires_at`,
		o.FlagKey, o.TenantID, o.Enabled, o.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to set flag override: %w", err)
	}
	return nil
}
