package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/relayforge/maestro/pkg/database"
	"github.com/relayforge/maestro/pkg/models"
	"github.com/relayforge/maestro/pkg/secrets"
	"github.com/relayforge/maestro/pkg/tools"
)

// ConnectionService persists tool connections: the tenant-scoped settings
// (base URL, token) for external productivity systems. Config blobs are
// sealed with the secrets cipher; decryption happens only when an adapter
// executes an operation.
type ConnectionService struct {
	db     *database.Client
	cipher *secrets.Cipher
}

// NewConnectionService creates a new ConnectionService
func NewConnectionService(db *database.Client, cipher *secrets.Cipher) *ConnectionService {
	return &ConnectionService{db: db, cipher: cipher}
}

// ConnectionConfig is the decrypted shape of a connection's settings.
type ConnectionConfig struct {
	BaseURL string            `json:"base_url"`
	Token   string            `json:"token,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// CreateConnection seals the config and inserts the row.
func (s *ConnectionService) CreateConnection(ctx context.Context, conn *models.ToolConnection, cfg ConnectionConfig) error {
	if conn.ID == "" {
		return NewValidationError("connection_id", "required")
	}
	if conn.TenantID == "" {
		return NewValidationError("tenant_id", "required")
	}
	if conn.ProviderName == "" {
		return NewValidationError("provider_name", "required")
	}
	if cfg.BaseURL == "" {
		return NewValidationError("base_url", "required")
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal connection config: %w", err)
	}
	sealed, err := s.cipher.Encrypt(string(raw))
	if err != nil {
		return fmt.Errorf("failed to encrypt connection config: %w", err)
	}

	_, err = s.db.Pool().Exec(ctx,
		`INSERT INTO tool_connections
		   (connection_id, tenant_id, provider_name, display_name, encrypted_config, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		conn.ID, conn.TenantID, conn.ProviderName, conn.DisplayName, sealed, conn.Enabled)
	if err != nil {
		return fmt.Errorf("failed to create tool connection: %w", err)
	}
	return nil
}

// GetConnection returns the enabled connection for (tenant, provider).
func (s *ConnectionService) GetConnection(ctx context.Context, tenantID, providerName string) (*models.ToolConnection, error) {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT connection_id, tenant_id, provider_name, display_name, encrypted_config, enabled, created_at
		 FROM tool_connections
		 WHERE tenant_id = $1 AND provider_name = $2 AND enabled = true
		 ORDER BY created_at DESC
		 LIMIT 1`,
		tenantID, providerName)
	return scanConnection(row)
}

// ListConnections returns all connections for a tenant.
func (s *ConnectionService) ListConnections(ctx context.Context, tenantID string) ([]*models.ToolConnection, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT connection_id, tenant_id, provider_name, display_name, encrypted_config, enabled, created_at
		 FROM tool_connections WHERE tenant_id = $1 ORDER BY provider_name`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool connections: %w", err)
	}
	defer rows.Close()

	var out []*models.ToolConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, rows.Err()
}

// DecryptConfig opens a connection's sealed settings.
func (s *ConnectionService) DecryptConfig(conn *models.ToolConnection) (ConnectionConfig, error) {
	var cfg ConnectionConfig
	plain, err := s.cipher.Decrypt(conn.EncryptedConfig)
	if err != nil {
		return cfg, fmt.Errorf("failed to decrypt connection config: %w", err)
	}
	if err := json.Unmarshal([]byte(plain.Reveal()), &cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal connection config: %w", err)
	}
	return cfg, nil
}

// ResolveConnection loads and decrypts the enabled connection for
// (tenant, provider) in one step. Returns ErrNotFound when the tenant has no
// enabled connection for the provider.
func (s *ConnectionService) ResolveConnection(ctx context.Context, tenantID, providerName string) (tools.Connection, error) {
	conn, err := s.GetConnection(ctx, tenantID, providerName)
	if err != nil {
		return tools.Connection{}, err
	}
	cfg, err := s.DecryptConfig(conn)
	if err != nil {
		return tools.Connection{}, err
	}
	return tools.Connection{BaseURL: cfg.BaseURL, Token: cfg.Token, Extra: cfg.Extra}, nil
}

// SetEnabled toggles a connection.
func (s *ConnectionService) SetEnabled(ctx context.Context, tenantID, connectionID string, enabled bool) error {
	tag, err := s.db.Pool().Exec(ctx,
		`UPDATE tool_connections SET enabled = $3 WHERE tenant_id = $1 AND connection_id = $2`,
		tenantID, connectionID, enabled)
	if err != nil {
		return fmt.Errorf("failed to update tool connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConnection(row pgx.Row) (*models.ToolConnection, error) {
	var conn models.ToolConnection
	err := row.Scan(&conn.ID, &conn.TenantID, &conn.ProviderName, &conn.DisplayName,
		&conn.EncryptedConfig, &conn.Enabled, &conn.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tool connection: %w", err)
	}
	return &conn, nil
}
