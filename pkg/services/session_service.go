// Package services implements the relational persistence layer. Each service
// owns the SQL for one entity family and returns pkg/models types. Every
// query carries a tenant predicate; cross-tenant reads are impossible by
// construction.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/relayforge/maestro/pkg/database"
	"github.com/relayforge/maestro/pkg/models"
	"github.com/relayforge/maestro/pkg/session"
)

// SessionService persists sessions in the relational tier. It backs the
// session manager's slow path; the manager's ephemeral tier sits in front.
type SessionService struct {
	db *database.Client
}

// NewSessionService creates a new SessionService
func NewSessionService(db *database.Client) *SessionService {
	return &SessionService{db: db}
}

const sessionColumns = `session_id, tenant_id, user_id, source, thread_key, state, history, metadata, created_at, expires_at`

// GetSession returns a session by ID scoped to the tenant.
func (s *SessionService) GetSession(ctx context.Context, tenantID, sessionID string) (*models.Session, error) {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = $1 AND session_id = $2`,
		tenantID, sessionID)
	return scanSession(row)
}

// GetSessionByThread resolves a session via its thread key.
func (s *SessionService) GetSessionByThread(ctx context.Context, tenantID string, source models.Source, threadKey string) (*models.Session, error) {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE tenant_id = $1 AND source = $2 AND thread_key = $3 AND thread_key <> ''`,
		tenantID, string(source), threadKey)
	return scanSession(row)
}

// UpsertSession writes the full session row, replacing history and state.
func (s *SessionService) UpsertSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		return NewValidationError("session_id", "required")
	}
	if sess.TenantID == "" {
		return NewValidationError("tenant_id", "required")
	}

	state, err := json.Marshal(sess.State)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}
	history, err := json.Marshal(sess.History)
	if err != nil {
		return fmt.Errorf("failed to marshal session history: %w", err)
	}
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	_, err = s.db.Pool().Exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (session_id) DO UPDATE SET
		   state = EXCLUDED.state,
		   history = EXCLUDED.history,
		   metadata = EXCLUDED.metadata,
		   expires_at = EXCLUDED.expires_at`,
		sess.ID, sess.TenantID, sess.UserID, string(sess.Source), sess.ThreadKey,
		state, history, metadata, sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions whose TTL has lapsed. Called by the
// background sweep job. Returns the number of rows removed.
func (s *SessionService) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := s.db.Pool().Exec(ctx, `DELETE FROM sessions WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var sess models.Session
	var src string
	var state, hist, meta []byte
	err := row.Scan(&sess.ID, &sess.TenantID, &sess.UserID, &src, &sess.ThreadKey,
		&state, &hist, &meta, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.Source = models.Source(src)
	if err := json.Unmarshal(state, &sess.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session state: %w", err)
	}
	if err := json.Unmarshal(hist, &sess.History); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session history: %w", err)
	}
	if err := json.Unmarshal(meta, &sess.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session metadata: %w", err)
	}
	return &sess, nil
}
