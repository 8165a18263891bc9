package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/relayforge/maestro/pkg/database"
	"github.com/relayforge/maestro/pkg/models"
)

// ExecutionService persists the per-request audit records. The dispatcher
// creates exactly one row per accepted request and completes it exactly once.
type ExecutionService struct {
	db *database.Client
}

// NewExecutionService creates a new ExecutionService
func NewExecutionService(db *database.Client) *ExecutionService {
	return &ExecutionService{db: db}
}

// CreateExecution inserts a pending execution row.
func (s *ExecutionService) CreateExecution(ctx context.Context, req models.CreateExecutionRequest) (*models.Execution, error) {
	if req.ID == "" {
		return nil, NewValidationError("execution_id", "required")
	}
	if req.TenantID == "" {
		return nil, NewValidationError("tenant_id", "required")
	}
	if req.SessionID == "" {
		return nil, NewValidationError("session_id", "required")
	}

	skills, err := json.Marshal(emptyIfNil(req.Skills))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal skills: %w", err)
	}

	row := s.db.Pool().QueryRow(ctx,
		`INSERT INTO orchestrator_executions
		   (execution_id, tenant_id, user_id, session_id, category, skills, status, input)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING started_at`,
		req.ID, req.TenantID, req.UserID, req.SessionID, req.Category, skills,
		string(models.ExecutionStatusPending), req.Input)

	exec := &models.Execution{
		ID:        req.ID,
		TenantID:  req.TenantID,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Category:  req.Category,
		Skills:    req.Skills,
		Status:    models.ExecutionStatusPending,
		Input:     req.Input,
	}
	if err := row.Scan(&exec.StartedAt); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	return exec, nil
}

// SetRouting records the routed category and skills. The row is created
// before routing happens, so these land in a separate update.
func (s *ExecutionService) SetRouting(ctx context.Context, tenantID, executionID, category string, skills []string) error {
	encoded, err := json.Marshal(emptyIfNil(skills))
	if err != nil {
		return fmt.Errorf("failed to marshal skills: %w", err)
	}
	tag, err := s.db.Pool().Exec(ctx,
		`UPDATE orchestrator_executions SET category = $3, skills = $4
		 WHERE tenant_id = $1 AND execution_id = $2`,
		tenantID, executionID, category, encoded)
	if err != nil {
		return fmt.Errorf("failed to record routing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRunning transitions a pending execution to running.
func (s *ExecutionService) MarkRunning(ctx context.Context, tenantID, executionID string) error {
	tag, err := s.db.Pool().Exec(ctx,
		`UPDATE orchestrator_executions SET status = $3
		 WHERE tenant_id = $1 AND execution_id = $2 AND status = $4`,
		tenantID, executionID, string(models.ExecutionStatusRunning), string(models.ExecutionStatusPending))
	if err != nil {
		return fmt.Errorf("failed to mark execution running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteExecution writes the terminal update. A row already in a terminal
// state is left untouched so completion is idempotent.
func (s *ExecutionService) CompleteExecution(ctx context.Context, req models.CompleteExecutionRequest) error {
	if !req.Status.Terminal() {
		return NewValidationError("status", "must be a terminal status")
	}

	metadata, err := json.Marshal(req.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal execution metadata: %w", err)
	}

	tag, err := s.db.Pool().Exec(ctx,
		`UPDATE orchestrator_executions SET
		   status = $3, output = $4, error_kind = $5, error = $6,
		   duration_ms = $7, metadata = $8
		 WHERE tenant_id = $1 AND execution_id = $2
		   AND status IN ($9, $10)`,
		req.TenantID, req.ID, string(req.Status), req.Output, req.ErrorKind, req.Error,
		req.DurationMS, metadata,
		string(models.ExecutionStatusPending), string(models.ExecutionStatusRunning))
	if err != nil {
		return fmt.Errorf("failed to complete execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetExecution returns one execution scoped to the tenant.
func (s *ExecutionService) GetExecution(ctx context.Context, tenantID, executionID string) (*models.Execution, error) {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT execution_id, tenant_id, user_id, session_id, category, skills,
		        status, input, output, error_kind, error, started_at, duration_ms, metadata
		 FROM orchestrator_executions
		 WHERE tenant_id = $1 AND execution_id = $2`,
		tenantID, executionID)
	return scanExecution(row)
}

// ListSessionExecutions returns the executions of one session, newest first.
func (s *ExecutionService) ListSessionExecutions(ctx context.Context, tenantID, sessionID string, limit int) ([]*models.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Pool().Query(ctx,
		`SELECT execution_id, tenant_id, user_id, session_id, category, skills,
		        status, input, output, error_kind, error, started_at, duration_ms, metadata
		 FROM orchestrator_executions
		 WHERE tenant_id = $1 AND session_id = $2
		 ORDER BY started_at DESC
		 LIMIT $3`,
		tenantID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanExecution(row pgx.Row) (*models.Execution, error) {
	var exec models.Execution
	var status string
	var skills, metadata []byte
	err := row.Scan(&exec.ID, &exec.TenantID, &exec.UserID, &exec.SessionID, &exec.Category,
		&skills, &status, &exec.Input, &exec.Output, &exec.ErrorKind, &exec.Error,
		&exec.StartedAt, &exec.DurationMS, &metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	exec.Status = models.ExecutionStatus(status)
	if err := json.Unmarshal(skills, &exec.Skills); err != nil {
		return nil, fmt.Errorf("failed to unmarshal skills: %w", err)
	}
	if err := json.Unmarshal(metadata, &exec.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution metadata: %w", err)
	}
	return &exec, nil
}

func emptyIfNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
