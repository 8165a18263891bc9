package services

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/relayforge/maestro/pkg/database"
	"github.com/relayforge/maestro/pkg/jobs"
)

// AuditService appends to the audit log. Writes are best-effort: audit
// failures are logged and never block the operation being audited. With a
// runner, writes are queued as background jobs.
type AuditService struct {
	db     *database.Client
	runner *jobs.Runner
}

// NewAuditService creates a new AuditService. runner may be nil, in which
// case writes happen inline.
func NewAuditService(db *database.Client, runner *jobs.Runner) *AuditService {
	return &AuditService{db: db, runner: runner}
}

// Record appends one audit entry. detail must be JSON-serializable.
func (s *AuditService) Record(ctx context.Context, tenantID, actor, action string, detail map[string]any) {
	if detail == nil {
		detail = map[string]any{}
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		slog.Warn("Failed to marshal audit detail", "action", action, "error", err)
		raw = []byte(`{}`)
	}
	if s.runner != nil {
		s.runner.Submit(ctx, jobs.Job{
			Name: "audit-" + action,
			Run: func(ctx context.Context) error {
				return s.insert(ctx, tenantID, actor, action, raw)
			},
		})
		return
	}
	if err := s.insert(ctx, tenantID, actor, action, raw); err != nil {
		slog.Warn("Failed to write audit entry",
			"tenant_id", tenantID, "action", action, "error", err)
	}
}

func (s *AuditService) insert(ctx context.Context, tenantID, actor, action string, detail []byte) error {
	_, err := s.db.Pool().Exec(ctx,
		`INSERT INTO audit_log (tenant_id, actor, action, detail) VALUES ($1, $2, $3, $4)`,
		tenantID, actor, action, detail)
	return err
}
