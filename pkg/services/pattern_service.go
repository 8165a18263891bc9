package services

import (
	"context"
	"fmt"

	"github.com/relayforge/maestro/pkg/database"
	"github.com/relayforge/maestro/pkg/models"
)

// PatternService persists approved pattern suggestions.
type PatternService struct {
	db *database.Client
}

// NewPatternService creates a new PatternService
func NewPatternService(db *database.Client) *PatternService {
	return &PatternService{db: db}
}

// ListSuggestions returns all suggestions for (tenant, agent). Filtering by
// confidence and capping happens in the patterns package.
func (s *PatternService) ListSuggestions(ctx context.Context, tenantID, agentType string) ([]*models.PatternSuggestion, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT suggestion_id, tenant_id, agent_type, text, confidence, relevance, created_at
		 FROM pattern_suggestions
		 WHERE tenant_id = $1 AND agent_type = $2`,
		tenantID, agentType)
	if err != nil {
		return nil, fmt.Errorf("failed to list pattern suggestions: %w", err)
	}
	defer rows.Close()

	var out []*models.PatternSuggestion
	for rows.Next() {
		var p models.PatternSuggestion
		if err := rows.Scan(&p.ID, &p.TenantID, &p.AgentType, &p.Text,
			&p.Confidence, &p.Relevance, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pattern suggestion: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// AddSuggestion inserts an approved suggestion.
func (s *PatternService) AddSuggestion(ctx context.Context, p *models.PatternSuggestion) error {
	if p.ID == "" {
		return NewValidationError("suggestion_id", "required")
	}
	if p.TenantID == "" {
		return NewValidationError("tenant_id", "required")
	}
	if p.AgentType == "" {
		return NewValidationError("agent_type", "required")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return NewValidationError("confidence", "must be within [0,1]")
	}
	_, err := s.db.Pool().Exec(ctx,
		`INSERT INTO pattern_suggestions (suggestion_id, tenant_id, agent_type, text, confidence, relevance)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.TenantID, p.AgentType, p.Text, p.Confidence, p.Relevance)
	if err != nil {
		return fmt.Errorf("failed to add pattern suggestion: %w", err)
	}
	return nil
}
