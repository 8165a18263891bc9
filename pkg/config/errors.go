package config

import "errors"

// Sentinel errors for registry lookups.
var (
	ErrCategoryNotFound = errors.New("category not found")
	ErrAgentNotFound    = errors.New("agent not found")
	ErrSkillNotFound    = errors.New("skill not found")
)
