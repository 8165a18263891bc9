package config

import (
	"fmt"
	"sync"
	"time"
)

// Category names form a closed set. Unknown hints degrade to CategoryQuick.
const (
	CategoryQuick      = "quick"
	CategoryWriting    = "writing"
	CategoryArtistry   = "artistry"
	CategoryVisualEng  = "visual-eng"
	CategoryUltrabrain = "ultrabrain"
)

// CostClass buckets categories by spend.
type CostClass string

const (
	CostLow    CostClass = "low"
	CostMedium CostClass = "medium"
	CostHigh   CostClass = "high"
)

// CategoryConfig maps a category (cost/latency class) to its model settings.
// The model/temperature table lives in YAML rather than code so operators can
// retune it without a release.
type CategoryConfig struct {
	Model       string        `yaml:"model" validate:"required"`
	Temperature float64       `yaml:"temperature"`
	CostClass   CostClass     `yaml:"cost_class"`
	MaxTokens   int           `yaml:"max_tokens"`
	Deadline    time.Duration `yaml:"deadline"`
	// EstimatedUnits is the projected budget cost of one request in this
	// category, used by the budget gate before any account is selected.
	EstimatedUnits int64 `yaml:"estimated_units"`
}

// CategoryRegistry stores category configurations with thread-safe access.
type CategoryRegistry struct {
	categories map[string]*CategoryConfig
	mu         sync.RWMutex
}

// NewCategoryRegistry creates a registry from the given map (defensive copy).
func NewCategoryRegistry(categories map[string]*CategoryConfig) *CategoryRegistry {
	copied := make(map[string]*CategoryConfig, len(categories))
	for k, v := range categories {
		copied[k] = v
	}
	return &CategoryRegistry{categories: copied}
}

// Get retrieves a category configuration by name.
func (r *CategoryRegistry) Get(name string) (*CategoryConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cat, ok := r.categories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCategoryNotFound, name)
	}
	return cat, nil
}

// Names returns all registered category names.
func (r *CategoryRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.categories))
	for k := range r.categories {
		names = append(names, k)
	}
	return names
}

// Len returns the number of registered categories.
func (r *CategoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.categories)
}

// DefaultCategories returns the built-in category table. YAML entries merge
// over these.
func DefaultCategories() map[string]*CategoryConfig {
	return map[string]*CategoryConfig{
		CategoryQuick: {
			Model:          "claude-haiku",
			Temperature:    0.1,
			CostClass:      CostLow,
			MaxTokens:      1024,
			Deadline:       60 * time.Second,
			EstimatedUnits: 1,
		},
		CategoryWriting: {
			Model:          "claude-sonnet",
			Temperature:    0.5,
			CostClass:      CostMedium,
			MaxTokens:      4096,
			Deadline:       2 * time.Minute,
			EstimatedUnits: 4,
		},
		CategoryArtistry: {
			Model:          "claude-sonnet",
			Temperature:    0.9,
			CostClass:      CostMedium,
			MaxTokens:      4096,
			Deadline:       2 * time.Minute,
			EstimatedUnits: 4,
		},
		CategoryVisualEng: {
			Model:          "claude-opus",
			Temperature:    0.7,
			CostClass:      CostHigh,
			MaxTokens:      8192,
			Deadline:       3 * time.Minute,
			EstimatedUnits: 10,
		},
		CategoryUltrabrain: {
			Model:          "claude-opus",
			Temperature:    0.3,
			CostClass:      CostHigh,
			MaxTokens:      16384,
			Deadline:       5 * time.Minute,
			EstimatedUnits: 10,
		},
	}
}
