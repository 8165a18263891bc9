package config

import (
	"fmt"
	"sync"
)

// Skill bundle names form a closed set known to the router.
const (
	SkillToolIntegration = "tool-integration"
	SkillBrowser         = "browser"
	SkillVCS             = "vcs"
	SkillUIDesign        = "ui-design"
)

// SkillConfig is a named bundle of tool capabilities plus the prompt fragment
// that teaches an agent how to use them.
type SkillConfig struct {
	Name string `yaml:"-"`
	// Providers lists the tool adapter provider names this skill unlocks.
	Providers []string `yaml:"providers"`
	// PromptFragment is appended to the system prompt when the skill is active.
	PromptFragment string `yaml:"prompt_fragment"`
}

// SkillRegistry stores skill bundles with thread-safe access.
type SkillRegistry struct {
	skills map[string]*SkillConfig
	mu     sync.RWMutex
}

// NewSkillRegistry creates a registry from the given map (defensive copy).
func NewSkillRegistry(skills map[string]*SkillConfig) *SkillRegistry {
	copied := make(map[string]*SkillConfig, len(skills))
	for k, v := range skills {
		v.Name = k
		copied[k] = v
	}
	return &SkillRegistry{skills: copied}
}

// Get retrieves a skill bundle by name.
func (r *SkillRegistry) Get(name string) (*SkillConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	return s, nil
}

// Len returns the number of registered skills.
func (r *SkillRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.skills)
}

// DefaultSkills returns the built-in skill bundles.
func DefaultSkills() map[string]*SkillConfig {
	return map[string]*SkillConfig{
		SkillToolIntegration: {
			Providers:      []string{"task-tracker", "notes", "chat-poster"},
			PromptFragment: "You can manage tasks and documents through the connected tools. Always confirm what was created or changed.",
		},
		SkillBrowser: {
			Providers:      []string{"notes"},
			PromptFragment: "You can search the team's documents and wikis for context before answering.",
		},
		SkillVCS: {
			Providers:      []string{"code-host"},
			PromptFragment: "You can search code and list pull requests on the connected code host.",
		},
		SkillUIDesign: {
			Providers:      []string{},
			PromptFragment: "Describe interface work in terms of components, states, and accessibility.",
		},
	}
}
