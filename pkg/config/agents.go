package config

import (
	"fmt"
	"sort"
	"sync"
)

// AgentConfig defines a named agent persona. Agents are data, not code:
// adding one is a registry entry, never a switch statement in the dispatcher.
type AgentConfig struct {
	// Name is the registry key (e.g. "ops", "writing").
	Name string `yaml:"-"`
	// Scope is the short functional description shown in prompts.
	Scope string `yaml:"scope" validate:"required"`
	// Persona is the system prompt body for this agent.
	Persona string `yaml:"persona" validate:"required"`
	// Skills are the skill bundles this agent declares competence in.
	// Used both for prompt assembly and for aggregator relevance scoring.
	Skills []string `yaml:"skills"`
	// Category optionally pins the agent to a category regardless of routing.
	Category string `yaml:"category,omitempty"`
}

// AgentRegistry stores agent personas with thread-safe access.
type AgentRegistry struct {
	agents map[string]*AgentConfig
	mu     sync.RWMutex
}

// NewAgentRegistry creates a registry from the given map (defensive copy).
// Each config's Name field is set to its registry key.
func NewAgentRegistry(agents map[string]*AgentConfig) *AgentRegistry {
	copied := make(map[string]*AgentConfig, len(agents))
	for k, v := range agents {
		v.Name = k
		copied[k] = v
	}
	return &AgentRegistry{agents: copied}
}

// Get retrieves an agent persona by name.
func (r *AgentRegistry) Get(name string) (*AgentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return a, nil
}

// Names returns all agent names, sorted for deterministic iteration.
func (r *AgentRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for k := range r.agents {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// BySkill returns the agents declaring the given skill, sorted by name.
// This is the data-driven skill→agent mapping the dispatcher selects from.
func (r *AgentRegistry) BySkill(skill string) []*AgentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*AgentConfig
	for _, a := range r.agents {
		for _, s := range a.Skills {
			if s == skill {
				out = append(out, a)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered agents.
func (r *AgentRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// DefaultAgents returns the built-in agent personas. YAML entries merge over
// these.
func DefaultAgents() map[string]*AgentConfig {
	return map[string]*AgentConfig{
		"ops": {
			Scope:   "operations and task management",
			Persona: "You are the operations agent. You manage tasks, tickets, and follow-ups precisely. Prefer acting through the available tools over describing what could be done.",
			Skills:  []string{"tool-integration"},
		},
		"writing": {
			Scope:   "documents, summaries, and long-form writing",
			Persona: "You are the writing agent. You draft clear, well-structured documents and summaries in the requester's language.",
			Skills:  []string{"tool-integration", "browser"},
		},
		"brand": {
			Scope:   "brand voice and naming",
			Persona: "You are the brand agent. You guard tone of voice and naming consistency.",
			Skills:  []string{"browser"},
		},
		"marketing": {
			Scope:   "campaigns and audience messaging",
			Persona: "You are the marketing agent. You produce campaign copy and positioning grounded in the request.",
			Skills:  []string{"browser", "tool-integration"},
		},
		"product": {
			Scope:   "product requirements and prioritization",
			Persona: "You are the product agent. You turn requests into crisp requirements and acceptance criteria.",
			Skills:  []string{"tool-integration"},
		},
		"engineering": {
			Scope:   "code, reviews, and technical design",
			Persona: "You are the engineering agent. You work with repositories and pull requests through the available tools and keep answers technically precise.",
			Skills:  []string{"vcs", "tool-integration"},
		},
		"support": {
			Scope:   "customer issues and triage",
			Persona: "You are the support agent. You triage issues, find related tickets, and draft responses.",
			Skills:  []string{"tool-integration"},
		},
		"growth": {
			Scope:   "funnels and experiments",
			Persona: "You are the growth agent. You design experiments and interpret funnel questions.",
			Skills:  []string{"browser"},
		},
		"finance": {
			Scope:   "budgets and forecasts",
			Persona: "You are the finance agent. You answer budget and forecasting questions conservatively and flag uncertainty.",
			Skills:  []string{"tool-integration"},
		},
		"design": {
			Scope:   "UI and frontend design",
			Persona: "You are the design agent. You reason about interfaces, layouts, and component structure.",
			Skills:  []string{"ui-design", "browser"},
		},
	}
}
