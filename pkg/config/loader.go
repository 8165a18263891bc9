package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// maestroYAML represents the maestro.yaml file structure. Every section is
// optional; omitted sections fall back to built-in defaults.
type maestroYAML struct {
	Categories map[string]*CategoryConfig `yaml:"categories"`
	Agents     map[string]*AgentConfig    `yaml:"agents"`
	Skills     map[string]*SkillConfig    `yaml:"skills"`
	Pool       *PoolConfig                `yaml:"pool"`
	Jobs       *JobsConfig                `yaml:"jobs"`
	Timing     *Timing                    `yaml:"timing"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading. A missing
// maestro.yaml is fine (defaults apply); an unreadable or invalid one is not.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	yamlCfg, err := loadYAML(filepath.Join(configDir, "maestro.yaml"))
	if err != nil {
		return nil, err
	}

	categories := DefaultCategories()
	for name, cat := range yamlCfg.Categories {
		categories[name] = cat
	}
	agents := DefaultAgents()
	for name, a := range yamlCfg.Agents {
		agents[name] = a
	}
	skills := DefaultSkills()
	for name, s := range yamlCfg.Skills {
		skills[name] = s
	}

	pool := yamlCfg.Pool
	if pool == nil {
		pool = DefaultPoolConfig()
	}
	jobs := yamlCfg.Jobs
	if jobs == nil {
		jobs = DefaultJobsConfig()
	}
	timing := yamlCfg.Timing
	if timing == nil {
		timing = DefaultTiming()
	}

	system, err := LoadSystemFromEnv()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		configDir:        configDir,
		System:           system,
		Timing:           timing,
		Pool:             pool,
		Jobs:             jobs,
		CategoryRegistry: NewCategoryRegistry(categories),
		AgentRegistry:    NewAgentRegistry(agents),
		SkillRegistry:    NewSkillRegistry(skills),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	stats := cfg.Stats()
	slog.Info("Configuration loaded",
		"config_dir", configDir,
		"categories", stats.Categories,
		"agents", stats.Agents,
		"skills", stats.Skills)

	return cfg, nil
}

// loadYAML reads maestro.yaml if present. Missing file returns an empty config.
func loadYAML(path string) (*maestroYAML, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No maestro.yaml found, using built-in defaults", "path", path)
			return &maestroYAML{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var cfg maestroYAML
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the complete configuration. Called once at startup;
// failures are fatal (config error exit code).
func (c *Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if err := c.Jobs.Validate(); err != nil {
		return err
	}
	if err := c.Timing.Validate(); err != nil {
		return err
	}
	// Default category must exist: the router falls back to it.
	if _, err := c.CategoryRegistry.Get(CategoryQuick); err != nil {
		return fmt.Errorf("config: default category %q missing", CategoryQuick)
	}
	for _, name := range c.CategoryRegistry.Names() {
		cat, _ := c.CategoryRegistry.Get(name)
		if cat.Model == "" {
			return fmt.Errorf("config: category %q has no model", name)
		}
		if cat.Deadline <= 0 {
			return fmt.Errorf("config: category %q has no deadline", name)
		}
	}
	// Every skill an agent declares must be registered.
	for _, name := range c.AgentRegistry.Names() {
		a, _ := c.AgentRegistry.Get(name)
		for _, s := range a.Skills {
			if _, err := c.SkillRegistry.Get(s); err != nil {
				return fmt.Errorf("config: agent %q declares unknown skill %q", name, s)
			}
		}
		if a.Category != "" {
			if _, err := c.CategoryRegistry.Get(a.Category); err != nil {
				return fmt.Errorf("config: agent %q pins unknown category %q", name, a.Category)
			}
		}
	}
	return nil
}
