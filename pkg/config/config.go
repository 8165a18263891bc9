// Package config loads and validates all Maestro configuration at startup.
// Configuration comes from two places: environment variables (connection
// URLs, credentials) and a YAML config directory (categories, agents,
// skills, pool tuning, timing). Nothing reads the environment at request
// time; an invalid configuration is a fatal startup error.
package config

// Config is the umbrella configuration object returned by Initialize() and
// threaded through the application.
type Config struct {
	configDir string

	System *SystemConfig
	Timing *Timing
	Pool   *PoolConfig
	Jobs   *JobsConfig

	CategoryRegistry *CategoryRegistry
	AgentRegistry    *AgentRegistry
	SkillRegistry    *SkillRegistry
}

// Stats contains statistics about loaded configuration, for startup logging.
type Stats struct {
	Categories int
	Agents     int
	Skills     int
}

// Stats returns configuration statistics.
func (c *Config) Stats() Stats {
	return Stats{
		Categories: c.CategoryRegistry.Len(),
		Agents:     c.AgentRegistry.Len(),
		Skills:     c.SkillRegistry.Len(),
	}
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string { return c.configDir }

// GetCategory retrieves a category configuration by name.
func (c *Config) GetCategory(name string) (*CategoryConfig, error) {
	return c.CategoryRegistry.Get(name)
}

// GetAgent retrieves an agent persona by name.
func (c *Config) GetAgent(name string) (*AgentConfig, error) {
	return c.AgentRegistry.Get(name)
}

// GetSkill retrieves a skill bundle by name.
func (c *Config) GetSkill(name string) (*SkillConfig, error) {
	return c.SkillRegistry.Get(name)
}
