package config

import (
	"fmt"
	"time"
)

// JobsConfig sizes the background job runner used for write-behind session
// persistence and audit writes.
type JobsConfig struct {
	// Workers is the number of job worker goroutines.
	Workers int `yaml:"workers"`
	// QueueSize is the bounded job queue capacity. Submitting to a full
	// queue falls back to synchronous execution rather than dropping work.
	QueueSize int `yaml:"queue_size"`
	// RetryMax is the per-job retry count.
	RetryMax int `yaml:"retry_max"`
	// RetryBackoff is the base backoff between job retries (doubles each retry).
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// DrainTimeout bounds queue draining during graceful shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// DefaultJobsConfig returns the built-in job runner defaults.
func DefaultJobsConfig() *JobsConfig {
	return &JobsConfig{
		Workers:      4,
		QueueSize:    256,
		RetryMax:     3,
		RetryBackoff: 500 * time.Millisecond,
		DrainTimeout: 10 * time.Second,
	}
}

// Validate checks job runner configuration invariants.
func (c *JobsConfig) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("jobs: workers must be >= 1, got %d", c.Workers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("jobs: queue_size must be >= 1, got %d", c.QueueSize)
	}
	return nil
}
