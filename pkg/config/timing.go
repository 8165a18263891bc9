package config

import (
	"fmt"
	"time"
)

// Timing is the single, centralized timing table. Every deadline, TTL, and
// interval in the system resolves here rather than being scattered as local
// constants.
type Timing struct {
	// SessionTTL is the idle TTL for sessions (refreshed on each turn).
	SessionTTL time.Duration `yaml:"session_ttl"`
	// SnapshotTurns is the default bounded history window.
	SnapshotTurns int `yaml:"snapshot_turns"`

	// AnalyzerTimeout bounds the LLM path of the request analyzer.
	AnalyzerTimeout time.Duration `yaml:"analyzer_timeout"`

	// MaxToolRounds bounds the per-agent tool-calling loop.
	MaxToolRounds int `yaml:"max_tool_rounds"`
	// ToolCallTimeout bounds a single tool adapter operation.
	ToolCallTimeout time.Duration `yaml:"tool_call_timeout"`

	// EventTTL is the rolling retention of per-tenant event streams.
	EventTTL time.Duration `yaml:"event_ttl"`
	// HeartbeatInterval is the server-push heartbeat cadence.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// ShutdownGrace is how long active dispatches may run during shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// StoreTimeout bounds individual relational/ephemeral tier calls.
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

// DefaultTiming returns the built-in timing table.
func DefaultTiming() *Timing {
	return &Timing{
		SessionTTL:        1 * time.Hour,
		SnapshotTurns:     20,
		AnalyzerTimeout:   2 * time.Second,
		MaxToolRounds:     8,
		ToolCallTimeout:   30 * time.Second,
		EventTTL:          1 * time.Hour,
		HeartbeatInterval: 25 * time.Second,
		ShutdownGrace:     20 * time.Second,
		StoreTimeout:      5 * time.Second,
	}
}

// Validate checks timing invariants.
func (t *Timing) Validate() error {
	if t.SessionTTL <= 0 {
		return fmt.Errorf("timing: session_ttl must be positive")
	}
	if t.SnapshotTurns < 1 {
		return fmt.Errorf("timing: snapshot_turns must be >= 1")
	}
	if t.MaxToolRounds < 1 {
		return fmt.Errorf("timing: max_tool_rounds must be >= 1")
	}
	if t.HeartbeatInterval <= 0 {
		return fmt.Errorf("timing: heartbeat_interval must be positive")
	}
	if t.EventTTL <= 0 {
		return fmt.Errorf("timing: event_ttl must be positive")
	}
	return nil
}
