// Package events is the progress channel: typed dispatch events published
// once per tenant, fanned out across process instances over pub/sub, and
// persisted to a rolling per-tenant stream for reconnect replay.
package events

import (
	"time"
)

// Event types.
const (
	TypeConnected = "connected"
	TypeQueued    = "queued"
	TypeRunning   = "running"
	TypeToolStart = "tool_start"
	TypeToolEnd   = "tool_end"
	TypeCompleted = "completed"
	TypeFailed    = "failed"
	TypeCancelled = "cancelled"
	TypeHeartbeat = "heartbeat"
	TypeShutdown  = "shutdown"
)

// Event is one progress notification. ID is monotonic per tenant stream and
// zero for synthetic connection-local events (connected, heartbeat,
// shutdown), which are never persisted or replayed.
type Event struct {
	ID          uint64    `json:"id,omitempty"`
	TenantID    string    `json:"tenant_id"`
	ExecutionID string    `json:"execution_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	Type        string    `json:"type"`
	Agent       string    `json:"agent,omitempty"`
	Step        string    `json:"step,omitempty"`
	Provider    string    `json:"provider,omitempty"`
	Operation   string    `json:"operation,omitempty"`
	// Message carries user-facing text (localized failure messages, final
	// summaries are referenced by execution, not embedded).
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Terminal reports whether the event type ends a dispatch.
func (e Event) Terminal() bool {
	switch e.Type {
	case TypeCompleted, TypeFailed, TypeCancelled:
		return true
	}
	return false
}
