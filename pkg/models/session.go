// Package models holds the domain structs shared between services, the
// dispatcher, and the API layer. Persistence-facing types mirror their table
// shapes; JSON tags match the wire format used by the API and the ephemeral
// session cache.
package models

import (
	"maps"
	"time"
)

// Source identifies the surface a session originated from.
type Source string

const (
	SourceChat Source = "chat"
	SourceWeb  Source = "web"
	SourceCLI  Source = "cli"
)

// Valid reports whether the source is one of the known surfaces.
func (s Source) Valid() bool {
	switch s {
	case SourceChat, SourceWeb, SourceCLI:
		return true
	}
	return false
}

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
	// RoleMarker records explicit history truncation so a trimmed session
	// never silently loses turns.
	RoleMarker = "marker"
)

// Turn is a single entry in a session's conversation history.
type Turn struct {
	Role      string            `json:"role"`
	Text      string            `json:"text"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Session is the durable conversational state for one conversation.
// The Session Manager is the sole writer.
type Session struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	UserID    string            `json:"user_id"`
	Source    Source            `json:"source"`
	ThreadKey string            `json:"thread_key,omitempty"`
	State     map[string]string `json:"state,omitempty"`
	History   []Turn            `json:"history"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Clone returns a deep copy of the session. Background writers marshal the
// copy so appends on the live session never race with persistence.
func (s *Session) Clone() *Session {
	out := *s
	out.State = maps.Clone(s.State)
	out.Metadata = maps.Clone(s.Metadata)
	if s.History != nil {
		out.History = make([]Turn, len(s.History))
		for i, t := range s.History {
			t.Meta = maps.Clone(t.Meta)
			out.History[i] = t
		}
	}
	return &out
}

// Snapshot is a bounded view of a session handed to prompts and API reads.
type Snapshot struct {
	SessionID string `json:"session_id"`
	TenantID  string `json:"tenant_id"`
	Turns     []Turn `json:"turns"`
	// Truncated is true when older turns were omitted from the view.
	Truncated bool `json:"truncated,omitempty"`
}
