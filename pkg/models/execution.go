package models

import "time"

// ExecutionStatus tracks the lifecycle of one inbound request.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSuccess   ExecutionStatus = "success"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// ExecutionMetadata is the audit detail persisted alongside an execution.
type ExecutionMetadata struct {
	AccountsUsed []string `json:"accounts_used,omitempty"`
	AgentsUsed   []string `json:"agents_used,omitempty"`
	RetryCount   int      `json:"retry_count"`
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
	ToolCalls    int      `json:"tool_calls"`
}

// Execution is the audit record of a single inbound request end-to-end.
// Created by the dispatcher when a request is accepted, updated exactly once
// on completion.
type Execution struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenant_id"`
	UserID     string            `json:"user_id"`
	SessionID  string            `json:"session_id"`
	Category   string            `json:"category"`
	Skills     []string          `json:"skills"`
	Status     ExecutionStatus   `json:"status"`
	Input      string            `json:"input"`
	Output     string            `json:"output,omitempty"`
	ErrorKind  string            `json:"error_kind,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	DurationMS int64             `json:"duration_ms"`
	Metadata   ExecutionMetadata `json:"metadata"`
}

// CreateExecutionRequest is the typed request for creating an execution row.
type CreateExecutionRequest struct {
	ID        string
	TenantID  string
	UserID    string
	SessionID string
	Category  string
	Skills    []string
	Input     string
}

// CompleteExecutionRequest is the typed request for the terminal update.
type CompleteExecutionRequest struct {
	ID         string
	TenantID   string
	Status     ExecutionStatus
	Output     string
	ErrorKind  string
	Error      string
	DurationMS int64
	Metadata   ExecutionMetadata
}
