// Package llm is the HTTP client for the LLM provider. It speaks the
// OpenAI-compatible chat completions API and is the only place in the
// process where a decrypted provider credential exists.
package llm

import (
	"encoding/json"
	"fmt"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversation entry sent to the provider.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is the provider's request to invoke a tool.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON
}

// ToolDefinition describes a tool made available to the provider.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// Request is a single chat completion request.
type Request struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Messages    []Message
	Tools       []ToolDefinition
	// JSONOutput requests a JSON-object response (analyzer structured output).
	JSONOutput bool
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	CacheReadTokens int `json:"cache_read_tokens,omitempty"`
}

// Response is the provider's reply.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// ProviderError classifies a failed provider call. The pool's retry policy
// keys off StatusCode.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
}

// RateLimited reports whether the provider signalled a rate limit.
func (e *ProviderError) RateLimited() bool { return e.StatusCode == 429 }

// AuthFailure reports an invalid or rejected credential.
func (e *ProviderError) AuthFailure() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// Transient reports a retryable server-side or gateway failure.
// StatusCode 0 means a network-level error before any HTTP response.
func (e *ProviderError) Transient() bool {
	switch e.StatusCode {
	case 0, 502, 503, 504:
		return true
	}
	return false
}

// EstimateTokens approximates the token count of a text for capacity and
// budget projection. The 4-chars-per-token heuristic tracks real tokenizers
// closely enough for windowed rate accounting.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 && len(text) > 0 {
		return 1
	}
	return n
}

// EstimateRequestTokens projects the input token cost of a request.
func EstimateRequestTokens(req *Request) int {
	total := 0
	for _, m := range req.Messages {
		total += EstimateTokens(m.Content)
	}
	for _, t := range req.Tools {
		total += EstimateTokens(t.Description) + EstimateTokens(string(t.Parameters))
	}
	return total
}
