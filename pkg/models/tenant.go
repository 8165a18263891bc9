package models

import "time"

// Tenant is the unit of isolation. Every persisted row carries its ID.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Language  string    `json:"language,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// User is an identity within a tenant.
type User struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Membership links an external chat identity to an internal user.
type Membership struct {
	TenantID   string `json:"tenant_id"`
	UserID     string `json:"user_id"`
	Platform   string `json:"platform"`
	ExternalID string `json:"external_id"`
}

// ToolConnection links a tenant to an external productivity system.
// EncryptedConfig holds the JSON connection settings (base URL, token)
// sealed by the secrets cipher.
type ToolConnection struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	ProviderName    string    `json:"provider_name"`
	DisplayName     string    `json:"display_name"`
	EncryptedConfig string    `json:"-"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
}

// PatternSuggestion is approved guidance prepended to an agent's system
// prompt when its confidence clears the dispatcher's threshold.
type PatternSuggestion struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	AgentType  string    `json:"agent_type"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Relevance  float64   `json:"relevance"`
	CreatedAt  time.Time `json:"created_at"`
}
