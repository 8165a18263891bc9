package config

import (
	"fmt"
	"os"
)

// SystemConfig groups process-level settings sourced from the environment.
// Secrets are read once at startup; nothing reads the environment afterwards.
type SystemConfig struct {
	HTTPPort string

	// LLMBaseURL is the provider API base (OpenAI-compatible).
	LLMBaseURL string
	// AmbientAPIKey is the process-level provider credential used in legacy
	// mode when a tenant has no provider accounts configured.
	AmbientAPIKey string

	// EncryptionKey is the hex-encoded 32-byte key for secrets at rest.
	EncryptionKey string

	// Slack ingress settings. Empty signing secret disables the ingress.
	SlackSigningSecret string
	SlackBotToken      string

	// AuthTokens maps bearer tokens to "tenant:user" identities for the
	// static authenticator. Format: token=tenant:user, comma-separated.
	AuthTokens string
}

// LoadSystemFromEnv reads process-level settings from the environment.
func LoadSystemFromEnv() (*SystemConfig, error) {
	sys := &SystemConfig{
		HTTPPort:           getEnvOrDefault("HTTP_PORT", "8080"),
		LLMBaseURL:         getEnvOrDefault("LLM_BASE_URL", "https://api.openai.com/v1"),
		AmbientAPIKey:      os.Getenv("LLM_API_KEY"),
		EncryptionKey:      os.Getenv("ENCRYPTION_KEY"),
		SlackSigningSecret: os.Getenv("SLACK_SIGNING_SECRET"),
		SlackBotToken:      os.Getenv("SLACK_BOT_TOKEN"),
		AuthTokens:         os.Getenv("AUTH_TOKENS"),
	}
	if sys.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	return sys, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
