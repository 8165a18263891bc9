package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ChatPoster adapts a chat backend for outbound messages.
type ChatPoster struct {
	client *http.Client
}

// NewChatPoster creates the chat-poster adapter.
func NewChatPoster() *ChatPoster {
	return &ChatPoster{client: newBackendClient()}
}

func (p *ChatPoster) ProviderName() string { return "chat-poster" }

func (p *ChatPoster) Operations() []Operation {
	return []Operation{
		{
			Name:        "post_message",
			Description: "Post a message to a channel.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["channel", "text"],
				"properties": {
					"channel": {"type": "string", "minLength": 1},
					"text": {"type": "string", "minLength": 1},
					"thread_id": {"type": "string"}
				}
			}`),
		},
	}
}

func (p *ChatPoster) Execute(ctx context.Context, op string, input json.RawMessage, conn Connection) (json.RawMessage, error) {
	switch op {
	case "post_message":
		return httpDo(ctx, p.client, http.MethodPost, conn, "/messages", nil, input)
	default:
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownOperation, p.ProviderName(), op)
	}
}

func (p *ChatPoster) ValidateConnection(ctx context.Context, conn Connection) error {
	_, err := httpDo(ctx, p.client, http.MethodGet, conn, "/channels", nil, nil)
	return err
}
