package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Notes adapts a document/wiki backend.
type Notes struct {
	client *http.Client
}

// NewNotes creates the notes adapter.
func NewNotes() *Notes {
	return &Notes{client: newBackendClient()}
}

func (n *Notes) ProviderName() string { return "notes" }

func (n *Notes) Operations() []Operation {
	return []Operation{
		{
			Name:        "search_docs",
			Description: "Search documents and wiki pages by free-text query.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["query"],
				"properties": {
					"query": {"type": "string", "minLength": 1},
					"limit": {"type": "integer", "minimum": 1, "maximum": 50}
				}
			}`),
		},
		{
			Name:        "get_doc",
			Description: "Fetch one document by its identifier.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["doc_id"],
				"properties": {
					"doc_id": {"type": "string", "minLength": 1}
				}
			}`),
		},
		{
			Name:        "create_doc",
			Description: "Create a document with a title and body.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["title", "body"],
				"properties": {
					"title": {"type": "string", "minLength": 1},
					"body": {"type": "string"}
				}
			}`),
		},
	}
}

func (n *Notes) Execute(ctx context.Context, op string, input json.RawMessage, conn Connection) (json.RawMessage, error) {
	switch op {
	case "search_docs":
		var in struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("failed to decode search_docs input: %w", err)
		}
		q := url.Values{}
		q.Set("q", in.Query)
		if in.Limit > 0 {
			q.Set("limit", strconv.Itoa(in.Limit))
		}
		return httpDo(ctx, n.client, http.MethodGet, conn, "/search", q, nil)

	case "get_doc":
		var in struct {
			DocID string `json:"doc_id"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("failed to decode get_doc input: %w", err)
		}
		return httpDo(ctx, n.client, http.MethodGet, conn, "/docs/"+url.PathEscape(in.DocID), nil, nil)

	case "create_doc":
		return httpDo(ctx, n.client, http.MethodPost, conn, "/docs", nil, input)

	default:
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownOperation, n.ProviderName(), op)
	}
}

func (n *Notes) ValidateConnection(ctx context.Context, conn Connection) error {
	q := url.Values{}
	q.Set("q", "ping")
	q.Set("limit", "1")
	_, err := httpDo(ctx, n.client, http.MethodGet, conn, "/search", q, nil)
	return err
}
