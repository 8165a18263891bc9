package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// CodeHost adapts a source-hosting backend (repositories and pull requests).
type CodeHost struct {
	client *http.Client
}

// NewCodeHost creates the code-host adapter.
func NewCodeHost() *CodeHost {
	return &CodeHost{client: newBackendClient()}
}

func (c *CodeHost) ProviderName() string { return "code-host" }

func (c *CodeHost) Operations() []Operation {
	return []Operation{
		{
			Name:        "list_pull_requests",
			Description: "List pull requests for a repository.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["repo"],
				"properties": {
					"repo": {"type": "string", "minLength": 1},
					"state": {"type": "string", "enum": ["open", "closed", "merged", "all"]},
					"limit": {"type": "integer", "minimum": 1, "maximum": 100}
				}
			}`),
		},
		{
			Name:        "search_code",
			Description: "Search code across the connected repositories.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["query"],
				"properties": {
					"query": {"type": "string", "minLength": 1},
					"repo": {"type": "string"},
					"limit": {"type": "integer", "minimum": 1, "maximum": 50}
				}
			}`),
		},
	}
}

func (c *CodeHost) Execute(ctx context.Context, op string, input json.RawMessage, conn Connection) (json.RawMessage, error) {
	switch op {
	case "list_pull_requests":
		var in struct {
			Repo  string `json:"repo"`
			State string `json:"state"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("failed to decode list_pull_requests input: %w", err)
		}
		q := url.Values{}
		if in.State != "" {
			q.Set("state", in.State)
		}
		if in.Limit > 0 {
			q.Set("limit", strconv.Itoa(in.Limit))
		}
		return httpDo(ctx, c.client, http.MethodGet, conn, "/repos/"+url.PathEscape(in.Repo)+"/pulls", q, nil)

	case "search_code":
		var in struct {
			Query string `json:"query"`
			Repo  string `json:"repo"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("failed to decode search_code input: %w", err)
		}
		q := url.Values{}
		q.Set("q", in.Query)
		if in.Repo != "" {
			q.Set("repo", in.Repo)
		}
		if in.Limit > 0 {
			q.Set("limit", strconv.Itoa(in.Limit))
		}
		return httpDo(ctx, c.client, http.MethodGet, conn, "/search/code", q, nil)

	default:
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownOperation, c.ProviderName(), op)
	}
}

func (c *CodeHost) ValidateConnection(ctx context.Context, conn Connection) error {
	q := url.Values{}
	q.Set("q", "ping")
	q.Set("limit", "1")
	_, err := httpDo(ctx, c.client, http.MethodGet, conn, "/search/code", q, nil)
	return err
}
