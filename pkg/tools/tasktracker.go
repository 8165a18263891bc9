package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// TaskTracker adapts an issue/task tracking backend.
type TaskTracker struct {
	client *http.Client
}

// NewTaskTracker creates the task-tracker adapter.
func NewTaskTracker() *TaskTracker {
	return &TaskTracker{client: newBackendClient()}
}

func (t *TaskTracker) ProviderName() string { return "task-tracker" }

func (t *TaskTracker) Operations() []Operation {
	return []Operation{
		{
			Name:        "list_issues",
			Description: "List issues, optionally filtered by status or free-text query.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "Free-text filter"},
					"status": {"type": "string", "enum": ["open", "closed", "all"]},
					"limit": {"type": "integer", "minimum": 1, "maximum": 100}
				}
			}`),
		},
		{
			Name:        "create_issue",
			Description: "Create a new issue with a title and optional description and assignee.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["title"],
				"properties": {
					"title": {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"assignee": {"type": "string"}
				}
			}`),
		},
		{
			Name:        "update_issue",
			Description: "Update an issue's status, assignee, or add a comment.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["issue_id"],
				"properties": {
					"issue_id": {"type": "string", "minLength": 1},
					"status": {"type": "string", "enum": ["open", "closed"]},
					"assignee": {"type": "string"},
					"comment": {"type": "string"}
				}
			}`),
		},
	}
}

func (t *TaskTracker) Execute(ctx context.Context, op string, input json.RawMessage, conn Connection) (json.RawMessage, error) {
	switch op {
	case "list_issues":
		var in struct {
			Query  string `json:"query"`
			Status string `json:"status"`
			Limit  int    `json:"limit"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("failed to decode list_issues input: %w", err)
		}
		q := url.Values{}
		if in.Query != "" {
			q.Set("query", in.Query)
		}
		if in.Status != "" {
			q.Set("status", in.Status)
		}
		if in.Limit > 0 {
			q.Set("limit", strconv.Itoa(in.Limit))
		}
		return httpDo(ctx, t.client, http.MethodGet, conn, "/issues", q, nil)

	case "create_issue":
		return httpDo(ctx, t.client, http.MethodPost, conn, "/issues", nil, input)

	case "update_issue":
		var in struct {
			IssueID string `json:"issue_id"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("failed to decode update_issue input: %w", err)
		}
		return httpDo(ctx, t.client, http.MethodPatch, conn, "/issues/"+url.PathEscape(in.IssueID), nil, input)

	default:
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownOperation, t.ProviderName(), op)
	}
}

func (t *TaskTracker) ValidateConnection(ctx context.Context, conn Connection) error {
	q := url.Values{}
	q.Set("limit", "1")
	_, err := httpDo(ctx, t.client, http.MethodGet, conn, "/issues", q, nil)
	return err
}
