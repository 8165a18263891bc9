package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(NewTaskTracker()))
	require.NoError(t, r.Register(NewNotes()))
	require.NoError(t, r.Register(NewCodeHost()))
	require.NoError(t, r.Register(NewChatPoster()))
	return r
}

func TestRegistry(t *testing.T) {
	t.Run("providers are listed sorted", func(t *testing.T) {
		r := newTestRegistry(t)
		assert.Equal(t, []string{"chat-poster", "code-host", "notes", "task-tracker"}, r.Providers())
	})

	t.Run("duplicate registration fails", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(NewNotes()))
		assert.Error(t, r.Register(NewNotes()))
	})

	t.Run("unknown provider", func(t *testing.T) {
		r := newTestRegistry(t)
		_, err := r.Execute(context.Background(), "crystal-ball", "predict", nil, Connection{})
		assert.ErrorIs(t, err, ErrUnknownProvider)
	})

	t.Run("unknown operation", func(t *testing.T) {
		r := newTestRegistry(t)
		_, err := r.Execute(context.Background(), "notes", "delete_everything", nil, Connection{})
		assert.ErrorIs(t, err, ErrUnknownOperation)
	})
}

func TestInputValidation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	t.Run("missing required field is rejected", func(t *testing.T) {
		_, err := r.Execute(ctx, "task-tracker", "create_issue",
			json.RawMessage(`{"description":"no title"}`), Connection{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "schema")
	})

	t.Run("wrong type is rejected", func(t *testing.T) {
		_, err := r.Execute(ctx, "notes", "search_docs",
			json.RawMessage(`{"query": 42}`), Connection{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "schema")
	})

	t.Run("enum violation is rejected", func(t *testing.T) {
		_, err := r.Execute(ctx, "task-tracker", "list_issues",
			json.RawMessage(`{"status":"paused"}`), Connection{})
		require.Error(t, err)
	})

	t.Run("malformed JSON is rejected before the adapter runs", func(t *testing.T) {
		_, err := r.Execute(ctx, "chat-poster", "post_message",
			json.RawMessage(`{"channel":`), Connection{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not valid JSON")
	})
}

func TestAdapterExecution(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	t.Run("create issue posts to backend with auth", func(t *testing.T) {
		var gotAuth, gotPath string
		var gotBody map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			gotAuth = req.Header.Get("Authorization")
			gotPath = req.URL.Path
			_ = json.NewDecoder(req.Body).Decode(&gotBody)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"ISS-1"}`))
		}))
		defer srv.Close()

		out, err := r.Execute(ctx, "task-tracker", "create_issue",
			json.RawMessage(`{"title":"fix the build"}`),
			Connection{BaseURL: srv.URL, Token: "secret-token"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"ISS-1"}`, string(out))
		assert.Equal(t, "Bearer secret-token", gotAuth)
		assert.Equal(t, "/issues", gotPath)
		assert.Equal(t, "fix the build", gotBody["title"])
	})

	t.Run("search docs encodes the query", func(t *testing.T) {
		var gotQuery string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			gotQuery = req.URL.Query().Get("q")
			_, _ = w.Write([]byte(`{"results":[]}`))
		}))
		defer srv.Close()

		_, err := r.Execute(ctx, "notes", "search_docs",
			json.RawMessage(`{"query":"launch plan"}`),
			Connection{BaseURL: srv.URL})
		require.NoError(t, err)
		assert.Equal(t, "launch plan", gotQuery)
	})

	t.Run("backend error surfaces status without the token", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", http.StatusForbidden)
		}))
		defer srv.Close()

		_, err := r.Execute(ctx, "code-host", "search_code",
			json.RawMessage(`{"query":"TODO"}`),
			Connection{BaseURL: srv.URL, Token: "super-secret"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "403")
		assert.NotContains(t, err.Error(), "super-secret")
	})

	t.Run("validate connection checks the backend", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"issues":[]}`))
		}))
		defer srv.Close()

		tracker := NewTaskTracker()
		assert.NoError(t, tracker.ValidateConnection(ctx, Connection{BaseURL: srv.URL}))

		srv.Close()
		assert.Error(t, tracker.ValidateConnection(ctx, Connection{BaseURL: srv.URL}))
	})
}
