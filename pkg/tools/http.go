package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxToolResponseBytes bounds how much of a tool backend's response is read.
const maxToolResponseBytes = 1 << 20

// httpDo issues a JSON request against a connection's backend and returns
// the raw response body. Non-2xx statuses become errors carrying a truncated
// body excerpt; the token itself never appears in an error.
func httpDo(ctx context.Context, client *http.Client, method string, conn Connection, path string, query url.Values, body any) (json.RawMessage, error) {
	u := strings.TrimRight(conn.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tool request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build tool request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if conn.Token != "" {
		req.Header.Set("Authorization", "Bearer "+conn.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read tool response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool backend returned status %d: %s", resp.StatusCode, excerpt(raw))
	}
	if len(raw) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return raw, nil
}

func excerpt(raw []byte) string {
	const limit = 256
	s := string(raw)
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// newBackendClient returns the HTTP client shared by adapters. Per-call
// deadlines come from the context; the client timeout is a backstop.
func newBackendClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}
