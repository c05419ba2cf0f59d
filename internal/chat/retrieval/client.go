package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to the external retrieval collaborator.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a retrieval client. The HTTP timeout is a transport
// safety net; per-attempt budgets are enforced by the augmenter's context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Search issues one retrieval call. Best-effort: callers treat any error
// as "no context available".
func (c *Client) Search(ctx context.Context, query string, k int, userID string, budget time.Duration) (*searchResponse, error) {
	reqBody, err := json.Marshal(searchRequest{
		Query:         query,
		K:             k,
		UserID:        userID,
		TimeoutBudget: budget.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("retrieval request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("retrieval service error: %s - %s", resp.Status, string(body))
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode retrieval response: %w", err)
	}
	return &sr, nil
}

// resolveURL rewrites a possibly-relative image location against the
// collaborator base URL.
func (c *Client) resolveURL(raw string) string {
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if ref.IsAbs() {
		return raw
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}
