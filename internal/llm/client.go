package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Client calls the generation and validation services over HTTP. One
// endpoint per service; requests are JSON POSTs and responses are returned
// raw for the caller to interpret.
type Client struct {
	endpoint string
	model    string
	apiKey   string
	httpc    *http.Client
}

// NewClient creates a Client for one service endpoint. The per-call timeout
// is enforced by the caller's context, not here.
func NewClient(endpoint string, model string, apiKey string) *Client {
	return &Client{
		endpoint: endpoint,
		model:    model,
		apiKey:   apiKey,
		httpc:    &http.Client{},
	}
}

// Generate implements Generator.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (json.RawMessage, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	return c.post(ctx, c.endpoint+"/generate", req)
}

// Validate implements Validator.
func (c *Client) Validate(ctx context.Context, req ValidateRequest) (json.RawMessage, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	return c.post(ctx, c.endpoint+"/validate", req)
}

func (c *Client) post(ctx context.Context, url string, payload interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("call %s: status %d: %s", url, resp.StatusCode, truncate(string(data), 200))
	}
	return json.RawMessage(data), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
