package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// HTTPClient invokes remote agents over a JSON-over-HTTP bridge. Each
// invocation POSTs to <base>/invoke/<capability> and expects a Result body.
type HTTPClient struct {
	base   string
	client *http.Client
}

type invokeRequest struct {
	Instruction string         `json:"instruction"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// NewHTTPClient creates a client for the given base URL. A zero timeout
// defaults to 60s.
func NewHTTPClient(base string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		base:   base,
		client: &http.Client{Timeout: timeout},
	}
}

// Invoke performs the HTTP round trip. Non-2xx responses and undecodable
// bodies are AGENT errors.
func (c *HTTPClient) Invoke(ctx context.Context, capability, instruction string, meta map[string]any) (*Result, error) {
	body, err := json.Marshal(invokeRequest{Instruction: instruction, Meta: meta})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAgent, "encode invocation").WithCause(err)
	}

	url := fmt.Sprintf("%s/invoke/%s", c.base, capability)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAgent, "build invocation request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgent,
			"invoke capability %q: %s", capability, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"capability": capability})
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, schema.NewErrorf(schema.ErrCodeAgent,
			"capability %q returned HTTP %d", capability, resp.StatusCode).
			WithDetails(map[string]any{"capability": capability, "body": string(snippet)})
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgent,
			"capability %q returned an undecodable body", capability).
			WithCause(err).
			WithDetails(map[string]any{"capability": capability})
	}
	if result.Status == "" {
		result.Status = StatusSuccess
	}

	return &result, nil
}

var _ Client = (*HTTPClient)(nil)
