package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	httpapi "github.com/fyrsmithlabs/batchd/internal/http"
)

// StatusClient queries the batchd status API.
type StatusClient struct {
	baseURL string
	client  *http.Client
}

// NewStatusClient creates a new status API client.
func NewStatusClient(baseURL string) *StatusClient {
	return &StatusClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// Status fetches GET /api/v1/status.
func (c *StatusClient) Status(ctx context.Context) (httpapi.StatusResponse, error) {
	var out httpapi.StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/status", &out)
	return out, err
}

// Credentials fetches GET /api/v1/credentials.
func (c *StatusClient) Credentials(ctx context.Context) (httpapi.CredentialsResponse, error) {
	var out httpapi.CredentialsResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/credentials", &out)
	return out, err
}

// Batch fetches GET /api/v1/batch.
func (c *StatusClient) Batch(ctx context.Context) (httpapi.BatchResponse, error) {
	var out httpapi.BatchResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/batch", &out)
	return out, err
}

// Reinstate calls POST /api/v1/credentials/:ref/reinstate.
func (c *StatusClient) Reinstate(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/credentials/"+url.PathEscape(ref)+"/reinstate", nil)
}

func (c *StatusClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Message string `json:"message"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
