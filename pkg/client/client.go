// Package client is the Go client for the pipeline daemon's HTTP API, used
// by the CLI and by any other in-house caller.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/dugoutlabs/linedrive/pkg/pipeline/registry"
	"github.com/dugoutlabs/linedrive/pkg/pipeline/run"
)

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.StatusCode, e.Message)
}

// StatusResponse is the daemon's answer to a status query.
type StatusResponse struct {
	InFlight bool          `json:"in_flight"`
	Run      *run.Snapshot `json:"run,omitempty"`
	LastRun  *run.Snapshot `json:"last_run,omitempty"`
}

// HistoryResponse lists retained terminal runs, newest first.
type HistoryResponse struct {
	Count int            `json:"count"`
	Runs  []run.Snapshot `json:"runs"`
}

// StopResponse acknowledges a stop request.
type StopResponse struct {
	Stopping bool   `json:"stopping"`
	Detail   string `json:"detail"`
}

// Client talks to one daemon. Requests are rate limited so a misbehaving
// script cannot hammer the API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates a client for the daemon at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
	}
}

// Trigger starts a pipeline run.
func (c *Client) Trigger(ctx context.Context, req registry.TriggerRequest) (run.Snapshot, error) {
	var snap run.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/pipeline/trigger", req, &snap)
	return snap, err
}

// Status returns the in-flight run, or the last terminal run when idle.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/pipeline/status", nil, &resp)
	return resp, err
}

// History returns up to limit retained runs. limit <= 0 returns everything
// the daemon retains.
func (c *Client) History(ctx context.Context, limit int) ([]run.Snapshot, error) {
	path := "/api/pipeline/history"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var resp HistoryResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// Stop requests cancellation of the in-flight run.
func (c *Client) Stop(ctx context.Context) (StopResponse, error) {
	var resp StopResponse
	err := c.do(ctx, http.MethodPost, "/api/pipeline/stop", nil, &resp)
	return resp, err
}

// Healthy reports whether the daemon answers its health check.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/health", nil, nil) == nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(data)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
