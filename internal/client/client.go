// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client is the HTTP client for the fleet coordinator API,
// used by the CLI and by workers calling back into the coordinator.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tombee/fleet/internal/store"
)

const defaultBaseURL = "http://127.0.0.1:4620"

// Client talks to a running coordinator.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the coordinator address.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = baseURL }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

// New creates a coordinator client. The base URL defaults to
// CLAUDE_FLEET_URL, then the local listen address.
func New(opts ...Option) *Client {
	c := &Client{baseURL: defaultBaseURL}
	if env := os.Getenv("CLAUDE_FLEET_URL"); env != "" {
		c.baseURL = env
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c
}

// HealthResponse is the response from /health.
type HealthResponse struct {
	Status  string          `json:"status"`
	Workers json.RawMessage `json:"workers,omitempty"`
}

// Health returns the coordinator health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var health HealthResponse
	if err := c.getJSON(ctx, "/health", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Ping checks whether the coordinator is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Health(ctx)
	return err
}

// SpawnRequest asks the coordinator to start a worker.
type SpawnRequest struct {
	Handle        string `json:"handle"`
	TeamName      string `json:"teamName,omitempty"`
	Role          string `json:"role,omitempty"`
	InitialPrompt string `json:"initialPrompt,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	SwarmID       string `json:"swarmId,omitempty"`
	WorkingDir    string `json:"workingDir,omitempty"`
}

// Spawn starts a worker and returns its record.
func (c *Client) Spawn(ctx context.Context, req SpawnRequest) (*store.Worker, error) {
	var w store.Worker
	if err := c.postJSON(ctx, "/orchestrate/spawn", req, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Dismiss stops a worker by handle.
func (c *Client) Dismiss(ctx context.Context, handle string) (bool, error) {
	var resp struct {
		Dismissed bool `json:"dismissed"`
	}
	if err := c.postJSON(ctx, "/orchestrate/dismiss/"+handle, struct{}{}, &resp); err != nil {
		return false, err
	}
	return resp.Dismissed, nil
}

// SendMessage writes a message to a worker's stdin.
func (c *Client) SendMessage(ctx context.Context, handle, message string) error {
	body := map[string]string{"message": message}
	return c.postJSON(ctx, "/orchestrate/send/"+handle, body, nil)
}

// Output returns a worker's buffered output lines after the given
// sequence number; pass -1 for all retained lines.
func (c *Client) Output(ctx context.Context, handle string, since int64) (json.RawMessage, error) {
	var resp struct {
		Lines json.RawMessage `json:"lines"`
	}
	path := fmt.Sprintf("/orchestrate/output/%s?since=%d", handle, since)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Lines, nil
}

// Workers lists worker records, optionally filtered by status.
func (c *Client) Workers(ctx context.Context, status string) ([]*store.Worker, error) {
	path := "/workers"
	if status != "" {
		path += "?status=" + status
	}
	var resp struct {
		Workers []*store.Worker `json:"workers"`
	}
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Workers, nil
}

// StartWorkflow starts an execution of a registered workflow.
func (c *Client) StartWorkflow(ctx context.Context, workflowID string, inputs map[string]any, swarmID string) (*store.WorkflowExecution, error) {
	body := map[string]any{"inputs": inputs, "swarmId": swarmID}
	var exec store.WorkflowExecution
	if err := c.postJSON(ctx, "/workflows/"+workflowID+"/start", body, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// Get performs a GET request and returns the JSON response as a map.
func (c *Client) Get(ctx context.Context, path string) (map[string]any, error) {
	var result map[string]any
	if err := c.getJSON(ctx, path, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (map[string]any, error) {
	var result map[string]any
	if err := c.postJSON(ctx, path, body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, dst)
}

func (c *Client) postJSON(ctx context.Context, path string, body, dst any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, dst)
}

func (c *Client) do(req *http.Request, dst any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, string(body))
}
