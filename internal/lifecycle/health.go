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

package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrHealthCheckTimeout is returned when the daemon does not become
// healthy before the wait deadline.
var ErrHealthCheckTimeout = errors.New("health check timeout")

// HealthChecker polls the daemon's /health endpoint until it answers,
// backing off exponentially between attempts. Used by the CLI after a
// detached daemon start to decide whether startup succeeded.
type HealthChecker struct {
	endpoint        string
	client          *http.Client
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
}

// HealthCheckResult is the outcome of a single probe.
type HealthCheckResult struct {
	Success      bool
	StatusCode   int
	Status       string // "status" field of the health payload, when present
	ResponseTime time.Duration
	Error        error
}

// NewHealthChecker probes the given endpoint. Backoff defaults to 50ms
// doubling up to 1s between attempts.
func NewHealthChecker(endpoint string) *HealthChecker {
	return &HealthChecker{
		endpoint:        endpoint,
		client:          &http.Client{Timeout: 5 * time.Second},
		initialInterval: 50 * time.Millisecond,
		maxInterval:     time.Second,
		multiplier:      2.0,
	}
}

// WithBackoff overrides the retry backoff parameters.
func (h *HealthChecker) WithBackoff(initial, max time.Duration, multiplier float64) *HealthChecker {
	h.initialInterval = initial
	h.maxInterval = max
	h.multiplier = multiplier
	return h
}

// WithHTTPClient overrides the HTTP client used for probes.
func (h *HealthChecker) WithHTTPClient(client *http.Client) *HealthChecker {
	h.client = client
	return h
}

// Check performs one probe. A probe succeeds when the endpoint answers
// with a 2xx status; the response body is decoded for its "status"
// field when it is JSON, but an undecodable body does not fail the probe.
func (h *HealthChecker) Check(ctx context.Context) *HealthCheckResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint, nil)
	if err != nil {
		return &HealthCheckResult{Error: fmt.Errorf("building probe request: %w", err)}
	}

	resp, err := h.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return &HealthCheckResult{
			ResponseTime: elapsed,
			Error:        fmt.Errorf("probe failed: %w", err),
		}
	}
	defer resp.Body.Close()

	result := &HealthCheckResult{
		Success:      resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode:   resp.StatusCode,
		ResponseTime: elapsed,
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
		result.Status = payload.Status
	}
	return result
}

// WaitUntilHealthy polls until a probe succeeds or the timeout elapses.
func (h *HealthChecker) WaitUntilHealthy(timeout time.Duration) error {
	return h.WaitUntilHealthyWithCallback(timeout, nil)
}

// WaitUntilHealthyWithCallback polls until a probe succeeds or the
// timeout elapses, invoking callback after every attempt with the probe
// result and the 1-based attempt number.
func (h *HealthChecker) WaitUntilHealthyWithCallback(timeout time.Duration, callback func(*HealthCheckResult, int)) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	interval := h.initialInterval
	for attempt := 1; ; attempt++ {
		result := h.Check(ctx)
		if callback != nil {
			callback(result, attempt)
		}
		if result.Success {
			return nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			if result.Error != nil {
				return fmt.Errorf("%w after %d attempts: %v", ErrHealthCheckTimeout, attempt, result.Error)
			}
			return fmt.Errorf("%w after %d attempts", ErrHealthCheckTimeout, attempt)
		case <-timer.C:
		}

		interval = time.Duration(float64(interval) * h.multiplier)
		if interval > h.maxInterval {
			interval = h.maxInterval
		}
	}
}
