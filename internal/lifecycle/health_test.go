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
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckDecodesHealthPayload(t *testing.T) {
	srv := healthServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","workers":[]}`))
	})

	result := NewHealthChecker(srv.URL).Check(context.Background())
	require.NoError(t, result.Error)
	assert.True(t, result.Success)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, "ok", result.Status)
	assert.Greater(t, result.ResponseTime, time.Duration(0))
}

func TestCheckNonJSONBodyStillSucceeds(t *testing.T) {
	srv := healthServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	result := NewHealthChecker(srv.URL).Check(context.Background())
	assert.True(t, result.Success)
	assert.Empty(t, result.Status)
}

func TestCheckReportsServerError(t *testing.T) {
	srv := healthServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	result := NewHealthChecker(srv.URL).Check(context.Background())
	assert.False(t, result.Success)
	assert.Equal(t, http.StatusServiceUnavailable, result.StatusCode)
}

func TestCheckReportsConnectionFailure(t *testing.T) {
	srv := healthServer(t, func(w http.ResponseWriter, r *http.Request) {})
	addr := srv.URL
	srv.Close()

	result := NewHealthChecker(addr).Check(context.Background())
	assert.False(t, result.Success)
	assert.Error(t, result.Error)
}

func TestWaitUntilHealthyRetriesUntilReady(t *testing.T) {
	var hits atomic.Int32
	srv := healthServer(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	})

	checker := NewHealthChecker(srv.URL).WithBackoff(10*time.Millisecond, 50*time.Millisecond, 2.0)
	require.NoError(t, checker.WaitUntilHealthy(5*time.Second))
	assert.GreaterOrEqual(t, hits.Load(), int32(3))
}

func TestWaitUntilHealthyTimesOut(t *testing.T) {
	srv := healthServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	checker := NewHealthChecker(srv.URL).WithBackoff(10*time.Millisecond, 20*time.Millisecond, 2.0)
	err := checker.WaitUntilHealthy(150 * time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHealthCheckTimeout)
}

func TestWaitUntilHealthyWithCallbackSeesEveryAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := healthServer(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	})

	var attempts []int
	var last *HealthCheckResult
	checker := NewHealthChecker(srv.URL).WithBackoff(10*time.Millisecond, 20*time.Millisecond, 2.0)
	err := checker.WaitUntilHealthyWithCallback(5*time.Second, func(r *HealthCheckResult, attempt int) {
		attempts = append(attempts, attempt)
		last = r
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
	require.NotNil(t, last)
	assert.True(t, last.Success)
	assert.Equal(t, "ok", last.Status)
}

func TestCheckHonorsCustomClientTimeout(t *testing.T) {
	srv := healthServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	client := &http.Client{Timeout: 20 * time.Millisecond}
	result := NewHealthChecker(srv.URL).WithHTTPClient(client).Check(context.Background())
	assert.False(t, result.Success)
	assert.Error(t, result.Error)
}
