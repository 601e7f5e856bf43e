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

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))
	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
}

func TestSpawnSendsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/orchestrate/spawn", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "builder", body["handle"])
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": "w1", "handle": "builder"})
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))
	w, err := c.Spawn(context.Background(), SpawnRequest{Handle: "builder"})
	require.NoError(t, err)
	assert.Equal(t, "builder", w.Handle)
}

func TestErrorSurfacesAPIMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{"error": "worker limit reached"})
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))
	_, err := c.Spawn(context.Background(), SpawnRequest{Handle: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker limit reached")
	assert.Contains(t, err.Error(), "409")
}

func TestDismiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orchestrate/dismiss/builder", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"dismissed": true})
	}))
	defer srv.Close()

	dismissed, err := New(WithBaseURL(srv.URL)).Dismiss(context.Background(), "builder")
	require.NoError(t, err)
	assert.True(t, dismissed)
}

func TestWorkersFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ready", r.URL.Query().Get("status"))
		json.NewEncoder(w).Encode(map[string]any{"workers": []map[string]any{{"handle": "a"}}})
	}))
	defer srv.Close()

	workers, err := New(WithBaseURL(srv.URL)).Workers(context.Background(), "ready")
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "a", workers[0].Handle)
}
