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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/fleet/internal/blackboard"
	"github.com/tombee/fleet/internal/checkpoint"
	"github.com/tombee/fleet/internal/config"
	"github.com/tombee/fleet/internal/hub"
	"github.com/tombee/fleet/internal/mail"
	"github.com/tombee/fleet/internal/spawnqueue"
	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/internal/store/memory"
	"github.com/tombee/fleet/internal/supervisor"
	"github.com/tombee/fleet/internal/swarm"
	"github.com/tombee/fleet/internal/workflow"
)

func newTestMux(t *testing.T) (*http.ServeMux, *memory.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	h := hub.New(logger)

	mailSvc := mail.NewService(st, st, logger)
	boardSvc := blackboard.NewService(st, logger)
	cpSvc := checkpoint.NewService(st, logger)

	cfg := &config.Config{MaxWorkers: 5, WorkerCommand: "cat"}
	sup := supervisor.New(cfg, st, mailSvc, cpSvc, h, logger)
	queue := spawnqueue.New(st, st, func(ctx context.Context, req *store.SpawnRequest) (string, error) {
		return "worker-stub", nil
	}, logger)

	engine := workflow.New(st, st, st, st, h, logger)

	srv := NewServer(Deps{
		Store:       st,
		Supervisor:  sup,
		Queue:       queue,
		Engine:      engine,
		Mail:        mailSvc,
		Board:       boardSvc,
		Checkpoints: cpSvc,
		Consensus:   swarm.NewConsensus(st, logger),
		Pheromones:  swarm.NewPheromones(st, logger),
		Hub:         h,
		Logger:      logger,
	})
	mux := http.NewServeMux()
	srv.RegisterHTTP(mux)
	return mux, st
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	} else if method != http.MethodGet && method != http.MethodDelete {
		buf.WriteString("{}")
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := doJSON(t, mux, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestMailRoundTrip(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/mail", map[string]any{
		"from": "alice", "to": "bob", "subject": "status", "body": "build green",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	mailID := decodeBody(t, rec)["id"].(string)
	require.NotEmpty(t, mailID)

	rec = doJSON(t, mux, http.MethodGet, "/mail/bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	messages := decodeBody(t, rec)["messages"].([]any)
	require.Len(t, messages, 1)

	rec = doJSON(t, mux, http.MethodPost, "/mail/"+mailID+"/read", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/mail/bob", nil)
	assert.Empty(t, decodeBody(t, rec)["messages"])
}

func TestMailValidationMapsTo400(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := doJSON(t, mux, http.MethodPost, "/mail", map[string]any{"from": "alice", "body": "hi"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "to", decodeBody(t, rec)["field"])
}

func TestBlackboardFlow(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/blackboard", map[string]any{
		"swarmId":      "sw1",
		"senderHandle": "scout",
		"messageType":  "finding",
		"priority":     "high",
		"payload":      map[string]any{"severity": "critical"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	msgID := decodeBody(t, rec)["id"].(string)

	rec = doJSON(t, mux, http.MethodGet, "/blackboard/sw1?messageType=finding", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody(t, rec)["messages"].([]any), 1)

	rec = doJSON(t, mux, http.MethodPost, "/blackboard/mark-read", map[string]any{
		"messageIds": []string{msgID}, "readerHandle": "lead",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/blackboard/sw1?unreadOnly=true&readerHandle=lead", nil)
	assert.Empty(t, decodeBody(t, rec)["messages"])

	rec = doJSON(t, mux, http.MethodPost, "/blackboard/sw1/archive", map[string]any{
		"messageIds": []string{msgID},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["archived"])

	rec = doJSON(t, mux, http.MethodGet, "/blackboard/sw1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestArchiveRequiresSelector(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := doJSON(t, mux, http.MethodPost, "/blackboard/sw1/archive", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckpointLatestIsNullWhenMissing(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := doJSON(t, mux, http.MethodGet, "/checkpoints/ghost/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decodeBody(t, rec)["checkpoint"])
}

func TestCheckpointCreateAndLatest(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/checkpoints", map[string]any{
		"worker_handle": "builder",
		"goal":          "ship the parser",
		"now":           "writing tests",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/checkpoints/builder/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cp := decodeBody(t, rec)["checkpoint"].(map[string]any)
	assert.Equal(t, "ship the parser", cp["goal"])

	rec = doJSON(t, mux, http.MethodGet, "/checkpoints/builder?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["checkpoints"].([]any), 1)
}

func TestHandoffAcceptIsOneWay(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/handoffs", map[string]any{
		"from": "alice", "to": "bob", "checkpoint": "resume at step 3",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody(t, rec)["id"].(string)

	rec = doJSON(t, mux, http.MethodPost, "/handoffs/"+id+"/accept", map[string]any{"outcome": "taking over"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/handoffs/"+id+"/reject", map[string]any{})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSpawnQueueEnqueueAndCancel(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/spawn-queue", map[string]any{
		"requesterHandle": "lead",
		"targetAgentType": "worker",
		"task":            "triage the flaky test",
		"priority":        "high",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody(t, rec)["id"].(string)

	rec = doJSON(t, mux, http.MethodGet, "/spawn-queue/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decodeBody(t, rec)["status"])

	rec = doJSON(t, mux, http.MethodDelete, "/spawn-queue/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["cancelled"])

	// Cancelling again is unsuccessful, not an error.
	rec = doJSON(t, mux, http.MethodDelete, "/spawn-queue/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["cancelled"])
}

func TestSpawnQueueRejectsMissingRequester(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := doJSON(t, mux, http.MethodPost, "/spawn-queue", map[string]any{"task": "orphan"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkflowRegisterStartAndInspect(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/workflows", map[string]any{
		"name": "review",
		"definition": map[string]any{
			"steps": []map[string]any{
				{"key": "check", "type": "script", "config": map[string]any{"expression": "'done'"}},
			},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	workflowID := decodeBody(t, rec)["id"].(string)

	rec = doJSON(t, mux, http.MethodGet, "/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody(t, rec)["workflows"].([]any), 1)

	rec = doJSON(t, mux, http.MethodPost, "/workflows/"+workflowID+"/start", map[string]any{
		"swarmId": "sw1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	execID := decodeBody(t, rec)["id"].(string)

	rec = doJSON(t, mux, http.MethodGet, "/executions/"+execID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", decodeBody(t, rec)["status"])

	rec = doJSON(t, mux, http.MethodGet, "/executions/"+execID+"/steps", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["steps"].([]any), 1)

	rec = doJSON(t, mux, http.MethodPost, "/executions/"+execID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, mux, http.MethodPost, "/executions/"+execID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, mux, http.MethodPost, "/executions/"+execID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStartUnknownWorkflowIs404(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := doJSON(t, mux, http.MethodPost, "/workflows/nope/start", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFireEventRejectsBadTriggerType(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := doJSON(t, mux, http.MethodPost, "/events/deploy", map[string]any{"triggerType": "schedule"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsensusProposalVoteTally(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/consensus/proposals", map[string]any{
		"swarmId":    "sw1",
		"proposerId": "lead",
		"question":   "merge now?",
		"options":    []string{"yes", "no"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody(t, rec)["id"].(string)

	for _, voter := range []string{"a", "b", "c"} {
		rec = doJSON(t, mux, http.MethodPost, "/consensus/proposals/"+id+"/votes", map[string]any{
			"voterHandle": voter, "value": "yes",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec = doJSON(t, mux, http.MethodGet, "/consensus/proposals/"+id+"/tally", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "yes", body["winner"])
	assert.Equal(t, true, body["passed"])
}

func TestPheromoneDepositAndList(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/pheromones", map[string]any{
		"swarmId": "sw1", "handle": "scout", "taskType": "review", "amount": 0.8,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/pheromones/sw1?activeOnly=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["trails"].([]any), 1)
}

func TestWorkersListEmpty(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := doJSON(t, mux, http.MethodGet, "/workers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["workers"])
}

func TestDismissUnknownWorker(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := doJSON(t, mux, http.MethodPost, "/orchestrate/dismiss/ghost", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["dismissed"])
}

func TestOutputUnknownWorkerIs404(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := doJSON(t, mux, http.MethodGet, "/orchestrate/output/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
