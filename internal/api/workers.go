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
	"net/http"
	"strconv"

	"github.com/tombee/fleet/internal/metrics"
	"github.com/tombee/fleet/internal/spawnqueue"
	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/internal/supervisor"
)

type spawnRequest struct {
	Handle        string `json:"handle"`
	TeamName      string `json:"teamName,omitempty"`
	Role          string `json:"role,omitempty"`
	InitialPrompt string `json:"initialPrompt,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	SwarmID       string `json:"swarmId,omitempty"`
	WorkingDir    string `json:"workingDir,omitempty"`
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if !s.decode(w, r, &req) {
		return
	}
	worker, err := s.supervisor.Spawn(r.Context(), supervisor.SpawnConfig{
		Handle:        req.Handle,
		TeamName:      req.TeamName,
		Role:          store.WorkerRole(req.Role),
		SwarmID:       req.SwarmID,
		InitialPrompt: req.InitialPrompt,
		SessionID:     req.SessionID,
		WorkingDir:    req.WorkingDir,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.RecordSpawn(string(worker.Role))
	s.writeJSON(w, http.StatusCreated, worker)
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	teamName := r.URL.Query().Get("teamName")
	if teamName == "" {
		teamName = "default"
	}
	dismissed, err := s.supervisor.Dismiss(r.Context(), teamName, handle)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if dismissed {
		metrics.RecordDismiss()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"dismissed": dismissed})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.supervisor.Send(r.Context(), r.PathValue("handle"), req.Message); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sent": true})
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	since := int64(-1)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, validationErr("since", "must be an integer sequence number"))
			return
		}
		since = parsed
	}
	lines, err := s.supervisor.GetOutput(r.PathValue("handle"), since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	workers, err := s.store.ListWorkers(r.Context(), store.WorkerFilter{
		Status:   store.WorkerStatus(q.Get("status")),
		SwarmID:  q.Get("swarmId"),
		TeamName: q.Get("teamName"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

type enqueueRequest struct {
	RequesterHandle string   `json:"requesterHandle"`
	TargetAgentType string   `json:"targetAgentType"`
	Task            string   `json:"task"`
	Context         string   `json:"context,omitempty"`
	Checkpoint      string   `json:"checkpoint,omitempty"`
	SwarmID         string   `json:"swarmId,omitempty"`
	Priority        string   `json:"priority,omitempty"`
	DepthLevel      int      `json:"depthLevel,omitempty"`
	DependsOn       []string `json:"dependsOn,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !s.decode(w, r, &req) {
		return
	}
	created, err := s.queue.Enqueue(r.Context(), spawnqueue.EnqueueRequest{
		RequesterHandle: req.RequesterHandle,
		TargetAgentType: store.WorkerRole(req.TargetAgentType),
		DepthLevel:      req.DepthLevel,
		SwarmID:         req.SwarmID,
		Priority:        store.Priority(req.Priority),
		Payload: store.SpawnPayload{
			Task:       req.Task,
			Context:    req.Context,
			Checkpoint: req.Checkpoint,
		},
		DependsOn: req.DependsOn,
	})
	if err != nil {
		metrics.RecordSpawnRequest("rejected")
		s.writeError(w, r, err)
		return
	}
	metrics.RecordSpawnRequest("queued")
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.GetRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.queue.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if cancelled {
		metrics.RecordSpawnRequest("cancelled")
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}
