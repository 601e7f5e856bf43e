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

	"github.com/tombee/fleet/internal/metrics"
	"github.com/tombee/fleet/internal/store"
)

func (s *Server) handleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	var req store.WorkflowDefinition
	if !s.decode(w, r, &req) {
		return
	}
	created, err := s.engine.RegisterDefinition(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	definitions, err := s.store.ListDefinitions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workflows": definitions})
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Inputs    map[string]any `json:"inputs,omitempty"`
		SwarmID   string         `json:"swarmId,omitempty"`
		CreatedBy string         `json:"createdBy,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	exec, err := s.engine.StartWorkflow(r.Context(), r.PathValue("id"), req.Inputs, req.CreatedBy, req.SwarmID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.RecordExecution("started")
	s.writeJSON(w, http.StatusCreated, exec)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.store.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListExecutionSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.store.ListSteps(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (s *Server) handlePauseExecution(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Pause(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": store.ExecutionPaused})
}

func (s *Server) handleResumeExecution(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Resume(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": store.ExecutionRunning})
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.RecordExecution("cancelled")
	s.writeJSON(w, http.StatusOK, map[string]any{"status": store.ExecutionCancelled})
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var req store.WorkflowTrigger
	if !s.decode(w, r, &req) {
		return
	}
	created, err := s.engine.CreateTrigger(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

// handleFireEvent delivers a named external event to matching triggers.
// HTTP-delivered events fire webhook triggers unless the body asks for
// the event type instead.
func (s *Server) handleFireEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TriggerType string         `json:"triggerType,omitempty"`
		Payload     map[string]any `json:"payload,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	triggerType := store.TriggerWebhook
	switch req.TriggerType {
	case "", string(store.TriggerWebhook):
	case string(store.TriggerEvent):
		triggerType = store.TriggerEvent
	default:
		s.writeError(w, r, validationErr("triggerType", "must be webhook or event"))
		return
	}
	if err := s.engine.FireEvent(r.Context(), triggerType, r.PathValue("name"), req.Payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"fired": true})
}
