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

	"github.com/tombee/fleet/internal/store"
)

type proposalRequest struct {
	SwarmID      string   `json:"swarmId"`
	ProposerID   string   `json:"proposerId"`
	Question     string   `json:"question"`
	Options      []string `json:"options"`
	VotingMethod string   `json:"votingMethod,omitempty"`
	QuorumType   string   `json:"quorumType,omitempty"`
	QuorumValue  float64  `json:"quorumValue,omitempty"`
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req proposalRequest
	if !s.decode(w, r, &req) {
		return
	}
	created, err := s.consensus.Propose(r.Context(), &store.ConsensusProposal{
		SwarmID:      req.SwarmID,
		ProposerID:   req.ProposerID,
		Question:     req.Question,
		Options:      req.Options,
		VotingMethod: store.VotingMethod(req.VotingMethod),
		QuorumType:   store.QuorumType(req.QuorumType),
		QuorumValue:  req.QuorumValue,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VoterHandle string  `json:"voterHandle"`
		Value       string  `json:"value"`
		Weight      float64 `json:"weight,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	vote, err := s.consensus.CastVote(r.Context(), r.PathValue("id"), req.VoterHandle, req.Value, req.Weight)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, vote)
}

func (s *Server) handleTally(w http.ResponseWriter, r *http.Request) {
	result, err := s.consensus.Tally(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDepositPheromone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SwarmID  string  `json:"swarmId"`
		Handle   string  `json:"handle"`
		TaskType string  `json:"taskType"`
		Amount   float64 `json:"amount,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	trail, err := s.pheromones.Deposit(r.Context(), req.SwarmID, req.Handle, req.TaskType, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, trail)
}

func (s *Server) handleListPheromones(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("activeOnly") == "true"
	trails, err := s.pheromones.ActiveTrails(r.Context(), r.PathValue("swarmId"), activeOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"trails": trails})
}
