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

// Package api is the HTTP boundary of the coordinator. Handlers stay
// thin: decode, call a service, map the typed error to a status code.
package api

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/fleet/internal/blackboard"
	"github.com/tombee/fleet/internal/checkpoint"
	"github.com/tombee/fleet/internal/hub"
	"github.com/tombee/fleet/internal/log"
	"github.com/tombee/fleet/internal/mail"
	"github.com/tombee/fleet/internal/metrics"
	"github.com/tombee/fleet/internal/spawnqueue"
	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/internal/supervisor"
	"github.com/tombee/fleet/internal/swarm"
	"github.com/tombee/fleet/internal/workflow"
	"github.com/tombee/fleet/pkg/errors"
)

// Server bundles the coordinator's services behind HTTP handlers.
type Server struct {
	store       store.Store
	supervisor  *supervisor.Supervisor
	queue       *spawnqueue.Controller
	engine      *workflow.Engine
	mail        *mail.Service
	board       *blackboard.Service
	checkpoints *checkpoint.Service
	consensus   *swarm.Consensus
	pheromones  *swarm.Pheromones
	hub         *hub.Hub
	logger      *slog.Logger
}

// Deps carries the services the server fronts.
type Deps struct {
	Store       store.Store
	Supervisor  *supervisor.Supervisor
	Queue       *spawnqueue.Controller
	Engine      *workflow.Engine
	Mail        *mail.Service
	Board       *blackboard.Service
	Checkpoints *checkpoint.Service
	Consensus   *swarm.Consensus
	Pheromones  *swarm.Pheromones
	Hub         *hub.Hub
	Logger      *slog.Logger
}

// NewServer creates the HTTP boundary.
func NewServer(d Deps) *Server {
	return &Server{
		store:       d.Store,
		supervisor:  d.Supervisor,
		queue:       d.Queue,
		engine:      d.Engine,
		mail:        d.Mail,
		board:       d.Board,
		checkpoints: d.Checkpoints,
		consensus:   d.Consensus,
		pheromones:  d.Pheromones,
		hub:         d.Hub,
		logger:      log.WithComponent(d.Logger, "api"),
	}
}

// RegisterHTTP registers every route on the mux.
func (s *Server) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", s.hub.ServeWS)

	mux.HandleFunc("POST /orchestrate/spawn", s.handleSpawn)
	mux.HandleFunc("POST /orchestrate/dismiss/{handle}", s.handleDismiss)
	mux.HandleFunc("POST /orchestrate/send/{handle}", s.handleSend)
	mux.HandleFunc("GET /orchestrate/output/{handle}", s.handleOutput)
	mux.HandleFunc("GET /workers", s.handleListWorkers)

	mux.HandleFunc("POST /spawn-queue", s.handleEnqueue)
	mux.HandleFunc("GET /spawn-queue/{id}", s.handleGetRequest)
	mux.HandleFunc("DELETE /spawn-queue/{id}", s.handleCancelRequest)

	mux.HandleFunc("POST /mail", s.handleSendMail)
	mux.HandleFunc("GET /mail/{handle}", s.handleUnreadMail)
	mux.HandleFunc("POST /mail/{id}/read", s.handleMarkMailRead)

	mux.HandleFunc("POST /blackboard", s.handlePostMessage)
	mux.HandleFunc("GET /blackboard/{swarmId}", s.handleReadMessages)
	mux.HandleFunc("POST /blackboard/mark-read", s.handleMarkMessagesRead)
	mux.HandleFunc("POST /blackboard/{swarmId}/archive", s.handleArchiveMessages)
	mux.HandleFunc("GET /blackboard/{swarmId}/stats", s.handleBoardStats)

	mux.HandleFunc("POST /checkpoints", s.handleCreateCheckpoint)
	mux.HandleFunc("GET /checkpoints/{handle}", s.handleListCheckpoints)
	mux.HandleFunc("GET /checkpoints/{handle}/latest", s.handleLatestCheckpoint)

	mux.HandleFunc("POST /handoffs", s.handleCreateHandoff)
	mux.HandleFunc("POST /handoffs/{id}/accept", s.handleAcceptHandoff)
	mux.HandleFunc("POST /handoffs/{id}/reject", s.handleRejectHandoff)

	mux.HandleFunc("POST /workflows", s.handleRegisterWorkflow)
	mux.HandleFunc("GET /workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /workflows/{id}/start", s.handleStartWorkflow)
	mux.HandleFunc("GET /executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /executions/{id}/steps", s.handleListExecutionSteps)
	mux.HandleFunc("POST /executions/{id}/pause", s.handlePauseExecution)
	mux.HandleFunc("POST /executions/{id}/resume", s.handleResumeExecution)
	mux.HandleFunc("POST /executions/{id}/cancel", s.handleCancelExecution)
	mux.HandleFunc("POST /triggers", s.handleCreateTrigger)
	mux.HandleFunc("POST /events/{name}", s.handleFireEvent)

	mux.HandleFunc("POST /consensus/proposals", s.handleCreateProposal)
	mux.HandleFunc("POST /consensus/proposals/{id}/votes", s.handleCastVote)
	mux.HandleFunc("GET /consensus/proposals/{id}/tally", s.handleTally)

	mux.HandleFunc("POST /pheromones", s.handleDepositPheromone)
	mux.HandleFunc("GET /pheromones/{swarmId}", s.handleListPheromones)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"workers": s.supervisor.HealthReport(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.supervisor.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// decode reads a JSON request body. A failure writes the 400 itself
// and returns false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, r, &errors.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.logger.Warn("failed to encode response", log.Error(err))
		}
	}
}

// writeError maps the domain error families onto status codes:
// validation 400, not-found 404, conflict 409, timeout 504, storage
// and everything else 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := map[string]any{"error": err.Error()}

	var validation *errors.ValidationError
	var notFound *errors.NotFoundError
	var conflict *errors.ConflictError
	var timeout *errors.TimeoutError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
		body["field"] = validation.Field
		if validation.Suggestion != "" {
			body["suggestion"] = validation.Suggestion
		}
	case errors.As(err, &notFound):
		status = http.StatusNotFound
		body["resource"] = notFound.Resource
	case errors.As(err, &conflict):
		status = http.StatusConflict
		body["resource"] = conflict.Resource
	case errors.As(err, &timeout):
		status = http.StatusGatewayTimeout
	}

	if status >= 500 {
		s.logger.Error("request failed", log.Error(err), "method", r.Method, "path", r.URL.Path)
	}
	s.writeJSON(w, status, body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// Hijack passes through so the /ws upgrade still works behind the
// instrumentation wrapper.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

// Instrument counts requests by method, route pattern, and status class.
// The pattern is taken from the mux so path parameters do not explode
// label cardinality.
func Instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(rec, r)
		_, route := mux.Handler(r)
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(r.Method, route, statusClass(rec.status))
	})
}

func validationErr(field, message string) error {
	return &errors.ValidationError{Field: field, Message: message}
}

func statusClass(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
