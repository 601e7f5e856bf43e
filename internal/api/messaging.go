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
	"time"

	"github.com/tombee/fleet/internal/metrics"
	"github.com/tombee/fleet/internal/store"
)

func (s *Server) handleSendMail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From    string `json:"from"`
		To      string `json:"to"`
		Subject string `json:"subject,omitempty"`
		Body    string `json:"body"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.mail.Send(r.Context(), req.From, req.To, req.Body, req.Subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.RecordMessage("mail")
	s.writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleUnreadMail(w http.ResponseWriter, r *http.Request) {
	messages, err := s.mail.GetUnread(r.Context(), r.PathValue("handle"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleMarkMailRead(w http.ResponseWriter, r *http.Request) {
	if err := s.mail.MarkRead(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"read": true})
}

type postMessageRequest struct {
	SwarmID      string         `json:"swarmId"`
	SenderHandle string         `json:"senderHandle"`
	MessageType  string         `json:"messageType"`
	TargetHandle string         `json:"targetHandle,omitempty"`
	Priority     string         `json:"priority,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	msg, err := s.board.Post(r.Context(), req.SwarmID, req.SenderHandle, req.MessageType,
		req.Payload, req.TargetHandle, store.Priority(req.Priority))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.RecordMessage("blackboard")
	s.writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleReadMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.BlackboardFilter{
		MessageType:     q.Get("messageType"),
		Priority:        store.Priority(q.Get("priority")),
		ReaderHandle:    q.Get("readerHandle"),
		UnreadOnly:      q.Get("unreadOnly") == "true",
		IncludeArchived: q.Get("includeArchived") == "true",
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, validationErr("since", "must be an RFC 3339 timestamp"))
			return
		}
		filter.Since = since
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, validationErr("limit", "must be an integer"))
			return
		}
		filter.Limit = limit
	}
	messages, err := s.board.Read(r.Context(), r.PathValue("swarmId"), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleMarkMessagesRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageIDs   []string `json:"messageIds"`
		ReaderHandle string   `json:"readerHandle"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.board.MarkRead(r.Context(), req.MessageIDs, req.ReaderHandle); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"read": len(req.MessageIDs)})
}

func (s *Server) handleArchiveMessages(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageIDs    []string `json:"messageIds,omitempty"`
		MaxAgeSeconds int64    `json:"maxAgeSeconds,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	var archived int
	var err error
	if len(req.MessageIDs) > 0 {
		archived, err = s.board.Archive(r.Context(), req.MessageIDs)
	} else if req.MaxAgeSeconds > 0 {
		archived, err = s.board.ArchiveOld(r.Context(), r.PathValue("swarmId"), time.Duration(req.MaxAgeSeconds)*time.Second)
	} else {
		s.writeError(w, r, validationErr("messageIds", "either messageIds or maxAgeSeconds is required"))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"archived": archived})
}

func (s *Server) handleBoardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.board.Stats(r.Context(), r.PathValue("swarmId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req store.Checkpoint
	if !s.decode(w, r, &req) {
		return
	}
	created, err := s.checkpoints.Create(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, validationErr("limit", "must be an integer"))
			return
		}
		limit = parsed
	}
	checkpoints, err := s.checkpoints.List(r.Context(), r.PathValue("handle"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"checkpoints": checkpoints})
}

// handleLatestCheckpoint returns null, not 404, when the worker has no
// checkpoints yet.
func (s *Server) handleLatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	latest, err := s.checkpoints.GetLatest(r.Context(), r.PathValue("handle"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if latest == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"checkpoint": nil})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"checkpoint": latest})
}

func (s *Server) handleCreateHandoff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From       string         `json:"from"`
		To         string         `json:"to"`
		Context    map[string]any `json:"context,omitempty"`
		Checkpoint string         `json:"checkpoint,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.mail.CreateHandoff(r.Context(), req.From, req.To, req.Context, req.Checkpoint)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleAcceptHandoff(w http.ResponseWriter, r *http.Request) {
	s.resolveHandoff(w, r, true)
}

func (s *Server) handleRejectHandoff(w http.ResponseWriter, r *http.Request) {
	s.resolveHandoff(w, r, false)
}

func (s *Server) resolveHandoff(w http.ResponseWriter, r *http.Request, accept bool) {
	var req struct {
		Outcome string `json:"outcome,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	var err error
	if accept {
		err = s.mail.AcceptHandoff(r.Context(), r.PathValue("id"), req.Outcome)
	} else {
		err = s.mail.RejectHandoff(r.Context(), r.PathValue("id"), req.Outcome)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"resolved": true})
}
