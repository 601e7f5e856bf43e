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

// Package blackboard implements the swarm-scoped shared message log.
// Workers post typed findings to their swarm's board and poll it with
// filters; each message carries a grow-only set of handles that have
// read it. Messages are immutable once posted, and archival is one-way.
package blackboard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/fleet/internal/log"
	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/pkg/errors"
)

// Service provides blackboard operations on top of the store.
type Service struct {
	board  store.BlackboardStore
	logger *slog.Logger
}

// NewService creates a blackboard service.
func NewService(board store.BlackboardStore, logger *slog.Logger) *Service {
	return &Service{
		board:  board,
		logger: log.WithComponent(logger, "blackboard"),
	}
}

// Post appends an immutable message to the swarm's board and returns it.
func (s *Service) Post(ctx context.Context, swarmID, sender, messageType string, payload map[string]any, target string, priority store.Priority) (*store.BlackboardMessage, error) {
	if swarmID == "" {
		return nil, &errors.ValidationError{Field: "swarm_id", Message: "swarm id is required"}
	}
	if messageType == "" {
		return nil, &errors.ValidationError{Field: "message_type", Message: "message type is required"}
	}
	if priority == "" {
		priority = store.PriorityNormal
	}

	m := &store.BlackboardMessage{
		ID:           uuid.New().String(),
		SwarmID:      swarmID,
		SenderHandle: sender,
		MessageType:  messageType,
		TargetHandle: target,
		Priority:     priority,
		Payload:      payload,
	}
	if err := s.board.CreateMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to post message: %w", err)
	}

	s.logger.Debug("message posted",
		log.SwarmIDKey, swarmID, "message_type", messageType, "sender", sender)
	return m, nil
}

// Read returns the swarm's non-archived messages matching the filter.
// UnreadOnly requires a reader handle so the readBy set can be consulted.
func (s *Service) Read(ctx context.Context, swarmID string, filter store.BlackboardFilter) ([]*store.BlackboardMessage, error) {
	if swarmID == "" {
		return nil, &errors.ValidationError{Field: "swarm_id", Message: "swarm id is required"}
	}
	if filter.UnreadOnly && filter.ReaderHandle == "" {
		return nil, &errors.ValidationError{
			Field:   "reader_handle",
			Message: "reader handle is required when unread_only is set",
		}
	}
	return s.board.ListMessages(ctx, swarmID, filter)
}

// MarkRead adds readerHandle to the readBy set of each message.
func (s *Service) MarkRead(ctx context.Context, messageIDs []string, readerHandle string) error {
	if readerHandle == "" {
		return &errors.ValidationError{Field: "reader_handle", Message: "reader handle is required"}
	}
	return s.board.MarkMessagesRead(ctx, messageIDs, readerHandle)
}

// Archive stamps archivedAt on the chosen messages and returns the
// number newly archived.
func (s *Service) Archive(ctx context.Context, messageIDs []string) (int, error) {
	return s.board.ArchiveMessages(ctx, messageIDs)
}

// ArchiveOld archives every message in the swarm older than maxAge.
func (s *Service) ArchiveOld(ctx context.Context, swarmID string, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, &errors.ValidationError{Field: "max_age", Message: "max age must be positive"}
	}
	n, err := s.board.ArchiveOlder(ctx, swarmID, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("archived old messages", log.SwarmIDKey, swarmID, "count", n)
	}
	return n, nil
}

// Stats summarizes the swarm's message log.
func (s *Service) Stats(ctx context.Context, swarmID string) (*store.BlackboardStats, error) {
	return s.board.Stats(ctx, swarmID)
}
