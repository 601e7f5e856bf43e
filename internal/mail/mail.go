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

// Package mail implements point-to-point messaging and context handoffs
// between worker handles. Messages are fire-and-forget: send never waits
// for delivery, and recipients drain their unread queue on their own
// schedule, typically at spawn time via FormatForInjection.
package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/tombee/fleet/internal/log"
	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/pkg/errors"
)

// Service provides mail and handoff operations on top of the store.
type Service struct {
	mail     store.MailStore
	handoffs store.HandoffStore
	logger   *slog.Logger
}

// NewService creates a mail service.
func NewService(mail store.MailStore, handoffs store.HandoffStore, logger *slog.Logger) *Service {
	return &Service{
		mail:     mail,
		handoffs: handoffs,
		logger:   log.WithComponent(logger, "mail"),
	}
}

// Send persists a message to a handle and returns its id. There is no
// delivery acknowledgement.
func (s *Service) Send(ctx context.Context, from, to, body, subject string) (string, error) {
	if to == "" {
		return "", &errors.ValidationError{Field: "to", Message: "recipient handle is required"}
	}
	if body == "" {
		return "", &errors.ValidationError{Field: "body", Message: "message body is required"}
	}

	m := &store.MailMessage{
		ID:         uuid.New().String(),
		FromHandle: from,
		ToHandle:   to,
		Subject:    subject,
		Body:       body,
	}
	if err := s.mail.CreateMail(ctx, m); err != nil {
		return "", fmt.Errorf("failed to send mail: %w", err)
	}

	s.logger.Debug("mail sent", "from", from, "to", to, "mail_id", m.ID)
	return m.ID, nil
}

// GetUnread returns a handle's unread messages, oldest first.
func (s *Service) GetUnread(ctx context.Context, handle string) ([]*store.MailMessage, error) {
	return s.mail.ListUnread(ctx, handle)
}

// MarkRead stamps a message read. Idempotent; a second call is a no-op.
func (s *Service) MarkRead(ctx context.Context, mailID string) error {
	_, err := s.mail.MarkMailRead(ctx, mailID)
	return err
}

// CreateHandoff records a pending context transfer to another handle.
func (s *Service) CreateHandoff(ctx context.Context, from, to string, contextBag map[string]any, checkpoint string) (string, error) {
	if to == "" {
		return "", &errors.ValidationError{Field: "to", Message: "recipient handle is required"}
	}

	h := &store.Handoff{
		ID:         uuid.New().String(),
		FromHandle: from,
		ToHandle:   to,
		Context:    contextBag,
		Checkpoint: checkpoint,
		Status:     store.HandoffPending,
	}
	if err := s.handoffs.CreateHandoff(ctx, h); err != nil {
		return "", fmt.Errorf("failed to create handoff: %w", err)
	}

	s.logger.Info("handoff created", "from", from, "to", to, "handoff_id", h.ID)
	return h.ID, nil
}

// AcceptHandoff transitions a pending handoff to accepted. Acceptance is
// one-way; an already-resolved handoff returns a ConflictError.
func (s *Service) AcceptHandoff(ctx context.Context, id, outcome string) error {
	return s.resolveHandoff(ctx, id, store.HandoffAccepted, outcome)
}

// RejectHandoff transitions a pending handoff to rejected.
func (s *Service) RejectHandoff(ctx context.Context, id, outcome string) error {
	return s.resolveHandoff(ctx, id, store.HandoffRejected, outcome)
}

func (s *Service) resolveHandoff(ctx context.Context, id string, status store.HandoffStatus, outcome string) error {
	ok, err := s.handoffs.ResolveHandoff(ctx, id, status, outcome)
	if err != nil {
		return err
	}
	if !ok {
		return &errors.ConflictError{Resource: "handoff", Reason: "already resolved: " + id}
	}
	s.logger.Info("handoff resolved", "handoff_id", id, "status", string(status))
	return nil
}

// PendingHandoffs returns the pending handoffs addressed to a handle.
func (s *Service) PendingHandoffs(ctx context.Context, handle string) ([]*store.Handoff, error) {
	return s.handoffs.ListPendingHandoffs(ctx, handle)
}

// FormatForInjection renders a handle's unread mail and pending handoffs
// as a Markdown block prepended to a worker's prompt at (re)spawn. An
// empty mailbox yields an empty string.
func (s *Service) FormatForInjection(ctx context.Context, handle string) (string, error) {
	unread, err := s.mail.ListUnread(ctx, handle)
	if err != nil {
		return "", fmt.Errorf("failed to list unread mail: %w", err)
	}
	pending, err := s.handoffs.ListPendingHandoffs(ctx, handle)
	if err != nil {
		return "", fmt.Errorf("failed to list handoffs: %w", err)
	}
	if len(unread) == 0 && len(pending) == 0 {
		return "", nil
	}

	var sb strings.Builder
	if len(unread) > 0 {
		fmt.Fprintf(&sb, "## Pending Messages (%d)\n\n", len(unread))
		for _, m := range unread {
			fmt.Fprintf(&sb, "### From %s\n", m.FromHandle)
			if m.Subject != "" {
				fmt.Fprintf(&sb, "**Subject:** %s\n", m.Subject)
			}
			sb.WriteString(m.Body)
			sb.WriteString("\n\n")
		}
	}
	if len(pending) > 0 {
		fmt.Fprintf(&sb, "## Pending Handoffs (%d)\n\n", len(pending))
		for _, h := range pending {
			fmt.Fprintf(&sb, "### From %s\n", h.FromHandle)
			if len(h.Context) > 0 {
				data, err := json.MarshalIndent(h.Context, "", "  ")
				if err == nil {
					sb.WriteString("```json\n")
					sb.Write(data)
					sb.WriteString("\n```\n")
				}
			}
			if h.Checkpoint != "" {
				sb.WriteString(h.Checkpoint)
				sb.WriteString("\n")
			}
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}
