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

// Package checkpoint persists append-only session continuation records.
// A worker writes a checkpoint describing where it is; when the
// supervisor restarts that worker, the latest checkpoint is rendered
// with FormatForResume and prepended to the new session's prompt.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/tombee/fleet/internal/log"
	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/pkg/errors"
)

// Service provides checkpoint operations on top of the store.
type Service struct {
	checkpoints store.CheckpointStore
	logger      *slog.Logger
}

// NewService creates a checkpoint service.
func NewService(checkpoints store.CheckpointStore, logger *slog.Logger) *Service {
	return &Service{
		checkpoints: checkpoints,
		logger:      log.WithComponent(logger, "checkpoint"),
	}
}

// Create persists a new checkpoint and returns it.
func (s *Service) Create(ctx context.Context, c *store.Checkpoint) (*store.Checkpoint, error) {
	if c.WorkerHandle == "" {
		return nil, &errors.ValidationError{Field: "worker_handle", Message: "worker handle is required"}
	}
	if c.Goal == "" {
		return nil, &errors.ValidationError{Field: "goal", Message: "goal is required"}
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	if err := s.checkpoints.CreateCheckpoint(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint created", log.HandleKey, c.WorkerHandle, "checkpoint_id", c.ID)
	return c, nil
}

// GetLatest returns the most recent checkpoint for a handle, or nil when
// the handle has never checkpointed.
func (s *Service) GetLatest(ctx context.Context, workerHandle string) (*store.Checkpoint, error) {
	c, err := s.checkpoints.GetLatestCheckpoint(ctx, workerHandle)
	if err != nil {
		var nf *errors.NotFoundError
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// List returns a handle's checkpoints, newest first.
func (s *Service) List(ctx context.Context, workerHandle string, limit int) ([]*store.Checkpoint, error) {
	return s.checkpoints.ListCheckpoints(ctx, workerHandle, store.CheckpointFilter{Limit: limit})
}

// Cleanup deletes all but the keepN most recent checkpoints for a handle
// and returns the number removed.
func (s *Service) Cleanup(ctx context.Context, workerHandle string, keepN int) (int, error) {
	if keepN < 1 {
		return 0, &errors.ValidationError{Field: "keep_n", Message: "must keep at least one checkpoint"}
	}
	n, err := s.checkpoints.PruneCheckpoints(ctx, workerHandle, keepN)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("pruned checkpoints", log.HandleKey, workerHandle, "removed", n)
	}
	return n, nil
}

// FormatForResume renders a checkpoint as the Markdown block prepended
// to a restarted worker's prompt.
func FormatForResume(c *store.Checkpoint) string {
	if c == nil {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Checkpoint Resume\n")
	fmt.Fprintf(&sb, "Goal: %s\n", c.Goal)
	fmt.Fprintf(&sb, "Now: %s\n", c.Now)
	sb.WriteString("### Completed:")
	writeBullets(&sb, c.DoneThisSession)
	sb.WriteString("### Remaining:")
	writeBullets(&sb, c.Next)
	return sb.String()
}

func writeBullets(sb *strings.Builder, items []string) {
	if len(items) == 0 {
		sb.WriteString(" none\n")
		return
	}
	sb.WriteString("\n")
	for _, item := range items {
		fmt.Fprintf(sb, "- %s\n", item)
	}
}
