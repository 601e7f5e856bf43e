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

// Package spawnqueue orders deferred worker spawn requests. Requests
// carry a priority and may declare dependencies on other requests; a
// request stays blocked until every dependency has spawned. A periodic
// drain promotes unblocked requests to real workers while the
// population is under the soft limit.
package spawnqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/fleet/internal/config"
	"github.com/tombee/fleet/internal/log"
	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/pkg/errors"
)

// SpawnFunc starts a worker for a drained request and returns the new
// worker's ID.
type SpawnFunc func(ctx context.Context, req *store.SpawnRequest) (string, error)

// Controller admits, orders, and drains spawn requests.
type Controller struct {
	requests store.SpawnRequestStore
	workers  store.WorkerStore
	spawn    SpawnFunc
	logger   *slog.Logger

	// drainMu serializes drain cycles; a tick that fires while a drain
	// is in flight is skipped rather than queued.
	drainMu sync.Mutex

	kick chan struct{}
}

// New creates a spawn queue controller. The spawn callback is invoked
// for each drained request.
func New(requests store.SpawnRequestStore, workers store.WorkerStore, spawn SpawnFunc, logger *slog.Logger) *Controller {
	return &Controller{
		requests: requests,
		workers:  workers,
		spawn:    spawn,
		logger:   log.WithComponent(logger, "spawnqueue"),
		kick:     make(chan struct{}, 1),
	}
}

// EnqueueRequest is the admissible part of a spawn request.
type EnqueueRequest struct {
	RequesterHandle string
	TargetAgentType store.WorkerRole
	DepthLevel      int
	SwarmID         string
	Priority        store.Priority
	Payload         store.SpawnPayload
	DependsOn       []string
}

// Enqueue admits a spawn request into the queue. Requests are rejected
// outright when the active population has hit the hard limit, the
// requester is too deep in the spawn tree, or a declared dependency has
// already been rejected.
func (c *Controller) Enqueue(ctx context.Context, req EnqueueRequest) (*store.SpawnRequest, error) {
	if req.RequesterHandle == "" {
		return nil, &errors.ValidationError{Field: "requester_handle", Message: "requester handle is required"}
	}
	if req.TargetAgentType == "" {
		req.TargetAgentType = store.RoleWorker
	}
	if req.Priority == "" {
		req.Priority = store.PriorityNormal
	}

	active, err := c.workers.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count workers: %w", err)
	}
	if active >= config.HardAgentLimit {
		return nil, &errors.ConflictError{
			Resource: "spawn_request",
			Reason:   fmt.Sprintf("hard agent limit reached (%d/%d)", active, config.HardAgentLimit),
		}
	}
	if req.DepthLevel > config.MaxDepthLevel {
		return nil, &errors.ConflictError{
			Resource: "spawn_request",
			Reason:   fmt.Sprintf("spawn depth %d exceeds limit %d", req.DepthLevel, config.MaxDepthLevel),
		}
	}

	blocked := 0
	for _, depID := range req.DependsOn {
		dep, err := c.requests.GetRequest(ctx, depID)
		if err != nil {
			var nf *errors.NotFoundError
			if errors.As(err, &nf) {
				// Unknown dependencies count as unresolved.
				blocked++
				continue
			}
			return nil, err
		}
		switch dep.Status {
		case store.SpawnRejected:
			return nil, &errors.ConflictError{
				Resource: "spawn_request",
				Reason:   "dependency was rejected: " + depID,
			}
		case store.SpawnSpawned:
			// Already satisfied.
		default:
			blocked++
		}
	}

	sr := &store.SpawnRequest{
		ID:              uuid.New().String(),
		RequesterHandle: req.RequesterHandle,
		TargetAgentType: req.TargetAgentType,
		DepthLevel:      req.DepthLevel,
		SwarmID:         req.SwarmID,
		Priority:        req.Priority,
		Status:          store.SpawnPending,
		Payload:         req.Payload,
		DependsOn:       req.DependsOn,
		BlockedByCount:  blocked,
	}
	if err := c.requests.CreateRequest(ctx, sr); err != nil {
		return nil, err
	}

	c.logger.Info("spawn request queued",
		"request_id", sr.ID, "requester", sr.RequesterHandle,
		"priority", string(sr.Priority), "blocked_by", blocked)
	c.Kick()
	return sr, nil
}

// Cancel rejects a pending request and unblocks its dependents. It
// reports false for requests that already spawned or were rejected,
// which cannot be cancelled.
func (c *Controller) Cancel(ctx context.Context, id string) (bool, error) {
	req, err := c.requests.GetRequest(ctx, id)
	if err != nil {
		return false, err
	}
	if req.Status != store.SpawnPending {
		return false, nil
	}

	now := time.Now()
	req.Status = store.SpawnRejected
	req.ProcessedAt = &now
	if err := c.requests.UpdateRequest(ctx, req); err != nil {
		return false, err
	}
	if err := c.requests.DecrementDependents(ctx, id); err != nil {
		c.logger.Warn("failed to unblock dependents", log.Error(err), "request_id", id)
	}
	c.logger.Info("spawn request cancelled", "request_id", id)
	return true, nil
}

// Kick requests an immediate drain on top of the periodic schedule.
func (c *Controller) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run drains the queue every ProcessInterval, and immediately when
// kicked, until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(config.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Drain(ctx)
		case <-c.kick:
			c.Drain(ctx)
		}
	}
}

// Drain promotes unblocked requests to workers, highest priority
// first, stopping once the soft agent limit is reached. Only one drain
// runs at a time.
func (c *Controller) Drain(ctx context.Context) {
	if !c.drainMu.TryLock() {
		return
	}
	defer c.drainMu.Unlock()

	ready, err := c.requests.ListUnblocked(ctx, config.SoftAgentLimit)
	if err != nil {
		c.logger.Warn("failed to list unblocked requests", log.Error(err))
		return
	}

	for _, req := range ready {
		active, err := c.workers.CountActive(ctx)
		if err != nil {
			c.logger.Warn("failed to count workers", log.Error(err))
			return
		}
		if active >= config.SoftAgentLimit {
			c.logger.Debug("soft agent limit reached, pausing drain",
				"active", active, "limit", config.SoftAgentLimit)
			return
		}

		workerID, err := c.spawn(ctx, req)
		if err != nil {
			// Spawn failures are usually transient (population cap);
			// leave the request pending and retry next cycle.
			c.logger.Warn("failed to spawn for request, will retry", log.Error(err), "request_id", req.ID)
			return
		}

		now := time.Now()
		req.Status = store.SpawnSpawned
		req.SpawnedWorkerID = workerID
		req.ProcessedAt = &now
		if err := c.requests.UpdateRequest(ctx, req); err != nil {
			c.logger.Warn("failed to record spawn", log.Error(err), "request_id", req.ID)
			continue
		}
		if err := c.requests.DecrementDependents(ctx, req.ID); err != nil {
			c.logger.Warn("failed to unblock dependents", log.Error(err), "request_id", req.ID)
		}
		c.logger.Info("spawn request fulfilled",
			"request_id", req.ID, log.WorkerIDKey, workerID)
	}
}
