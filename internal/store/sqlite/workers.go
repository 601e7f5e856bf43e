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

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/pkg/errors"
)

const workerColumns = `id, handle, team_name, role, status, swarm_id, depth_level,
	session_id, restart_count, last_heartbeat, initial_prompt,
	worktree_path, worktree_branch, pid, created_at, dismissed_at`

// CreateWorker inserts a new worker row.
func (b *Backend) CreateWorker(ctx context.Context, w *store.Worker) error {
	w.CreatedAt = stampCreated(w.CreatedAt)

	query := `INSERT INTO workers (` + workerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := b.db.ExecContext(ctx, query,
		w.ID, w.Handle, w.TeamName, w.Role, w.Status, nullString(w.SwarmID),
		w.DepthLevel, nullString(w.SessionID), w.RestartCount,
		formatTime(w.LastHeartbeat), nullString(w.InitialPrompt),
		nullString(w.WorktreePath), nullString(w.WorktreeBranch), w.PID,
		w.CreatedAt.Format(time.RFC3339), formatTime(w.DismissedAt),
	)
	return createErr("worker", w.ID, err)
}

func scanWorker(row interface{ Scan(...any) error }) (*store.Worker, error) {
	var w store.Worker
	var swarmID, sessionID, initialPrompt, worktreePath, worktreeBranch sql.NullString
	var lastHeartbeat, createdAt, dismissedAt sql.NullString

	err := row.Scan(
		&w.ID, &w.Handle, &w.TeamName, &w.Role, &w.Status, &swarmID, &w.DepthLevel,
		&sessionID, &w.RestartCount, &lastHeartbeat, &initialPrompt,
		&worktreePath, &worktreeBranch, &w.PID, &createdAt, &dismissedAt,
	)
	if err != nil {
		return nil, err
	}

	w.SwarmID = swarmID.String
	w.SessionID = sessionID.String
	w.InitialPrompt = initialPrompt.String
	w.WorktreePath = worktreePath.String
	w.WorktreeBranch = worktreeBranch.String
	w.LastHeartbeat = parseTime(lastHeartbeat)
	w.CreatedAt = parseTimeValue(createdAt)
	w.DismissedAt = parseTime(dismissedAt)
	return &w, nil
}

// GetWorker retrieves a worker by id.
func (b *Backend) GetWorker(ctx context.Context, id string) (*store.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE id = ?`

	w, err := scanWorker(b.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "worker", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return w, nil
}

// GetWorkerByHandle retrieves the non-dismissed worker with the given
// handle in a team.
func (b *Backend) GetWorkerByHandle(ctx context.Context, teamName, handle string) (*store.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers
		WHERE team_name = ? AND handle = ? AND status != ?
		ORDER BY created_at DESC LIMIT 1`

	w, err := scanWorker(b.db.QueryRowContext(ctx, query, teamName, handle, store.WorkerDismissed))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "worker", ID: handle}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker by handle: %w", err)
	}
	return w, nil
}

// UpdateWorker replaces an existing worker row.
func (b *Backend) UpdateWorker(ctx context.Context, w *store.Worker) error {
	query := `UPDATE workers SET
			handle = ?, team_name = ?, role = ?, status = ?, swarm_id = ?,
			depth_level = ?, session_id = ?, restart_count = ?, last_heartbeat = ?,
			initial_prompt = ?, worktree_path = ?, worktree_branch = ?, pid = ?,
			dismissed_at = ?
		WHERE id = ?`

	result, err := b.db.ExecContext(ctx, query,
		w.Handle, w.TeamName, w.Role, w.Status, nullString(w.SwarmID),
		w.DepthLevel, nullString(w.SessionID), w.RestartCount, formatTime(w.LastHeartbeat),
		nullString(w.InitialPrompt), nullString(w.WorktreePath), nullString(w.WorktreeBranch), w.PID,
		formatTime(w.DismissedAt),
		w.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update worker: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "worker", ID: w.ID}
	}
	return nil
}

// ListWorkers lists workers matching the filter, createdAt ascending.
func (b *Backend) ListWorkers(ctx context.Context, filter store.WorkerFilter) ([]*store.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.SwarmID != "" {
		query += " AND swarm_id = ?"
		args = append(args, filter.SwarmID)
	}
	if filter.TeamName != "" {
		query += " AND team_name = ?"
		args = append(args, filter.TeamName)
	}
	query += " ORDER BY created_at ASC"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	workers := make([]*store.Worker, 0)
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// CountActive counts workers whose status is not dismissed.
func (b *Backend) CountActive(ctx context.Context) (int, error) {
	var count int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workers WHERE status != ?`, store.WorkerDismissed,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count workers: %w", err)
	}
	return count, nil
}

const spawnColumns = `id, requester_handle, target_agent_type, depth_level, swarm_id,
	priority, status, payload, depends_on, blocked_by_count,
	processed_at, spawned_worker_id, created_at`

// CreateRequest inserts a new spawn request.
func (b *Backend) CreateRequest(ctx context.Context, r *store.SpawnRequest) error {
	r.CreatedAt = stampCreated(r.CreatedAt)

	payloadJSON, err := marshalJSON(r.Payload)
	if err != nil {
		return err
	}
	dependsJSON, err := marshalJSON(r.DependsOn)
	if err != nil {
		return err
	}

	query := `INSERT INTO spawn_requests (` + spawnColumns + `, priority_rank)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = b.db.ExecContext(ctx, query,
		r.ID, r.RequesterHandle, r.TargetAgentType, r.DepthLevel, nullString(r.SwarmID),
		r.Priority, r.Status, payloadJSON, dependsJSON, r.BlockedByCount,
		formatTime(r.ProcessedAt), nullString(r.SpawnedWorkerID),
		r.CreatedAt.Format(time.RFC3339), r.Priority.Rank(),
	)
	return createErr("spawn request", r.ID, err)
}

func scanRequest(row interface{ Scan(...any) error }) (*store.SpawnRequest, error) {
	var r store.SpawnRequest
	var swarmID, payloadJSON, dependsJSON, spawnedWorkerID sql.NullString
	var processedAt, createdAt sql.NullString

	err := row.Scan(
		&r.ID, &r.RequesterHandle, &r.TargetAgentType, &r.DepthLevel, &swarmID,
		&r.Priority, &r.Status, &payloadJSON, &dependsJSON, &r.BlockedByCount,
		&processedAt, &spawnedWorkerID, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	r.SwarmID = swarmID.String
	r.SpawnedWorkerID = spawnedWorkerID.String
	r.ProcessedAt = parseTime(processedAt)
	r.CreatedAt = parseTimeValue(createdAt)
	if err := unmarshalJSON(payloadJSON, &r.Payload); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(dependsJSON, &r.DependsOn); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRequest retrieves a request by id.
func (b *Backend) GetRequest(ctx context.Context, id string) (*store.SpawnRequest, error) {
	query := `SELECT ` + spawnColumns + ` FROM spawn_requests WHERE id = ?`

	r, err := scanRequest(b.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "spawn request", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get spawn request: %w", err)
	}
	return r, nil
}

// UpdateRequest replaces an existing request row.
func (b *Backend) UpdateRequest(ctx context.Context, r *store.SpawnRequest) error {
	payloadJSON, err := marshalJSON(r.Payload)
	if err != nil {
		return err
	}
	dependsJSON, err := marshalJSON(r.DependsOn)
	if err != nil {
		return err
	}

	query := `UPDATE spawn_requests SET
			requester_handle = ?, target_agent_type = ?, depth_level = ?, swarm_id = ?,
			priority = ?, priority_rank = ?, status = ?, payload = ?, depends_on = ?,
			blocked_by_count = ?, processed_at = ?, spawned_worker_id = ?
		WHERE id = ?`

	result, err := b.db.ExecContext(ctx, query,
		r.RequesterHandle, r.TargetAgentType, r.DepthLevel, nullString(r.SwarmID),
		r.Priority, r.Priority.Rank(), r.Status, payloadJSON, dependsJSON,
		r.BlockedByCount, formatTime(r.ProcessedAt), nullString(r.SpawnedWorkerID),
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update spawn request: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "spawn request", ID: r.ID}
	}
	return nil
}

// ListRequests lists requests with the given status, createdAt ascending.
func (b *Backend) ListRequests(ctx context.Context, status store.SpawnStatus) ([]*store.SpawnRequest, error) {
	query := `SELECT ` + spawnColumns + ` FROM spawn_requests`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at ASC"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list spawn requests: %w", err)
	}
	defer rows.Close()

	requests := make([]*store.SpawnRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan spawn request: %w", err)
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// ListUnblocked returns pending requests with blockedByCount = 0 ordered
// by (priority desc, createdAt asc), up to limit.
func (b *Backend) ListUnblocked(ctx context.Context, limit int) ([]*store.SpawnRequest, error) {
	query := `SELECT ` + spawnColumns + ` FROM spawn_requests
		WHERE status = ? AND blocked_by_count = 0
		ORDER BY priority_rank DESC, created_at ASC`
	args := []any{store.SpawnPending}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unblocked requests: %w", err)
	}
	defer rows.Close()

	requests := make([]*store.SpawnRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan spawn request: %w", err)
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// DecrementDependents atomically decrements blockedByCount on every
// pending request that depends on the given request id.
func (b *Backend) DecrementDependents(ctx context.Context, spawnedID string) error {
	query := `UPDATE spawn_requests
		SET blocked_by_count = blocked_by_count - 1
		WHERE status = ? AND blocked_by_count > 0
		  AND depends_on IS NOT NULL
		  AND EXISTS (
			SELECT 1 FROM json_each(spawn_requests.depends_on)
			WHERE json_each.value = ?
		  )`

	if _, err := b.db.ExecContext(ctx, query, store.SpawnPending, spawnedID); err != nil {
		return fmt.Errorf("failed to decrement dependents: %w", err)
	}
	return nil
}
