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

// Package sqlite provides a SQLite storage backend for single-node
// deployments. The connection pool is restricted to one writer, so
// multi-row mutations inside a transaction satisfy the store contract's
// SERIALIZABLE requirements.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/pkg/errors"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ store.WorkerStore       = (*Backend)(nil)
	_ store.SpawnRequestStore = (*Backend)(nil)
	_ store.BlackboardStore   = (*Backend)(nil)
	_ store.MailStore         = (*Backend)(nil)
	_ store.HandoffStore      = (*Backend)(nil)
	_ store.CheckpointStore   = (*Backend)(nil)
	_ store.WorkflowStore     = (*Backend)(nil)
	_ store.ConsensusStore    = (*Backend)(nil)
	_ store.PheromoneStore    = (*Backend)(nil)
	_ store.WorkItemStore     = (*Backend)(nil)
	_ store.Store             = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			handle TEXT NOT NULL,
			team_name TEXT NOT NULL,
			role TEXT NOT NULL,
			status TEXT NOT NULL,
			swarm_id TEXT,
			depth_level INTEGER DEFAULT 0,
			session_id TEXT,
			restart_count INTEGER DEFAULT 0,
			last_heartbeat TEXT,
			initial_prompt TEXT,
			worktree_path TEXT,
			worktree_branch TEXT,
			pid INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			dismissed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workers_handle ON workers(team_name, handle)`,
		`CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status)`,
		`CREATE INDEX IF NOT EXISTS idx_workers_swarm ON workers(swarm_id)`,
		`CREATE TABLE IF NOT EXISTS spawn_requests (
			id TEXT PRIMARY KEY,
			requester_handle TEXT NOT NULL,
			target_agent_type TEXT NOT NULL,
			depth_level INTEGER DEFAULT 0,
			swarm_id TEXT,
			priority TEXT NOT NULL,
			priority_rank INTEGER NOT NULL,
			status TEXT NOT NULL,
			payload TEXT,
			depends_on TEXT,
			blocked_by_count INTEGER DEFAULT 0,
			processed_at TEXT,
			spawned_worker_id TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spawn_requests_queue
			ON spawn_requests(status, blocked_by_count, priority_rank, created_at)`,
		`CREATE TABLE IF NOT EXISTS blackboard_messages (
			id TEXT PRIMARY KEY,
			swarm_id TEXT NOT NULL,
			sender_handle TEXT NOT NULL,
			message_type TEXT NOT NULL,
			target_handle TEXT,
			priority TEXT NOT NULL,
			payload TEXT,
			read_by TEXT,
			created_at TEXT NOT NULL,
			archived_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blackboard_swarm ON blackboard_messages(swarm_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS mail_messages (
			id TEXT PRIMARY KEY,
			from_handle TEXT NOT NULL,
			to_handle TEXT NOT NULL,
			subject TEXT,
			body TEXT NOT NULL,
			read_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mail_unread ON mail_messages(to_handle, read_at)`,
		`CREATE TABLE IF NOT EXISTS handoffs (
			id TEXT PRIMARY KEY,
			from_handle TEXT NOT NULL,
			to_handle TEXT NOT NULL,
			context TEXT,
			checkpoint TEXT,
			status TEXT NOT NULL,
			outcome TEXT,
			accepted_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_handoffs_pending ON handoffs(to_handle, status)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			worker_handle TEXT NOT NULL,
			goal TEXT NOT NULL,
			now TEXT NOT NULL,
			test TEXT,
			done_this_session TEXT,
			blockers TEXT,
			questions TEXT,
			next_steps TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_handle ON checkpoints(worker_handle, created_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version INTEGER DEFAULT 1,
			definition TEXT NOT NULL,
			is_template INTEGER DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			swarm_id TEXT,
			created_by TEXT,
			status TEXT NOT NULL,
			context TEXT,
			error TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON workflow_executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON workflow_executions(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			step_key TEXT NOT NULL,
			step_type TEXT NOT NULL,
			status TEXT NOT NULL,
			config TEXT,
			guard TEXT,
			depends_on TEXT,
			blocked_by_count INTEGER DEFAULT 0,
			on_failure TEXT NOT NULL,
			output TEXT,
			retry_count INTEGER DEFAULT 0,
			max_retries INTEGER DEFAULT 0,
			timeout_ms INTEGER DEFAULT 0,
			error TEXT,
			started_at TEXT,
			completed_at TEXT,
			PRIMARY KEY (execution_id, step_key),
			FOREIGN KEY (execution_id) REFERENCES workflow_executions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_ready ON workflow_steps(execution_id, status)`,
		`CREATE TABLE IF NOT EXISTS workflow_triggers (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			config TEXT,
			is_enabled INTEGER DEFAULT 1,
			last_fired_at TEXT,
			fire_count INTEGER DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_enabled ON workflow_triggers(is_enabled, trigger_type)`,
		`CREATE TABLE IF NOT EXISTS consensus_proposals (
			id TEXT PRIMARY KEY,
			swarm_id TEXT NOT NULL,
			proposer_id TEXT NOT NULL,
			question TEXT NOT NULL,
			options TEXT NOT NULL,
			voting_method TEXT NOT NULL,
			quorum_type TEXT NOT NULL,
			quorum_value REAL DEFAULT 0,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS votes (
			id TEXT NOT NULL,
			proposal_id TEXT NOT NULL,
			voter_handle TEXT NOT NULL,
			vote_value TEXT NOT NULL,
			vote_weight REAL DEFAULT 1,
			created_at TEXT NOT NULL,
			PRIMARY KEY (proposal_id, voter_handle),
			FOREIGN KEY (proposal_id) REFERENCES consensus_proposals(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS pheromone_trails (
			id TEXT PRIMARY KEY,
			swarm_id TEXT NOT NULL,
			handle TEXT NOT NULL,
			task_type TEXT NOT NULL,
			intensity REAL NOT NULL,
			decayed INTEGER DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trails_swarm ON pheromone_trails(swarm_id, decayed)`,
		`CREATE TABLE IF NOT EXISTS work_items (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			swarm_id TEXT,
			assignee TEXT,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			completed_at TEXT
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Helper functions

// formatTime converts a *time.Time to RFC3339 string or nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

// parseTime converts a nullable RFC3339 string back to *time.Time.
func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// parseTimeValue converts a nullable RFC3339 string to a time.Time value.
func parseTimeValue(s sql.NullString) time.Time {
	if t := parseTime(s); t != nil {
		return *t
	}
	return time.Time{}
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// marshalJSON marshals v to a TEXT column value, nil for empty values.
func marshalJSON(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(data), nil
}

// unmarshalJSON decodes a nullable TEXT column into dst. Empty columns
// leave dst untouched.
func unmarshalJSON(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		return fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	return nil
}

// createErr maps UNIQUE violations to ConflictError.
func createErr(resource, id string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return &errors.ConflictError{Resource: resource, Reason: "id already exists: " + id}
	}
	return &errors.StorageError{Op: "create " + resource, Cause: err}
}

// stampCreated defaults a zero createdAt to now.
func stampCreated(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
