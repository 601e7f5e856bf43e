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

// Package store defines the persistence contract the coordinator core
// consumes: one interface per entity family plus the atomic multi-row
// operations the engines rely on for correctness.
//
// # Interface Hierarchy
//
// Backends implement the per-family interfaces and compose them into
// Store. Components accept only the family interfaces they need:
//
//   - WorkerStore: worker rows, active counts, handle lookups
//   - SpawnRequestStore: queue rows + DecrementDependents claim semantics
//   - BlackboardStore: swarm message log + grow-only read sets
//   - MailStore / HandoffStore: point-to-point messaging
//   - CheckpointStore: append-only continuation records
//   - WorkflowStore: definitions, executions, steps + GetReadySteps claims
//   - ConsensusStore / PheromoneStore / WorkItemStore: swarm-intel rows
//
// Atomicity requirements: DecrementDependents, DecrementStepDependents,
// GetReadySteps, UpsertVote, and MarkMessagesRead must behave as if
// executed under SERIALIZABLE isolation. Two concurrent completions must
// both observe consistent dependency counts, and concurrent processors
// must never claim the same ready step.
package store

import (
	"context"
	"io"
	"time"
)

// WorkerFilter selects workers in list queries. Zero values match all.
type WorkerFilter struct {
	Status   WorkerStatus
	SwarmID  string
	TeamName string
}

// WorkerStore persists worker rows.
type WorkerStore interface {
	// CreateWorker inserts a new worker row.
	CreateWorker(ctx context.Context, w *Worker) error

	// GetWorker retrieves a worker by id.
	GetWorker(ctx context.Context, id string) (*Worker, error)

	// GetWorkerByHandle retrieves the non-dismissed worker with the
	// given handle in a team, or a NotFoundError.
	GetWorkerByHandle(ctx context.Context, teamName, handle string) (*Worker, error)

	// UpdateWorker replaces an existing worker row.
	UpdateWorker(ctx context.Context, w *Worker) error

	// ListWorkers lists workers matching the filter, createdAt ascending.
	ListWorkers(ctx context.Context, filter WorkerFilter) ([]*Worker, error)

	// CountActive counts workers whose status is not dismissed.
	CountActive(ctx context.Context) (int, error)
}

// SpawnRequestStore persists the spawn queue.
type SpawnRequestStore interface {
	// CreateRequest inserts a new spawn request.
	CreateRequest(ctx context.Context, r *SpawnRequest) error

	// GetRequest retrieves a request by id.
	GetRequest(ctx context.Context, id string) (*SpawnRequest, error)

	// UpdateRequest replaces an existing request row.
	UpdateRequest(ctx context.Context, r *SpawnRequest) error

	// ListRequests lists requests with the given status, createdAt
	// ascending. An empty status lists everything.
	ListRequests(ctx context.Context, status SpawnStatus) ([]*SpawnRequest, error)

	// ListUnblocked returns pending requests with blockedByCount = 0
	// ordered by (priority desc, createdAt asc), up to limit.
	ListUnblocked(ctx context.Context, limit int) ([]*SpawnRequest, error)

	// DecrementDependents atomically decrements blockedByCount on every
	// pending request that depends on the given request id. Called when
	// that request reaches the spawned state.
	DecrementDependents(ctx context.Context, spawnedID string) error
}

// BlackboardFilter selects blackboard messages in read queries.
type BlackboardFilter struct {
	MessageType string
	Priority    Priority
	// UnreadOnly filters out messages already read by ReaderHandle.
	UnreadOnly   bool
	ReaderHandle string
	// Since bounds results to messages created strictly after it.
	Since time.Time
	// IncludeArchived includes archived messages; default excludes.
	IncludeArchived bool
	// Limit defaults to 50 and is capped at 1000.
	Limit int
}

// BlackboardStats summarizes a swarm's message log.
type BlackboardStats struct {
	SwarmID       string         `json:"swarm_id"`
	TotalMessages int            `json:"total_messages"`
	Archived      int            `json:"archived"`
	ByType        map[string]int `json:"by_type"`
	Readers       int            `json:"readers"`
}

// BlackboardStore persists the swarm-scoped message log.
type BlackboardStore interface {
	// CreateMessage appends a new immutable message.
	CreateMessage(ctx context.Context, m *BlackboardMessage) error

	// ListMessages lists a swarm's messages matching the filter,
	// createdAt ascending.
	ListMessages(ctx context.Context, swarmID string, filter BlackboardFilter) ([]*BlackboardMessage, error)

	// MarkMessagesRead inserts readerHandle into each message's readBy
	// set if absent. Idempotent; unknown ids are skipped.
	MarkMessagesRead(ctx context.Context, ids []string, readerHandle string) error

	// ArchiveMessages stamps archivedAt on the given messages. One-way;
	// already-archived messages are untouched.
	ArchiveMessages(ctx context.Context, ids []string) (int, error)

	// ArchiveOlder archives every message in the swarm created before
	// the cutoff. Returns the number archived.
	ArchiveOlder(ctx context.Context, swarmID string, cutoff time.Time) (int, error)

	// Stats summarizes the swarm's message log.
	Stats(ctx context.Context, swarmID string) (*BlackboardStats, error)
}

// MailStore persists point-to-point messages.
type MailStore interface {
	// CreateMail inserts a new mail message.
	CreateMail(ctx context.Context, m *MailMessage) error

	// GetMail retrieves a message by id.
	GetMail(ctx context.Context, id string) (*MailMessage, error)

	// ListUnread lists a handle's unread mail, createdAt ascending.
	ListUnread(ctx context.Context, handle string) ([]*MailMessage, error)

	// MarkMailRead stamps readAt if unset. Returns false when the
	// message was already read (no-op).
	MarkMailRead(ctx context.Context, id string) (bool, error)
}

// HandoffStore persists context transfers between workers.
type HandoffStore interface {
	// CreateHandoff inserts a new pending handoff.
	CreateHandoff(ctx context.Context, h *Handoff) error

	// GetHandoff retrieves a handoff by id.
	GetHandoff(ctx context.Context, id string) (*Handoff, error)

	// ListPendingHandoffs lists pending handoffs addressed to a handle,
	// createdAt ascending.
	ListPendingHandoffs(ctx context.Context, toHandle string) ([]*Handoff, error)

	// ResolveHandoff transitions a pending handoff to accepted or
	// rejected, stamping acceptedAt on acceptance. Returns false when
	// the handoff was already resolved.
	ResolveHandoff(ctx context.Context, id string, status HandoffStatus, outcome string) (bool, error)
}

// CheckpointFilter selects checkpoints in list queries.
type CheckpointFilter struct {
	Limit int
}

// CheckpointStore persists append-only continuation records.
type CheckpointStore interface {
	// CreateCheckpoint inserts a new checkpoint row.
	CreateCheckpoint(ctx context.Context, c *Checkpoint) error

	// GetLatestCheckpoint returns the most recent checkpoint for a
	// handle, or a NotFoundError when none exists.
	GetLatestCheckpoint(ctx context.Context, workerHandle string) (*Checkpoint, error)

	// ListCheckpoints lists a handle's checkpoints, newest first.
	ListCheckpoints(ctx context.Context, workerHandle string, filter CheckpointFilter) ([]*Checkpoint, error)

	// PruneCheckpoints deletes all but the keepN most recent rows for a
	// handle. Returns the number removed.
	PruneCheckpoints(ctx context.Context, workerHandle string, keepN int) (int, error)
}

// ExecutionFilter selects executions in list queries.
type ExecutionFilter struct {
	Status     ExecutionStatus
	WorkflowID string
	Limit      int
}

// WorkflowStore persists workflow definitions, executions, steps, and
// triggers.
type WorkflowStore interface {
	// CreateDefinition inserts a validated workflow definition.
	CreateDefinition(ctx context.Context, d *WorkflowDefinition) error

	// GetDefinition retrieves a definition by id.
	GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error)

	// ListDefinitions lists all definitions, createdAt ascending.
	ListDefinitions(ctx context.Context) ([]*WorkflowDefinition, error)

	// CreateExecution inserts a new execution row.
	CreateExecution(ctx context.Context, e *WorkflowExecution) error

	// GetExecution retrieves an execution by id.
	GetExecution(ctx context.Context, id string) (*WorkflowExecution, error)

	// UpdateExecution replaces an existing execution row.
	UpdateExecution(ctx context.Context, e *WorkflowExecution) error

	// ListExecutions lists executions matching the filter, createdAt
	// ascending.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*WorkflowExecution, error)

	// CreateSteps bulk-inserts the cloned step rows of an execution.
	CreateSteps(ctx context.Context, steps []*WorkflowStep) error

	// GetStep retrieves a step by execution id and step key.
	GetStep(ctx context.Context, executionID, stepKey string) (*WorkflowStep, error)

	// UpdateStep replaces an existing step row.
	UpdateStep(ctx context.Context, s *WorkflowStep) error

	// ListSteps lists an execution's steps in creation order.
	ListSteps(ctx context.Context, executionID string) ([]*WorkflowStep, error)

	// GetReadySteps returns up to limit steps with status ready,
	// atomically flipping them to running so concurrent processors
	// never double-execute a step.
	GetReadySteps(ctx context.Context, executionID string, limit int) ([]*WorkflowStep, error)

	// DecrementStepDependents atomically decrements blockedByCount on
	// every step of the execution whose dependsOn contains completedKey
	// and, when the count reaches zero on a pending step, transitions
	// it to ready.
	DecrementStepDependents(ctx context.Context, executionID, completedKey string) error

	// CreateTrigger inserts a workflow trigger.
	CreateTrigger(ctx context.Context, t *WorkflowTrigger) error

	// GetTrigger retrieves a trigger by id.
	GetTrigger(ctx context.Context, id string) (*WorkflowTrigger, error)

	// UpdateTrigger replaces an existing trigger row.
	UpdateTrigger(ctx context.Context, t *WorkflowTrigger) error

	// ListEnabledTriggers lists enabled triggers, optionally filtered
	// by type. An empty type lists all enabled triggers.
	ListEnabledTriggers(ctx context.Context, triggerType TriggerType) ([]*WorkflowTrigger, error)
}

// ConsensusStore persists proposals and votes.
type ConsensusStore interface {
	// CreateProposal inserts a new proposal.
	CreateProposal(ctx context.Context, p *ConsensusProposal) error

	// GetProposal retrieves a proposal by id.
	GetProposal(ctx context.Context, id string) (*ConsensusProposal, error)

	// UpsertVote inserts or replaces a voter's ballot on a proposal and
	// returns the post-state row. At most one vote per (proposal, voter).
	UpsertVote(ctx context.Context, v *Vote) (*Vote, error)

	// ListVotes lists a proposal's votes, createdAt ascending.
	ListVotes(ctx context.Context, proposalID string) ([]*Vote, error)
}

// PheromoneStore persists scent trails.
type PheromoneStore interface {
	// CreateTrail inserts a new trail.
	CreateTrail(ctx context.Context, t *PheromoneTrail) error

	// ListTrails lists a swarm's non-decayed trails.
	ListTrails(ctx context.Context, swarmID string) ([]*PheromoneTrail, error)

	// UpdateTrail replaces an existing trail row.
	UpdateTrail(ctx context.Context, t *PheromoneTrail) error

	// MarkDecayed flags the given trails as decayed. Returns the number
	// updated.
	MarkDecayed(ctx context.Context, ids []string) (int, error)
}

// WorkItemStore persists units of work produced by task steps.
type WorkItemStore interface {
	// CreateWorkItem inserts a new work item.
	CreateWorkItem(ctx context.Context, w *WorkItem) error

	// GetWorkItem retrieves a work item by id.
	GetWorkItem(ctx context.Context, id string) (*WorkItem, error)

	// UpdateWorkItem replaces an existing work item row.
	UpdateWorkItem(ctx context.Context, w *WorkItem) error
}

// Store composes every entity family plus io.Closer for lifecycle
// management. The memory and sqlite backends implement all of it.
type Store interface {
	WorkerStore
	SpawnRequestStore
	BlackboardStore
	MailStore
	HandoffStore
	CheckpointStore
	WorkflowStore
	ConsensusStore
	PheromoneStore
	WorkItemStore
	io.Closer
}
