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

// Package memory provides an in-memory store implementation. A single
// mutex serializes every multi-row operation, which trivially satisfies
// the contract's SERIALIZABLE requirements.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ store.WorkerStore       = (*Store)(nil)
	_ store.SpawnRequestStore = (*Store)(nil)
	_ store.BlackboardStore   = (*Store)(nil)
	_ store.MailStore         = (*Store)(nil)
	_ store.HandoffStore      = (*Store)(nil)
	_ store.CheckpointStore   = (*Store)(nil)
	_ store.WorkflowStore     = (*Store)(nil)
	_ store.ConsensusStore    = (*Store)(nil)
	_ store.PheromoneStore    = (*Store)(nil)
	_ store.WorkItemStore     = (*Store)(nil)
	_ store.Store             = (*Store)(nil)
)

// Store is an in-memory storage backend.
type Store struct {
	mu          sync.RWMutex
	workers     map[string]*store.Worker
	requests    map[string]*store.SpawnRequest
	messages    map[string]*store.BlackboardMessage
	mail        map[string]*store.MailMessage
	handoffs    map[string]*store.Handoff
	checkpoints map[string]*store.Checkpoint
	definitions map[string]*store.WorkflowDefinition
	executions  map[string]*store.WorkflowExecution
	steps       map[string]*store.WorkflowStep // keyed by executionID + "/" + stepKey
	stepOrder   []string
	triggers    map[string]*store.WorkflowTrigger
	proposals   map[string]*store.ConsensusProposal
	votes       map[string]*store.Vote // keyed by proposalID + "/" + voterHandle
	trails      map[string]*store.PheromoneTrail
	workItems   map[string]*store.WorkItem
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		workers:     make(map[string]*store.Worker),
		requests:    make(map[string]*store.SpawnRequest),
		messages:    make(map[string]*store.BlackboardMessage),
		mail:        make(map[string]*store.MailMessage),
		handoffs:    make(map[string]*store.Handoff),
		checkpoints: make(map[string]*store.Checkpoint),
		definitions: make(map[string]*store.WorkflowDefinition),
		executions:  make(map[string]*store.WorkflowExecution),
		steps:       make(map[string]*store.WorkflowStep),
		triggers:    make(map[string]*store.WorkflowTrigger),
		proposals:   make(map[string]*store.ConsensusProposal),
		votes:       make(map[string]*store.Vote),
		trails:      make(map[string]*store.PheromoneTrail),
		workItems:   make(map[string]*store.WorkItem),
	}
}

// Close implements io.Closer. No resources to release.
func (s *Store) Close() error {
	return nil
}

// --- workers ---

// CreateWorker inserts a new worker row.
func (s *Store) CreateWorker(ctx context.Context, w *store.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workers[w.ID]; exists {
		return &errors.ConflictError{Resource: "worker", Reason: "id already exists: " + w.ID}
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	cp := *w
	s.workers[w.ID] = &cp
	return nil
}

// GetWorker retrieves a worker by id.
func (s *Store) GetWorker(ctx context.Context, id string) (*store.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, exists := s.workers[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "worker", ID: id}
	}
	cp := *w
	return &cp, nil
}

// GetWorkerByHandle retrieves the non-dismissed worker with the given
// handle in a team.
func (s *Store) GetWorkerByHandle(ctx context.Context, teamName, handle string) (*store.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, w := range s.workers {
		if w.TeamName == teamName && w.Handle == handle && w.Status != store.WorkerDismissed {
			cp := *w
			return &cp, nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "worker", ID: handle}
}

// UpdateWorker replaces an existing worker row.
func (s *Store) UpdateWorker(ctx context.Context, w *store.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workers[w.ID]; !exists {
		return &errors.NotFoundError{Resource: "worker", ID: w.ID}
	}
	cp := *w
	s.workers[w.ID] = &cp
	return nil
}

// ListWorkers lists workers matching the filter, createdAt ascending.
func (s *Store) ListWorkers(ctx context.Context, filter store.WorkerFilter) ([]*store.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.Worker, 0)
	for _, w := range s.workers {
		if filter.Status != "" && w.Status != filter.Status {
			continue
		}
		if filter.SwarmID != "" && w.SwarmID != filter.SwarmID {
			continue
		}
		if filter.TeamName != "" && w.TeamName != filter.TeamName {
			continue
		}
		cp := *w
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// CountActive counts workers whose status is not dismissed.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, w := range s.workers {
		if w.Status != store.WorkerDismissed {
			count++
		}
	}
	return count, nil
}

// --- spawn requests ---

// CreateRequest inserts a new spawn request.
func (s *Store) CreateRequest(ctx context.Context, r *store.SpawnRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[r.ID]; exists {
		return &errors.ConflictError{Resource: "spawn request", Reason: "id already exists: " + r.ID}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	cp := *r
	cp.DependsOn = slices.Clone(r.DependsOn)
	s.requests[r.ID] = &cp
	return nil
}

// GetRequest retrieves a request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*store.SpawnRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.requests[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "spawn request", ID: id}
	}
	cp := *r
	cp.DependsOn = slices.Clone(r.DependsOn)
	return &cp, nil
}

// UpdateRequest replaces an existing request row.
func (s *Store) UpdateRequest(ctx context.Context, r *store.SpawnRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[r.ID]; !exists {
		return &errors.NotFoundError{Resource: "spawn request", ID: r.ID}
	}
	cp := *r
	cp.DependsOn = slices.Clone(r.DependsOn)
	s.requests[r.ID] = &cp
	return nil
}

// ListRequests lists requests with the given status, createdAt ascending.
func (s *Store) ListRequests(ctx context.Context, status store.SpawnStatus) ([]*store.SpawnRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.SpawnRequest, 0)
	for _, r := range s.requests {
		if status != "" && r.Status != status {
			continue
		}
		cp := *r
		cp.DependsOn = slices.Clone(r.DependsOn)
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// ListUnblocked returns pending requests with blockedByCount = 0 ordered
// by (priority desc, createdAt asc), up to limit.
func (s *Store) ListUnblocked(ctx context.Context, limit int) ([]*store.SpawnRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.SpawnRequest, 0)
	for _, r := range s.requests {
		if r.Status != store.SpawnPending || r.BlockedByCount > 0 {
			continue
		}
		cp := *r
		cp.DependsOn = slices.Clone(r.DependsOn)
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority.Rank() != result[j].Priority.Rank() {
			return result[i].Priority.Rank() > result[j].Priority.Rank()
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// DecrementDependents atomically decrements blockedByCount on every
// pending request that depends on the given request id.
func (s *Store) DecrementDependents(ctx context.Context, spawnedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.requests {
		if r.Status != store.SpawnPending {
			continue
		}
		if slices.Contains(r.DependsOn, spawnedID) && r.BlockedByCount > 0 {
			r.BlockedByCount--
		}
	}
	return nil
}

// --- blackboard ---

// CreateMessage appends a new immutable message.
func (s *Store) CreateMessage(ctx context.Context, m *store.BlackboardMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[m.ID]; exists {
		return &errors.ConflictError{Resource: "blackboard message", Reason: "id already exists: " + m.ID}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	cp := *m
	cp.ReadBy = slices.Clone(m.ReadBy)
	s.messages[m.ID] = &cp
	return nil
}

// ListMessages lists a swarm's messages matching the filter, createdAt
// ascending.
func (s *Store) ListMessages(ctx context.Context, swarmID string, filter store.BlackboardFilter) ([]*store.BlackboardMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	result := make([]*store.BlackboardMessage, 0)
	for _, m := range s.messages {
		if m.SwarmID != swarmID {
			continue
		}
		if !filter.IncludeArchived && m.ArchivedAt != nil {
			continue
		}
		if filter.MessageType != "" && m.MessageType != filter.MessageType {
			continue
		}
		if filter.Priority != "" && m.Priority != filter.Priority {
			continue
		}
		if !filter.Since.IsZero() && !m.CreatedAt.After(filter.Since) {
			continue
		}
		if filter.UnreadOnly && slices.Contains(m.ReadBy, filter.ReaderHandle) {
			continue
		}
		cp := *m
		cp.ReadBy = slices.Clone(m.ReadBy)
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// MarkMessagesRead inserts readerHandle into each message's readBy set
// if absent.
func (s *Store) MarkMessagesRead(ctx context.Context, ids []string, readerHandle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		m, exists := s.messages[id]
		if !exists {
			continue
		}
		if !slices.Contains(m.ReadBy, readerHandle) {
			m.ReadBy = append(m.ReadBy, readerHandle)
		}
	}
	return nil
}

// ArchiveMessages stamps archivedAt on the given messages.
func (s *Store) ArchiveMessages(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	archived := 0
	for _, id := range ids {
		m, exists := s.messages[id]
		if !exists || m.ArchivedAt != nil {
			continue
		}
		m.ArchivedAt = &now
		archived++
	}
	return archived, nil
}

// ArchiveOlder archives every message in the swarm created before cutoff.
func (s *Store) ArchiveOlder(ctx context.Context, swarmID string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	archived := 0
	for _, m := range s.messages {
		if m.SwarmID != swarmID || m.ArchivedAt != nil {
			continue
		}
		if m.CreatedAt.Before(cutoff) {
			m.ArchivedAt = &now
			archived++
		}
	}
	return archived, nil
}

// Stats summarizes the swarm's message log.
func (s *Store) Stats(ctx context.Context, swarmID string) (*store.BlackboardStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &store.BlackboardStats{SwarmID: swarmID, ByType: make(map[string]int)}
	readers := make(map[string]struct{})
	for _, m := range s.messages {
		if m.SwarmID != swarmID {
			continue
		}
		stats.TotalMessages++
		stats.ByType[m.MessageType]++
		if m.ArchivedAt != nil {
			stats.Archived++
		}
		for _, r := range m.ReadBy {
			readers[r] = struct{}{}
		}
	}
	stats.Readers = len(readers)
	return stats, nil
}

// --- mail ---

// CreateMail inserts a new mail message.
func (s *Store) CreateMail(ctx context.Context, m *store.MailMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.mail[m.ID]; exists {
		return &errors.ConflictError{Resource: "mail", Reason: "id already exists: " + m.ID}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	cp := *m
	s.mail[m.ID] = &cp
	return nil
}

// GetMail retrieves a message by id.
func (s *Store) GetMail(ctx context.Context, id string) (*store.MailMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, exists := s.mail[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "mail", ID: id}
	}
	cp := *m
	return &cp, nil
}

// ListUnread lists a handle's unread mail, createdAt ascending.
func (s *Store) ListUnread(ctx context.Context, handle string) ([]*store.MailMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.MailMessage, 0)
	for _, m := range s.mail {
		if m.ToHandle == handle && m.ReadAt == nil {
			cp := *m
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// MarkMailRead stamps readAt if unset.
func (s *Store) MarkMailRead(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, exists := s.mail[id]
	if !exists {
		return false, &errors.NotFoundError{Resource: "mail", ID: id}
	}
	if m.ReadAt != nil {
		return false, nil
	}
	now := time.Now()
	m.ReadAt = &now
	return true, nil
}

// --- handoffs ---

// CreateHandoff inserts a new pending handoff.
func (s *Store) CreateHandoff(ctx context.Context, h *store.Handoff) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.handoffs[h.ID]; exists {
		return &errors.ConflictError{Resource: "handoff", Reason: "id already exists: " + h.ID}
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	cp := *h
	s.handoffs[h.ID] = &cp
	return nil
}

// GetHandoff retrieves a handoff by id.
func (s *Store) GetHandoff(ctx context.Context, id string) (*store.Handoff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, exists := s.handoffs[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "handoff", ID: id}
	}
	cp := *h
	return &cp, nil
}

// ListPendingHandoffs lists pending handoffs addressed to a handle.
func (s *Store) ListPendingHandoffs(ctx context.Context, toHandle string) ([]*store.Handoff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.Handoff, 0)
	for _, h := range s.handoffs {
		if h.ToHandle == toHandle && h.Status == store.HandoffPending {
			cp := *h
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// ResolveHandoff transitions a pending handoff to accepted or rejected.
func (s *Store) ResolveHandoff(ctx context.Context, id string, status store.HandoffStatus, outcome string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, exists := s.handoffs[id]
	if !exists {
		return false, &errors.NotFoundError{Resource: "handoff", ID: id}
	}
	if h.Status != store.HandoffPending {
		return false, nil
	}
	h.Status = status
	h.Outcome = outcome
	if status == store.HandoffAccepted {
		now := time.Now()
		h.AcceptedAt = &now
	}
	return true, nil
}

// --- checkpoints ---

// CreateCheckpoint inserts a new checkpoint row.
func (s *Store) CreateCheckpoint(ctx context.Context, c *store.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.checkpoints[c.ID]; exists {
		return &errors.ConflictError{Resource: "checkpoint", Reason: "id already exists: " + c.ID}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := *c
	s.checkpoints[c.ID] = &cp
	return nil
}

// GetLatestCheckpoint returns the most recent checkpoint for a handle.
func (s *Store) GetLatestCheckpoint(ctx context.Context, workerHandle string) (*store.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *store.Checkpoint
	for _, c := range s.checkpoints {
		if c.WorkerHandle != workerHandle {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, &errors.NotFoundError{Resource: "checkpoint", ID: workerHandle}
	}
	cp := *latest
	return &cp, nil
}

// ListCheckpoints lists a handle's checkpoints, newest first.
func (s *Store) ListCheckpoints(ctx context.Context, workerHandle string, filter store.CheckpointFilter) ([]*store.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.Checkpoint, 0)
	for _, c := range s.checkpoints {
		if c.WorkerHandle == workerHandle {
			cp := *c
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// PruneCheckpoints deletes all but the keepN most recent rows for a handle.
func (s *Store) PruneCheckpoints(ctx context.Context, workerHandle string, keepN int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]*store.Checkpoint, 0)
	for _, c := range s.checkpoints {
		if c.WorkerHandle == workerHandle {
			rows = append(rows, c)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
	removed := 0
	for i, c := range rows {
		if i >= keepN {
			delete(s.checkpoints, c.ID)
			removed++
		}
	}
	return removed, nil
}

// --- workflow definitions ---

// CreateDefinition inserts a validated workflow definition.
func (s *Store) CreateDefinition(ctx context.Context, d *store.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.definitions[d.ID]; exists {
		return &errors.ConflictError{Resource: "workflow", Reason: "id already exists: " + d.ID}
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	cp := *d
	s.definitions[d.ID] = &cp
	return nil
}

// GetDefinition retrieves a definition by id.
func (s *Store) GetDefinition(ctx context.Context, id string) (*store.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, exists := s.definitions[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	cp := *d
	return &cp, nil
}

// ListDefinitions lists all definitions, createdAt ascending.
func (s *Store) ListDefinitions(ctx context.Context) ([]*store.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.WorkflowDefinition, 0, len(s.definitions))
	for _, d := range s.definitions {
		cp := *d
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// --- workflow executions ---

// CreateExecution inserts a new execution row.
func (s *Store) CreateExecution(ctx context.Context, e *store.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[e.ID]; exists {
		return &errors.ConflictError{Resource: "execution", Reason: "id already exists: " + e.ID}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	s.executions[e.ID] = &cp
	return nil
}

// GetExecution retrieves an execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*store.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.executions[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "execution", ID: id}
	}
	cp := *e
	return &cp, nil
}

// UpdateExecution replaces an existing execution row.
func (s *Store) UpdateExecution(ctx context.Context, e *store.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[e.ID]; !exists {
		return &errors.NotFoundError{Resource: "execution", ID: e.ID}
	}
	cp := *e
	s.executions[e.ID] = &cp
	return nil
}

// ListExecutions lists executions matching the filter, createdAt ascending.
func (s *Store) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.WorkflowExecution, 0)
	for _, e := range s.executions {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// --- workflow steps ---

func stepKey(executionID, key string) string {
	return executionID + "/" + key
}

// CreateSteps bulk-inserts the cloned step rows of an execution.
func (s *Store) CreateSteps(ctx context.Context, steps []*store.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range steps {
		k := stepKey(st.ExecutionID, st.StepKey)
		if _, exists := s.steps[k]; exists {
			return &errors.ConflictError{Resource: "step", Reason: "key already exists: " + k}
		}
		cp := *st
		cp.DependsOn = slices.Clone(st.DependsOn)
		s.steps[k] = &cp
		s.stepOrder = append(s.stepOrder, k)
	}
	return nil
}

// GetStep retrieves a step by execution id and step key.
func (s *Store) GetStep(ctx context.Context, executionID, key string) (*store.WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.steps[stepKey(executionID, key)]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "step", ID: key}
	}
	cp := *st
	cp.DependsOn = slices.Clone(st.DependsOn)
	return &cp, nil
}

// UpdateStep replaces an existing step row.
func (s *Store) UpdateStep(ctx context.Context, st *store.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := stepKey(st.ExecutionID, st.StepKey)
	if _, exists := s.steps[k]; !exists {
		return &errors.NotFoundError{Resource: "step", ID: st.StepKey}
	}
	cp := *st
	cp.DependsOn = slices.Clone(st.DependsOn)
	s.steps[k] = &cp
	return nil
}

// ListSteps lists an execution's steps in creation order.
func (s *Store) ListSteps(ctx context.Context, executionID string) ([]*store.WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.WorkflowStep, 0)
	for _, k := range s.stepOrder {
		st, exists := s.steps[k]
		if !exists || st.ExecutionID != executionID {
			continue
		}
		cp := *st
		cp.DependsOn = slices.Clone(st.DependsOn)
		result = append(result, &cp)
	}
	return result, nil
}

// GetReadySteps returns up to limit ready steps, atomically flipping
// them to running.
func (s *Store) GetReadySteps(ctx context.Context, executionID string, limit int) ([]*store.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := make([]*store.WorkflowStep, 0, limit)
	now := time.Now()
	for _, k := range s.stepOrder {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		st, exists := s.steps[k]
		if !exists || st.ExecutionID != executionID || st.Status != store.StepReady {
			continue
		}
		st.Status = store.StepRunning
		st.StartedAt = &now
		cp := *st
		cp.DependsOn = slices.Clone(st.DependsOn)
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

// DecrementStepDependents atomically decrements blockedByCount on every
// step of the execution that depends on completedKey, transitioning
// pending steps to ready when the count reaches zero.
func (s *Store) DecrementStepDependents(ctx context.Context, executionID, completedKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.steps {
		if st.ExecutionID != executionID {
			continue
		}
		if !slices.Contains(st.DependsOn, completedKey) {
			continue
		}
		if st.BlockedByCount > 0 {
			st.BlockedByCount--
		}
		if st.BlockedByCount == 0 && st.Status == store.StepPending {
			st.Status = store.StepReady
		}
	}
	return nil
}

// --- workflow triggers ---

// CreateTrigger inserts a workflow trigger.
func (s *Store) CreateTrigger(ctx context.Context, t *store.WorkflowTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.triggers[t.ID]; exists {
		return &errors.ConflictError{Resource: "trigger", Reason: "id already exists: " + t.ID}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	cp := *t
	s.triggers[t.ID] = &cp
	return nil
}

// GetTrigger retrieves a trigger by id.
func (s *Store) GetTrigger(ctx context.Context, id string) (*store.WorkflowTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.triggers[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "trigger", ID: id}
	}
	cp := *t
	return &cp, nil
}

// UpdateTrigger replaces an existing trigger row.
func (s *Store) UpdateTrigger(ctx context.Context, t *store.WorkflowTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.triggers[t.ID]; !exists {
		return &errors.NotFoundError{Resource: "trigger", ID: t.ID}
	}
	cp := *t
	s.triggers[t.ID] = &cp
	return nil
}

// ListEnabledTriggers lists enabled triggers, optionally filtered by type.
func (s *Store) ListEnabledTriggers(ctx context.Context, triggerType store.TriggerType) ([]*store.WorkflowTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.WorkflowTrigger, 0)
	for _, t := range s.triggers {
		if !t.IsEnabled {
			continue
		}
		if triggerType != "" && t.TriggerType != triggerType {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// --- consensus ---

// CreateProposal inserts a new proposal.
func (s *Store) CreateProposal(ctx context.Context, p *store.ConsensusProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.proposals[p.ID]; exists {
		return &errors.ConflictError{Resource: "proposal", Reason: "id already exists: " + p.ID}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	cp := *p
	cp.Options = slices.Clone(p.Options)
	s.proposals[p.ID] = &cp
	return nil
}

// GetProposal retrieves a proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (*store.ConsensusProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.proposals[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "proposal", ID: id}
	}
	cp := *p
	cp.Options = slices.Clone(p.Options)
	return &cp, nil
}

// UpsertVote inserts or replaces a voter's ballot on a proposal.
func (s *Store) UpsertVote(ctx context.Context, v *store.Vote) (*store.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.proposals[v.ProposalID]; !exists {
		return nil, &errors.NotFoundError{Resource: "proposal", ID: v.ProposalID}
	}
	k := v.ProposalID + "/" + v.VoterHandle
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	cp := *v
	if prev, exists := s.votes[k]; exists {
		cp.ID = prev.ID
		cp.CreatedAt = prev.CreatedAt
	}
	s.votes[k] = &cp
	out := cp
	return &out, nil
}

// ListVotes lists a proposal's votes, createdAt ascending.
func (s *Store) ListVotes(ctx context.Context, proposalID string) ([]*store.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.Vote, 0)
	for _, v := range s.votes {
		if v.ProposalID == proposalID {
			cp := *v
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// --- pheromones ---

// CreateTrail inserts a new trail.
func (s *Store) CreateTrail(ctx context.Context, t *store.PheromoneTrail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.trails[t.ID]; exists {
		return &errors.ConflictError{Resource: "pheromone trail", Reason: "id already exists: " + t.ID}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	cp := *t
	s.trails[t.ID] = &cp
	return nil
}

// ListTrails lists a swarm's non-decayed trails.
func (s *Store) ListTrails(ctx context.Context, swarmID string) ([]*store.PheromoneTrail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.PheromoneTrail, 0)
	for _, t := range s.trails {
		if t.SwarmID == swarmID && !t.Decayed {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// UpdateTrail replaces an existing trail row.
func (s *Store) UpdateTrail(ctx context.Context, t *store.PheromoneTrail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.trails[t.ID]; !exists {
		return &errors.NotFoundError{Resource: "pheromone trail", ID: t.ID}
	}
	cp := *t
	s.trails[t.ID] = &cp
	return nil
}

// MarkDecayed flags the given trails as decayed.
func (s *Store) MarkDecayed(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := 0
	for _, id := range ids {
		t, exists := s.trails[id]
		if !exists || t.Decayed {
			continue
		}
		t.Decayed = true
		updated++
	}
	return updated, nil
}

// --- work items ---

// CreateWorkItem inserts a new work item.
func (s *Store) CreateWorkItem(ctx context.Context, w *store.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workItems[w.ID]; exists {
		return &errors.ConflictError{Resource: "work item", Reason: "id already exists: " + w.ID}
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	cp := *w
	s.workItems[w.ID] = &cp
	return nil
}

// GetWorkItem retrieves a work item by id.
func (s *Store) GetWorkItem(ctx context.Context, id string) (*store.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, exists := s.workItems[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "work item", ID: id}
	}
	cp := *w
	return &cp, nil
}

// UpdateWorkItem replaces an existing work item row.
func (s *Store) UpdateWorkItem(ctx context.Context, w *store.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workItems[w.ID]; !exists {
		return &errors.NotFoundError{Resource: "work item", ID: w.ID}
	}
	cp := *w
	s.workItems[w.ID] = &cp
	return nil
}
