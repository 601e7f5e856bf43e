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

package store

import "time"

// WorkerRole identifies what a worker does within its team.
type WorkerRole string

// Worker roles.
const (
	RoleCoordinator WorkerRole = "coordinator"
	RoleWorker      WorkerRole = "worker"
	RoleMonitor     WorkerRole = "monitor"
	RoleNotifier    WorkerRole = "notifier"
	RoleMerger      WorkerRole = "merger"
)

// WorkerStatus is the persisted lifecycle status of a worker.
type WorkerStatus string

// Worker lifecycle statuses. Dismissed is terminal.
const (
	WorkerPending   WorkerStatus = "pending"
	WorkerReady     WorkerStatus = "ready"
	WorkerBusy      WorkerStatus = "busy"
	WorkerError     WorkerStatus = "error"
	WorkerDismissed WorkerStatus = "dismissed"
)

// Worker is a managed subprocess.
type Worker struct {
	ID             string       `json:"id"`
	Handle         string       `json:"handle"`
	TeamName       string       `json:"team_name"`
	Role           WorkerRole   `json:"role"`
	Status         WorkerStatus `json:"status"`
	SwarmID        string       `json:"swarm_id,omitempty"`
	DepthLevel     int          `json:"depth_level"`
	SessionID      string       `json:"session_id,omitempty"`
	RestartCount   int          `json:"restart_count"`
	LastHeartbeat  *time.Time   `json:"last_heartbeat,omitempty"`
	InitialPrompt  string       `json:"initial_prompt,omitempty"`
	WorktreePath   string       `json:"worktree_path,omitempty"`
	WorktreeBranch string       `json:"worktree_branch,omitempty"`
	PID            int          `json:"pid,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	DismissedAt    *time.Time   `json:"dismissed_at,omitempty"`
}

// Priority orders spawn requests and messages.
type Priority string

// Priorities, lowest to highest.
const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the numeric ordering of a priority; unknown values rank
// as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// SpawnStatus is the lifecycle status of a spawn request.
type SpawnStatus string

// Spawn request statuses. Rejected and spawned are terminal.
const (
	SpawnPending  SpawnStatus = "pending"
	SpawnApproved SpawnStatus = "approved"
	SpawnRejected SpawnStatus = "rejected"
	SpawnSpawned  SpawnStatus = "spawned"
)

// SpawnPayload carries the work a queued spawn will receive.
type SpawnPayload struct {
	Task       string `json:"task"`
	Context    string `json:"context,omitempty"`
	Checkpoint string `json:"checkpoint,omitempty"`
}

// SpawnRequest is a queued intent to spawn a worker, subject to
// admission control and DAG dependencies.
type SpawnRequest struct {
	ID              string       `json:"id"`
	RequesterHandle string       `json:"requester_handle"`
	TargetAgentType WorkerRole   `json:"target_agent_type"`
	DepthLevel      int          `json:"depth_level"`
	SwarmID         string       `json:"swarm_id,omitempty"`
	Priority        Priority     `json:"priority"`
	Status          SpawnStatus  `json:"status"`
	Payload         SpawnPayload `json:"payload"`
	DependsOn       []string     `json:"depends_on,omitempty"`
	BlockedByCount  int          `json:"blocked_by_count"`
	ProcessedAt     *time.Time   `json:"processed_at,omitempty"`
	SpawnedWorkerID string       `json:"spawned_worker_id,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// BlackboardMessage is a swarm-scoped typed message. Payload is
// immutable; ReadBy is a grow-only set; archival is one-way.
type BlackboardMessage struct {
	ID           string         `json:"id"`
	SwarmID      string         `json:"swarm_id"`
	SenderHandle string         `json:"sender_handle"`
	MessageType  string         `json:"message_type"`
	TargetHandle string         `json:"target_handle,omitempty"`
	Priority     Priority       `json:"priority"`
	Payload      map[string]any `json:"payload,omitempty"`
	ReadBy       []string       `json:"read_by,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ArchivedAt   *time.Time     `json:"archived_at,omitempty"`
}

// MailMessage is a point-to-point message between handles. Immutable
// except ReadAt, which is set at most once.
type MailMessage struct {
	ID         string     `json:"id"`
	FromHandle string     `json:"from_handle"`
	ToHandle   string     `json:"to_handle"`
	Subject    string     `json:"subject,omitempty"`
	Body       string     `json:"body"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// HandoffStatus is the three-state lifecycle of a handoff.
type HandoffStatus string

// Handoff statuses. Acceptance and rejection are one-way.
const (
	HandoffPending  HandoffStatus = "pending"
	HandoffAccepted HandoffStatus = "accepted"
	HandoffRejected HandoffStatus = "rejected"
)

// Handoff is a structured context transfer between workers.
type Handoff struct {
	ID         string         `json:"id"`
	FromHandle string         `json:"from_handle"`
	ToHandle   string         `json:"to_handle"`
	Context    map[string]any `json:"context,omitempty"`
	Checkpoint string         `json:"checkpoint,omitempty"`
	Status     HandoffStatus  `json:"status"`
	Outcome    string         `json:"outcome,omitempty"`
	AcceptedAt *time.Time     `json:"accepted_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Checkpoint is an append-only session continuation record.
type Checkpoint struct {
	ID              string    `json:"id"`
	WorkerHandle    string    `json:"worker_handle"`
	Goal            string    `json:"goal"`
	Now             string    `json:"now"`
	Test            string    `json:"test,omitempty"`
	DoneThisSession []string  `json:"done_this_session,omitempty"`
	Blockers        []string  `json:"blockers,omitempty"`
	Questions       []string  `json:"questions,omitempty"`
	Next            []string  `json:"next,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// StepType identifies how a workflow step executes.
type StepType string

// Workflow step types.
const (
	StepTask       StepType = "task"
	StepSpawn      StepType = "spawn"
	StepCheckpoint StepType = "checkpoint"
	StepGate       StepType = "gate"
	StepParallel   StepType = "parallel"
	StepScript     StepType = "script"
)

// FailurePolicy controls what happens when a step fails.
type FailurePolicy string

// Failure policies.
const (
	FailureFail     FailurePolicy = "fail"
	FailureSkip     FailurePolicy = "skip"
	FailureRetry    FailurePolicy = "retry"
	FailureContinue FailurePolicy = "continue"
)

// StepDefinition is one step of a workflow definition.
type StepDefinition struct {
	Key        string         `json:"key" yaml:"key"`
	Type       StepType       `json:"type" yaml:"type"`
	DependsOn  []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Config     map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Guard      string         `json:"guard,omitempty" yaml:"guard,omitempty"`
	OnFailure  FailurePolicy  `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	TimeoutMs  int64          `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Priority   int            `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// InputDefinition declares a workflow input with an optional default.
type InputDefinition struct {
	Required bool `json:"required,omitempty" yaml:"required,omitempty"`
	Default  any  `json:"default,omitempty" yaml:"default,omitempty"`
}

// GraphDefinition is the static body of a workflow.
type GraphDefinition struct {
	Steps   []StepDefinition           `json:"steps" yaml:"steps"`
	Inputs  map[string]InputDefinition `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs map[string]string          `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// WorkflowDefinition is a static, validated DAG of typed steps.
type WorkflowDefinition struct {
	ID         string          `json:"id"`
	Name       string          `json:"name" yaml:"name"`
	Version    int             `json:"version" yaml:"version"`
	Definition GraphDefinition `json:"definition" yaml:"definition"`
	IsTemplate bool            `json:"is_template" yaml:"is_template"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ExecutionStatus is the lifecycle status of a workflow execution.
type ExecutionStatus string

// Execution statuses. Completed, failed, and cancelled are terminal.
const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// WorkflowExecution is a runtime instance of a workflow definition.
type WorkflowExecution struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	SwarmID     string          `json:"swarm_id,omitempty"`
	CreatedBy   string          `json:"created_by,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Context     map[string]any  `json:"context,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// StepStatus is the lifecycle status of an execution step.
type StepStatus string

// Step statuses. Completed, failed, and skipped are terminal; blocked
// is the derived state of a pending step with blockedByCount > 0.
const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether a step status admits no further transitions
// other than a retry of a failed step.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// Satisfies reports whether a dependency in this status unblocks its
// dependents.
func (s StepStatus) Satisfies() bool {
	return s == StepCompleted || s == StepSkipped
}

// WorkflowStep is one step of a workflow execution instance.
type WorkflowStep struct {
	ID             string         `json:"id"`
	ExecutionID    string         `json:"execution_id"`
	StepKey        string         `json:"step_key"`
	StepType       StepType       `json:"step_type"`
	Status         StepStatus     `json:"status"`
	Config         map[string]any `json:"config,omitempty"`
	Guard          string         `json:"guard,omitempty"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	BlockedByCount int            `json:"blocked_by_count"`
	OnFailure      FailurePolicy  `json:"on_failure"`
	Output         map[string]any `json:"output,omitempty"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	TimeoutMs      int64          `json:"timeout_ms,omitempty"`
	Error          string         `json:"error,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// TriggerType identifies what fires a workflow trigger.
type TriggerType string

// Trigger types.
const (
	TriggerEvent      TriggerType = "event"
	TriggerSchedule   TriggerType = "schedule"
	TriggerWebhook    TriggerType = "webhook"
	TriggerBlackboard TriggerType = "blackboard"
)

// WorkflowTrigger starts a workflow in response to an external signal.
type WorkflowTrigger struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	TriggerType TriggerType    `json:"trigger_type"`
	Config      map[string]any `json:"config,omitempty"`
	IsEnabled   bool           `json:"is_enabled"`
	LastFiredAt *time.Time     `json:"last_fired_at,omitempty"`
	FireCount   int64          `json:"fire_count"`
	CreatedAt   time.Time      `json:"created_at"`
}

// VotingMethod selects how proposal votes are tallied.
type VotingMethod string

// Voting methods.
const (
	VoteMajority      VotingMethod = "majority"
	VoteSupermajority VotingMethod = "supermajority"
	VoteUnanimous     VotingMethod = "unanimous"
	VoteRanked        VotingMethod = "ranked"
	VoteWeighted      VotingMethod = "weighted"
)

// QuorumType selects how participation is measured.
type QuorumType string

// Quorum types.
const (
	QuorumNone       QuorumType = "none"
	QuorumAbsolute   QuorumType = "absolute"
	QuorumPercentage QuorumType = "percentage"
)

// ConsensusProposal is a swarm decision put to a vote.
type ConsensusProposal struct {
	ID           string       `json:"id"`
	SwarmID      string       `json:"swarm_id"`
	ProposerID   string       `json:"proposer_id"`
	Question     string       `json:"question"`
	Options      []string     `json:"options"`
	VotingMethod VotingMethod `json:"voting_method"`
	QuorumType   QuorumType   `json:"quorum_type"`
	QuorumValue  float64      `json:"quorum_value"`
	Status       string       `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Vote is a single ballot on a proposal. For ranked voting, VoteValue
// is a JSON list of option names, best first.
type Vote struct {
	ID          string    `json:"id"`
	ProposalID  string    `json:"proposal_id"`
	VoterHandle string    `json:"voter_handle"`
	VoteValue   string    `json:"vote_value"`
	VoteWeight  float64   `json:"vote_weight"`
	CreatedAt   time.Time `json:"created_at"`
}

// PheromoneTrail is a decaying scent marker on a (handle, task type)
// pair used for ACO-style task routing.
type PheromoneTrail struct {
	ID        string    `json:"id"`
	SwarmID   string    `json:"swarm_id"`
	Handle    string    `json:"handle"`
	TaskType  string    `json:"task_type"`
	Intensity float64   `json:"intensity"`
	Decayed   bool      `json:"decayed"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkItem is a unit of work produced by task steps.
type WorkItem struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	SwarmID     string     `json:"swarm_id,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
