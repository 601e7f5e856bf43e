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

// Package workflow executes dependency-ordered DAGs of typed steps.
// Definitions are static and validated; executions clone the
// definition's steps into per-instance rows whose blocked counters
// drive readiness. A periodic processing cycle claims ready steps,
// runs them, and cascades completions.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/fleet/internal/config"
	"github.com/tombee/fleet/internal/hub"
	"github.com/tombee/fleet/internal/log"
	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/internal/workflow/guard"
	"github.com/tombee/fleet/pkg/errors"
)

// SpawnEnqueuer hands a spawn step's request to the spawn queue and
// returns the request id. When nil, spawn steps complete with a
// pending marker instead.
type SpawnEnqueuer func(ctx context.Context, requester string, role store.WorkerRole, task, swarmID string, priority store.Priority) (string, error)

// Engine drives workflow executions.
type Engine struct {
	store  store.WorkflowStore
	items  store.WorkItemStore
	board  store.BlackboardStore
	hands  store.HandoffStore
	events hub.Publisher
	logger *slog.Logger

	enqueueSpawn SpawnEnqueuer

	// isProcessing makes the cycle non-reentrant; a tick that arrives
	// mid-cycle is dropped.
	isProcessing atomic.Bool

	kick chan struct{}
}

// New creates a workflow engine.
func New(st store.WorkflowStore, items store.WorkItemStore, board store.BlackboardStore, hands store.HandoffStore, events hub.Publisher, logger *slog.Logger) *Engine {
	return &Engine{
		store:  st,
		items:  items,
		board:  board,
		hands:  hands,
		events: events,
		logger: log.WithComponent(logger, "workflow"),
		kick:   make(chan struct{}, 1),
	}
}

// SetSpawnEnqueuer wires spawn steps to the spawn queue. Must be
// called before Run.
func (e *Engine) SetSpawnEnqueuer(fn SpawnEnqueuer) {
	e.enqueueSpawn = fn
}

// StartWorkflow validates inputs against the definition, clones its
// steps into execution rows, and begins the run.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID string, inputs map[string]any, createdBy, swarmID string) (*store.WorkflowExecution, error) {
	def, err := e.store.GetDefinition(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	merged, err := mergeInputs(def.Definition.Inputs, inputs)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	exec := &store.WorkflowExecution{
		ID:         uuid.New().String(),
		WorkflowID: def.ID,
		SwarmID:    swarmID,
		CreatedBy:  createdBy,
		Status:     store.ExecutionRunning,
		Context:    merged,
		StartedAt:  &now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	steps := make([]*store.WorkflowStep, 0, len(def.Definition.Steps))
	for _, sd := range def.Definition.Steps {
		onFailure := sd.OnFailure
		if onFailure == "" {
			onFailure = store.FailureFail
		}
		status := store.StepPending
		if len(sd.DependsOn) == 0 {
			status = store.StepReady
		}
		steps = append(steps, &store.WorkflowStep{
			ID:             uuid.New().String(),
			ExecutionID:    exec.ID,
			StepKey:        sd.Key,
			StepType:       sd.Type,
			Status:         status,
			Config:         sd.Config,
			Guard:          sd.Guard,
			DependsOn:      sd.DependsOn,
			BlockedByCount: len(sd.DependsOn),
			OnFailure:      onFailure,
			MaxRetries:     sd.MaxRetries,
			TimeoutMs:      sd.TimeoutMs,
		})
	}
	if err := e.store.CreateSteps(ctx, steps); err != nil {
		return nil, err
	}

	e.logger.Info("workflow execution started",
		log.ExecutionIDKey, exec.ID, "workflow_id", def.ID, "steps", len(steps))
	e.events.Publish(hub.Event{Type: hub.EventWorkflowStarted, Payload: exec})
	e.Kick()
	return exec, nil
}

// mergeInputs fills declared defaults and rejects missing required
// inputs. Undeclared inputs pass through untouched.
func mergeInputs(decls map[string]store.InputDefinition, inputs map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(inputs)+len(decls))
	for k, v := range inputs {
		merged[k] = v
	}
	for name, decl := range decls {
		if _, ok := merged[name]; ok {
			continue
		}
		if decl.Default != nil {
			merged[name] = decl.Default
			continue
		}
		if decl.Required {
			return nil, &errors.ValidationError{
				Field:   name,
				Message: "required workflow input is missing",
			}
		}
	}
	return merged, nil
}

// Pause stops a running execution from claiming new steps. In-flight
// steps finish normally.
func (e *Engine) Pause(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != store.ExecutionRunning {
		return &errors.ConflictError{
			Resource: "execution",
			Reason:   fmt.Sprintf("execution is %s, only running executions can be paused", exec.Status),
		}
	}
	exec.Status = store.ExecutionPaused
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	e.logger.Info("execution paused", log.ExecutionIDKey, executionID)
	return nil
}

// Resume returns a paused execution to running.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != store.ExecutionPaused {
		return &errors.ConflictError{
			Resource: "execution",
			Reason:   fmt.Sprintf("execution is %s, only paused executions can be resumed", exec.Status),
		}
	}
	exec.Status = store.ExecutionRunning
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	e.logger.Info("execution resumed", log.ExecutionIDKey, executionID)
	e.Kick()
	return nil
}

// Cancel terminates an execution immediately. Results from steps still
// in flight are discarded when they land.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	switch exec.Status {
	case store.ExecutionCompleted, store.ExecutionFailed, store.ExecutionCancelled:
		return &errors.ConflictError{
			Resource: "execution",
			Reason:   fmt.Sprintf("execution is already %s", exec.Status),
		}
	}

	now := time.Now()
	exec.Status = store.ExecutionCancelled
	exec.CompletedAt = &now
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	e.logger.Info("execution cancelled", log.ExecutionIDKey, executionID)
	e.events.Publish(hub.Event{Type: hub.EventWorkflowCancelled, Payload: exec})
	return nil
}

// Kick requests an immediate processing cycle.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run drives the processing cycle every ProcessInterval, plus trigger
// polling, until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(config.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollTriggers(ctx)
			e.ProcessCycle(ctx)
		case <-e.kick:
			e.ProcessCycle(ctx)
		}
	}
}

// ProcessCycle claims and executes ready steps across all running
// executions, then evaluates completion. Re-entrant calls are dropped.
func (e *Engine) ProcessCycle(ctx context.Context) {
	if !e.isProcessing.CompareAndSwap(false, true) {
		return
	}
	defer e.isProcessing.Store(false)

	execs, err := e.store.ListExecutions(ctx, store.ExecutionFilter{Status: store.ExecutionRunning})
	if err != nil {
		e.logger.Warn("failed to list running executions", log.Error(err))
		return
	}

	for _, exec := range execs {
		e.processExecution(ctx, exec)
	}
}

// processExecution runs one execution's ready steps concurrently and
// then checks whether the execution has finished.
func (e *Engine) processExecution(ctx context.Context, exec *store.WorkflowExecution) {
	steps, err := e.store.GetReadySteps(ctx, exec.ID, config.MaxConcurrentSteps)
	if err != nil {
		e.logger.Warn("failed to claim ready steps", log.Error(err), log.ExecutionIDKey, exec.ID)
		return
	}

	var wg sync.WaitGroup
	for _, step := range steps {
		wg.Add(1)
		go func(s *store.WorkflowStep) {
			defer wg.Done()
			e.runStep(ctx, exec, s)
		}(step)
	}
	wg.Wait()

	e.checkCompletion(ctx, exec.ID)
}

// checkCompletion finishes an execution once no steps can make further
// progress: completed when every unresolved failure was absorbed by
// its policy, failed otherwise.
func (e *Engine) checkCompletion(ctx context.Context, executionID string) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil || exec.Status != store.ExecutionRunning {
		return
	}

	steps, err := e.store.ListSteps(ctx, executionID)
	if err != nil {
		e.logger.Warn("failed to list steps", log.Error(err), log.ExecutionIDKey, executionID)
		return
	}

	anyFailed := false
	for _, s := range steps {
		switch s.Status {
		case store.StepPending, store.StepReady, store.StepRunning:
			// Pending steps whose dependencies can never complete are
			// stuck; they only matter once nothing is in flight, which
			// is what the failed check below catches.
			if s.Status == store.StepRunning || s.Status == store.StepReady {
				return
			}
			if !isStuck(s, steps) {
				return
			}
		case store.StepFailed:
			// Failures absorbed by a continue policy do not fail the
			// execution; only unabsorbed ones do.
			if s.OnFailure != store.FailureContinue {
				anyFailed = true
			}
		}
	}

	now := time.Now()
	if anyFailed {
		exec.Status = store.ExecutionFailed
		exec.CompletedAt = &now
		if err := e.store.UpdateExecution(ctx, exec); err != nil {
			e.logger.Warn("failed to finish execution", log.Error(err), log.ExecutionIDKey, executionID)
			return
		}
		e.logger.Warn("execution failed", log.ExecutionIDKey, executionID)
		e.events.Publish(hub.Event{Type: hub.EventWorkflowFailed, Payload: exec})
		return
	}

	exec.Status = store.ExecutionCompleted
	exec.CompletedAt = &now
	exec.Context = e.resolveOutputs(ctx, exec, steps)
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		e.logger.Warn("failed to finish execution", log.Error(err), log.ExecutionIDKey, executionID)
		return
	}
	e.logger.Info("execution completed", log.ExecutionIDKey, executionID)
	e.events.Publish(hub.Event{Type: hub.EventWorkflowCompleted, Payload: exec})
}

// isStuck reports whether a pending step can never become ready
// because some dependency is failed (and unabsorbed).
func isStuck(step *store.WorkflowStep, all []*store.WorkflowStep) bool {
	byKey := make(map[string]*store.WorkflowStep, len(all))
	for _, s := range all {
		byKey[s.StepKey] = s
	}
	for _, dep := range step.DependsOn {
		if d, ok := byKey[dep]; ok && d.Status == store.StepFailed {
			return true
		}
	}
	return false
}

// resolveOutputs maps the definition's declared outputs through the
// execution's context bag. The resolved values are merged into the
// execution context under "outputs".
func (e *Engine) resolveOutputs(ctx context.Context, exec *store.WorkflowExecution, steps []*store.WorkflowStep) map[string]any {
	merged := exec.Context
	if merged == nil {
		merged = map[string]any{}
	}

	def, err := e.store.GetDefinition(ctx, exec.WorkflowID)
	if err != nil || len(def.Definition.Outputs) == 0 {
		return merged
	}

	bag := contextBag(exec, steps, nil)
	outputs := make(map[string]any, len(def.Definition.Outputs))
	for name, path := range def.Definition.Outputs {
		if val, ok := guard.Resolve(path, bag); ok {
			outputs[name] = val
		}
	}
	merged["outputs"] = outputs
	return merged
}

// contextBag builds the dotted-path namespace steps and guards resolve
// against: workflow inputs under execution.context, every completed
// step's output under steps.<key>.output, and the current step header.
func contextBag(exec *store.WorkflowExecution, steps []*store.WorkflowStep, current *store.WorkflowStep) map[string]any {
	stepOutputs := make(map[string]any, len(steps))
	for _, s := range steps {
		entry := map[string]any{
			"status": string(s.Status),
		}
		if s.Output != nil {
			entry["output"] = s.Output
		}
		stepOutputs[s.StepKey] = entry
	}

	bag := map[string]any{
		"execution": map[string]any{
			"id":      exec.ID,
			"swarmId": exec.SwarmID,
			"context": exec.Context,
		},
		"steps": stepOutputs,
	}
	if current != nil {
		bag["currentStep"] = map[string]any{
			"key":        current.StepKey,
			"type":       string(current.StepType),
			"retryCount": current.RetryCount,
		}
	}
	return bag
}
