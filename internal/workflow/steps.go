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

package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/fleet/internal/hub"
	"github.com/tombee/fleet/internal/log"
	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/internal/workflow/guard"
)

// errStepTimeout is the recorded error string for timed-out steps.
const errStepTimeout = "timeout"

// runStep executes one claimed step end to end: guard, executor,
// failure policy, and dependent cascade.
func (e *Engine) runStep(ctx context.Context, exec *store.WorkflowExecution, step *store.WorkflowStep) {
	logger := e.logger.With(log.ExecutionIDKey, exec.ID, log.StepKeyKey, step.StepKey)

	all, err := e.store.ListSteps(ctx, exec.ID)
	if err != nil {
		logger.Warn("failed to list steps for context", log.Error(err))
		e.failStep(ctx, exec, step, err.Error())
		return
	}
	bag := contextBag(exec, all, step)

	// A false guard skips the step without running it.
	if step.Guard != "" && !guard.Eval(step.Guard, bag) {
		logger.Debug("guard evaluated false, skipping step")
		e.skipStep(ctx, exec, step)
		return
	}

	e.events.Publish(hub.Event{
		Type:    hub.EventStepStarted,
		Payload: map[string]any{"execution_id": exec.ID, "step_key": step.StepKey},
	})

	runCtx := ctx
	if step.TimeoutMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	output, err := e.executeStep(runCtx, exec, step, bag)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			e.handleFailure(ctx, exec, step, errStepTimeout)
			return
		}
		e.handleFailure(ctx, exec, step, err.Error())
		return
	}

	e.completeStep(ctx, exec, step, output)
}

// executeStep dispatches on step type.
func (e *Engine) executeStep(ctx context.Context, exec *store.WorkflowExecution, step *store.WorkflowStep, bag map[string]any) (map[string]any, error) {
	switch step.StepType {
	case store.StepTask:
		return e.execTask(ctx, exec, step, bag)
	case store.StepSpawn:
		return e.execSpawn(ctx, exec, step, bag)
	case store.StepCheckpoint:
		return e.execCheckpoint(ctx, exec, step, bag)
	case store.StepGate:
		return e.execGate(ctx, exec, step, bag)
	case store.StepScript:
		return e.execScript(step, bag)
	case store.StepParallel:
		// A pure join point; dependencies did the work.
		return map[string]any{}, nil
	default:
		return nil, fmt.Errorf("unknown step type %q", step.StepType)
	}
}

// execTask materializes a work item from the step config, with
// {{path}} placeholders substituted from the context bag.
func (e *Engine) execTask(ctx context.Context, exec *store.WorkflowExecution, step *store.WorkflowStep, bag map[string]any) (map[string]any, error) {
	title := guard.Substitute(configString(step.Config, "title"), bag)
	if title == "" {
		title = step.StepKey
	}
	description := guard.Substitute(configString(step.Config, "description"), bag)

	item := &store.WorkItem{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		SwarmID:     exec.SwarmID,
		Assignee:    configString(step.Config, "assignee"),
		Status:      "open",
	}
	if err := e.items.CreateWorkItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to create work item: %w", err)
	}

	e.events.Publish(hub.Event{Type: hub.EventTaskAssigned, Payload: item})
	return map[string]any{"workItemId": item.ID, "title": item.Title}, nil
}

// execSpawn requests a worker via the spawn queue when wired, or
// completes with a pending marker for an external drainer.
func (e *Engine) execSpawn(ctx context.Context, exec *store.WorkflowExecution, step *store.WorkflowStep, bag map[string]any) (map[string]any, error) {
	role := store.WorkerRole(configString(step.Config, "agentRole"))
	if role == "" {
		role = store.RoleWorker
	}
	task := guard.Substitute(configString(step.Config, "task"), bag)

	if e.enqueueSpawn == nil {
		return map[string]any{
			"agentRole": string(role),
			"task":      task,
			"swarmId":   exec.SwarmID,
			"pending":   true,
		}, nil
	}

	priority := store.Priority(configString(step.Config, "priority"))
	if priority == "" {
		priority = store.PriorityNormal
	}
	requestID, err := e.enqueueSpawn(ctx, "workflow:"+exec.ID, role, task, exec.SwarmID, priority)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue spawn: %w", err)
	}
	return map[string]any{
		"agentRole": string(role),
		"task":      task,
		"swarmId":   exec.SwarmID,
		"requestId": requestID,
	}, nil
}

// execCheckpoint records a handoff for the target handle. With
// waitForAcceptance the step polls until the handoff is resolved or
// the step context expires.
func (e *Engine) execCheckpoint(ctx context.Context, exec *store.WorkflowExecution, step *store.WorkflowStep, bag map[string]any) (map[string]any, error) {
	toHandle := configString(step.Config, "toHandle")
	if toHandle == "" {
		return nil, fmt.Errorf("checkpoint step requires toHandle")
	}

	h := &store.Handoff{
		ID:         uuid.New().String(),
		FromHandle: "workflow:" + exec.ID,
		ToHandle:   toHandle,
		Context: map[string]any{
			"executionId": exec.ID,
			"stepKey":     step.StepKey,
		},
		Checkpoint: guard.Substitute(configString(step.Config, "summary"), bag),
		Status:     store.HandoffPending,
	}
	if err := e.hands.CreateHandoff(ctx, h); err != nil {
		return nil, fmt.Errorf("failed to create handoff: %w", err)
	}

	if !configBool(step.Config, "waitForAcceptance") {
		return map[string]any{"handoffId": h.ID, "toHandle": toHandle}, nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			got, err := e.hands.GetHandoff(ctx, h.ID)
			if err != nil {
				return nil, err
			}
			switch got.Status {
			case store.HandoffAccepted:
				return map[string]any{"handoffId": h.ID, "toHandle": toHandle, "accepted": true}, nil
			case store.HandoffRejected:
				return nil, fmt.Errorf("handoff rejected by %s", toHandle)
			}
		}
	}
}

// execGate evaluates the condition and skips the losing branch's
// steps. A true condition skips the onFalse steps and vice versa.
func (e *Engine) execGate(ctx context.Context, exec *store.WorkflowExecution, step *store.WorkflowStep, bag map[string]any) (map[string]any, error) {
	condition := configString(step.Config, "condition")
	result := guard.Eval(condition, bag)

	losing := configStrings(step.Config, "onTrue")
	if result {
		losing = configStrings(step.Config, "onFalse")
	}

	for _, key := range losing {
		target, err := e.store.GetStep(ctx, exec.ID, key)
		if err != nil {
			continue
		}
		// Only unclaimed steps are skippable; a step already ready or
		// running keeps going. Blocked steps are pending rows with
		// blockedByCount > 0, so pending covers them.
		if target.Status != store.StepPending {
			continue
		}
		e.skipStep(ctx, exec, target)
	}
	return map[string]any{"conditionResult": result}, nil
}

// execScript evaluates a restricted expression against the context
// bag: a guard comparison yields a bool, a bare dotted path yields the
// resolved value, anything else is template-substituted to a string.
func (e *Engine) execScript(step *store.WorkflowStep, bag map[string]any) (map[string]any, error) {
	script := configString(step.Config, "script")
	if script == "" {
		script = configString(step.Config, "expression")
	}

	var value any
	if _, ok := guard.Parse(script); ok {
		value = guard.Eval(script, bag)
	} else if resolved, found := guard.Resolve(script, bag); found {
		value = resolved
	} else {
		value = guard.Substitute(script, bag)
	}

	if key := configString(step.Config, "outputKey"); key != "" {
		return map[string]any{key: value}, nil
	}
	return map[string]any{"result": value}, nil
}

// completeStep records success and cascades to dependents. Results for
// executions that are no longer running are discarded.
func (e *Engine) completeStep(ctx context.Context, exec *store.WorkflowExecution, step *store.WorkflowStep, output map[string]any) {
	if !e.executionStillRunning(ctx, exec.ID) {
		return
	}

	now := time.Now()
	step.Status = store.StepCompleted
	step.Output = output
	step.Error = ""
	step.CompletedAt = &now
	if err := e.store.UpdateStep(ctx, step); err != nil {
		e.logger.Warn("failed to record step completion", log.Error(err), log.StepKeyKey, step.StepKey)
		return
	}
	if err := e.store.DecrementStepDependents(ctx, exec.ID, step.StepKey); err != nil {
		e.logger.Warn("failed to unblock dependents", log.Error(err), log.StepKeyKey, step.StepKey)
	}

	e.events.Publish(hub.Event{
		Type:    hub.EventStepCompleted,
		Payload: map[string]any{"execution_id": exec.ID, "step_key": step.StepKey, "output": output},
	})
	e.Kick()
}

// skipStep marks a step skipped and unblocks its dependents.
func (e *Engine) skipStep(ctx context.Context, exec *store.WorkflowExecution, step *store.WorkflowStep) {
	now := time.Now()
	step.Status = store.StepSkipped
	step.CompletedAt = &now
	if err := e.store.UpdateStep(ctx, step); err != nil {
		e.logger.Warn("failed to record step skip", log.Error(err), log.StepKeyKey, step.StepKey)
		return
	}
	if err := e.store.DecrementStepDependents(ctx, exec.ID, step.StepKey); err != nil {
		e.logger.Warn("failed to unblock dependents", log.Error(err), log.StepKeyKey, step.StepKey)
	}
	e.events.Publish(hub.Event{
		Type:    hub.EventStepSkipped,
		Payload: map[string]any{"execution_id": exec.ID, "step_key": step.StepKey},
	})
}

// handleFailure applies the step's failure policy.
func (e *Engine) handleFailure(ctx context.Context, exec *store.WorkflowExecution, step *store.WorkflowStep, errMsg string) {
	if !e.executionStillRunning(ctx, exec.ID) {
		return
	}
	logger := e.logger.With(log.ExecutionIDKey, exec.ID, log.StepKeyKey, step.StepKey)

	switch step.OnFailure {
	case store.FailureRetry:
		if step.RetryCount < step.MaxRetries {
			step.RetryCount++
			step.Status = store.StepReady
			step.Error = errMsg
			if err := e.store.UpdateStep(ctx, step); err != nil {
				logger.Warn("failed to requeue step for retry", log.Error(err))
				return
			}
			logger.Info("step failed, retrying", "attempt", step.RetryCount, "max_retries", step.MaxRetries, "error", errMsg)
			e.Kick()
			return
		}
		// Retries exhausted: fall through to fail.
		e.failStep(ctx, exec, step, errMsg)
		e.failExecution(ctx, exec.ID)

	case store.FailureSkip:
		logger.Info("step failed, skipping per policy", "error", errMsg)
		step.Error = errMsg
		e.skipStep(ctx, exec, step)

	case store.FailureContinue:
		// The step stays failed; dependents stay blocked, independent
		// branches keep running.
		logger.Warn("step failed, continuing per policy", "error", errMsg)
		e.failStep(ctx, exec, step, errMsg)

	default: // FailureFail
		logger.Warn("step failed", "error", errMsg)
		e.failStep(ctx, exec, step, errMsg)
		e.failExecution(ctx, exec.ID)
	}
}

// failStep records a terminal failure on the step row.
func (e *Engine) failStep(ctx context.Context, exec *store.WorkflowExecution, step *store.WorkflowStep, errMsg string) {
	now := time.Now()
	step.Status = store.StepFailed
	step.Error = errMsg
	step.CompletedAt = &now
	if err := e.store.UpdateStep(ctx, step); err != nil {
		e.logger.Warn("failed to record step failure", log.Error(err), log.StepKeyKey, step.StepKey)
		return
	}
	e.events.Publish(hub.Event{
		Type:    hub.EventStepFailed,
		Payload: map[string]any{"execution_id": exec.ID, "step_key": step.StepKey, "error": errMsg},
	})
}

// failExecution terminally fails a running execution.
func (e *Engine) failExecution(ctx context.Context, executionID string) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil || exec.Status != store.ExecutionRunning {
		return
	}
	now := time.Now()
	exec.Status = store.ExecutionFailed
	exec.CompletedAt = &now
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		e.logger.Warn("failed to fail execution", log.Error(err), log.ExecutionIDKey, executionID)
		return
	}
	e.logger.Warn("execution failed", log.ExecutionIDKey, executionID)
	e.events.Publish(hub.Event{Type: hub.EventWorkflowFailed, Payload: exec})
}

// executionStillRunning guards in-flight step results against pause
// races and cancellation.
func (e *Engine) executionStillRunning(ctx context.Context, executionID string) bool {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return false
	}
	return exec.Status == store.ExecutionRunning || exec.Status == store.ExecutionPaused
}

func configString(cfg map[string]any, key string) string {
	if cfg == nil {
		return ""
	}
	if s, ok := cfg[key].(string); ok {
		return s
	}
	return ""
}

func configBool(cfg map[string]any, key string) bool {
	if cfg == nil {
		return false
	}
	b, _ := cfg[key].(bool)
	return b
}

func configStrings(cfg map[string]any, key string) []string {
	if cfg == nil {
		return nil
	}
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}
