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

// CreateDefinition inserts a validated workflow definition.
func (b *Backend) CreateDefinition(ctx context.Context, d *store.WorkflowDefinition) error {
	d.CreatedAt = stampCreated(d.CreatedAt)

	definitionJSON, err := marshalJSON(d.Definition)
	if err != nil {
		return err
	}

	query := `INSERT INTO workflow_definitions (id, name, version, definition, is_template, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err = b.db.ExecContext(ctx, query,
		d.ID, d.Name, d.Version, definitionJSON, boolToInt(d.IsTemplate),
		d.CreatedAt.Format(time.RFC3339),
	)
	return createErr("workflow", d.ID, err)
}

func scanDefinition(row interface{ Scan(...any) error }) (*store.WorkflowDefinition, error) {
	var d store.WorkflowDefinition
	var definitionJSON, createdAt sql.NullString
	var isTemplate int

	if err := row.Scan(&d.ID, &d.Name, &d.Version, &definitionJSON, &isTemplate, &createdAt); err != nil {
		return nil, err
	}
	d.IsTemplate = isTemplate == 1
	d.CreatedAt = parseTimeValue(createdAt)
	if err := unmarshalJSON(definitionJSON, &d.Definition); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDefinition retrieves a definition by id.
func (b *Backend) GetDefinition(ctx context.Context, id string) (*store.WorkflowDefinition, error) {
	query := `SELECT id, name, version, definition, is_template, created_at
		FROM workflow_definitions WHERE id = ?`

	d, err := scanDefinition(b.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow definition: %w", err)
	}
	return d, nil
}

// ListDefinitions lists all definitions, createdAt ascending.
func (b *Backend) ListDefinitions(ctx context.Context) ([]*store.WorkflowDefinition, error) {
	query := `SELECT id, name, version, definition, is_template, created_at
		FROM workflow_definitions ORDER BY created_at ASC`

	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow definitions: %w", err)
	}
	defer rows.Close()

	definitions := make([]*store.WorkflowDefinition, 0)
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow definition: %w", err)
		}
		definitions = append(definitions, d)
	}
	return definitions, rows.Err()
}

const executionColumns = `id, workflow_id, swarm_id, created_by, status, context,
	error, started_at, completed_at, created_at`

// CreateExecution inserts a new execution row.
func (b *Backend) CreateExecution(ctx context.Context, e *store.WorkflowExecution) error {
	e.CreatedAt = stampCreated(e.CreatedAt)

	contextJSON, err := marshalJSON(e.Context)
	if err != nil {
		return err
	}

	query := `INSERT INTO workflow_executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = b.db.ExecContext(ctx, query,
		e.ID, e.WorkflowID, nullString(e.SwarmID), nullString(e.CreatedBy),
		e.Status, contextJSON, nullString(e.Error),
		formatTime(e.StartedAt), formatTime(e.CompletedAt),
		e.CreatedAt.Format(time.RFC3339),
	)
	return createErr("execution", e.ID, err)
}

func scanExecution(row interface{ Scan(...any) error }) (*store.WorkflowExecution, error) {
	var e store.WorkflowExecution
	var swarmID, createdBy, contextJSON, errorStr sql.NullString
	var startedAt, completedAt, createdAt sql.NullString

	err := row.Scan(&e.ID, &e.WorkflowID, &swarmID, &createdBy, &e.Status,
		&contextJSON, &errorStr, &startedAt, &completedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	e.SwarmID = swarmID.String
	e.CreatedBy = createdBy.String
	e.Error = errorStr.String
	e.StartedAt = parseTime(startedAt)
	e.CompletedAt = parseTime(completedAt)
	e.CreatedAt = parseTimeValue(createdAt)
	if err := unmarshalJSON(contextJSON, &e.Context); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetExecution retrieves an execution by id.
func (b *Backend) GetExecution(ctx context.Context, id string) (*store.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE id = ?`

	e, err := scanExecution(b.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "execution", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return e, nil
}

// UpdateExecution replaces an existing execution row.
func (b *Backend) UpdateExecution(ctx context.Context, e *store.WorkflowExecution) error {
	contextJSON, err := marshalJSON(e.Context)
	if err != nil {
		return err
	}

	query := `UPDATE workflow_executions SET
			workflow_id = ?, swarm_id = ?, created_by = ?, status = ?,
			context = ?, error = ?, started_at = ?, completed_at = ?
		WHERE id = ?`

	result, err := b.db.ExecContext(ctx, query,
		e.WorkflowID, nullString(e.SwarmID), nullString(e.CreatedBy), e.Status,
		contextJSON, nullString(e.Error), formatTime(e.StartedAt), formatTime(e.CompletedAt),
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "execution", ID: e.ID}
	}
	return nil
}

// ListExecutions lists executions matching the filter, createdAt ascending.
func (b *Backend) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	executions := make([]*store.WorkflowExecution, 0)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

const stepColumns = `id, execution_id, step_key, step_type, status, config, guard,
	depends_on, blocked_by_count, on_failure, output, retry_count,
	max_retries, timeout_ms, error, started_at, completed_at`

// CreateSteps bulk-inserts the cloned step rows of an execution.
func (b *Backend) CreateSteps(ctx context.Context, steps []*store.WorkflowStep) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO workflow_steps (` + stepColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for _, s := range steps {
		configJSON, err := marshalJSON(s.Config)
		if err != nil {
			return err
		}
		dependsJSON, err := marshalJSON(s.DependsOn)
		if err != nil {
			return err
		}
		outputJSON, err := marshalJSON(s.Output)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, query,
			s.ID, s.ExecutionID, s.StepKey, s.StepType, s.Status, configJSON,
			nullString(s.Guard), dependsJSON, s.BlockedByCount, s.OnFailure,
			outputJSON, s.RetryCount, s.MaxRetries, s.TimeoutMs, nullString(s.Error),
			formatTime(s.StartedAt), formatTime(s.CompletedAt),
		)
		if err != nil {
			return createErr("step", s.StepKey, err)
		}
	}

	return tx.Commit()
}

func scanStep(row interface{ Scan(...any) error }) (*store.WorkflowStep, error) {
	var s store.WorkflowStep
	var configJSON, guard, dependsJSON, outputJSON, errorStr sql.NullString
	var startedAt, completedAt sql.NullString

	err := row.Scan(&s.ID, &s.ExecutionID, &s.StepKey, &s.StepType, &s.Status,
		&configJSON, &guard, &dependsJSON, &s.BlockedByCount, &s.OnFailure,
		&outputJSON, &s.RetryCount, &s.MaxRetries, &s.TimeoutMs, &errorStr,
		&startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	s.Guard = guard.String
	s.Error = errorStr.String
	s.StartedAt = parseTime(startedAt)
	s.CompletedAt = parseTime(completedAt)
	if err := unmarshalJSON(configJSON, &s.Config); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(dependsJSON, &s.DependsOn); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(outputJSON, &s.Output); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetStep retrieves a step by execution id and step key.
func (b *Backend) GetStep(ctx context.Context, executionID, stepKey string) (*store.WorkflowStep, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_steps
		WHERE execution_id = ? AND step_key = ?`

	s, err := scanStep(b.db.QueryRowContext(ctx, query, executionID, stepKey))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "step", ID: stepKey}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return s, nil
}

// UpdateStep replaces an existing step row.
func (b *Backend) UpdateStep(ctx context.Context, s *store.WorkflowStep) error {
	configJSON, err := marshalJSON(s.Config)
	if err != nil {
		return err
	}
	dependsJSON, err := marshalJSON(s.DependsOn)
	if err != nil {
		return err
	}
	outputJSON, err := marshalJSON(s.Output)
	if err != nil {
		return err
	}

	query := `UPDATE workflow_steps SET
			step_type = ?, status = ?, config = ?, guard = ?, depends_on = ?,
			blocked_by_count = ?, on_failure = ?, output = ?, retry_count = ?,
			max_retries = ?, timeout_ms = ?, error = ?, started_at = ?, completed_at = ?
		WHERE execution_id = ? AND step_key = ?`

	result, err := b.db.ExecContext(ctx, query,
		s.StepType, s.Status, configJSON, nullString(s.Guard), dependsJSON,
		s.BlockedByCount, s.OnFailure, outputJSON, s.RetryCount,
		s.MaxRetries, s.TimeoutMs, nullString(s.Error),
		formatTime(s.StartedAt), formatTime(s.CompletedAt),
		s.ExecutionID, s.StepKey,
	)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "step", ID: s.StepKey}
	}
	return nil
}

// ListSteps lists an execution's steps in creation order.
func (b *Backend) ListSteps(ctx context.Context, executionID string) ([]*store.WorkflowStep, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_steps
		WHERE execution_id = ? ORDER BY rowid ASC`

	rows, err := b.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	steps := make([]*store.WorkflowStep, 0)
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// GetReadySteps returns up to limit ready steps, atomically flipping
// them to running inside a transaction so concurrent processors never
// claim the same step.
func (b *Backend) GetReadySteps(ctx context.Context, executionID string, limit int) ([]*store.WorkflowStep, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + stepColumns + ` FROM workflow_steps
		WHERE execution_id = ? AND status = ?
		ORDER BY rowid ASC`
	args := []any{executionID, store.StepReady}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ready steps: %w", err)
	}

	claimed := make([]*store.WorkflowStep, 0)
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan ready step: %w", err)
		}
		claimed = append(claimed, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	now := time.Now()
	started := now.Format(time.RFC3339)
	for _, s := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflow_steps SET status = ?, started_at = ?
			 WHERE execution_id = ? AND step_key = ?`,
			store.StepRunning, started, executionID, s.StepKey,
		); err != nil {
			return nil, fmt.Errorf("failed to claim step: %w", err)
		}
		s.Status = store.StepRunning
		s.StartedAt = &now
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return claimed, nil
}

// DecrementStepDependents atomically decrements blockedByCount on every
// step of the execution that depends on completedKey, transitioning
// pending steps to ready when the count reaches zero.
func (b *Backend) DecrementStepDependents(ctx context.Context, executionID, completedKey string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_steps
		 SET blocked_by_count = blocked_by_count - 1
		 WHERE execution_id = ? AND blocked_by_count > 0
		   AND depends_on IS NOT NULL
		   AND EXISTS (
			SELECT 1 FROM json_each(workflow_steps.depends_on)
			WHERE json_each.value = ?
		   )`,
		executionID, completedKey,
	); err != nil {
		return fmt.Errorf("failed to decrement step dependents: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_steps SET status = ?
		 WHERE execution_id = ? AND status = ? AND blocked_by_count = 0
		   AND depends_on IS NOT NULL
		   AND EXISTS (
			SELECT 1 FROM json_each(workflow_steps.depends_on)
			WHERE json_each.value = ?
		   )`,
		store.StepReady, executionID, store.StepPending, completedKey,
	); err != nil {
		return fmt.Errorf("failed to promote unblocked steps: %w", err)
	}

	return tx.Commit()
}

// CreateTrigger inserts a workflow trigger.
func (b *Backend) CreateTrigger(ctx context.Context, t *store.WorkflowTrigger) error {
	t.CreatedAt = stampCreated(t.CreatedAt)

	configJSON, err := marshalJSON(t.Config)
	if err != nil {
		return err
	}

	query := `INSERT INTO workflow_triggers (id, workflow_id, trigger_type, config,
			is_enabled, last_fired_at, fire_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = b.db.ExecContext(ctx, query,
		t.ID, t.WorkflowID, t.TriggerType, configJSON, boolToInt(t.IsEnabled),
		formatTime(t.LastFiredAt), t.FireCount, t.CreatedAt.Format(time.RFC3339),
	)
	return createErr("trigger", t.ID, err)
}

func scanTrigger(row interface{ Scan(...any) error }) (*store.WorkflowTrigger, error) {
	var t store.WorkflowTrigger
	var configJSON, lastFiredAt, createdAt sql.NullString
	var isEnabled int

	err := row.Scan(&t.ID, &t.WorkflowID, &t.TriggerType, &configJSON,
		&isEnabled, &lastFiredAt, &t.FireCount, &createdAt)
	if err != nil {
		return nil, err
	}
	t.IsEnabled = isEnabled == 1
	t.LastFiredAt = parseTime(lastFiredAt)
	t.CreatedAt = parseTimeValue(createdAt)
	if err := unmarshalJSON(configJSON, &t.Config); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTrigger retrieves a trigger by id.
func (b *Backend) GetTrigger(ctx context.Context, id string) (*store.WorkflowTrigger, error) {
	query := `SELECT id, workflow_id, trigger_type, config, is_enabled,
			last_fired_at, fire_count, created_at
		FROM workflow_triggers WHERE id = ?`

	t, err := scanTrigger(b.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "trigger", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trigger: %w", err)
	}
	return t, nil
}

// UpdateTrigger replaces an existing trigger row.
func (b *Backend) UpdateTrigger(ctx context.Context, t *store.WorkflowTrigger) error {
	configJSON, err := marshalJSON(t.Config)
	if err != nil {
		return err
	}

	query := `UPDATE workflow_triggers SET
			workflow_id = ?, trigger_type = ?, config = ?, is_enabled = ?,
			last_fired_at = ?, fire_count = ?
		WHERE id = ?`

	result, err := b.db.ExecContext(ctx, query,
		t.WorkflowID, t.TriggerType, configJSON, boolToInt(t.IsEnabled),
		formatTime(t.LastFiredAt), t.FireCount,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update trigger: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "trigger", ID: t.ID}
	}
	return nil
}

// ListEnabledTriggers lists enabled triggers, optionally filtered by type.
func (b *Backend) ListEnabledTriggers(ctx context.Context, triggerType store.TriggerType) ([]*store.WorkflowTrigger, error) {
	query := `SELECT id, workflow_id, trigger_type, config, is_enabled,
			last_fired_at, fire_count, created_at
		FROM workflow_triggers WHERE is_enabled = 1`
	args := []any{}
	if triggerType != "" {
		query += " AND trigger_type = ?"
		args = append(args, triggerType)
	}
	query += " ORDER BY created_at ASC"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()

	triggers := make([]*store.WorkflowTrigger, 0)
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

// boolToInt maps a bool to a SQLite INTEGER flag.
func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
