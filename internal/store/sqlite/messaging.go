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
	"slices"
	"time"

	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/pkg/errors"
)

const blackboardColumns = `id, swarm_id, sender_handle, message_type, target_handle,
	priority, payload, read_by, created_at, archived_at`

// CreateMessage appends a new immutable message.
func (b *Backend) CreateMessage(ctx context.Context, m *store.BlackboardMessage) error {
	m.CreatedAt = stampCreated(m.CreatedAt)

	payloadJSON, err := marshalJSON(m.Payload)
	if err != nil {
		return err
	}
	readByJSON, err := marshalJSON(m.ReadBy)
	if err != nil {
		return err
	}

	query := `INSERT INTO blackboard_messages (` + blackboardColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = b.db.ExecContext(ctx, query,
		m.ID, m.SwarmID, m.SenderHandle, m.MessageType, nullString(m.TargetHandle),
		m.Priority, payloadJSON, readByJSON,
		m.CreatedAt.Format(time.RFC3339), formatTime(m.ArchivedAt),
	)
	return createErr("blackboard message", m.ID, err)
}

func scanMessage(row interface{ Scan(...any) error }) (*store.BlackboardMessage, error) {
	var m store.BlackboardMessage
	var targetHandle, payloadJSON, readByJSON sql.NullString
	var createdAt, archivedAt sql.NullString

	err := row.Scan(
		&m.ID, &m.SwarmID, &m.SenderHandle, &m.MessageType, &targetHandle,
		&m.Priority, &payloadJSON, &readByJSON, &createdAt, &archivedAt,
	)
	if err != nil {
		return nil, err
	}

	m.TargetHandle = targetHandle.String
	m.CreatedAt = parseTimeValue(createdAt)
	m.ArchivedAt = parseTime(archivedAt)
	if err := unmarshalJSON(payloadJSON, &m.Payload); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(readByJSON, &m.ReadBy); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages lists a swarm's messages matching the filter, createdAt
// ascending.
func (b *Backend) ListMessages(ctx context.Context, swarmID string, filter store.BlackboardFilter) ([]*store.BlackboardMessage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `SELECT ` + blackboardColumns + ` FROM blackboard_messages WHERE swarm_id = ?`
	args := []any{swarmID}

	if !filter.IncludeArchived {
		query += " AND archived_at IS NULL"
	}
	if filter.MessageType != "" {
		query += " AND message_type = ?"
		args = append(args, filter.MessageType)
	}
	if filter.Priority != "" {
		query += " AND priority = ?"
		args = append(args, filter.Priority)
	}
	if !filter.Since.IsZero() {
		query += " AND created_at > ?"
		args = append(args, filter.Since.Format(time.RFC3339))
	}
	query += " ORDER BY created_at ASC LIMIT ?"
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list blackboard messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*store.BlackboardMessage, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan blackboard message: %w", err)
		}
		// The readBy set lives in a JSON column, so the unread filter
		// runs after the scan.
		if filter.UnreadOnly && slices.Contains(m.ReadBy, filter.ReaderHandle) {
			continue
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkMessagesRead inserts readerHandle into each message's readBy set
// if absent.
func (b *Backend) MarkMessagesRead(ctx context.Context, ids []string, readerHandle string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		var readByJSON sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT read_by FROM blackboard_messages WHERE id = ?`, id,
		).Scan(&readByJSON)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read readBy set: %w", err)
		}

		var readBy []string
		if err := unmarshalJSON(readByJSON, &readBy); err != nil {
			return err
		}
		if slices.Contains(readBy, readerHandle) {
			continue
		}
		readBy = append(readBy, readerHandle)

		updated, err := marshalJSON(readBy)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE blackboard_messages SET read_by = ? WHERE id = ?`, updated, id,
		); err != nil {
			return fmt.Errorf("failed to update readBy set: %w", err)
		}
	}

	return tx.Commit()
}

// ArchiveMessages stamps archivedAt on the given messages.
func (b *Backend) ArchiveMessages(ctx context.Context, ids []string) (int, error) {
	now := time.Now().Format(time.RFC3339)
	archived := 0
	for _, id := range ids {
		result, err := b.db.ExecContext(ctx,
			`UPDATE blackboard_messages SET archived_at = ? WHERE id = ? AND archived_at IS NULL`,
			now, id,
		)
		if err != nil {
			return archived, fmt.Errorf("failed to archive message: %w", err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			archived++
		}
	}
	return archived, nil
}

// ArchiveOlder archives every message in the swarm created before cutoff.
func (b *Backend) ArchiveOlder(ctx context.Context, swarmID string, cutoff time.Time) (int, error) {
	result, err := b.db.ExecContext(ctx,
		`UPDATE blackboard_messages SET archived_at = ?
		 WHERE swarm_id = ? AND archived_at IS NULL AND created_at < ?`,
		time.Now().Format(time.RFC3339), swarmID, cutoff.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to archive messages: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// Stats summarizes the swarm's message log.
func (b *Backend) Stats(ctx context.Context, swarmID string) (*store.BlackboardStats, error) {
	stats := &store.BlackboardStats{SwarmID: swarmID, ByType: make(map[string]int)}

	rows, err := b.db.QueryContext(ctx,
		`SELECT message_type, read_by, archived_at FROM blackboard_messages WHERE swarm_id = ?`,
		swarmID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	readers := make(map[string]struct{})
	for rows.Next() {
		var messageType string
		var readByJSON, archivedAt sql.NullString
		if err := rows.Scan(&messageType, &readByJSON, &archivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats.TotalMessages++
		stats.ByType[messageType]++
		if archivedAt.Valid {
			stats.Archived++
		}
		var readBy []string
		if err := unmarshalJSON(readByJSON, &readBy); err != nil {
			return nil, err
		}
		for _, r := range readBy {
			readers[r] = struct{}{}
		}
	}
	stats.Readers = len(readers)
	return stats, rows.Err()
}

// CreateMail inserts a new mail message.
func (b *Backend) CreateMail(ctx context.Context, m *store.MailMessage) error {
	m.CreatedAt = stampCreated(m.CreatedAt)

	query := `INSERT INTO mail_messages (id, from_handle, to_handle, subject, body, read_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := b.db.ExecContext(ctx, query,
		m.ID, m.FromHandle, m.ToHandle, nullString(m.Subject), m.Body,
		formatTime(m.ReadAt), m.CreatedAt.Format(time.RFC3339),
	)
	return createErr("mail", m.ID, err)
}

func scanMail(row interface{ Scan(...any) error }) (*store.MailMessage, error) {
	var m store.MailMessage
	var subject, readAt, createdAt sql.NullString

	if err := row.Scan(&m.ID, &m.FromHandle, &m.ToHandle, &subject, &m.Body, &readAt, &createdAt); err != nil {
		return nil, err
	}
	m.Subject = subject.String
	m.ReadAt = parseTime(readAt)
	m.CreatedAt = parseTimeValue(createdAt)
	return &m, nil
}

// GetMail retrieves a message by id.
func (b *Backend) GetMail(ctx context.Context, id string) (*store.MailMessage, error) {
	query := `SELECT id, from_handle, to_handle, subject, body, read_at, created_at
		FROM mail_messages WHERE id = ?`

	m, err := scanMail(b.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "mail", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mail: %w", err)
	}
	return m, nil
}

// ListUnread lists a handle's unread mail, createdAt ascending.
func (b *Backend) ListUnread(ctx context.Context, handle string) ([]*store.MailMessage, error) {
	query := `SELECT id, from_handle, to_handle, subject, body, read_at, created_at
		FROM mail_messages WHERE to_handle = ? AND read_at IS NULL
		ORDER BY created_at ASC`

	rows, err := b.db.QueryContext(ctx, query, handle)
	if err != nil {
		return nil, fmt.Errorf("failed to list unread mail: %w", err)
	}
	defer rows.Close()

	messages := make([]*store.MailMessage, 0)
	for rows.Next() {
		m, err := scanMail(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mail: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkMailRead stamps readAt if unset. Returns false when the message
// was already read.
func (b *Backend) MarkMailRead(ctx context.Context, id string) (bool, error) {
	result, err := b.db.ExecContext(ctx,
		`UPDATE mail_messages SET read_at = ? WHERE id = ? AND read_at IS NULL`,
		time.Now().Format(time.RFC3339), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark mail read: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return true, nil
	}

	// Distinguish already-read from missing.
	var exists int
	err = b.db.QueryRowContext(ctx, `SELECT 1 FROM mail_messages WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, &errors.NotFoundError{Resource: "mail", ID: id}
	}
	if err != nil {
		return false, fmt.Errorf("failed to check mail: %w", err)
	}
	return false, nil
}

// CreateHandoff inserts a new pending handoff.
func (b *Backend) CreateHandoff(ctx context.Context, h *store.Handoff) error {
	h.CreatedAt = stampCreated(h.CreatedAt)

	contextJSON, err := marshalJSON(h.Context)
	if err != nil {
		return err
	}

	query := `INSERT INTO handoffs (id, from_handle, to_handle, context, checkpoint,
			status, outcome, accepted_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = b.db.ExecContext(ctx, query,
		h.ID, h.FromHandle, h.ToHandle, contextJSON, nullString(h.Checkpoint),
		h.Status, nullString(h.Outcome), formatTime(h.AcceptedAt),
		h.CreatedAt.Format(time.RFC3339),
	)
	return createErr("handoff", h.ID, err)
}

func scanHandoff(row interface{ Scan(...any) error }) (*store.Handoff, error) {
	var h store.Handoff
	var contextJSON, checkpoint, outcome, acceptedAt, createdAt sql.NullString

	err := row.Scan(&h.ID, &h.FromHandle, &h.ToHandle, &contextJSON, &checkpoint,
		&h.Status, &outcome, &acceptedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	h.Checkpoint = checkpoint.String
	h.Outcome = outcome.String
	h.AcceptedAt = parseTime(acceptedAt)
	h.CreatedAt = parseTimeValue(createdAt)
	if err := unmarshalJSON(contextJSON, &h.Context); err != nil {
		return nil, err
	}
	return &h, nil
}

// GetHandoff retrieves a handoff by id.
func (b *Backend) GetHandoff(ctx context.Context, id string) (*store.Handoff, error) {
	query := `SELECT id, from_handle, to_handle, context, checkpoint, status, outcome,
			accepted_at, created_at
		FROM handoffs WHERE id = ?`

	h, err := scanHandoff(b.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "handoff", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get handoff: %w", err)
	}
	return h, nil
}

// ListPendingHandoffs lists pending handoffs addressed to a handle.
func (b *Backend) ListPendingHandoffs(ctx context.Context, toHandle string) ([]*store.Handoff, error) {
	query := `SELECT id, from_handle, to_handle, context, checkpoint, status, outcome,
			accepted_at, created_at
		FROM handoffs WHERE to_handle = ? AND status = ?
		ORDER BY created_at ASC`

	rows, err := b.db.QueryContext(ctx, query, toHandle, store.HandoffPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list handoffs: %w", err)
	}
	defer rows.Close()

	handoffs := make([]*store.Handoff, 0)
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan handoff: %w", err)
		}
		handoffs = append(handoffs, h)
	}
	return handoffs, rows.Err()
}

// ResolveHandoff transitions a pending handoff to accepted or rejected.
func (b *Backend) ResolveHandoff(ctx context.Context, id string, status store.HandoffStatus, outcome string) (bool, error) {
	var acceptedAt any
	if status == store.HandoffAccepted {
		acceptedAt = time.Now().Format(time.RFC3339)
	}

	result, err := b.db.ExecContext(ctx,
		`UPDATE handoffs SET status = ?, outcome = ?, accepted_at = ?
		 WHERE id = ? AND status = ?`,
		status, nullString(outcome), acceptedAt, id, store.HandoffPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to resolve handoff: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return true, nil
	}

	var exists int
	err = b.db.QueryRowContext(ctx, `SELECT 1 FROM handoffs WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, &errors.NotFoundError{Resource: "handoff", ID: id}
	}
	if err != nil {
		return false, fmt.Errorf("failed to check handoff: %w", err)
	}
	return false, nil
}

// CreateCheckpoint inserts a new checkpoint row.
func (b *Backend) CreateCheckpoint(ctx context.Context, c *store.Checkpoint) error {
	c.CreatedAt = stampCreated(c.CreatedAt)

	doneJSON, err := marshalJSON(c.DoneThisSession)
	if err != nil {
		return err
	}
	blockersJSON, err := marshalJSON(c.Blockers)
	if err != nil {
		return err
	}
	questionsJSON, err := marshalJSON(c.Questions)
	if err != nil {
		return err
	}
	nextJSON, err := marshalJSON(c.Next)
	if err != nil {
		return err
	}

	query := `INSERT INTO checkpoints (id, worker_handle, goal, now, test,
			done_this_session, blockers, questions, next_steps, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = b.db.ExecContext(ctx, query,
		c.ID, c.WorkerHandle, c.Goal, c.Now, nullString(c.Test),
		doneJSON, blockersJSON, questionsJSON, nextJSON,
		c.CreatedAt.Format(time.RFC3339),
	)
	return createErr("checkpoint", c.ID, err)
}

func scanCheckpoint(row interface{ Scan(...any) error }) (*store.Checkpoint, error) {
	var c store.Checkpoint
	var test, doneJSON, blockersJSON, questionsJSON, nextJSON, createdAt sql.NullString

	err := row.Scan(&c.ID, &c.WorkerHandle, &c.Goal, &c.Now, &test,
		&doneJSON, &blockersJSON, &questionsJSON, &nextJSON, &createdAt)
	if err != nil {
		return nil, err
	}
	c.Test = test.String
	c.CreatedAt = parseTimeValue(createdAt)
	if err := unmarshalJSON(doneJSON, &c.DoneThisSession); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(blockersJSON, &c.Blockers); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(questionsJSON, &c.Questions); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(nextJSON, &c.Next); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetLatestCheckpoint returns the most recent checkpoint for a handle.
func (b *Backend) GetLatestCheckpoint(ctx context.Context, workerHandle string) (*store.Checkpoint, error) {
	query := `SELECT id, worker_handle, goal, now, test, done_this_session,
			blockers, questions, next_steps, created_at
		FROM checkpoints WHERE worker_handle = ?
		ORDER BY created_at DESC LIMIT 1`

	c, err := scanCheckpoint(b.db.QueryRowContext(ctx, query, workerHandle))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "checkpoint", ID: workerHandle}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return c, nil
}

// ListCheckpoints lists a handle's checkpoints, newest first.
func (b *Backend) ListCheckpoints(ctx context.Context, workerHandle string, filter store.CheckpointFilter) ([]*store.Checkpoint, error) {
	query := `SELECT id, worker_handle, goal, now, test, done_this_session,
			blockers, questions, next_steps, created_at
		FROM checkpoints WHERE worker_handle = ?
		ORDER BY created_at DESC`
	args := []any{workerHandle}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := make([]*store.Checkpoint, 0)
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, c)
	}
	return checkpoints, rows.Err()
}

// PruneCheckpoints deletes all but the keepN most recent rows for a handle.
func (b *Backend) PruneCheckpoints(ctx context.Context, workerHandle string, keepN int) (int, error) {
	result, err := b.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE worker_handle = ? AND id NOT IN (
			SELECT id FROM checkpoints WHERE worker_handle = ?
			ORDER BY created_at DESC LIMIT ?
		)`,
		workerHandle, workerHandle, keepN,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
