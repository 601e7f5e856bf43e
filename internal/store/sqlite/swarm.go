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

// CreateProposal inserts a new proposal.
func (b *Backend) CreateProposal(ctx context.Context, p *store.ConsensusProposal) error {
	p.CreatedAt = stampCreated(p.CreatedAt)

	optionsJSON, err := marshalJSON(p.Options)
	if err != nil {
		return err
	}

	query := `INSERT INTO consensus_proposals (id, swarm_id, proposer_id, question,
			options, voting_method, quorum_type, quorum_value, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = b.db.ExecContext(ctx, query,
		p.ID, p.SwarmID, p.ProposerID, p.Question, optionsJSON,
		p.VotingMethod, p.QuorumType, p.QuorumValue, p.Status,
		p.CreatedAt.Format(time.RFC3339),
	)
	return createErr("proposal", p.ID, err)
}

// GetProposal retrieves a proposal by id.
func (b *Backend) GetProposal(ctx context.Context, id string) (*store.ConsensusProposal, error) {
	query := `SELECT id, swarm_id, proposer_id, question, options, voting_method,
			quorum_type, quorum_value, status, created_at
		FROM consensus_proposals WHERE id = ?`

	var p store.ConsensusProposal
	var optionsJSON, createdAt sql.NullString

	err := b.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.SwarmID, &p.ProposerID, &p.Question, &optionsJSON,
		&p.VotingMethod, &p.QuorumType, &p.QuorumValue, &p.Status, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "proposal", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}
	p.CreatedAt = parseTimeValue(createdAt)
	if err := unmarshalJSON(optionsJSON, &p.Options); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertVote inserts or replaces a voter's ballot on a proposal. The
// original row id and createdAt survive a re-vote.
func (b *Backend) UpsertVote(ctx context.Context, v *store.Vote) (*store.Vote, error) {
	if _, err := b.GetProposal(ctx, v.ProposalID); err != nil {
		return nil, err
	}
	v.CreatedAt = stampCreated(v.CreatedAt)

	query := `INSERT INTO votes (id, proposal_id, voter_handle, vote_value, vote_weight, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (proposal_id, voter_handle) DO UPDATE SET
			vote_value = excluded.vote_value,
			vote_weight = excluded.vote_weight`

	_, err := b.db.ExecContext(ctx, query,
		v.ID, v.ProposalID, v.VoterHandle, v.VoteValue, v.VoteWeight,
		v.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert vote: %w", err)
	}

	var out store.Vote
	var createdAt sql.NullString
	err = b.db.QueryRowContext(ctx,
		`SELECT id, proposal_id, voter_handle, vote_value, vote_weight, created_at
		 FROM votes WHERE proposal_id = ? AND voter_handle = ?`,
		v.ProposalID, v.VoterHandle,
	).Scan(&out.ID, &out.ProposalID, &out.VoterHandle, &out.VoteValue, &out.VoteWeight, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read back vote: %w", err)
	}
	out.CreatedAt = parseTimeValue(createdAt)
	return &out, nil
}

// ListVotes lists a proposal's votes, createdAt ascending.
func (b *Backend) ListVotes(ctx context.Context, proposalID string) ([]*store.Vote, error) {
	query := `SELECT id, proposal_id, voter_handle, vote_value, vote_weight, created_at
		FROM votes WHERE proposal_id = ? ORDER BY created_at ASC`

	rows, err := b.db.QueryContext(ctx, query, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}
	defer rows.Close()

	votes := make([]*store.Vote, 0)
	for rows.Next() {
		var v store.Vote
		var createdAt sql.NullString
		if err := rows.Scan(&v.ID, &v.ProposalID, &v.VoterHandle, &v.VoteValue, &v.VoteWeight, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		v.CreatedAt = parseTimeValue(createdAt)
		votes = append(votes, &v)
	}
	return votes, rows.Err()
}

// CreateTrail inserts a new trail.
func (b *Backend) CreateTrail(ctx context.Context, t *store.PheromoneTrail) error {
	t.CreatedAt = stampCreated(t.CreatedAt)

	query := `INSERT INTO pheromone_trails (id, swarm_id, handle, task_type, intensity, decayed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := b.db.ExecContext(ctx, query,
		t.ID, t.SwarmID, t.Handle, t.TaskType, t.Intensity, boolToInt(t.Decayed),
		t.CreatedAt.Format(time.RFC3339),
	)
	return createErr("pheromone trail", t.ID, err)
}

// ListTrails lists a swarm's non-decayed trails.
func (b *Backend) ListTrails(ctx context.Context, swarmID string) ([]*store.PheromoneTrail, error) {
	query := `SELECT id, swarm_id, handle, task_type, intensity, decayed, created_at
		FROM pheromone_trails WHERE swarm_id = ? AND decayed = 0
		ORDER BY created_at ASC`

	rows, err := b.db.QueryContext(ctx, query, swarmID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trails: %w", err)
	}
	defer rows.Close()

	trails := make([]*store.PheromoneTrail, 0)
	for rows.Next() {
		var t store.PheromoneTrail
		var decayed int
		var createdAt sql.NullString
		if err := rows.Scan(&t.ID, &t.SwarmID, &t.Handle, &t.TaskType, &t.Intensity, &decayed, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan trail: %w", err)
		}
		t.Decayed = decayed == 1
		t.CreatedAt = parseTimeValue(createdAt)
		trails = append(trails, &t)
	}
	return trails, rows.Err()
}

// UpdateTrail replaces an existing trail row.
func (b *Backend) UpdateTrail(ctx context.Context, t *store.PheromoneTrail) error {
	query := `UPDATE pheromone_trails SET
			swarm_id = ?, handle = ?, task_type = ?, intensity = ?, decayed = ?
		WHERE id = ?`

	result, err := b.db.ExecContext(ctx, query,
		t.SwarmID, t.Handle, t.TaskType, t.Intensity, boolToInt(t.Decayed), t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update trail: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "pheromone trail", ID: t.ID}
	}
	return nil
}

// MarkDecayed flags the given trails as decayed.
func (b *Backend) MarkDecayed(ctx context.Context, ids []string) (int, error) {
	updated := 0
	for _, id := range ids {
		result, err := b.db.ExecContext(ctx,
			`UPDATE pheromone_trails SET decayed = 1 WHERE id = ? AND decayed = 0`, id,
		)
		if err != nil {
			return updated, fmt.Errorf("failed to mark trail decayed: %w", err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			updated++
		}
	}
	return updated, nil
}

// CreateWorkItem inserts a new work item.
func (b *Backend) CreateWorkItem(ctx context.Context, w *store.WorkItem) error {
	w.CreatedAt = stampCreated(w.CreatedAt)

	query := `INSERT INTO work_items (id, title, description, swarm_id, assignee, status,
			created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := b.db.ExecContext(ctx, query,
		w.ID, w.Title, nullString(w.Description), nullString(w.SwarmID),
		nullString(w.Assignee), w.Status,
		w.CreatedAt.Format(time.RFC3339), formatTime(w.CompletedAt),
	)
	return createErr("work item", w.ID, err)
}

// GetWorkItem retrieves a work item by id.
func (b *Backend) GetWorkItem(ctx context.Context, id string) (*store.WorkItem, error) {
	query := `SELECT id, title, description, swarm_id, assignee, status, created_at, completed_at
		FROM work_items WHERE id = ?`

	var w store.WorkItem
	var description, swarmID, assignee, createdAt, completedAt sql.NullString

	err := b.db.QueryRowContext(ctx, query, id).Scan(
		&w.ID, &w.Title, &description, &swarmID, &assignee, &w.Status, &createdAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "work item", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work item: %w", err)
	}
	w.Description = description.String
	w.SwarmID = swarmID.String
	w.Assignee = assignee.String
	w.CreatedAt = parseTimeValue(createdAt)
	w.CompletedAt = parseTime(completedAt)
	return &w, nil
}

// UpdateWorkItem replaces an existing work item row.
func (b *Backend) UpdateWorkItem(ctx context.Context, w *store.WorkItem) error {
	query := `UPDATE work_items SET
			title = ?, description = ?, swarm_id = ?, assignee = ?, status = ?, completed_at = ?
		WHERE id = ?`

	result, err := b.db.ExecContext(ctx, query,
		w.Title, nullString(w.Description), nullString(w.SwarmID),
		nullString(w.Assignee), w.Status, formatTime(w.CompletedAt),
		w.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update work item: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "work item", ID: w.ID}
	}
	return nil
}
