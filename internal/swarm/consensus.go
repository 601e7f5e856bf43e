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

// Package swarm implements the coordination calculators: consensus
// vote tallying (including Borda ranked voting), pheromone trail decay
// and ACO task routing, bid evaluation, and payoff computation. The
// calculators are pure functions over stored rows; the services wrap
// them with persistence.
package swarm

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/tombee/fleet/internal/log"
	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/pkg/errors"
)

// Method thresholds: the winner's share of the tally a proposal needs
// to pass.
const (
	majorityThreshold      = 0.5       // strictly greater
	supermajorityThreshold = 2.0 / 3.0 // greater or equal
)

// TallyResult is the outcome of counting a proposal's votes.
type TallyResult struct {
	Tally         map[string]float64 `json:"tally"`
	TotalWeight   float64            `json:"total_weight"`
	Winner        string             `json:"winner,omitempty"`
	WinnerShare   float64            `json:"winner_share"`
	QuorumMet     bool               `json:"quorum_met"`
	Passed        bool               `json:"passed"`
	CountedVotes  int                `json:"counted_votes"`
	RejectedVotes int                `json:"rejected_votes"`
}

// TallyVotes counts votes for a proposal. Non-ranked votes whose value
// is not a declared option are rejected; ranked votes are Borda-scored
// with the i-th of N choices worth (N-i) * weight points. Ties break
// by declared option order.
func TallyVotes(p *store.ConsensusProposal, votes []*store.Vote) *TallyResult {
	result := &TallyResult{Tally: make(map[string]float64, len(p.Options))}
	for _, opt := range p.Options {
		result.Tally[opt] = 0
	}

	for _, v := range votes {
		if p.VotingMethod == store.VoteRanked {
			var ranking []string
			if err := json.Unmarshal([]byte(v.VoteValue), &ranking); err != nil || !validRanking(ranking, p.Options) {
				result.RejectedVotes++
				continue
			}
			n := float64(len(ranking))
			for i, opt := range ranking {
				result.Tally[opt] += (n - float64(i)) * v.VoteWeight
			}
		} else {
			if !slices.Contains(p.Options, v.VoteValue) {
				result.RejectedVotes++
				continue
			}
			result.Tally[v.VoteValue] += v.VoteWeight
		}
		result.TotalWeight += v.VoteWeight
		result.CountedVotes++
	}

	// Argmax with ties broken by option order.
	var winnerScore float64
	var tallySum float64
	for _, opt := range p.Options {
		tallySum += result.Tally[opt]
	}
	for _, opt := range p.Options {
		if result.Winner == "" || result.Tally[opt] > winnerScore {
			result.Winner = opt
			winnerScore = result.Tally[opt]
		}
	}
	if tallySum > 0 {
		result.WinnerShare = winnerScore / tallySum
	}

	result.QuorumMet = quorumMet(p, result.CountedVotes)
	result.Passed = result.QuorumMet && meetsThreshold(p.VotingMethod, result.WinnerShare, result.CountedVotes)
	return result
}

func validRanking(ranking, options []string) bool {
	if len(ranking) == 0 {
		return false
	}
	for _, opt := range ranking {
		if !slices.Contains(options, opt) {
			return false
		}
	}
	return true
}

func quorumMet(p *store.ConsensusProposal, counted int) bool {
	switch p.QuorumType {
	case store.QuorumAbsolute:
		return float64(counted) >= p.QuorumValue
	case store.QuorumPercentage:
		// Single-coordinator mode has no voter roll; participation is
		// a boolean pass once anyone has voted.
		return counted > 0
	default: // QuorumNone
		return counted > 0
	}
}

func meetsThreshold(method store.VotingMethod, share float64, counted int) bool {
	if counted == 0 {
		return false
	}
	switch method {
	case store.VoteSupermajority:
		return share >= supermajorityThreshold
	case store.VoteUnanimous:
		return share == 1.0
	default: // majority, ranked, weighted
		return share > majorityThreshold
	}
}

// Consensus wraps proposal storage around the tally calculator.
type Consensus struct {
	proposals store.ConsensusStore
	logger    *slog.Logger
}

// NewConsensus creates the consensus service.
func NewConsensus(proposals store.ConsensusStore, logger *slog.Logger) *Consensus {
	return &Consensus{proposals: proposals, logger: log.WithComponent(logger, "consensus")}
}

// Propose opens a new proposal for voting.
func (c *Consensus) Propose(ctx context.Context, p *store.ConsensusProposal) (*store.ConsensusProposal, error) {
	if p.SwarmID == "" {
		return nil, &errors.ValidationError{Field: "swarm_id", Message: "swarm id is required"}
	}
	if p.Question == "" {
		return nil, &errors.ValidationError{Field: "question", Message: "question is required"}
	}
	if len(p.Options) < 2 {
		return nil, &errors.ValidationError{Field: "options", Message: "at least two options are required"}
	}
	switch p.VotingMethod {
	case "":
		p.VotingMethod = store.VoteMajority
	case store.VoteMajority, store.VoteSupermajority, store.VoteUnanimous, store.VoteRanked, store.VoteWeighted:
	default:
		return nil, &errors.ValidationError{Field: "voting_method", Message: "unknown voting method: " + string(p.VotingMethod)}
	}
	if p.QuorumType == "" {
		p.QuorumType = store.QuorumNone
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = "open"
	}
	if err := c.proposals.CreateProposal(ctx, p); err != nil {
		return nil, err
	}
	c.logger.Info("proposal opened", "proposal_id", p.ID, log.SwarmIDKey, p.SwarmID)
	return p, nil
}

// CastVote validates and records a ballot. Re-voting replaces the
// voter's previous ballot.
func (c *Consensus) CastVote(ctx context.Context, proposalID, voterHandle, voteValue string, weight float64) (*store.Vote, error) {
	if voterHandle == "" {
		return nil, &errors.ValidationError{Field: "voter_handle", Message: "voter handle is required"}
	}
	p, err := c.proposals.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	if p.VotingMethod == store.VoteRanked {
		var ranking []string
		if err := json.Unmarshal([]byte(voteValue), &ranking); err != nil || !validRanking(ranking, p.Options) {
			return nil, &errors.ValidationError{
				Field:      "vote_value",
				Message:    "ranked vote must be a JSON list of declared options",
				Suggestion: "e.g. [\"optionA\",\"optionB\"]",
			}
		}
	} else if !slices.Contains(p.Options, voteValue) {
		return nil, &errors.ValidationError{
			Field:   "vote_value",
			Message: "vote value is not one of the proposal's options",
		}
	}

	if weight <= 0 {
		weight = 1
	}
	return c.proposals.UpsertVote(ctx, &store.Vote{
		ID:          uuid.New().String(),
		ProposalID:  proposalID,
		VoterHandle: voterHandle,
		VoteValue:   voteValue,
		VoteWeight:  weight,
	})
}

// Tally counts the proposal's current votes.
func (c *Consensus) Tally(ctx context.Context, proposalID string) (*TallyResult, error) {
	p, err := c.proposals.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	votes, err := c.proposals.ListVotes(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	return TallyVotes(p, votes), nil
}
