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

package swarm

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/internal/store/memory"
	"github.com/tombee/fleet/pkg/errors"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func vote(value string, weight float64) *store.Vote {
	return &store.Vote{VoteValue: value, VoteWeight: weight}
}

func TestTallyVotes_RankedBorda(t *testing.T) {
	p := &store.ConsensusProposal{
		Options:      []string{"A", "B", "C"},
		VotingMethod: store.VoteRanked,
		QuorumType:   store.QuorumNone,
	}
	votes := []*store.Vote{
		vote(`["A","B","C"]`, 1),
		vote(`["B","A","C"]`, 1),
		vote(`["C","A","B"]`, 2),
	}

	result := TallyVotes(p, votes)
	assert.Equal(t, 9.0, result.Tally["A"])
	assert.Equal(t, 7.0, result.Tally["B"])
	assert.Equal(t, 8.0, result.Tally["C"])
	assert.Equal(t, "A", result.Winner)
	assert.Equal(t, 4.0, result.TotalWeight)
	assert.True(t, result.QuorumMet)
}

func TestTallyVotes_RejectsUnknownOption(t *testing.T) {
	p := &store.ConsensusProposal{
		Options:      []string{"yes", "no"},
		VotingMethod: store.VoteMajority,
		QuorumType:   store.QuorumNone,
	}
	result := TallyVotes(p, []*store.Vote{
		vote("yes", 1), vote("maybe", 1), vote("yes", 1),
	})

	assert.Equal(t, 2, result.CountedVotes)
	assert.Equal(t, 1, result.RejectedVotes)
	assert.Equal(t, "yes", result.Winner)
	assert.True(t, result.Passed)
}

func TestTallyVotes_Thresholds(t *testing.T) {
	base := func(method store.VotingMethod) *store.ConsensusProposal {
		return &store.ConsensusProposal{
			Options:      []string{"yes", "no"},
			VotingMethod: method,
			QuorumType:   store.QuorumNone,
		}
	}

	// Exactly half does not carry a majority.
	result := TallyVotes(base(store.VoteMajority), []*store.Vote{vote("yes", 1), vote("no", 1)})
	assert.False(t, result.Passed)

	// Two thirds exactly meets a supermajority.
	result = TallyVotes(base(store.VoteSupermajority), []*store.Vote{vote("yes", 2), vote("no", 1)})
	assert.True(t, result.Passed)

	// One dissenter breaks unanimity.
	result = TallyVotes(base(store.VoteUnanimous), []*store.Vote{vote("yes", 5), vote("no", 1)})
	assert.False(t, result.Passed)
	result = TallyVotes(base(store.VoteUnanimous), []*store.Vote{vote("yes", 5)})
	assert.True(t, result.Passed)
}

func TestTallyVotes_TieBreaksByOptionOrder(t *testing.T) {
	p := &store.ConsensusProposal{
		Options:      []string{"blue", "green"},
		VotingMethod: store.VoteMajority,
		QuorumType:   store.QuorumNone,
	}
	result := TallyVotes(p, []*store.Vote{vote("blue", 1), vote("green", 1)})
	assert.Equal(t, "blue", result.Winner)
}

func TestTallyVotes_AbsoluteQuorum(t *testing.T) {
	p := &store.ConsensusProposal{
		Options:      []string{"yes", "no"},
		VotingMethod: store.VoteMajority,
		QuorumType:   store.QuorumAbsolute,
		QuorumValue:  3,
	}
	result := TallyVotes(p, []*store.Vote{vote("yes", 1), vote("yes", 1)})
	assert.False(t, result.QuorumMet)
	assert.False(t, result.Passed)

	result = TallyVotes(p, []*store.Vote{vote("yes", 1), vote("yes", 1), vote("no", 1)})
	assert.True(t, result.QuorumMet)
}

func TestConsensusService_CastVote(t *testing.T) {
	st := memory.New()
	c := NewConsensus(st, discardLogger())
	ctx := context.Background()

	p, err := c.Propose(ctx, &store.ConsensusProposal{
		SwarmID:  "swarm-1",
		Question: "merge strategy?",
		Options:  []string{"squash", "rebase"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.VoteMajority, p.VotingMethod)

	_, err = c.CastVote(ctx, p.ID, "alice", "ff-only", 1)
	var validation *errors.ValidationError
	require.ErrorAs(t, err, &validation)

	_, err = c.CastVote(ctx, p.ID, "alice", "squash", 1)
	require.NoError(t, err)
	// Re-voting replaces the ballot rather than stacking.
	_, err = c.CastVote(ctx, p.ID, "alice", "rebase", 1)
	require.NoError(t, err)

	result, err := c.Tally(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.CountedVotes)
	assert.Equal(t, "rebase", result.Winner)
}

func TestEffectiveIntensity(t *testing.T) {
	now := time.Now()
	trail := &store.PheromoneTrail{Intensity: 1.0, CreatedAt: now.Add(-10 * time.Hour)}

	// 1.0 * exp(-0.1 * 10) = e^-1.
	got := EffectiveIntensity(trail, 0.1, now)
	assert.InDelta(t, 0.3679, got, 0.001)

	// Fresh trails keep full intensity.
	fresh := &store.PheromoneTrail{Intensity: 0.8, CreatedAt: now}
	assert.InDelta(t, 0.8, EffectiveIntensity(fresh, 0.1, now), 0.0001)
}

func TestProcessDecay(t *testing.T) {
	trails := []*store.PheromoneTrail{
		{ID: "t1", Intensity: 1.0},
		{ID: "t2", Intensity: 0.05},
	}

	result := ProcessDecay(trails, 0.1, 0.01)
	require.Len(t, result.Survivors, 2)
	assert.Empty(t, result.RemovedIDs)
	assert.InDelta(t, 0.9, result.Survivors[0].Intensity, 0.0001)
	assert.InDelta(t, 0.045, result.Survivors[1].Intensity, 0.0001)

	result = ProcessDecay(result.Survivors, 0.9, 0.05)
	require.Len(t, result.Survivors, 1)
	assert.Equal(t, []string{"t2"}, result.RemovedIDs)
}

func TestRouteTasks(t *testing.T) {
	trails := map[string]map[string]float64{
		"alice": {"review": 0.9},
		"bob":   {"review": 0.3, "deploy": 0.8},
	}

	got := RouteTasks([]string{"review", "deploy"}, []string{"alice", "bob"}, trails, 1.0)
	assert.Equal(t, "alice", got["review"])
	assert.Equal(t, "bob", got["deploy"])

	// Load spreads repeated tasks: alice wins the first review, the
	// load penalty hands one to bob only if his score beats hers.
	got = RouteTasks([]string{"review", "review", "review"}, []string{"alice", "bob"}, trails, 1.0)
	assert.Equal(t, "alice", got["review"])

	assert.Empty(t, RouteTasks([]string{"review"}, nil, trails, 1.0))
}

func TestEvaluateBids(t *testing.T) {
	bids := []Bid{
		{ID: "b1", BidderHandle: "w1", Amount: 10, Confidence: 0.9, Reputation: 0.8},
		{ID: "b2", BidderHandle: "w2", Amount: 5, Confidence: 0.7, Reputation: 0.9},
	}

	result := EvaluateBids(bids, DefaultBidWeights())
	require.Len(t, result.Ranked, 2)
	// b2: full reputation + half-price discount beats b1's confidence
	// edge.
	assert.Equal(t, "b2", result.WinnerID)
	assert.Greater(t, result.WinnerScore, result.Ranked[1].CompositeScore)

	// Preferring higher bids flips the amount factor.
	result = EvaluateBids(bids, BidWeights{Reputation: 0, Confidence: 0, BidAmount: 1, PreferLower: false})
	assert.Equal(t, "b1", result.WinnerID)

	assert.Empty(t, EvaluateBids(nil, DefaultBidWeights()).WinnerID)
}

func TestCalculatePayoff(t *testing.T) {
	deadline := time.Now()

	c := PayoffContract{
		BaseValue:        100,
		Multiplier:       1.5,
		Deadline:         deadline,
		DecayRatePerHour: 10,
		BonusConditions: []BonusCondition{
			{Name: "tests-pass", Bonus: 20, Satisfied: true},
			{Name: "zero-review-comments", Bonus: 50, Satisfied: false},
		},
	}

	// On time: 100*1.5 + 20.
	assert.InDelta(t, 170, CalculatePayoff(c, deadline.Add(-time.Hour)), 0.0001)
	// Two hours overdue: 150 - 20 + 20.
	assert.InDelta(t, 150, CalculatePayoff(c, deadline.Add(2*time.Hour)), 0.0001)
	// Payoff floors at zero.
	assert.Equal(t, 0.0, CalculatePayoff(c, deadline.Add(1000*time.Hour)))
}

func TestExpectedPayoffs(t *testing.T) {
	payoffs, dominant := ExpectedPayoffs(map[string]map[string]float64{
		"cooperate": {"cooperate": 3, "defect": 0},
		"defect":    {"cooperate": 5, "defect": 1},
	})
	assert.Equal(t, 1.5, payoffs["cooperate"])
	assert.Equal(t, 3.0, payoffs["defect"])
	assert.Equal(t, "defect", dominant)
}

func TestPheromoneService(t *testing.T) {
	st := memory.New()
	p := NewPheromones(st, discardLogger())
	ctx := context.Background()

	trail, err := p.Deposit(ctx, "swarm-1", "alice", "review", 0.6)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, trail.Intensity, 0.0001)

	// Re-deposit reinforces and clamps at 1.
	trail, err = p.Deposit(ctx, "swarm-1", "alice", "review", 0.7)
	require.NoError(t, err)
	assert.Equal(t, 1.0, trail.Intensity)

	_, err = p.Deposit(ctx, "swarm-1", "bob", "deploy", 0.06)
	require.NoError(t, err)

	// 0.06 * 0.9^2 falls below the 0.05 floor after two sweeps.
	_, err = p.Sweep(ctx, "swarm-1", 0.1)
	require.NoError(t, err)
	removed, err := p.Sweep(ctx, "swarm-1", 0.1)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	active, err := p.ActiveTrails(ctx, "swarm-1", true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "alice", active[0].Handle)
}
