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

import "sort"

// Bid is one worker's offer on a piece of work.
type Bid struct {
	ID           string  `json:"id"`
	BidderHandle string  `json:"bidder_handle"`
	Amount       float64 `json:"bid_amount"`
	Confidence   float64 `json:"confidence"`
	Reputation   float64 `json:"reputation"`
}

// ScoredBid is a bid with its composite score broken down by factor.
type ScoredBid struct {
	Bid
	CompositeScore      float64 `json:"composite_score"`
	ReputationComponent float64 `json:"reputation_component"`
	ConfidenceComponent float64 `json:"confidence_component"`
	BidAmountComponent  float64 `json:"bid_component"`
}

// BidWeights configures the composite scoring factors.
type BidWeights struct {
	Reputation float64
	Confidence float64
	BidAmount  float64
	// PreferLower inverts the amount factor so cheaper bids score
	// higher.
	PreferLower bool
}

// DefaultBidWeights weight the factors evenly and prefer cheaper bids.
func DefaultBidWeights() BidWeights {
	return BidWeights{Reputation: 1, Confidence: 1, BidAmount: 1, PreferLower: true}
}

// BidEvaluation ranks the bids best first.
type BidEvaluation struct {
	Ranked      []ScoredBid `json:"ranked_bids"`
	WinnerID    string      `json:"winner_id"`
	WinnerScore float64     `json:"winner_score"`
}

// EvaluateBids scores bids on normalized reputation, confidence, and
// amount, each weighted and divided by the total weight so composite
// scores stay in [0, 1].
func EvaluateBids(bids []Bid, w BidWeights) *BidEvaluation {
	if len(bids) == 0 {
		return &BidEvaluation{}
	}

	var maxAmount, maxRep float64
	for _, b := range bids {
		if b.Amount > maxAmount {
			maxAmount = b.Amount
		}
		if b.Reputation > maxRep {
			maxRep = b.Reputation
		}
	}
	totalWeight := w.Reputation + w.Confidence + w.BidAmount
	if totalWeight == 0 {
		totalWeight = 1
	}

	ranked := make([]ScoredBid, 0, len(bids))
	for _, b := range bids {
		var repNorm, amountNorm float64
		if maxRep > 0 {
			repNorm = b.Reputation / maxRep
		}
		if maxAmount > 0 {
			amountNorm = b.Amount / maxAmount
			if w.PreferLower {
				amountNorm = 1.0 - amountNorm
			}
		}

		scored := ScoredBid{Bid: b}
		scored.ReputationComponent = repNorm * w.Reputation / totalWeight
		scored.ConfidenceComponent = b.Confidence * w.Confidence / totalWeight
		scored.BidAmountComponent = amountNorm * w.BidAmount / totalWeight
		scored.CompositeScore = scored.ReputationComponent + scored.ConfidenceComponent + scored.BidAmountComponent
		ranked = append(ranked, scored)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].CompositeScore > ranked[j].CompositeScore
	})

	return &BidEvaluation{
		Ranked:      ranked,
		WinnerID:    ranked[0].ID,
		WinnerScore: ranked[0].CompositeScore,
	}
}
