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

import "time"

// PayoffContract describes the reward terms of one unit of work. Each
// contract is self-contained; nothing is computed across rows.
type PayoffContract struct {
	BaseValue  float64   `json:"base_value"`
	Multiplier float64   `json:"multiplier"`
	Deadline   time.Time `json:"deadline,omitempty"`
	// DecayRatePerHour reduces the payoff linearly once the deadline
	// has passed.
	DecayRatePerHour float64          `json:"decay_rate_per_hour"`
	BonusConditions  []BonusCondition `json:"bonus_conditions,omitempty"`
}

// BonusCondition is a named extra awarded when its condition was met.
type BonusCondition struct {
	Name      string  `json:"name"`
	Bonus     float64 `json:"bonus"`
	Satisfied bool    `json:"satisfied"`
}

// CalculatePayoff computes the value of completing a contract at time
// t: base * multiplier, minus linear overdue decay, plus satisfied
// bonuses. Never negative.
func CalculatePayoff(c PayoffContract, t time.Time) float64 {
	multiplier := c.Multiplier
	if multiplier == 0 {
		multiplier = 1
	}
	payoff := c.BaseValue * multiplier

	if !c.Deadline.IsZero() && t.After(c.Deadline) {
		hoursOverdue := t.Sub(c.Deadline).Hours()
		payoff -= c.DecayRatePerHour * hoursOverdue
	}

	for _, bonus := range c.BonusConditions {
		if bonus.Satisfied {
			payoff += bonus.Bonus
		}
	}

	if payoff < 0 {
		return 0
	}
	return payoff
}

// ExpectedPayoffs computes each strategy's expected payoff against a
// uniform opponent from a payoff matrix, and names the dominant
// strategy. The matrix maps own strategy -> opponent strategy -> value.
func ExpectedPayoffs(matrix map[string]map[string]float64) (map[string]float64, string) {
	payoffs := make(map[string]float64, len(matrix))
	for strategy, row := range matrix {
		if len(row) == 0 {
			payoffs[strategy] = 0
			continue
		}
		var sum float64
		for _, v := range row {
			sum += v
		}
		payoffs[strategy] = sum / float64(len(row))
	}

	dominant := ""
	best := 0.0
	for strategy, v := range payoffs {
		if dominant == "" || v > best || (v == best && strategy < dominant) {
			dominant = strategy
			best = v
		}
	}
	return payoffs, dominant
}
