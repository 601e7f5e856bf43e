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
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/fleet/internal/log"
	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/pkg/errors"
)

// Pheromone defaults.
const (
	// DefaultDecayRatePerHour controls exponential effective-intensity
	// decay on queries.
	DefaultDecayRatePerHour = 0.1

	// DefaultMinIntensity is the floor below which a trail is inactive.
	DefaultMinIntensity = 0.05

	// DefaultRoutingAlpha biases ACO routing toward strong trails.
	DefaultRoutingAlpha = 1.0

	// explorationIntensity is the score a worker with no trail gets so
	// new workers still receive work.
	explorationIntensity = 0.1
)

// EffectiveIntensity computes a trail's decayed intensity at time t:
// intensity * exp(-rate * hours since deposit).
func EffectiveIntensity(trail *store.PheromoneTrail, ratePerHour float64, t time.Time) float64 {
	hours := t.Sub(trail.CreatedAt).Hours()
	if hours < 0 {
		hours = 0
	}
	return trail.Intensity * math.Exp(-ratePerHour*hours)
}

// DecayResult reports one batch decay pass.
type DecayResult struct {
	Survivors  []*store.PheromoneTrail
	RemovedIDs []string
}

// ProcessDecay applies one multiplicative decay step to every trail,
// multiplying intensity by (1 - rate), and partitions trails into
// survivors and those now below minIntensity.
func ProcessDecay(trails []*store.PheromoneTrail, rate, minIntensity float64) *DecayResult {
	factor := 1.0 - rate
	result := &DecayResult{}
	for _, t := range trails {
		t.Intensity *= factor
		if t.Intensity < minIntensity {
			result.RemovedIDs = append(result.RemovedIDs, t.ID)
			continue
		}
		result.Survivors = append(result.Survivors, t)
	}
	return result
}

// RouteTasks assigns each task type to the worker with the strongest
// trail, discounted by the load already assigned in this pass:
// score = intensity^alpha / (1 + load). Workers without a trail get a
// small exploration score. Returns task -> worker.
func RouteTasks(tasks, workers []string, trails map[string]map[string]float64, alpha float64) map[string]string {
	assignments := make(map[string]string, len(tasks))
	if len(workers) == 0 {
		return assignments
	}
	load := make(map[string]int, len(workers))

	for _, task := range tasks {
		best := ""
		bestScore := math.Inf(-1)
		for _, worker := range workers {
			intensity := explorationIntensity
			if byTask, ok := trails[worker]; ok {
				if v, ok := byTask[task]; ok {
					intensity = v
				}
			}
			score := math.Pow(intensity, alpha) / (1.0 + float64(load[worker]))
			if score > bestScore {
				bestScore = score
				best = worker
			}
		}
		assignments[task] = best
		load[best]++
	}
	return assignments
}

// Pheromones wraps trail storage around the decay calculators.
type Pheromones struct {
	trails store.PheromoneStore
	logger *slog.Logger
}

// NewPheromones creates the pheromone service.
func NewPheromones(trails store.PheromoneStore, logger *slog.Logger) *Pheromones {
	return &Pheromones{trails: trails, logger: log.WithComponent(logger, "pheromone")}
}

// Deposit reinforces the (handle, taskType) trail, creating it when
// absent. Intensity is clamped to [0, 1].
func (p *Pheromones) Deposit(ctx context.Context, swarmID, handle, taskType string, amount float64) (*store.PheromoneTrail, error) {
	if swarmID == "" || handle == "" || taskType == "" {
		return nil, &errors.ValidationError{Field: "trail", Message: "swarm id, handle, and task type are required"}
	}
	if amount <= 0 {
		amount = 0.5
	}

	existing, err := p.trails.ListTrails(ctx, swarmID)
	if err != nil {
		return nil, err
	}
	for _, t := range existing {
		if t.Handle == handle && t.TaskType == taskType {
			t.Intensity = clamp01(t.Intensity + amount)
			if err := p.trails.UpdateTrail(ctx, t); err != nil {
				return nil, err
			}
			return t, nil
		}
	}

	trail := &store.PheromoneTrail{
		ID:        uuid.New().String(),
		SwarmID:   swarmID,
		Handle:    handle,
		TaskType:  taskType,
		Intensity: clamp01(amount),
	}
	if err := p.trails.CreateTrail(ctx, trail); err != nil {
		return nil, err
	}
	return trail, nil
}

// ActiveTrails lists a swarm's trails with effective intensity at or
// above the floor. With activeOnly false, every non-decayed trail is
// returned.
func (p *Pheromones) ActiveTrails(ctx context.Context, swarmID string, activeOnly bool) ([]*store.PheromoneTrail, error) {
	trails, err := p.trails.ListTrails(ctx, swarmID)
	if err != nil {
		return nil, err
	}
	if !activeOnly {
		return trails, nil
	}

	now := time.Now()
	active := trails[:0]
	for _, t := range trails {
		if EffectiveIntensity(t, DefaultDecayRatePerHour, now) >= DefaultMinIntensity {
			active = append(active, t)
		}
	}
	return active, nil
}

// Sweep runs one persisted decay pass over a swarm, marking trails
// that fell below the floor as decayed. Returns the number removed.
func (p *Pheromones) Sweep(ctx context.Context, swarmID string, rate float64) (int, error) {
	trails, err := p.trails.ListTrails(ctx, swarmID)
	if err != nil {
		return 0, err
	}

	result := ProcessDecay(trails, rate, DefaultMinIntensity)
	for _, t := range result.Survivors {
		if err := p.trails.UpdateTrail(ctx, t); err != nil {
			p.logger.Warn("failed to persist decayed trail", log.Error(err), "trail_id", t.ID)
		}
	}
	if len(result.RemovedIDs) == 0 {
		return 0, nil
	}
	n, err := p.trails.MarkDecayed(ctx, result.RemovedIDs)
	if err != nil {
		return 0, err
	}
	p.logger.Info("pheromone sweep", log.SwarmIDKey, swarmID, "removed", n, "survivors", len(result.Survivors))
	return n, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
