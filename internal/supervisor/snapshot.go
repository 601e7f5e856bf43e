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

package supervisor

import (
	"context"
	"sort"

	"github.com/tombee/fleet/internal/store"
)

// Snapshot is an aggregate view of the worker population.
type Snapshot struct {
	Total    int                        `json:"total"`
	ByStatus map[store.WorkerStatus]int `json:"by_status"`
	BySwarm  map[string]int             `json:"by_swarm,omitempty"`
	ByHealth map[Health]int             `json:"by_health"`
	Lineage  []*LineageNode             `json:"lineage,omitempty"`
}

// LineageNode is one worker in the spawn tree, with the workers it
// (transitively, by depth) sits above.
type LineageNode struct {
	Handle     string             `json:"handle"`
	DepthLevel int                `json:"depth_level"`
	Status     store.WorkerStatus `json:"status"`
	Children   []*LineageNode     `json:"children,omitempty"`
}

// Snapshot aggregates every non-dismissed worker by status, swarm, and
// health, and arranges them into a depth-level lineage tree.
func (s *Supervisor) Snapshot(ctx context.Context) (*Snapshot, error) {
	workers, err := s.workers.ListWorkers(ctx, store.WorkerFilter{})
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		ByStatus: map[store.WorkerStatus]int{},
		BySwarm:  map[string]int{},
		ByHealth: map[Health]int{},
	}
	var live []*store.Worker
	for _, w := range workers {
		if w.Status == store.WorkerDismissed {
			continue
		}
		live = append(live, w)
		snap.Total++
		snap.ByStatus[w.Status]++
		if w.SwarmID != "" {
			snap.BySwarm[w.SwarmID]++
		}
	}

	for _, wh := range s.HealthReport() {
		snap.ByHealth[wh.Health]++
	}

	snap.Lineage = buildLineage(live)
	return snap, nil
}

// buildLineage arranges workers into a forest by depth level: each
// worker at depth n+1 hangs under the most recent depth-n worker in
// its swarm, which matches how spawn requests fan out.
func buildLineage(workers []*store.Worker) []*LineageNode {
	sorted := make([]*store.Worker, len(workers))
	copy(sorted, workers)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].DepthLevel != sorted[j].DepthLevel {
			return sorted[i].DepthLevel < sorted[j].DepthLevel
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	var roots []*LineageNode
	// Last node seen per (swarm, depth), used as the parent candidate
	// for the next depth.
	parents := map[string]map[int]*LineageNode{}
	for _, w := range sorted {
		node := &LineageNode{Handle: w.Handle, DepthLevel: w.DepthLevel, Status: w.Status}
		if parents[w.SwarmID] == nil {
			parents[w.SwarmID] = map[int]*LineageNode{}
		}
		parents[w.SwarmID][w.DepthLevel] = node

		if parent := parents[w.SwarmID][w.DepthLevel-1]; w.DepthLevel > 0 && parent != nil {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}
	return roots
}
