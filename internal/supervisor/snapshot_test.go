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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/internal/store/memory"
)

func seedWorker(t *testing.T, st *memory.Store, handle, swarmID string, depth int, status store.WorkerStatus, created time.Time) {
	t.Helper()
	require.NoError(t, st.CreateWorker(context.Background(), &store.Worker{
		ID:         handle + "-id",
		Handle:     handle,
		TeamName:   "default",
		Role:       store.RoleWorker,
		Status:     status,
		SwarmID:    swarmID,
		DepthLevel: depth,
		CreatedAt:  created,
	}))
}

func TestSnapshotAggregates(t *testing.T) {
	s, st, _ := newTestSupervisor(t, 5)
	now := time.Now()

	seedWorker(t, st, "lead", "sw1", 0, store.WorkerReady, now)
	seedWorker(t, st, "builder", "sw1", 1, store.WorkerBusy, now.Add(time.Second))
	seedWorker(t, st, "tester", "sw1", 1, store.WorkerReady, now.Add(2*time.Second))
	seedWorker(t, st, "gone", "sw1", 0, store.WorkerDismissed, now)
	seedWorker(t, st, "solo", "", 0, store.WorkerReady, now)

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, snap.Total)
	assert.Equal(t, 3, snap.ByStatus[store.WorkerReady])
	assert.Equal(t, 1, snap.ByStatus[store.WorkerBusy])
	assert.Zero(t, snap.ByStatus[store.WorkerDismissed])
	assert.Equal(t, 3, snap.BySwarm["sw1"])
}

func TestLineageHangsDeeperWorkersUnderParents(t *testing.T) {
	s, st, _ := newTestSupervisor(t, 5)
	now := time.Now()

	seedWorker(t, st, "lead", "sw1", 0, store.WorkerReady, now)
	seedWorker(t, st, "builder", "sw1", 1, store.WorkerReady, now.Add(time.Second))
	seedWorker(t, st, "helper", "sw1", 2, store.WorkerReady, now.Add(2*time.Second))
	seedWorker(t, st, "solo", "sw2", 0, store.WorkerReady, now)

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Lineage, 2)

	var lead *LineageNode
	for _, root := range snap.Lineage {
		if root.Handle == "lead" {
			lead = root
		}
	}
	require.NotNil(t, lead)
	require.Len(t, lead.Children, 1)
	assert.Equal(t, "builder", lead.Children[0].Handle)
	require.Len(t, lead.Children[0].Children, 1)
	assert.Equal(t, "helper", lead.Children[0].Children[0].Handle)
}
