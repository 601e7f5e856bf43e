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

package spawnqueue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/internal/store/memory"
	"github.com/tombee/fleet/pkg/errors"
)

// recordingSpawner fulfils drained requests and remembers the order.
type recordingSpawner struct {
	mu      sync.Mutex
	handles []string
	fail    bool
	n       int
}

func (r *recordingSpawner) spawn(_ context.Context, req *store.SpawnRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return "", fmt.Errorf("spawn refused")
	}
	r.handles = append(r.handles, req.RequesterHandle)
	r.n++
	return fmt.Sprintf("worker-%d", r.n), nil
}

func (r *recordingSpawner) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.handles...)
}

func newTestController(t *testing.T) (*Controller, *memory.Store, *recordingSpawner) {
	t.Helper()
	st := memory.New()
	sp := &recordingSpawner{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, st, sp.spawn, logger), st, sp
}

func TestEnqueueAndDrain(t *testing.T) {
	c, st, sp := newTestController(t)
	ctx := context.Background()

	low, err := c.Enqueue(ctx, EnqueueRequest{RequesterHandle: "low", Priority: store.PriorityLow})
	require.NoError(t, err)
	high, err := c.Enqueue(ctx, EnqueueRequest{RequesterHandle: "high", Priority: store.PriorityHigh})
	require.NoError(t, err)

	c.Drain(ctx)

	assert.Equal(t, []string{"high", "low"}, sp.order())

	got, err := st.GetRequest(ctx, high.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SpawnSpawned, got.Status)
	assert.Equal(t, "worker-1", got.SpawnedWorkerID)
	assert.NotNil(t, got.ProcessedAt)

	got, err = st.GetRequest(ctx, low.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SpawnSpawned, got.Status)
}

func TestEnqueueRejectsDepth(t *testing.T) {
	c, _, _ := newTestController(t)

	_, err := c.Enqueue(context.Background(), EnqueueRequest{RequesterHandle: "deep", DepthLevel: 4})
	var conflict *errors.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestEnqueueRejectsRejectedDependency(t *testing.T) {
	c, st, _ := newTestController(t)
	ctx := context.Background()

	dep, err := c.Enqueue(ctx, EnqueueRequest{RequesterHandle: "dep"})
	require.NoError(t, err)
	cancelled, err := c.Cancel(ctx, dep.ID)
	require.NoError(t, err)
	require.True(t, cancelled)

	_, err = c.Enqueue(ctx, EnqueueRequest{RequesterHandle: "child", DependsOn: []string{dep.ID}})
	var conflict *errors.ConflictError
	require.ErrorAs(t, err, &conflict)

	// Sanity: the dependency really is rejected.
	got, err := st.GetRequest(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SpawnRejected, got.Status)
}

func TestDependencyBlocksUntilSpawned(t *testing.T) {
	c, st, sp := newTestController(t)
	ctx := context.Background()

	dep, err := c.Enqueue(ctx, EnqueueRequest{RequesterHandle: "parent"})
	require.NoError(t, err)
	child, err := c.Enqueue(ctx, EnqueueRequest{RequesterHandle: "child", DependsOn: []string{dep.ID}})
	require.NoError(t, err)
	assert.Equal(t, 1, child.BlockedByCount)

	// First drain spawns the parent and unblocks the child; the child
	// is picked up in the same pass on the refreshed unblocked list or
	// the next one.
	c.Drain(ctx)
	c.Drain(ctx)

	assert.Equal(t, []string{"parent", "child"}, sp.order())

	got, err := st.GetRequest(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SpawnSpawned, got.Status)
	assert.Equal(t, 0, got.BlockedByCount)
}

func TestSatisfiedDependencyDoesNotBlock(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	dep, err := c.Enqueue(ctx, EnqueueRequest{RequesterHandle: "parent"})
	require.NoError(t, err)
	c.Drain(ctx)

	child, err := c.Enqueue(ctx, EnqueueRequest{RequesterHandle: "child", DependsOn: []string{dep.ID}})
	require.NoError(t, err)
	assert.Equal(t, 0, child.BlockedByCount)
}

func TestCancelOnlyPending(t *testing.T) {
	c, st, _ := newTestController(t)
	ctx := context.Background()

	req, err := c.Enqueue(ctx, EnqueueRequest{RequesterHandle: "a"})
	require.NoError(t, err)
	c.Drain(ctx)

	// A spawned request cannot be cancelled; the call reports false
	// rather than erroring, and the row keeps its status.
	cancelled, err := c.Cancel(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	got, err := st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SpawnSpawned, got.Status)
}

func TestDrainLeavesRequestOnSpawnFailure(t *testing.T) {
	c, st, sp := newTestController(t)
	ctx := context.Background()

	req, err := c.Enqueue(ctx, EnqueueRequest{RequesterHandle: "a"})
	require.NoError(t, err)

	sp.fail = true
	c.Drain(ctx)

	got, err := st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SpawnPending, got.Status)

	// Next drain succeeds.
	sp.fail = false
	c.Drain(ctx)
	got, err = st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SpawnSpawned, got.Status)
}

func TestEnqueueRejectsAtHardLimit(t *testing.T) {
	c, st, _ := newTestController(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		w := &store.Worker{
			ID:       fmt.Sprintf("w-%d", i),
			Handle:   fmt.Sprintf("h-%d", i),
			TeamName: "default",
			Role:     store.RoleWorker,
			Status:   store.WorkerReady,
		}
		require.NoError(t, st.CreateWorker(ctx, w))
	}

	_, err := c.Enqueue(ctx, EnqueueRequest{RequesterHandle: "overflow"})
	var conflict *errors.ConflictError
	require.ErrorAs(t, err, &conflict)
}
