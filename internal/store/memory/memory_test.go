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

package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/pkg/errors"
)

func TestMemoryStore_WorkerLifecycle(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	w := &store.Worker{
		ID:       "worker-1",
		Handle:   "alice",
		TeamName: "core",
		Role:     store.RoleWorker,
		Status:   store.WorkerPending,
	}
	if err := s.CreateWorker(ctx, w); err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}

	// Duplicate id conflicts.
	if err := s.CreateWorker(ctx, w); err == nil {
		t.Fatal("expected conflict on duplicate id")
	}

	got, err := s.GetWorkerByHandle(ctx, "core", "alice")
	if err != nil {
		t.Fatalf("failed to get worker by handle: %v", err)
	}
	if got.ID != "worker-1" {
		t.Errorf("expected worker-1, got %s", got.ID)
	}

	// Dismissed workers are invisible to handle lookups.
	got.Status = store.WorkerDismissed
	if err := s.UpdateWorker(ctx, got); err != nil {
		t.Fatalf("failed to update worker: %v", err)
	}
	if _, err := s.GetWorkerByHandle(ctx, "core", "alice"); err == nil {
		t.Fatal("expected not found after dismissal")
	}

	count, err := s.CountActive(ctx)
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 active workers, got %d", count)
	}
}

func TestMemoryStore_GetWorker_NotFound(t *testing.T) {
	s := New()
	defer s.Close()

	_, err := s.GetWorker(context.Background(), "missing")
	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestMemoryStore_ListUnblocked_Ordering(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	base := time.Now()
	reqs := []*store.SpawnRequest{
		{ID: "r1", Priority: store.PriorityNormal, Status: store.SpawnPending, CreatedAt: base},
		{ID: "r2", Priority: store.PriorityCritical, Status: store.SpawnPending, CreatedAt: base.Add(time.Second)},
		{ID: "r3", Priority: store.PriorityCritical, Status: store.SpawnPending, CreatedAt: base.Add(2 * time.Second)},
		{ID: "r4", Priority: store.PriorityLow, Status: store.SpawnPending, CreatedAt: base},
		{ID: "r5", Priority: store.PriorityHigh, Status: store.SpawnPending, CreatedAt: base, BlockedByCount: 1},
	}
	for _, r := range reqs {
		if err := s.CreateRequest(ctx, r); err != nil {
			t.Fatalf("failed to create request %s: %v", r.ID, err)
		}
	}

	got, err := s.ListUnblocked(ctx, 10)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	want := []string{"r2", "r3", "r1", "r4"}
	if len(got) != len(want) {
		t.Fatalf("expected %d requests, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestMemoryStore_DecrementDependents(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	parent := &store.SpawnRequest{ID: "parent", Status: store.SpawnPending}
	child := &store.SpawnRequest{
		ID:             "child",
		Status:         store.SpawnPending,
		DependsOn:      []string{"parent"},
		BlockedByCount: 1,
	}
	if err := s.CreateRequest(ctx, parent); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRequest(ctx, child); err != nil {
		t.Fatal(err)
	}

	if err := s.DecrementDependents(ctx, "parent"); err != nil {
		t.Fatalf("failed to decrement: %v", err)
	}

	got, err := s.GetRequest(ctx, "child")
	if err != nil {
		t.Fatal(err)
	}
	if got.BlockedByCount != 0 {
		t.Errorf("expected blockedByCount 0, got %d", got.BlockedByCount)
	}

	// Count never goes negative.
	if err := s.DecrementDependents(ctx, "parent"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetRequest(ctx, "child")
	if got.BlockedByCount != 0 {
		t.Errorf("expected blockedByCount to stay 0, got %d", got.BlockedByCount)
	}
}

func TestMemoryStore_BlackboardReadSet(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	m := &store.BlackboardMessage{
		ID:           "msg-1",
		SwarmID:      "swarm-1",
		SenderHandle: "alice",
		MessageType:  "finding",
		Priority:     store.PriorityNormal,
	}
	if err := s.CreateMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	// Marking twice keeps the set deduplicated.
	if err := s.MarkMessagesRead(ctx, []string{"msg-1"}, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkMessagesRead(ctx, []string{"msg-1"}, "bob"); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.ListMessages(ctx, "swarm-1", store.BlackboardFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if len(msgs[0].ReadBy) != 1 || msgs[0].ReadBy[0] != "bob" {
		t.Errorf("expected readBy [bob], got %v", msgs[0].ReadBy)
	}

	// Unread filter hides messages bob has read.
	unread, err := s.ListMessages(ctx, "swarm-1", store.BlackboardFilter{
		UnreadOnly:   true,
		ReaderHandle: "bob",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(unread) != 0 {
		t.Errorf("expected no unread messages for bob, got %d", len(unread))
	}
}

func TestMemoryStore_BlackboardArchive(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	old := &store.BlackboardMessage{ID: "m1", SwarmID: "sw", CreatedAt: time.Now().Add(-2 * time.Hour)}
	recent := &store.BlackboardMessage{ID: "m2", SwarmID: "sw", CreatedAt: time.Now()}
	for _, m := range []*store.BlackboardMessage{old, recent} {
		if err := s.CreateMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.ArchiveOlder(ctx, "sw", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 archived, got %d", n)
	}

	visible, err := s.ListMessages(ctx, "sw", store.BlackboardFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 1 || visible[0].ID != "m2" {
		t.Errorf("expected only m2 visible, got %d messages", len(visible))
	}

	stats, err := s.Stats(ctx, "sw")
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalMessages != 2 || stats.Archived != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestMemoryStore_MarkMailRead_Once(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	if err := s.CreateMail(ctx, &store.MailMessage{ID: "mail-1", FromHandle: "a", ToHandle: "b", Body: "hi"}); err != nil {
		t.Fatal(err)
	}

	first, err := s.MarkMailRead(ctx, "mail-1")
	if err != nil {
		t.Fatal(err)
	}
	if !first {
		t.Error("expected first mark to report true")
	}
	second, err := s.MarkMailRead(ctx, "mail-1")
	if err != nil {
		t.Fatal(err)
	}
	if second {
		t.Error("expected second mark to report false")
	}

	unread, err := s.ListUnread(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if len(unread) != 0 {
		t.Errorf("expected no unread mail, got %d", len(unread))
	}
}

func TestMemoryStore_ResolveHandoff_OneWay(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	h := &store.Handoff{ID: "h1", FromHandle: "a", ToHandle: "b", Status: store.HandoffPending}
	if err := s.CreateHandoff(ctx, h); err != nil {
		t.Fatal(err)
	}

	ok, err := s.ResolveHandoff(ctx, "h1", store.HandoffAccepted, "taking over")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected resolution to succeed")
	}

	// A resolved handoff cannot flip.
	ok, err = s.ResolveHandoff(ctx, "h1", store.HandoffRejected, "")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected second resolution to be a no-op")
	}

	got, err := s.GetHandoff(ctx, "h1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.HandoffAccepted {
		t.Errorf("expected accepted, got %s", got.Status)
	}
	if got.AcceptedAt == nil {
		t.Error("expected acceptedAt to be stamped")
	}
}

func TestMemoryStore_PruneCheckpoints(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		c := &store.Checkpoint{
			ID:           fmt.Sprintf("cp-%d", i),
			WorkerHandle: "alice",
			Goal:         "ship it",
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateCheckpoint(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.PruneCheckpoints(ctx, "alice", 2)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 3 {
		t.Errorf("expected 3 removed, got %d", removed)
	}

	latest, err := s.GetLatestCheckpoint(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != "cp-4" {
		t.Errorf("expected cp-4 as latest, got %s", latest.ID)
	}

	list, err := s.ListCheckpoints(ctx, "alice", store.CheckpointFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 surviving checkpoints, got %d", len(list))
	}
}

func TestMemoryStore_GetReadySteps_NoDoubleClaim(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	steps := []*store.WorkflowStep{
		{ID: "s1", ExecutionID: "exec-1", StepKey: "build", Status: store.StepReady},
		{ID: "s2", ExecutionID: "exec-1", StepKey: "test", Status: store.StepReady},
		{ID: "s3", ExecutionID: "exec-1", StepKey: "deploy", Status: store.StepPending, BlockedByCount: 2},
	}
	if err := s.CreateSteps(ctx, steps); err != nil {
		t.Fatal(err)
	}

	// Concurrent claimers must partition the ready set.
	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.GetReadySteps(ctx, "exec-1", 5)
			if err != nil {
				t.Errorf("claim failed: %v", err)
				return
			}
			mu.Lock()
			for _, st := range got {
				claimed[st.StepKey]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(claimed) != 2 {
		t.Fatalf("expected 2 distinct steps claimed, got %d", len(claimed))
	}
	for key, n := range claimed {
		if n != 1 {
			t.Errorf("step %s claimed %d times", key, n)
		}
	}
}

func TestMemoryStore_DecrementStepDependents_PromotesToReady(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	steps := []*store.WorkflowStep{
		{ID: "s1", ExecutionID: "e1", StepKey: "a", Status: store.StepCompleted},
		{ID: "s2", ExecutionID: "e1", StepKey: "b", Status: store.StepCompleted},
		{ID: "s3", ExecutionID: "e1", StepKey: "c", Status: store.StepPending,
			DependsOn: []string{"a", "b"}, BlockedByCount: 2},
	}
	if err := s.CreateSteps(ctx, steps); err != nil {
		t.Fatal(err)
	}

	if err := s.DecrementStepDependents(ctx, "e1", "a"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetStep(ctx, "e1", "c")
	if got.Status != store.StepPending || got.BlockedByCount != 1 {
		t.Errorf("expected pending/1 after first decrement, got %s/%d", got.Status, got.BlockedByCount)
	}

	if err := s.DecrementStepDependents(ctx, "e1", "b"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetStep(ctx, "e1", "c")
	if got.Status != store.StepReady || got.BlockedByCount != 0 {
		t.Errorf("expected ready/0 after second decrement, got %s/%d", got.Status, got.BlockedByCount)
	}
}

func TestMemoryStore_UpsertVote_ReplacesBallot(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	p := &store.ConsensusProposal{
		ID:           "prop-1",
		SwarmID:      "sw",
		Question:     "merge now?",
		Options:      []string{"yes", "no"},
		VotingMethod: store.VoteMajority,
	}
	if err := s.CreateProposal(ctx, p); err != nil {
		t.Fatal(err)
	}

	v1 := &store.Vote{ID: "v1", ProposalID: "prop-1", VoterHandle: "alice", VoteValue: "yes", VoteWeight: 1}
	if _, err := s.UpsertVote(ctx, v1); err != nil {
		t.Fatal(err)
	}

	v2 := &store.Vote{ID: "v2", ProposalID: "prop-1", VoterHandle: "alice", VoteValue: "no", VoteWeight: 1}
	if _, err := s.UpsertVote(ctx, v2); err != nil {
		t.Fatal(err)
	}

	votes, err := s.ListVotes(ctx, "prop-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(votes) != 1 {
		t.Fatalf("expected 1 vote after upsert, got %d", len(votes))
	}
	if votes[0].VoteValue != "no" {
		t.Errorf("expected replaced ballot no, got %s", votes[0].VoteValue)
	}
	if votes[0].ID != "v1" {
		t.Errorf("expected original row id preserved, got %s", votes[0].ID)
	}
}

func TestMemoryStore_UpsertVote_UnknownProposal(t *testing.T) {
	s := New()
	defer s.Close()

	v := &store.Vote{ID: "v1", ProposalID: "missing", VoterHandle: "alice", VoteValue: "yes"}
	_, err := s.UpsertVote(context.Background(), v)
	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestMemoryStore_MarkDecayed(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	trails := []*store.PheromoneTrail{
		{ID: "t1", SwarmID: "sw", Handle: "alice", TaskType: "review", Intensity: 0.8},
		{ID: "t2", SwarmID: "sw", Handle: "bob", TaskType: "build", Intensity: 0.04},
	}
	for _, tr := range trails {
		if err := s.CreateTrail(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.MarkDecayed(ctx, []string{"t2"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 decayed, got %d", n)
	}

	live, err := s.ListTrails(ctx, "sw")
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 1 || live[0].ID != "t1" {
		t.Errorf("expected only t1 live, got %d trails", len(live))
	}
}

func TestMemoryStore_CopyOnReturn(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	w := &store.Worker{ID: "w1", Handle: "alice", TeamName: "core", Status: store.WorkerReady}
	if err := s.CreateWorker(ctx, w); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	got.Status = store.WorkerError

	again, err := s.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != store.WorkerReady {
		t.Errorf("mutating a returned row leaked into the store: %s", again.Status)
	}
}
