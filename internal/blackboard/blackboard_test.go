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

package blackboard

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

func newTestService(t *testing.T) *Service {
	t.Helper()
	st := memory.New()
	t.Cleanup(func() { st.Close() })
	return NewService(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPost_Validation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	var ve *errors.ValidationError

	_, err := svc.Post(ctx, "", "alice", "finding", nil, "", store.PriorityNormal)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "swarm_id", ve.Field)

	_, err = svc.Post(ctx, "sw", "alice", "", nil, "", store.PriorityNormal)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "message_type", ve.Field)
}

func TestPost_DefaultsPriority(t *testing.T) {
	svc := newTestService(t)

	m, err := svc.Post(context.Background(), "sw", "alice", "finding",
		map[string]any{"file": "main.go"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, store.PriorityNormal, m.Priority)
	assert.NotEmpty(t, m.ID)
}

func TestRead_UnreadOnlyRequiresReader(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Read(context.Background(), "sw", store.BlackboardFilter{UnreadOnly: true})
	var ve *errors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "reader_handle", ve.Field)
}

func TestReadMarkReadCycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	m1, err := svc.Post(ctx, "sw", "alice", "finding", nil, "", store.PriorityHigh)
	require.NoError(t, err)
	_, err = svc.Post(ctx, "sw", "bob", "question", nil, "", store.PriorityNormal)
	require.NoError(t, err)

	// Type filter.
	findings, err := svc.Read(ctx, "sw", store.BlackboardFilter{MessageType: "finding"})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, m1.ID, findings[0].ID)

	// Mark-read hides from unread queries but not plain reads.
	require.NoError(t, svc.MarkRead(ctx, []string{m1.ID}, "carol"))

	unread, err := svc.Read(ctx, "sw", store.BlackboardFilter{
		UnreadOnly: true, ReaderHandle: "carol",
	})
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "question", unread[0].MessageType)

	all, err := svc.Read(ctx, "sw", store.BlackboardFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestArchiveOld(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	st := memory.New()
	defer st.Close()
	svc = NewService(st, slog.New(slog.NewTextHandler(io.Discard, nil)))

	old := &store.BlackboardMessage{
		ID: "old", SwarmID: "sw", SenderHandle: "alice", MessageType: "finding",
		Priority: store.PriorityNormal, CreatedAt: time.Now().Add(-3 * time.Hour),
	}
	require.NoError(t, st.CreateMessage(ctx, old))
	_, err := svc.Post(ctx, "sw", "bob", "finding", nil, "", "")
	require.NoError(t, err)

	n, err := svc.ArchiveOld(ctx, "sw", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	visible, err := svc.Read(ctx, "sw", store.BlackboardFilter{})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.NotEqual(t, "old", visible[0].ID)

	_, err = svc.ArchiveOld(ctx, "sw", 0)
	var ve *errors.ValidationError
	require.ErrorAs(t, err, &ve)
}
